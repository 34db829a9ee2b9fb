// Package scheduler drives enrollment advancement. A periodic tick
// selects due enrollments, claims each one exclusively, and steps it
// through the executor until it suspends or terminates. Multiple
// scheduler instances can run against the same store; the claim lease
// guarantees at most one in-flight step per enrollment.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/campaign-engine/internal/executor"
	"github.com/relaycrm/campaign-engine/internal/metrics"
	"github.com/relaycrm/campaign-engine/internal/store"
	"github.com/relaycrm/campaign-engine/internal/trigger"
	"github.com/relaycrm/campaign-engine/pkg/types"
)

// Config controls the tick cadence and claim behavior.
type Config struct {
	TickInterval     time.Duration
	BatchSize        int
	MaxParallelism   int
	LeaseTimeout     time.Duration
	MaxStepsPerClaim int
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:     5 * time.Minute,
		BatchSize:        500,
		MaxParallelism:   16,
		LeaseTimeout:     2 * time.Minute,
		MaxStepsPerClaim: 25,
	}
}

// Scheduler owns the tick loop.
type Scheduler struct {
	defs     store.DefinitionStore
	enrs     store.EnrollmentStore
	exec     *executor.Executor
	triggers *trigger.Evaluator
	cfg      *Config
	logger   *slog.Logger

	// owner identifies this instance in claim leases.
	owner string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	now func() time.Time
}

// New creates a scheduler. cfg may be nil for defaults.
func New(defs store.DefinitionStore, enrs store.EnrollmentStore, exec *executor.Executor, triggers *trigger.Evaluator, cfg *Config, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		defs:     defs,
		enrs:     enrs,
		exec:     exec,
		triggers: triggers,
		cfg:      cfg,
		logger:   logger,
		owner:    uuid.NewString(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// SetNowFunc overrides the scheduler clock. Test hook.
func (s *Scheduler) SetNowFunc(f func() time.Time) { s.now = f }

// Owner returns this instance's claim owner id.
func (s *Scheduler) Owner() string { return s.owner }

// Start launches the tick loop in a goroutine. The first tick runs
// immediately so restarts pick up backlog without waiting an interval.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		s.logger.Info("scheduler started",
			"owner", s.owner, "tick_interval", s.cfg.TickInterval, "batch_size", s.cfg.BatchSize)
		s.Tick(ctx)
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Tick(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Tick runs one scheduling pass: fire due date_time triggers, then claim
// and advance due enrollments in parallel.
func (s *Scheduler) Tick(ctx context.Context) {
	started := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(started).Seconds()) }()

	now := s.now().UTC()
	if s.triggers != nil {
		if err := s.triggers.EvaluateSchedules(ctx, now); err != nil {
			s.logger.Error("schedule evaluation failed", "error", err)
		}
	}

	due, err := s.enrs.Due(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("due scan failed", "error", err)
		return
	}
	metrics.DueBacklog.Set(float64(len(due)))
	if len(due) == 0 {
		return
	}
	s.logger.Debug("tick selected enrollments", "count", len(due))

	sem := make(chan struct{}, s.cfg.MaxParallelism)
	var wg sync.WaitGroup
	for _, e := range due {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.advance(ctx, id)
		}(e.ID)
	}
	wg.Wait()
}

// advance claims one enrollment and steps it until it suspends, reaches a
// terminal status, or exhausts the per-claim step budget.
func (s *Scheduler) advance(ctx context.Context, id string) {
	claim, err := s.enrs.Claim(ctx, id, s.owner, s.cfg.LeaseTimeout)
	if err != nil {
		if errors.Is(err, store.ErrClaimHeld) {
			metrics.ClaimConflicts.Inc()
			return
		}
		if errors.Is(err, store.ErrEnrollmentNotFound) {
			return
		}
		s.logger.Error("claim failed", "enrollment_id", id, "error", err)
		return
	}
	defer func() {
		if err := s.enrs.Release(ctx, claim); err != nil {
			s.logger.Debug("release failed", "enrollment_id", id, "error", err)
		}
	}()

	// Re-read under the claim so a cancellation written after the due
	// scan is honored before any step runs.
	e, err := s.enrs.Get(ctx, id)
	if err != nil {
		s.logger.Error("read under claim failed", "enrollment_id", id, "error", err)
		return
	}
	if !s.eligible(e) {
		return
	}

	wf, err := s.defs.Get(ctx, e.TenantID, e.WorkflowID)
	if err != nil {
		if errors.Is(err, store.ErrWorkflowNotFound) {
			if cerr := s.enrs.Cancel(ctx, id, "workflow deleted"); cerr != nil {
				s.logger.Error("cancel for deleted workflow failed", "enrollment_id", id, "error", cerr)
			}
			return
		}
		s.logger.Error("load workflow failed", "enrollment_id", id, "error", err)
		return
	}
	if wf.Status != types.WorkflowStatusActive {
		// Paused workflows freeze their enrollments in place.
		return
	}

	for steps := 0; steps < s.cfg.MaxStepsPerClaim; steps++ {
		if err := s.exec.Step(ctx, wf, e); err != nil {
			s.logger.Error("step failed", "enrollment_id", id, "node_id", e.CurrentNodeID, "error", err)
			return
		}
		if err := s.enrs.Update(ctx, e, claim); err != nil {
			if errors.Is(err, store.ErrStaleClaim) {
				// Cancelled or reclaimed mid-step; the state write is
				// dropped and the surviving writer's state stands.
				s.logger.Info("claim lost mid-step", "enrollment_id", id)
				return
			}
			s.logger.Error("state write failed", "enrollment_id", id, "error", err)
			return
		}
		if !s.eligible(e) {
			return
		}
		if err := s.enrs.ExtendClaim(ctx, claim, s.cfg.LeaseTimeout); err != nil {
			if !errors.Is(err, store.ErrStaleClaim) {
				s.logger.Error("extend claim failed", "enrollment_id", id, "error", err)
			}
			return
		}
	}
}

// eligible reports whether the enrollment can take another step right now.
func (s *Scheduler) eligible(e *types.Enrollment) bool {
	switch e.Status {
	case types.EnrollmentPending, types.EnrollmentRunning:
		return true
	case types.EnrollmentWaiting:
		return e.NextDueAt != nil && !e.NextDueAt.After(s.now().UTC())
	}
	return false
}
