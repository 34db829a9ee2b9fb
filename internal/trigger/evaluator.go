// Package trigger matches external events and schedule ticks against
// active workflow definitions and creates enrollments.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/relaycrm/campaign-engine/internal/metrics"
	"github.com/relaycrm/campaign-engine/internal/store"
	"github.com/relaycrm/campaign-engine/pkg/types"
)

// Evaluator turns trigger events into enrollments. It applies the
// workflow's enrollment policy (re-entry, execution cap) by delegating
// to the store's Enroll operation, which enforces both atomically.
type Evaluator struct {
	defs   store.DefinitionStore
	enrs   store.EnrollmentStore
	logger *slog.Logger
}

// NewEvaluator creates a trigger evaluator.
func NewEvaluator(defs store.DefinitionStore, enrs store.EnrollmentStore, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{defs: defs, enrs: enrs, logger: logger}
}

// HandleEvent evaluates one external event against every active workflow
// in the event's tenant. It returns the enrollments created. Redelivered
// events are safe: the store deduplicates by (workflow, contact) for
// non-terminal enrollments and by the execution cap for terminal ones.
func (ev *Evaluator) HandleEvent(ctx context.Context, event *types.TriggerEvent) ([]*types.Enrollment, error) {
	if event.TenantID == "" || event.ContactID == "" {
		return nil, fmt.Errorf("event missing tenant_id or contact_id")
	}
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	defs, err := ev.defs.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active workflows: %w", err)
	}

	var created []*types.Enrollment
	for _, wf := range defs {
		if wf.TenantID != event.TenantID {
			continue
		}

		// An inbound message stops enrollments before it can start new
		// ones, so a reply to the last message of a stop_on_reply
		// workflow never races its own re-enrollment.
		if event.Kind == types.EventInboundMessage && wf.Settings.StopOnReply {
			n, err := ev.enrs.CancelForContact(ctx, wf.TenantID, wf.ID, event.ContactID, "contact replied")
			if err != nil {
				ev.logger.Error("stop-on-reply cancellation failed",
					"workflow_id", wf.ID, "contact_id", event.ContactID, "error", err)
			} else if n > 0 {
				ev.logger.Info("stop-on-reply cancelled enrollments",
					"workflow_id", wf.ID, "contact_id", event.ContactID, "count", n)
			}
		}

		trig := wf.TriggerNode()
		if trig == nil || trig.Trigger == nil {
			continue
		}
		if !matches(trig.Trigger, event) {
			continue
		}

		e, ok, err := ev.enroll(ctx, wf, event.ContactID, occurred, string(trig.Trigger.Kind))
		if err != nil {
			ev.logger.Error("enrollment failed",
				"workflow_id", wf.ID, "contact_id", event.ContactID, "error", err)
			continue
		}
		if ok {
			created = append(created, e)
		}
	}
	return created, nil
}

// matches reports whether the trigger config accepts the event.
func matches(t *types.TriggerConfig, event *types.TriggerEvent) bool {
	switch t.Kind {
	case types.TriggerContactCreated:
		return event.Kind == types.EventContactCreated
	case types.TriggerTagApplied:
		return event.Kind == types.EventTagApplied && tagMatches(t.TagIDs, event.TagID)
	case types.TriggerTagRemoved:
		return event.Kind == types.EventTagRemoved && tagMatches(t.TagIDs, event.TagID)
	case types.TriggerFieldChanged:
		if event.Kind != types.EventFieldChanged {
			return false
		}
		if t.FieldName != "" && t.FieldName != event.FieldName {
			return false
		}
		return t.FieldValue == "" || t.FieldValue == event.FieldValue
	case types.TriggerInboundMessage:
		return event.Kind == types.EventInboundMessage
	}
	// date_time triggers fire from the scheduler clock, never from events.
	return false
}

func tagMatches(want []string, got string) bool {
	if len(want) == 0 {
		return true
	}
	for _, id := range want {
		if id == got {
			return true
		}
	}
	return false
}

// enroll creates one enrollment positioned at the workflow's entry node.
// Returns (enrollment, false, nil) when policy suppressed creation.
func (ev *Evaluator) enroll(ctx context.Context, wf *types.WorkflowDefinition, contactID string, at time.Time, triggerKind string) (*types.Enrollment, bool, error) {
	entry := wf.EntryNodeID()
	if entry == "" {
		return nil, false, fmt.Errorf("workflow %s has no entry node", wf.ID)
	}
	e := &types.Enrollment{
		ID:            uuid.NewString(),
		TenantID:      wf.TenantID,
		WorkflowID:    wf.ID,
		ContactID:     contactID,
		Status:        types.EnrollmentPending,
		CurrentNodeID: entry,
		Context:       map[string]any{"enrolled_at": at.Format(time.RFC3339)},
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	stored, created, err := ev.enrs.Enroll(ctx, e, wf.Settings)
	if err != nil {
		return nil, false, err
	}
	if !created {
		if stored != nil {
			ev.logger.Debug("duplicate trigger ignored, enrollment active",
				"workflow_id", wf.ID, "contact_id", contactID, "enrollment_id", stored.ID)
		} else {
			ev.logger.Debug("execution cap reached, trigger ignored",
				"workflow_id", wf.ID, "contact_id", contactID)
		}
		return stored, false, nil
	}
	metrics.EnrollmentsTotal.WithLabelValues(triggerKind).Inc()
	ev.logger.Info("contact enrolled",
		"workflow_id", wf.ID, "contact_id", contactID, "enrollment_id", stored.ID, "trigger", triggerKind)
	return stored, true, nil
}

// EvaluateSchedules fires date_time triggers that have come due since
// their last recorded firing. Cron expressions fire repeatedly; RFC3339
// instants fire once. The per-workflow high-water mark makes redundant
// calls from concurrent scheduler instances converge on one firing.
func (ev *Evaluator) EvaluateSchedules(ctx context.Context, now time.Time) error {
	defs, err := ev.defs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active workflows: %w", err)
	}
	for _, wf := range defs {
		trig := wf.TriggerNode()
		if trig == nil || trig.Trigger == nil || trig.Trigger.Kind != types.TriggerDateTime {
			continue
		}
		if err := ev.fireSchedule(ctx, wf, trig.Trigger, now); err != nil {
			ev.logger.Error("date_time trigger evaluation failed", "workflow_id", wf.ID, "error", err)
		}
	}
	return nil
}

func (ev *Evaluator) fireSchedule(ctx context.Context, wf *types.WorkflowDefinition, t *types.TriggerConfig, now time.Time) error {
	fireAt, err := ev.nextFire(ctx, wf, t, now)
	if err != nil || fireAt.IsZero() {
		return err
	}

	if err := ev.enrs.SetTriggerMark(ctx, wf.ID, fireAt); err != nil {
		return fmt.Errorf("set trigger mark: %w", err)
	}
	for _, contactID := range t.ContactIDs {
		if _, _, err := ev.enroll(ctx, wf, contactID, fireAt, string(types.TriggerDateTime)); err != nil {
			ev.logger.Error("scheduled enrollment failed",
				"workflow_id", wf.ID, "contact_id", contactID, "error", err)
		}
	}
	return nil
}

// nextFire returns the most recent firing instant in (mark, now], or the
// zero time when the schedule has nothing due.
func (ev *Evaluator) nextFire(ctx context.Context, wf *types.WorkflowDefinition, t *types.TriggerConfig, now time.Time) (time.Time, error) {
	mark, err := ev.enrs.TriggerMark(ctx, wf.ID)
	if err != nil {
		return time.Time{}, fmt.Errorf("read trigger mark: %w", err)
	}

	loc := time.UTC
	if wf.Settings.Timezone != "" {
		if l, err := time.LoadLocation(wf.Settings.Timezone); err == nil {
			loc = l
		}
	}

	if at, err := time.Parse(time.RFC3339, t.Schedule); err == nil {
		// One-shot instant.
		if !at.After(now) && at.After(mark) {
			return at, nil
		}
		return time.Time{}, nil
	}

	sched, err := cron.ParseStandard(t.Schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", t.Schedule, err)
	}
	if mark.IsZero() {
		// A fresh workflow fires on its first occurrence after activation,
		// not retroactively.
		mark = wf.UpdatedAt
		if mark.IsZero() {
			mark = wf.CreatedAt
		}
	}
	// Walk forward to the last occurrence at or before now. The scan is
	// bounded so a mark far in the past cannot spin the tick.
	var fireAt time.Time
	next := sched.Next(mark.In(loc))
	for i := 0; i < 1000 && !next.IsZero() && !next.After(now); i++ {
		fireAt = next
		next = sched.Next(next)
	}
	return fireAt, nil
}
