package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/relaycrm/campaign-engine/internal/channel"
	"github.com/relaycrm/campaign-engine/internal/directory"
	"github.com/relaycrm/campaign-engine/internal/executor"
	"github.com/relaycrm/campaign-engine/internal/store"
	"github.com/relaycrm/campaign-engine/internal/trigger"
	"github.com/relaycrm/campaign-engine/pkg/types"
)

// clock is a settable time source shared by the scheduler, the executor,
// and the store so a test can move the whole system forward at once.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type harness struct {
	sched *Scheduler
	defs  *store.MemoryDefinitionStore
	enrs  *store.MemoryEnrollmentStore
	ch    *channel.Fake
	dir   *directory.Memory
	trig  *trigger.Evaluator
	clock *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := &clock{t: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)}

	defs := store.NewMemoryDefinitionStore()
	enrs := store.NewMemoryEnrollmentStore(nil)
	enrs.SetNowFunc(clk.Now)
	ch := channel.NewFake()
	dir := directory.NewMemory()

	exec := executor.New(ch, dir, enrs, executor.DefaultRetryPolicy, logger)
	exec.SetNowFunc(clk.Now)
	trig := trigger.NewEvaluator(defs, enrs, logger)

	cfg := &Config{
		TickInterval:     time.Minute,
		BatchSize:        100,
		MaxParallelism:   4,
		LeaseTimeout:     time.Minute,
		MaxStepsPerClaim: 25,
	}
	sched := New(defs, enrs, exec, trig, cfg, logger)
	sched.SetNowFunc(clk.Now)

	return &harness{sched: sched, defs: defs, enrs: enrs, ch: ch, dir: dir, trig: trig, clock: clk}
}

func (h *harness) putWorkflow(t *testing.T, wf *types.WorkflowDefinition) *types.WorkflowDefinition {
	t.Helper()
	stored, err := h.defs.Put(context.Background(), wf)
	if err != nil {
		t.Fatalf("put workflow: %v", err)
	}
	return stored
}

// welcomeWorkflow is the canonical onboarding graph:
// trigger(tag vip) -> message -> delay(1 day, skip weekends) -> add_tag.
func welcomeWorkflow() *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID:       "wf-welcome",
		TenantID: "t1",
		Name:     "welcome sequence",
		Status:   types.WorkflowStatusActive,
		Nodes: []types.Node{
			{ID: "trig", Kind: types.NodeKindTrigger, Trigger: &types.TriggerConfig{
				Kind: types.TriggerTagApplied, TagIDs: []string{"vip"},
			}},
			{ID: "welcome", Kind: types.NodeKindMessage, Message: &types.MessageConfig{Body: "Welcome {{first_name}}!"}},
			{ID: "wait", Kind: types.NodeKindDelay, Delay: &types.DelayConfig{
				Amount: 1, Unit: types.UnitDays, SkipWeekends: true,
			}},
			{ID: "mark", Kind: types.NodeKindAction, Action: &types.ActionConfig{
				Kind: types.ActionAddTag, TagID: "nurtured",
			}},
		},
		Edges: []types.Edge{
			{From: "trig", To: "welcome"},
			{From: "welcome", To: "wait"},
			{From: "wait", To: "mark"},
		},
	}
}

func TestTick_RunsEnrollmentThroughGraph(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putWorkflow(t, welcomeWorkflow())
	h.dir.Put("t1", "c1", &types.ContactSnapshot{
		CustomFields: map[string]any{"first_name": "Ada"},
	})

	created, err := h.trig.HandleEvent(ctx, &types.TriggerEvent{
		Kind: types.EventTagApplied, TenantID: "t1", ContactID: "c1", TagID: "vip",
	})
	if err != nil || len(created) != 1 {
		t.Fatalf("enroll: created=%d err=%v", len(created), err)
	}

	h.sched.Tick(ctx)

	sent := h.ch.Messages()
	if len(sent) != 1 || sent[0].Content != "Welcome Ada!" {
		t.Fatalf("sent: %+v", sent)
	}

	e, err := h.enrs.Get(ctx, created[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != types.EnrollmentWaiting {
		t.Fatalf("after first tick: status=%s, want waiting at the delay", e.Status)
	}
	if e.CurrentNodeID != "mark" {
		t.Errorf("pointer: got %q, want mark", e.CurrentNodeID)
	}

	// Re-ticking before the delay elapses must not advance or resend.
	h.sched.Tick(ctx)
	if len(h.ch.Messages()) != 1 {
		t.Error("waiting enrollment resent its message")
	}

	h.clock.Set(e.NextDueAt.Add(time.Second))
	h.sched.Tick(ctx)

	e, _ = h.enrs.Get(ctx, created[0].ID)
	if e.Status != types.EnrollmentCompleted {
		t.Errorf("final status: got %s, want completed", e.Status)
	}
	snap, _ := h.dir.Snapshot(ctx, "t1", "c1")
	if !snap.HasTag("nurtured") {
		t.Errorf("action never applied: %v", snap.Tags)
	}
}

func TestTick_SaturdayEnrollmentWaitsUntilMonday(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putWorkflow(t, welcomeWorkflow())
	h.dir.Put("t1", "c1", &types.ContactSnapshot{
		CustomFields: map[string]any{"first_name": "Ada"},
	})

	// Saturday morning.
	sat := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
	h.clock.Set(sat)

	created, err := h.trig.HandleEvent(ctx, &types.TriggerEvent{
		Kind: types.EventTagApplied, TenantID: "t1", ContactID: "c1", TagID: "vip",
	})
	if err != nil || len(created) != 1 {
		t.Fatalf("enroll: created=%d err=%v", len(created), err)
	}

	h.sched.Tick(ctx)

	// The welcome message goes out on Saturday; only the delay respects
	// the calendar.
	if len(h.ch.Messages()) != 1 {
		t.Fatalf("welcome not sent on Saturday: %+v", h.ch.Messages())
	}

	e, _ := h.enrs.Get(ctx, created[0].ID)
	if e.Status != types.EnrollmentWaiting {
		t.Fatalf("status: got %s, want waiting", e.Status)
	}
	monday := time.Date(2025, 3, 17, 10, 0, 0, 0, time.UTC)
	if e.NextDueAt == nil || !e.NextDueAt.Equal(monday) {
		t.Fatalf("due: got %v, want Monday %v", e.NextDueAt, monday)
	}

	// Sunday tick: still waiting, no side effects.
	h.clock.Set(time.Date(2025, 3, 16, 10, 0, 0, 0, time.UTC))
	h.sched.Tick(ctx)
	snap, _ := h.dir.Snapshot(ctx, "t1", "c1")
	if snap.HasTag("nurtured") {
		t.Fatal("tag applied on Sunday")
	}

	h.clock.Set(monday)
	h.sched.Tick(ctx)
	snap, _ = h.dir.Snapshot(ctx, "t1", "c1")
	if !snap.HasTag("nurtured") {
		t.Errorf("tag not applied on Monday: %v", snap.Tags)
	}
	e, _ = h.enrs.Get(ctx, created[0].ID)
	if e.Status != types.EnrollmentCompleted {
		t.Errorf("final status: got %s, want completed", e.Status)
	}
}

func TestTick_CancelledAfterScanIsNotAdvanced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putWorkflow(t, welcomeWorkflow())
	h.dir.Put("t1", "c1", &types.ContactSnapshot{
		CustomFields: map[string]any{"first_name": "Ada"},
	})

	past := h.clock.Now().Add(-time.Hour)
	e, _, err := h.enrs.Enroll(ctx, &types.Enrollment{
		TenantID: "t1", WorkflowID: "wf-welcome", ContactID: "c1",
		Status: types.EnrollmentWaiting, CurrentNodeID: "welcome", NextDueAt: &past,
	}, types.Settings{})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}

	// Cancelled between the due scan and the claim; the re-read under the
	// claim must see it and stop.
	if err := h.enrs.Cancel(ctx, e.ID, "operator cancelled"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	h.sched.Tick(ctx)

	if len(h.ch.Messages()) != 0 {
		t.Errorf("cancelled enrollment sent a message: %+v", h.ch.Messages())
	}
	got, _ := h.enrs.Get(ctx, e.ID)
	if got.Status != types.EnrollmentCancelled {
		t.Errorf("status: got %s, want cancelled", got.Status)
	}
}

func TestTick_PausedWorkflowFreezesEnrollments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := welcomeWorkflow()
	wf.Status = types.WorkflowStatusPaused
	h.putWorkflow(t, wf)
	h.dir.Put("t1", "c1", &types.ContactSnapshot{
		CustomFields: map[string]any{"first_name": "Ada"},
	})

	e, _, err := h.enrs.Enroll(ctx, &types.Enrollment{
		TenantID: "t1", WorkflowID: "wf-welcome", ContactID: "c1",
		Status: types.EnrollmentPending, CurrentNodeID: "welcome",
	}, types.Settings{})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}

	h.sched.Tick(ctx)

	if len(h.ch.Messages()) != 0 {
		t.Errorf("paused workflow executed a step: %+v", h.ch.Messages())
	}
	got, _ := h.enrs.Get(ctx, e.ID)
	if got.Status != types.EnrollmentPending {
		t.Errorf("status: got %s, want pending (frozen in place)", got.Status)
	}

	// Resuming picks up exactly where it stopped.
	if err := h.defs.SetStatus(ctx, "t1", "wf-welcome", types.WorkflowStatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	h.sched.Tick(ctx)
	if len(h.ch.Messages()) != 1 {
		t.Errorf("resumed workflow did not execute: %+v", h.ch.Messages())
	}
}

func TestTick_DeletedWorkflowCancelsEnrollment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e, _, err := h.enrs.Enroll(ctx, &types.Enrollment{
		TenantID: "t1", WorkflowID: "wf-gone", ContactID: "c1",
		Status: types.EnrollmentPending, CurrentNodeID: "welcome",
	}, types.Settings{})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}

	h.sched.Tick(ctx)

	got, _ := h.enrs.Get(ctx, e.ID)
	if got.Status != types.EnrollmentCancelled {
		t.Errorf("status: got %s, want cancelled", got.Status)
	}
}

func TestTick_HeldClaimSkipsEnrollment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putWorkflow(t, welcomeWorkflow())
	h.dir.Put("t1", "c1", &types.ContactSnapshot{})

	e, _, err := h.enrs.Enroll(ctx, &types.Enrollment{
		TenantID: "t1", WorkflowID: "wf-welcome", ContactID: "c1",
		Status: types.EnrollmentPending, CurrentNodeID: "welcome",
	}, types.Settings{})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if _, err := h.enrs.Claim(ctx, e.ID, "another-instance", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	h.sched.Tick(ctx)

	if len(h.ch.Messages()) != 0 {
		t.Errorf("stepped an enrollment claimed elsewhere: %+v", h.ch.Messages())
	}
	got, _ := h.enrs.Get(ctx, e.ID)
	if got.Status != types.EnrollmentPending {
		t.Errorf("status: got %s, want pending", got.Status)
	}
}

func TestTick_StepBudgetResumesNextTick(t *testing.T) {
	h := newHarness(t)
	h.sched.cfg.MaxStepsPerClaim = 1
	ctx := context.Background()
	h.putWorkflow(t, welcomeWorkflow())
	h.dir.Put("t1", "c1", &types.ContactSnapshot{
		CustomFields: map[string]any{"first_name": "Ada"},
	})

	e, _, err := h.enrs.Enroll(ctx, &types.Enrollment{
		TenantID: "t1", WorkflowID: "wf-welcome", ContactID: "c1",
		Status: types.EnrollmentPending, CurrentNodeID: "welcome",
	}, types.Settings{})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}

	// One step per claim: the first tick only sends the message.
	h.sched.Tick(ctx)
	got, _ := h.enrs.Get(ctx, e.ID)
	if got.CurrentNodeID != "wait" || got.Status != types.EnrollmentRunning {
		t.Fatalf("after budgeted tick: node=%s status=%s", got.CurrentNodeID, got.Status)
	}

	// The enrollment is still running, so the next tick picks it back up.
	h.sched.Tick(ctx)
	got, _ = h.enrs.Get(ctx, e.ID)
	if got.Status != types.EnrollmentWaiting {
		t.Errorf("after second tick: status=%s, want waiting at the delay", got.Status)
	}
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.sched.Start(ctx)
	h.sched.Stop()
	// Stop blocks until the loop goroutine exits; reaching here is the test.
}
