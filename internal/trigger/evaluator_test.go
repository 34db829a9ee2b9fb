package trigger

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/relaycrm/campaign-engine/internal/store"
	"github.com/relaycrm/campaign-engine/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tagWorkflow builds a minimal active workflow: tag_applied trigger -> message.
func tagWorkflow(id, tenantID string, trig *types.TriggerConfig, settings types.Settings) *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID:       id,
		TenantID: tenantID,
		Name:     "welcome",
		Status:   types.WorkflowStatusActive,
		Settings: settings,
		Nodes: []types.Node{
			{ID: "trig", Kind: types.NodeKindTrigger, Trigger: trig},
			{ID: "msg", Kind: types.NodeKindMessage, Message: &types.MessageConfig{Body: "hello"}},
		},
		Edges: []types.Edge{{From: "trig", To: "msg"}},
	}
}

func setup(t *testing.T, wfs ...*types.WorkflowDefinition) (*Evaluator, *store.MemoryEnrollmentStore) {
	t.Helper()
	defs := store.NewMemoryDefinitionStore()
	enrs := store.NewMemoryEnrollmentStore(nil)
	for _, wf := range wfs {
		if _, err := defs.Put(context.Background(), wf); err != nil {
			t.Fatalf("put workflow: %v", err)
		}
	}
	return NewEvaluator(defs, enrs, discardLogger()), enrs
}

func TestHandleEvent_TagFilter(t *testing.T) {
	wf := tagWorkflow("wf1", "t1", &types.TriggerConfig{
		Kind:   types.TriggerTagApplied,
		TagIDs: []string{"vip"},
	}, types.Settings{})
	ev, _ := setup(t, wf)
	ctx := context.Background()

	created, err := ev.HandleEvent(ctx, &types.TriggerEvent{
		Kind: types.EventTagApplied, TenantID: "t1", ContactID: "c1", TagID: "newsletter",
	})
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("non-matching tag enrolled: %+v", created)
	}

	created, err = ev.HandleEvent(ctx, &types.TriggerEvent{
		Kind: types.EventTagApplied, TenantID: "t1", ContactID: "c1", TagID: "vip",
	})
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("got %d enrollments, want 1", len(created))
	}
	if created[0].CurrentNodeID != "msg" {
		t.Errorf("enrollment starts at %q, want entry node msg", created[0].CurrentNodeID)
	}
	if created[0].Status != types.EnrollmentPending {
		t.Errorf("status: got %s, want pending", created[0].Status)
	}
}

func TestHandleEvent_RedeliveryIsNoOp(t *testing.T) {
	wf := tagWorkflow("wf1", "t1", &types.TriggerConfig{Kind: types.TriggerContactCreated}, types.Settings{})
	ev, enrs := setup(t, wf)
	ctx := context.Background()

	event := &types.TriggerEvent{Kind: types.EventContactCreated, TenantID: "t1", ContactID: "c1"}
	for i := 0; i < 3; i++ {
		if _, err := ev.HandleEvent(ctx, event); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	all, err := enrs.List(ctx, store.ListOptions{WorkflowID: "wf1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("redelivered event created %d enrollments, want 1", len(all))
	}
}

func TestHandleEvent_TenantIsolation(t *testing.T) {
	wf := tagWorkflow("wf1", "t1", &types.TriggerConfig{Kind: types.TriggerContactCreated}, types.Settings{})
	ev, _ := setup(t, wf)

	created, err := ev.HandleEvent(context.Background(), &types.TriggerEvent{
		Kind: types.EventContactCreated, TenantID: "t2", ContactID: "c1",
	})
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("cross-tenant event enrolled: %+v", created)
	}
}

func TestHandleEvent_FieldChangedFilter(t *testing.T) {
	wf := tagWorkflow("wf1", "t1", &types.TriggerConfig{
		Kind:       types.TriggerFieldChanged,
		FieldName:  "plan",
		FieldValue: "pro",
	}, types.Settings{})
	ev, _ := setup(t, wf)
	ctx := context.Background()

	cases := []struct {
		name       string
		field, val string
		want       int
	}{
		{"wrong field", "seats", "pro", 0},
		{"wrong value", "plan", "free", 0},
		{"match", "plan", "pro", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			created, err := ev.HandleEvent(ctx, &types.TriggerEvent{
				Kind: types.EventFieldChanged, TenantID: "t1", ContactID: "c-" + tc.name,
				FieldName: tc.field, FieldValue: tc.val,
			})
			if err != nil {
				t.Fatalf("handle event: %v", err)
			}
			if len(created) != tc.want {
				t.Errorf("got %d enrollments, want %d", len(created), tc.want)
			}
		})
	}
}

func TestHandleEvent_StopOnReplyCancels(t *testing.T) {
	wf := tagWorkflow("wf1", "t1", &types.TriggerConfig{Kind: types.TriggerContactCreated},
		types.Settings{StopOnReply: true})
	ev, enrs := setup(t, wf)
	ctx := context.Background()

	created, err := ev.HandleEvent(ctx, &types.TriggerEvent{
		Kind: types.EventContactCreated, TenantID: "t1", ContactID: "c1",
	})
	if err != nil || len(created) != 1 {
		t.Fatalf("enroll: created=%d err=%v", len(created), err)
	}

	// The reply does not match the trigger, so it only cancels.
	more, err := ev.HandleEvent(ctx, &types.TriggerEvent{
		Kind: types.EventInboundMessage, TenantID: "t1", ContactID: "c1",
	})
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if len(more) != 0 {
		t.Errorf("inbound message created enrollments: %+v", more)
	}

	got, err := enrs.Get(ctx, created[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.EnrollmentCancelled {
		t.Errorf("status after reply: got %s, want cancelled", got.Status)
	}
}

func TestHandleEvent_StopOnReplyCancelsBeforeEnrolling(t *testing.T) {
	// Inbound trigger plus stop_on_reply: the reply cancels the previous
	// run before starting the next one, so both exist but only one is live.
	wf := tagWorkflow("wf1", "t1", &types.TriggerConfig{Kind: types.TriggerInboundMessage},
		types.Settings{StopOnReply: true, AllowReentry: true})
	ev, enrs := setup(t, wf)
	ctx := context.Background()

	event := &types.TriggerEvent{Kind: types.EventInboundMessage, TenantID: "t1", ContactID: "c1"}
	if _, err := ev.HandleEvent(ctx, event); err != nil {
		t.Fatalf("first reply: %v", err)
	}
	if _, err := ev.HandleEvent(ctx, event); err != nil {
		t.Fatalf("second reply: %v", err)
	}

	all, _ := enrs.List(ctx, store.ListOptions{WorkflowID: "wf1", ContactID: "c1"})
	if len(all) != 2 {
		t.Fatalf("got %d enrollments, want 2", len(all))
	}
	live := 0
	for _, e := range all {
		if !e.Status.Terminal() {
			live++
		}
	}
	if live != 1 {
		t.Errorf("got %d live enrollments, want 1", live)
	}
}

func TestHandleEvent_ExecutionCap(t *testing.T) {
	wf := tagWorkflow("wf1", "t1", &types.TriggerConfig{Kind: types.TriggerContactCreated},
		types.Settings{MaxExecutionsPerContact: 1})
	ev, enrs := setup(t, wf)
	ctx := context.Background()

	event := &types.TriggerEvent{Kind: types.EventContactCreated, TenantID: "t1", ContactID: "c1"}
	created, err := ev.HandleEvent(ctx, event)
	if err != nil || len(created) != 1 {
		t.Fatalf("enroll: created=%d err=%v", len(created), err)
	}

	// Finish the run, then redeliver. The contact already used its one
	// execution, so nothing new may start.
	claim, err := enrs.Claim(ctx, created[0].ID, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	e := created[0]
	e.Status = types.EnrollmentCompleted
	if err := enrs.Update(ctx, e, claim); err != nil {
		t.Fatalf("update: %v", err)
	}

	more, err := ev.HandleEvent(ctx, event)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if len(more) != 0 {
		t.Errorf("cap exceeded: %+v", more)
	}
}

func TestEvaluateSchedules_OneShot(t *testing.T) {
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	wf := tagWorkflow("wf1", "t1", &types.TriggerConfig{
		Kind:       types.TriggerDateTime,
		Schedule:   at.Format(time.RFC3339),
		ContactIDs: []string{"c1", "c2"},
	}, types.Settings{AllowReentry: true})
	ev, enrs := setup(t, wf)
	ctx := context.Background()

	// Before the instant: nothing fires.
	if err := ev.EvaluateSchedules(ctx, at.Add(-time.Minute)); err != nil {
		t.Fatalf("evaluate early: %v", err)
	}
	all, _ := enrs.List(ctx, store.ListOptions{WorkflowID: "wf1"})
	if len(all) != 0 {
		t.Fatalf("fired early: %+v", all)
	}

	if err := ev.EvaluateSchedules(ctx, at.Add(time.Minute)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	all, _ = enrs.List(ctx, store.ListOptions{WorkflowID: "wf1"})
	if len(all) != 2 {
		t.Fatalf("got %d enrollments, want one per audience contact", len(all))
	}

	// The high-water mark makes the one-shot fire exactly once.
	if err := ev.EvaluateSchedules(ctx, at.Add(time.Hour)); err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}
	all, _ = enrs.List(ctx, store.ListOptions{WorkflowID: "wf1"})
	if len(all) != 2 {
		t.Errorf("one-shot fired twice: %d enrollments", len(all))
	}
}

func TestEvaluateSchedules_CronHighWater(t *testing.T) {
	wf := tagWorkflow("wf1", "t1", &types.TriggerConfig{
		Kind:       types.TriggerDateTime,
		Schedule:   "0 9 * * *",
		ContactIDs: []string{"c1"},
	}, types.Settings{AllowReentry: true})
	ev, enrs := setup(t, wf)
	ctx := context.Background()

	// Pin the mark so the walk starts from a known instant.
	mark := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if err := enrs.SetTriggerMark(ctx, "wf1", mark); err != nil {
		t.Fatalf("set mark: %v", err)
	}

	now := time.Date(2025, 3, 11, 10, 0, 0, 0, time.UTC)
	if err := ev.EvaluateSchedules(ctx, now); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	all, _ := enrs.List(ctx, store.ListOptions{WorkflowID: "wf1"})
	if len(all) != 1 {
		t.Fatalf("got %d enrollments, want 1", len(all))
	}

	// Same tick replayed: the mark already covers 09:00 today.
	if err := ev.EvaluateSchedules(ctx, now.Add(time.Minute)); err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}
	all, _ = enrs.List(ctx, store.ListOptions{WorkflowID: "wf1"})
	if len(all) != 1 {
		t.Errorf("cron fired twice inside one window: %d enrollments", len(all))
	}

	// Next day it fires again.
	if err := ev.EvaluateSchedules(ctx, now.Add(24*time.Hour)); err != nil {
		t.Fatalf("next day: %v", err)
	}
	all, _ = enrs.List(ctx, store.ListOptions{WorkflowID: "wf1"})
	if len(all) != 2 {
		t.Errorf("got %d enrollments across two days, want 2", len(all))
	}
}

func TestEvaluateSchedules_FreshWorkflowNotRetroactive(t *testing.T) {
	// A workflow activated today must not fire for yesterday's occurrences.
	wf := tagWorkflow("wf1", "t1", &types.TriggerConfig{
		Kind:       types.TriggerDateTime,
		Schedule:   "0 9 * * *",
		ContactIDs: []string{"c1"},
	}, types.Settings{})
	ev, enrs := setup(t, wf)
	ctx := context.Background()

	// Put stamped UpdatedAt with the wall clock, so an evaluation at the
	// same instant finds no occurrence in (mark, now].
	if err := ev.EvaluateSchedules(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	all, _ := enrs.List(ctx, store.ListOptions{WorkflowID: "wf1"})
	if len(all) != 0 {
		t.Errorf("fresh workflow fired retroactively: %+v", all)
	}
}
