// Package executor advances one enrollment by exactly one node per
// invocation. It owns the per-node semantics: sending messages with
// retry backoff, computing delay due times, branching on conditions, and
// applying action side effects. The scheduler owns claiming and
// persistence; the executor only mutates the in-memory enrollment and
// appends the audit attempt.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaycrm/campaign-engine/internal/channel"
	"github.com/relaycrm/campaign-engine/internal/condition"
	"github.com/relaycrm/campaign-engine/internal/delay"
	"github.com/relaycrm/campaign-engine/internal/directory"
	"github.com/relaycrm/campaign-engine/internal/metrics"
	"github.com/relaycrm/campaign-engine/internal/store"
	"github.com/relaycrm/campaign-engine/pkg/types"
)

// RetryPolicy bounds message-send retries.
type RetryPolicy struct {
	// MaxRetries is the number of re-sends after the first failure. A
	// failure with Retries already at this bound fails the enrollment.
	MaxRetries int

	// BaseDelay seeds the exponential backoff schedule.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// DefaultRetryPolicy retries five times from one hour up to a day.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 5,
	BaseDelay:  time.Hour,
	MaxDelay:   24 * time.Hour,
}

// Executor evaluates workflow nodes.
type Executor struct {
	channel    channel.Channel
	directory  directory.Directory
	conditions *condition.Evaluator
	enrs       store.EnrollmentStore
	retry      RetryPolicy
	logger     *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New creates an executor.
func New(ch channel.Channel, dir directory.Directory, enrs store.EnrollmentStore, retry RetryPolicy, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.BaseDelay <= 0 {
		retry = DefaultRetryPolicy
	}
	return &Executor{
		channel:    ch,
		directory:  dir,
		conditions: condition.NewEvaluator(),
		enrs:       enrs,
		retry:      retry,
		logger:     logger,
		now:        time.Now,
	}
}

// SetNowFunc overrides the executor clock. Test hook.
func (x *Executor) SetNowFunc(f func() time.Time) { x.now = f }

// Step evaluates the enrollment's current node and mutates e to its next
// state: running (another node is immediately eligible), waiting,
// completed, or failed. Exactly one ExecutionAttempt is appended per
// invocation. The caller persists e afterwards under its claim.
func (x *Executor) Step(ctx context.Context, wf *types.WorkflowDefinition, e *types.Enrollment) error {
	now := x.now().UTC()
	node := wf.NodeByID(e.CurrentNodeID)
	if node == nil {
		x.fail(e, now, fmt.Sprintf("node %q not found in workflow", e.CurrentNodeID))
		return x.record(ctx, e, e.CurrentNodeID, types.AttemptFailure, e.LastError, "", now)
	}

	e.Status = types.EnrollmentRunning
	e.NextDueAt = nil

	var outcome types.AttemptOutcome
	var attemptErr, detail string
	switch node.Kind {
	case types.NodeKindMessage:
		outcome, attemptErr, detail = x.stepMessage(ctx, wf, e, node, now)
	case types.NodeKindDelay:
		outcome, attemptErr, detail = x.stepDelay(wf, e, node, now)
	case types.NodeKindCondition:
		outcome, attemptErr, detail = x.stepCondition(ctx, wf, e, node, now)
	case types.NodeKindAction:
		outcome, attemptErr, detail = x.stepAction(ctx, wf, e, node, now)
	default:
		x.fail(e, now, fmt.Sprintf("node %q has unexecutable kind %q", node.ID, node.Kind))
		outcome, attemptErr = types.AttemptFailure, e.LastError
	}

	metrics.StepAttemptsTotal.WithLabelValues(string(node.Kind), string(outcome)).Inc()
	if e.Status.Terminal() {
		metrics.EnrollmentsFinished.WithLabelValues(string(e.Status)).Inc()
	}
	return x.record(ctx, e, node.ID, outcome, attemptErr, detail, now)
}

func (x *Executor) record(ctx context.Context, e *types.Enrollment, nodeID string, outcome types.AttemptOutcome, errMsg, detail string, now time.Time) error {
	a := &types.ExecutionAttempt{
		EnrollmentID: e.ID,
		NodeID:       nodeID,
		Outcome:      outcome,
		Error:        errMsg,
		Detail:       detail,
		Timestamp:    now,
	}
	if err := x.enrs.AppendAttempt(ctx, a); err != nil {
		x.logger.Error("append attempt failed", "enrollment_id", e.ID, "error", err)
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

// advance moves e to the node downstream of from, or completes the
// enrollment when from has no outgoing edge.
func (x *Executor) advance(wf *types.WorkflowDefinition, e *types.Enrollment, from *types.Node, now time.Time) {
	e.Path = append(e.Path, from.ID)
	edges := wf.OutgoingEdges(from.ID)
	if len(edges) == 0 {
		e.Status = types.EnrollmentCompleted
		e.CurrentNodeID = ""
		e.UpdatedAt = now
		return
	}
	e.CurrentNodeID = edges[0].To
	e.Status = types.EnrollmentRunning
	e.Retries = 0
	e.UpdatedAt = now
}

func (x *Executor) fail(e *types.Enrollment, now time.Time, msg string) {
	e.Status = types.EnrollmentFailed
	e.LastError = msg
	e.NextDueAt = nil
	e.UpdatedAt = now
}

func (x *Executor) stepMessage(ctx context.Context, wf *types.WorkflowDefinition, e *types.Enrollment, node *types.Node, now time.Time) (types.AttemptOutcome, string, string) {
	if node.Message == nil {
		x.fail(e, now, fmt.Sprintf("message node %q has no config", node.ID))
		return types.AttemptFailure, e.LastError, ""
	}

	snap, err := x.directory.Snapshot(ctx, e.TenantID, e.ContactID)
	if err != nil {
		if errors.Is(err, directory.ErrContactNotFound) {
			x.fail(e, now, fmt.Sprintf("contact %s not found", e.ContactID))
			return types.AttemptFailure, e.LastError, ""
		}
		return x.retryOrFail(wf, e, node, now, fmt.Sprintf("contact snapshot: %v", err))
	}

	content, err := render(node.Message.Body, e, snap)
	if err != nil {
		// An unresolvable reference is an authoring mistake; retrying
		// cannot fix it.
		x.fail(e, now, err.Error())
		return types.AttemptFailure, e.LastError, ""
	}

	externalID, err := x.channel.Send(ctx, e.TenantID, e.ContactID, content)
	if err != nil {
		if channel.IsPermanent(err) {
			metrics.SendsTotal.WithLabelValues("permanent").Inc()
			x.fail(e, now, err.Error())
			return types.AttemptFailure, e.LastError, ""
		}
		metrics.SendsTotal.WithLabelValues("transient").Inc()
		return x.retryOrFail(wf, e, node, now, err.Error())
	}

	metrics.SendsTotal.WithLabelValues("ok").Inc()
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context["last_external_message_id"] = externalID
	e.LastError = ""
	x.advance(wf, e, node, now)
	return types.AttemptSuccess, "", "sent message " + externalID
}

// retryOrFail re-enters waiting with exponential backoff, or fails when
// the retry budget is exhausted or the workflow stops on error.
func (x *Executor) retryOrFail(wf *types.WorkflowDefinition, e *types.Enrollment, node *types.Node, now time.Time, errMsg string) (types.AttemptOutcome, string, string) {
	maxRetries := x.retry.MaxRetries
	if node.Message != nil && node.Message.MaxRetries != nil {
		maxRetries = *node.Message.MaxRetries
	}
	if wf.Settings.StopOnError || e.Retries >= maxRetries {
		x.fail(e, now, errMsg)
		return types.AttemptFailure, errMsg, ""
	}
	backoff := x.retry.BaseDelay << uint(e.Retries)
	if backoff > x.retry.MaxDelay || backoff <= 0 {
		backoff = x.retry.MaxDelay
	}
	e.Retries++
	e.LastError = errMsg
	e.Status = types.EnrollmentWaiting
	due := now.Add(backoff)
	e.NextDueAt = &due
	e.UpdatedAt = now
	detail := fmt.Sprintf("retry %d scheduled in %s", e.Retries, backoff)
	return types.AttemptFailure, errMsg, detail
}

func (x *Executor) stepDelay(wf *types.WorkflowDefinition, e *types.Enrollment, node *types.Node, now time.Time) (types.AttemptOutcome, string, string) {
	if node.Delay == nil {
		x.fail(e, now, fmt.Sprintf("delay node %q has no config", node.ID))
		return types.AttemptFailure, e.LastError, ""
	}
	due, err := delay.DueAt(now, *node.Delay, wf.Settings)
	if err != nil {
		x.fail(e, now, fmt.Sprintf("delay node %q: %v", node.ID, err))
		return types.AttemptFailure, e.LastError, ""
	}

	x.advance(wf, e, node, now)
	if e.Status == types.EnrollmentCompleted {
		// A trailing delay with nothing after it has nothing to wait for.
		return types.AttemptSuccess, "", "delay skipped, no downstream node"
	}
	e.Status = types.EnrollmentWaiting
	e.NextDueAt = &due
	return types.AttemptSuccess, "", "waiting until " + due.Format(time.RFC3339)
}

func (x *Executor) stepCondition(ctx context.Context, wf *types.WorkflowDefinition, e *types.Enrollment, node *types.Node, now time.Time) (types.AttemptOutcome, string, string) {
	if node.Condition == nil {
		x.fail(e, now, fmt.Sprintf("condition node %q has no config", node.ID))
		return types.AttemptFailure, e.LastError, ""
	}
	snap, err := x.directory.Snapshot(ctx, e.TenantID, e.ContactID)
	if err != nil {
		if errors.Is(err, directory.ErrContactNotFound) {
			x.fail(e, now, fmt.Sprintf("contact %s not found", e.ContactID))
			return types.AttemptFailure, e.LastError, ""
		}
		x.fail(e, now, fmt.Sprintf("contact snapshot: %v", err))
		return types.AttemptFailure, e.LastError, ""
	}

	verdict, err := x.conditions.Evaluate(node.Condition.Clauses, snap, e.Context)
	if err != nil {
		x.fail(e, now, fmt.Sprintf("condition node %q: %v", node.ID, err))
		return types.AttemptFailure, e.LastError, ""
	}

	label := "false"
	if verdict {
		label = "true"
	}
	edge := wf.EdgeByLabel(node.ID, label)
	if edge == nil {
		x.fail(e, now, fmt.Sprintf("condition node %q has no %q edge", node.ID, label))
		return types.AttemptFailure, e.LastError, ""
	}
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context["condition:"+node.ID] = verdict
	e.Path = append(e.Path, node.ID)
	e.CurrentNodeID = edge.To
	e.Status = types.EnrollmentRunning
	e.Retries = 0
	e.UpdatedAt = now
	return types.AttemptSuccess, "", "branched " + label
}

func (x *Executor) stepAction(ctx context.Context, wf *types.WorkflowDefinition, e *types.Enrollment, node *types.Node, now time.Time) (types.AttemptOutcome, string, string) {
	if node.Action == nil {
		x.fail(e, now, fmt.Sprintf("action node %q has no config", node.ID))
		return types.AttemptFailure, e.LastError, ""
	}
	mut, err := mutationFor(node.Action)
	if err != nil {
		x.fail(e, now, fmt.Sprintf("action node %q: %v", node.ID, err))
		return types.AttemptFailure, e.LastError, ""
	}
	if err := x.directory.Apply(ctx, e.TenantID, e.ContactID, mut); err != nil {
		// Actions are non-retryable; the mutation itself is idempotent,
		// so a reclaimed step that half-applied is safe to re-run, but a
		// persistent directory failure surfaces to the author.
		x.fail(e, now, fmt.Sprintf("action node %q: %v", node.ID, err))
		return types.AttemptFailure, e.LastError, ""
	}
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context["action:"+node.ID] = string(mut.Kind)
	x.advance(wf, e, node, now)
	return types.AttemptSuccess, "", "applied " + string(mut.Kind)
}

func mutationFor(a *types.ActionConfig) (directory.Mutation, error) {
	switch a.Kind {
	case types.ActionAddTag:
		if a.TagID == "" {
			return directory.Mutation{}, fmt.Errorf("add_tag action missing tag_id")
		}
		return directory.Mutation{Kind: directory.MutationAddTag, TagID: a.TagID}, nil
	case types.ActionRemoveTag:
		if a.TagID == "" {
			return directory.Mutation{}, fmt.Errorf("remove_tag action missing tag_id")
		}
		return directory.Mutation{Kind: directory.MutationRemoveTag, TagID: a.TagID}, nil
	case types.ActionSetField:
		if a.FieldName == "" {
			return directory.Mutation{}, fmt.Errorf("set_field action missing field_name")
		}
		return directory.Mutation{Kind: directory.MutationSetField, FieldName: a.FieldName, FieldValue: a.FieldValue}, nil
	case types.ActionNotify:
		return directory.Mutation{Kind: directory.MutationNotify, Message: a.Message}, nil
	}
	return directory.Mutation{}, fmt.Errorf("unknown action kind %q", a.Kind)
}
