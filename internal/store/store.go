// Package store provides workflow definition and enrollment persistence.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/relaycrm/campaign-engine/pkg/types"
)

// Common errors returned by store implementations.
var (
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrClaimHeld is returned by Claim when another worker holds an
	// unexpired lease on the enrollment.
	ErrClaimHeld = errors.New("enrollment claim held by another worker")

	// ErrStaleClaim is returned by Update/ExtendClaim when the claim has
	// expired or the enrollment was modified by someone else (cancellation,
	// reclaim after lease expiry).
	ErrStaleClaim = errors.New("enrollment claim is stale")
)

// Claim is a time-bounded exclusive right to advance one enrollment.
// Token is the enrollment version observed at claim time; any update by
// another party invalidates the claim.
type Claim struct {
	EnrollmentID string
	Owner        string
	Token        int64
	ExpiresAt    time.Time
}

// ListOptions filters enrollment list queries.
type ListOptions struct {
	TenantID   string
	WorkflowID string
	ContactID  string
	Status     types.EnrollmentStatus
	Limit      int
}

// DefinitionStore persists workflow definitions. The engine consumes
// definitions authored elsewhere; Put is the intake path.
// Implementations must be safe for concurrent use.
type DefinitionStore interface {
	// Put saves a definition, generating an ID when empty.
	Put(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error)

	// Get retrieves a definition. Returns ErrWorkflowNotFound if missing.
	Get(ctx context.Context, tenantID, id string) (*types.WorkflowDefinition, error)

	// List returns a tenant's definitions.
	List(ctx context.Context, tenantID string) ([]*types.WorkflowDefinition, error)

	// ListActive returns every active definition across tenants. The
	// trigger evaluator and scheduler read this on each event/tick.
	ListActive(ctx context.Context) ([]*types.WorkflowDefinition, error)

	// SetStatus transitions a definition's lifecycle status.
	SetStatus(ctx context.Context, tenantID, id string, status types.WorkflowStatus) error

	Close() error
}

// EnrollmentStore persists enrollments, execution attempts, and the claim
// leases used to serialize advancement. Implementations must be safe for
// concurrent use by multiple scheduler instances.
type EnrollmentStore interface {
	// Enroll persists a new enrollment unless policy forbids it. When
	// re-entry is disallowed and a non-terminal enrollment exists for the
	// same (workflow, contact), that enrollment is returned with
	// created=false — redelivered events are a no-op, not a duplicate.
	// When the execution cap is reached, (nil, false, nil) is returned.
	Enroll(ctx context.Context, e *types.Enrollment, settings types.Settings) (*types.Enrollment, bool, error)

	// Get retrieves an enrollment. Returns ErrEnrollmentNotFound if missing.
	Get(ctx context.Context, id string) (*types.Enrollment, error)

	// List returns enrollments matching the options.
	List(ctx context.Context, opts ListOptions) ([]*types.Enrollment, error)

	// Due returns up to limit enrollments eligible for advancement at now:
	// status pending or running, or waiting with next_due_at <= now.
	Due(ctx context.Context, now time.Time, limit int) ([]*types.Enrollment, error)

	// Claim acquires an exclusive lease on the enrollment. Returns
	// ErrClaimHeld when another worker holds an unexpired lease.
	Claim(ctx context.Context, id, owner string, lease time.Duration) (*Claim, error)

	// ExtendClaim renews the lease. Returns ErrStaleClaim when lost.
	ExtendClaim(ctx context.Context, c *Claim, lease time.Duration) error

	// Release drops the lease early. Safe to call on a lost claim.
	Release(ctx context.Context, c *Claim) error

	// Update writes new enrollment state under a claim, bumping the
	// version. Returns ErrStaleClaim when the claim expired or the
	// enrollment was modified concurrently.
	Update(ctx context.Context, e *types.Enrollment, c *Claim) error

	// Cancel transitions a non-terminal enrollment to cancelled without a
	// claim. A step already in flight completes once; its state write then
	// fails with ErrStaleClaim.
	Cancel(ctx context.Context, id, reason string) error

	// CancelForContact cancels every non-terminal enrollment of a contact
	// in the given workflow. Returns the number cancelled.
	CancelForContact(ctx context.Context, tenantID, workflowID, contactID, reason string) (int, error)

	// AppendAttempt appends one execution attempt to the audit trail.
	AppendAttempt(ctx context.Context, a *types.ExecutionAttempt) error

	// Attempts returns attempts for an enrollment after sinceID
	// (exclusive). Empty sinceID returns all.
	Attempts(ctx context.Context, enrollmentID, sinceID string) ([]*types.ExecutionAttempt, error)

	// Subscribe returns a channel receiving new attempts for an
	// enrollment. The cleanup function must be called when done.
	Subscribe(ctx context.Context, enrollmentID string) (<-chan *types.ExecutionAttempt, func(), error)

	// TriggerMark and SetTriggerMark track the high-water instant of a
	// workflow's date_time trigger so redelivered ticks do not
	// double-enroll. Zero time means never fired.
	TriggerMark(ctx context.Context, workflowID string) (time.Time, error)
	SetTriggerMark(ctx context.Context, workflowID string, at time.Time) error

	// AdapterInfo returns diagnostic information for readiness probes.
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	Close() error
}

// Config holds configuration shared by store implementations.
type Config struct {
	// Maximum number of attempts to keep per enrollment (ring buffer).
	AttemptMaxLen int64

	// TTL for terminal enrollments (0 = no expiry).
	TTL time.Duration
}

// DefaultConfig returns sensible defaults for store configuration.
func DefaultConfig() *Config {
	return &Config{
		AttemptMaxLen: 5000,
		TTL:           90 * 24 * time.Hour,
	}
}
