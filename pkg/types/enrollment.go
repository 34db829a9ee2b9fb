package types

import (
	"time"
)

// EnrollmentStatus represents the state of one contact's progress through
// one workflow.
type EnrollmentStatus string

const (
	EnrollmentPending   EnrollmentStatus = "pending"
	EnrollmentRunning   EnrollmentStatus = "running"
	EnrollmentWaiting   EnrollmentStatus = "waiting"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentFailed    EnrollmentStatus = "failed"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s EnrollmentStatus) Terminal() bool {
	switch s {
	case EnrollmentCompleted, EnrollmentFailed, EnrollmentCancelled:
		return true
	}
	return false
}

// Enrollment tracks one (workflow, contact) execution. Enrollments are
// never deleted, only transitioned to a terminal status.
type Enrollment struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	WorkflowID string `json:"workflow_id"`
	ContactID  string `json:"contact_id"`

	Status        EnrollmentStatus `json:"status"`
	CurrentNodeID string           `json:"current_node_id,omitempty"`

	// Path is the ordered list of visited node IDs.
	Path []string `json:"path,omitempty"`

	// NextDueAt is set only while Status is "waiting".
	NextDueAt *time.Time `json:"next_due_at,omitempty"`

	// Context accumulates values read from the contact during execution.
	Context map[string]any `json:"context,omitempty"`

	Retries   int    `json:"retries,omitempty"`
	LastError string `json:"last_error,omitempty"`

	// Version increases on every update and doubles as the claim token
	// for the scheduler lease.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AttemptOutcome classifies one node evaluation.
type AttemptOutcome string

const (
	AttemptSuccess AttemptOutcome = "success"
	AttemptFailure AttemptOutcome = "failure"
	AttemptSkipped AttemptOutcome = "skipped"
)

// ExecutionAttempt is one append-only audit record, written on every node
// evaluation regardless of outcome.
type ExecutionAttempt struct {
	ID           string         `json:"id"`
	EnrollmentID string         `json:"enrollment_id"`
	NodeID       string         `json:"node_id"`
	Outcome      AttemptOutcome `json:"outcome"`
	Error        string         `json:"error,omitempty"`
	Detail       string         `json:"detail,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}
