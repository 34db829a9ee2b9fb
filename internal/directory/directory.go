// Package directory reads and mutates contact records held by the CRM's
// contact service. The engine never owns contacts; it only snapshots
// them for condition evaluation and applies action side effects.
package directory

import (
	"context"
	"errors"

	"github.com/relaycrm/campaign-engine/pkg/types"
)

// ErrContactNotFound is returned when a contact id resolves to nothing.
var ErrContactNotFound = errors.New("contact not found")

// MutationKind identifies an action side effect.
type MutationKind string

const (
	MutationAddTag    MutationKind = "add_tag"
	MutationRemoveTag MutationKind = "remove_tag"
	MutationSetField  MutationKind = "set_field"
	MutationNotify    MutationKind = "notify"
)

// Mutation is one side effect applied to a contact. All mutations are
// idempotent: re-adding a present tag or re-setting an identical field
// value is a no-op.
type Mutation struct {
	Kind       MutationKind `json:"kind"`
	TagID      string       `json:"tag_id,omitempty"`
	FieldName  string       `json:"field_name,omitempty"`
	FieldValue any          `json:"field_value,omitempty"`
	Message    string       `json:"message,omitempty"`
}

// Directory is the contact service seen from the engine.
type Directory interface {
	// Snapshot returns the contact's current tags, fields, and metadata.
	Snapshot(ctx context.Context, tenantID, contactID string) (*types.ContactSnapshot, error)

	// Apply performs one mutation against the contact.
	Apply(ctx context.Context, tenantID, contactID string, m Mutation) error
}
