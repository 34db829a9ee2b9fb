package types

import (
	"time"
)

// EventKind is the type of an external event delivered to the trigger
// evaluator by the surrounding application.
type EventKind string

const (
	EventContactCreated EventKind = "contact_created"
	EventTagApplied     EventKind = "tag_applied"
	EventTagRemoved     EventKind = "tag_removed"
	EventFieldChanged   EventKind = "field_changed"
	EventInboundMessage EventKind = "inbound_message"
)

// TriggerEvent is a typed external event referencing a contact and tenant.
type TriggerEvent struct {
	Kind      EventKind `json:"kind"`
	TenantID  string    `json:"tenant_id"`
	ContactID string    `json:"contact_id"`

	TagID      string `json:"tag_id,omitempty"`
	FieldName  string `json:"field_name,omitempty"`
	FieldValue string `json:"field_value,omitempty"`

	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// ContactSnapshot is the contact-directory view of a contact at the moment
// a step executes. All condition inputs come from here.
type ContactSnapshot struct {
	Tags          []string       `json:"tags,omitempty"`
	CustomFields  map[string]any `json:"custom_fields,omitempty"`
	LastMessageAt *time.Time     `json:"last_message_at,omitempty"`
	Status        string         `json:"status,omitempty"`
	Source        string         `json:"source,omitempty"`
}

// HasTag reports whether the snapshot contains the given tag ID.
func (s *ContactSnapshot) HasTag(tagID string) bool {
	for _, t := range s.Tags {
		if t == tagID {
			return true
		}
	}
	return false
}
