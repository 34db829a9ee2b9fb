package directory

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/relaycrm/campaign-engine/pkg/types"
)

// Memory is an in-memory Directory for tests and local development.
type Memory struct {
	mu       sync.Mutex
	contacts map[string]*types.ContactSnapshot // tenantID + "/" + contactID
	notices  []string
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{contacts: make(map[string]*types.ContactSnapshot)}
}

func memKey(tenantID, contactID string) string {
	return tenantID + "/" + contactID
}

// Put seeds or replaces a contact. A nil snapshot installs an empty one.
func (m *Memory) Put(tenantID, contactID string, snap *types.ContactSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap == nil {
		snap = &types.ContactSnapshot{}
	}
	m.contacts[memKey(tenantID, contactID)] = cloneSnapshot(snap)
}

// Snapshot implements Directory.
func (m *Memory) Snapshot(ctx context.Context, tenantID, contactID string) (*types.ContactSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.contacts[memKey(tenantID, contactID)]
	if !ok {
		return nil, fmt.Errorf("contact %s: %w", contactID, ErrContactNotFound)
	}
	return cloneSnapshot(snap), nil
}

// Apply implements Directory.
func (m *Memory) Apply(ctx context.Context, tenantID, contactID string, mut Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.contacts[memKey(tenantID, contactID)]
	if !ok {
		return fmt.Errorf("contact %s: %w", contactID, ErrContactNotFound)
	}
	switch mut.Kind {
	case MutationAddTag:
		if !snap.HasTag(mut.TagID) {
			snap.Tags = append(snap.Tags, mut.TagID)
		}
	case MutationRemoveTag:
		for i, t := range snap.Tags {
			if t == mut.TagID {
				snap.Tags = append(snap.Tags[:i], snap.Tags[i+1:]...)
				break
			}
		}
	case MutationSetField:
		if snap.CustomFields == nil {
			snap.CustomFields = make(map[string]any)
		}
		if reflect.DeepEqual(snap.CustomFields[mut.FieldName], mut.FieldValue) {
			return nil
		}
		snap.CustomFields[mut.FieldName] = mut.FieldValue
	case MutationNotify:
		m.notices = append(m.notices, mut.Message)
	default:
		return fmt.Errorf("unknown mutation kind %q", mut.Kind)
	}
	return nil
}

// Notices returns notifications emitted so far.
func (m *Memory) Notices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.notices))
	copy(out, m.notices)
	return out
}

func cloneSnapshot(s *types.ContactSnapshot) *types.ContactSnapshot {
	out := &types.ContactSnapshot{Status: s.Status, Source: s.Source}
	out.Tags = append([]string(nil), s.Tags...)
	if s.CustomFields != nil {
		out.CustomFields = make(map[string]any, len(s.CustomFields))
		for k, v := range s.CustomFields {
			out.CustomFields[k] = v
		}
	}
	if s.LastMessageAt != nil {
		t := *s.LastMessageAt
		out.LastMessageAt = &t
	}
	return out
}

var _ Directory = (*Memory)(nil)

// Touch updates last_message_at, used when an inbound message event
// arrives for a contact the memory directory tracks.
func (m *Memory) Touch(tenantID, contactID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap, ok := m.contacts[memKey(tenantID, contactID)]; ok {
		snap.LastMessageAt = &at
	}
}
