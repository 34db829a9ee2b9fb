package channel

import (
	"context"
	"fmt"
	"sync"
)

// Sent records one delivered message.
type Sent struct {
	TenantID  string
	ContactID string
	Content   string
}

// Fake is an in-memory Channel for tests and local development. Errors
// can be queued per contact; once the queue drains, sends succeed.
type Fake struct {
	mu     sync.Mutex
	sent   []Sent
	errs   map[string][]error
	nextID int
}

// NewFake creates an empty fake channel.
func NewFake() *Fake {
	return &Fake{errs: make(map[string][]error)}
}

// FailNext queues errors returned by the next sends to contactID, in order.
func (f *Fake) FailNext(contactID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[contactID] = append(f.errs[contactID], errs...)
}

// Send implements Channel.
func (f *Fake) Send(ctx context.Context, tenantID, contactID, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.errs[contactID]; len(q) > 0 {
		f.errs[contactID] = q[1:]
		return "", q[0]
	}
	f.nextID++
	f.sent = append(f.sent, Sent{TenantID: tenantID, ContactID: contactID, Content: content})
	return fmt.Sprintf("fake-msg-%d", f.nextID), nil
}

// Messages returns a copy of everything delivered so far.
func (f *Fake) Messages() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Sent, len(f.sent))
	copy(out, f.sent)
	return out
}
