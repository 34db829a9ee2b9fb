package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/campaign-engine/pkg/types"
)

// MemoryDefinitionStore is an in-memory DefinitionStore for development and
// testing. Data is lost on restart.
type MemoryDefinitionStore struct {
	mu   sync.RWMutex
	defs map[string]*types.WorkflowDefinition // tenantID/workflowID -> def
}

// NewMemoryDefinitionStore creates a new in-memory DefinitionStore.
func NewMemoryDefinitionStore() *MemoryDefinitionStore {
	return &MemoryDefinitionStore{
		defs: make(map[string]*types.WorkflowDefinition),
	}
}

func defKey(tenantID, id string) string { return tenantID + "/" + id }

func (s *MemoryDefinitionStore) Put(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	stored := cloneDefinition(def)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Status == "" {
		stored.Status = types.WorkflowStatusDraft
	}
	if existing, ok := s.defs[defKey(stored.TenantID, stored.ID)]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	s.defs[defKey(stored.TenantID, stored.ID)] = stored
	return cloneDefinition(stored), nil
}

func (s *MemoryDefinitionStore) Get(ctx context.Context, tenantID, id string) (*types.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[defKey(tenantID, id)]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return cloneDefinition(def), nil
}

func (s *MemoryDefinitionStore) List(ctx context.Context, tenantID string) ([]*types.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.WorkflowDefinition
	for _, def := range s.defs {
		if def.TenantID == tenantID {
			out = append(out, cloneDefinition(def))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryDefinitionStore) ListActive(ctx context.Context) ([]*types.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.WorkflowDefinition
	for _, def := range s.defs {
		if def.Status == types.WorkflowStatusActive {
			out = append(out, cloneDefinition(def))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryDefinitionStore) SetStatus(ctx context.Context, tenantID, id string, status types.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.defs[defKey(tenantID, id)]
	if !ok {
		return ErrWorkflowNotFound
	}
	def.Status = status
	def.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryDefinitionStore) Close() error { return nil }

func cloneDefinition(def *types.WorkflowDefinition) *types.WorkflowDefinition {
	out := *def
	out.Nodes = append([]types.Node(nil), def.Nodes...)
	out.Edges = append([]types.Edge(nil), def.Edges...)
	if def.Settings.BusinessHours != nil {
		bh := *def.Settings.BusinessHours
		bh.Days = append([]time.Weekday(nil), def.Settings.BusinessHours.Days...)
		out.Settings.BusinessHours = &bh
	}
	return &out
}

// memoryEnrollment holds one enrollment plus its claim and attempt log.
type memoryEnrollment struct {
	enrollment  *types.Enrollment
	claimOwner  string
	claimExpiry time.Time
	attempts    []*types.ExecutionAttempt
	nextSeq     int64
	subscribers map[chan *types.ExecutionAttempt]struct{}
}

// MemoryEnrollmentStore is an in-memory EnrollmentStore for development and
// testing. Data is lost on restart.
type MemoryEnrollmentStore struct {
	mu      sync.RWMutex
	byID    map[string]*memoryEnrollment
	marks   map[string]time.Time // workflowID -> date_time trigger high-water
	config  *Config
	nowFunc func() time.Time
}

// NewMemoryEnrollmentStore creates a new in-memory EnrollmentStore.
func NewMemoryEnrollmentStore(cfg *Config) *MemoryEnrollmentStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryEnrollmentStore{
		byID:    make(map[string]*memoryEnrollment),
		marks:   make(map[string]time.Time),
		config:  cfg,
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the store clock. Test hook for lease expiry.
func (s *MemoryEnrollmentStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = now
}

func (s *MemoryEnrollmentStore) now() time.Time { return s.nowFunc() }

func (s *MemoryEnrollmentStore) Enroll(ctx context.Context, e *types.Enrollment, settings types.Settings) (*types.Enrollment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !settings.AllowReentry {
		for _, m := range s.byID {
			cur := m.enrollment
			if cur.WorkflowID == e.WorkflowID && cur.ContactID == e.ContactID && !cur.Status.Terminal() {
				return cloneEnrollment(cur), false, nil
			}
		}
	}
	if settings.MaxExecutionsPerContact > 0 {
		count := 0
		for _, m := range s.byID {
			cur := m.enrollment
			if cur.WorkflowID == e.WorkflowID && cur.ContactID == e.ContactID {
				count++
			}
		}
		if count >= settings.MaxExecutionsPerContact {
			return nil, false, nil
		}
	}

	now := s.now()
	stored := cloneEnrollment(e)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Status == "" {
		stored.Status = types.EnrollmentPending
	}
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.byID[stored.ID] = &memoryEnrollment{
		enrollment:  stored,
		subscribers: make(map[chan *types.ExecutionAttempt]struct{}),
	}
	return cloneEnrollment(stored), true, nil
}

func (s *MemoryEnrollmentStore) Get(ctx context.Context, id string) (*types.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byID[id]
	if !ok {
		return nil, ErrEnrollmentNotFound
	}
	return cloneEnrollment(m.enrollment), nil
}

func (s *MemoryEnrollmentStore) List(ctx context.Context, opts ListOptions) ([]*types.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Enrollment
	for _, m := range s.byID {
		e := m.enrollment
		if opts.TenantID != "" && e.TenantID != opts.TenantID {
			continue
		}
		if opts.WorkflowID != "" && e.WorkflowID != opts.WorkflowID {
			continue
		}
		if opts.ContactID != "" && e.ContactID != opts.ContactID {
			continue
		}
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		out = append(out, cloneEnrollment(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryEnrollmentStore) Due(ctx context.Context, now time.Time, limit int) ([]*types.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Enrollment
	for _, m := range s.byID {
		e := m.enrollment
		switch e.Status {
		case types.EnrollmentPending, types.EnrollmentRunning:
			out = append(out, cloneEnrollment(e))
		case types.EnrollmentWaiting:
			if e.NextDueAt != nil && !e.NextDueAt.After(now) {
				out = append(out, cloneEnrollment(e))
			}
		}
	}
	// Oldest due first so a backlogged tick drains fairly.
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].CreatedAt, out[j].CreatedAt
		if out[i].NextDueAt != nil {
			di = *out[i].NextDueAt
		}
		if out[j].NextDueAt != nil {
			dj = *out[j].NextDueAt
		}
		return di.Before(dj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryEnrollmentStore) Claim(ctx context.Context, id, owner string, lease time.Duration) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return nil, ErrEnrollmentNotFound
	}
	now := s.now()
	if m.claimOwner != "" && m.claimOwner != owner && m.claimExpiry.After(now) {
		return nil, ErrClaimHeld
	}
	m.claimOwner = owner
	m.claimExpiry = now.Add(lease)
	return &Claim{
		EnrollmentID: id,
		Owner:        owner,
		Token:        m.enrollment.Version,
		ExpiresAt:    m.claimExpiry,
	}, nil
}

func (s *MemoryEnrollmentStore) ExtendClaim(ctx context.Context, c *Claim, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[c.EnrollmentID]
	if !ok {
		return ErrEnrollmentNotFound
	}
	now := s.now()
	if m.claimOwner != c.Owner || !m.claimExpiry.After(now) || m.enrollment.Version != c.Token {
		return ErrStaleClaim
	}
	m.claimExpiry = now.Add(lease)
	c.ExpiresAt = m.claimExpiry
	return nil
}

func (s *MemoryEnrollmentStore) Release(ctx context.Context, c *Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[c.EnrollmentID]
	if !ok {
		return nil
	}
	if m.claimOwner == c.Owner {
		m.claimOwner = ""
		m.claimExpiry = time.Time{}
	}
	return nil
}

func (s *MemoryEnrollmentStore) Update(ctx context.Context, e *types.Enrollment, c *Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[e.ID]
	if !ok {
		return ErrEnrollmentNotFound
	}
	now := s.now()
	if m.claimOwner != c.Owner || !m.claimExpiry.After(now) || m.enrollment.Version != c.Token {
		return ErrStaleClaim
	}

	stored := cloneEnrollment(e)
	stored.Version = m.enrollment.Version + 1
	stored.CreatedAt = m.enrollment.CreatedAt
	stored.UpdatedAt = now
	m.enrollment = stored

	// Keep the claim valid for further updates in the same step loop.
	c.Token = stored.Version
	return nil
}

func (s *MemoryEnrollmentStore) Cancel(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(id, reason)
}

func (s *MemoryEnrollmentStore) cancelLocked(id, reason string) error {
	m, ok := s.byID[id]
	if !ok {
		return ErrEnrollmentNotFound
	}
	e := m.enrollment
	if e.Status.Terminal() {
		return nil
	}
	e.Status = types.EnrollmentCancelled
	e.NextDueAt = nil
	e.Version++
	e.UpdatedAt = s.now()
	s.appendAttemptLocked(m, &types.ExecutionAttempt{
		EnrollmentID: id,
		NodeID:       e.CurrentNodeID,
		Outcome:      types.AttemptSkipped,
		Detail:       "cancelled: " + reason,
	})
	return nil
}

func (s *MemoryEnrollmentStore) CancelForContact(ctx context.Context, tenantID, workflowID, contactID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	for id, m := range s.byID {
		e := m.enrollment
		if e.TenantID != tenantID || e.WorkflowID != workflowID || e.ContactID != contactID {
			continue
		}
		if e.Status.Terminal() {
			continue
		}
		if err := s.cancelLocked(id, reason); err == nil {
			cancelled++
		}
	}
	return cancelled, nil
}

func (s *MemoryEnrollmentStore) AppendAttempt(ctx context.Context, a *types.ExecutionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[a.EnrollmentID]
	if !ok {
		return ErrEnrollmentNotFound
	}
	s.appendAttemptLocked(m, a)
	return nil
}

func (s *MemoryEnrollmentStore) appendAttemptLocked(m *memoryEnrollment, a *types.ExecutionAttempt) {
	m.nextSeq++
	stored := *a
	if stored.ID == "" {
		stored.ID = strconv.FormatInt(m.nextSeq, 10)
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = s.now()
	}
	m.attempts = append(m.attempts, &stored)
	if max := s.config.AttemptMaxLen; max > 0 && int64(len(m.attempts)) > max {
		m.attempts = m.attempts[int64(len(m.attempts))-max:]
	}
	for ch := range m.subscribers {
		select {
		case ch <- &stored:
		default:
			// Subscriber is slow, drop rather than block the store.
		}
	}
}

func (s *MemoryEnrollmentStore) Attempts(ctx context.Context, enrollmentID, sinceID string) ([]*types.ExecutionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byID[enrollmentID]
	if !ok {
		return nil, ErrEnrollmentNotFound
	}
	var sinceSeq int64
	if sinceID != "" {
		sinceSeq, _ = strconv.ParseInt(sinceID, 10, 64)
	}
	var out []*types.ExecutionAttempt
	for _, a := range m.attempts {
		seq, _ := strconv.ParseInt(a.ID, 10, 64)
		if sinceSeq > 0 && seq <= sinceSeq {
			continue
		}
		copied := *a
		out = append(out, &copied)
	}
	return out, nil
}

func (s *MemoryEnrollmentStore) Subscribe(ctx context.Context, enrollmentID string) (<-chan *types.ExecutionAttempt, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[enrollmentID]
	if !ok {
		return nil, nil, ErrEnrollmentNotFound
	}
	ch := make(chan *types.ExecutionAttempt, 100)
	m.subscribers[ch] = struct{}{}

	cleanup := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if m, ok := s.byID[enrollmentID]; ok {
			delete(m.subscribers, ch)
		}
		close(ch)
	}
	return ch, cleanup, nil
}

func (s *MemoryEnrollmentStore) TriggerMark(ctx context.Context, workflowID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marks[workflowID], nil
}

func (s *MemoryEnrollmentStore) SetTriggerMark(ctx context.Context, workflowID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[workflowID] = at
	return nil
}

func (s *MemoryEnrollmentStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byStatus := make(map[string]int)
	for _, m := range s.byID {
		byStatus[string(m.enrollment.Status)]++
	}
	return map[string]interface{}{
		"adapter":     "memory",
		"healthy":     true,
		"enrollments": len(s.byID),
		"by_status":   byStatus,
	}, nil
}

func (s *MemoryEnrollmentStore) Close() error { return nil }

func cloneEnrollment(e *types.Enrollment) *types.Enrollment {
	out := *e
	out.Path = append([]string(nil), e.Path...)
	if e.NextDueAt != nil {
		due := *e.NextDueAt
		out.NextDueAt = &due
	}
	if e.Context != nil {
		out.Context = make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			out.Context[k] = v
		}
	}
	return &out
}

// Interface checks
var (
	_ DefinitionStore = (*MemoryDefinitionStore)(nil)
	_ EnrollmentStore = (*MemoryEnrollmentStore)(nil)
)
