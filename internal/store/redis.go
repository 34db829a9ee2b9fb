package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relaycrm/campaign-engine/pkg/types"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "campaign")
	Prefix string

	// TTL applied to terminal enrollments and their attempt logs
	TTL time.Duration

	// AttemptMaxLen caps the attempt stream per enrollment
	AttemptMaxLen int64

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:           "redis://localhost:6379/0",
		Prefix:        "campaign",
		TTL:           90 * 24 * time.Hour,
		AttemptMaxLen: 5000,
		PoolSize:      10,
		MinIdleConns:  2,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
	}
}

func newRedisClient(cfg *RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisDefinitionStore implements DefinitionStore backed by Redis.
type RedisDefinitionStore struct {
	client *redis.Client
	prefix string
}

// NewRedisDefinitionStore creates a Redis-backed DefinitionStore.
func NewRedisDefinitionStore(cfg *RedisConfig) (*RedisDefinitionStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	client, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "campaign"
	}
	return &RedisDefinitionStore{client: client, prefix: prefix}, nil
}

func (s *RedisDefinitionStore) keyDef(tenantID, id string) string {
	return fmt.Sprintf("%s:wf:%s:%s", s.prefix, tenantID, id)
}
func (s *RedisDefinitionStore) keyTenant(tenantID string) string {
	return fmt.Sprintf("%s:wf_ids:%s", s.prefix, tenantID)
}
func (s *RedisDefinitionStore) keyActive() string { return s.prefix + ":wf_active" }

func (s *RedisDefinitionStore) Put(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	stored := cloneDefinition(def)
	now := time.Now().UTC()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
		stored.CreatedAt = now
	}
	if stored.Status == "" {
		stored.Status = types.WorkflowStatusDraft
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.keyDef(stored.TenantID, stored.ID), payload, 0)
	pipe.SAdd(ctx, s.keyTenant(stored.TenantID), stored.ID)
	member := stored.TenantID + "/" + stored.ID
	if stored.Status == types.WorkflowStatusActive {
		pipe.SAdd(ctx, s.keyActive(), member)
	} else {
		pipe.SRem(ctx, s.keyActive(), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("put workflow: %w", err)
	}
	return stored, nil
}

func (s *RedisDefinitionStore) Get(ctx context.Context, tenantID, id string) (*types.WorkflowDefinition, error) {
	payload, err := s.client.Get(ctx, s.keyDef(tenantID, id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	var def types.WorkflowDefinition
	if err := json.Unmarshal([]byte(payload), &def); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &def, nil
}

func (s *RedisDefinitionStore) List(ctx context.Context, tenantID string) ([]*types.WorkflowDefinition, error) {
	ids, err := s.client.SMembers(ctx, s.keyTenant(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	out := make([]*types.WorkflowDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := s.Get(ctx, tenantID, id)
		if err != nil {
			if errors.Is(err, ErrWorkflowNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (s *RedisDefinitionStore) ListActive(ctx context.Context) ([]*types.WorkflowDefinition, error) {
	members, err := s.client.SMembers(ctx, s.keyActive()).Result()
	if err != nil {
		return nil, fmt.Errorf("list active workflows: %w", err)
	}
	out := make([]*types.WorkflowDefinition, 0, len(members))
	for _, m := range members {
		tenantID, id, ok := strings.Cut(m, "/")
		if !ok {
			continue
		}
		def, err := s.Get(ctx, tenantID, id)
		if err != nil {
			if errors.Is(err, ErrWorkflowNotFound) {
				continue
			}
			return nil, err
		}
		// The active set can lag a status change briefly.
		if def.Status == types.WorkflowStatusActive {
			out = append(out, def)
		}
	}
	return out, nil
}

func (s *RedisDefinitionStore) SetStatus(ctx context.Context, tenantID, id string, status types.WorkflowStatus) error {
	def, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	def.Status = status
	_, err = s.Put(ctx, def)
	return err
}

func (s *RedisDefinitionStore) Close() error { return s.client.Close() }

// Lua scripts for atomic enrollment operations. The enrollment version in
// the hash is the source of truth; JSON is the serialized record.

// enrollScript enforces the re-entry invariant and execution cap atomically
// with the insert, so duplicate event deliveries cannot race.
var enrollScript = redis.NewScript(`
local allowReentry = ARGV[3]
if allowReentry == '0' then
  local existing = redis.call('GET', KEYS[1])
  if existing then
    return {'EXISTS', existing}
  end
end
local cap = tonumber(ARGV[4])
if cap > 0 and redis.call('SCARD', KEYS[2]) >= cap then
  return {'CAP', ''}
end
if allowReentry == '0' then
  redis.call('SET', KEYS[1], ARGV[1])
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], 'json', ARGV[2], 'version', 1)
redis.call('ZADD', KEYS[4], tonumber(ARGV[5]), ARGV[1])
redis.call('SADD', KEYS[5], ARGV[1])
return {'OK', ARGV[1]}
`)

// claimScript acquires the lease and returns the current version (the claim
// token), or -1 when another owner holds the lease.
var claimScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if holder and holder ~= ARGV[1] then
  return -1
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', tonumber(ARGV[2]))
local ver = redis.call('HGET', KEYS[2], 'version')
if not ver then
  return -2
end
return tonumber(ver)
`)

// writeScript is a compare-and-set on the enrollment version. When ARGV[5]
// (owner) is non-empty the claim must still be held. Returns the new
// version, -1 on version mismatch, -2 on claim loss.
var writeScript = redis.NewScript(`
local ver = tonumber(redis.call('HGET', KEYS[1], 'version') or '-999')
if ver ~= tonumber(ARGV[2]) then
  return -1
end
if ARGV[5] ~= '' then
  local holder = redis.call('GET', KEYS[4])
  if holder ~= ARGV[5] then
    return -2
  end
end
redis.call('HSET', KEYS[1], 'json', ARGV[1], 'version', ver + 1)
if ARGV[3] == '' then
  redis.call('ZREM', KEYS[2], ARGV[6])
else
  redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[6])
end
if ARGV[4] == '1' then
  if redis.call('GET', KEYS[3]) == ARGV[6] then
    redis.call('DEL', KEYS[3])
  end
end
return ver + 1
`)

// extendScript renews a held lease; unlockScript drops it. Both verify the
// owner so an expired-and-reclaimed lease is never touched.
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
  return 1
end
return 0
`)

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisEnrollmentStore implements EnrollmentStore backed by Redis.
// Enrollments live in hashes, the due index in a sorted set scored by
// next_due_at (0 for pending/running), claims in PX-expiring keys, and
// attempt logs in streams.
type RedisEnrollmentStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	maxLen int64
	mu     sync.Mutex
	closed bool
}

// NewRedisEnrollmentStore creates a Redis-backed EnrollmentStore.
func NewRedisEnrollmentStore(cfg *RedisConfig) (*RedisEnrollmentStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	client, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "campaign"
	}
	maxLen := cfg.AttemptMaxLen
	if maxLen <= 0 {
		maxLen = 5000
	}
	return &RedisEnrollmentStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		maxLen: maxLen,
	}, nil
}

func (s *RedisEnrollmentStore) keyEnroll(id string) string {
	return fmt.Sprintf("%s:enroll:%s", s.prefix, id)
}
func (s *RedisEnrollmentStore) keyDue() string { return s.prefix + ":due" }
func (s *RedisEnrollmentStore) keyActive(workflowID, contactID string) string {
	return fmt.Sprintf("%s:active:%s:%s", s.prefix, workflowID, contactID)
}
func (s *RedisEnrollmentStore) keyByContact(workflowID, contactID string) string {
	return fmt.Sprintf("%s:byck:%s:%s", s.prefix, workflowID, contactID)
}
func (s *RedisEnrollmentStore) keyClaim(id string) string {
	return fmt.Sprintf("%s:claim:%s", s.prefix, id)
}
func (s *RedisEnrollmentStore) keyAttempts(id string) string {
	return fmt.Sprintf("%s:attempts:%s", s.prefix, id)
}
func (s *RedisEnrollmentStore) keyAttemptSeq(id string) string {
	return fmt.Sprintf("%s:attemptseq:%s", s.prefix, id)
}
func (s *RedisEnrollmentStore) keyTenant(tenantID string) string {
	return fmt.Sprintf("%s:enroll_ids:%s", s.prefix, tenantID)
}
func (s *RedisEnrollmentStore) keyMark(workflowID string) string {
	return fmt.Sprintf("%s:mark:%s", s.prefix, workflowID)
}

// dueScore maps an enrollment to its due-index score. Empty string removes
// it from the index (terminal states).
func dueScore(e *types.Enrollment) string {
	switch e.Status {
	case types.EnrollmentPending, types.EnrollmentRunning:
		return "0"
	case types.EnrollmentWaiting:
		if e.NextDueAt != nil {
			return strconv.FormatInt(e.NextDueAt.UnixMilli(), 10)
		}
		return "0"
	}
	return ""
}

func (s *RedisEnrollmentStore) Enroll(ctx context.Context, e *types.Enrollment, settings types.Settings) (*types.Enrollment, bool, error) {
	stored := cloneEnrollment(e)
	now := time.Now().UTC()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Status == "" {
		stored.Status = types.EnrollmentPending
	}
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, false, fmt.Errorf("marshal enrollment: %w", err)
	}

	allowReentry := "0"
	if settings.AllowReentry {
		allowReentry = "1"
	}
	score := dueScore(stored)
	if score == "" {
		score = "0"
	}

	keys := []string{
		s.keyActive(stored.WorkflowID, stored.ContactID),
		s.keyByContact(stored.WorkflowID, stored.ContactID),
		s.keyEnroll(stored.ID),
		s.keyDue(),
		s.keyTenant(stored.TenantID),
	}
	res, err := enrollScript.Run(ctx, s.client, keys,
		stored.ID, string(payload), allowReentry,
		settings.MaxExecutionsPerContact, score).Result()
	if err != nil {
		return nil, false, fmt.Errorf("enroll: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, false, fmt.Errorf("enroll: unexpected reply %v", res)
	}
	switch reply[0] {
	case "OK":
		return stored, true, nil
	case "EXISTS":
		existingID, _ := reply[1].(string)
		existing, err := s.Get(ctx, existingID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	case "CAP":
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("enroll: unexpected reply %v", res)
}

func (s *RedisEnrollmentStore) Get(ctx context.Context, id string) (*types.Enrollment, error) {
	vals, err := s.client.HMGet(ctx, s.keyEnroll(id), "json", "version").Result()
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	payload, _ := vals[0].(string)
	if payload == "" {
		return nil, ErrEnrollmentNotFound
	}
	var e types.Enrollment
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, fmt.Errorf("unmarshal enrollment: %w", err)
	}
	if verStr, _ := vals[1].(string); verStr != "" {
		if v, err := strconv.ParseInt(verStr, 10, 64); err == nil {
			e.Version = v
		}
	}
	return &e, nil
}

func (s *RedisEnrollmentStore) List(ctx context.Context, opts ListOptions) ([]*types.Enrollment, error) {
	if opts.TenantID == "" {
		return nil, fmt.Errorf("list enrollments: tenant id required")
	}
	ids, err := s.client.SMembers(ctx, s.keyTenant(opts.TenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	var out []*types.Enrollment
	for _, id := range ids {
		e, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrEnrollmentNotFound) {
				continue
			}
			return nil, err
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
		out = append(out, e)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *RedisEnrollmentStore) Due(ctx context.Context, now time.Time, limit int) ([]*types.Enrollment, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRangeByScore(ctx, s.keyDue(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("due enrollments: %w", err)
	}
	out := make([]*types.Enrollment, 0, len(ids))
	for _, id := range ids {
		e, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrEnrollmentNotFound) {
				// Stale index entry.
				s.client.ZRem(ctx, s.keyDue(), id)
				continue
			}
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisEnrollmentStore) Claim(ctx context.Context, id, owner string, lease time.Duration) (*Claim, error) {
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.keyClaim(id), s.keyEnroll(id)},
		owner, lease.Milliseconds()).Int64()
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	switch res {
	case -1:
		return nil, ErrClaimHeld
	case -2:
		return nil, ErrEnrollmentNotFound
	}
	return &Claim{
		EnrollmentID: id,
		Owner:        owner,
		Token:        res,
		ExpiresAt:    time.Now().UTC().Add(lease),
	}, nil
}

func (s *RedisEnrollmentStore) ExtendClaim(ctx context.Context, c *Claim, lease time.Duration) error {
	res, err := extendScript.Run(ctx, s.client,
		[]string{s.keyClaim(c.EnrollmentID)},
		c.Owner, lease.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend claim: %w", err)
	}
	if res == 0 {
		return ErrStaleClaim
	}
	c.ExpiresAt = time.Now().UTC().Add(lease)
	return nil
}

func (s *RedisEnrollmentStore) Release(ctx context.Context, c *Claim) error {
	err := unlockScript.Run(ctx, s.client,
		[]string{s.keyClaim(c.EnrollmentID)}, c.Owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

func (s *RedisEnrollmentStore) write(ctx context.Context, e *types.Enrollment, token int64, owner string) (int64, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("marshal enrollment: %w", err)
	}
	terminal := "0"
	if e.Status.Terminal() {
		terminal = "1"
	}
	keys := []string{
		s.keyEnroll(e.ID),
		s.keyDue(),
		s.keyActive(e.WorkflowID, e.ContactID),
		s.keyClaim(e.ID),
	}
	res, err := writeScript.Run(ctx, s.client, keys,
		string(payload), token, dueScore(e), terminal, owner, e.ID).Int64()
	if err != nil {
		return 0, fmt.Errorf("write enrollment: %w", err)
	}
	if res < 0 {
		return 0, ErrStaleClaim
	}
	if e.Status.Terminal() && s.ttl > 0 {
		pipe := s.client.Pipeline()
		pipe.Expire(ctx, s.keyEnroll(e.ID), s.ttl)
		pipe.Expire(ctx, s.keyAttempts(e.ID), s.ttl)
		pipe.Expire(ctx, s.keyAttemptSeq(e.ID), s.ttl)
		pipe.Exec(ctx)
	}
	return res, nil
}

func (s *RedisEnrollmentStore) Update(ctx context.Context, e *types.Enrollment, c *Claim) error {
	stored := cloneEnrollment(e)
	stored.UpdatedAt = time.Now().UTC()
	newVersion, err := s.write(ctx, stored, c.Token, c.Owner)
	if err != nil {
		return err
	}
	c.Token = newVersion
	e.Version = newVersion
	return nil
}

func (s *RedisEnrollmentStore) Cancel(ctx context.Context, id, reason string) error {
	// Claimless compare-and-set; retries cover concurrent step writes.
	for attempt := 0; attempt < 5; attempt++ {
		e, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if e.Status.Terminal() {
			return nil
		}
		token := e.Version
		e.Status = types.EnrollmentCancelled
		e.NextDueAt = nil
		e.UpdatedAt = time.Now().UTC()
		if _, err := s.write(ctx, e, token, ""); err != nil {
			if errors.Is(err, ErrStaleClaim) {
				continue
			}
			return err
		}
		s.AppendAttempt(ctx, &types.ExecutionAttempt{
			EnrollmentID: id,
			NodeID:       e.CurrentNodeID,
			Outcome:      types.AttemptSkipped,
			Detail:       "cancelled: " + reason,
		})
		return nil
	}
	return fmt.Errorf("cancel enrollment %s: too many conflicting writes", id)
}

func (s *RedisEnrollmentStore) CancelForContact(ctx context.Context, tenantID, workflowID, contactID, reason string) (int, error) {
	ids, err := s.client.SMembers(ctx, s.keyByContact(workflowID, contactID)).Result()
	if err != nil {
		return 0, fmt.Errorf("cancel for contact: %w", err)
	}
	cancelled := 0
	for _, id := range ids {
		e, err := s.Get(ctx, id)
		if err != nil || e.TenantID != tenantID || e.Status.Terminal() {
			continue
		}
		if err := s.Cancel(ctx, id, reason); err == nil {
			cancelled++
		}
	}
	return cancelled, nil
}

func (s *RedisEnrollmentStore) AppendAttempt(ctx context.Context, a *types.ExecutionAttempt) error {
	seq, err := s.client.Incr(ctx, s.keyAttemptSeq(a.EnrollmentID)).Result()
	if err != nil {
		return fmt.Errorf("attempt seq: %w", err)
	}

	stored := *a
	if stored.ID == "" {
		stored.ID = strconv.FormatInt(seq, 10)
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}

	fields := map[string]interface{}{
		"seq":     stored.ID,
		"ts":      stored.Timestamp.Format(time.RFC3339Nano),
		"node":    stored.NodeID,
		"outcome": string(stored.Outcome),
		"error":   stored.Error,
		"detail":  stored.Detail,
	}
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyAttempts(a.EnrollmentID),
		MaxLen: s.maxLen,
		Approx: true,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("xadd attempt: %w", err)
	}

	return nil
}

func attemptFromStream(enrollmentID string, values map[string]interface{}) *types.ExecutionAttempt {
	seq, _ := values["seq"].(string)
	ts, _ := values["ts"].(string)
	timestamp, _ := time.Parse(time.RFC3339Nano, ts)
	node, _ := values["node"].(string)
	outcome, _ := values["outcome"].(string)
	errStr, _ := values["error"].(string)
	detail, _ := values["detail"].(string)
	return &types.ExecutionAttempt{
		ID:           seq,
		EnrollmentID: enrollmentID,
		NodeID:       node,
		Outcome:      types.AttemptOutcome(outcome),
		Error:        errStr,
		Detail:       detail,
		Timestamp:    timestamp,
	}
}

func (s *RedisEnrollmentStore) Attempts(ctx context.Context, enrollmentID, sinceID string) ([]*types.ExecutionAttempt, error) {
	entries, err := s.client.XRange(ctx, s.keyAttempts(enrollmentID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.ExecutionAttempt{}, nil
		}
		return nil, fmt.Errorf("xrange attempts: %w", err)
	}

	var sinceSeq int64
	if sinceID != "" {
		sinceSeq, _ = strconv.ParseInt(sinceID, 10, 64)
	}

	var out []*types.ExecutionAttempt
	for _, entry := range entries {
		a := attemptFromStream(enrollmentID, entry.Values)
		seq, _ := strconv.ParseInt(a.ID, 10, 64)
		if sinceSeq > 0 && seq <= sinceSeq {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisEnrollmentStore) Subscribe(ctx context.Context, enrollmentID string) (<-chan *types.ExecutionAttempt, func(), error) {
	exists, err := s.client.Exists(ctx, s.keyEnroll(enrollmentID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("check enrollment exists: %w", err)
	}
	if exists == 0 {
		return nil, nil, ErrEnrollmentNotFound
	}

	// Snapshot the stream position before returning so every append
	// after Subscribe reaches the channel, even if the reader has not
	// issued its first XRead yet.
	lastID := "0"
	if entries, err := s.client.XRevRangeN(ctx, s.keyAttempts(enrollmentID), "+", "-", 1).Result(); err == nil && len(entries) > 0 {
		lastID = entries[0].ID
	}

	// The stream tail is the single delivery path; appends from this
	// process reach subscribers through XRead like everyone else's.
	ch := make(chan *types.ExecutionAttempt, 100)
	readerCtx, cancel := context.WithCancel(ctx)
	go s.streamReader(readerCtx, enrollmentID, ch, lastID)

	return ch, cancel, nil
}

// streamReader tails the attempt stream into ch. It is the only sender
// and closes ch when the subscription context is cancelled.
func (s *RedisEnrollmentStore) streamReader(ctx context.Context, enrollmentID string, ch chan *types.ExecutionAttempt, lastID string) {
	defer close(ch)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.keyAttempts(enrollmentID), lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				a := attemptFromStream(enrollmentID, entry.Values)
				select {
				case ch <- a:
				case <-ctx.Done():
					return
				default:
					// Channel full, skip.
				}
			}
		}
	}
}

func (s *RedisEnrollmentStore) TriggerMark(ctx context.Context, workflowID string) (time.Time, error) {
	val, err := s.client.Get(ctx, s.keyMark(workflowID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("get trigger mark: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse trigger mark: %w", err)
	}
	return t, nil
}

func (s *RedisEnrollmentStore) SetTriggerMark(ctx context.Context, workflowID string, at time.Time) error {
	if err := s.client.Set(ctx, s.keyMark(workflowID), at.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("set trigger mark: %w", err)
	}
	return nil
}

func (s *RedisEnrollmentStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)

	dueCount, _ := s.client.ZCard(ctx, s.keyDue()).Result()
	poolStats := s.client.PoolStats()

	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"due_index":    dueCount,
			"ping_latency": pingLatency.String(),
			"pool": map[string]interface{}{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
				"stale_conn": poolStats.StaleConns,
			},
		},
	}, nil
}

func (s *RedisEnrollmentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Interface checks
var (
	_ DefinitionStore = (*RedisDefinitionStore)(nil)
	_ EnrollmentStore = (*RedisEnrollmentStore)(nil)
)
