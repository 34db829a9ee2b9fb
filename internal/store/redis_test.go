package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/relaycrm/campaign-engine/pkg/types"
)

func newRedisStore(t *testing.T) *RedisEnrollmentStore {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisEnrollmentStore(&RedisConfig{
		URL:    "redis://" + mr.Addr(),
		Prefix: "t",
	})
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisSubscribe_DeliversEachAttemptOnce(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()

	e, created, err := s.Enroll(ctx, newEnrollment("wf1", "c1"), types.Settings{})
	if err != nil || !created {
		t.Fatalf("enroll: created=%v err=%v", created, err)
	}

	ch, cleanup, err := s.Subscribe(ctx, e.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cleanup()

	if err := s.AppendAttempt(ctx, &types.ExecutionAttempt{
		EnrollmentID: e.ID,
		NodeID:       "n1",
		Outcome:      types.AttemptSuccess,
	}); err != nil {
		t.Fatalf("append attempt: %v", err)
	}

	select {
	case a := <-ch:
		if a.NodeID != "n1" || a.Outcome != types.AttemptSuccess {
			t.Errorf("attempt: %+v", a)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("attempt never delivered")
	}

	select {
	case a := <-ch:
		t.Fatalf("attempt delivered twice: %+v", a)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRedisSubscribe_CancelClosesChannelSafely(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()

	e, created, err := s.Enroll(ctx, newEnrollment("wf1", "c1"), types.Settings{})
	if err != nil || !created {
		t.Fatalf("enroll: created=%v err=%v", created, err)
	}

	// Churn subscriptions while appends are in flight. The reader owns the
	// channel close, so a send can never race a consumer-side close.
	for i := 0; i < 10; i++ {
		ch, cleanup, err := s.Subscribe(ctx, e.ID)
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}

		appended := make(chan struct{})
		go func() {
			defer close(appended)
			for j := 0; j < 5; j++ {
				s.AppendAttempt(ctx, &types.ExecutionAttempt{
					EnrollmentID: e.ID,
					NodeID:       "n1",
					Outcome:      types.AttemptSuccess,
				})
			}
		}()

		cleanup()
		<-appended

		deadline := time.After(5 * time.Second)
		for open := true; open; {
			select {
			case _, ok := <-ch:
				open = ok
			case <-deadline:
				t.Fatalf("channel not closed after cleanup (iteration %d)", i)
			}
		}
	}
}

func TestRedisSubscribe_UnknownEnrollment(t *testing.T) {
	s := newRedisStore(t)
	if _, _, err := s.Subscribe(context.Background(), "ghost"); !errors.Is(err, ErrEnrollmentNotFound) {
		t.Errorf("error: got %v, want ErrEnrollmentNotFound", err)
	}
}

func TestRedisClaimUpdate_Roundtrip(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()

	e, created, err := s.Enroll(ctx, newEnrollment("wf1", "c1"), types.Settings{})
	if err != nil || !created {
		t.Fatalf("enroll: created=%v err=%v", created, err)
	}

	claim, err := s.Claim(ctx, e.ID, "owner-a", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.Claim(ctx, e.ID, "owner-b", time.Minute); !errors.Is(err, ErrClaimHeld) {
		t.Errorf("second claim: got %v, want ErrClaimHeld", err)
	}

	due := time.Now().UTC().Add(time.Hour)
	e.Status = types.EnrollmentWaiting
	e.NextDueAt = &due
	if err := s.Update(ctx, e, claim); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 || got.Status != types.EnrollmentWaiting {
		t.Errorf("after update: version=%d status=%s", got.Version, got.Status)
	}
}
