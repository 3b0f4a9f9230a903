package redisstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/admission-go/admission"
	"github.com/ggoodman/admission-go/admission/storetest"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s, err := New(Config{Client: client, KeyPrefix: "test:admission:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, mr
}

func TestRedisStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) admission.Store {
		s, _ := newTestStore(t)
		return s
	})
}

// TestRedisStoreLive runs the suite against a real server when one is
// reachable through REDIS_ADDR (or localhost:6379).
func TestRedisStoreLive(t *testing.T) {
	probe, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping live redis store tests: %v", err)
		return
	}
	_ = probe.Close()
	var cfg Config
	_ = envdecode.Decode(&cfg)

	n := 0
	storetest.RunStoreTests(t, func(t *testing.T) admission.Store {
		n++
		client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
		prefix := fmt.Sprintf("test:admission:%d:%d:", time.Now().UnixNano(), n)
		t.Cleanup(func() {
			ctx := context.Background()
			keys, _ := client.Keys(ctx, prefix+"*").Result()
			if len(keys) > 0 {
				client.Del(ctx, keys...)
			}
			_ = client.Close()
		})
		s, err := New(Config{Client: client, KeyPrefix: prefix})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s
	})
}

func TestNativeLeaseExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.Admit(ctx, admission.AdmitRequest{
		Session:   admission.Session{SessionID: "s1", Identity: "dave", CreatedAt: now, LastActivityAt: now},
		Entry:     admission.QueueEntry{Identity: "dave", SessionID: "s1", QueuedAt: now},
		MaxActive: 1,
		TTL:       time.Minute,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !mr.Exists("test:admission:lease:dave") {
		t.Fatal("expected lease key")
	}

	mr.FastForward(time.Minute + time.Second)

	// The lease is gone but the slot is still held until the reaper releases it.
	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || !active[0].LeaseExpired {
		t.Fatalf("expected one expired lease, got %+v", active)
	}
	c, _ := s.Counts(ctx)
	if c.Active != 1 {
		t.Fatalf("native expiry must not free the slot on its own, got %+v", c)
	}
}

func TestReleaseDeletesLease(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.Admit(ctx, admission.AdmitRequest{
		Session:   admission.Session{SessionID: "s1", Identity: "alice", CreatedAt: now, LastActivityAt: now},
		Entry:     admission.QueueEntry{Identity: "alice", SessionID: "s1", QueuedAt: now},
		MaxActive: 1,
		TTL:       time.Minute,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if out, err := s.Release(ctx, "alice", admission.ReleaseCondition{}); err != nil || out != admission.ReleaseActive {
		t.Fatalf("release: out=%v err=%v", out, err)
	}
	if mr.Exists("test:admission:lease:alice") {
		t.Fatal("lease key should be deleted")
	}
}

func TestMalformedRecordSurfacesAsExpired(t *testing.T) {
	s, mr := newTestStore(t)
	mr.HSet("test:admission:active", "mallory", "{not json")

	active, err := s.ListActive(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].Identity != "mallory" || !active[0].LeaseExpired {
		t.Fatalf("unexpected %+v", active)
	}
}

func TestStoreUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	if _, err := s.Counts(context.Background()); err == nil {
		t.Fatal("expected error from closed server")
	}
}
