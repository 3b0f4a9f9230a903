package gate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/admission-go/admission"
	"github.com/ggoodman/admission-go/admission/memorystore"
	"github.com/ggoodman/admission-go/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// staticToucher treats a fixed set of identities as active and counts touches.
type staticToucher struct {
	mu      sync.Mutex
	active  map[string]bool
	touches map[string]int
	err     error
}

func newToucher(ids ...string) *staticToucher {
	st := &staticToucher{active: map[string]bool{}, touches: map[string]int{}}
	for _, id := range ids {
		st.active[id] = true
	}
	return st
}

func (s *staticToucher) Touch(ctx context.Context, identity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	s.touches[identity]++
	return s.active[identity], nil
}

func (s *staticToucher) count(identity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touches[identity]
}

func TestScenarioB_SerializesWithSinglePermit(t *testing.T) {
	g := New(1, newToucher("alice", "bob"), WithLogger(discard))
	ctx := context.Background()

	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	var firstDone, secondStarted atomic.Bool

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = g.Do(ctx, "alice", func(ctx context.Context) error {
			close(firstStarted)
			<-releaseFirst
			firstDone.Store(true)
			return nil
		})
	}()
	<-firstStarted
	go func() {
		defer wg.Done()
		_ = g.Do(ctx, "bob", func(ctx context.Context) error {
			if !firstDone.Load() {
				t.Error("second work started before the first finished")
			}
			secondStarted.Store(true)
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	if secondStarted.Load() {
		t.Fatal("second work ran while the only permit was held")
	}
	close(releaseFirst)
	wg.Wait()
	if !secondStarted.Load() {
		t.Fatal("second work never ran")
	}
}

func TestNeverExceedsLimit(t *testing.T) {
	const limit = 3
	g := New(limit, newToucher("u"), WithLogger(discard))
	var cur, peak atomic.Int64

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Do(context.Background(), "u", func(ctx context.Context) error {
				n := cur.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				cur.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	if p := peak.Load(); p > limit {
		t.Fatalf("peak concurrency %d exceeds limit %d", p, limit)
	}
	if g.Available() != limit {
		t.Fatalf("expected all permits back, got %d", g.Available())
	}
}

func TestReleasesPermitOnEveryOutcome(t *testing.T) {
	errWork := errors.New("boom")
	g := New(2, newToucher("alice"), WithLogger(discard))
	ctx := context.Background()
	before := g.Available()

	if err := g.Do(ctx, "alice", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("success: %v", err)
	}
	if g.Available() != before {
		t.Fatalf("after success: %d permits, want %d", g.Available(), before)
	}

	if err := g.Do(ctx, "alice", func(context.Context) error { return errWork }); err != errWork {
		t.Fatalf("expected work error returned unchanged, got %v", err)
	}
	if g.Available() != before {
		t.Fatalf("after error: %d permits, want %d", g.Available(), before)
	}

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = g.Do(ctx, "alice", func(context.Context) error { panic("work panicked") })
	}()
	if g.Available() != before {
		t.Fatalf("after panic: %d permits, want %d", g.Available(), before)
	}

	cctx, cancel := context.WithCancel(ctx)
	err := g.Do(cctx, "alice", func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if g.Available() != before {
		t.Fatalf("after cancellation: %d permits, want %d", g.Available(), before)
	}
}

func TestCancelWhileWaitingForPermit(t *testing.T) {
	g := New(1, newToucher("alice", "bob"), WithLogger(discard))
	hold := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = g.Do(context.Background(), "alice", func(context.Context) error {
			close(holding)
			<-hold
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := g.Do(ctx, "bob", func(context.Context) error { ran = true; return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if ran {
		t.Fatal("work ran without a permit")
	}

	close(hold)
	deadline := time.Now().Add(2 * time.Second)
	for g.Available() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("permit leaked: %d available", g.Available())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRejectsInactiveIdentity(t *testing.T) {
	rec := metrics.New(prometheus.NewRegistry())
	g := New(1, newToucher("alice"), WithLogger(discard), WithMetrics(rec))
	ran := false
	err := g.Do(context.Background(), "mallory", func(context.Context) error { ran = true; return nil })
	if !errors.Is(err, admission.ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if ran {
		t.Fatal("work ran for an inactive identity")
	}
	if got := testutil.ToFloat64(rec.GateRejected); got != 1 {
		t.Fatalf("expected 1 rejection, got %v", got)
	}
}

func TestTouchFailureFailsClosed(t *testing.T) {
	tc := newToucher("alice")
	tc.err = admission.ErrStoreUnavailable
	g := New(1, tc, WithLogger(discard))
	err := g.Do(context.Background(), "alice", func(context.Context) error {
		t.Fatal("work must not run when the session cannot be verified")
		return nil
	})
	if !errors.Is(err, admission.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestTouchesBeforeAndAfterWork(t *testing.T) {
	tc := newToucher("alice")
	g := New(1, tc, WithLogger(discard))
	_ = g.Do(context.Background(), "alice", func(context.Context) error {
		if n := tc.count("alice"); n != 1 {
			t.Errorf("expected one touch before work, got %d", n)
		}
		return nil
	})
	if n := tc.count("alice"); n != 2 {
		t.Fatalf("expected a second touch after work, got %d", n)
	}
}

func TestCallReturnsValue(t *testing.T) {
	g := New(1, newToucher("alice"), WithLogger(discard))
	got, err := Call(context.Background(), g, "alice", func(context.Context) (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Fatalf("expected 42, got %d (err=%v)", got, err)
	}
}

func TestWithController(t *testing.T) {
	ctrl, err := admission.New(memorystore.New(),
		admission.WithConfig(admission.Config{MaxActiveSessions: 1}),
		admission.WithLogger(discard),
	)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	ctx := context.Background()
	if _, err := ctrl.CreateSession(ctx, "alice"); err != nil {
		t.Fatalf("create alice: %v", err)
	}
	if _, err := ctrl.CreateSession(ctx, "bob"); err != nil {
		t.Fatalf("create bob: %v", err)
	}

	g := New(2, ctrl, WithLogger(discard))
	if err := g.Do(ctx, "alice", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := g.Do(ctx, "bob", func(context.Context) error { return nil }); !errors.Is(err, admission.ErrNotActive) {
		t.Fatalf("queued bob: expected ErrNotActive, got %v", err)
	}
}
