package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/admission-go/admission"
)

// StoreFactory creates a new, empty Store instance for testing.
type StoreFactory func(t *testing.T) admission.Store

const ttl = 30 * time.Minute

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Admit_ActiveUntilCapacity", func(t *testing.T) { testAdmitActiveUntilCapacity(t, factory) })
	t.Run("Admit_IdempotentForActive", func(t *testing.T) { testAdmitIdempotentForActive(t, factory) })
	t.Run("Admit_IdempotentForQueued", func(t *testing.T) { testAdmitIdempotentForQueued(t, factory) })
	t.Run("Admit_QueuesBehindWaiters", func(t *testing.T) { testAdmitQueuesBehindWaiters(t, factory) })
	t.Run("Admit_ConcurrentNeverExceedsCapacity", func(t *testing.T) { testAdmitConcurrent(t, factory) })

	t.Run("Touch_ActiveOnly", func(t *testing.T) { testTouch(t, factory) })

	t.Run("Release_Unconditional", func(t *testing.T) { testReleaseUnconditional(t, factory) })
	t.Run("Release_ConditionMismatch", func(t *testing.T) { testReleaseConditionMismatch(t, factory) })
	t.Run("Release_WithdrawsQueued", func(t *testing.T) { testReleaseWithdrawsQueued(t, factory) })

	t.Run("Promote_FIFO", func(t *testing.T) { testPromoteFIFO(t, factory) })
	t.Run("Promote_RespectsCapacity", func(t *testing.T) { testPromoteRespectsCapacity(t, factory) })
	t.Run("Promote_EmptyQueue", func(t *testing.T) { testPromoteEmptyQueue(t, factory) })
	t.Run("Promote_ConcurrentNoDoublePromotion", func(t *testing.T) { testPromoteConcurrent(t, factory) })

	t.Run("Position_ActiveQueuedUnknown", func(t *testing.T) { testPosition(t, factory) })
	t.Run("ListActive_ReturnsRecords", func(t *testing.T) { testListActive(t, factory) })
	t.Run("ExpireQueued_DropsOldEntries", func(t *testing.T) { testExpireQueued(t, factory) })
}

var base = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func request(identity string, limit int, at time.Time) admission.AdmitRequest {
	sid := "sid-" + identity
	return admission.AdmitRequest{
		Session:   admission.Session{SessionID: sid, Identity: identity, CreatedAt: at, LastActivityAt: at},
		Entry:     admission.QueueEntry{Identity: identity, SessionID: sid, QueuedAt: at},
		MaxActive: limit,
		TTL:       ttl,
	}
}

func admit(t *testing.T, s admission.Store, identity string, limit int) admission.AdmitReply {
	t.Helper()
	reply, err := s.Admit(context.Background(), request(identity, limit, base))
	if err != nil {
		t.Fatalf("admit %s: %v", identity, err)
	}
	return reply
}

func counts(t *testing.T, s admission.Store) admission.Counts {
	t.Helper()
	c, err := s.Counts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	return c
}

func testAdmitActiveUntilCapacity(t *testing.T, factory StoreFactory) {
	s := factory(t)

	for _, id := range []string{"alice", "bob"} {
		r := admit(t, s, id, 2)
		if r.Status != admission.StatusActive {
			t.Fatalf("%s: expected ACTIVE, got %s", id, r.Status)
		}
		if r.Session == nil || r.Session.SessionID != "sid-"+id || r.Session.Promoted {
			t.Fatalf("%s: unexpected session %+v", id, r.Session)
		}
	}
	r := admit(t, s, "carol", 2)
	if r.Status != admission.StatusQueued {
		t.Fatalf("carol: expected QUEUED, got %s", r.Status)
	}
	if r.Position != 1 || r.ActiveCount != 2 {
		t.Fatalf("carol: expected position 1 with 2 active, got %d/%d", r.Position, r.ActiveCount)
	}
	if r.Entry == nil || r.Entry.SessionID != "sid-carol" {
		t.Fatalf("carol: unexpected entry %+v", r.Entry)
	}
	if c := counts(t, s); c.Active != 2 || c.Queued != 1 {
		t.Fatalf("unexpected counts %+v", c)
	}
}

func testAdmitIdempotentForActive(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	first := admit(t, s, "alice", 5)
	req := request("alice", 5, base.Add(time.Minute))
	req.Session.SessionID = "other"
	req.Entry.SessionID = "other"
	second, err := s.Admit(ctx, req)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if second.Status != admission.StatusActive || second.Session.SessionID != first.Session.SessionID {
		t.Fatalf("expected existing session %s, got %+v", first.Session.SessionID, second.Session)
	}
	if !second.Session.CreatedAt.Equal(base) {
		t.Fatalf("expected original created_at, got %s", second.Session.CreatedAt)
	}
	if c := counts(t, s); c.Active != 1 {
		t.Fatalf("expected 1 active, got %d", c.Active)
	}
}

func testAdmitIdempotentForQueued(t *testing.T, factory StoreFactory) {
	s := factory(t)
	admit(t, s, "alice", 1)
	admit(t, s, "bob", 1)
	admit(t, s, "carol", 1)

	r := admit(t, s, "bob", 1)
	if r.Status != admission.StatusQueued || r.Position != 1 {
		t.Fatalf("expected bob queued at 1, got %s/%d", r.Status, r.Position)
	}
	if c := counts(t, s); c.Queued != 2 {
		t.Fatalf("expected 2 queued, got %d", c.Queued)
	}
}

func testAdmitQueuesBehindWaiters(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	admit(t, s, "alice", 1)
	admit(t, s, "bob", 1)

	// Capacity grows but bob is still waiting: newcomers must not jump him.
	r := admit(t, s, "carol", 3)
	if r.Status != admission.StatusQueued || r.Position != 2 {
		t.Fatalf("expected carol queued at 2, got %s/%d", r.Status, r.Position)
	}
	if r.ActiveCount != 1 {
		t.Fatalf("expected active count 1, got %d", r.ActiveCount)
	}

	p, err := s.PromoteNext(ctx, 3, base, ttl)
	if err != nil || p == nil || p.Identity != "bob" {
		t.Fatalf("expected bob promoted, got %+v (err=%v)", p, err)
	}
}

func testAdmitConcurrent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	const limit = 5
	const callers = 40

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Admit(context.Background(), request(fmt.Sprintf("user-%02d", i), limit, base))
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("admit: %v", err)
	}

	c := counts(t, s)
	if c.Active != limit || c.Queued != callers-limit {
		t.Fatalf("expected %d active / %d queued, got %+v", limit, callers-limit, c)
	}
	active, err := s.ListActive(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, a := range active {
		pos, err := s.Position(context.Background(), a.Identity)
		if err != nil || pos != 0 {
			t.Fatalf("active %s reported position %d (err=%v)", a.Identity, pos, err)
		}
	}
}

func testTouch(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	admit(t, s, "alice", 1)
	admit(t, s, "bob", 1)

	later := base.Add(5 * time.Minute)
	ok, err := s.Touch(ctx, "alice", later, ttl)
	if err != nil || !ok {
		t.Fatalf("touch alice: ok=%v err=%v", ok, err)
	}
	sess, err := s.Get(ctx, "alice")
	if err != nil || sess == nil {
		t.Fatalf("get alice: %v", err)
	}
	if !sess.LastActivityAt.Equal(later) {
		t.Fatalf("expected last activity %s, got %s", later, sess.LastActivityAt)
	}
	if !sess.CreatedAt.Equal(base) {
		t.Fatalf("touch must not change created_at, got %s", sess.CreatedAt)
	}

	for _, id := range []string{"bob", "nobody"} {
		ok, err := s.Touch(ctx, id, later, ttl)
		if err != nil || ok {
			t.Fatalf("touch %s: expected no-op, got ok=%v err=%v", id, ok, err)
		}
	}
	if pos, _ := s.Position(ctx, "bob"); pos != 1 {
		t.Fatalf("bob should stay queued, got position %d", pos)
	}
}

func testReleaseUnconditional(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	admit(t, s, "alice", 2)

	out, err := s.Release(ctx, "alice", admission.ReleaseCondition{})
	if err != nil || out != admission.ReleaseActive {
		t.Fatalf("release: out=%v err=%v", out, err)
	}
	if sess, _ := s.Get(ctx, "alice"); sess != nil {
		t.Fatalf("alice still active: %+v", sess)
	}
	out, err = s.Release(ctx, "alice", admission.ReleaseCondition{})
	if err != nil || out != admission.ReleaseNone {
		t.Fatalf("second release: out=%v err=%v", out, err)
	}
}

func testReleaseConditionMismatch(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	admit(t, s, "alice", 2)

	out, err := s.Release(ctx, "alice", admission.ReleaseCondition{SessionID: "sid-someone-else"})
	if err != nil || out != admission.ReleaseNone {
		t.Fatalf("mismatched session id: out=%v err=%v", out, err)
	}

	if _, err := s.Touch(ctx, "alice", base.Add(time.Minute), ttl); err != nil {
		t.Fatalf("touch: %v", err)
	}
	stale := admission.ReleaseCondition{SessionID: "sid-alice", LastActivityAt: base}
	out, err = s.Release(ctx, "alice", stale)
	if err != nil || out != admission.ReleaseNone {
		t.Fatalf("stale last activity: out=%v err=%v", out, err)
	}

	fresh := admission.ReleaseCondition{SessionID: "sid-alice", LastActivityAt: base.Add(time.Minute)}
	out, err = s.Release(ctx, "alice", fresh)
	if err != nil || out != admission.ReleaseActive {
		t.Fatalf("matching condition: out=%v err=%v", out, err)
	}
}

func testReleaseWithdrawsQueued(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	admit(t, s, "alice", 1)
	admit(t, s, "bob", 1)
	admit(t, s, "carol", 1)

	out, err := s.Release(ctx, "bob", admission.ReleaseCondition{SessionID: "sid-bob"})
	if err != nil || out != admission.ReleaseNone {
		t.Fatalf("conditional release must not touch the queue: out=%v err=%v", out, err)
	}
	out, err = s.Release(ctx, "bob", admission.ReleaseCondition{})
	if err != nil || out != admission.ReleaseQueued {
		t.Fatalf("withdraw: out=%v err=%v", out, err)
	}
	if pos, _ := s.Position(ctx, "bob"); pos != -1 {
		t.Fatalf("bob should be unknown, got %d", pos)
	}
	if pos, _ := s.Position(ctx, "carol"); pos != 1 {
		t.Fatalf("carol should move up to 1, got %d", pos)
	}
}

func testPromoteFIFO(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	admit(t, s, "alice", 1)
	order := []string{"bob", "carol", "dave"}
	for _, id := range order {
		admit(t, s, id, 1)
	}

	for _, want := range order {
		if _, err := s.Release(ctx, activeIdentity(t, s), admission.ReleaseCondition{}); err != nil {
			t.Fatalf("release: %v", err)
		}
		at := base.Add(time.Hour)
		p, err := s.PromoteNext(ctx, 1, at, ttl)
		if err != nil {
			t.Fatalf("promote: %v", err)
		}
		if p == nil || p.Identity != want {
			t.Fatalf("expected %s promoted, got %+v", want, p)
		}
		if !p.Promoted || p.SessionID != "sid-"+want || !p.CreatedAt.Equal(at) || !p.LastActivityAt.Equal(at) {
			t.Fatalf("unexpected promoted session %+v", p)
		}
	}
}

func activeIdentity(t *testing.T, s admission.Store) string {
	t.Helper()
	active, err := s.ListActive(context.Background())
	if err != nil || len(active) != 1 {
		t.Fatalf("expected exactly one active session, got %d (err=%v)", len(active), err)
	}
	return active[0].Identity
}

func testPromoteRespectsCapacity(t *testing.T, factory StoreFactory) {
	s := factory(t)
	admit(t, s, "alice", 1)
	admit(t, s, "bob", 1)

	p, err := s.PromoteNext(context.Background(), 1, base, ttl)
	if err != nil || p != nil {
		t.Fatalf("expected no promotion at capacity, got %+v (err=%v)", p, err)
	}
	if c := counts(t, s); c.Active != 1 || c.Queued != 1 {
		t.Fatalf("unexpected counts %+v", c)
	}
}

func testPromoteEmptyQueue(t *testing.T, factory StoreFactory) {
	s := factory(t)
	p, err := s.PromoteNext(context.Background(), 10, base, ttl)
	if err != nil || p != nil {
		t.Fatalf("expected nil, got %+v (err=%v)", p, err)
	}
}

func testPromoteConcurrent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	const limit = 3
	for i := range 10 {
		admit(t, s, fmt.Sprintf("user-%02d", i), limit)
	}
	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, a := range active {
		if _, err := s.Release(ctx, a.Identity, admission.ReleaseCondition{}); err != nil {
			t.Fatalf("release: %v", err)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]int)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.PromoteNext(ctx, limit, base, ttl)
			if err != nil {
				t.Errorf("promote: %v", err)
				return
			}
			if p != nil {
				mu.Lock()
				seen[p.Identity]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != limit {
		t.Fatalf("expected %d promotions, got %v", limit, seen)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("%s promoted %d times", id, n)
		}
	}
	for _, want := range []string{"user-03", "user-04", "user-05"} {
		if seen[want] != 1 {
			t.Fatalf("expected queue heads promoted in order, got %v", seen)
		}
	}
	if c := counts(t, s); c.Active != limit || c.Queued != 4 {
		t.Fatalf("unexpected counts %+v", c)
	}
}

func testPosition(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	admit(t, s, "alice", 1)
	admit(t, s, "bob", 1)
	admit(t, s, "carol", 1)

	cases := map[string]int{"alice": 0, "bob": 1, "carol": 2, "nobody": -1}
	for id, want := range cases {
		got, err := s.Position(ctx, id)
		if err != nil {
			t.Fatalf("position %s: %v", id, err)
		}
		if got != want {
			t.Fatalf("position %s: expected %d, got %d", id, want, got)
		}
	}
}

func testListActive(t *testing.T, factory StoreFactory) {
	s := factory(t)
	admit(t, s, "alice", 2)
	admit(t, s, "bob", 2)
	admit(t, s, "carol", 2)

	active, err := s.ListActive(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active, got %d", len(active))
	}
	got := map[string]admission.ActiveSession{}
	for _, a := range active {
		got[a.Identity] = a
	}
	for _, id := range []string{"alice", "bob"} {
		a, ok := got[id]
		if !ok {
			t.Fatalf("missing %s in %v", id, got)
		}
		if a.SessionID != "sid-"+id || !a.LastActivityAt.Equal(base) {
			t.Fatalf("unexpected record %+v", a)
		}
	}
}

func testExpireQueued(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	admit(t, s, "alice", 1)
	for i, id := range []string{"bob", "carol", "dave"} {
		if _, err := s.Admit(ctx, request(id, 1, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("admit %s: %v", id, err)
		}
	}

	dropped, err := s.ExpireQueued(ctx, base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(dropped) != 2 || dropped[0].Identity != "bob" || dropped[1].Identity != "carol" {
		t.Fatalf("expected bob and carol dropped, got %+v", dropped)
	}
	if pos, _ := s.Position(ctx, "dave"); pos != 1 {
		t.Fatalf("dave should be at 1, got %d", pos)
	}
	if pos, _ := s.Position(ctx, "bob"); pos != -1 {
		t.Fatalf("bob should be unknown, got %d", pos)
	}
	if pos, _ := s.Position(ctx, "alice"); pos != 0 {
		t.Fatalf("alice should stay active, got %d", pos)
	}
}
