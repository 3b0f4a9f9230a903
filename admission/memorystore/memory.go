package memorystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/admission-go/admission"
)

// Store is an in-memory implementation of admission.Store.
type Store struct {
	mu     sync.Mutex
	now    func() time.Time
	active map[string]*record
	queue  []admission.QueueEntry
	queued map[string]struct{}
}

type record struct {
	session    admission.Session
	leaseUntil time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to evaluate lease expiry. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:    time.Now,
		active: make(map[string]*record),
		queued: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Admit(ctx context.Context, req admission.AdmitRequest) (admission.AdmitReply, error) {
	if err := ctx.Err(); err != nil {
		return admission.AdmitReply{}, err
	}
	identity := req.Session.Identity

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.active[identity]; ok {
		sess := rec.session
		return admission.AdmitReply{Status: admission.StatusActive, Session: &sess, ActiveCount: len(s.active)}, nil
	}
	if _, ok := s.queued[identity]; ok {
		idx := s.indexLocked(identity)
		entry := s.queue[idx]
		return admission.AdmitReply{Status: admission.StatusQueued, Entry: &entry, Position: idx + 1, ActiveCount: len(s.active)}, nil
	}
	if len(s.active) < req.MaxActive && len(s.queue) == 0 {
		sess := req.Session
		s.active[identity] = &record{session: sess, leaseUntil: req.Session.LastActivityAt.Add(req.TTL)}
		return admission.AdmitReply{Status: admission.StatusActive, Session: &sess, ActiveCount: len(s.active)}, nil
	}
	entry := req.Entry
	s.queue = append(s.queue, entry)
	s.queued[identity] = struct{}{}
	return admission.AdmitReply{Status: admission.StatusQueued, Entry: &entry, Position: len(s.queue), ActiveCount: len(s.active)}, nil
}

func (s *Store) Touch(ctx context.Context, identity string, at time.Time, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.active[identity]
	if !ok {
		return false, nil
	}
	rec.session.LastActivityAt = at
	rec.leaseUntil = at.Add(ttl)
	return true, nil
}

func (s *Store) Release(ctx context.Context, identity string, cond admission.ReleaseCondition) (admission.ReleaseOutcome, error) {
	if err := ctx.Err(); err != nil {
		return admission.ReleaseNone, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.active[identity]; ok {
		if cond.SessionID != "" && rec.session.SessionID != cond.SessionID {
			return admission.ReleaseNone, nil
		}
		if !cond.LastActivityAt.IsZero() && !rec.session.LastActivityAt.Equal(cond.LastActivityAt) {
			return admission.ReleaseNone, nil
		}
		delete(s.active, identity)
		return admission.ReleaseActive, nil
	}
	if !cond.IsZero() {
		return admission.ReleaseNone, nil
	}
	if _, ok := s.queued[identity]; ok {
		idx := s.indexLocked(identity)
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		delete(s.queued, identity)
		return admission.ReleaseQueued, nil
	}
	return admission.ReleaseNone, nil
}

func (s *Store) PromoteNext(ctx context.Context, maxActive int, at time.Time, ttl time.Duration) (*admission.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) >= maxActive {
		return nil, nil
	}
	for len(s.queue) > 0 {
		head := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, head.Identity)
		if _, ok := s.active[head.Identity]; ok {
			continue
		}
		sess := admission.Session{
			SessionID:      head.SessionID,
			Identity:       head.Identity,
			CreatedAt:      at,
			LastActivityAt: at,
			Promoted:       true,
		}
		s.active[head.Identity] = &record{session: sess, leaseUntil: at.Add(ttl)}
		return &sess, nil
	}
	return nil, nil
}

func (s *Store) Get(ctx context.Context, identity string) (*admission.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.active[identity]
	if !ok {
		return nil, nil
	}
	sess := rec.session
	return &sess, nil
}

func (s *Store) ListActive(ctx context.Context) ([]admission.ActiveSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()
	s.mu.Lock()
	out := make([]admission.ActiveSession, 0, len(s.active))
	for _, rec := range s.active {
		out = append(out, admission.ActiveSession{Session: rec.session, LeaseExpired: !now.Before(rec.leaseUntil)})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (s *Store) Counts(ctx context.Context) (admission.Counts, error) {
	if err := ctx.Err(); err != nil {
		return admission.Counts{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return admission.Counts{Active: len(s.active), Queued: len(s.queue)}, nil
}

func (s *Store) Position(ctx context.Context, identity string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[identity]; ok {
		return 0, nil
	}
	if _, ok := s.queued[identity]; ok {
		return s.indexLocked(identity) + 1, nil
	}
	return -1, nil
}

func (s *Store) ExpireQueued(ctx context.Context, before time.Time) ([]admission.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped []admission.QueueEntry
	kept := s.queue[:0]
	for _, e := range s.queue {
		if e.QueuedAt.Before(before) {
			dropped = append(dropped, e)
			delete(s.queued, e.Identity)
			continue
		}
		kept = append(kept, e)
	}
	s.queue = kept
	return dropped, nil
}

func (s *Store) indexLocked(identity string) int {
	for i := range s.queue {
		if s.queue[i].Identity == identity {
			return i
		}
	}
	// queued and queue are only mutated together under mu.
	panic("memorystore: queued identity missing from queue")
}

// Interface compliance
var _ admission.Store = (*Store)(nil)
