package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ggoodman/admission-go/internal/logctx"
	"github.com/ggoodman/admission-go/internal/metrics"
	"github.com/google/uuid"
)

// Controller is the session registry and waiting queue front-end. It holds no
// admission state of its own; every decision is made by the Store, so any
// number of Controllers in any number of processes may share one Store.
type Controller struct {
	store   Store
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
	newID   func() string
	metrics *metrics.Recorder

	maxActive   atomic.Int64
	avgDuration atomic.Int64
}

// New builds a Controller over store.
func New(store Store, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, errors.New("admission: store is required")
	}
	cc := &controllerConfig{
		logger: slog.Default(),
		clock:  time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(cc)
	}
	c := &Controller{
		store:   store,
		cfg:     cc.cfg.withDefaults(),
		log:     cc.logger,
		now:     cc.clock,
		newID:   cc.newID,
		metrics: cc.metrics,
	}
	c.maxActive.Store(int64(c.cfg.MaxActiveSessions))
	c.avgDuration.Store(int64(c.cfg.AvgSessionDuration))
	return c, nil
}

// Config returns the effective configuration, including live limit changes.
func (c *Controller) Config() Config {
	cfg := c.cfg
	cfg.MaxActiveSessions = c.MaxActiveSessions()
	cfg.AvgSessionDuration = time.Duration(c.avgDuration.Load())
	return cfg
}

// MaxActiveSessions returns the current global slot count.
func (c *Controller) MaxActiveSessions() int { return int(c.maxActive.Load()) }

// SetMaxActiveSessions changes the global slot count for this instance.
// Lowering it never evicts; admissions stop until the active count drains.
func (c *Controller) SetMaxActiveSessions(n int) {
	if n <= 0 {
		return
	}
	if old := c.maxActive.Swap(int64(n)); old != int64(n) {
		c.log.Info("admission.limits.max_active_sessions", slog.Int("old", int(old)), slog.Int("new", n))
	}
}

// SetAverageSessionDuration changes the input of the estimated wait heuristic.
func (c *Controller) SetAverageSessionDuration(d time.Duration) {
	if d <= 0 {
		return
	}
	c.avgDuration.Store(int64(d))
}

// CreateSession admits identity or places it in the waiting queue. Calling it
// again for an identity that is already active or queued returns the current
// state without consuming another slot or queue position.
func (c *Controller) CreateSession(ctx context.Context, identity string) (*AdmissionResult, error) {
	identity, err := normalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	ctx = logctx.WithAdmissionData(ctx, &logctx.AdmissionData{Identity: identity})

	now := c.now().UTC()
	sid := c.newID()
	limit := c.MaxActiveSessions()
	req := AdmitRequest{
		Session:   Session{SessionID: sid, Identity: identity, CreatedAt: now, LastActivityAt: now},
		Entry:     QueueEntry{Identity: identity, SessionID: sid, QueuedAt: now},
		MaxActive: limit,
		TTL:       c.cfg.SessionTimeout,
	}

	reply, err := c.store.Admit(ctx, req)
	if err != nil {
		return nil, c.storeErr(ctx, "admit", err)
	}

	if reply.Status == StatusQueued && reply.ActiveCount < limit {
		// Slots are free but others were waiting; fill from the head and
		// re-read our own state.
		promoted, err := c.PromoteAvailable(ctx)
		if err != nil {
			return nil, err
		}
		if len(promoted) > 0 {
			if reply, err = c.store.Admit(ctx, req); err != nil {
				return nil, c.storeErr(ctx, "admit", err)
			}
		}
	}

	switch reply.Status {
	case StatusActive:
		if reply.Session == nil {
			return nil, c.storeErr(ctx, "admit", errors.New("active reply without session"))
		}
		outcome := "active"
		if reply.Session.SessionID != sid {
			outcome = "existing"
		}
		c.metrics.Admitted(outcome)
		c.log.DebugContext(ctx, "admission.admit.active",
			slog.String("session_id", reply.Session.SessionID),
			slog.String("outcome", outcome),
			slog.Int("active", reply.ActiveCount))
		return activeResult(reply.Session), nil
	case StatusQueued:
		c.metrics.Admitted("queued")
		c.log.InfoContext(ctx, "admission.admit.queued",
			slog.Int("position", reply.Position),
			slog.Int("active", reply.ActiveCount))
		return &AdmissionResult{
			Status:        StatusQueued,
			Position:      reply.Position,
			EstimatedWait: c.estimateWait(reply.Position, limit),
			ActiveCount:   reply.ActiveCount,
			MaxSessions:   limit,
		}, nil
	default:
		return nil, c.storeErr(ctx, "admit", fmt.Errorf("unexpected status %q", reply.Status))
	}
}

// CloseSession releases identity's slot (or withdraws it from the queue) and
// then promotes the next queued identity. Unknown identities are a no-op.
func (c *Controller) CloseSession(ctx context.Context, identity string) error {
	identity, err := normalizeIdentity(identity)
	if err != nil {
		return err
	}
	ctx = logctx.WithAdmissionData(ctx, &logctx.AdmissionData{Identity: identity})
	_, _, err = c.releaseSlotAndPromote(ctx, identity, ReleaseCondition{}, "closed")
	return err
}

// Touch records activity for an active identity and extends its lease. It
// reports whether the identity is active.
func (c *Controller) Touch(ctx context.Context, identity string) (bool, error) {
	identity, err := normalizeIdentity(identity)
	if err != nil {
		return false, err
	}
	ok, err := c.store.Touch(ctx, identity, c.now().UTC(), c.cfg.SessionTimeout)
	if err != nil {
		return false, c.storeErr(ctx, "touch", err)
	}
	return ok, nil
}

// PromoteNext moves the waiting queue head into a free slot. It returns nil
// when the queue is empty or every slot is taken.
func (c *Controller) PromoteNext(ctx context.Context) (*Session, error) {
	s, err := c.store.PromoteNext(ctx, c.MaxActiveSessions(), c.now().UTC(), c.cfg.SessionTimeout)
	if err != nil {
		return nil, c.storeErr(ctx, "promote", err)
	}
	if s != nil {
		c.metrics.Promoted()
		c.log.InfoContext(logctx.WithAdmissionData(ctx, &logctx.AdmissionData{Identity: s.Identity, SessionID: s.SessionID}),
			"admission.promote")
	}
	return s, nil
}

// PromoteAvailable promotes queue heads until the queue is empty or the
// slots are full.
func (c *Controller) PromoteAvailable(ctx context.Context) ([]*Session, error) {
	var promoted []*Session
	for range c.MaxActiveSessions() {
		s, err := c.PromoteNext(ctx)
		if err != nil {
			return promoted, err
		}
		if s == nil {
			break
		}
		promoted = append(promoted, s)
	}
	return promoted, nil
}

// Lookup returns identity's active session, or nil when it is not active.
func (c *Controller) Lookup(ctx context.Context, identity string) (*Session, error) {
	identity, err := normalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	s, err := c.store.Get(ctx, identity)
	if err != nil {
		return nil, c.storeErr(ctx, "get", err)
	}
	return s, nil
}

// QueueStatus returns the current aggregate admission state.
func (c *Controller) QueueStatus(ctx context.Context) (QueueStatus, error) {
	counts, err := c.store.Counts(ctx)
	if err != nil {
		return QueueStatus{}, c.storeErr(ctx, "counts", err)
	}
	c.metrics.Observe(counts.Active, counts.Queued)
	limit := c.MaxActiveSessions()
	return QueueStatus{
		ActiveSessions: counts.Active,
		MaxSessions:    limit,
		QueueLength:    counts.Queued,
		AvailableSlots: availableSlots(limit, counts.Active),
	}, nil
}

// Position returns 0 for an active identity and the 1-based queue position
// for a queued one. ok is false when the identity is unknown.
func (c *Controller) Position(ctx context.Context, identity string) (pos int, ok bool, err error) {
	identity, err = normalizeIdentity(identity)
	if err != nil {
		return 0, false, err
	}
	pos, err = c.store.Position(ctx, identity)
	if err != nil {
		return 0, false, c.storeErr(ctx, "position", err)
	}
	if pos < 0 {
		return 0, false, nil
	}
	return pos, true, nil
}

// releaseSlotAndPromote is the single eviction path shared by CloseSession
// and the reaper. Promotion runs even when nothing was released.
func (c *Controller) releaseSlotAndPromote(ctx context.Context, identity string, cond ReleaseCondition, reason string) (ReleaseOutcome, *Session, error) {
	out, err := c.store.Release(ctx, identity, cond)
	if err != nil {
		return ReleaseNone, nil, c.storeErr(ctx, "release", err)
	}
	switch out {
	case ReleaseActive:
		c.metrics.Evicted(reason)
		c.log.InfoContext(ctx, "admission.release", slog.String("reason", reason))
	case ReleaseQueued:
		c.log.InfoContext(ctx, "admission.release.dequeued", slog.String("reason", reason))
	}
	promoted, err := c.PromoteNext(ctx)
	return out, promoted, err
}

func (c *Controller) estimateWait(position, limit int) time.Duration {
	if position <= 0 || limit <= 0 {
		return 0
	}
	return time.Duration(c.avgDuration.Load()) * time.Duration(position) / time.Duration(limit)
}

func (c *Controller) storeErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	c.metrics.StoreError(op)
	c.log.ErrorContext(ctx, "admission.store.err", slog.String("op", op), slog.String("err", err.Error()))
	return fmt.Errorf("admission: %s: %w: %w", op, ErrStoreUnavailable, err)
}

func activeResult(s *Session) *AdmissionResult {
	created := s.CreatedAt
	return &AdmissionResult{
		Status:    StatusActive,
		SessionID: s.SessionID,
		CreatedAt: &created,
		Promoted:  s.Promoted,
	}
}

func availableSlots(limit, active int) int {
	if active >= limit {
		return 0
	}
	return limit - active
}
