// Package gate bounds how many heavy requests run concurrently on one
// instance. It is process-local: the global session cap lives in
// package admission, and a caller needs both an active session and a gate
// permit before its work executes.
package gate

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ggoodman/admission-go/admission"
	"github.com/ggoodman/admission-go/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// Toucher refreshes an identity's idle clock and reports whether the identity
// holds an active session. *admission.Controller implements it.
type Toucher interface {
	Touch(ctx context.Context, identity string) (bool, error)
}

// Gate is a counting semaphore around caller-supplied work.
type Gate struct {
	sem      *semaphore.Weighted
	limit    int64
	inFlight atomic.Int64

	toucher Toucher
	log     *slog.Logger
	metrics *metrics.Recorder
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// WithMetrics records permit usage on rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(g *Gate) { g.metrics = rec }
}

// New returns a Gate with limit permits. A non-positive limit uses
// admission.DefaultMaxConcurrentRequests. toucher must not be nil.
func New(limit int, toucher Toucher, opts ...Option) *Gate {
	if limit <= 0 {
		limit = admission.DefaultMaxConcurrentRequests
	}
	g := &Gate{
		sem:     semaphore.NewWeighted(int64(limit)),
		limit:   int64(limit),
		toucher: toucher,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Limit returns the number of permits.
func (g *Gate) Limit() int { return int(g.limit) }

// InFlight returns the number of permits currently held.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

// Available returns the number of permits currently free.
func (g *Gate) Available() int { return int(g.limit - g.inFlight.Load()) }

// Do runs work on behalf of identity once a permit is free. It touches the
// session first and fails with admission.ErrNotActive if the identity holds
// no active session. Waiting for a permit has no timeout of its own; cancel
// ctx to give up. The permit is returned on every exit path, including a
// panic in work, and work's error is returned unchanged.
func (g *Gate) Do(ctx context.Context, identity string, work func(ctx context.Context) error) error {
	active, err := g.toucher.Touch(ctx, identity)
	if err != nil {
		return err
	}
	if !active {
		g.metrics.GateRefused()
		return admission.ErrNotActive
	}

	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.inFlight.Add(1)
	g.metrics.GateAcquired(time.Since(start))

	defer func() {
		g.inFlight.Add(-1)
		g.sem.Release(1)
		g.metrics.GateReleased()
		// Work may outlast the idle timeout; count its completion as activity.
		if _, err := g.toucher.Touch(context.WithoutCancel(ctx), identity); err != nil {
			g.log.WarnContext(ctx, "gate.touch.err", slog.String("identity", identity), slog.String("err", err.Error()))
		}
	}()

	return work(ctx)
}

// Call is Do for work that produces a value.
func Call[T any](ctx context.Context, g *Gate, identity string, work func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, identity, func(ctx context.Context) error {
		var err error
		out, err = work(ctx)
		return err
	})
	return out, err
}
