package admission

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ggoodman/admission-go/internal/logctx"
)

// CleanupExpiredSessions runs one reaper pass. It evicts sessions idle longer
// than SessionTimeout or whose lease the store already expired, drops queue
// entries older than QueueEntryTTL, and finally fills any free slots from the
// queue. Per-session failures are collected and returned together; the pass
// keeps going.
func (c *Controller) CleanupExpiredSessions(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := c.now().UTC()

	active, err := c.store.ListActive(ctx)
	if err != nil {
		return report, c.storeErr(ctx, "list_active", err)
	}

	var errs []error
	for _, s := range active {
		var reason string
		switch {
		case now.Sub(s.LastActivityAt) > c.cfg.SessionTimeout:
			reason = "idle"
		case s.LeaseExpired:
			reason = "lease_expired"
		default:
			continue
		}
		sctx := logctx.WithAdmissionData(ctx, &logctx.AdmissionData{Identity: s.Identity, SessionID: s.SessionID})
		// The condition makes the eviction a no-op if the session was touched
		// or replaced after ListActive observed it.
		cond := ReleaseCondition{SessionID: s.SessionID, LastActivityAt: s.LastActivityAt}
		out, promoted, err := c.releaseSlotAndPromote(sctx, s.Identity, cond, reason)
		if out == ReleaseActive {
			report.Evicted = append(report.Evicted, s.Identity)
		}
		if promoted != nil {
			report.Promoted = append(report.Promoted, promoted.Identity)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	if ttl := c.cfg.QueueEntryTTL; ttl > 0 {
		dropped, err := c.store.ExpireQueued(ctx, now.Add(-ttl))
		if err != nil {
			errs = append(errs, c.storeErr(ctx, "expire_queued", err))
		}
		for _, e := range dropped {
			report.Dropped = append(report.Dropped, e.Identity)
			c.log.InfoContext(logctx.WithAdmissionData(ctx, &logctx.AdmissionData{Identity: e.Identity, SessionID: e.SessionID}),
				"admission.queue.expired", slog.Time("queued_at", e.QueuedAt))
		}
	}

	promoted, err := c.PromoteAvailable(ctx)
	for _, s := range promoted {
		report.Promoted = append(report.Promoted, s.Identity)
	}
	if err != nil {
		errs = append(errs, err)
	}

	if counts, err := c.store.Counts(ctx); err == nil {
		c.metrics.Observe(counts.Active, counts.Queued)
	}

	if len(report.Evicted)+len(report.Dropped)+len(report.Promoted) > 0 {
		c.log.InfoContext(ctx, "admission.reaper.sweep",
			slog.Int("evicted", len(report.Evicted)),
			slog.Int("dropped", len(report.Dropped)),
			slog.Int("promoted", len(report.Promoted)))
	}
	return report, errors.Join(errs...)
}

// RunReaper calls CleanupExpiredSessions every interval until ctx ends. A
// non-positive interval uses Config.ReapInterval. Sweep errors are logged and
// do not stop the loop.
func (c *Controller) RunReaper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = c.cfg.ReapInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := c.CleanupExpiredSessions(ctx); err != nil && ctx.Err() == nil {
				c.log.WarnContext(ctx, "admission.reaper.sweep.err", slog.String("err", err.Error()))
			}
		}
	}
}
