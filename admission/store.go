package admission

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStoreUnavailable wraps every failure talking to the shared store.
	// Admission fails closed: callers must not treat it as a denial.
	ErrStoreUnavailable = errors.New("admission store unavailable")
	// ErrInvalidIdentity is returned for empty identities.
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrNotActive indicates the identity does not hold an active session.
	ErrNotActive = errors.New("session not active")
)

// AdmitRequest carries a fully formed candidate session and queue entry so a
// Store can decide and write in one atomic step. Session and Entry share the
// same identity and session id.
type AdmitRequest struct {
	Session   Session
	Entry     QueueEntry
	MaxActive int
	TTL       time.Duration
}

// AdmitReply is the outcome of Store.Admit. Session is set for StatusActive,
// Entry and Position (1-based) for StatusQueued.
type AdmitReply struct {
	Status      Status
	Session     *Session
	Entry       *QueueEntry
	Position    int
	ActiveCount int
}

// ReleaseCondition narrows a Release to a specific observed record. Zero
// fields match anything.
type ReleaseCondition struct {
	SessionID      string
	LastActivityAt time.Time
}

// IsZero reports whether the condition matches any record.
func (c ReleaseCondition) IsZero() bool {
	return c.SessionID == "" && c.LastActivityAt.IsZero()
}

// ReleaseOutcome reports what a Release removed.
type ReleaseOutcome int

const (
	// ReleaseNone means nothing matched.
	ReleaseNone ReleaseOutcome = iota
	// ReleaseActive means an active session was removed and its slot freed.
	ReleaseActive
	// ReleaseQueued means a queued entry was withdrawn from the queue.
	ReleaseQueued
)

// Store is the shared-state contract behind the Controller. Each method must
// be atomic with respect to concurrent callers in every process sharing the
// store; no method may rely on in-process locking for correctness across
// instances.
type Store interface {
	// Admit returns the existing record if the identity is already active or
	// queued. Otherwise it inserts req.Session with a lease of req.TTL when
	// fewer than req.MaxActive sessions exist and the queue is empty, else it
	// appends req.Entry to the queue tail.
	Admit(ctx context.Context, req AdmitRequest) (AdmitReply, error)

	// Touch sets LastActivityAt of an active session and refreshes its lease.
	// It reports false without error when the identity is not active.
	Touch(ctx context.Context, identity string, at time.Time, ttl time.Duration) (bool, error)

	// Release removes the identity's active record and lease when it matches
	// cond. With a zero cond and no active record, a queued entry for the
	// identity is withdrawn instead.
	Release(ctx context.Context, identity string, cond ReleaseCondition) (ReleaseOutcome, error)

	// PromoteNext pops the queue head into the active map if fewer than
	// maxActive sessions exist. It returns nil when nothing was promoted.
	PromoteNext(ctx context.Context, maxActive int, at time.Time, ttl time.Duration) (*Session, error)

	// Get returns the identity's active record, or nil when it is not active.
	Get(ctx context.Context, identity string) (*Session, error)

	// ListActive returns every active record.
	ListActive(ctx context.Context) ([]ActiveSession, error)

	// Counts returns a consistent snapshot of active and queued sizes.
	Counts(ctx context.Context) (Counts, error)

	// Position returns 0 for active identities, the 1-based queue position for
	// queued ones, and -1 for unknown identities.
	Position(ctx context.Context, identity string) (int, error)

	// ExpireQueued drops queue entries queued before the cutoff and returns them.
	ExpireQueued(ctx context.Context, before time.Time) ([]QueueEntry, error)
}
