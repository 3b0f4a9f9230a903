package admission

import (
	"strings"
	"time"
)

// Status is the outcome of an admission attempt.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusQueued Status = "QUEUED"
)

// Session is the record stored for an identity holding an active slot.
type Session struct {
	SessionID      string    `json:"session_id"`
	Identity       string    `json:"identity"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	// Promoted is true when the session entered through the waiting queue.
	Promoted bool `json:"promoted"`
}

// QueueEntry is the record stored for an identity waiting for a slot. The
// session id is generated up front and reused on promotion.
type QueueEntry struct {
	Identity  string    `json:"identity"`
	SessionID string    `json:"session_id"`
	QueuedAt  time.Time `json:"queued_at"`
}

// ActiveSession is a Session as observed by a sweep. LeaseExpired reports
// that the backing store already dropped the session's TTL record.
type ActiveSession struct {
	Session
	LeaseExpired bool
}

// AdmissionResult is returned from CreateSession. Exactly one of the
// active or queued field groups is meaningful, selected by Status.
type AdmissionResult struct {
	Status Status `json:"status"`

	SessionID string     `json:"session_id,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Promoted  bool       `json:"promoted,omitempty"`

	Position      int           `json:"position,omitempty"`
	EstimatedWait time.Duration `json:"-"`
	ActiveCount   int           `json:"active_count,omitempty"`
	MaxSessions   int           `json:"max_sessions,omitempty"`
}

// QueueStatus is a read-only aggregate of the shared admission state.
type QueueStatus struct {
	ActiveSessions int `json:"active_sessions"`
	MaxSessions    int `json:"max_sessions"`
	QueueLength    int `json:"queue_length"`
	AvailableSlots int `json:"available_slots"`
}

// Counts reports the sizes of the active map and the waiting queue.
type Counts struct {
	Active int
	Queued int
}

// SweepReport summarises one reaper pass.
type SweepReport struct {
	Evicted  []string
	Dropped  []string
	Promoted []string
}

func normalizeIdentity(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", ErrInvalidIdentity
	}
	return identity, nil
}
