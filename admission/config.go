package admission

import (
	"log/slog"
	"time"

	"github.com/ggoodman/admission-go/internal/metrics"
)

const (
	DefaultMaxActiveSessions     = 20
	DefaultMaxConcurrentRequests = 10
	DefaultSessionTimeout        = 30 * time.Minute
	DefaultQueueEntryTTL         = 10 * time.Minute
	DefaultAvgSessionDuration    = 30 * time.Minute
	DefaultReapInterval          = time.Minute
)

// Config holds the admission limits. Zero values fall back to the defaults.
// Defaults can be loaded via envdecode.
type Config struct {
	// MaxActiveSessions is the global slot count. ENV: MAX_ACTIVE_SESSIONS
	MaxActiveSessions int `env:"MAX_ACTIVE_SESSIONS,default=20"`
	// MaxConcurrentRequests sizes the per-instance gate. ENV: MAX_CONCURRENT_REQUESTS
	MaxConcurrentRequests int `env:"MAX_CONCURRENT_REQUESTS,default=10"`
	// SessionTimeout bounds the idle lifetime of a session. ENV: SESSION_TIMEOUT
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT,default=30m"`
	// QueueEntryTTL drops queue entries that wait longer. ENV: QUEUE_ENTRY_TTL
	QueueEntryTTL time.Duration `env:"QUEUE_ENTRY_TTL,default=10m"`
	// AvgSessionDuration feeds the estimated wait heuristic. ENV: AVG_SESSION_DURATION
	AvgSessionDuration time.Duration `env:"AVG_SESSION_DURATION,default=30m"`
	// ReapInterval is the sweep period used by RunReaper. ENV: REAP_INTERVAL
	ReapInterval time.Duration `env:"REAP_INTERVAL,default=60s"`
}

func (c Config) withDefaults() Config {
	if c.MaxActiveSessions <= 0 {
		c.MaxActiveSessions = DefaultMaxActiveSessions
	}
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.QueueEntryTTL <= 0 {
		c.QueueEntryTTL = DefaultQueueEntryTTL
	}
	if c.AvgSessionDuration <= 0 {
		c.AvgSessionDuration = DefaultAvgSessionDuration
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	return c
}

// Option configures a Controller.
type Option func(*controllerConfig)

type controllerConfig struct {
	cfg     Config
	logger  *slog.Logger
	clock   func() time.Time
	newID   func() string
	metrics *metrics.Recorder
}

// WithConfig sets the admission limits.
func WithConfig(cfg Config) Option {
	return func(c *controllerConfig) { c.cfg = cfg }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *controllerConfig) { c.logger = l }
}

// WithClock overrides time.Now, mainly for tests driving expiry.
func WithClock(now func() time.Time) Option {
	return func(c *controllerConfig) { c.clock = now }
}

// WithSessionIDGenerator overrides the session id source (uuid by default).
func WithSessionIDGenerator(fn func() string) Option {
	return func(c *controllerConfig) { c.newID = fn }
}

// WithMetrics records admission activity on rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(c *controllerConfig) { c.metrics = rec }
}
