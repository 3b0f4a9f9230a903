package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/admission-go/admission"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: ADMISSION_KEY_PREFIX
	KeyPrefix string `env:"ADMISSION_KEY_PREFIX,default=admission:"`
	// Client is used as-is when set; Addr is ignored and Close leaves it open.
	Client redis.UniversalClient
}

// Store implements admission.Store using Redis.
type Store struct {
	client    redis.UniversalClient
	ownClient bool
	keyPrefix string
}

// New connects to Redis and verifies the connection with PING.
func New(cfg Config) (*Store, error) {
	s := &Store{client: cfg.Client, keyPrefix: cfg.KeyPrefix}
	if s.client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		s.client = redis.NewClient(&redis.Options{Addr: addr})
		s.ownClient = true
	}
	if s.keyPrefix == "" {
		s.keyPrefix = "admission:"
	}
	if err := s.client.Ping(context.Background()).Err(); err != nil {
		if s.ownClient {
			_ = s.client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client if the Store created it.
func (s *Store) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

// --- Key helpers ---

func (s *Store) activeKey() string                { return s.keyPrefix + "active" }
func (s *Store) queueKey() string                 { return s.keyPrefix + "queue" }
func (s *Store) queuedKey() string                { return s.keyPrefix + "queued" }
func (s *Store) leasePrefix() string              { return s.keyPrefix + "lease:" }
func (s *Store) leaseKey(identity string) string { return s.leasePrefix() + identity }

// --- admission.Store ---

func (s *Store) Admit(ctx context.Context, req admission.AdmitRequest) (admission.AdmitReply, error) {
	sessJSON, err := json.Marshal(req.Session)
	if err != nil {
		return admission.AdmitReply{}, fmt.Errorf("marshal session: %w", err)
	}
	entryJSON, err := json.Marshal(req.Entry)
	if err != nil {
		return admission.AdmitReply{}, fmt.Errorf("marshal queue entry: %w", err)
	}
	identity := req.Session.Identity
	keys := []string{s.activeKey(), s.queueKey(), s.queuedKey(), s.leaseKey(identity)}
	res, err := admitScript.Run(ctx, s.client, keys, identity, sessJSON, entryJSON, req.MaxActive, req.TTL.Milliseconds()).Slice()
	if err != nil {
		return admission.AdmitReply{}, err
	}
	if len(res) != 4 {
		return admission.AdmitReply{}, fmt.Errorf("admit: unexpected reply length %d", len(res))
	}
	status, _ := res[0].(string)
	raw, _ := res[1].(string)
	activeCount, _ := res[2].(int64)
	position, _ := res[3].(int64)

	reply := admission.AdmitReply{Status: admission.Status(status), ActiveCount: int(activeCount)}
	switch reply.Status {
	case admission.StatusActive:
		sess, err := decodeSession(raw)
		if err != nil {
			return admission.AdmitReply{}, err
		}
		reply.Session = sess
	case admission.StatusQueued:
		entry, err := decodeEntry(raw)
		if err != nil {
			return admission.AdmitReply{}, err
		}
		reply.Entry = entry
		reply.Position = int(position)
	default:
		return admission.AdmitReply{}, fmt.Errorf("admit: unexpected status %q", status)
	}
	return reply, nil
}

func (s *Store) Touch(ctx context.Context, identity string, at time.Time, ttl time.Duration) (bool, error) {
	keys := []string{s.activeKey(), s.leaseKey(identity)}
	n, err := touchScript.Run(ctx, s.client, keys, identity, formatTime(at), ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Release(ctx context.Context, identity string, cond admission.ReleaseCondition) (admission.ReleaseOutcome, error) {
	var lastActivity string
	if !cond.LastActivityAt.IsZero() {
		lastActivity = formatTime(cond.LastActivityAt)
	}
	keys := []string{s.activeKey(), s.leaseKey(identity), s.queueKey(), s.queuedKey()}
	n, err := releaseScript.Run(ctx, s.client, keys, identity, cond.SessionID, lastActivity).Int()
	if err != nil {
		return admission.ReleaseNone, err
	}
	switch n {
	case 1:
		return admission.ReleaseActive, nil
	case 2:
		return admission.ReleaseQueued, nil
	default:
		return admission.ReleaseNone, nil
	}
}

func (s *Store) PromoteNext(ctx context.Context, maxActive int, at time.Time, ttl time.Duration) (*admission.Session, error) {
	keys := []string{s.activeKey(), s.queueKey(), s.queuedKey()}
	raw, err := promoteScript.Run(ctx, s.client, keys, maxActive, formatTime(at), ttl.Milliseconds(), s.leasePrefix()).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return decodeSession(raw)
}

func (s *Store) Get(ctx context.Context, identity string) (*admission.Session, error) {
	raw, err := s.client.HGet(ctx, s.activeKey(), identity).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return decodeSession(raw)
}

func (s *Store) ListActive(ctx context.Context) ([]admission.ActiveSession, error) {
	all, err := s.client.HGetAll(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}

	identities := make([]string, 0, len(all))
	for id := range all {
		identities = append(identities, id)
	}
	pipe := s.client.Pipeline()
	exists := make([]*redis.IntCmd, len(identities))
	for i, id := range identities {
		exists[i] = pipe.Exists(ctx, s.leaseKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]admission.ActiveSession, 0, len(identities))
	for i, id := range identities {
		sess, err := decodeSession(all[id])
		if err != nil {
			// An unreadable record would otherwise hold its slot forever;
			// surface it as expired so the reaper releases it unconditionally.
			out = append(out, admission.ActiveSession{Session: admission.Session{Identity: id}, LeaseExpired: true})
			continue
		}
		out = append(out, admission.ActiveSession{Session: *sess, LeaseExpired: exists[i].Val() == 0})
	}
	return out, nil
}

func (s *Store) Counts(ctx context.Context) (admission.Counts, error) {
	var active, queued *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		active = p.HLen(ctx, s.activeKey())
		queued = p.LLen(ctx, s.queueKey())
		return nil
	})
	if err != nil {
		return admission.Counts{}, err
	}
	return admission.Counts{Active: int(active.Val()), Queued: int(queued.Val())}, nil
}

func (s *Store) Position(ctx context.Context, identity string) (int, error) {
	keys := []string{s.activeKey(), s.queueKey(), s.queuedKey()}
	n, err := positionScript.Run(ctx, s.client, keys, identity).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) ExpireQueued(ctx context.Context, before time.Time) ([]admission.QueueEntry, error) {
	items, err := s.client.LRange(ctx, s.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var dropped []admission.QueueEntry
	for _, raw := range items {
		entry, err := decodeEntry(raw)
		if err != nil || !entry.QueuedAt.Before(before) {
			continue
		}
		n, err := dropQueuedScript.Run(ctx, s.client, []string{s.queueKey(), s.queuedKey()}, raw, entry.Identity).Int()
		if err != nil {
			return dropped, err
		}
		// Zero means the entry was promoted or withdrawn in the meantime.
		if n > 0 {
			dropped = append(dropped, *entry)
		}
	}
	return dropped, nil
}

// Interface compliance
var _ admission.Store = (*Store)(nil)

// --- Helpers ---

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func decodeSession(raw string) (*admission.Session, error) {
	var sess admission.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.Identity == "" || sess.SessionID == "" {
		return nil, errors.New("decode session: missing identity or session_id")
	}
	return &sess, nil
}

func decodeEntry(raw string) (*admission.QueueEntry, error) {
	var entry admission.QueueEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode queue entry: %w", err)
	}
	if entry.Identity == "" || entry.SessionID == "" {
		return nil, errors.New("decode queue entry: missing identity or session_id")
	}
	return &entry, nil
}
