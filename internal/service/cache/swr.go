package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/datashelf/internal/adapter/observability"
)

// Phase classifies an entry relative to now.
type Phase int

const (
	PhaseMiss Phase = iota
	PhaseFresh
	PhaseStale
)

// Entry is the stored envelope. The serve-stale window equals the fresh
// window: hard expiry is created_at + 2*ttl.
type Entry struct {
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	TTL       time.Duration   `json:"ttl"`
}

// StaleAt is the instant the entry stops being fresh.
func (e Entry) StaleAt() time.Time { return e.CreatedAt.Add(e.TTL) }

// HardExpiresAt is the instant the entry becomes a miss.
func (e Entry) HardExpiresAt() time.Time { return e.CreatedAt.Add(2 * e.TTL) }

// Result is what GetWithSWR hands back to callers.
type Result struct {
	Data   json.RawMessage
	Cached bool
	Stale  bool
	// TTL echoes the entry TTL so the HTTP layer can derive Cache-Control.
	TTL time.Duration
}

// Fetcher loads the authoritative payload on a miss.
type Fetcher func(ctx context.Context) (json.RawMessage, error)

// RevalTrigger schedules an external revalidation for a stale key.
type RevalTrigger func(ctx context.Context, key string)

// SWR is the stale-while-revalidate cache. Writes for the same key are racy
// and last-writer-wins; all writers for a fingerprint carry equivalent data.
type SWR struct {
	rdb *redis.Client
	now func() time.Time

	// inflight dedupes background revalidations: at most one per key per
	// stale window.
	mu       sync.Mutex
	inflight map[string]struct{}

	// background bounds each fire-and-forget revalidation.
	backgroundTimeout time.Duration
}

// Option configures the cache.
type Option func(*SWR)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *SWR) { c.now = now }
}

// WithBackgroundTimeout bounds background revalidation work.
func WithBackgroundTimeout(d time.Duration) Option {
	return func(c *SWR) {
		if d > 0 {
			c.backgroundTimeout = d
		}
	}
}

// New builds an SWR cache over the given Redis client.
func New(rdb *redis.Client, opts ...Option) *SWR {
	c := &SWR{
		rdb:               rdb,
		now:               time.Now,
		inflight:          map[string]struct{}{},
		backgroundTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

const keyPrefix = "cache:"

// Get returns the entry for key plus its phase. Entries past hard expiry are
// deleted lazily and reported as a miss.
func (c *SWR) Get(ctx context.Context, key string) (*Entry, Phase, error) {
	raw, err := c.rdb.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, PhaseMiss, nil
		}
		return nil, PhaseMiss, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// Unreadable entry: drop it and treat as a miss.
		_ = c.rdb.Del(ctx, keyPrefix+key).Err()
		return nil, PhaseMiss, nil
	}
	now := c.now()
	switch {
	case now.After(e.HardExpiresAt()):
		_ = c.rdb.Del(ctx, keyPrefix+key).Err()
		return nil, PhaseMiss, nil
	case now.After(e.StaleAt()):
		return &e, PhaseStale, nil
	default:
		return &e, PhaseFresh, nil
	}
}

// Set writes the entry. The Redis expiry is 2*ttl so downstream edge caches
// may also serve within the SWR window.
func (c *SWR) Set(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) error {
	e := Entry{Payload: data, CreatedAt: c.now(), TTL: ttl}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, keyPrefix+key, raw, 2*ttl).Err()
}

// Delete removes a single key.
func (c *SWR) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, keyPrefix+key).Err()
}

// InvalidatePrefix is advisory: the entry store has no efficient prefix scan,
// so entries roll off through hard expiry. Logged for operators.
func (c *SWR) InvalidatePrefix(_ context.Context, prefix string) {
	slog.Info("cache prefix invalidation is advisory; entries expire via hard TTL",
		slog.String("prefix", prefix))
}

// GetWithSWR serves key through the tri-state lifecycle. On a miss the
// fetcher runs in the foreground and the result is stored. On a stale hit the
// cached payload is returned and a background revalidation is scheduled at
// most once per key per stale window: revalTrigger when provided, else
// fetcher+Set. Background errors are logged and swallowed.
func (c *SWR) GetWithSWR(ctx context.Context, key string, ttl time.Duration, fetch Fetcher, reval RevalTrigger) (Result, error) {
	entry, phase, err := c.Get(ctx, key)
	if err != nil {
		// Entry store outage: fall through to the fetcher so reads survive.
		slog.Error("cache get failed; falling back to fetcher", slog.String("key", key), slog.Any("error", err))
		phase = PhaseMiss
	}
	prefix := Prefix(key)
	switch phase {
	case PhaseFresh:
		observability.ObserveCacheLookup(prefix, "hit")
		return Result{Data: entry.Payload, Cached: true, Stale: false, TTL: entry.TTL}, nil
	case PhaseStale:
		observability.ObserveCacheLookup(prefix, "stale")
		c.scheduleRevalidation(key, ttl, fetch, reval)
		return Result{Data: entry.Payload, Cached: true, Stale: true, TTL: entry.TTL}, nil
	}

	observability.ObserveCacheLookup(prefix, "miss")
	data, err := fetch(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := c.Set(ctx, key, data, ttl); err != nil {
		slog.Error("cache set failed", slog.String("key", key), slog.Any("error", err))
	}
	return Result{Data: data, Cached: false, Stale: false, TTL: ttl}, nil
}

// scheduleRevalidation runs at most one background refresh per key at a time.
func (c *SWR) scheduleRevalidation(key string, ttl time.Duration, fetch Fetcher, reval RevalTrigger) {
	c.mu.Lock()
	if _, busy := c.inflight[key]; busy {
		c.mu.Unlock()
		return
	}
	c.inflight[key] = struct{}{}
	c.mu.Unlock()

	observability.RevalidationsTriggered.WithLabelValues(Prefix(key)).Inc()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
		}()
		bctx, cancel := context.WithTimeout(context.Background(), c.backgroundTimeout)
		defer cancel()
		if reval != nil {
			reval(bctx, key)
			return
		}
		data, err := fetch(bctx)
		if err != nil {
			slog.Warn("background revalidation fetch failed", slog.String("key", key), slog.Any("error", err))
			return
		}
		if err := c.Set(bctx, key, data, ttl); err != nil {
			slog.Warn("background revalidation store failed", slog.String("key", key), slog.Any("error", err))
		}
	}()
}
