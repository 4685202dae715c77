// Package ratelimiter implements per-key sliding-window rate limits over a
// minute and an hour window.
package ratelimiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limits configures the two windows for a key. Zero values mean unlimited.
type Limits struct {
	PerMinute int
	PerHour   int
}

// SlidingWindow tracks request timestamps per key. Counts are process-local
// unless a Redis client is supplied, in which case a sorted set per key is
// shared across instances. Decisions are non-blocking.
type SlidingWindow struct {
	defaults Limits
	limits   map[string]Limits
	rdb      *redis.Client
	script   *redis.Script
	now      func() time.Time

	mu      sync.Mutex
	samples map[string][]time.Time
}

// luaSlidingWindow prunes entries older than an hour and returns the counts
// for the minute and hour windows, optionally recording the current instant.
const luaSlidingWindow = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local record = tonumber(ARGV[2])

redis.call("ZREMRANGEBYSCORE", key, 0, now_ms - 3600000)
if record == 1 then
  redis.call("ZADD", key, now_ms, now_ms .. "-" .. redis.call("INCR", key .. ":seq"))
  redis.call("PEXPIRE", key, 3600000)
end
local minute = redis.call("ZCOUNT", key, now_ms - 60000, "+inf")
local hour = redis.call("ZCARD", key)
return { minute, hour }
`

// Option configures a SlidingWindow.
type Option func(*SlidingWindow)

// WithRedis coordinates the windows through Redis so counts are shared across
// instances.
func WithRedis(rdb *redis.Client) Option {
	return func(l *SlidingWindow) { l.rdb = rdb }
}

// WithKeyLimits overrides the default limits for a specific key.
func WithKeyLimits(key string, limits Limits) Option {
	return func(l *SlidingWindow) { l.limits[key] = limits }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *SlidingWindow) { l.now = now }
}

// New builds a SlidingWindow with the given default limits.
func New(defaults Limits, opts ...Option) *SlidingWindow {
	l := &SlidingWindow{
		defaults: defaults,
		limits:   map[string]Limits{},
		now:      time.Now,
		samples:  map[string][]time.Time{},
	}
	for _, o := range opts {
		o(l)
	}
	if l.rdb != nil {
		l.script = redis.NewScript(luaSlidingWindow)
	}
	return l
}

func (l *SlidingWindow) limitsFor(key string) Limits {
	if lim, ok := l.limits[key]; ok {
		return lim
	}
	return l.defaults
}

// Allowed reports whether both window counts are strictly below their limits.
func (l *SlidingWindow) Allowed(ctx context.Context, key string) bool {
	lim := l.limitsFor(key)
	minute, hour := l.counts(ctx, key, false)
	if lim.PerMinute > 0 && minute >= lim.PerMinute {
		return false
	}
	if lim.PerHour > 0 && hour >= lim.PerHour {
		return false
	}
	return true
}

// Record appends the current instant to the key's window.
func (l *SlidingWindow) Record(ctx context.Context, key string) {
	l.counts(ctx, key, true)
}

// Usage returns the current (minute, hour) counts for the key.
func (l *SlidingWindow) Usage(ctx context.Context, key string) (minute, hour int) {
	return l.counts(ctx, key, false)
}

func (l *SlidingWindow) counts(ctx context.Context, key string, record bool) (int, int) {
	if l.rdb != nil {
		if minute, hour, ok := l.redisCounts(ctx, key, record); ok {
			return minute, hour
		}
		// Fail open into the local window on Redis errors.
	}
	return l.localCounts(key, record)
}

func (l *SlidingWindow) redisCounts(ctx context.Context, key string, record bool) (int, int, bool) {
	rec := 0
	if record {
		rec = 1
	}
	nowMs := l.now().UnixMilli()
	res, err := l.script.Run(ctx, l.rdb, []string{"ratelimit:" + key}, nowMs, rec).Result()
	if err != nil {
		slog.Error("rate limiter script error", slog.String("key", key), slog.Any("error", err))
		return 0, 0, false
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("rate limiter unexpected script result", slog.String("key", key), slog.Any("result", res))
		return 0, 0, false
	}
	return int(toInt64(vals[0])), int(toInt64(vals[1])), true
}

func (l *SlidingWindow) localCounts(key string, record bool) (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutHour := now.Add(-time.Hour)
	cutMinute := now.Add(-time.Minute)

	// Prune anything outside the largest window on every touch.
	kept := l.samples[key][:0]
	for _, ts := range l.samples[key] {
		if ts.After(cutHour) {
			kept = append(kept, ts)
		}
	}
	if record {
		kept = append(kept, now)
	}
	l.samples[key] = kept

	minute := 0
	for _, ts := range kept {
		if ts.After(cutMinute) {
			minute++
		}
	}
	return minute, len(kept)
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
