package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T) (*SWR, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	return New(rdb, WithClock(clock.Now)), clock
}

func TestSWRLifecycle(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()
	ttl := 10 * time.Second

	require.NoError(t, c.Set(ctx, "k", json.RawMessage(`"v1"`), ttl))

	// t=5: fresh.
	clock.Advance(5 * time.Second)
	entry, phase, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, PhaseFresh, phase)
	assert.JSONEq(t, `"v1"`, string(entry.Payload))

	// t=12: stale but served.
	clock.Advance(7 * time.Second)
	entry, phase, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, PhaseStale, phase)
	assert.JSONEq(t, `"v1"`, string(entry.Payload))

	// t=25: past hard expiry, lazily deleted.
	clock.Advance(13 * time.Second)
	entry, phase, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, PhaseMiss, phase)
	assert.Nil(t, entry)
}

func TestGetWithSWRMissRunsFetcher(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	calls := 0
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"n":1}`), nil
	}
	res, err := c.GetWithSWR(ctx, "miss-key", 10*time.Second, fetch, nil)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.False(t, res.Stale)
	assert.JSONEq(t, `{"n":1}`, string(res.Data))
	assert.Equal(t, 1, calls)

	// Second read is a fresh hit; the fetcher must not run again.
	res, err = c.GetWithSWR(ctx, "miss-key", 10*time.Second, fetch, nil)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.False(t, res.Stale)
	assert.Equal(t, 1, calls)
}

func TestGetWithSWRStaleTriggersRevalidationOnce(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()
	ttl := 10 * time.Second

	require.NoError(t, c.Set(ctx, "k", json.RawMessage(`"v1"`), ttl))
	clock.Advance(12 * time.Second)

	var triggers atomic.Int32
	done := make(chan struct{})
	reval := func(ctx context.Context, key string) {
		triggers.Add(1)
		<-done
	}

	// 20 concurrent stale reads schedule exactly one revalidation.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.GetWithSWR(ctx, "k", ttl, nil, reval)
			assert.NoError(t, err)
			assert.True(t, res.Cached)
			assert.True(t, res.Stale)
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return triggers.Load() == 1 }, time.Second, 10*time.Millisecond)
	close(done)
}

func TestGetWithSWRBackgroundFetchRefreshes(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()
	ttl := 10 * time.Second

	require.NoError(t, c.Set(ctx, "k", json.RawMessage(`"v1"`), ttl))
	clock.Advance(12 * time.Second)

	fetched := make(chan struct{})
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		defer close(fetched)
		return json.RawMessage(`"v2"`), nil
	}
	res, err := c.GetWithSWR(ctx, "k", ttl, fetch, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"v1"`, string(res.Data))
	assert.True(t, res.Stale)

	select {
	case <-fetched:
	case <-time.After(time.Second):
		t.Fatal("background fetch did not run")
	}
	// The background Set lands with the same fake clock, so the refreshed
	// entry reads back fresh.
	require.Eventually(t, func() bool {
		entry, phase, err := c.Get(ctx, "k")
		return err == nil && phase == PhaseFresh && string(entry.Payload) == `"v2"`
	}, time.Second, 10*time.Millisecond)
}

func TestGetUnreadableEntryIsMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := New(rdb)
	ctx := context.Background()

	require.NoError(t, rdb.Set(ctx, "cache:bad", "not-json", 0).Err())
	entry, phase, err := c.Get(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, PhaseMiss, phase)
	assert.Nil(t, entry)
	// The broken entry was dropped.
	assert.False(t, mr.Exists("cache:bad"))
}

func TestDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", json.RawMessage(`1`), time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))
	_, phase, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, PhaseMiss, phase)
}
