package cache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "schedbot/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type payload struct {
	Records []string `json:"records"`
}

func counter(v payload) (func(context.Context) (payload, error), *atomic.Int32) {
	var n atomic.Int32
	return func(context.Context) (payload, error) {
		n.Add(1)
		return v, nil
	}, &n
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func redisShared(t *testing.T, mr *miniredis.Miniredis) *RedisShared {
	t.Helper()
	sh, err := NewRedisShared(RedisConfig{Addr: mr.Addr(), DialTimeout: 200 * time.Millisecond, OpTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	return sh
}

func TestGetOrFetchWithinTTLFetchesOnce(t *testing.T) {
	t.Parallel()
	clk := newClock()
	c, err := New(Options[payload]{Now: clk.Now}, logx.Nop())
	require.NoError(t, err)
	fetch, calls := counter(payload{Records: []string{"a"}})

	ctx := context.Background()
	v1, err := c.GetOrFetch(ctx, "group:101:", time.Minute, fetch)
	require.NoError(t, err)
	clk.Advance(59 * time.Second)
	v2, err := c.GetOrFetch(ctx, "group:101:", time.Minute, fetch)
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.EqualValues(t, 1, calls.Load())

	clk.Advance(2 * time.Second)
	_, err = c.GetOrFetch(ctx, "group:101:", time.Minute, fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load(), "expired entry refetched")
}

func TestGetOrFetchDoesNotCacheErrors(t *testing.T) {
	t.Parallel()
	c, err := New(Options[payload]{}, logx.Nop())
	require.NoError(t, err)

	boom := errors.New("upstream down")
	var n atomic.Int32
	fetch := func(context.Context) (payload, error) {
		if n.Add(1) == 1 {
			return payload{}, boom
		}
		return payload{Records: []string{"ok"}}, nil
	}

	_, err = c.GetOrFetch(context.Background(), "k", 0, fetch)
	require.ErrorIs(t, err, boom)
	v, err := c.GetOrFetch(context.Background(), "k", 0, fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, v.Records)
	assert.EqualValues(t, 1, c.Stats().FetchErrors)
}

func TestGetOrFetchCoalescesConcurrentMisses(t *testing.T) {
	t.Parallel()
	c, err := New(Options[payload]{}, logx.Nop())
	require.NoError(t, err)

	release := make(chan struct{})
	var n atomic.Int32
	fetch := func(context.Context) (payload, error) {
		n.Add(1)
		<-release
		return payload{Records: []string{"x"}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, n.Load())
}

func TestSharedTierReadThrough(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	a, err := New(Options[payload]{Shared: redisShared(t, mr)}, logx.Nop())
	require.NoError(t, err)
	b, err := New(Options[payload]{Shared: redisShared(t, mr)}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	fetch, calls := counter(payload{Records: []string{"a", "b"}})
	ctx := context.Background()

	_, err = a.GetOrFetch(ctx, "group:101:20250303", time.Minute, fetch)
	require.NoError(t, err)
	assert.True(t, mr.Exists("schedbot:tt:group:101:20250303"))
	assert.Equal(t, time.Minute, mr.TTL("schedbot:tt:group:101:20250303"))

	v, err := b.GetOrFetch(ctx, "group:101:20250303", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, v.Records)
	assert.EqualValues(t, 1, calls.Load(), "second process served from the shared tier")
	assert.EqualValues(t, 1, b.Stats().SharedHits)
}

func TestSharedTierUnavailableDegradesToMiss(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	sh := redisShared(t, mr)
	mr.Close()

	var buf syncBuffer
	c, err := New(Options[payload]{Shared: sh}, logx.NewWriter(&buf, "debug"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	fetch, calls := counter(payload{Records: []string{"fresh"}})
	v, err := c.GetOrFetch(context.Background(), "group:101:", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, v.Records)
	assert.EqualValues(t, 1, calls.Load())

	st := c.Stats()
	assert.True(t, st.Degraded)
	assert.Positive(t, st.SharedErrs)
	assert.Contains(t, buf.String(), "tier2 degraded")

	// Local tier still serves within ttl.
	_, err = c.GetOrFetch(context.Background(), "group:101:", time.Minute, fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())

	assert.Equal(t, 1, c.InvalidateAll(context.Background()))
}

func TestInvalidateAllClearsBothTiers(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("other:key", "keep"))

	c, err := New(Options[payload]{Shared: redisShared(t, mr)}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	fetch, calls := counter(payload{Records: []string{"a"}})
	ctx := context.Background()
	for _, k := range []string{"k1", "k2", "k3"} {
		_, err := c.GetOrFetch(ctx, k, time.Minute, fetch)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, c.InvalidateAll(ctx))
	assert.Equal(t, []string{"other:key"}, mr.Keys())

	_, err = c.GetOrFetch(ctx, "k1", time.Minute, fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 4, calls.Load())
}

func TestGetManySetMany(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	writer, err := New(Options[payload]{Shared: redisShared(t, mr)}, logx.Nop())
	require.NoError(t, err)
	reader, err := New(Options[payload]{Shared: redisShared(t, mr)}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close(); _ = reader.Close() })

	ctx := context.Background()
	writer.SetMany(ctx, map[string]payload{
		"a": {Records: []string{"1"}},
		"b": {Records: []string{"2"}},
	}, time.Minute)

	got := reader.GetMany(ctx, []string{"a", "b", "missing"})
	require.Len(t, got, 2)
	assert.Equal(t, []string{"2"}, got["b"].Records)

	// Now in reader's local tier.
	mr.FlushAll()
	assert.Len(t, reader.GetMany(ctx, []string{"a", "b"}), 2)
}

func TestLocalPurgeExpired(t *testing.T) {
	t.Parallel()
	clk := newClock()
	l, err := NewLocal[int](4, clk.Now)
	require.NoError(t, err)

	l.Set("short", 1, time.Second)
	l.Set("long", 2, time.Hour)
	l.Set("never", 3, 0)
	assert.Equal(t, 2, l.Len())

	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, l.PurgeExpired())
	_, ok := l.Get("long")
	assert.True(t, ok)
}

func TestLocalIsBounded(t *testing.T) {
	t.Parallel()
	l, err := NewLocal[int](2, nil)
	require.NoError(t, err)
	l.Set("a", 1, time.Hour)
	l.Set("b", 2, time.Hour)
	l.Set("c", 3, time.Hour)
	assert.Equal(t, 2, l.Len())
	_, ok := l.Get("a")
	assert.False(t, ok)
}

func TestSharedHitKeepsOriginalFetchTime(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	clkA, clkB := newClock(), newClock()
	a, err := New(Options[payload]{Shared: redisShared(t, mr), Now: clkA.Now}, logx.Nop())
	require.NoError(t, err)
	b, err := New(Options[payload]{Shared: redisShared(t, mr), Now: clkB.Now}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	ctx := context.Background()
	fetchA, _ := counter(payload{Records: []string{"v1"}})
	_, err = a.GetOrFetch(ctx, "group:101:", 5*time.Minute, fetchA)
	require.NoError(t, err)

	fetchB, callsB := counter(payload{Records: []string{"v2"}})
	clkB.Advance(4 * time.Minute)
	v, err := b.GetOrFetch(ctx, "group:101:", 5*time.Minute, fetchB)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, v.Records)
	assert.EqualValues(t, 0, callsB.Load())

	// Redis still holds the key; its fetch time says it is 8m old.
	clkB.Advance(4 * time.Minute)
	require.True(t, mr.Exists("schedbot:tt:group:101:"))
	v, err = b.GetOrFetch(ctx, "group:101:", 5*time.Minute, fetchB)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, v.Records)
	assert.EqualValues(t, 1, callsB.Load())
}

func TestGetManySkipsSharedEntriesPastTTL(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	clkW, clkR := newClock(), newClock()
	writer, err := New(Options[payload]{Shared: redisShared(t, mr), Now: clkW.Now}, logx.Nop())
	require.NoError(t, err)
	reader, err := New(Options[payload]{Shared: redisShared(t, mr), Now: clkR.Now}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close(); _ = reader.Close() })

	ctx := context.Background()
	writer.SetMany(ctx, map[string]payload{"a": {Records: []string{"1"}}}, time.Minute)

	clkR.Advance(45 * time.Second)
	require.Len(t, reader.GetMany(ctx, []string{"a"}), 1)

	// Local copy expires with the original entry, not 1m after the read.
	clkR.Advance(16 * time.Second)
	assert.Empty(t, reader.GetMany(ctx, []string{"a"}))
}

func TestCancelledCallerDoesNotFailWaiters(t *testing.T) {
	t.Parallel()
	c, err := New(Options[payload]{}, logx.Nop())
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	var n atomic.Int32
	fetch := func(ctx context.Context) (payload, error) {
		if n.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return payload{Records: []string{"x"}}, nil
		case <-ctx.Done():
			return payload{}, ctx.Err()
		}
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(firstCtx, "k", time.Minute, fetch)
		firstErr <- err
	}()
	<-started

	type result struct {
		v   payload
		err error
	}
	second := make(chan result, 1)
	go func() {
		v, err := c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
		second <- result{v, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	r := <-second
	require.NoError(t, r.err)
	assert.Equal(t, []string{"x"}, r.v.Records)
	assert.EqualValues(t, 1, n.Load())

	// The detached fetch still filled the cache.
	_, err = c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n.Load())
}

func TestFetchTimeoutBoundsDetachedFetch(t *testing.T) {
	t.Parallel()
	c, err := New(Options[payload]{FetchTimeout: 30 * time.Millisecond}, logx.Nop())
	require.NoError(t, err)

	fetch := func(ctx context.Context) (payload, error) {
		<-ctx.Done()
		return payload{}, ctx.Err()
	}
	_, err = c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalEntryLiveAtExactTTL(t *testing.T) {
	t.Parallel()
	clk := newClock()
	l, err := NewLocal[int](4, clk.Now)
	require.NoError(t, err)

	l.Set("k", 1, time.Minute)
	clk.Advance(time.Minute)
	_, ok := l.Get("k")
	assert.True(t, ok, "age == ttl is still fresh")
	assert.Equal(t, 0, l.PurgeExpired())

	clk.Advance(time.Nanosecond)
	_, ok = l.Get("k")
	assert.False(t, ok)
}
