// Package cache is the two-tier schedule cache: a bounded process-local LRU
// in front of an optional shared store (Redis). The shared tier is
// best-effort; its failures are logged and read as misses.
package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	logx "schedbot/pkg/logx"
)

const (
	DefaultTTL          = 5 * time.Minute
	DefaultFetchTimeout = 30 * time.Second
)

// Codec turns values into bytes for the shared tier.
type Codec[V any] interface {
	Marshal(V) ([]byte, error)
	Unmarshal([]byte) (V, error)
}

type JSONCodec[V any] struct{}

func (JSONCodec[V]) Marshal(v V) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[V]) Unmarshal(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}

type Options[V any] struct {
	Size       int
	DefaultTTL time.Duration
	// FetchTimeout bounds a coalesced upstream fetch. The fetch outlives
	// the caller that started it so other waiters still get its result.
	FetchTimeout time.Duration
	// Shared is optional; nil runs with Tier 1 only.
	Shared Shared
	Codec  Codec[V]
	Now    func() time.Time
}

type Stats struct {
	LocalHits   uint64 `json:"local_hits"`
	SharedHits  uint64 `json:"shared_hits"`
	Fetches     uint64 `json:"fetches"`
	FetchErrors uint64 `json:"fetch_errors"`
	SharedErrs  uint64 `json:"shared_errors"`
	LocalLen    int    `json:"local_len"`
	Degraded    bool   `json:"shared_degraded"`
}

// Tiered is safe for concurrent use. No lock is held across shared-tier or
// fetch calls; concurrent misses for one key share a single fetch.
//
// An entry lives for ttl from its upstream fetch in both tiers: a value read
// back from the shared tier keeps its original fetch time.
type Tiered[V any] struct {
	local        *Local[V]
	shared       Shared
	codec        Codec[V]
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	log          logx.Logger
	sf           singleflight.Group

	localHits   atomic.Uint64
	sharedHits  atomic.Uint64
	fetches     atomic.Uint64
	fetchErrors atomic.Uint64
	sharedErrs  atomic.Uint64
	degraded    atomic.Bool
}

func New[V any](opt Options[V], log logx.Logger) (*Tiered[V], error) {
	local, err := NewLocal[V](opt.Size, opt.Now)
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	if opt.DefaultTTL <= 0 {
		opt.DefaultTTL = DefaultTTL
	}
	if opt.FetchTimeout <= 0 {
		opt.FetchTimeout = DefaultFetchTimeout
	}
	if opt.Codec == nil {
		opt.Codec = JSONCodec[V]{}
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tiered[V]{
		local:        local,
		shared:       opt.Shared,
		codec:        opt.Codec,
		ttl:          opt.DefaultTTL,
		fetchTimeout: opt.FetchTimeout,
		now:          opt.Now,
		log:          log.With(logx.Component("cache")),
	}, nil
}

// GetOrFetch returns the cached value for key or calls fetch. Successful
// fetch results are stored in both tiers for ttl; errors are returned as is
// and never cached.
//
// Concurrent misses for key share one fetch. That fetch runs detached from
// any single caller's cancellation, bounded by the fetch timeout; each caller
// stops waiting when its own ctx is done.
func (c *Tiered[V]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (V, error)) (V, error) {
	var zero V
	if ttl <= 0 {
		ttl = c.ttl
	}
	if v, ok := c.local.Get(key); ok {
		c.localHits.Add(1)
		return v, nil
	}

	ch := c.sf.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		if v, ok := c.local.Get(key); ok {
			c.localHits.Add(1)
			return v, nil
		}
		if v, left, ok := c.sharedGet(fctx, key, ttl); ok {
			c.sharedHits.Add(1)
			c.local.Set(key, v, left)
			return v, nil
		}

		c.fetches.Add(1)
		at := c.now()
		v, err := fetch(fctx)
		if err != nil {
			c.fetchErrors.Add(1)
			return v, err
		}
		c.local.Set(key, v, ttl)
		c.sharedSet(fctx, key, v, at, ttl)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		return r.Val.(V), nil
	}
}

// GetMany returns the cached values among keys. Shared-tier hits are copied
// into the local tier for what is left of the ttl they were stored with.
func (c *Tiered[V]) GetMany(ctx context.Context, keys []string) map[string]V {
	out := make(map[string]V, len(keys))
	var missing []string
	for _, k := range keys {
		if v, ok := c.local.Get(k); ok {
			c.localHits.Add(1)
			out[k] = v
			continue
		}
		missing = append(missing, k)
	}
	if len(missing) == 0 || c.shared == nil {
		return out
	}

	raw, err := c.shared.GetMany(ctx, missing)
	if err != nil {
		c.sharedFailed("get_many", err)
		return out
	}
	c.sharedOK()
	now := c.now()
	for k, b := range raw {
		v, at, ttl, err := c.decode(b)
		if err != nil {
			c.log.Debug("shared entry undecodable", logx.String("key", k), logx.Err(err))
			continue
		}
		left, live := remaining(now, at, ttl)
		if !live {
			continue
		}
		c.sharedHits.Add(1)
		c.local.Set(k, v, left)
		out[k] = v
	}
	return out
}

func (c *Tiered[V]) SetMany(ctx context.Context, vals map[string]V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	enc := make(map[string][]byte, len(vals))
	at := c.now()
	for k, v := range vals {
		c.local.Set(k, v, ttl)
		if c.shared == nil {
			continue
		}
		b, err := c.encode(v, at, ttl)
		if err != nil {
			c.log.Warn("cache encode failed", logx.String("key", k), logx.Err(err))
			continue
		}
		enc[k] = b
	}
	if c.shared == nil || len(enc) == 0 {
		return
	}
	if err := c.shared.SetMany(ctx, enc, ttl); err != nil {
		c.sharedFailed("set_many", err)
		return
	}
	c.sharedOK()
}

// InvalidateAll clears both tiers and returns the number of local entries dropped.
func (c *Tiered[V]) InvalidateAll(ctx context.Context) int {
	n := c.local.Purge()
	if c.shared != nil {
		if err := c.shared.Clear(ctx); err != nil {
			c.sharedFailed("clear", err)
		} else {
			c.sharedOK()
		}
	}
	c.log.Info("cache invalidated", logx.Int("local_entries", n))
	return n
}

func (c *Tiered[V]) PurgeExpired() int { return c.local.PurgeExpired() }

func (c *Tiered[V]) Stats() Stats {
	return Stats{
		LocalHits:   c.localHits.Load(),
		SharedHits:  c.sharedHits.Load(),
		Fetches:     c.fetches.Load(),
		FetchErrors: c.fetchErrors.Load(),
		SharedErrs:  c.sharedErrs.Load(),
		LocalLen:    c.local.Len(),
		Degraded:    c.degraded.Load(),
	}
}

func (c *Tiered[V]) Close() error {
	if c.shared == nil {
		return nil
	}
	return c.shared.Close()
}

// sharedGet reads key from the shared tier and reports how long the value
// may still live locally. Entries older than ttl read as misses whatever
// their remaining Redis expiry.
func (c *Tiered[V]) sharedGet(ctx context.Context, key string, ttl time.Duration) (V, time.Duration, bool) {
	var zero V
	if c.shared == nil {
		return zero, 0, false
	}
	b, ok, err := c.shared.Get(ctx, key)
	if err != nil {
		c.sharedFailed("get", err)
		return zero, 0, false
	}
	c.sharedOK()
	if !ok {
		return zero, 0, false
	}
	v, at, stored, err := c.decode(b)
	if err != nil {
		c.log.Debug("shared entry undecodable", logx.String("key", key), logx.Err(err))
		return zero, 0, false
	}
	left, live := remaining(c.now(), at, min(ttl, stored))
	if !live {
		return zero, 0, false
	}
	return v, left, true
}

func (c *Tiered[V]) sharedSet(ctx context.Context, key string, v V, at time.Time, ttl time.Duration) {
	if c.shared == nil {
		return
	}
	b, err := c.encode(v, at, ttl)
	if err != nil {
		c.log.Warn("cache encode failed", logx.String("key", key), logx.Err(err))
		return
	}
	if err := c.shared.Set(ctx, key, b, ttl); err != nil {
		c.sharedFailed("set", err)
		return
	}
	c.sharedOK()
}

// Shared entries carry a 16-byte header in front of the codec payload:
// fetch time in unix nanoseconds and the ttl in nanoseconds, both big endian.
const sharedHeader = 16

var errShortEntry = errors.New("shared entry too short")

func (c *Tiered[V]) encode(v V, at time.Time, ttl time.Duration) ([]byte, error) {
	body, err := c.codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	b := make([]byte, sharedHeader, sharedHeader+len(body))
	binary.BigEndian.PutUint64(b[0:8], uint64(at.UnixNano()))
	binary.BigEndian.PutUint64(b[8:16], uint64(ttl))
	return append(b, body...), nil
}

func (c *Tiered[V]) decode(b []byte) (V, time.Time, time.Duration, error) {
	var zero V
	if len(b) < sharedHeader {
		return zero, time.Time{}, 0, errShortEntry
	}
	at := time.Unix(0, int64(binary.BigEndian.Uint64(b[0:8])))
	ttl := time.Duration(binary.BigEndian.Uint64(b[8:16]))
	v, err := c.codec.Unmarshal(b[sharedHeader:])
	if err != nil {
		return zero, time.Time{}, 0, err
	}
	return v, at, ttl, nil
}

// remaining reports what is left of ttl for an entry fetched at at. An entry
// is live while its age does not exceed ttl.
func remaining(now, at time.Time, ttl time.Duration) (time.Duration, bool) {
	age := now.Sub(at)
	if age > ttl {
		return 0, false
	}
	return ttl - age, true
}

// sharedFailed logs the first failure of a streak at warn level and the
// rest at debug, so an outage does not flood the log.
func (c *Tiered[V]) sharedFailed(op string, err error) {
	c.sharedErrs.Add(1)
	if errors.Is(err, context.Canceled) {
		return
	}
	if !c.degraded.Swap(true) {
		c.log.Warn("tier2 degraded, serving from local tier and upstream", logx.String("op", op), logx.Err(err))
		return
	}
	c.log.Debug("tier2 still degraded", logx.String("op", op), logx.Err(err))
}

func (c *Tiered[V]) sharedOK() {
	if c.degraded.Swap(false) {
		c.log.Info("tier2 recovered")
	}
}
