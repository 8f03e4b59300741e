package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type entry[V any] struct {
	val     V
	expires time.Time
}

// Local is the process-local tier: a bounded LRU whose entries carry their
// own expiry. An entry is live up to and including its expiry instant;
// expired entries are dropped on access or by PurgeExpired.
type Local[V any] struct {
	lru *lru.Cache[string, entry[V]]
	now func() time.Time
}

func NewLocal[V any](size int, now func() time.Time) (*Local[V], error) {
	if size <= 0 {
		size = 1024
	}
	if now == nil {
		now = time.Now
	}
	c, err := lru.New[string, entry[V]](size)
	if err != nil {
		return nil, err
	}
	return &Local[V]{lru: c, now: now}, nil
}

func (l *Local[V]) Get(key string) (V, bool) {
	e, ok := l.lru.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if l.now().After(e.expires) {
		l.lru.Remove(key)
		var zero V
		return zero, false
	}
	return e.val, true
}

func (l *Local[V]) Set(key string, v V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	l.lru.Add(key, entry[V]{val: v, expires: l.now().Add(ttl)})
}

func (l *Local[V]) Remove(key string) { l.lru.Remove(key) }

func (l *Local[V]) Len() int { return l.lru.Len() }

// Purge drops everything and returns how many entries were held.
func (l *Local[V]) Purge() int {
	n := l.lru.Len()
	l.lru.Purge()
	return n
}

func (l *Local[V]) PurgeExpired() int {
	now := l.now()
	n := 0
	for _, k := range l.lru.Keys() {
		e, ok := l.lru.Peek(k)
		if ok && now.After(e.expires) {
			l.lru.Remove(k)
			n++
		}
	}
	return n
}
