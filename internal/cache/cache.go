// Package cache provides the in-process caches the Reference Resolver (C4)
// relies on: a bounded LRU+TTL cache for resolved records, a short-TTL
// memoization cache for "not found" responses, and a permanently-failed set.
// None of these are backed by Redis; they hold process-local state that is
// safe to lose on restart (spec §12.3 of the design notes).
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TTLCache wraps an LRU cache with a fixed per-entry time-to-live. It is
// grounded on the teacher's dragonflydb/redis caching layers (db/dragonflydb.go)
// but implemented in-process via hashicorp/golang-lru/v2 rather than against
// an external store, since this cache's entries never need to survive a
// restart or be shared across nodes.
type TTLCache[V any] struct {
	mu  sync.Mutex
	lru *lru.Cache[string, ttlEntry[V]]
	ttl time.Duration
	now func() time.Time
}

type ttlEntry[V any] struct {
	value   V
	expires time.Time
}

// NewTTLCache builds a TTLCache capped at maxEntries, with entries expiring
// ttl after insertion.
func NewTTLCache[V any](maxEntries int, ttl time.Duration) (*TTLCache[V], error) {
	l, err := lru.New[string, ttlEntry[V]](maxEntries)
	if err != nil {
		return nil, err
	}
	return &TTLCache[V]{lru: l, ttl: ttl, now: time.Now}, nil
}

// Get returns the cached value for key, or ok=false if absent or expired.
// An expired entry is evicted on read.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	if c.now().After(e.expires) {
		c.lru.Remove(key)
		return zero, false
	}
	return e.value, true
}

// Set inserts or refreshes key's cached value.
func (c *TTLCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, ttlEntry[V]{value: value, expires: c.now().Add(c.ttl)})
}

// Remove evicts key, if present.
func (c *TTLCache[V]) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Len reports the number of entries currently held, including any not yet
// lazily expired.
func (c *TTLCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

const (
	// NotFoundCacheSize bounds the 404-memoization cache (spec §4.4 "Mass 404").
	NotFoundCacheSize = 10000
	// NotFoundTTL is how long a negative lookup is memoized before a DID is
	// eligible to be retried.
	NotFoundTTL = time.Hour
)

// NotFoundCache memoizes DIDs that resolved to a definitive 404, so a query
// referencing the same missing DID repeatedly does not repeat the network
// round-trip (spec §4.4 edge case E5, "Mass 404").
type NotFoundCache struct {
	inner *TTLCache[struct{}]
}

// NewNotFoundCache builds a NotFoundCache with the protocol's fixed bounds.
func NewNotFoundCache() (*NotFoundCache, error) {
	inner, err := NewTTLCache[struct{}](NotFoundCacheSize, NotFoundTTL)
	if err != nil {
		return nil, err
	}
	return &NotFoundCache{inner: inner}, nil
}

// Mark records that did resolved to not-found.
func (c *NotFoundCache) Mark(did string) {
	c.inner.Set(did, struct{}{})
}

// IsMarked reports whether did is currently memoized as not-found.
func (c *NotFoundCache) IsMarked(did string) bool {
	_, ok := c.inner.Get(did)
	return ok
}

// PermanentFailureSet tracks DIDs that failed for a reason the resolver
// considers permanent (signature verification failure, malformed record) so
// they are never retried again within this process's lifetime (spec §4.4
// "A permanently-failed record ... is inserted into the permanently-failed
// set and never retried within the process lifetime"). It is unbounded in
// time but bounded in size: once full, the oldest entry is evicted to make
// room, matching the 404 cache's eviction shape rather than growing without
// limit.
type PermanentFailureSet struct {
	mu       sync.Mutex
	reasons  map[string]error
	order    []string
	capacity int
}

// NewPermanentFailureSet builds a PermanentFailureSet bounded at capacity
// entries.
func NewPermanentFailureSet(capacity int) *PermanentFailureSet {
	return &PermanentFailureSet{
		reasons:  make(map[string]error, capacity),
		capacity: capacity,
	}
}

// Mark records did as permanently failed for reason.
func (s *PermanentFailureSet) Mark(did string, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reasons[did]; exists {
		s.reasons[did] = reason
		return
	}
	if len(s.order) >= s.capacity && s.capacity > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.reasons, oldest)
	}
	s.reasons[did] = reason
	s.order = append(s.order, did)
}

// Reason returns the recorded failure reason for did, if any.
func (s *PermanentFailureSet) Reason(did string) (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.reasons[did]
	return err, ok
}
