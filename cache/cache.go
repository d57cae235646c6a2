// Package cache provides a small bounded TTL cache shared by the chain
// lookup layers (diamond resolution, signer authorization, wallet sessions).
// Invalidation is explicit; nothing in here talks to the network.
package cache

import (
	"sync"
	"time"
)

// Clock lets tests control expiry.
type Clock func() time.Time

type entry[V any] struct {
	value     V
	expiresAt time.Time // zero = never
	addedAt   time.Time
}

// TTL is a thread-safe bounded key-value cache with per-entry TTL. When full,
// the oldest entry is evicted.
type TTL[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	maxSize int
	now     Clock
}

// NewTTL creates a cache holding at most maxSize entries.
func NewTTL[K comparable, V any](maxSize int) *TTL[K, V] {
	return &TTL[K, V]{
		entries: make(map[K]entry[V]),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (c *TTL[K, V]) WithClock(clock Clock) *TTL[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = clock
	return c
}

// Get returns the cached value for key if present and unexpired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	now := c.now()
	c.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; another writer may have refreshed it.
		if cur, still := c.entries[key]; still && cur.addedAt.Equal(e.addedAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the given TTL. A non-positive ttl means the
// entry never expires (until evicted or invalidated).
func (c *TTL[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	e := entry[V]{value: value, addedAt: now}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	c.entries[key] = e
}

// Delete removes key from the cache.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Purge removes every entry.
func (c *TTL[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]entry[V])
}

// Len returns the number of entries, including any not yet swept expired ones.
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *TTL[K, V]) evictOldestLocked() {
	var oldestKey K
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.addedAt.Before(oldest) {
			oldestKey, oldest = k, e.addedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
