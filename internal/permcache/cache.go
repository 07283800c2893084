// Package permcache provides the in-process cache used for resolved
// capability sets and organization metadata. Entries are bounded by a TTL,
// stamped with the cache epoch at write time, and evicted oldest-to-expire
// first when the entry count exceeds the configured maximum.
package permcache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type entry[V any] struct {
	data      V
	expiresAt time.Time
	version   uint64
}

// Cache is a versioned, TTL-bounded, size-bounded map. All reads and writes
// are safe for concurrent use. Bumping the epoch invalidates every entry in
// O(1) without walking the map.
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]

	epoch atomic.Uint64

	ttl        time.Duration
	maxEntries int

	// now is swapped out in tests.
	now func() time.Time
}

// New creates a cache whose entries live for ttl and which holds at most
// maxEntries entries.
func New[K comparable, V any](ttl time.Duration, maxEntries int) *Cache[K, V] {
	return &Cache[K, V]{
		entries:    make(map[K]entry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the cached value for key. An entry is valid iff its expiry is
// in the future and its version matches the current epoch; anything else is
// a miss. Get never fails.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	epoch := c.epoch.Load()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || e.version != epoch || !c.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.data, true
}

// Put stores value under key with the configured TTL, stamped with the
// current epoch. If the cache would exceed its size bound, entries are
// evicted in ascending order of expiry time until it fits.
func (c *Cache[K, V]) Put(key K, value V) {
	e := entry[V]{
		data:      value,
		expiresAt: c.now().Add(c.ttl),
		version:   c.epoch.Load(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = e
	if len(c.entries) > c.maxEntries {
		c.evictLocked(len(c.entries) - c.maxEntries)
	}
}

// evictLocked removes n entries, oldest expiry first. Caller holds c.mu.
func (c *Cache[K, V]) evictLocked(n int) {
	type candidate struct {
		key       K
		expiresAt time.Time
	}
	candidates := make([]candidate, 0, len(c.entries))
	for k, e := range c.entries {
		candidates = append(candidates, candidate{key: k, expiresAt: e.expiresAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].expiresAt.Before(candidates[j].expiresAt)
	})
	for i := 0; i < n && i < len(candidates); i++ {
		delete(c.entries, candidates[i].key)
	}
}

// Invalidate removes the entry for key. Calling it for an absent key is a
// no-op, so repeated invalidation is idempotent.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateMatching removes every entry whose key satisfies match and
// returns the number of entries removed.
func (c *Cache[K, V]) InvalidateMatching(match func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// BumpEpoch invalidates every entry at once by advancing the epoch. Stale
// entries are reclaimed by the janitor; reads treat them as misses
// immediately. Returns the new epoch.
func (c *Cache[K, V]) BumpEpoch() uint64 {
	return c.epoch.Add(1)
}

// Epoch returns the current epoch.
func (c *Cache[K, V]) Epoch() uint64 {
	return c.epoch.Load()
}

// Len returns the current entry count, including entries that are expired
// or epoch-stale but not yet swept.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RemoveExpired deletes entries whose expiry has passed or whose version no
// longer matches the epoch. Returns the number of entries removed. This is
// housekeeping only; Get already ignores such entries.
func (c *Cache[K, V]) RemoveExpired() int {
	now := c.now()
	epoch := c.epoch.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) || e.version != epoch {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Janitor runs RemoveExpired every interval until ctx is cancelled. Run it
// in its own goroutine; it returns when ctx is done.
func (c *Cache[K, V]) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RemoveExpired()
		}
	}
}
