package memory

import (
	"context"
	"sync"
	"time"
)

// ReplayCache implements ports.ReplayGuard in process. It keeps a bounded map
// of payload hashes to first-validation times; entries older than the
// freshness window are evicted lazily, and when the cache is full the oldest
// entries are evicted first. A single-node deployment can rely on it for
// early rejection; multi-node deployments use the Redis-backed store, with
// the settlement engine's reference check as the final guard either way.
type ReplayCache struct {
	mu         sync.Mutex
	entries    map[string]time.Time
	window     time.Duration
	maxEntries int
	now        func() time.Time
}

// NewReplayCache creates a bounded in-process replay cache.
func NewReplayCache(window time.Duration, maxEntries int) *ReplayCache {
	return &ReplayCache{
		entries:    make(map[string]time.Time),
		window:     window,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// FirstSeen registers hash if unseen within the freshness window.
func (c *ReplayCache) FirstSeen(_ context.Context, hash string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if seen, ok := c.entries[hash]; ok {
		if now.Sub(seen) < c.window {
			return false, nil
		}
		// Stale entry: the window elapsed, treat as first sighting again.
		c.entries[hash] = now
		return true, nil
	}

	if len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[hash] = now
	return true, nil
}

// evictLocked drops expired entries, then the oldest entry if still full.
func (c *ReplayCache) evictLocked(now time.Time) {
	var oldestKey string
	var oldestAt time.Time
	for k, at := range c.entries {
		if now.Sub(at) >= c.window {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || at.Before(oldestAt) {
			oldestKey, oldestAt = k, at
		}
	}
	if len(c.entries) >= c.maxEntries && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Len reports the current entry count.
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
