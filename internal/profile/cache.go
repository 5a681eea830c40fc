package profile

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"engram/internal/metrics"
	"engram/internal/types"
)

// Cache holds per-user component snapshots with a TTL. Concurrent misses
// for the same user collapse into a single store read; writers invalidate
// rather than update, so readers may briefly see the previous snapshot.
type Cache struct {
	ttl   time.Duration
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	comps     []*types.Component
	fetchedAt time.Time
}

// NewCache builds a cache. ttl <= 0 defaults to an hour, the profile
// refresh horizon.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{ttl: ttl, entries: make(map[string]*cacheEntry)}
}

// Components returns the cached snapshot for a user, filling it through
// fetch on miss or expiry.
func (c *Cache) Components(userID string, fetch func() ([]*types.Component, error)) ([]*types.Component, error) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		metrics.CacheRequestsTotal.WithLabelValues("profile", "hit").Inc()
		return entry.comps, nil
	}
	metrics.CacheRequestsTotal.WithLabelValues("profile", "miss").Inc()

	v, err, _ := c.group.Do(userID, func() (interface{}, error) {
		comps, err := fetch()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[userID] = &cacheEntry{comps: comps, fetchedAt: time.Now()}
		c.mu.Unlock()
		return comps, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*types.Component), nil
}

// Invalidate drops a user's snapshot. The next read refills from the store.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// Size returns the number of cached users.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
