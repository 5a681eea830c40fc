package store

import (
	"sync"
	"sync/atomic"
	"time"

	"engram/internal/types"
)

// recordCacheEntry holds one cached record with its expiry.
type recordCacheEntry struct {
	record    *types.Record
	createdAt time.Time
	expiresAt time.Time
}

// RecordCache is a short-TTL read cache in front of the tiers. It absorbs
// repeated Get calls for the same id; writes and deletes invalidate.
type RecordCache struct {
	mu      sync.RWMutex
	entries map[string]*recordCacheEntry
	maxSize int
	ttl     time.Duration

	// Statistics (atomic for lock-free reads)
	hits   atomic.Int64
	misses atomic.Int64
}

// NewRecordCache creates a cache with the given size limit and TTL.
func NewRecordCache(maxSize int, ttl time.Duration) *RecordCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RecordCache{
		entries: make(map[string]*recordCacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get retrieves a cached record by id.
func (c *RecordCache) Get(id string) (*types.Record, bool) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry.record, true
}

// Set stores a record in the cache.
func (c *RecordCache) Set(rec *types.Record) {
	if rec == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	now := time.Now()
	c.entries[rec.ID] = &recordCacheEntry{
		record:    rec,
		createdAt: now,
		expiresAt: now.Add(c.ttl),
	}
}

// Invalidate removes an entry from the cache.
func (c *RecordCache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Clear removes all entries.
func (c *RecordCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*recordCacheEntry)
}

// Size returns the number of entries currently held.
func (c *RecordCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns cumulative hit and miss counts.
func (c *RecordCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// evictOldest removes the oldest entry by creation time. Caller holds c.mu.
func (c *RecordCache) evictOldest() {
	var oldestID string
	var oldestTime time.Time

	for id, entry := range c.entries {
		if oldestID == "" || entry.createdAt.Before(oldestTime) {
			oldestID = id
			oldestTime = entry.createdAt
		}
	}

	if oldestID != "" {
		delete(c.entries, oldestID)
	}
}
