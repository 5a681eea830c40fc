package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCache_SetGetInvalidate(t *testing.T) {
	cache := NewRecordCache(10, time.Minute)

	rec := testRec("r1", "alice", 0.5, 0)
	cache.Set(rec)

	got, ok := cache.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "r1", got.ID)

	_, ok = cache.Get("missing")
	assert.False(t, ok)

	cache.Invalidate("r1")
	_, ok = cache.Get("r1")
	assert.False(t, ok)

	hits, misses := cache.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(2), misses)
}

func TestRecordCache_TTLExpiry(t *testing.T) {
	cache := NewRecordCache(10, 10*time.Millisecond)
	cache.Set(testRec("r1", "alice", 0.5, 0))

	_, ok := cache.Get("r1")
	require.True(t, ok)

	time.Sleep(25 * time.Millisecond)
	_, ok = cache.Get("r1")
	assert.False(t, ok)
}

func TestRecordCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := NewRecordCache(3, time.Minute)

	for i := 0; i < 4; i++ {
		cache.Set(testRec(fmt.Sprintf("r%d", i), "alice", 0.5, 0))
		time.Sleep(time.Millisecond)
	}

	_, ok := cache.Get("r0")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = cache.Get("r3")
	assert.True(t, ok)
	assert.Equal(t, 3, cache.Size())
}
