package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/types"
)

func testRec(id, user string, influence float64, ageDays float64) *types.Record {
	now := time.Now()
	ts := now.Add(-time.Duration(ageDays * 24 * float64(time.Hour)))
	return &types.Record{
		ID:        id,
		UserID:    user,
		Timestamp: ts,
		Source:    "browser_extension",
		Highlight: "highlight " + id,
		Note:      "note " + id,
		Tags:      []string{"ml"},
		Access:    types.AccessPrivate,
		Quality:   0.5,
		Attention: 0.5,
		Influence: influence,
		CreatedAt: ts,
		UpdatedAt: now,
	}
}

func newTestHot(t *testing.T) *Hot {
	t.Helper()
	hot, err := NewHot(filepath.Join(t.TempDir(), "hot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { hot.Close() })
	return hot
}

func TestHot_PutGetDelete(t *testing.T) {
	hot := newTestHot(t)

	rec := testRec("r1", "alice", 0.8, 0)
	require.NoError(t, hot.Put(rec))

	got, err := hot.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, 0.8, got.Influence)

	_, err = hot.Get("missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, hot.Delete("r1"))
	_, err = hot.Get("r1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Deleting again is not an error.
	require.NoError(t, hot.Delete("r1"))
}

func TestHot_InfluenceOrdering(t *testing.T) {
	hot := newTestHot(t)

	require.NoError(t, hot.Put(testRec("low", "alice", 0.2, 0)))
	require.NoError(t, hot.Put(testRec("high", "alice", 0.9, 0)))
	require.NoError(t, hot.Put(testRec("mid", "alice", 0.5, 0)))

	recs, err := hot.ListUserByInfluence("alice", 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "high", recs[0].ID)
	assert.Equal(t, "mid", recs[1].ID)
	assert.Equal(t, "low", recs[2].ID)

	// Re-putting with a new influence moves the index entry.
	moved := testRec("low", "alice", 0.95, 0)
	require.NoError(t, hot.Put(moved))

	recs, err = hot.ListUserByInfluence("alice", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "low", recs[0].ID)
	assert.Equal(t, "high", recs[1].ID)

	count, err := hot.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestHot_ListByTag(t *testing.T) {
	hot := newTestHot(t)

	ml := testRec("r1", "alice", 0.6, 0)
	ml.Tags = []string{"ml", "validation"}
	other := testRec("r2", "alice", 0.9, 0)
	other.Tags = []string{"cooking"}
	bob := testRec("r3", "bob", 0.7, 0)
	bob.Tags = []string{"ml"}

	for _, rec := range []*types.Record{ml, other, bob} {
		require.NoError(t, hot.Put(rec))
	}

	recs, err := hot.ListByTag("ml", "alice", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "r1", recs[0].ID)

	// Without an owner the tag spans users, influence descending.
	recs, err = hot.ListByTag("ml", "", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "r3", recs[0].ID)
}

func TestHot_Timeline(t *testing.T) {
	hot := newTestHot(t)

	require.NoError(t, hot.Put(testRec("old", "alice", 0.5, 20)))
	require.NoError(t, hot.Put(testRec("recent", "alice", 0.5, 2)))
	require.NoError(t, hot.Put(testRec("today", "alice", 0.5, 0)))

	tr := types.TimeRange{Start: time.Now().AddDate(0, 0, -7)}
	recs, err := hot.ListUserTimeline("alice", tr, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "today", recs[0].ID)
	assert.Equal(t, "recent", recs[1].ID)
}

func TestHot_SkipsSoftDeletedInLists(t *testing.T) {
	hot := newTestHot(t)

	dead := testRec("dead", "alice", 0.9, 0)
	dead.Deleted = true
	require.NoError(t, hot.Put(dead))
	require.NoError(t, hot.Put(testRec("live", "alice", 0.5, 0)))

	recs, err := hot.ListUserByInfluence("alice", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "live", recs[0].ID)

	// Direct Get still sees the tombstone.
	got, err := hot.Get("dead")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestHot_ExpiredSince(t *testing.T) {
	hot := newTestHot(t)
	require.NoError(t, hot.Put(testRec("r1", "alice", 0.5, 0)))

	// Nothing has been resident longer than an hour.
	expired, err := hot.ExpiredSince(time.Now(), time.Hour)
	require.NoError(t, err)
	assert.Empty(t, expired)

	// From a day in the future, everything is past a 1h TTL. Read-only:
	// the record must survive the scan.
	expired, err = hot.ExpiredSince(time.Now().Add(24*time.Hour), time.Hour)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "r1", expired[0].ID)

	_, err = hot.Get("r1")
	assert.NoError(t, err)
}

func TestHot_OverCapacityVictims(t *testing.T) {
	hot := newTestHot(t)

	influences := map[string]float64{"a": 0.9, "b": 0.2, "c": 0.6, "d": 0.4, "e": 0.8}
	for id, inf := range influences {
		require.NoError(t, hot.Put(testRec(id, "alice", inf, 0)))
	}

	victims, err := hot.OverCapacityVictims(3)
	require.NoError(t, err)
	require.Len(t, victims, 2)
	assert.Equal(t, "b", victims[0].ID)
	assert.Equal(t, "d", victims[1].ID)

	// Under capacity: nothing to evict.
	victims, err = hot.OverCapacityVictims(10)
	require.NoError(t, err)
	assert.Empty(t, victims)
}
