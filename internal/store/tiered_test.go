package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/embedding"
	"engram/internal/types"
)

func newTestTiered(t *testing.T) *Tiered {
	t.Helper()
	dir := t.TempDir()
	tiered, err := NewTiered(Options{
		HotPath:     filepath.Join(dir, "hot.db"),
		WarmPath:    filepath.Join(dir, "warm.db"),
		ColdDir:     filepath.Join(dir, "cold"),
		HotTTL:      7 * 24 * time.Hour,
		HotCapacity: 1000,
		CacheSize:   100,
		CacheTTL:    time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { tiered.Close() })
	return tiered
}

func TestTiered_PlacementFollowsInfluenceAndAge(t *testing.T) {
	tiered := newTestTiered(t)

	tests := []struct {
		name      string
		influence float64
		ageDays   float64
		want      types.Tier
	}{
		{"fresh records are hot regardless of influence", 0.1, 0, types.TierHot},
		{"high influence stays hot at any age", 0.9, 60, types.TierHot},
		{"mid influence past the hot window is warm", 0.5, 10, types.TierWarm},
		{"low influence within a month is warm", 0.1, 10, types.TierWarm},
		{"low influence past a month is cold", 0.2, 45, types.TierCold},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testRec(string(rune('a'+i)), "alice", tt.influence, tt.ageDays)
			require.NoError(t, tiered.Put(rec))
			assert.Equal(t, tt.want, rec.Tier)

			got, err := tiered.Get(rec.ID, "alice")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Tier)
		})
	}

	stats := tiered.Stats()
	assert.Equal(t, 2, stats.HotCount)
	assert.Equal(t, 2, stats.WarmCount)
	assert.Equal(t, 1, stats.ColdCount)
}

func TestTiered_GetScopesToOwner(t *testing.T) {
	tiered := newTestTiered(t)
	require.NoError(t, tiered.Put(testRec("r1", "alice", 0.8, 0)))

	_, err := tiered.Get("r1", "bob")
	assert.ErrorIs(t, err, types.ErrNotFound)

	got, err := tiered.Get("r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID)
}

func TestTiered_PutMovesTiersWhenInfluenceChanges(t *testing.T) {
	tiered := newTestTiered(t)

	rec := testRec("r1", "alice", 0.5, 10)
	require.NoError(t, tiered.Put(rec))
	require.Equal(t, types.TierWarm, rec.Tier)

	// A governed update raised the influence; the same Put call re-routes.
	rec.Influence = 0.9
	require.NoError(t, tiered.Put(rec))
	assert.Equal(t, types.TierHot, rec.Tier)

	_, err := tiered.warm.Get("r1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	got, err := tiered.hot.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, 0.9, got.Influence)
}

func TestTiered_SoftDelete(t *testing.T) {
	tiered := newTestTiered(t)
	require.NoError(t, tiered.Put(testRec("r1", "alice", 0.8, 0)))

	require.NoError(t, tiered.SoftDelete("r1", "alice"))

	_, err := tiered.Get("r1", "alice")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// The tombstone stays reachable for the governed write path.
	got, err := tiered.GetAny("r1", "alice")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	require.NotNil(t, got.DeletedAt)

	// Idempotent.
	require.NoError(t, tiered.SoftDelete("r1", "alice"))
}

func TestTiered_HardDelete(t *testing.T) {
	tiered := newTestTiered(t)
	require.NoError(t, tiered.Put(testRec("r1", "alice", 0.8, 0)))

	require.NoError(t, tiered.HardDelete("r1", "alice"))

	_, err := tiered.GetAny("r1", "alice")
	assert.ErrorIs(t, err, types.ErrNotFound)

	stats := tiered.Stats()
	assert.Equal(t, 0, stats.HotCount+stats.WarmCount+stats.ColdCount)
}

func TestTiered_QueryByFilterSpansTiers(t *testing.T) {
	tiered := newTestTiered(t)

	hot := testRec("in-hot", "alice", 0.9, 0)
	warm := testRec("in-warm", "alice", 0.5, 10)
	cold := testRec("in-cold", "alice", 0.2, 45)
	for _, rec := range []*types.Record{hot, warm, cold} {
		require.NoError(t, tiered.Put(rec))
	}

	res, err := tiered.QueryByFilter(&types.Filter{UserID: "alice", Tags: []string{"ml"}})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	// Influence descending across all three tiers.
	assert.Equal(t, []string{"in-hot", "in-warm", "in-cold"}, res.IDs)

	res, err = tiered.QueryByFilter(&types.Filter{UserID: "alice", MinInfluence: 0.4})
	require.NoError(t, err)
	assert.Equal(t, []string{"in-hot", "in-warm"}, res.IDs)
}

func TestTiered_QueryByTimeRange(t *testing.T) {
	tiered := newTestTiered(t)

	require.NoError(t, tiered.Put(testRec("r0", "alice", 0.9, 0)))
	require.NoError(t, tiered.Put(testRec("r10", "alice", 0.5, 10)))
	require.NoError(t, tiered.Put(testRec("r45", "alice", 0.2, 45)))

	res, err := tiered.QueryByTimeRange("alice", types.TimeRange{
		Start: time.Now().AddDate(0, 0, -60),
		End:   time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r0", "r10", "r45"}, res.IDs)

	recs, err := tiered.UserWindow("alice", time.Now(), 30)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "r0", recs[0].ID)
}

func TestTiered_MigrateIsNoopAfterWrite(t *testing.T) {
	tiered := newTestTiered(t)

	for _, rec := range []*types.Record{
		testRec("a", "alice", 0.9, 0),
		testRec("b", "alice", 0.5, 10),
		testRec("c", "alice", 0.2, 45),
	} {
		require.NoError(t, tiered.Put(rec))
	}

	st, err := tiered.Migrate()
	require.NoError(t, err)
	assert.Equal(t, 0, st.Demoted)
	assert.Equal(t, 0, st.Evicted)
}

func TestTiered_MigrateDemotesAgedRecords(t *testing.T) {
	tiered := newTestTiered(t)

	// A record that earned hot placement a week ago and has since aged out.
	aged := testRec("aged", "alice", 0.5, 8)
	aged.Tier = types.TierHot
	require.NoError(t, tiered.hot.Put(aged))

	// A warm record whose age has crossed the cold boundary.
	stale := testRec("stale", "alice", 0.2, 40)
	stale.Tier = types.TierWarm
	require.NoError(t, tiered.warm.Put(stale))

	tiered.Tune(types.DefaultTierThresholds(), 0, 1000)

	st, err := tiered.Migrate()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Demoted)

	got, err := tiered.Get("aged", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.TierWarm, got.Tier)

	got, err = tiered.Get("stale", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.TierCold, got.Tier)
}

func TestTiered_MigrateEvictsOverCapacity(t *testing.T) {
	tiered := newTestTiered(t)

	influences := map[string]float64{"a": 0.95, "b": 0.9, "c": 0.85, "d": 0.8}
	for id, inf := range influences {
		require.NoError(t, tiered.Put(testRec(id, "alice", inf, 0)))
	}

	tiered.Tune(types.DefaultTierThresholds(), 7*24*time.Hour, 2)
	st, err := tiered.Migrate()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Evicted)

	stats := tiered.Stats()
	assert.Equal(t, 2, stats.HotCount)
	assert.Equal(t, 2, stats.WarmCount)

	// Evicted records stay readable through the fall-through probe.
	got, err := tiered.Get("d", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.TierWarm, got.Tier)
}

func TestTiered_RecentTagsAcrossTiers(t *testing.T) {
	tiered := newTestTiered(t)

	rec1 := testRec("r1", "alice", 0.9, 0)
	rec1.Tags = []string{"ml"}
	rec2 := testRec("r2", "alice", 0.5, 3)
	rec2.Tags = []string{"cooking"}
	require.NoError(t, tiered.Put(rec1))
	require.NoError(t, tiered.Put(rec2))

	tags, err := tiered.RecentTags("alice", 7)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ml", "cooking"}, tags)
}

func TestTiered_ReembedAll(t *testing.T) {
	tiered := newTestTiered(t)

	rec1 := testRec("r1", "alice", 0.9, 0)
	rec1.Embedding = []float32{1, 0}
	rec2 := testRec("r2", "alice", 0.5, 10)
	rec2.Embedding = []float32{0, 1}
	require.NoError(t, tiered.Put(rec1))
	require.NoError(t, tiered.Put(rec2))

	engine, err := embedding.NewHashEngine(16)
	require.NoError(t, err)

	result, err := tiered.ReembedAll(context.Background(), "alice", engine, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Examined)
	assert.Equal(t, 2, result.Reembedded)

	for _, id := range []string{"r1", "r2"} {
		got, err := tiered.Get(id, "alice")
		require.NoError(t, err)
		assert.Len(t, got.Embedding, 16)
		assert.True(t, got.Processing.Reembedded)
	}
}
