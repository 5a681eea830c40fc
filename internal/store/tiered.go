package store

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"engram/internal/logging"
	"engram/internal/metrics"
	"engram/internal/types"
)

// Options configures the tiered store.
type Options struct {
	HotPath  string
	WarmPath string
	ColdDir  string

	Thresholds  types.TierThresholds
	HotTTL      time.Duration // hot residency before the migration pass re-evaluates
	HotCapacity int           // hard bound; lowest influence leaves first

	CacheSize int
	CacheTTL  time.Duration
}

// tuning bundles the runtime-adjustable knobs so they swap atomically.
type tuning struct {
	thresholds  types.TierThresholds
	hotTTL      time.Duration
	hotCapacity int
}

// lockStripes bounds lock memory; 64 stripes keep contention negligible for
// per-record writer serialization.
const lockStripes = 64

// QueryResult carries matching ids plus degradation markers. Degraded means
// at least one tier failed mid-query and the ids may be incomplete.
type QueryResult struct {
	IDs         []string
	Degraded    bool
	FailedTiers []types.Tier
}

// MigrateStats summarizes one migration pass.
type MigrateStats struct {
	Examined int
	Demoted  int
	Evicted  int
}

// Tiered routes records across the hot, warm, and cold tiers. Placement
// follows influence and age; reads probe hot first and fall through. Writers
// serialize per record id on striped locks; readers never block.
type Tiered struct {
	hot   *Hot
	warm  *Warm
	cold  *Cold
	cache *RecordCache

	tune  atomic.Pointer[tuning]
	locks [lockStripes]sync.Mutex
}

// NewTiered opens all three tiers.
func NewTiered(opts Options) (*Tiered, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewTiered")
	defer timer.Stop()

	if opts.Thresholds == (types.TierThresholds{}) {
		opts.Thresholds = types.DefaultTierThresholds()
	}
	if opts.HotTTL <= 0 {
		opts.HotTTL = 7 * 24 * time.Hour
	}

	hot, err := NewHot(opts.HotPath)
	if err != nil {
		return nil, fmt.Errorf("hot tier: %w", err)
	}
	warm, err := NewWarm(opts.WarmPath)
	if err != nil {
		hot.Close()
		return nil, fmt.Errorf("warm tier: %w", err)
	}
	cold, err := NewCold(opts.ColdDir)
	if err != nil {
		hot.Close()
		warm.Close()
		return nil, fmt.Errorf("cold tier: %w", err)
	}

	t := &Tiered{
		hot:   hot,
		warm:  warm,
		cold:  cold,
		cache: NewRecordCache(opts.CacheSize, opts.CacheTTL),
	}
	t.tune.Store(&tuning{
		thresholds:  opts.Thresholds,
		hotTTL:      opts.HotTTL,
		hotCapacity: opts.HotCapacity,
	})
	return t, nil
}

// Close closes all tiers.
func (t *Tiered) Close() error {
	errHot := t.hot.Close()
	errWarm := t.warm.Close()
	if errHot != nil {
		return errHot
	}
	return errWarm
}

// Tune swaps the runtime-adjustable placement knobs atomically. Existing
// placements are untouched until the next write or migration pass.
func (t *Tiered) Tune(th types.TierThresholds, hotTTL time.Duration, hotCapacity int) {
	t.tune.Store(&tuning{thresholds: th, hotTTL: hotTTL, hotCapacity: hotCapacity})
	logging.Store("store tuning applied: hot>%.2f warm>%.2f hot<%.0fd warm<%.0fd",
		th.MinInfluenceHot, th.MinInfluenceWarm, th.RecencyHotDays, th.RecencyWarmDays)
}

// Thresholds returns the current placement thresholds.
func (t *Tiered) Thresholds() types.TierThresholds {
	return t.tune.Load().thresholds
}

func (t *Tiered) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &t.locks[h.Sum32()%lockStripes]
}

// =============================================================================
// WRITES
// =============================================================================

// Put stores a record in the tier its influence and age call for. Idempotent
// by id: rec.Tier on entry names the record's current residency (empty for
// fresh records); when the target differs, the record is written to its new
// tier before the old copy is removed.
func (t *Tiered) Put(rec *types.Record) error {
	if rec == nil || rec.ID == "" || rec.UserID == "" {
		return &types.ValidationError{Field: "id", Reason: "record missing id or user_id"}
	}
	mu := t.lockFor(rec.ID)
	mu.Lock()
	defer mu.Unlock()
	return t.putLocked(rec, time.Now())
}

func (t *Tiered) putLocked(rec *types.Record, now time.Time) error {
	prev := rec.Tier
	target := types.ComputeTier(rec.Influence, rec.AgeDays(now), t.Thresholds())
	rec.Tier = target

	if err := t.writeTier(target, rec); err != nil {
		rec.Tier = prev
		return fmt.Errorf("%s tier write for %s failed: %v: %w",
			target, rec.ID, err, types.ErrTierUnavailable)
	}

	if prev != "" && prev != target {
		if err := t.deleteFromTier(prev, rec.ID, rec.UserID); err != nil {
			// The authoritative copy is already written; a stale copy in the
			// old tier is shadowed on reads and cleaned by migration.
			logging.StoreWarn("failed to remove %s from %s tier after move to %s: %v",
				rec.ID, prev, target, err)
		} else {
			metrics.TierMigrationsTotal.WithLabelValues(string(prev), string(target)).Inc()
		}
		logging.StoreDebug("record %s moved %s -> %s (influence=%.3f)",
			rec.ID, prev, target, rec.Influence)
	}

	t.cache.Set(rec)
	return nil
}

// SoftDelete marks the record deleted in place. The tombstone stays in its
// tier so the id cannot be silently re-ingested.
func (t *Tiered) SoftDelete(id, userID string) error {
	mu := t.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	rec, err := t.getAnyLocked(id, userID)
	if err != nil {
		return err
	}
	if rec.Deleted {
		return nil
	}

	now := time.Now()
	rec.Deleted = true
	rec.DeletedAt = &now
	rec.UpdatedAt = now

	if err := t.writeTier(rec.Tier, rec); err != nil {
		return fmt.Errorf("%s tier soft-delete for %s failed: %v: %w",
			rec.Tier, id, err, types.ErrTierUnavailable)
	}
	t.cache.Invalidate(id)
	return nil
}

// HardDelete removes the record from every tier.
func (t *Tiered) HardDelete(id, userID string) error {
	mu := t.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if err := t.hot.Delete(id); err != nil {
		return fmt.Errorf("hot tier delete for %s failed: %v: %w", id, err, types.ErrTierUnavailable)
	}
	if err := t.warm.Delete(id); err != nil {
		return fmt.Errorf("warm tier delete for %s failed: %v: %w", id, err, types.ErrTierUnavailable)
	}
	if err := t.cold.Delete(id, userID); err != nil {
		return fmt.Errorf("cold tier delete for %s failed: %v: %w", id, err, types.ErrTierUnavailable)
	}
	t.cache.Invalidate(id)
	return nil
}

func (t *Tiered) writeTier(tier types.Tier, rec *types.Record) error {
	start := time.Now()
	var err error
	switch tier {
	case types.TierHot:
		err = t.hot.Put(rec)
	case types.TierWarm:
		err = t.warm.Put(rec)
	case types.TierCold:
		err = t.cold.Put(rec)
	default:
		return fmt.Errorf("unknown tier %q", tier)
	}
	if err == nil {
		metrics.ObserveTierWrite(string(tier), start)
	}
	return err
}

func (t *Tiered) deleteFromTier(tier types.Tier, id, userID string) error {
	switch tier {
	case types.TierHot:
		return t.hot.Delete(id)
	case types.TierWarm:
		return t.warm.Delete(id)
	case types.TierCold:
		return t.cold.Delete(id, userID)
	}
	return fmt.Errorf("unknown tier %q", tier)
}

// =============================================================================
// READS
// =============================================================================

// Get returns the live record by id, probing hot, then warm, then cold.
// Soft-deleted records read as NotFound; the governed write path uses GetAny.
func (t *Tiered) Get(id, userID string) (*types.Record, error) {
	rec, err := t.GetAny(id, userID)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, types.ErrNotFound
	}
	return rec, nil
}

// GetAny returns the record by id regardless of deletion state.
func (t *Tiered) GetAny(id, userID string) (*types.Record, error) {
	if rec, ok := t.cache.Get(id); ok {
		if userID != "" && rec.UserID != userID {
			return nil, types.ErrNotFound
		}
		metrics.CacheRequestsTotal.WithLabelValues("record", "hit").Inc()
		return rec, nil
	}
	metrics.CacheRequestsTotal.WithLabelValues("record", "miss").Inc()

	rec, err := t.getAnyLocked(id, userID)
	if err != nil {
		return nil, err
	}
	t.cache.Set(rec)
	return rec, nil
}

// getAnyLocked probes the tiers without touching the cache. Despite the name
// it takes no lock itself; write paths call it while holding the id lock.
func (t *Tiered) getAnyLocked(id, userID string) (*types.Record, error) {
	var tierFailure error

	start := time.Now()
	rec, err := t.hot.Get(id)
	switch {
	case err == nil:
		metrics.ObserveTierRead("hot", start, "hit")
		return t.checkOwner(rec, userID)
	case err == types.ErrNotFound:
		metrics.ObserveTierRead("hot", start, "miss")
	default:
		metrics.ObserveTierRead("hot", start, "error")
		tierFailure = err
		logging.StoreWarn("hot tier read for %s failed: %v", id, err)
	}

	start = time.Now()
	rec, err = t.warm.Get(id)
	switch {
	case err == nil:
		metrics.ObserveTierRead("warm", start, "hit")
		return t.checkOwner(rec, userID)
	case err == types.ErrNotFound:
		metrics.ObserveTierRead("warm", start, "miss")
	default:
		metrics.ObserveTierRead("warm", start, "error")
		tierFailure = err
		logging.StoreWarn("warm tier read for %s failed: %v", id, err)
	}

	if userID != "" {
		start = time.Now()
		rec, err = t.cold.Get(id, userID)
		switch {
		case err == nil:
			metrics.ObserveTierRead("cold", start, "hit")
			return t.checkOwner(rec, userID)
		case err == types.ErrNotFound:
			metrics.ObserveTierRead("cold", start, "miss")
		default:
			metrics.ObserveTierRead("cold", start, "error")
			tierFailure = err
			logging.StoreWarn("cold tier read for %s failed: %v", id, err)
		}
	}

	if tierFailure != nil {
		return nil, fmt.Errorf("record %s unresolved, tier failed: %v: %w",
			id, tierFailure, types.ErrTierUnavailable)
	}
	return nil, types.ErrNotFound
}

func (t *Tiered) checkOwner(rec *types.Record, userID string) (*types.Record, error) {
	if userID != "" && rec.UserID != userID {
		return nil, types.ErrNotFound
	}
	return rec, nil
}

// QueryByFilter returns ids matching the filter across all tiers, influence
// descending then newest first. A tier failure degrades the result instead of
// failing it.
func (t *Tiered) QueryByFilter(f *types.Filter) (*QueryResult, error) {
	recs, res := t.collectByFilter(f)
	res.IDs = make([]string, len(recs))
	for i, rec := range recs {
		res.IDs[i] = rec.ID
	}
	return res, nil
}

// QueryRecordsByFilter is QueryByFilter returning full records; the index
// layer uses it to gather scoring candidates.
func (t *Tiered) QueryRecordsByFilter(f *types.Filter) ([]*types.Record, *QueryResult) {
	recs, res := t.collectByFilter(f)
	res.IDs = make([]string, len(recs))
	for i, rec := range recs {
		res.IDs[i] = rec.ID
	}
	return recs, res
}

func (t *Tiered) collectByFilter(f *types.Filter) ([]*types.Record, *QueryResult) {
	res := &QueryResult{}
	byID := make(map[string]*types.Record)

	add := func(rec *types.Record) {
		if f.Matches(rec) {
			if _, seen := byID[rec.ID]; !seen {
				byID[rec.ID] = rec
			}
		}
	}
	fail := func(tier types.Tier, err error) {
		res.Degraded = true
		res.FailedTiers = append(res.FailedTiers, tier)
		logging.StoreWarn("%s tier filter query failed: %v", tier, err)
	}

	start := time.Now()
	var err error
	if f.UserID != "" {
		err = t.hot.ForEachUser(f.UserID, func(rec *types.Record) bool {
			add(rec)
			return true
		})
	} else {
		err = t.hot.ForEach(func(rec *types.Record) bool {
			add(rec)
			return true
		})
	}
	if err != nil {
		fail(types.TierHot, err)
	} else {
		metrics.ObserveTierRead("hot", start, "hit")
	}

	start = time.Now()
	warmRecs, err := t.warm.QueryRecords(f)
	if err != nil {
		fail(types.TierWarm, err)
	} else {
		metrics.ObserveTierRead("warm", start, "hit")
		for _, rec := range warmRecs {
			add(rec)
		}
	}

	// Cold is per-user sharded; an unscoped filter stays on hot+warm.
	if f.UserID != "" {
		start = time.Now()
		err = t.cold.ForEachUser(f.UserID, func(rec *types.Record) bool {
			add(rec)
			return true
		})
		if err != nil {
			fail(types.TierCold, err)
		} else {
			metrics.ObserveTierRead("cold", start, "hit")
		}
	}

	out := make([]*types.Record, 0, len(byID))
	for _, rec := range byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Influence != out[j].Influence {
			return out[i].Influence > out[j].Influence
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, res
}

// QueryByTimeRange returns the user's live record ids inside the range,
// newest first.
func (t *Tiered) QueryByTimeRange(userID string, tr types.TimeRange) (*QueryResult, error) {
	recs, res, err := t.windowRecords(userID, tr)
	if err != nil {
		return nil, err
	}
	res.IDs = make([]string, len(recs))
	for i, rec := range recs {
		res.IDs[i] = rec.ID
	}
	return res, nil
}

// UserWindow returns the user's live records over the trailing window,
// newest first. The attention scorer reads its 30-day context through this.
func (t *Tiered) UserWindow(userID string, now time.Time, days int) ([]*types.Record, error) {
	tr := types.TimeRange{Start: now.AddDate(0, 0, -days), End: now}
	recs, _, err := t.windowRecords(userID, tr)
	return recs, err
}

// RecordsInRange returns a user's live records inside tr, newest first,
// along with per-tier degradation markers.
func (t *Tiered) RecordsInRange(userID string, tr types.TimeRange) ([]*types.Record, *QueryResult, error) {
	return t.windowRecords(userID, tr)
}

func (t *Tiered) windowRecords(userID string, tr types.TimeRange) ([]*types.Record, *QueryResult, error) {
	res := &QueryResult{}
	byID := make(map[string]*types.Record)

	hotRecs, err := t.hot.ListUserTimeline(userID, tr, 0)
	if err != nil {
		res.Degraded = true
		res.FailedTiers = append(res.FailedTiers, types.TierHot)
		logging.StoreWarn("hot tier time query failed: %v", err)
	}
	for _, rec := range hotRecs {
		byID[rec.ID] = rec
	}

	t0, t1 := tr.Start, tr.End
	if t1.IsZero() {
		t1 = time.Now()
	}
	warmIDs, err := t.warm.QueryTimeRange(userID, t0, t1)
	if err != nil {
		res.Degraded = true
		res.FailedTiers = append(res.FailedTiers, types.TierWarm)
		logging.StoreWarn("warm tier time query failed: %v", err)
	} else {
		warmRecs, err := t.warm.GetMany(warmIDs)
		if err != nil {
			res.Degraded = true
			res.FailedTiers = append(res.FailedTiers, types.TierWarm)
		}
		for _, rec := range warmRecs {
			if _, seen := byID[rec.ID]; !seen && !rec.Deleted {
				byID[rec.ID] = rec
			}
		}
	}

	coldRecs, err := t.cold.QueryTimeRange(userID, tr)
	if err != nil {
		res.Degraded = true
		res.FailedTiers = append(res.FailedTiers, types.TierCold)
		logging.StoreWarn("cold tier time query failed: %v", err)
	}
	for _, rec := range coldRecs {
		if _, seen := byID[rec.ID]; !seen {
			byID[rec.ID] = rec
		}
	}

	out := make([]*types.Record, 0, len(byID))
	for _, rec := range byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, res, nil
}

// ForEachUser streams every record of one user across all tiers, soft-deleted
// included, hot first. Re-embedding and archival passes ride on this.
func (t *Tiered) ForEachUser(userID string, fn func(*types.Record) bool) error {
	seen := make(map[string]bool)
	stopped := false
	visit := func(rec *types.Record) bool {
		if seen[rec.ID] {
			return true
		}
		seen[rec.ID] = true
		if !fn(rec) {
			stopped = true
			return false
		}
		return true
	}

	if err := t.hot.ForEachUser(userID, visit); err != nil {
		return err
	}
	if stopped {
		return nil
	}
	if err := t.warm.ForEachUser(userID, visit); err != nil {
		return err
	}
	if stopped {
		return nil
	}
	return t.cold.ForEachUser(userID, visit)
}

// RecentTags returns the distinct tags on the user's records over the last
// days. Cold is excluded: anything there is older than the novelty window.
func (t *Tiered) RecentTags(userID string, days int) ([]string, error) {
	tags, err := t.warm.RecentTags(userID, days)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		seen[tag] = true
	}

	tr := types.TimeRange{Start: time.Now().AddDate(0, 0, -days)}
	hotRecs, err := t.hot.ListUserTimeline(userID, tr, 0)
	if err != nil {
		return tags, err
	}
	for _, rec := range hotRecs {
		for _, tag := range rec.AllTags() {
			if !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	return tags, nil
}

// SourceCounts returns how many live records each source contributed for one
// user over the hot and warm tiers. Source preference learning reads this;
// cold is left out so stale history does not dominate current preference.
func (t *Tiered) SourceCounts(userID string) (map[string]int, error) {
	counts, err := t.warm.SourceCounts(userID)
	if err != nil {
		return nil, err
	}
	err = t.hot.ForEachUser(userID, func(rec *types.Record) bool {
		if !rec.Deleted {
			counts[rec.Source]++
		}
		return true
	})
	return counts, err
}

// =============================================================================
// MIGRATION
// =============================================================================

// Migrate re-evaluates placement for records whose age crossed a tier
// boundary. Demotion only: promotion happens on write, so a capacity-evicted
// record does not flap back into hot. A pass immediately after a write is a
// no-op for that record.
func (t *Tiered) Migrate() (*MigrateStats, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Migrate")
	defer timer.Stop()

	now := time.Now()
	tun := t.tune.Load()
	st := &MigrateStats{}

	// Hot residency sweep: re-place expired entries by current age.
	expired, err := t.hot.ExpiredSince(now, tun.hotTTL)
	if err != nil {
		return st, fmt.Errorf("hot expiry scan failed: %w", err)
	}
	for _, rec := range expired {
		st.Examined++
		if err := t.demoteFromHot(rec, now, tun.thresholds, st); err != nil {
			logging.StoreWarn("failed to migrate %s out of hot: %v", rec.ID, err)
		}
	}

	// Hot capacity bound: lowest influence leaves first, to warm regardless
	// of computed tier.
	victims, err := t.hot.OverCapacityVictims(tun.hotCapacity)
	if err != nil {
		return st, fmt.Errorf("hot capacity scan failed: %w", err)
	}
	for _, rec := range victims {
		mu := t.lockFor(rec.ID)
		mu.Lock()
		rec.Tier = types.TierWarm
		err := t.writeTier(types.TierWarm, rec)
		if err == nil {
			err = t.hot.Delete(rec.ID)
		}
		if err == nil {
			t.cache.Invalidate(rec.ID)
			st.Evicted++
			metrics.TierMigrationsTotal.WithLabelValues("hot", "warm").Inc()
		}
		mu.Unlock()
		if err != nil {
			logging.StoreWarn("failed to evict %s from hot: %v", rec.ID, err)
		}
	}

	// Warm age sweep: demote entries whose age crossed the cold boundary.
	cutoff := now.Add(-time.Duration(tun.thresholds.RecencyWarmDays * 24 * float64(time.Hour)))
	oldIDs, err := t.warm.IDsOlderThan(cutoff)
	if err != nil {
		return st, fmt.Errorf("warm age scan failed: %w", err)
	}
	for _, id := range oldIDs {
		mu := t.lockFor(id)
		mu.Lock()
		rec, err := t.warm.Get(id)
		if err != nil {
			mu.Unlock()
			continue
		}
		st.Examined++
		target := types.ComputeTier(rec.Influence, rec.AgeDays(now), tun.thresholds)
		if target != types.TierCold {
			mu.Unlock()
			continue
		}
		rec.Tier = types.TierCold
		err = t.writeTier(types.TierCold, rec)
		if err == nil {
			err = t.warm.Delete(id)
		}
		if err == nil {
			t.cache.Invalidate(id)
			st.Demoted++
			metrics.TierMigrationsTotal.WithLabelValues("warm", "cold").Inc()
		}
		mu.Unlock()
		if err != nil {
			logging.StoreWarn("failed to demote %s to cold: %v", id, err)
		}
	}

	if st.Demoted > 0 || st.Evicted > 0 {
		logging.Store("migration pass: examined=%d demoted=%d evicted=%d",
			st.Examined, st.Demoted, st.Evicted)
	}
	return st, nil
}

// CompactCold consolidates cold shards and repairs their sidecars.
func (t *Tiered) CompactCold() (CompactStats, error) {
	return t.cold.Compact()
}

// demoteFromHot re-places one TTL-expired hot record. Records still owed hot
// placement get re-put, which refreshes their residency clock.
func (t *Tiered) demoteFromHot(rec *types.Record, now time.Time, th types.TierThresholds, st *MigrateStats) error {
	mu := t.lockFor(rec.ID)
	mu.Lock()
	defer mu.Unlock()

	target := types.ComputeTier(rec.Influence, rec.AgeDays(now), th)
	rec.Tier = target
	if err := t.writeTier(target, rec); err != nil {
		return err
	}
	if target != types.TierHot {
		if err := t.hot.Delete(rec.ID); err != nil {
			return err
		}
		t.cache.Invalidate(rec.ID)
		st.Demoted++
		metrics.TierMigrationsTotal.WithLabelValues("hot", string(target)).Inc()
	}
	return nil
}

// =============================================================================
// STATS
// =============================================================================

// Stats is a point-in-time snapshot of tier and cache occupancy.
type Stats struct {
	HotCount    int   `json:"hot_count"`
	WarmCount   int   `json:"warm_count"`
	ColdCount   int   `json:"cold_count"`
	CacheSize   int   `json:"cache_size"`
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
}

// Stats counts residents per tier. Failures count a tier as zero rather than
// failing the snapshot.
func (t *Tiered) Stats() Stats {
	var s Stats
	if n, err := t.hot.Count(); err == nil {
		s.HotCount = n
	}
	if n, err := t.warm.Count(); err == nil {
		s.WarmCount = n
	}
	if n, err := t.cold.Count(); err == nil {
		s.ColdCount = n
	}
	s.CacheSize = t.cache.Size()
	s.CacheHits, s.CacheMisses = t.cache.Stats()
	return s
}
