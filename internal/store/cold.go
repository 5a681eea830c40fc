package store

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"engram/internal/logging"
	"engram/internal/types"
)

// Cold is the archival tier: per-(user, date) gzip shards of JSON lines under
// data/, with a JSON sidecar per shard under index/ listing resident ids.
// Appends add a new gzip member to the shard, which stream readers handle
// transparently; rewrites (rare, governed-write only) replace the shard
// atomically via temp file and rename.
type Cold struct {
	root string
	mu   sync.RWMutex // guards sidecar read-modify-write cycles
}

// shardDate is the grouping granularity for cold shards.
const shardDateLayout = "2006-01-02"

type coldSidecar struct {
	UserID string   `json:"user_id"`
	Date   string   `json:"date"`
	Shard  string   `json:"shard"`
	IDs    []string `json:"ids"`
}

// NewCold creates the cold tier rooted at dir.
func NewCold(dir string) (*Cold, error) {
	for _, sub := range []string{"data", "index"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cold tier directory: %w", err)
		}
	}
	logging.Store("Cold tier ready at %s", dir)
	return &Cold{root: dir}, nil
}

func (c *Cold) shardPath(userID, date string) string {
	return filepath.Join(c.root, "data", userID, date+".jsonl.gz")
}

func (c *Cold) sidecarPath(userID, date string) string {
	return filepath.Join(c.root, "index", userID, date+".json")
}

// Put appends the record to its (user, date) shard and registers it in the
// sidecar. Re-putting an id already in the shard rewrites the shard so the
// tier holds exactly one version per id.
func (c *Cold) Put(rec *types.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	date := rec.Timestamp.UTC().Format(shardDateLayout)
	side, err := c.readSidecar(rec.UserID, date)
	if err != nil {
		return err
	}

	for _, id := range side.IDs {
		if id == rec.ID {
			// Replace in place through a shard rewrite.
			return c.rewriteShardLocked(rec.UserID, date, func(old *types.Record) (*types.Record, bool) {
				if old.ID == rec.ID {
					return rec, true
				}
				return old, true
			})
		}
	}

	if err := appendToShard(c.shardPath(rec.UserID, date), rec); err != nil {
		return err
	}

	side.IDs = append(side.IDs, rec.ID)
	return c.writeSidecar(side)
}

// Get scans the user's sidecars for the id and streams the owning shard.
func (c *Cold) Get(id, userID string) (*types.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dates, err := c.userDates(userID)
	if err != nil {
		return nil, err
	}
	for _, date := range dates {
		side, err := c.readSidecar(userID, date)
		if err != nil {
			continue
		}
		for _, candidate := range side.IDs {
			if candidate != id {
				continue
			}
			recs, err := readShard(c.shardPath(userID, date))
			if err != nil {
				return nil, err
			}
			// Later appends shadow earlier versions of the same id.
			var found *types.Record
			for _, rec := range recs {
				if rec.ID == id {
					found = rec
				}
			}
			if found != nil {
				return found, nil
			}
		}
	}
	return nil, types.ErrNotFound
}

// Delete removes the record from its shard via rewrite. Idempotent.
func (c *Cold) Delete(id, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dates, err := c.userDates(userID)
	if err != nil {
		return err
	}
	for _, date := range dates {
		side, err := c.readSidecar(userID, date)
		if err != nil {
			continue
		}
		for _, candidate := range side.IDs {
			if candidate == id {
				return c.rewriteShardLocked(userID, date, func(old *types.Record) (*types.Record, bool) {
					return old, old.ID != id
				})
			}
		}
	}
	return nil
}

// Update rewrites one record inside its shard. Used by governed writes that
// touch archived records; returns NotFound when the id is not resident.
func (c *Cold) Update(rec *types.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	date := rec.Timestamp.UTC().Format(shardDateLayout)
	side, err := c.readSidecar(rec.UserID, date)
	if err != nil {
		return err
	}
	for _, id := range side.IDs {
		if id == rec.ID {
			return c.rewriteShardLocked(rec.UserID, date, func(old *types.Record) (*types.Record, bool) {
				if old.ID == rec.ID {
					return rec, true
				}
				return old, true
			})
		}
	}
	return types.ErrNotFound
}

// QueryTimeRange returns the user's records whose event time falls in the
// range, by enumerating date shards that intersect it.
func (c *Cold) QueryTimeRange(userID string, tr types.TimeRange) ([]*types.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dates, err := c.userDates(userID)
	if err != nil {
		return nil, err
	}

	var out []*types.Record
	for _, date := range dates {
		day, err := time.Parse(shardDateLayout, date)
		if err != nil {
			continue
		}
		// Shard-level pruning: skip dates wholly outside the range.
		if !tr.Start.IsZero() && day.Add(24*time.Hour).Before(tr.Start) {
			continue
		}
		if !tr.End.IsZero() && day.After(tr.End) {
			continue
		}

		recs, err := readShard(c.shardPath(userID, date))
		if err != nil {
			return out, err
		}
		for _, rec := range dedupeByID(recs) {
			if !rec.Deleted && tr.Contains(rec.Timestamp) {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// ForEachUser streams every cold record of one user, soft-deleted included.
func (c *Cold) ForEachUser(userID string, fn func(*types.Record) bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dates, err := c.userDates(userID)
	if err != nil {
		return err
	}
	for _, date := range dates {
		recs, err := readShard(c.shardPath(userID, date))
		if err != nil {
			return err
		}
		for _, rec := range dedupeByID(recs) {
			if !fn(rec) {
				return nil
			}
		}
	}
	return nil
}

// CompactStats summarizes one cold compaction pass.
type CompactStats struct {
	ShardsExamined  int
	ShardsRewritten int
	VersionsDropped int
}

// Compact rewrites shards that carry shadowed record versions or a sidecar
// out of sync with the shard body, consolidating each into a single gzip
// member. Appends leave a shard as a chain of members, and a crash between
// append and sidecar write leaves the two inconsistent; a periodic pass
// repairs both.
func (c *Cold) Compact() (CompactStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stats CompactStats

	indexRoot := filepath.Join(c.root, "index")
	users, err := os.ReadDir(indexRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, err
	}

	for _, user := range users {
		if !user.IsDir() {
			continue
		}
		userID := user.Name()
		dates, err := c.userDates(userID)
		if err != nil {
			continue
		}
		for _, date := range dates {
			stats.ShardsExamined++
			recs, err := readShard(c.shardPath(userID, date))
			if err != nil {
				logging.StoreWarn("compaction skipping unreadable shard %s/%s: %v", userID, date, err)
				continue
			}
			deduped := dedupeByID(recs)
			side, err := c.readSidecar(userID, date)
			if err != nil {
				side = &coldSidecar{UserID: userID, Date: date}
			}
			if len(deduped) == len(recs) && len(side.IDs) == len(deduped) {
				continue
			}
			if err := c.rewriteShardLocked(userID, date, func(rec *types.Record) (*types.Record, bool) {
				return rec, true
			}); err != nil {
				return stats, err
			}
			stats.ShardsRewritten++
			stats.VersionsDropped += len(recs) - len(deduped)
		}
	}

	if stats.ShardsRewritten > 0 {
		logging.Store("cold compaction: examined=%d rewritten=%d dropped=%d",
			stats.ShardsExamined, stats.ShardsRewritten, stats.VersionsDropped)
	}
	return stats, nil
}

// Count returns the number of resident ids across all users' sidecars.
func (c *Cold) Count() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	indexRoot := filepath.Join(c.root, "index")
	users, err := os.ReadDir(indexRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	total := 0
	for _, user := range users {
		if !user.IsDir() {
			continue
		}
		dates, err := c.userDates(user.Name())
		if err != nil {
			continue
		}
		for _, date := range dates {
			side, err := c.readSidecar(user.Name(), date)
			if err != nil {
				continue
			}
			total += len(side.IDs)
		}
	}
	return total, nil
}

// userDates lists one user's shard dates in ascending order.
func (c *Cold) userDates(userID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.root, "index", userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dates []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".json"); ok {
			dates = append(dates, name)
		}
	}
	sort.Strings(dates)
	return dates, nil
}

func (c *Cold) readSidecar(userID, date string) (*coldSidecar, error) {
	data, err := os.ReadFile(c.sidecarPath(userID, date))
	if err != nil {
		if os.IsNotExist(err) {
			return &coldSidecar{
				UserID: userID,
				Date:   date,
				Shard:  c.shardPath(userID, date),
			}, nil
		}
		return nil, err
	}
	var side coldSidecar
	if err := json.Unmarshal(data, &side); err != nil {
		return nil, fmt.Errorf("corrupt cold sidecar %s/%s: %w", userID, date, err)
	}
	return &side, nil
}

func (c *Cold) writeSidecar(side *coldSidecar) error {
	path := c.sidecarPath(side.UserID, side.Date)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(side)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// rewriteShardLocked replays the shard through fn and atomically replaces
// shard and sidecar. fn returns the (possibly replaced) record and whether to
// keep it. Caller holds c.mu.
func (c *Cold) rewriteShardLocked(userID, date string, fn func(*types.Record) (*types.Record, bool)) error {
	recs, err := readShard(c.shardPath(userID, date))
	if err != nil {
		return err
	}

	kept := make([]*types.Record, 0, len(recs))
	for _, rec := range dedupeByID(recs) {
		if updated, keep := fn(rec); keep {
			kept = append(kept, updated)
		}
	}

	shardPath := c.shardPath(userID, date)
	if len(kept) == 0 {
		if err := os.Remove(shardPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.Remove(c.sidecarPath(userID, date)); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	tmp := shardPath + ".tmp"
	if err := writeShard(tmp, kept); err != nil {
		return err
	}
	if err := os.Rename(tmp, shardPath); err != nil {
		return err
	}

	side := &coldSidecar{UserID: userID, Date: date, Shard: shardPath}
	for _, rec := range kept {
		side.IDs = append(side.IDs, rec.ID)
	}
	return c.writeSidecar(side)
}

// =============================================================================
// SHARD I/O
// =============================================================================

// appendToShard adds one record as a fresh gzip member at the end of the
// shard file. Concatenated members decompress as one stream.
func appendToShard(path string, rec *types.Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	enc := json.NewEncoder(zw)
	if err := enc.Encode(rec); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func writeShard(path string, recs []*types.Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	enc := json.NewEncoder(zw)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func readShard(path string) ([]*types.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("corrupt cold shard %s: %w", path, err)
	}
	defer zr.Close()

	var out []*types.Record
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec types.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			logging.StoreWarn("skipping corrupt cold line in %s: %v", path, err)
			continue
		}
		out = append(out, &rec)
	}
	return out, scanner.Err()
}

// dedupeByID keeps only the last version of each id, preserving order of
// last occurrence. Appended updates shadow their predecessors.
func dedupeByID(recs []*types.Record) []*types.Record {
	if len(recs) < 2 {
		return recs
	}
	last := make(map[string]int, len(recs))
	for i, rec := range recs {
		last[rec.ID] = i
	}
	out := make([]*types.Record, 0, len(last))
	for i, rec := range recs {
		if last[rec.ID] == i {
			out = append(out, rec)
		}
	}
	return out
}
