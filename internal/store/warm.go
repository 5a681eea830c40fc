package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"engram/internal/logging"
	"engram/internal/types"
)

// Warm is the relational middle tier. Full documents live in warm_records;
// warm_index carries the normalized scalar columns behind the composite
// indexes so filter queries never deserialize documents.
type Warm struct {
	db   *sql.DB
	path string
}

// NewWarm opens (or creates) the warm tier database at path.
func NewWarm(path string) (*Warm, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewWarm")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create warm tier directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open warm tier: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	w := &Warm{db: db, path: path}
	if err := w.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Warm tier ready at %s", path)
	return w, nil
}

func (w *Warm) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS warm_records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		doc TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS warm_index (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		timestamp_epoch INTEGER NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		influence REAL NOT NULL DEFAULT 0,
		attention REAL NOT NULL DEFAULT 0,
		quality REAL NOT NULL DEFAULT 0,
		tier TEXT NOT NULL DEFAULT 'warm',
		tags TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_warm_user_ts ON warm_index(user_id, timestamp_epoch DESC);
	CREATE INDEX IF NOT EXISTS idx_warm_user_influence ON warm_index(user_id, influence DESC);
	CREATE INDEX IF NOT EXISTS idx_warm_user_source ON warm_index(user_id, source);
	CREATE INDEX IF NOT EXISTS idx_warm_tags ON warm_index(tags);
	`
	if _, err := w.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize warm schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (w *Warm) Close() error {
	return w.db.Close()
}

// Put upserts a record document and its index row in one transaction.
func (w *Warm) Put(rec *types.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.ID, err)
	}

	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO warm_records (id, user_id, doc, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = CURRENT_TIMESTAMP`,
		rec.ID, rec.UserID, string(doc)); err != nil {
		return fmt.Errorf("failed to upsert warm record: %w", err)
	}

	deleted := 0
	if rec.Deleted {
		deleted = 1
	}
	if _, err := tx.Exec(`
		INSERT INTO warm_index
			(id, user_id, timestamp_epoch, source, influence, attention, quality, tier, tags, content_hash, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			timestamp_epoch = excluded.timestamp_epoch,
			source = excluded.source,
			influence = excluded.influence,
			attention = excluded.attention,
			quality = excluded.quality,
			tier = excluded.tier,
			tags = excluded.tags,
			content_hash = excluded.content_hash,
			deleted = excluded.deleted`,
		rec.ID, rec.UserID, rec.Timestamp.Unix(), rec.Source,
		rec.Influence, rec.Attention, rec.Quality, string(rec.Tier),
		joinTags(rec.AllTags()), rec.ContentHash(), deleted); err != nil {
		return fmt.Errorf("failed to upsert warm index: %w", err)
	}

	return tx.Commit()
}

// Get returns the record by id, soft-deleted versions included.
func (w *Warm) Get(id string) (*types.Record, error) {
	var doc string
	err := w.db.QueryRow(`SELECT doc FROM warm_records WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec types.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode warm record %s: %w", id, err)
	}
	return &rec, nil
}

// Delete removes the record and its index row. Idempotent.
func (w *Warm) Delete(id string) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM warm_records WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM warm_index WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// QueryIDs returns ids matching the filter, influence descending then newest
// first. Soft-deleted rows never match.
func (w *Warm) QueryIDs(f *types.Filter) ([]string, error) {
	query, args := buildFilterQuery(f, "id")
	rows, err := w.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// QueryRecords returns full records matching the filter.
func (w *Warm) QueryRecords(f *types.Filter) ([]*types.Record, error) {
	ids, err := w.QueryIDs(f)
	if err != nil {
		return nil, err
	}
	return w.GetMany(ids)
}

// GetMany loads records preserving the id order. Unknown ids are skipped.
func (w *Warm) GetMany(ids []string) ([]*types.Record, error) {
	out := make([]*types.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := w.Get(id)
		if err != nil {
			if err == types.ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// QueryTimeRange returns ids for one user inside [t0, t1], newest first.
func (w *Warm) QueryTimeRange(userID string, t0, t1 time.Time) ([]string, error) {
	rows, err := w.db.Query(`
		SELECT id FROM warm_index
		WHERE user_id = ? AND deleted = 0 AND timestamp_epoch >= ? AND timestamp_epoch <= ?
		ORDER BY timestamp_epoch DESC`,
		userID, t0.Unix(), t1.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ForEachUser streams every record of one user, soft-deleted included.
func (w *Warm) ForEachUser(userID string, fn func(*types.Record) bool) error {
	rows, err := w.db.Query(`SELECT doc FROM warm_records WHERE user_id = ?`, userID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return err
		}
		var rec types.Record
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			continue
		}
		if !fn(&rec) {
			return nil
		}
	}
	return rows.Err()
}

// RecentTags returns the distinct tags over the user's records in the last
// days. Feeds the novelty factor's history comparator.
func (w *Warm) RecentTags(userID string, days int) ([]string, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	rows, err := w.db.Query(`
		SELECT tags FROM warm_index
		WHERE user_id = ? AND deleted = 0 AND timestamp_epoch >= ?`,
		userID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []string
	for rows.Next() {
		var tags string
		if err := rows.Scan(&tags); err != nil {
			return nil, err
		}
		for _, t := range splitTags(tags) {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out, rows.Err()
}

// SourceCounts returns how many live records each source contributed for one
// user. Feeds source preference learning.
func (w *Warm) SourceCounts(userID string) (map[string]int, error) {
	rows, err := w.db.Query(`
		SELECT source, COUNT(*) FROM warm_index
		WHERE user_id = ? AND deleted = 0
		GROUP BY source`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, err
		}
		out[source] = n
	}
	return out, rows.Err()
}

// Count returns the number of stored records (soft-deleted included).
func (w *Warm) Count() (int, error) {
	var n int
	err := w.db.QueryRow(`SELECT COUNT(*) FROM warm_records`).Scan(&n)
	return n, err
}

// IDsOlderThan returns ids of live records whose event time is before the
// cutoff. The migration pass uses it to find demotion candidates.
func (w *Warm) IDsOlderThan(cutoff time.Time) ([]string, error) {
	rows, err := w.db.Query(`
		SELECT id FROM warm_index WHERE timestamp_epoch < ? AND deleted = 0`,
		cutoff.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// buildFilterQuery translates a Filter into SQL over warm_index. Tag matching
// is LIKE-based over the comma-joined tag list; comma fencing keeps "go"
// from matching "golang".
func buildFilterQuery(f *types.Filter, column string) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(column)
	sb.WriteString(" FROM warm_index WHERE deleted = 0")

	var args []interface{}
	if f.UserID != "" {
		sb.WriteString(" AND user_id = ?")
		args = append(args, f.UserID)
	}
	if f.MinInfluence > 0 {
		sb.WriteString(" AND influence >= ?")
		args = append(args, f.MinInfluence)
	}
	if len(f.Sources) > 0 {
		sb.WriteString(" AND source IN (?" + strings.Repeat(",?", len(f.Sources)-1) + ")")
		for _, s := range f.Sources {
			args = append(args, s)
		}
	}
	// Address is not an index column; callers post-filter by document.
	if f.TimeRange != nil {
		if !f.TimeRange.Start.IsZero() {
			sb.WriteString(" AND timestamp_epoch >= ?")
			args = append(args, f.TimeRange.Start.Unix())
		}
		if !f.TimeRange.End.IsZero() {
			sb.WriteString(" AND timestamp_epoch <= ?")
			args = append(args, f.TimeRange.End.Unix())
		}
	}
	if len(f.Tags) > 0 {
		sb.WriteString(" AND (")
		for i, tag := range f.Tags {
			if i > 0 {
				sb.WriteString(" OR ")
			}
			sb.WriteString("tags LIKE ?")
			args = append(args, "%,"+tag+",%")
		}
		sb.WriteString(")")
	}

	sb.WriteString(" ORDER BY influence DESC, timestamp_epoch DESC")
	if f.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}
	return sb.String(), args
}

// joinTags fences the tag list with commas so LIKE matches whole tags only.
func joinTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return "," + strings.Join(tags, ",") + ","
}

func splitTags(joined string) []string {
	trimmed := strings.Trim(joined, ",")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, ",")
}
