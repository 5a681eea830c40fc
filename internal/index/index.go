// Package index maintains the retrieval indexes over enriched records and
// answers multi-strategy searches. Two strategies are backed by the index
// database (semantic vectors and full-text tokens); the other two
// (high-influence, recent) ride the tiered store's own composite indexes.
// Candidates from all strategies are fused into a single relevance ranking.
package index

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"engram/internal/logging"
	"engram/internal/types"
)

// Options configures the index database.
type Options struct {
	Path string // index database file; ":memory:" for tests

	// Dimensions of the embedding space; vec0 tables are declared with a
	// fixed width, so this must match the embedding engine in use.
	Dims int

	EnableVector   bool
	EnableFulltext bool
}

// Index owns the vector and full-text indexes. All methods are safe for
// concurrent use; sqlite serializes writers behind a single connection.
type Index struct {
	db   *sql.DB
	path string
	dims int

	vectorEnabled   atomic.Bool
	fulltextEnabled atomic.Bool

	// vectorExt reports whether the sqlite-vec extension was detected at
	// startup. When false, semantic search falls back to a full scan with
	// cosine similarity computed in Go.
	vectorExt bool
}

// New opens (or creates) the index database at opts.Path.
func New(opts Options) (*Index, error) {
	timer := logging.StartTimer(logging.CategoryIndex, "index.New")
	defer timer.Stop()

	if opts.Dims <= 0 {
		opts.Dims = 256
	}
	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.IndexDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.IndexDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}

	ix := &Index{db: db, path: opts.Path, dims: opts.Dims}
	ix.vectorEnabled.Store(opts.EnableVector)
	ix.fulltextEnabled.Store(opts.EnableFulltext)

	if err := ix.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	ix.detectVecExtension()
	if ix.vectorExt {
		if err := ix.initVecTable(); err != nil {
			logging.IndexWarn("vec0 table creation failed, using full-scan cosine: %v", err)
			ix.vectorExt = false
		} else {
			logging.Index("sqlite-vec extension detected, ANN search enabled (dims=%d)", ix.dims)
		}
	} else {
		logging.Index("sqlite-vec extension not available, semantic search uses full-scan cosine")
	}

	logging.Index("Index ready at %s (vector=%v, fulltext=%v)", opts.Path, opts.EnableVector, opts.EnableFulltext)
	return ix, nil
}

func (ix *Index) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS index_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		highlight TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		timestamp_epoch INTEGER NOT NULL,
		embedding TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_entries_user ON index_entries(user_id);
	CREATE INDEX IF NOT EXISTS idx_entries_user_ts ON index_entries(user_id, timestamp_epoch DESC);
	`
	if _, err := ix.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize index schema: %w", err)
	}
	return nil
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available in this build.
func (ix *Index) detectVecExtension() {
	if _, err := ix.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		ix.vectorExt = true
		_, _ = ix.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	ix.vectorExt = false
}

func (ix *Index) initVecTable() error {
	stmt := fmt.Sprintf(`
	CREATE VIRTUAL TABLE IF NOT EXISTS vec_entries USING vec0(
		embedding float[%d],
		record_id TEXT,
		user_id TEXT
	);
	`, ix.dims)
	_, err := ix.db.Exec(stmt)
	return err
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Tune flips strategy switches at runtime. Disabling a strategy does not
// drop its data; re-enabling picks up where indexing left off.
func (ix *Index) Tune(enableVector, enableFulltext bool) {
	ix.vectorEnabled.Store(enableVector)
	ix.fulltextEnabled.Store(enableFulltext)
	logging.Index("index strategies tuned: vector=%v fulltext=%v", enableVector, enableFulltext)
}

// VectorEnabled reports whether semantic search is currently switched on.
func (ix *Index) VectorEnabled() bool { return ix.vectorEnabled.Load() }

// FulltextEnabled reports whether full-text search is currently switched on.
func (ix *Index) FulltextEnabled() bool { return ix.fulltextEnabled.Load() }

// IndexRecord upserts a record into the vector and full-text indexes.
// Soft-deleted records are removed instead so they never surface in search.
func (ix *Index) IndexRecord(rec *types.Record, userID string) error {
	if rec == nil || rec.ID == "" {
		return &types.ValidationError{Field: "id", Reason: "record missing id"}
	}
	if userID == "" {
		userID = rec.UserID
	}
	if rec.Deleted {
		return ix.RemoveRecord(rec.ID)
	}

	var embJSON interface{}
	if len(rec.Embedding) > 0 {
		b, err := json.Marshal(rec.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding for %s: %w", rec.ID, err)
		}
		embJSON = string(b)
	}

	_, err := ix.db.Exec(`
		INSERT INTO index_entries (id, user_id, highlight, note, timestamp_epoch, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			highlight = excluded.highlight,
			note = excluded.note,
			timestamp_epoch = excluded.timestamp_epoch,
			embedding = excluded.embedding
	`, rec.ID, userID, rec.Highlight, rec.Note, rec.Timestamp.Unix(), embJSON)
	if err != nil {
		return fmt.Errorf("failed to index record %s: %v: %w", rec.ID, err, types.ErrIndexUnavailable)
	}

	if ix.vectorExt && len(rec.Embedding) > 0 && len(rec.Embedding) == ix.dims {
		if err := ix.upsertVecEntry(rec.ID, userID, rec.Embedding); err != nil {
			// The JSON copy in index_entries still serves the fallback scan.
			logging.IndexWarn("vec0 upsert failed for %s: %v", rec.ID, err)
		}
	}
	return nil
}

// upsertVecEntry replaces the vec0 row for a record. vec0 tables have no
// ON CONFLICT support, so this is a delete-then-insert.
func (ix *Index) upsertVecEntry(id, userID string, emb []float32) error {
	if _, err := ix.db.Exec("DELETE FROM vec_entries WHERE record_id = ?", id); err != nil {
		return err
	}
	_, err := ix.db.Exec(
		"INSERT INTO vec_entries (embedding, record_id, user_id) VALUES (?, ?, ?)",
		encodeFloat32Blob(emb), id, userID,
	)
	return err
}

// RemoveRecord drops a record from every index. Missing ids are a no-op.
func (ix *Index) RemoveRecord(id string) error {
	if _, err := ix.db.Exec("DELETE FROM index_entries WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to remove %s from index: %v: %w", id, err, types.ErrIndexUnavailable)
	}
	if ix.vectorExt {
		if _, err := ix.db.Exec("DELETE FROM vec_entries WHERE record_id = ?", id); err != nil {
			logging.IndexWarn("vec0 delete failed for %s: %v", id, err)
		}
	}
	return nil
}

// Count returns the number of indexed records.
func (ix *Index) Count() (int, error) {
	var n int
	if err := ix.db.QueryRow("SELECT COUNT(*) FROM index_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count index entries: %w", err)
	}
	return n, nil
}

// encodeFloat32Blob encodes a float32 slice as the little-endian binary blob
// sqlite-vec expects.
func encodeFloat32Blob(vec []float32) []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil
	}
	return buf.Bytes()
}

func decodeEmbeddingJSON(raw sql.NullString) []float32 {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var emb []float32
	if err := json.Unmarshal([]byte(raw.String), &emb); err != nil {
		return nil
	}
	return emb
}

// tokenize lowercases and splits text on non-alphanumeric runes, dropping
// single-character fragments.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
