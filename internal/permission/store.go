// Package permission gates the governed write path: per-user permission
// profiles, risk scoring over write operations, authorization decisions,
// and an append-only audit log. Every decision is audited before the
// mutation it covers may proceed.
package permission

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"engram/internal/logging"
)

// Store persists permission profiles and the audit log in one governance
// database. Audit appends serialize on a single writer; reads are free.
type Store struct {
	db   *sql.DB
	path string

	// mu serializes audit writes. The audit log is the gate in front of
	// every mutation, so writer contention stays on this one lock instead
	// of sqlite busy retries.
	mu sync.Mutex
}

// NewStore opens (or creates) the governance database at path.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryAudit, "permission.NewStore")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.AuditError("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.AuditError("failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Audit("Governance store ready at %s", path)
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS permission_profiles (
		user_id TEXT PRIMARY KEY,
		doc TEXT NOT NULL,
		updated_epoch INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		log_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		op TEXT NOT NULL,
		risk_level TEXT NOT NULL,
		risk_score REAL NOT NULL DEFAULT 0,
		flags TEXT NOT NULL DEFAULT '[]',
		outcome TEXT NOT NULL,
		affected_count INTEGER NOT NULL DEFAULT 0,
		duration_ms REAL NOT NULL DEFAULT 0,
		source_app TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		intent TEXT NOT NULL DEFAULT '',
		requested_epoch INTEGER NOT NULL,
		executed_epoch INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_audit_user_time ON audit_log(user_id, requested_epoch DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize governance schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}
