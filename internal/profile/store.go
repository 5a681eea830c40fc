// Package profile implements the Personal System Prompt: per-user typed
// components synthesized from intents, rebalanced into priorities, and
// rendered into a compact context view. Updates for one user are serialized;
// different users proceed in parallel.
package profile

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"engram/internal/logging"
	"engram/internal/types"
)

// Store persists profile components. It uses the pure-Go sqlite driver so
// profile state never depends on cgo.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the profile database at path.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryProfile, "profile.NewStore")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create profile directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.ProfileDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.ProfileDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Profile("Profile store ready at %s", path)
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profile_components (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		doc TEXT NOT NULL,
		total_attention REAL NOT NULL DEFAULT 0,
		normalized_weight REAL NOT NULL DEFAULT 0,
		priority TEXT NOT NULL DEFAULT 'low',
		archived INTEGER NOT NULL DEFAULT 0,
		updated_epoch INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_profile_user ON profile_components(user_id, archived);
	CREATE INDEX IF NOT EXISTS idx_profile_user_kind ON profile_components(user_id, kind);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize profile schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert writes one component.
func (s *Store) Upsert(comp *types.Component) error {
	return s.upsertTx(s.db, comp)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) upsertTx(ex execer, comp *types.Component) error {
	doc, err := json.Marshal(comp)
	if err != nil {
		return fmt.Errorf("failed to marshal component %s: %w", comp.ID, err)
	}
	archived := 0
	if comp.Archived {
		archived = 1
	}
	_, err = ex.Exec(`
		INSERT INTO profile_components (id, user_id, kind, doc, total_attention, normalized_weight, priority, archived, updated_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			kind = excluded.kind,
			doc = excluded.doc,
			total_attention = excluded.total_attention,
			normalized_weight = excluded.normalized_weight,
			priority = excluded.priority,
			archived = excluded.archived,
			updated_epoch = excluded.updated_epoch
	`, comp.ID, comp.UserID, string(comp.Kind), string(doc),
		comp.TotalAttention, comp.NormalizedWeight, string(comp.Priority), archived,
		comp.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert component %s: %w", comp.ID, err)
	}
	return nil
}

// UpsertAll writes a batch of components in one transaction. A profile
// update's rebalance touches every component, so this is the common path.
func (s *Store) UpsertAll(comps []*types.Component) error {
	if len(comps) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin profile tx: %w", err)
	}
	for _, comp := range comps {
		if err := s.upsertTx(tx, comp); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Get returns one component by id, scoped to its owner.
func (s *Store) Get(id, userID string) (*types.Component, error) {
	var doc string
	err := s.db.QueryRow(
		"SELECT doc FROM profile_components WHERE id = ? AND user_id = ?", id, userID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("component %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read component %s: %w", id, err)
	}
	var comp types.Component
	if err := json.Unmarshal([]byte(doc), &comp); err != nil {
		return nil, fmt.Errorf("failed to decode component %s: %w", id, err)
	}
	return &comp, nil
}

// UserComponents returns a user's components sorted by normalized weight
// descending, then most recently updated.
func (s *Store) UserComponents(userID string, includeArchived bool) ([]*types.Component, error) {
	query := `
		SELECT doc FROM profile_components
		WHERE user_id = ?`
	if !includeArchived {
		query += " AND archived = 0"
	}
	query += " ORDER BY normalized_weight DESC, updated_epoch DESC"

	rows, err := s.db.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query components for %s: %w", userID, err)
	}
	defer rows.Close()

	var comps []*types.Component
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			logging.ProfileWarn("failed to scan component row: %v", err)
			continue
		}
		var comp types.Component
		if err := json.Unmarshal([]byte(doc), &comp); err != nil {
			logging.ProfileWarn("skipping undecodable component: %v", err)
			continue
		}
		comps = append(comps, &comp)
	}
	return comps, rows.Err()
}

// Delete permanently removes a component. User-initiated only; archival is
// the soft path.
func (s *Store) Delete(id, userID string) error {
	res, err := s.db.Exec("DELETE FROM profile_components WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete component %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("component %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// Users returns every user id holding at least one component. Archival
// sweeps iterate this.
func (s *Store) Users() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT user_id FROM profile_components")
	if err != nil {
		return nil, fmt.Errorf("failed to list profile users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			continue
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Count returns the number of live components a user holds.
func (s *Store) Count(userID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM profile_components WHERE user_id = ? AND archived = 0", userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count components for %s: %w", userID, err)
	}
	return n, nil
}

// LastUpdated returns the newest component update time for a user, zero when
// the profile is empty.
func (s *Store) LastUpdated(userID string) (time.Time, error) {
	var epoch sql.NullInt64
	err := s.db.QueryRow(
		"SELECT MAX(updated_epoch) FROM profile_components WHERE user_id = ?", userID,
	).Scan(&epoch)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read profile freshness for %s: %w", userID, err)
	}
	if !epoch.Valid {
		return time.Time{}, nil
	}
	return time.Unix(epoch.Int64, 0), nil
}
