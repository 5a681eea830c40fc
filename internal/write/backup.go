// Package write executes governed mutations against the record corpus.
// Every operation flows through the same gate: validate the request, resolve
// and count the targets, ask the permission layer for an authorization
// decision, snapshot the affected records, mutate, re-derive whatever the
// mutation invalidated, and close out the audit entry with the execution
// result. Dry-run requests stop after authorization and report what would
// have been touched.
package write

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"engram/internal/logging"
	"engram/internal/types"
)

// Bucket layout: snapshot bodies keyed by operation id, plus a taken-at
// bucket so pruning never has to decode JSON.
var (
	bucketSnaps    = []byte("snapshots") // op_id -> snapshot JSON
	bucketSnapTime = []byte("taken_at")  // op_id -> unix nanos
)

// Snapshot preserves the affected records as they were immediately before a
// mutation. Hard deletes refuse to run unless their snapshot landed.
type Snapshot struct {
	OperationID string          `json:"operation_id"`
	UserID      string          `json:"user_id"`
	Op          types.OpType    `json:"op"`
	TakenAt     time.Time       `json:"taken_at"`
	Records     []*types.Record `json:"records"`
}

// BackupStore holds pre-mutation snapshots for a bounded window. Snapshots
// past the retention window read as not found; PruneExpired reclaims them.
type BackupStore struct {
	db        *bolt.DB
	path      string
	retention time.Duration
}

// NewBackupStore opens (or creates) the snapshot store at path.
func NewBackupStore(path string, retention time.Duration) (*BackupStore, error) {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open backup store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSnaps, bucketSnapTime} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logging.Write("Backup store ready at %s (retention %s)", path, retention)
	return &BackupStore{db: db, path: path, retention: retention}, nil
}

// Close closes the underlying database.
func (b *BackupStore) Close() error {
	return b.db.Close()
}

// Retention returns the configured snapshot lifetime.
func (b *BackupStore) Retention() time.Duration {
	return b.retention
}

// Save persists a snapshot keyed by its operation id.
func (b *BackupStore) Save(snap *Snapshot) error {
	if snap.OperationID == "" {
		return &types.ValidationError{Field: "operation_id", Reason: "required"}
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", snap.OperationID, err)
	}

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(snap.TakenAt.UnixNano()))

	err = b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSnaps).Put([]byte(snap.OperationID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketSnapTime).Put([]byte(snap.OperationID), ts[:])
	})
	if err != nil {
		return fmt.Errorf("failed to store snapshot %s: %w", snap.OperationID, err)
	}
	logging.WriteDebug("Snapshot %s saved: %d records for %s", snap.OperationID, len(snap.Records), snap.UserID)
	return nil
}

// Get returns the snapshot for an operation. Snapshots older than the
// retention window are reported as not found.
func (b *BackupStore) Get(operationID string) (*Snapshot, error) {
	var snap *Snapshot
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnaps).Get([]byte(operationID))
		if data == nil {
			return fmt.Errorf("snapshot %s: %w", operationID, types.ErrNotFound)
		}
		var s Snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to decode snapshot %s: %w", operationID, err)
		}
		snap = &s
		return nil
	})
	if err != nil {
		return nil, err
	}
	if time.Since(snap.TakenAt) > b.retention {
		return nil, fmt.Errorf("snapshot %s expired at %s: %w",
			operationID, snap.TakenAt.Add(b.retention).Format(time.RFC3339), types.ErrNotFound)
	}
	return snap, nil
}

// Delete removes a snapshot.
func (b *BackupStore) Delete(operationID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSnaps).Delete([]byte(operationID)); err != nil {
			return err
		}
		return tx.Bucket(bucketSnapTime).Delete([]byte(operationID))
	})
}

// PruneExpired removes snapshots older than the retention window and returns
// how many were reclaimed.
func (b *BackupStore) PruneExpired(now time.Time) (int, error) {
	cutoff := now.Add(-b.retention).UnixNano()
	var expired [][]byte

	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapTime).ForEach(func(k, v []byte) error {
			if len(v) == 8 && int64(binary.BigEndian.Uint64(v)) < cutoff {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan snapshots: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		snaps, times := tx.Bucket(bucketSnaps), tx.Bucket(bucketSnapTime)
		for _, k := range expired {
			if err := snaps.Delete(k); err != nil {
				return err
			}
			if err := times.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	logging.Write("Pruned %d expired snapshots", len(expired))
	return len(expired), nil
}
