// Package store implements the tiered record store: a bbolt-backed hot tier
// for low-latency access to recent high-influence records, a SQLite warm tier
// with composite indexes, and gzip-sharded cold storage grouped by user and
// date. The Tiered facade routes writes by influence and age, probes tiers in
// order on reads, and runs the migration pass that demotes aging records.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"engram/internal/logging"
	"engram/internal/types"
)

// Bucket layout. Document bodies live in bucketDocs; the rest are ordered
// index buckets emulating sorted sets: keys are big-endian score prefixes
// followed by the record id, so cursor order is score order.
var (
	bucketDocs    = []byte("docs")     // id -> record JSON
	bucketExpiry  = []byte("expiry")   // id -> stored-at unix nanos
	bucketByInfl  = []byte("infl")     // global: score|id -> user_id (eviction order)
	bucketByUser  = []byte("user")     // nested per user: score|id -> nil
	bucketByTag   = []byte("tag")      // nested per tag: score|id -> user_id
	bucketByTime  = []byte("timeline") // nested per user: ts|id -> nil
)

// Hot is the bbolt-backed hot tier. All mutations run inside bolt
// transactions, so concurrent readers see consistent index state.
type Hot struct {
	db   *bolt.DB
	path string
}

// NewHot opens (or creates) the hot tier at path.
func NewHot(path string) (*Hot, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewHot")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create hot tier directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open hot tier: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDocs, bucketExpiry, bucketByInfl, bucketByUser, bucketByTag, bucketByTime} {
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

	logging.Store("Hot tier ready at %s", path)
	return &Hot{db: db, path: path}, nil
}

// Close closes the underlying database.
func (h *Hot) Close() error {
	return h.db.Close()
}

// Put stores a record and refreshes every index entry for it. Re-putting the
// same id replaces the previous version, index entries included.
func (h *Hot) Put(rec *types.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.ID, err)
	}

	return h.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocs)

		// Drop stale index entries when overwriting.
		if old := docs.Get([]byte(rec.ID)); old != nil {
			var prev types.Record
			if err := json.Unmarshal(old, &prev); err == nil {
				if err := removeIndexEntries(tx, &prev); err != nil {
					return err
				}
			}
		}

		if err := docs.Put([]byte(rec.ID), doc); err != nil {
			return err
		}

		var storedAt [8]byte
		binary.BigEndian.PutUint64(storedAt[:], uint64(time.Now().UnixNano()))
		if err := tx.Bucket(bucketExpiry).Put([]byte(rec.ID), storedAt[:]); err != nil {
			return err
		}

		return addIndexEntries(tx, rec)
	})
}

// Get returns the record by id, soft-deleted versions included; tier routing
// above decides visibility.
func (h *Hot) Get(id string) (*types.Record, error) {
	var rec *types.Record
	err := h.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDocs).Get([]byte(id))
		if data == nil {
			return types.ErrNotFound
		}
		rec = &types.Record{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a record and all of its index entries. Missing ids are not
// an error; deletion is idempotent.
func (h *Hot) Delete(id string) error {
	return h.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocs)
		data := docs.Get([]byte(id))
		if data == nil {
			return nil
		}
		var rec types.Record
		if err := json.Unmarshal(data, &rec); err == nil {
			if err := removeIndexEntries(tx, &rec); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketExpiry).Delete([]byte(id)); err != nil {
			return err
		}
		return docs.Delete([]byte(id))
	})
}

// ListUserByInfluence returns the user's records ordered by influence
// descending, capped at limit. Soft-deleted records are skipped.
func (h *Hot) ListUserByInfluence(userID string, limit int) ([]*types.Record, error) {
	var out []*types.Record
	err := h.db.View(func(tx *bolt.Tx) error {
		userBucket := tx.Bucket(bucketByUser).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		docs := tx.Bucket(bucketDocs)
		c := userBucket.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			rec, err := decodeIndexedDoc(docs, k)
			if err != nil || rec == nil || rec.Deleted {
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// ListByTag returns records carrying the tag ordered by influence descending.
// userID narrows to one owner; empty matches every owner.
func (h *Hot) ListByTag(tag, userID string, limit int) ([]*types.Record, error) {
	var out []*types.Record
	err := h.db.View(func(tx *bolt.Tx) error {
		tagBucket := tx.Bucket(bucketByTag).Bucket([]byte(tag))
		if tagBucket == nil {
			return nil
		}
		docs := tx.Bucket(bucketDocs)
		c := tagBucket.Cursor()
		for k, owner := c.Last(); k != nil; k, owner = c.Prev() {
			if userID != "" && string(owner) != userID {
				continue
			}
			rec, err := decodeIndexedDoc(docs, k)
			if err != nil || rec == nil || rec.Deleted {
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// ListUserTimeline returns the user's records within the time range, newest
// first.
func (h *Hot) ListUserTimeline(userID string, tr types.TimeRange, limit int) ([]*types.Record, error) {
	var out []*types.Record
	err := h.db.View(func(tx *bolt.Tx) error {
		timeBucket := tx.Bucket(bucketByTime).Bucket([]byte(userID))
		if timeBucket == nil {
			return nil
		}
		docs := tx.Bucket(bucketDocs)
		c := timeBucket.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			ts := time.Unix(0, int64(binary.BigEndian.Uint64(k[:8])))
			if !tr.Contains(ts) {
				// Keys are time-ordered: once we pass below Start, stop.
				if !tr.Start.IsZero() && ts.Before(tr.Start) {
					return nil
				}
				continue
			}
			rec, err := decodeIndexedDoc(docs, k)
			if err != nil || rec == nil || rec.Deleted {
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// ForEachUser streams every record of one user, soft-deleted included. The
// callback returns false to stop early.
func (h *Hot) ForEachUser(userID string, fn func(*types.Record) bool) error {
	return h.db.View(func(tx *bolt.Tx) error {
		userBucket := tx.Bucket(bucketByUser).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		docs := tx.Bucket(bucketDocs)
		c := userBucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			rec, err := decodeIndexedDoc(docs, k)
			if err != nil || rec == nil {
				continue
			}
			if !fn(rec) {
				return nil
			}
		}
		return nil
	})
}

// ForEach streams every record in the tier.
func (h *Hot) ForEach(fn func(*types.Record) bool) error {
	return h.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocs).ForEach(func(_, v []byte) error {
			var rec types.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if !fn(&rec) {
				return errStopIteration
			}
			return nil
		})
	})
}

var errStopIteration = fmt.Errorf("stop iteration")

// ExpiredSince returns records whose hot residency exceeded the TTL. Read
// only: the migration pass writes each record to its new tier before calling
// Delete, so records never vanish mid-move.
func (h *Hot) ExpiredSince(now time.Time, ttl time.Duration) ([]*types.Record, error) {
	var expired []*types.Record
	err := h.db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocs)
		cutoff := now.Add(-ttl).UnixNano()

		return tx.Bucket(bucketExpiry).ForEach(func(k, v []byte) error {
			if int64(binary.BigEndian.Uint64(v)) >= cutoff {
				return nil
			}
			data := docs.Get(k)
			if data == nil {
				return nil
			}
			var rec types.Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return nil
			}
			expired = append(expired, &rec)
			return nil
		})
	})
	return expired, err
}

// OverCapacityVictims returns the lowest-influence records that must leave to
// bring the tier back under capacity. Read only, same contract as
// ExpiredSince.
func (h *Hot) OverCapacityVictims(capacity int) ([]*types.Record, error) {
	if capacity <= 0 {
		return nil, nil
	}
	var victims []*types.Record
	err := h.db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocs)
		over := docs.Stats().KeyN - capacity
		if over <= 0 {
			return nil
		}

		c := tx.Bucket(bucketByInfl).Cursor()
		for k, _ := c.First(); k != nil && len(victims) < over; k, _ = c.Next() {
			rec, err := decodeIndexedDoc(docs, k)
			if err != nil || rec == nil {
				continue
			}
			victims = append(victims, rec)
		}
		return nil
	})
	return victims, err
}

// Count returns the number of resident records.
func (h *Hot) Count() (int, error) {
	n := 0
	err := h.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketDocs).Stats().KeyN
		return nil
	})
	return n, err
}

// =============================================================================
// INDEX KEY ENCODING
// =============================================================================

// scoreKey builds score|id with the score as big-endian so byte order equals
// numeric order. Influence is clamped to [0,1] before scaling.
func scoreKey(score float64, id string) []byte {
	scaled := uint64(math.Max(0, math.Min(1, score)) * 1e9)
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key[:8], scaled)
	copy(key[8:], id)
	return key
}

// timeKey builds ts|id for timeline ordering.
func timeKey(ts time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key[:8], uint64(ts.UnixNano()))
	copy(key[8:], id)
	return key
}

func decodeIndexedDoc(docs *bolt.Bucket, indexKey []byte) (*types.Record, error) {
	if len(indexKey) <= 8 {
		return nil, nil
	}
	data := docs.Get(indexKey[8:])
	if data == nil {
		return nil, nil
	}
	var rec types.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func addIndexEntries(tx *bolt.Tx, rec *types.Record) error {
	infKey := scoreKey(rec.Influence, rec.ID)

	if err := tx.Bucket(bucketByInfl).Put(infKey, []byte(rec.UserID)); err != nil {
		return err
	}

	userBucket, err := tx.Bucket(bucketByUser).CreateBucketIfNotExists([]byte(rec.UserID))
	if err != nil {
		return err
	}
	if err := userBucket.Put(infKey, nil); err != nil {
		return err
	}

	for _, tag := range rec.AllTags() {
		tagBucket, err := tx.Bucket(bucketByTag).CreateBucketIfNotExists([]byte(tag))
		if err != nil {
			return err
		}
		if err := tagBucket.Put(infKey, []byte(rec.UserID)); err != nil {
			return err
		}
	}

	timeBucket, err := tx.Bucket(bucketByTime).CreateBucketIfNotExists([]byte(rec.UserID))
	if err != nil {
		return err
	}
	return timeBucket.Put(timeKey(rec.Timestamp, rec.ID), nil)
}

func removeIndexEntries(tx *bolt.Tx, rec *types.Record) error {
	infKey := scoreKey(rec.Influence, rec.ID)

	if err := tx.Bucket(bucketByInfl).Delete(infKey); err != nil {
		return err
	}

	if userBucket := tx.Bucket(bucketByUser).Bucket([]byte(rec.UserID)); userBucket != nil {
		if err := userBucket.Delete(infKey); err != nil {
			return err
		}
	}

	for _, tag := range rec.AllTags() {
		if tagBucket := tx.Bucket(bucketByTag).Bucket([]byte(tag)); tagBucket != nil {
			if err := tagBucket.Delete(infKey); err != nil {
				return err
			}
		}
	}

	if timeBucket := tx.Bucket(bucketByTime).Bucket([]byte(rec.UserID)); timeBucket != nil {
		return timeBucket.Delete(timeKey(rec.Timestamp, rec.ID))
	}
	return nil
}

