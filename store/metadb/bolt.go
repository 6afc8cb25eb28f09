package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	contentdrop "github.com/wolfeidau/content-drop"
	"go.etcd.io/bbolt"
)

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}
	if err := b.backfillLocations(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketRecordsByHash, bucketRecordsByCreated, bucketRecordsByLoc} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// backfillLocations fills an empty location index from existing records.
func (b *BoltDB) backfillLocations() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		byLoc := tx.Bucket(bucketRecordsByLoc)
		if k, _ := byLoc.Cursor().First(); k != nil {
			return nil
		}
		var n int
		err := tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec contentdrop.ContentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			n++
			return byLoc.Put([]byte(rec.Location), append([]byte(nil), k...))
		})
		if err != nil {
			return fmt.Errorf("backfilling location index: %w", err)
		}
		if n > 0 {
			b.logger.Info("backfilled location index", "records", n)
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	return b.db.Close()
}

// Insert stores a new record unless its hash is already present.
func (b *BoltDB) Insert(_ context.Context, rec *contentdrop.ContentRecord) (*contentdrop.ContentRecord, error) {
	if rec == nil || rec.Hash.IsZero() {
		return nil, fmt.Errorf("inserting record: missing content hash")
	}
	if !rec.TTL.Valid() {
		return nil, fmt.Errorf("inserting record: invalid ttl class %d", rec.TTL)
	}

	stored := *rec
	err := b.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		byHash := tx.Bucket(bucketRecordsByHash)
		byCreated := tx.Bucket(bucketRecordsByCreated)
		byLoc := tx.Bucket(bucketRecordsByLoc)

		if byHash.Get(stored.Hash[:]) != nil {
			return ErrDuplicateHash
		}
		if byLoc.Get([]byte(stored.Location)) != nil {
			return ErrLocationTaken
		}

		id, err := records.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating id: %w", err)
		}
		stored.ID = id

		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}

		idKey := encodeID(id)
		if err := records.Put(idKey, data); err != nil {
			return fmt.Errorf("putting record: %w", err)
		}
		if err := byHash.Put(stored.Hash[:], idKey); err != nil {
			return fmt.Errorf("putting hash index: %w", err)
		}
		if err := byCreated.Put(makeCreatedKey(stored.TTL, stored.CreatedAt, id), nil); err != nil {
			return fmt.Errorf("putting created index: %w", err)
		}
		if err := byLoc.Put([]byte(stored.Location), idKey); err != nil {
			return fmt.Errorf("putting location index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetByHash retrieves a record by content hash.
func (b *BoltDB) GetByHash(_ context.Context, hash contentdrop.Hash) (*contentdrop.ContentRecord, error) {
	var rec *contentdrop.ContentRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		idKey := tx.Bucket(bucketRecordsByHash).Get(hash[:])
		if idKey == nil {
			return ErrNotFound
		}
		var err error
		rec, err = getRecord(tx, idKey)
		return err
	})
	return rec, err
}

// GetByID retrieves a record by id.
func (b *BoltDB) GetByID(_ context.Context, id uint64) (*contentdrop.ContentRecord, error) {
	var rec *contentdrop.ContentRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, encodeID(id))
		return err
	})
	return rec, err
}

func getRecord(tx *bbolt.Tx, idKey []byte) (*contentdrop.ContentRecord, error) {
	val := tx.Bucket(bucketRecords).Get(idKey)
	if val == nil {
		return nil, ErrNotFound
	}
	var rec contentdrop.ContentRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling record %d: %w", decodeID(idKey), err)
	}
	return &rec, nil
}

// ListCreatedBefore returns records of one ttl class created at or before the
// given instant, oldest first.
func (b *BoltDB) ListCreatedBefore(_ context.Context, ttl contentdrop.TTLClass, before time.Time, limit int) ([]*contentdrop.ContentRecord, error) {
	var recs []*contentdrop.ContentRecord
	prefix := []byte{byte(ttl)}
	beforeTs := encodeTimestamp(before)

	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketRecordsByCreated).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			// Keys within a class are sorted by timestamp, so stop when we pass the cutoff
			if bytes.Compare(k[1:9], beforeTs) > 0 {
				break
			}
			if limit > 0 && len(recs) >= limit {
				break
			}

			_, _, id := parseCreatedKey(k)
			rec, err := getRecord(tx, encodeID(id))
			if err != nil {
				b.logger.Warn("created index references missing record", "id", id, "error", err)
				continue
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

// Delete removes a record and its index entries.
func (b *BoltDB) Delete(_ context.Context, id uint64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		idKey := encodeID(id)
		rec, err := getRecord(tx, idKey)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := tx.Bucket(bucketRecordsByHash).Delete(rec.Hash[:]); err != nil {
			return fmt.Errorf("deleting hash index: %w", err)
		}
		if err := tx.Bucket(bucketRecordsByCreated).Delete(makeCreatedKey(rec.TTL, rec.CreatedAt, id)); err != nil {
			return fmt.Errorf("deleting created index: %w", err)
		}
		byLoc := tx.Bucket(bucketRecordsByLoc)
		if owner := byLoc.Get([]byte(rec.Location)); owner != nil && decodeID(owner) == id {
			if err := byLoc.Delete([]byte(rec.Location)); err != nil {
				return fmt.Errorf("deleting location index: %w", err)
			}
		}
		return tx.Bucket(bucketRecords).Delete(idKey)
	})
}

// ForEach iterates all records in ID order inside a single read transaction.
func (b *BoltDB) ForEach(ctx context.Context, fn func(*contentdrop.ContentRecord) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec contentdrop.ContentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				b.logger.Warn("skipping unreadable record", "id", decodeID(k), "error", err)
				return nil
			}
			return fn(&rec)
		})
	})
}

// Stats returns record counts and byte totals per ttl class.
func (b *BoltDB) Stats(ctx context.Context) (*Stats, error) {
	stats := newStats()
	err := b.ForEach(ctx, func(rec *contentdrop.ContentRecord) error {
		stats.add(rec.TTL, 1, rec.Size)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Compile-time interface check
var _ MetaDB = (*BoltDB)(nil)
