package expiryindex

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// bbolt bucket names.
var (
	bucketQueue    = []byte("expiry_queue")    // timestamp+id -> nil
	bucketByID     = []byte("expiry_by_id")    // id -> timestamp (reverse index for O(1) delete)
	bucketInFlight = []byte("expiry_inflight") // id -> timestamp (popped, not yet acked)
)

const queueKeyLen = 16

// BoltIndex implements Index on its own bbolt database file.
// Queue keys start with a fixed-width big-endian timestamp so cursor order
// equals expiration order.
type BoltIndex struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
}

// Option configures a BoltIndex.
type Option func(*BoltIndex)

// WithLogger sets the logger for the index.
func WithLogger(logger *slog.Logger) Option {
	return func(b *BoltIndex) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) Option {
	return func(b *BoltIndex) {
		b.noSync = noSync
	}
}

// NewBoltIndex creates an unopened index.
func NewBoltIndex(opts ...Option) *BoltIndex {
	b := &BoltIndex{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the index database at path.
func (b *BoltIndex) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening expiry index: %w", err)
	}
	b.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketQueue, bucketByID, bucketInFlight} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened expiry index", "path", path)
	return nil
}

// Close closes the index database.
func (b *BoltIndex) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Insert schedules id at expiresAt.
func (b *BoltIndex) Insert(_ context.Context, id uint64, expiresAt time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := txRemove(tx, id); err != nil {
			return err
		}
		return txEnqueue(tx, id, encodeTimestamp(expiresAt))
	})
}

// PopDue moves due entries from the queue to in-flight in one transaction.
func (b *BoltIndex) PopDue(_ context.Context, now time.Time, limit int) ([]Entry, error) {
	var entries []Entry
	nowTs := encodeTimestamp(now)

	err := b.db.Update(func(tx *bbolt.Tx) error {
		queue := tx.Bucket(bucketQueue)
		byID := tx.Bucket(bucketByID)
		inFlight := tx.Bucket(bucketInFlight)

		// Collect first, deleting while iterating would invalidate the cursor.
		var keys [][]byte
		c := queue.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if compareTimestamp(k[:8], nowTs) > 0 {
				break
			}
			if limit > 0 && len(keys) >= limit {
				break
			}
			key := make([]byte, len(k))
			copy(key, k)
			keys = append(keys, key)
		}

		for _, key := range keys {
			ts, idKey := key[:8], key[8:]
			if err := queue.Delete(key); err != nil {
				return err
			}
			if err := byID.Delete(idKey); err != nil {
				return err
			}
			if err := inFlight.Put(idKey, ts); err != nil {
				return err
			}
			entries = append(entries, Entry{ID: decodeID(idKey), ExpiresAt: decodeTimestamp(ts)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("popping due entries: %w", err)
	}
	return entries, nil
}

// Ack forgets in-flight entries.
func (b *BoltIndex) Ack(_ context.Context, ids ...uint64) error {
	if len(ids) == 0 {
		return nil
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		inFlight := tx.Bucket(bucketInFlight)
		for _, id := range ids {
			if err := inFlight.Delete(encodeID(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Release returns in-flight entries to the queue. Ids that are not in-flight
// are ignored.
func (b *BoltIndex) Release(_ context.Context, ids ...uint64) error {
	if len(ids) == 0 {
		return nil
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			if err := txRelease(tx, encodeID(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recover releases every in-flight entry.
func (b *BoltIndex) Recover(_ context.Context) (int, error) {
	var n int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var ids [][]byte
		err := tx.Bucket(bucketInFlight).ForEach(func(k, _ []byte) error {
			key := make([]byte, len(k))
			copy(key, k)
			ids = append(ids, key)
			return nil
		})
		if err != nil {
			return err
		}
		for _, idKey := range ids {
			if err := txRelease(tx, idKey); err != nil {
				return err
			}
		}
		n = len(ids)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recovering in-flight entries: %w", err)
	}
	if n > 0 {
		b.logger.Info("re-queued in-flight expiry entries", "count", n)
	}
	return n, nil
}

// Delete removes id from the index.
func (b *BoltIndex) Delete(_ context.Context, id uint64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return txRemove(tx, id)
	})
}

// Has reports whether id is queued or in-flight.
func (b *BoltIndex) Has(_ context.Context, id uint64) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		idKey := encodeID(id)
		found = tx.Bucket(bucketByID).Get(idKey) != nil || tx.Bucket(bucketInFlight).Get(idKey) != nil
		return nil
	})
	return found, err
}

// Len returns the number of queued entries.
func (b *BoltIndex) Len(_ context.Context) (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketQueue).Stats().KeyN
		return nil
	})
	return n, err
}

// InFlight returns the number of popped entries awaiting Ack or Release.
func (b *BoltIndex) InFlight(_ context.Context) (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketInFlight).Stats().KeyN
		return nil
	})
	return n, err
}

// --- internal helpers ---

// txEnqueue writes the forward and reverse entries for id.
// Must be called inside a bbolt Update transaction.
func txEnqueue(tx *bbolt.Tx, id uint64, ts []byte) error {
	idKey := encodeID(id)
	if err := tx.Bucket(bucketQueue).Put(makeQueueKey(ts, idKey), nil); err != nil {
		return fmt.Errorf("putting queue entry: %w", err)
	}
	if err := tx.Bucket(bucketByID).Put(idKey, ts); err != nil {
		return fmt.Errorf("putting reverse entry: %w", err)
	}
	return nil
}

// txRemove deletes every trace of id, queued or in-flight.
func txRemove(tx *bbolt.Tx, id uint64) error {
	idKey := encodeID(id)
	byID := tx.Bucket(bucketByID)
	if ts := byID.Get(idKey); ts != nil {
		if err := tx.Bucket(bucketQueue).Delete(makeQueueKey(ts, idKey)); err != nil {
			return fmt.Errorf("deleting queue entry: %w", err)
		}
		if err := byID.Delete(idKey); err != nil {
			return fmt.Errorf("deleting reverse entry: %w", err)
		}
	}
	return tx.Bucket(bucketInFlight).Delete(idKey)
}

// txRelease moves one in-flight entry back into the queue.
func txRelease(tx *bbolt.Tx, idKey []byte) error {
	inFlight := tx.Bucket(bucketInFlight)
	v := inFlight.Get(idKey)
	if v == nil {
		return nil
	}
	ts := make([]byte, len(v))
	copy(ts, v)
	if err := inFlight.Delete(idKey); err != nil {
		return err
	}
	return txEnqueue(tx, decodeID(idKey), ts)
}

// makeQueueKey builds a queue key.
// Format: [8-byte timestamp][8-byte id]
func makeQueueKey(ts, idKey []byte) []byte {
	key := make([]byte, queueKeyLen)
	copy(key[:8], ts)
	copy(key[8:], idKey)
	return key
}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

func decodeTimestamp(b []byte) time.Time {
	ns := int64(binary.BigEndian.Uint64(b[:8])) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

func compareTimestamp(a, b []byte) int {
	ua, ub := binary.BigEndian.Uint64(a), binary.BigEndian.Uint64(b)
	switch {
	case ua < ub:
		return -1
	case ua > ub:
		return 1
	default:
		return 0
	}
}

func encodeID(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func decodeID(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// Compile-time interface check
var _ Index = (*BoltIndex)(nil)
