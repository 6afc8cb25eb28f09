package metadb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	contentdrop "github.com/wolfeidau/content-drop"
	"go.etcd.io/bbolt"
)

func newTestBoltDB(t *testing.T, opts ...BoltDBOption) *BoltDB {
	t.Helper()
	db := NewBoltDB(append([]BoltDBOption{WithNoSync(true)}, opts...)...)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, db.Open(dbPath))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBoltDB(t *testing.T) {
	runMetaDBTests(t, func(t *testing.T) MetaDB {
		return newTestBoltDB(t)
	})
}

// countBucketEntries counts the number of entries in a bucket.
func countBucketEntries(tx *bbolt.Tx, bucket []byte) int {
	b := tx.Bucket(bucket)
	if b == nil {
		return 0
	}
	return b.Stats().KeyN
}

func TestBoltDB_DeleteLeavesNoIndexEntries(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	a, err := db.Insert(ctx, newRecord("a", contentdrop.OneDay, baseTime))
	require.NoError(t, err)
	_, err = db.Insert(ctx, newRecord("b", contentdrop.OneWeek, baseTime))
	require.NoError(t, err)

	require.NoError(t, db.Delete(ctx, a.ID))

	err = db.db.View(func(tx *bbolt.Tx) error {
		assert.Equal(t, 1, countBucketEntries(tx, bucketRecords))
		assert.Equal(t, 1, countBucketEntries(tx, bucketRecordsByHash))
		assert.Equal(t, 1, countBucketEntries(tx, bucketRecordsByCreated))
		assert.Equal(t, 1, countBucketEntries(tx, bucketRecordsByLoc))
		return nil
	})
	require.NoError(t, err)
}

func TestBoltDB_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "meta.db")

	db := NewBoltDB()
	require.NoError(t, db.Open(dbPath))
	stored, err := db.Insert(ctx, newRecord("durable", contentdrop.OneMonth, baseTime))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db = NewBoltDB()
	require.NoError(t, db.Open(dbPath))
	t.Cleanup(func() { _ = db.Close() })

	got, err := db.GetByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "durable.txt", got.FileName)

	// Sequence continues after reopen
	next, err := db.Insert(ctx, newRecord("next", contentdrop.OneMonth, baseTime))
	require.NoError(t, err)
	assert.Greater(t, next.ID, stored.ID)
}

func TestBoltDB_InsertValidation(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	_, err := db.Insert(ctx, &contentdrop.ContentRecord{TTL: contentdrop.OneDay})
	require.Error(t, err)

	rec := newRecord("bad", contentdrop.TTLClass(0), baseTime)
	_, err = db.Insert(ctx, rec)
	require.Error(t, err)
}

func TestBoltDB_ForEachStopsOnError(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	for _, c := range []string{"1", "2", "3"} {
		_, err := db.Insert(ctx, newRecord(c, contentdrop.OneDay, baseTime))
		require.NoError(t, err)
	}

	visited := 0
	err := db.ForEach(ctx, func(*contentdrop.ContentRecord) error {
		visited++
		if visited == 2 {
			return context.Canceled
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, visited)
}

func TestBoltDB_OpenBackfillsLocationIndex(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "meta.db")

	db := NewBoltDB(WithNoSync(true))
	require.NoError(t, db.Open(dbPath))
	held, err := db.Insert(ctx, newRecord("held", contentdrop.OneDay, baseTime))
	require.NoError(t, err)

	// A store written before locations were indexed
	require.NoError(t, db.db.Update(func(tx *bbolt.Tx) error {
		return tx.DeleteBucket(bucketRecordsByLoc)
	}))
	require.NoError(t, db.Close())

	db = NewBoltDB(WithNoSync(true))
	require.NoError(t, db.Open(dbPath))
	t.Cleanup(func() { _ = db.Close() })

	clash := newRecord("other", contentdrop.OneDay, baseTime)
	clash.Location = held.Location
	_, err = db.Insert(ctx, clash)
	require.ErrorIs(t, err, ErrLocationTaken)
}
