package metadb

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	contentdrop "github.com/wolfeidau/content-drop"
)

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newRecord(content string, ttl contentdrop.TTLClass, created time.Time) *contentdrop.ContentRecord {
	return &contentdrop.ContentRecord{
		Hash:        contentdrop.HashBytes([]byte(content)),
		Location:    "files/" + content + ".txt",
		FileName:    content + ".txt",
		ContentType: "text/plain; charset=utf-8",
		Size:        int64(len(content)),
		CreatedAt:   created,
		TTL:         ttl,
	}
}

// runMetaDBTests exercises the MetaDB contract against any implementation.
func runMetaDBTests(t *testing.T, newDB func(t *testing.T) MetaDB) {
	ctx := context.Background()

	t.Run("Insert assigns id and round-trips", func(t *testing.T) {
		db := newDB(t)

		rec := newRecord("hello", contentdrop.OneDay, baseTime)
		rec.OwnerID = "alice"

		stored, err := db.Insert(ctx, rec)
		require.NoError(t, err)
		require.NotZero(t, stored.ID)
		require.Zero(t, rec.ID, "input record must not be mutated")

		byHash, err := db.GetByHash(ctx, rec.Hash)
		require.NoError(t, err)
		assert.Equal(t, stored.ID, byHash.ID)
		assert.Equal(t, rec.Hash, byHash.Hash)
		assert.Equal(t, rec.Location, byHash.Location)
		assert.Equal(t, rec.FileName, byHash.FileName)
		assert.Equal(t, rec.ContentType, byHash.ContentType)
		assert.Equal(t, rec.Size, byHash.Size)
		assert.Equal(t, "alice", byHash.OwnerID)
		assert.True(t, rec.CreatedAt.Equal(byHash.CreatedAt))
		assert.Equal(t, contentdrop.OneDay, byHash.TTL)

		byID, err := db.GetByID(ctx, stored.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.Hash, byID.Hash)
	})

	t.Run("ids are unique and increasing", func(t *testing.T) {
		db := newDB(t)

		a, err := db.Insert(ctx, newRecord("a", contentdrop.OneDay, baseTime))
		require.NoError(t, err)
		b, err := db.Insert(ctx, newRecord("b", contentdrop.OneDay, baseTime))
		require.NoError(t, err)
		assert.Greater(t, b.ID, a.ID)
	})

	t.Run("Insert rejects duplicate hash", func(t *testing.T) {
		db := newDB(t)

		_, err := db.Insert(ctx, newRecord("same", contentdrop.OneDay, baseTime))
		require.NoError(t, err)

		dup := newRecord("same", contentdrop.OneWeek, baseTime.Add(time.Hour))
		dup.Location = "files/other-name.txt"
		_, err = db.Insert(ctx, dup)
		require.ErrorIs(t, err, ErrDuplicateHash)

		stats, err := db.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Records)
	})

	t.Run("Insert rejects a location another record references", func(t *testing.T) {
		db := newDB(t)

		first, err := db.Insert(ctx, newRecord("owner", contentdrop.OneDay, baseTime))
		require.NoError(t, err)

		clash := newRecord("intruder", contentdrop.Permanent, baseTime)
		clash.Location = first.Location
		_, err = db.Insert(ctx, clash)
		require.ErrorIs(t, err, ErrLocationTaken)

		_, err = db.GetByHash(ctx, clash.Hash)
		require.ErrorIs(t, err, ErrNotFound)

		// The location is free again once its record is gone
		require.NoError(t, db.Delete(ctx, first.ID))
		_, err = db.Insert(ctx, clash)
		require.NoError(t, err)
	})

	t.Run("Insert returns the creation time reads return", func(t *testing.T) {
		db := newDB(t)

		rec := newRecord("precise", contentdrop.OneDay, baseTime.Add(123456789*time.Nanosecond))
		stored, err := db.Insert(ctx, rec)
		require.NoError(t, err)

		got, err := db.GetByID(ctx, stored.ID)
		require.NoError(t, err)
		assert.True(t, stored.CreatedAt.Equal(got.CreatedAt), "inserted %s, read %s", stored.CreatedAt, got.CreatedAt)

		storedExpiry, _ := stored.ExpiresAt()
		gotExpiry, _ := got.ExpiresAt()
		assert.True(t, storedExpiry.Equal(gotExpiry))
	})

	t.Run("concurrent inserts of one hash have a single winner", func(t *testing.T) {
		db := newDB(t)

		const writers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
			dups int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec := newRecord("race", contentdrop.OneDay, baseTime)
				rec.Location = fmt.Sprintf("files/race-%d.txt", i)
				_, err := db.Insert(ctx, rec)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else {
					assert.ErrorIs(t, err, ErrDuplicateHash)
					dups++
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, writers-1, dups)
	})

	t.Run("lookups return ErrNotFound for missing records", func(t *testing.T) {
		db := newDB(t)

		_, err := db.GetByHash(ctx, contentdrop.HashBytes([]byte("missing")))
		require.ErrorIs(t, err, ErrNotFound)

		_, err = db.GetByID(ctx, 42)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Delete removes record and is idempotent", func(t *testing.T) {
		db := newDB(t)

		rec := newRecord("gone", contentdrop.OneDay, baseTime)
		stored, err := db.Insert(ctx, rec)
		require.NoError(t, err)

		require.NoError(t, db.Delete(ctx, stored.ID))
		require.NoError(t, db.Delete(ctx, stored.ID))

		_, err = db.GetByID(ctx, stored.ID)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = db.GetByHash(ctx, rec.Hash)
		require.ErrorIs(t, err, ErrNotFound)

		// The hash is free again once the record is gone
		again, err := db.Insert(ctx, newRecord("gone", contentdrop.OneDay, baseTime))
		require.NoError(t, err)
		assert.NotEqual(t, stored.ID, again.ID, "ids are never reused")

		recs, err := db.ListCreatedBefore(ctx, contentdrop.OneDay, baseTime, 0)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, again.ID, recs[0].ID)
	})

	t.Run("ListCreatedBefore filters by class and time", func(t *testing.T) {
		db := newDB(t)

		old, err := db.Insert(ctx, newRecord("old", contentdrop.OneDay, baseTime))
		require.NoError(t, err)
		edge, err := db.Insert(ctx, newRecord("edge", contentdrop.OneDay, baseTime.Add(time.Hour)))
		require.NoError(t, err)
		_, err = db.Insert(ctx, newRecord("new", contentdrop.OneDay, baseTime.Add(2*time.Hour)))
		require.NoError(t, err)
		_, err = db.Insert(ctx, newRecord("week", contentdrop.OneWeek, baseTime))
		require.NoError(t, err)

		recs, err := db.ListCreatedBefore(ctx, contentdrop.OneDay, baseTime.Add(time.Hour), 0)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, old.ID, recs[0].ID)
		assert.Equal(t, edge.ID, recs[1].ID)

		limited, err := db.ListCreatedBefore(ctx, contentdrop.OneDay, baseTime.Add(time.Hour), 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, old.ID, limited[0].ID)

		none, err := db.ListCreatedBefore(ctx, contentdrop.OneYear, baseTime.Add(time.Hour), 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ForEach visits every record", func(t *testing.T) {
		db := newDB(t)

		for _, c := range []string{"x", "y", "z"} {
			_, err := db.Insert(ctx, newRecord(c, contentdrop.Permanent, baseTime))
			require.NoError(t, err)
		}

		var names []string
		err := db.ForEach(ctx, func(rec *contentdrop.ContentRecord) error {
			names = append(names, rec.FileName)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"x.txt", "y.txt", "z.txt"}, names)
	})

	t.Run("Stats aggregates per class", func(t *testing.T) {
		db := newDB(t)

		_, err := db.Insert(ctx, newRecord("one", contentdrop.OneDay, baseTime))
		require.NoError(t, err)
		_, err = db.Insert(ctx, newRecord("three", contentdrop.OneDay, baseTime))
		require.NoError(t, err)
		_, err = db.Insert(ctx, newRecord("forever", contentdrop.Permanent, baseTime))
		require.NoError(t, err)

		stats, err := db.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Records)
		assert.Equal(t, int64(len("one")+len("three")+len("forever")), stats.Bytes)
		assert.Equal(t, ClassStats{Records: 2, Bytes: 8}, stats.ByTTL[contentdrop.OneDay])
		assert.Equal(t, ClassStats{Records: 1, Bytes: 7}, stats.ByTTL[contentdrop.Permanent])
	})
}
