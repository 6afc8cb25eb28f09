package expiryindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestIndex(t *testing.T) *BoltIndex {
	t.Helper()
	idx := NewBoltIndex(WithNoSync(true))
	require.NoError(t, idx.Open(filepath.Join(t.TempDir(), "expiry.db")))
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func ids(entries []Entry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestPopDueReturnsOnlyDueEntriesInOrder(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	require.NoError(t, idx.Insert(ctx, 3, t0.Add(3*time.Hour)))
	require.NoError(t, idx.Insert(ctx, 1, t0.Add(1*time.Hour)))
	require.NoError(t, idx.Insert(ctx, 2, t0.Add(2*time.Hour)))
	require.NoError(t, idx.Insert(ctx, 9, t0.Add(48*time.Hour)))

	due, err := idx.PopDue(ctx, t0.Add(3*time.Hour), 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, ids(due), "boundary instant is due")
	assert.True(t, due[0].ExpiresAt.Equal(t0.Add(time.Hour)))

	n, err := idx.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Popped entries are never returned twice
	again, err := idx.PopDue(ctx, t0.Add(3*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestPopDueRespectsLimit(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, idx.Insert(ctx, i, t0.Add(time.Duration(i)*time.Minute)))
	}

	first, err := idx.PopDue(ctx, t0.Add(time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, ids(first))

	rest, err := idx.PopDue(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5}, ids(rest))
}

func TestInsertReplacesExistingEntry(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	require.NoError(t, idx.Insert(ctx, 7, t0))
	require.NoError(t, idx.Insert(ctx, 7, t0.Add(24*time.Hour)))

	n, err := idx.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "at most one entry per id")

	due, err := idx.PopDue(ctx, t0.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestAckForgetsInFlight(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	require.NoError(t, idx.Insert(ctx, 1, t0))
	due, err := idx.PopDue(ctx, t0, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)

	has, err := idx.Has(ctx, 1)
	require.NoError(t, err)
	assert.True(t, has, "in-flight entries still count as present")

	require.NoError(t, idx.Ack(ctx, 1))

	has, err = idx.Has(ctx, 1)
	require.NoError(t, err)
	assert.False(t, has)

	recovered, err := idx.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestReleaseRequeuesAtOriginalInstant(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	require.NoError(t, idx.Insert(ctx, 1, t0))
	_, err := idx.PopDue(ctx, t0, 0)
	require.NoError(t, err)

	require.NoError(t, idx.Release(ctx, 1, 42))

	inFlight, err := idx.InFlight(ctx)
	require.NoError(t, err)
	assert.Zero(t, inFlight)

	due, err := idx.PopDue(ctx, t0, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.True(t, due[0].ExpiresAt.Equal(t0))
}

func TestRecoverAfterReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "expiry.db")

	idx := NewBoltIndex()
	require.NoError(t, idx.Open(path))
	require.NoError(t, idx.Insert(ctx, 1, t0))
	require.NoError(t, idx.Insert(ctx, 2, t0.Add(time.Minute)))
	popped, err := idx.PopDue(ctx, t0.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, popped, 2)
	// Simulate a crash before Ack
	require.NoError(t, idx.Close())

	idx = NewBoltIndex()
	require.NoError(t, idx.Open(path))
	t.Cleanup(func() { _ = idx.Close() })

	n, err := idx.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	due, err := idx.PopDue(ctx, t0.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, ids(due))
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	require.NoError(t, idx.Insert(ctx, 1, t0))
	require.NoError(t, idx.Insert(ctx, 2, t0))
	_, err := idx.PopDue(ctx, t0, 1)
	require.NoError(t, err)

	// 1 is in-flight, 2 is queued
	require.NoError(t, idx.Delete(ctx, 1))
	require.NoError(t, idx.Delete(ctx, 2))
	require.NoError(t, idx.Delete(ctx, 2))

	for _, id := range []uint64{1, 2} {
		has, err := idx.Has(ctx, id)
		require.NoError(t, err)
		assert.False(t, has)
	}

	n, err := idx.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTimestampsBeforeEpochSortFirst(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	require.NoError(t, idx.Insert(ctx, 2, t0))
	require.NoError(t, idx.Insert(ctx, 1, time.Date(1965, 1, 1, 0, 0, 0, 0, time.UTC)))

	due, err := idx.PopDue(ctx, t0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, ids(due))
}
