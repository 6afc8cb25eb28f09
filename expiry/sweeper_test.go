package expiry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	contentdrop "github.com/wolfeidau/content-drop"
	"github.com/wolfeidau/content-drop/backend"
	"github.com/wolfeidau/content-drop/store"
	"github.com/wolfeidau/content-drop/store/expiryindex"
	"github.com/wolfeidau/content-drop/store/metadb"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

const oneDay = 86400 * time.Second

// clock is a settable virtual clock.
type clock struct {
	t time.Time
}

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type testEnv struct {
	clock    *clock
	backend  backend.Backend
	meta     *metadb.BoltDB
	index    *expiryindex.BoltIndex
	ingester *store.Ingester
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	fs, err := backend.NewFilesystem(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	meta := metadb.NewBoltDB(metadb.WithNoSync(true))
	require.NoError(t, meta.Open(filepath.Join(dir, "meta.db")))
	t.Cleanup(func() { _ = meta.Close() })

	idx := expiryindex.NewBoltIndex(expiryindex.WithNoSync(true))
	require.NoError(t, idx.Open(filepath.Join(dir, "expiry.db")))
	t.Cleanup(func() { _ = idx.Close() })

	c := &clock{t: t0}
	return &testEnv{
		clock:    c,
		backend:  fs,
		meta:     meta,
		index:    idx,
		ingester: store.NewIngester(fs, meta, idx, store.WithNow(c.Now), store.WithTempDir(t.TempDir())),
	}
}

func (e *testEnv) sweeper(cfg Config) *Sweeper {
	return NewSweeper(e.backend, e.meta, e.index, cfg, WithNow(e.clock.Now))
}

func (e *testEnv) ingest(t *testing.T, name, content string, ttl contentdrop.TTLClass) *contentdrop.ContentRecord {
	t.Helper()
	rec, err := e.ingester.IngestRecord(context.Background(), strings.NewReader(content), store.IngestRequest{FileName: name, TTL: ttl})
	require.NoError(t, err)
	return rec
}

func (e *testEnv) blobExists(t *testing.T, key string) bool {
	t.Helper()
	ok, err := e.backend.Exists(context.Background(), key)
	require.NoError(t, err)
	return ok
}

// flakyBackend fails Delete for one key.
type flakyBackend struct {
	backend.Backend
	failKey string
}

func (f *flakyBackend) Delete(ctx context.Context, key string) error {
	if key == f.failKey {
		return errors.New("device busy")
	}
	return f.Backend.Delete(ctx, key)
}

func TestSweeper_UploadExpiresAfterOneDay(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	hash, err := env.ingester.Ingest(ctx, strings.NewReader("hello"), store.IngestRequest{FileName: "a.txt", TTL: contentdrop.OneDay})
	require.NoError(t, err)
	require.Equal(t, contentdrop.HashBytes([]byte("hello")), hash)

	env.clock.Advance(86401 * time.Second)
	result := env.sweeper(DefaultConfig()).RunCycle(ctx)
	assert.Equal(t, 1, result.Deleted)
	assert.Zero(t, result.Errors)

	_, err = env.ingester.LookupByHash(ctx, hash)
	require.ErrorIs(t, err, contentdrop.ErrNotFound)
	assert.False(t, env.blobExists(t, "files/a.txt"))
}

func TestSweeper_DeletesOnlyDueRecords(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	due := env.ingest(t, "due.txt", "short lived", contentdrop.OneDay)
	keep := env.ingest(t, "keep.txt", "long lived", contentdrop.OneWeek)
	perm := env.ingest(t, "perm.txt", "forever", contentdrop.Permanent)

	// Exactly at the boundary counts as due
	env.clock.Advance(86400 * time.Second)
	result := env.sweeper(DefaultConfig()).RunCycle(ctx)

	assert.Equal(t, 1, result.Popped)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, int64(len("short lived")), result.BytesFreed)

	_, err := env.meta.GetByID(ctx, due.ID)
	require.ErrorIs(t, err, metadb.ErrNotFound)
	assert.False(t, env.blobExists(t, due.Location))
	has, err := env.index.Has(ctx, due.ID)
	require.NoError(t, err)
	assert.False(t, has)

	for _, rec := range []*contentdrop.ContentRecord{keep, perm} {
		_, err := env.meta.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, env.blobExists(t, rec.Location))
	}
	has, err = env.index.Has(ctx, keep.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSweeper_StaleEntry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	require.NoError(t, env.index.Insert(ctx, 4242, t0.Add(-time.Minute)))

	result := env.sweeper(DefaultConfig()).RunCycle(ctx)
	assert.Equal(t, 1, result.Stale)
	assert.Zero(t, result.Errors)

	has, err := env.index.Has(ctx, 4242)
	require.NoError(t, err)
	assert.False(t, has)

	// Nothing left to do on a second pass
	result = env.sweeper(DefaultConfig()).RunCycle(ctx)
	assert.Zero(t, result.Popped)
}

func TestSweeper_MissingBlobIsNotFatal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	rec := env.ingest(t, "gone.txt", "vanishing", contentdrop.OneDay)
	require.NoError(t, env.backend.Delete(ctx, rec.Location))
	// Deleting twice is harmless
	require.NoError(t, env.backend.Delete(ctx, rec.Location))

	env.clock.Advance(oneDay + time.Second)
	result := env.sweeper(DefaultConfig()).RunCycle(ctx)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 1, result.MissingBlobs)
	assert.Zero(t, result.BytesFreed)

	_, err := env.meta.GetByID(ctx, rec.ID)
	require.ErrorIs(t, err, metadb.ErrNotFound)
}

func TestSweeper_FailureDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	bad := env.ingest(t, "bad.txt", "stuck", contentdrop.OneDay)
	var good []*contentdrop.ContentRecord
	for n := 0; n < 3; n++ {
		good = append(good, env.ingest(t, fmt.Sprintf("good-%d.txt", n), fmt.Sprintf("content %d", n), contentdrop.OneDay))
	}

	env.clock.Advance(oneDay)
	flaky := &flakyBackend{Backend: env.backend, failKey: bad.Location}
	s := NewSweeper(flaky, env.meta, env.index, DefaultConfig(), WithNow(env.clock.Now))

	result := s.RunCycle(ctx)
	assert.Equal(t, 4, result.Popped)
	assert.Equal(t, 3, result.Deleted)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 1, result.Released)

	for _, rec := range good {
		_, err := env.meta.GetByID(ctx, rec.ID)
		require.ErrorIs(t, err, metadb.ErrNotFound)
	}

	// The failed record is intact and queued for the next cycle
	_, err := env.meta.GetByID(ctx, bad.ID)
	require.NoError(t, err)
	has, err := env.index.Has(ctx, bad.ID)
	require.NoError(t, err)
	assert.True(t, has)
	inFlight, err := env.index.InFlight(ctx)
	require.NoError(t, err)
	assert.Zero(t, inFlight)

	flaky.failKey = ""
	result = s.RunCycle(ctx)
	assert.Equal(t, 1, result.Deleted)
	_, err = env.meta.GetByID(ctx, bad.ID)
	require.ErrorIs(t, err, metadb.ErrNotFound)
}

// failOnceMeta fails the first record Delete.
type failOnceMeta struct {
	metadb.MetaDB
	failed bool
}

func (f *failOnceMeta) Delete(ctx context.Context, id uint64) error {
	if !f.failed {
		f.failed = true
		return errors.New("metadata store unavailable")
	}
	return f.MetaDB.Delete(ctx, id)
}

func TestSweeper_RetryAfterRecordDeleteFailureKeepsReusedName(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	old := env.ingest(t, "a.txt", "old content", contentdrop.OneDay)
	env.clock.Advance(oneDay + time.Second)

	flaky := &failOnceMeta{MetaDB: env.meta}
	result := NewSweeper(env.backend, flaky, env.index, DefaultConfig(), WithNow(env.clock.Now)).RunCycle(ctx)
	require.Equal(t, 1, result.Errors)
	require.False(t, env.blobExists(t, old.Location), "blob goes first")

	// The half-evicted record still owns the name
	_, err := env.ingester.IngestRecord(ctx, strings.NewReader("new content"), store.IngestRequest{FileName: "a.txt", TTL: contentdrop.Permanent})
	require.ErrorIs(t, err, contentdrop.ErrNamingConflict)
	assert.False(t, env.blobExists(t, old.Location), "rejected upload leaves no blob")

	result = env.sweeper(DefaultConfig()).RunCycle(ctx)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 1, result.MissingBlobs)
	_, err = env.meta.GetByID(ctx, old.ID)
	require.ErrorIs(t, err, metadb.ErrNotFound)

	// Once the old record is gone the name can be reused safely
	fresh := env.ingest(t, "a.txt", "new content", contentdrop.Permanent)
	result = env.sweeper(DefaultConfig()).RunCycle(ctx)
	assert.Zero(t, result.Popped)

	_, err = env.meta.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.True(t, env.blobExists(t, fresh.Location))
}

func TestSweeper_DrainsInBatches(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	for n := 0; n < 7; n++ {
		env.ingest(t, fmt.Sprintf("f%d.bin", n), fmt.Sprintf("payload %d", n), contentdrop.OneDay)
	}

	env.clock.Advance(oneDay)
	result := env.sweeper(Config{BatchSize: 2, Concurrency: 3}).RunCycle(ctx)
	assert.Equal(t, 7, result.Popped)
	assert.Equal(t, 7, result.Deleted)

	n, err := env.index.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stats, err := env.meta.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Records)
}

func TestSweeper_ReschedulesMismatchedEntry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	rec := env.ingest(t, "year.txt", "a year", contentdrop.OneYear)
	// Corrupt the schedule so the entry is due far too early
	require.NoError(t, env.index.Insert(ctx, rec.ID, t0))

	result := env.sweeper(DefaultConfig()).RunCycle(ctx)
	assert.Equal(t, 1, result.Rescheduled)
	assert.Zero(t, result.Deleted)

	_, err := env.meta.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, env.blobExists(t, rec.Location))

	expiresAt, _ := rec.ExpiresAt()
	entries, err := env.index.PopDue(ctx, expiresAt, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, expiresAt.Equal(entries[0].ExpiresAt))
}

func TestSweeper_StartRecoversInFlightEntries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	rec := env.ingest(t, "crash.txt", "popped then crashed", contentdrop.OneDay)
	env.clock.Advance(oneDay)

	// A previous process popped the entry and died before processing it
	entries, err := env.index.PopDue(ctx, env.clock.Now(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	s := env.sweeper(Config{Interval: time.Hour})
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		return s.LastRun() != nil
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))

	assert.Equal(t, 1, s.LastRun().Deleted)
	_, err = env.meta.GetByID(ctx, rec.ID)
	require.ErrorIs(t, err, metadb.ErrNotFound)
}

func TestSweeper_StopWithoutStart(t *testing.T) {
	env := newTestEnv(t)
	s := env.sweeper(DefaultConfig())
	require.NoError(t, s.Stop(context.Background()))
	assert.Nil(t, s.LastRun())
}

func TestNewSweeperDefaults(t *testing.T) {
	env := newTestEnv(t)
	s := env.sweeper(Config{})
	assert.Equal(t, 6*time.Hour, s.config.Interval)
	assert.Equal(t, 500, s.config.BatchSize)
	assert.Equal(t, 4, s.config.Concurrency)
	assert.NotNil(t, s.config.Logger)
}
