// Package expiry evicts files whose retention has run out. The Sweeper drains
// due entries from the expiration index on a fixed interval and removes the
// blob and the metadata record of each.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"github.com/wolfeidau/content-drop/backend"
	"github.com/wolfeidau/content-drop/store/expiryindex"
	"github.com/wolfeidau/content-drop/store/metadb"
	"github.com/wolfeidau/content-drop/telemetry"
)

// Config holds sweeper configuration.
type Config struct {
	// Interval is how often a sweep cycle runs.
	// Default is 6 hours.
	Interval time.Duration

	// BatchSize is the number of entries popped from the index at a time.
	BatchSize int

	// Concurrency bounds the number of records evicted in parallel.
	Concurrency int

	// Logger for eviction events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Interval:    6 * time.Hour,
		BatchSize:   500,
		Concurrency: 4,
		Logger:      slog.Default(),
	}
}

// SweepResult contains the results of one sweep cycle.
type SweepResult struct {
	CycleID      string        `json:"cycle_id"`
	StartedAt    time.Time     `json:"started_at"`
	Popped       int           `json:"popped"`
	Deleted      int           `json:"deleted"`
	Stale        int           `json:"stale"`
	Rescheduled  int           `json:"rescheduled"`
	MissingBlobs int           `json:"missing_blobs"`
	Errors       int           `json:"errors"`
	Released     int           `json:"released"`
	BytesFreed   int64         `json:"bytes_freed"`
	Duration     time.Duration `json:"duration"`
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithNow sets the clock used to decide which entries are due.
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// Sweeper evicts due records. It is the only component that deletes records.
type Sweeper struct {
	config  Config
	backend backend.Backend
	meta    metadb.MetaDB
	index   expiryindex.Index
	logger  *slog.Logger
	now     func() time.Time

	// cycleMu serialises ticker and on demand cycles.
	cycleMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	lastRun *SweepResult
}

// NewSweeper creates a new sweeper.
func NewSweeper(b backend.Backend, meta metadb.MetaDB, index expiryindex.Index, cfg Config, opts ...Option) *Sweeper {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Sweeper{
		config:  cfg,
		backend: b,
		meta:    meta,
		index:   index,
		logger:  cfg.Logger.With("component", "sweeper"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start re-queues entries left in-flight by a previous process, then begins
// periodic sweeps. A failure to recover is fatal for the loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if _, err := s.index.Recover(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("recovering expiry index: %w", err)
	}

	go s.run(ctx)
	return nil
}

// Stop signals the loop to exit and waits for the current record to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interval returns the time between cycles.
func (s *Sweeper) Interval() time.Duration {
	return s.config.Interval
}

// LastRun returns the result of the most recent cycle, or nil.
func (s *Sweeper) LastRun() *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	s.logger.Info("sweeper starting", "interval", s.config.Interval, "batch_size", s.config.BatchSize)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run immediately on start
	s.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper context cancelled")
			return
		case <-s.stopCh:
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// interrupted reports whether a stop was requested.
func (s *Sweeper) interrupted(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// RunCycle performs a single sweep. Failures are logged and counted, never
// returned; entries that failed go back to the index for the next cycle.
func (s *Sweeper) RunCycle(ctx context.Context) *SweepResult {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := time.Now()
	now := s.now()
	result := &SweepResult{
		CycleID:   uuid.NewString(),
		StartedAt: now,
	}
	logger := s.logger.With("cycle_id", result.CycleID)
	logger.Debug("starting sweep cycle", "now", now)

	// Failed and unprocessed entries are released once the cycle is over so a
	// persistent failure cannot be popped again within the same cycle.
	var release []uint64

	for !s.interrupted(ctx) {
		entries, err := s.index.PopDue(ctx, now, s.config.BatchSize)
		if err != nil {
			logger.Error("failed to pop due entries", "error", err)
			result.Errors++
			break
		}
		result.Popped += len(entries)

		release = append(release, s.processBatch(ctx, logger, now, entries, result)...)

		if len(entries) < s.config.BatchSize {
			break
		}
	}

	if len(release) > 0 {
		if err := s.index.Release(context.WithoutCancel(ctx), release...); err != nil {
			// Still in-flight; the next Start recovers them.
			logger.Error("failed to release entries", "count", len(release), "error", err)
		} else {
			result.Released = len(release)
		}
	}

	result.Duration = time.Since(start)

	remaining, err := s.index.Len(context.WithoutCancel(ctx))
	if err != nil {
		logger.Warn("failed to read expiry index size", "error", err)
	}

	s.mu.Lock()
	s.lastRun = result
	s.mu.Unlock()

	telemetry.RecordSweepCycle(ctx, telemetry.SweepCycle{
		Deleted:      result.Deleted,
		Stale:        result.Stale,
		MissingBlobs: result.MissingBlobs,
		Errors:       result.Errors,
		BytesFreed:   result.BytesFreed,
		Remaining:    remaining,
		Duration:     result.Duration,
	})

	if result.Popped > 0 || result.Errors > 0 {
		logger.Info("sweep complete",
			"popped", result.Popped,
			"deleted", result.Deleted,
			"stale", result.Stale,
			"rescheduled", result.Rescheduled,
			"missing_blobs", result.MissingBlobs,
			"errors", result.Errors,
			"released", result.Released,
			"bytes_freed", result.BytesFreed,
			"remaining", remaining,
			"duration", result.Duration,
		)
	} else {
		logger.Debug("sweep complete, nothing due", "remaining", remaining)
	}

	return result
}

// processBatch evicts entries on a bounded pool and returns the ids that
// must go back to the index.
func (s *Sweeper) processBatch(ctx context.Context, logger *slog.Logger, now time.Time, entries []expiryindex.Entry, result *SweepResult) []uint64 {
	var (
		mu      sync.Mutex
		release []uint64
	)

	// A record is never abandoned half way, so work runs detached from ctx.
	workCtx := context.WithoutCancel(ctx)

	p := pool.New().WithMaxGoroutines(s.config.Concurrency)
	for _, entry := range entries {
		p.Go(func() {
			if s.interrupted(ctx) {
				mu.Lock()
				release = append(release, entry.ID)
				mu.Unlock()
				return
			}

			ev, err := s.evict(workCtx, now, entry)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("failed to evict record", "id", entry.ID, "expires_at", entry.ExpiresAt, "error", err)
				result.Errors++
				release = append(release, entry.ID)
				return
			}
			switch {
			case ev.stale:
				result.Stale++
			case ev.rescheduled:
				result.Rescheduled++
			default:
				result.Deleted++
				result.BytesFreed += ev.bytes
				if ev.missingBlob {
					result.MissingBlobs++
				}
			}
		})
	}
	p.Wait()

	return release
}

type eviction struct {
	stale       bool
	rescheduled bool
	missingBlob bool
	bytes       int64
}

// evict removes the blob and the record behind one popped entry and
// acknowledges the entry. The record is deleted only after its blob, so a
// failure part way leaves the record for the next attempt.
func (s *Sweeper) evict(ctx context.Context, now time.Time, entry expiryindex.Entry) (eviction, error) {
	rec, err := s.meta.GetByID(ctx, entry.ID)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			// Already cleaned up; the index lagged behind.
			if err := s.index.Ack(ctx, entry.ID); err != nil {
				return eviction{}, fmt.Errorf("acknowledging stale entry: %w", err)
			}
			return eviction{stale: true}, nil
		}
		return eviction{}, fmt.Errorf("loading record: %w", err)
	}

	if !rec.Due(now) {
		// The entry disagrees with the record, which is authoritative.
		if expiresAt, ok := rec.ExpiresAt(); ok {
			err = s.index.Insert(ctx, rec.ID, expiresAt)
		} else {
			err = s.index.Delete(ctx, rec.ID)
		}
		if err != nil {
			return eviction{}, fmt.Errorf("rescheduling record: %w", err)
		}
		s.logger.Warn("expiry entry did not match record", "id", rec.ID, "ttl", rec.TTL, "entry_expires_at", entry.ExpiresAt)
		return eviction{rescheduled: true}, nil
	}

	ev := eviction{bytes: rec.Size}
	if _, err := s.backend.Stat(ctx, rec.Location); err != nil {
		if !errors.Is(err, backend.ErrNotFound) {
			return eviction{}, fmt.Errorf("checking blob: %w", err)
		}
		ev.missingBlob = true
		ev.bytes = 0
		s.logger.Warn("blob already missing", "id", rec.ID, "hash", rec.Hash.ShortString(), "location", rec.Location)
	}

	if err := s.backend.Delete(ctx, rec.Location); err != nil {
		return eviction{}, fmt.Errorf("deleting blob: %w", err)
	}
	if err := s.meta.Delete(ctx, rec.ID); err != nil {
		return eviction{}, fmt.Errorf("deleting record: %w", err)
	}
	if err := s.index.Ack(ctx, rec.ID); err != nil {
		return eviction{}, fmt.Errorf("acknowledging entry: %w", err)
	}

	s.logger.Debug("evicted record",
		"id", rec.ID,
		"hash", rec.Hash.ShortString(),
		"location", rec.Location,
		"ttl", rec.TTL,
		"created_at", rec.CreatedAt,
	)
	return ev, nil
}
