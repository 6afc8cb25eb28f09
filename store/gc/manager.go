// Package gc provides the full-scan audit for the content store. It repairs
// what the index-driven sweeper cannot see: records that lost their expiry
// entry and blobs that no record references.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/content-drop/backend"
	"github.com/wolfeidau/content-drop/store/expiryindex"
	"github.com/wolfeidau/content-drop/store/metadb"
	"github.com/wolfeidau/content-drop/telemetry"
	"go.opentelemetry.io/otel/metric"
)

// Config configures the audit manager.
type Config struct {
	Interval          time.Duration // How often to run (default: 24h)
	StartupDelay      time.Duration // Delay before first run (default: 5m)
	OrphanGracePeriod time.Duration // Minimum age of an unreferenced blob before deletion (default: 1h)
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{
		Interval:          24 * time.Hour,
		StartupDelay:      5 * time.Minute,
		OrphanGracePeriod: 1 * time.Hour,
	}
}

// Result contains the results of an audit run.
type Result struct {
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration"`
	RecordsScanned     int           `json:"records_scanned"`
	OverdueUnindexed   int           `json:"overdue_unindexed"`
	Reindexed          int           `json:"reindexed"`
	OrphanBlobsDeleted int           `json:"orphan_blobs_deleted"`
	BytesReclaimed     int64         `json:"bytes_reclaimed"`
	Errors             []string      `json:"errors,omitempty"`
}

// Manager runs the audit periodically or on demand.
type Manager struct {
	db      metadb.MetaDB
	index   expiryindex.Index
	backend backend.Backend
	config  Config
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	// runMu serialises periodic and on demand runs.
	runMu sync.Mutex

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// New creates a new audit manager.
func New(db metadb.MetaDB, index expiryindex.Index, backend backend.Backend, config Config, opts ...ManagerOption) *Manager {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.OrphanGracePeriod <= 0 {
		config.OrphanGracePeriod = defaults.OrphanGracePeriod
	}
	m := &Manager{
		db:      db,
		index:   index,
		backend: backend,
		config:  config,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "audit")
	return m
}

// Start starts the background audit goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the audit manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate audit run.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.runAudit(ctx), nil
}

// Status returns the last audit run result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)
	defer m.setRunning(false)

	m.logger.Info("audit manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"orphan_grace_period", m.config.OrphanGracePeriod,
	)

	// Wait for startup delay
	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.logger.Info("audit manager stopped during startup delay")
		return
	case <-ctx.Done():
		m.logger.Info("audit manager context cancelled during startup delay")
		return
	}

	m.runAudit(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runAudit(ctx)
		case <-m.stopCh:
			m.logger.Info("audit manager stopped")
			return
		case <-ctx.Done():
			m.logger.Info("audit manager context cancelled")
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) runAudit(ctx context.Context) *Result {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	start := time.Now()
	result := &Result{
		StartedAt: m.now(),
	}

	m.logger.Info("starting audit run")

	// Phase 1: Overdue records that the sweeper cannot see
	m.phaseOverdue(ctx, result)

	// Phase 2: Every other record missing its expiry entry
	referenced := m.phaseReindex(ctx, result)

	// Phase 3: Blobs no record points at
	if referenced != nil {
		m.phaseDeleteOrphans(ctx, result, referenced)
	}

	result.Duration = time.Since(start)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	m.logger.Info("audit run completed",
		"duration", result.Duration,
		"records_scanned", result.RecordsScanned,
		"overdue_unindexed", result.OverdueUnindexed,
		"reindexed", result.Reindexed,
		"orphan_blobs_deleted", result.OrphanBlobsDeleted,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)

	return result
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	telemetry.RecordAuditRun(ctx, result.Reindexed, result.OrphanBlobsDeleted, result.Duration)

	if m.metrics == nil {
		return
	}

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.recordsScanned.Add(ctx, int64(result.RecordsScanned))
	m.metrics.bytesReclaimed.Add(ctx, result.BytesReclaimed)
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics for the manager.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create audit metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}

// WithNow sets the clock used for due checks and orphan ages.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}
