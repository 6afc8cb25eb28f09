// Package report tallies stored files by extension. The tally is read-only
// with respect to the store and is refreshed on a timer.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	contentdrop "github.com/wolfeidau/content-drop"
	"github.com/wolfeidau/content-drop/telemetry"
)

// NoExtension is the key used for files without an extension.
const NoExtension = "(none)"

// Source is the read-only view of the metadata store the counter needs.
type Source interface {
	ForEach(ctx context.Context, fn func(*contentdrop.ContentRecord) error) error
}

// Config configures an ExtensionCounter.
type Config struct {
	Interval time.Duration // How often to recount (default: 6h)
	Logger   *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 6 * time.Hour,
		Logger:   slog.Default(),
	}
}

// Snapshot is a point in time tally.
type Snapshot struct {
	RefreshedAt time.Time        `json:"refreshed_at"`
	Files       int              `json:"files"`
	Bytes       int64            `json:"bytes"`
	Counts      map[string]int   `json:"counts"`
	Sizes       map[string]int64 `json:"sizes"`
}

// ExtensionCount is one row of Snapshot.Top.
type ExtensionCount struct {
	Extension string
	Files     int
	Bytes     int64
}

// Top returns the n most common extensions, most files first.
func (s Snapshot) Top(n int) []ExtensionCount {
	rows := make([]ExtensionCount, 0, len(s.Counts))
	for ext, files := range s.Counts {
		rows = append(rows, ExtensionCount{Extension: ext, Files: files, Bytes: s.Sizes[ext]})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Files != rows[j].Files {
			return rows[i].Files > rows[j].Files
		}
		return rows[i].Extension < rows[j].Extension
	})
	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

// ExtensionCounter keeps the latest tally of files per extension.
type ExtensionCounter struct {
	source Source
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	snapshot Snapshot

	lifecycle sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewExtensionCounter creates a counter over source.
func NewExtensionCounter(source Source, cfg Config) *ExtensionCounter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ExtensionCounter{
		source: source,
		config: cfg,
		logger: cfg.Logger.With("component", "extension_counter"),
		now:    time.Now,
	}
}

// Start counts immediately and then on every interval until Stop.
func (c *ExtensionCounter) Start(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	c.logger.Info("extension counter running", "interval", c.config.Interval)
	go c.run(ctx, c.stopCh, c.doneCh)
}

// Stop ends the refresh loop and waits for it to exit.
func (c *ExtensionCounter) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
	c.stopCh, c.doneCh = nil, nil
	c.logger.Info("extension counter stopped")
}

func (c *ExtensionCounter) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		if err := c.Refresh(ctx); err != nil {
			c.logger.Error("failed to count file extensions", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Refresh recounts every record and replaces the snapshot. On error the
// previous snapshot is kept.
func (c *ExtensionCounter) Refresh(ctx context.Context) error {
	snap := Snapshot{
		Counts: make(map[string]int),
		Sizes:  make(map[string]int64),
	}
	err := c.source.ForEach(ctx, func(rec *contentdrop.ContentRecord) error {
		ext := Extension(rec.FileName)
		snap.Counts[ext]++
		snap.Sizes[ext] += rec.Size
		snap.Files++
		snap.Bytes += rec.Size
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterating records: %w", err)
	}
	snap.RefreshedAt = c.now()

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()

	telemetry.UpdateExtensionCounts(ctx, snap.Counts)

	attrs := []any{"files", snap.Files, "size", humanize.Bytes(uint64(snap.Bytes)), "extensions", len(snap.Counts)}
	if top := snap.Top(1); len(top) > 0 {
		attrs = append(attrs, "top_extension", top[0].Extension, "top_count", top[0].Files)
	}
	c.logger.Info("counted file extensions", attrs...)
	return nil
}

// Snapshot returns a copy of the latest tally.
func (c *ExtensionCounter) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := c.snapshot
	snap.Counts = maps.Clone(c.snapshot.Counts)
	snap.Sizes = maps.Clone(c.snapshot.Sizes)
	if snap.Counts == nil {
		snap.Counts = map[string]int{}
		snap.Sizes = map[string]int64{}
	}
	return snap
}

// Extension returns the lower-cased extension of name including the dot,
// or NoExtension.
func Extension(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" || ext == "." || len(ext) == len(name) {
		return NoExtension
	}
	return ext
}
