package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	contentdrop "github.com/wolfeidau/content-drop"
	"github.com/wolfeidau/content-drop/expiry"
	"github.com/wolfeidau/content-drop/server"
	"github.com/wolfeidau/content-drop/store"
	"github.com/wolfeidau/content-drop/store/gc"
	"github.com/wolfeidau/content-drop/telemetry"
)

// ServeCmd runs the HTTP server.
type ServeCmd struct {
	Address        string `help:"Address to listen on." default:":8080" env:"CONTENT_DROP_ADDRESS"`
	MaxUploadBytes int64  `help:"Largest accepted upload in bytes (0 for no limit)." default:"0" env:"CONTENT_DROP_MAX_UPLOAD_BYTES"`

	SweepInterval    time.Duration `help:"Time between sweep cycles." default:"6h" env:"CONTENT_DROP_SWEEP_INTERVAL"`
	SweepBatchSize   int           `help:"Entries popped from the expiry index at a time." default:"500" env:"CONTENT_DROP_SWEEP_BATCH_SIZE"`
	SweepConcurrency int           `help:"Records evicted in parallel." default:"4" env:"CONTENT_DROP_SWEEP_CONCURRENCY"`

	AuditEnabled      bool          `help:"Run the full-scan audit periodically." negatable:"" default:"true" env:"CONTENT_DROP_AUDIT_ENABLED"`
	AuditInterval     time.Duration `help:"Time between audit runs." default:"24h" env:"CONTENT_DROP_AUDIT_INTERVAL"`
	AuditStartupDelay time.Duration `help:"Delay before the first audit run." default:"5m" env:"CONTENT_DROP_AUDIT_STARTUP_DELAY"`
	OrphanGracePeriod time.Duration `help:"Minimum age of an unreferenced blob before the audit deletes it." default:"1h" env:"CONTENT_DROP_ORPHAN_GRACE_PERIOD"`

	ReportInterval time.Duration `help:"Time between file extension recounts." default:"6h" env:"CONTENT_DROP_REPORT_INTERVAL"`

	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." negatable:"" default:"true" env:"CONTENT_DROP_PROMETHEUS"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export (e.g. localhost:4317)." env:"CONTENT_DROP_OTLP_ENDPOINT"`
}

func (c *ServeCmd) Run(g *Globals) error {
	logger := g.logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "content-drop",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	cfg := g.serverConfig()
	cfg.Address = c.Address
	cfg.MaxUploadBytes = c.MaxUploadBytes
	cfg.SweepInterval = c.SweepInterval
	cfg.SweepBatchSize = c.SweepBatchSize
	cfg.SweepConcurrency = c.SweepConcurrency
	cfg.AuditEnabled = c.AuditEnabled
	cfg.AuditInterval = c.AuditInterval
	cfg.AuditStartupDelay = c.AuditStartupDelay
	cfg.OrphanGracePeriod = c.OrphanGracePeriod
	cfg.ReportInterval = c.ReportInterval

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"upload_url", fmt.Sprintf("http://localhost%s/files/{name}?ttl=oneDay", srv.Address()),
	)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case serveErr = <-errCh:
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return errors.Join(serveErr, srv.Shutdown(shutdownCtx))
}

// IngestCmd stores local files.
type IngestCmd struct {
	TTL   contentdrop.TTLClass `help:"Retention class: oneDay, oneWeek, oneMonth, oneYear or permanent." default:"oneWeek"`
	Owner string               `help:"Owner id recorded with the file."`
	Name  string               `help:"File name to store under (defaults to the base name of the path; single file only)."`
	Files []string             `arg:"" type:"existingfile" help:"Files to ingest."`
}

func (c *IngestCmd) Run(g *Globals) error {
	if c.Name != "" && len(c.Files) > 1 {
		return fmt.Errorf("--name can only be used with a single file")
	}
	return withStores(g, func(ctx context.Context, stores *server.Stores) error {
		for _, path := range c.Files {
			name := c.Name
			if name == "" {
				name = filepath.Base(path)
			}
			rec, err := ingestFile(ctx, stores.Ingester, path, store.IngestRequest{FileName: name, TTL: c.TTL, OwnerID: c.Owner})
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("%s  %s  %s\n", rec.Hash, humanize.Bytes(uint64(rec.Size)), rec.FileName)
		}
		return nil
	})
}

func ingestFile(ctx context.Context, ing *store.Ingester, path string, req store.IngestRequest) (*contentdrop.ContentRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ing.IngestRecord(ctx, f, req)
}

// LookupCmd prints the record for a hash.
type LookupCmd struct {
	Hash string `arg:"" help:"Content hash (hex)."`
}

func (c *LookupCmd) Run(g *Globals) error {
	hash, err := contentdrop.ParseHash(c.Hash)
	if err != nil {
		return err
	}
	return withStores(g, func(ctx context.Context, stores *server.Stores) error {
		rec, err := stores.Ingester.LookupByHash(ctx, hash)
		if err != nil {
			return err
		}
		return printJSON(rec)
	})
}

// SweepCmd runs one sweep cycle against the local stores.
type SweepCmd struct {
	BatchSize int `help:"Entries popped from the expiry index at a time." default:"500"`
}

func (c *SweepCmd) Run(g *Globals) error {
	return withStores(g, func(ctx context.Context, stores *server.Stores) error {
		if _, err := stores.Index.Recover(ctx); err != nil {
			return err
		}
		cfg := expiry.DefaultConfig()
		cfg.BatchSize = c.BatchSize
		cfg.Logger = g.logger
		result := expiry.NewSweeper(stores.Backend, stores.Meta, stores.Index, cfg).RunCycle(ctx)
		return printJSON(result)
	})
}

// AuditCmd runs the audit once.
type AuditCmd struct {
	OrphanGracePeriod time.Duration `help:"Minimum age of an unreferenced blob before it is deleted." default:"1h"`
}

func (c *AuditCmd) Run(g *Globals) error {
	return withStores(g, func(ctx context.Context, stores *server.Stores) error {
		cfg := gc.DefaultConfig()
		cfg.OrphanGracePeriod = c.OrphanGracePeriod
		result, err := gc.New(stores.Meta, stores.Index, stores.Backend, cfg, gc.WithLogger(g.logger)).RunNow(ctx)
		if err != nil {
			return err
		}
		return printJSON(result)
	})
}

// StatsCmd prints totals per retention class.
type StatsCmd struct{}

func (c *StatsCmd) Run(g *Globals) error {
	return withStores(g, func(ctx context.Context, stores *server.Stores) error {
		stats, err := stores.Meta.Stats(ctx)
		if err != nil {
			return err
		}
		scheduled, err := stores.Index.Len(ctx)
		if err != nil {
			return err
		}

		classes := make([]contentdrop.TTLClass, 0, len(stats.ByTTL))
		for ttl := range stats.ByTTL {
			classes = append(classes, ttl)
		}
		sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

		fmt.Printf("records:   %s\n", humanize.Comma(int64(stats.Records)))
		fmt.Printf("size:      %s\n", humanize.Bytes(uint64(stats.Bytes)))
		fmt.Printf("scheduled: %s\n", humanize.Comma(int64(scheduled)))
		for _, ttl := range classes {
			cs := stats.ByTTL[ttl]
			fmt.Printf("  %-10s %8s  %s\n", ttl, humanize.Comma(int64(cs.Records)), humanize.Bytes(uint64(cs.Bytes)))
		}
		return nil
	})
}

func withStores(g *Globals, fn func(context.Context, *server.Stores) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := server.OpenStores(ctx, g.serverConfig())
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			g.logger.Warn("failed to close stores", "error", err)
		}
	}()
	return fn(ctx, stores)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
