package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/content-drop/expiry"
	"github.com/wolfeidau/content-drop/report"
	"github.com/wolfeidau/content-drop/store/gc"
)

// Metadata store kinds.
const (
	MetadataBolt     = "bolt"
	MetadataPostgres = "postgres"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// DataDir holds the blob tree and the embedded databases.
	DataDir string

	// MetadataStore selects the metadata store: "bolt" (default) or "postgres".
	MetadataStore string

	// PostgresDSN is required when MetadataStore is "postgres".
	PostgresDSN string

	// LookupCacheSize is the number of hash lookups kept in memory.
	// Zero disables the cache.
	LookupCacheSize int

	// LookupCacheTTL bounds how long a cached lookup is served.
	LookupCacheTTL time.Duration

	// MaxUploadBytes limits request bodies on upload. Zero means no limit.
	MaxUploadBytes int64

	// Sweep configures the eviction sweeper.
	SweepInterval    time.Duration
	SweepBatchSize   int
	SweepConcurrency int

	// Audit configures the full-scan audit. Disabled unless AuditEnabled.
	AuditEnabled      bool
	AuditInterval     time.Duration
	AuditStartupDelay time.Duration
	OrphanGracePeriod time.Duration

	// ReportInterval is how often the extension counter refreshes.
	ReportInterval time.Duration

	// NoSync disables fsync on the embedded databases. Tests only.
	NoSync bool

	// Logger for the server
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.MetadataStore == "" {
		c.MetadataStore = MetadataBolt
	}
	if c.LookupCacheTTL == 0 {
		c.LookupCacheTTL = 5 * time.Minute
	}
}

func (c *Config) validate() error {
	switch c.MetadataStore {
	case MetadataBolt:
	case MetadataPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres metadata store requires a DSN")
		}
	default:
		return fmt.Errorf("unknown metadata store %q", c.MetadataStore)
	}
	return nil
}

func (c *Config) sweeperConfig() expiry.Config {
	cfg := expiry.DefaultConfig()
	if c.SweepInterval > 0 {
		cfg.Interval = c.SweepInterval
	}
	if c.SweepBatchSize > 0 {
		cfg.BatchSize = c.SweepBatchSize
	}
	if c.SweepConcurrency > 0 {
		cfg.Concurrency = c.SweepConcurrency
	}
	cfg.Logger = c.Logger
	return cfg
}

func (c *Config) auditConfig() gc.Config {
	cfg := gc.DefaultConfig()
	if c.AuditInterval > 0 {
		cfg.Interval = c.AuditInterval
	}
	if c.AuditStartupDelay > 0 {
		cfg.StartupDelay = c.AuditStartupDelay
	}
	if c.OrphanGracePeriod > 0 {
		cfg.OrphanGracePeriod = c.OrphanGracePeriod
	}
	return cfg
}

func (c *Config) reportConfig() report.Config {
	cfg := report.DefaultConfig()
	if c.ReportInterval > 0 {
		cfg.Interval = c.ReportInterval
	}
	cfg.Logger = c.Logger
	return cfg
}
