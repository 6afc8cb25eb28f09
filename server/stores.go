package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wolfeidau/content-drop/backend"
	"github.com/wolfeidau/content-drop/store"
	"github.com/wolfeidau/content-drop/store/expiryindex"
	"github.com/wolfeidau/content-drop/store/metadb"
)

// Stores bundles the three durable stores and the ingester built on them.
// The CLI uses it directly for one-shot commands.
type Stores struct {
	Backend  backend.Backend
	Meta     metadb.MetaDB
	Index    *expiryindex.BoltIndex
	Ingester *store.Ingester

	closers []func() error
}

// OpenStores opens the blob tree, metadata store and expiry index described
// by cfg. Failing to open any of them is fatal.
func OpenStores(ctx context.Context, cfg Config) (*Stores, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	tmpDir := filepath.Join(cfg.DataDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	s := &Stores{}

	fsBackend, err := backend.NewFilesystem(filepath.Join(cfg.DataDir, "blobs"))
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	s.Backend = backend.NewInstrumentedBackend(fsBackend, "filesystem")

	var meta metadb.MetaDB
	switch cfg.MetadataStore {
	case MetadataPostgres:
		pg, err := metadb.OpenPostgres(ctx, cfg.PostgresDSN, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres metadata store: %w", err)
		}
		meta = pg
	default:
		bolt := metadb.NewBoltDB(metadb.WithLogger(cfg.Logger), metadb.WithNoSync(cfg.NoSync))
		if err := bolt.Open(filepath.Join(cfg.DataDir, "meta.db")); err != nil {
			return nil, fmt.Errorf("opening metadata store: %w", err)
		}
		meta = bolt
	}
	s.closers = append(s.closers, meta.Close)

	if cfg.LookupCacheSize > 0 {
		meta = metadb.NewCached(meta, cfg.LookupCacheSize, cfg.LookupCacheTTL)
	}
	s.Meta = meta

	s.Index = expiryindex.NewBoltIndex(expiryindex.WithLogger(cfg.Logger), expiryindex.WithNoSync(cfg.NoSync))
	if err := s.Index.Open(filepath.Join(cfg.DataDir, "expiry.db")); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("opening expiry index: %w", err)
	}
	s.closers = append(s.closers, s.Index.Close)

	s.Ingester = store.NewIngester(s.Backend, s.Meta, s.Index,
		store.WithLogger(cfg.Logger),
		store.WithTempDir(tmpDir),
	)

	return s, nil
}

// Close closes the stores in reverse order of opening.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
