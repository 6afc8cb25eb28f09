package metadb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	contentdrop "github.com/wolfeidau/content-drop"
	"github.com/wolfeidau/content-drop/telemetry"
)

// Cached decorates a MetaDB with an in-memory LRU of hash lookups.
// Only found records are cached; entries expire after the configured TTL
// and are evicted when the record is deleted through this store.
type Cached struct {
	MetaDB
	cache *expirable.LRU[contentdrop.Hash, *contentdrop.ContentRecord]

	// deletes is bumped by every Delete. A lookup only fills the cache if no
	// delete happened while it was reading the underlying store.
	mu      sync.Mutex
	deletes uint64
}

// NewCached wraps db with a lookup cache of at most size entries.
func NewCached(db MetaDB, size int, ttl time.Duration) *Cached {
	return &Cached{
		MetaDB: db,
		cache:  expirable.NewLRU[contentdrop.Hash, *contentdrop.ContentRecord](size, nil, ttl),
	}
}

// Uncached returns the store behind any lookup cache. Use it for reads that
// must observe the latest committed state.
func Uncached(db MetaDB) MetaDB {
	if c, ok := db.(*Cached); ok {
		return c.MetaDB
	}
	return db
}

// GetByHash serves the record from cache when possible.
func (c *Cached) GetByHash(ctx context.Context, hash contentdrop.Hash) (*contentdrop.ContentRecord, error) {
	if rec, ok := c.cache.Get(hash); ok {
		telemetry.RecordLookupCache(ctx, true)
		cp := *rec
		return &cp, nil
	}
	telemetry.RecordLookupCache(ctx, false)

	c.mu.Lock()
	generation := c.deletes
	c.mu.Unlock()

	rec, err := c.MetaDB.GetByHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.deletes == generation {
		cp := *rec
		c.cache.Add(hash, &cp)
	}
	c.mu.Unlock()
	return rec, nil
}

// Delete removes the record and evicts its cached hash lookup.
func (c *Cached) Delete(ctx context.Context, id uint64) error {
	rec, err := c.MetaDB.GetByID(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("loading record %d: %w", id, err)
	}
	if err := c.MetaDB.Delete(ctx, id); err != nil {
		return err
	}

	c.mu.Lock()
	c.deletes++
	if rec != nil {
		c.cache.Remove(rec.Hash)
	}
	c.mu.Unlock()
	return nil
}

// Len returns the number of cached lookups.
func (c *Cached) Len() int {
	return c.cache.Len()
}

// Compile-time interface check
var _ MetaDB = (*Cached)(nil)
