// Package metadb provides durable storage for content records.
package metadb

import (
	"context"
	"errors"
	"time"

	contentdrop "github.com/wolfeidau/content-drop"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("metadb: not found")

	// ErrDuplicateHash is returned by Insert when a record with the same
	// content hash already exists.
	ErrDuplicateHash = errors.New("metadb: duplicate content hash")

	// ErrLocationTaken is returned by Insert when another record still
	// references the same blob location.
	ErrLocationTaken = errors.New("metadb: location taken")
)

// MetaDB stores one ContentRecord per ingested file.
// Implementations must be safe for concurrent use.
type MetaDB interface {
	// Insert stores rec if no record with rec.Hash exists, assigning a new ID.
	// The existence check and the write are a single atomic step.
	// Returns ErrDuplicateHash when the hash is already present and
	// ErrLocationTaken when another record references rec.Location.
	Insert(ctx context.Context, rec *contentdrop.ContentRecord) (*contentdrop.ContentRecord, error)

	GetByHash(ctx context.Context, hash contentdrop.Hash) (*contentdrop.ContentRecord, error)
	GetByID(ctx context.Context, id uint64) (*contentdrop.ContentRecord, error)

	// ListCreatedBefore returns records of the given ttl class created at or
	// before the given instant, oldest first. A limit <= 0 means no limit.
	ListCreatedBefore(ctx context.Context, ttl contentdrop.TTLClass, before time.Time, limit int) ([]*contentdrop.ContentRecord, error)

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id uint64) error

	// ForEach calls fn for every record in ID order. fn must not write to the
	// same store. Iteration stops at the first error returned by fn.
	ForEach(ctx context.Context, fn func(*contentdrop.ContentRecord) error) error

	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// ClassStats aggregates the records of one ttl class.
type ClassStats struct {
	Records int   `json:"records"`
	Bytes   int64 `json:"bytes"`
}

// Stats summarises the store contents.
type Stats struct {
	Records int                                 `json:"records"`
	Bytes   int64                               `json:"bytes"`
	ByTTL   map[contentdrop.TTLClass]ClassStats `json:"by_ttl"`
}

func newStats() *Stats {
	return &Stats{ByTTL: make(map[contentdrop.TTLClass]ClassStats)}
}

func (s *Stats) add(ttl contentdrop.TTLClass, records int, size int64) {
	s.Records += records
	s.Bytes += size
	c := s.ByTTL[ttl]
	c.Records += records
	c.Bytes += size
	s.ByTTL[ttl] = c
}
