// Package store implements the ingestion side of the content store: hashing,
// deduplication and persisting blobs, records and expiry entries.
package store

import (
	"context"
	"io"

	contentdrop "github.com/wolfeidau/content-drop"
)

// FilesDir is the backend directory blobs are stored under.
const FilesDir = "files"

// Store is the read and write surface used by transports.
type Store interface {
	// Ingest stores the content of r and returns its hash.
	// Returns contentdrop.ErrDuplicateContent if identical content is stored,
	// contentdrop.ErrNamingConflict if the file name is taken and
	// contentdrop.ErrInvalidInput for an unusable request.
	Ingest(ctx context.Context, r io.Reader, req IngestRequest) (contentdrop.Hash, error)

	// LookupByHash returns the record for hash or contentdrop.ErrNotFound.
	LookupByHash(ctx context.Context, hash contentdrop.Hash) (*contentdrop.ContentRecord, error)

	// Open returns the stored content for hash with its record.
	// The caller must close the returned ReadCloser.
	Open(ctx context.Context, hash contentdrop.Hash) (io.ReadCloser, *contentdrop.ContentRecord, error)
}

// IngestRequest describes one upload.
type IngestRequest struct {
	FileName string
	TTL      contentdrop.TTLClass
	OwnerID  string // empty for anonymous uploads
}
