// Package backend provides the blob storage abstraction for the content store.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by Create when the key is already taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidKey is returned for keys that are empty, absolute, not in
	// canonical form or that would escape the backend root.
	ErrInvalidKey = errors.New("invalid key")
)

// Info describes a stored blob.
type Info struct {
	Size    int64
	ModTime time.Time
}

// Backend defines the interface for blob storage.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Create stores data at the given key. It never overwrites: if the key
	// already exists ErrAlreadyExists is returned and the existing blob is
	// left untouched. Partially written data is never visible at the key.
	Create(ctx context.Context, key string, r io.Reader) error

	// Open retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Stat returns the size and modification time of the blob at key.
	// Returns ErrNotFound if the key does not exist.
	Stat(ctx context.Context, key string) (Info, error)

	// List returns all keys with the given prefix.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}
