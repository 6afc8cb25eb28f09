// Package expiryindex implements the time-ordered expiration index that
// drives eviction. Entries map a record id to the instant it becomes due.
package expiryindex

import (
	"context"
	"time"
)

// Entry schedules one record for eviction.
type Entry struct {
	ID        uint64    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Index is a priority structure keyed by expiration instant.
//
// PopDue parks the entries it returns as in-flight instead of dropping them,
// so a crash between popping and processing never loses an entry: Recover
// puts parked entries back in the queue. Callers finish each entry with
// either Ack (done) or Release (retry later).
type Index interface {
	// Insert schedules id at expiresAt, replacing any existing entry for id.
	Insert(ctx context.Context, id uint64, expiresAt time.Time) error

	// PopDue removes up to limit entries with ExpiresAt <= now from the queue,
	// lowest instant first, and parks them in-flight. A limit <= 0 means no limit.
	PopDue(ctx context.Context, now time.Time, limit int) ([]Entry, error)

	// Ack forgets in-flight entries.
	Ack(ctx context.Context, ids ...uint64) error

	// Release returns in-flight entries to the queue at their original instant.
	Release(ctx context.Context, ids ...uint64) error

	// Recover releases every in-flight entry and reports how many there were.
	Recover(ctx context.Context) (int, error)

	// Delete removes id from the queue and from in-flight. Idempotent.
	Delete(ctx context.Context, id uint64) error

	// Has reports whether id is queued or in-flight.
	Has(ctx context.Context, id uint64) (bool, error)

	// Len returns the number of queued entries, excluding in-flight ones.
	Len(ctx context.Context) (int, error)

	Close() error
}
