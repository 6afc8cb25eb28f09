// Package contentdrop holds the core types of an expiring, content-addressed
// file store: content hashes, retention classes and the durable record kept
// for every ingested file.
package contentdrop

import "time"

// ContentRecord is the durable metadata kept for one ingested file.
// All fields are fixed at creation.
type ContentRecord struct {
	ID          uint64    `json:"id"`
	Hash        Hash      `json:"hash"`
	Location    string    `json:"location"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	OwnerID     string    `json:"owner_id,omitempty"` // empty for anonymous uploads
	CreatedAt   time.Time `json:"created_at"`
	TTL         TTLClass  `json:"ttl"`
}

// ExpiresAt returns the instant the record becomes due for eviction.
// Permanent records return false.
func (r *ContentRecord) ExpiresAt() (time.Time, bool) {
	return r.TTL.ExpiresAt(r.CreatedAt)
}

// Due reports whether the record has expired at now.
func (r *ContentRecord) Due(now time.Time) bool {
	expiresAt, ok := r.ExpiresAt()
	return ok && !expiresAt.After(now)
}
