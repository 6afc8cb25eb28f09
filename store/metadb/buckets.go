package metadb

import (
	"encoding/binary"
	"time"

	contentdrop "github.com/wolfeidau/content-drop"
)

// Bucket names for bbolt storage.
var (
	bucketRecords          = []byte("records")             // id -> ContentRecord JSON
	bucketRecordsByHash    = []byte("records_by_hash")     // hash -> id
	bucketRecordsByCreated = []byte("records_by_created")  // ttl+timestamp+id -> nil
	bucketRecordsByLoc     = []byte("records_by_location") // location -> id
)

const createdKeyLen = 1 + 8 + 8

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	ns := int64(binary.BigEndian.Uint64(b[:8])) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

func encodeID(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func decodeID(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[:8])
}

// makeCreatedKey creates a key for the records_by_created index.
// Format: [1-byte ttl class][8-byte timestamp][8-byte id]
// Keys of one class are contiguous and ordered by creation time.
func makeCreatedKey(ttl contentdrop.TTLClass, created time.Time, id uint64) []byte {
	key := make([]byte, createdKeyLen)
	key[0] = byte(ttl)
	copy(key[1:9], encodeTimestamp(created))
	copy(key[9:], encodeID(id))
	return key
}

// parseCreatedKey extracts the parts of a records_by_created key.
func parseCreatedKey(key []byte) (ttl contentdrop.TTLClass, created time.Time, id uint64) {
	if len(key) != createdKeyLen {
		return 0, time.Time{}, 0
	}
	return contentdrop.TTLClass(key[0]), decodeTimestamp(key[1:9]), decodeID(key[9:])
}
