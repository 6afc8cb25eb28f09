package metadb

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	contentdrop "github.com/wolfeidau/content-drop"
)

func TestEncodeTimestampOrdering(t *testing.T) {
	times := []time.Time{
		time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Unix(0, 0),
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 0, 0, 1, time.UTC),
	}
	for i := 1; i < len(times); i++ {
		assert.Negative(t, bytes.Compare(encodeTimestamp(times[i-1]), encodeTimestamp(times[i])))
	}
	for _, ts := range times {
		assert.True(t, ts.Equal(decodeTimestamp(encodeTimestamp(ts))))
	}
}

func TestCreatedKeyRoundTrip(t *testing.T) {
	created := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
	key := makeCreatedKey(contentdrop.OneWeek, created, 77)

	ttl, gotCreated, id := parseCreatedKey(key)
	assert.Equal(t, contentdrop.OneWeek, ttl)
	assert.True(t, created.Equal(gotCreated))
	assert.Equal(t, uint64(77), id)

	// Same class, earlier time sorts first regardless of id
	earlier := makeCreatedKey(contentdrop.OneWeek, created.Add(-time.Second), 99)
	assert.Negative(t, bytes.Compare(earlier, key))
}
