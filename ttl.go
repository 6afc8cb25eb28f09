package contentdrop

import (
	"fmt"
	"time"
)

// TTLClass is the retention policy chosen at ingestion.
type TTLClass uint8

const (
	OneDay TTLClass = iota + 1
	OneWeek
	OneMonth
	OneYear
	Permanent
)

// Fixed retention offsets in seconds. A month is 30.44 days and a year is
// 365.24 days.
const (
	oneDaySeconds   = 86400
	oneWeekSeconds  = 604800
	oneMonthSeconds = 2629743
	oneYearSeconds  = 31556926
)

// TTLClasses lists every valid class, expiring ones first.
var TTLClasses = []TTLClass{OneDay, OneWeek, OneMonth, OneYear, Permanent}

var ttlNames = map[TTLClass]string{
	OneDay:    "oneDay",
	OneWeek:   "oneWeek",
	OneMonth:  "oneMonth",
	OneYear:   "oneYear",
	Permanent: "permanent",
}

// String returns the wire name of the class.
func (c TTLClass) String() string {
	if name, ok := ttlNames[c]; ok {
		return name
	}
	return fmt.Sprintf("TTLClass(%d)", uint8(c))
}

// Valid reports whether c is one of the defined classes.
func (c TTLClass) Valid() bool {
	_, ok := ttlNames[c]
	return ok
}

// Offset returns the retention period for the class. The boolean is false
// for Permanent and for unknown classes.
func (c TTLClass) Offset() (time.Duration, bool) {
	switch c {
	case OneDay:
		return oneDaySeconds * time.Second, true
	case OneWeek:
		return oneWeekSeconds * time.Second, true
	case OneMonth:
		return oneMonthSeconds * time.Second, true
	case OneYear:
		return oneYearSeconds * time.Second, true
	default:
		return 0, false
	}
}

// ExpiresAt derives the expiration instant for content created at created.
// Permanent content never expires and returns false.
func (c TTLClass) ExpiresAt(created time.Time) (time.Time, bool) {
	offset, ok := c.Offset()
	if !ok {
		return time.Time{}, false
	}
	return created.Add(offset), true
}

// MarshalText implements encoding.TextMarshaler.
func (c TTLClass) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid ttl class: %d", uint8(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *TTLClass) UnmarshalText(text []byte) error {
	parsed, err := ParseTTLClass(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseTTLClass parses a wire name such as "oneDay" or "permanent".
func ParseTTLClass(s string) (TTLClass, error) {
	for c, name := range ttlNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown ttl class %q", ErrInvalidInput, s)
}
