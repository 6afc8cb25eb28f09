package contentdrop

import "errors"

var (
	// ErrDuplicateContent is returned when identical content is already stored.
	ErrDuplicateContent = errors.New("duplicate content")

	// ErrNamingConflict is returned when a blob already exists at the location
	// derived from the file name. Retrying with a different name succeeds.
	ErrNamingConflict = errors.New("naming conflict")

	// ErrNotFound is returned when no record exists for a hash.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for unusable file names or ttl classes.
	ErrInvalidInput = errors.New("invalid input")
)
