package capability

import "errors"

// Domain errors for the capability package.
var (
	// ErrNotFound is returned when a name is not in the table.
	ErrNotFound = errors.New("capability: not found")

	// ErrWrongType is returned when a value is read as the wrong kind.
	ErrWrongType = errors.New("capability: wrong type")

	// ErrInvalidValue is returned when a raw value cannot be typed.
	ErrInvalidValue = errors.New("capability: invalid value")
)
