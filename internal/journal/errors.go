package journal

import "errors"

// ErrInvalidRetention is returned by Prune for a non-positive age.
var ErrInvalidRetention = errors.New("journal: retention must be positive")
