package permuto

import "errors"

var (
	// ErrConfig reports an invalid Config: unsupported dimension, mismatched
	// list lengths, or a non-positive width, resolution or hashmap size.
	ErrConfig = errors.New("permuto: invalid config")
	// ErrShape reports arrays or options inconsistent with the Meta they are
	// used with. Calls that fail with ErrShape write no output.
	ErrShape = errors.New("permuto: shape mismatch")
)
