package types

import "errors"

var (
	// ErrShapeMismatch is returned when paired arrays disagree in shape.
	ErrShapeMismatch = errors.New("dimension mismatch")

	// ErrNoDepthAxis is returned when no canonical depth level can be resolved.
	ErrNoDepthAxis = errors.New("no usable depth axis")

	// ErrAllMissing is returned when every sample of a unit is invalid.
	ErrAllMissing = errors.New("all data missing")

	// ErrMissingVariable is returned when a required variable is absent.
	ErrMissingVariable = errors.New("required variable not found")
)

// IsSkip reports whether err marks a unit that should be skipped rather than
// treated as a failure.
func IsSkip(err error) bool {
	return errors.Is(err, ErrNoDepthAxis) || errors.Is(err, ErrAllMissing) || errors.Is(err, ErrMissingVariable)
}
