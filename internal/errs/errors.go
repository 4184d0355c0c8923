// Package errs holds the error taxonomy shared by every vecproj package.
// The root package re-exports these values; callers should match against
// those with errors.Is / errors.As.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParameters is returned when transform parameters violate their schema.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrUnknownTransform is returned when a transform name is not registered.
	ErrUnknownTransform = errors.New("unknown transform")

	// ErrDimensionalityMismatch is returned when vector widths disagree.
	ErrDimensionalityMismatch = errors.New("dimensionality mismatch")

	// ErrInvalidArgument is returned for malformed caller input (k <= 0, NaN components, missing metric).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnknownConfig is returned when a config identity has no registration.
	ErrUnknownConfig = errors.New("unknown config")

	// ErrIndexBuilding is returned when a query waited too long for an index build.
	ErrIndexBuilding = errors.New("index building")

	// ErrConflictOnNaturalKey is returned by stores that do not deduplicate
	// projections on (source, config).
	ErrConflictOnNaturalKey = errors.New("conflict on natural key")

	// ErrStorageUnavailable is returned when the store cannot serve a request.
	// It is retryable by the caller; nothing retries it internally.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound is returned when a requested id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when an operation is attempted on a closed component.
	ErrClosed = errors.New("closed")

	// ErrCorrupt is returned when persisted data fails validation (checksum mismatch etc).
	ErrCorrupt = errors.New("data corruption detected")
)

// DimensionMismatchError names where in a pipeline widths disagree.
//
// Step is 1-based; Step 0 refers to the config's declared input width.
// It matches ErrDimensionalityMismatch via errors.Is.
type DimensionMismatchError struct {
	Step     int
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	if e.Step == 0 {
		return fmt.Sprintf("dimensionality mismatch: expected %d, got %d", e.Expected, e.Actual)
	}
	return fmt.Sprintf("dimensionality mismatch at step %d: expected input %d, got %d", e.Step, e.Expected, e.Actual)
}

// Is reports whether target is ErrDimensionalityMismatch.
func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionalityMismatch
}

// StepError attributes a transform instantiation failure to a pipeline step.
type StepError struct {
	Step      int
	Transform string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Step, e.Transform, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Invalidf returns an error wrapping ErrInvalidArgument.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
