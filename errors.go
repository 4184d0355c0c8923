package vecproj

import (
	"errors"

	"github.com/hupe1980/vecproj/distance"
	"github.com/hupe1980/vecproj/index"
	"github.com/hupe1980/vecproj/internal/errs"
	"github.com/hupe1980/vecproj/store"
)

var (
	// ErrInvalidParameters is returned when transform parameters violate their schema.
	ErrInvalidParameters = errs.ErrInvalidParameters
	// ErrUnknownTransform is returned when a config names an unregistered transform.
	ErrUnknownTransform = errs.ErrUnknownTransform
	// ErrDimensionalityMismatch is matched by *DimensionMismatchError.
	ErrDimensionalityMismatch = errs.ErrDimensionalityMismatch
	// ErrInvalidArgument is returned for malformed caller input.
	ErrInvalidArgument = errs.ErrInvalidArgument
	// ErrUnknownConfig is returned for config ids that were never registered.
	ErrUnknownConfig = errs.ErrUnknownConfig
	// ErrIndexBuilding is returned when a query gave up waiting for a first build.
	ErrIndexBuilding = errs.ErrIndexBuilding
	// ErrConflictOnNaturalKey is matched by *ConflictError.
	ErrConflictOnNaturalKey = errs.ErrConflictOnNaturalKey
	// ErrStorageUnavailable marks transient store failures. Callers may retry.
	ErrStorageUnavailable = errs.ErrStorageUnavailable
	// ErrNotFound is returned for unknown or deleted ids.
	ErrNotFound = errs.ErrNotFound
	// ErrClosed is returned after Close.
	ErrClosed = errs.ErrClosed
	// ErrCorrupt is returned when a persisted snapshot fails validation.
	ErrCorrupt = errs.ErrCorrupt
	// ErrUnsupportedMetric is returned for metrics other than Euclidean and Cosine.
	ErrUnsupportedMetric = distance.ErrUnsupportedMetric
)

type (
	// DimensionMismatchError names the pipeline step at which widths disagree.
	DimensionMismatchError = errs.DimensionMismatchError
	// StepError attributes a transform instantiation failure to a step.
	StepError = errs.StepError
	// ConflictError reports an existing live record for a natural key.
	ConflictError = store.ConflictError
	// OpError attributes a store failure to an operation and backend.
	OpError = store.OpError
)

// IsRetryable reports whether err is transient and the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || index.IsBuilding(err)
}
