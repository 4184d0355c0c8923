package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/vecproj/internal/errs"
	"github.com/hupe1980/vecproj/model"
)

var (
	// ErrNotFound is returned when an id does not exist or was deleted.
	ErrNotFound = errs.ErrNotFound
	// ErrConflictOnNaturalKey is matched by *ConflictError.
	ErrConflictOnNaturalKey = errs.ErrConflictOnNaturalKey
	// ErrStorageUnavailable marks transient backend failures.
	ErrStorageUnavailable = errs.ErrStorageUnavailable
)

// ProjectionInput is the payload of PutProjection.
type ProjectionInput struct {
	SourceID model.RawID
	ConfigID model.ConfigID
	Vector   model.Vector
	Metadata model.Metadata
}

// Key returns the natural key of the input.
func (in ProjectionInput) Key() model.NaturalKey {
	return model.NaturalKey{SourceID: in.SourceID, ConfigID: in.ConfigID}
}

// Store is the VectorRecord store contract.
// Implementations must be safe for concurrent use.
type Store interface {
	PutRaw(ctx context.Context, v model.RawVector) (model.RawID, error)
	GetRaw(ctx context.Context, id model.RawID) (model.RawVector, error)
	PutProjection(ctx context.Context, in ProjectionInput) (model.RecordID, error)
	GetProjection(ctx context.Context, id model.RecordID) (model.ProjectionRecord, error)
	ListProjections(ctx context.Context, configID model.ConfigID) ([]model.ProjectionRecord, error)
	CountProjections(ctx context.Context, configID model.ConfigID) (int, error)
	// MaxProjectionID returns the highest live record id of a config, or 0
	// when it has none. Record ids are never reused.
	MaxProjectionID(ctx context.Context, configID model.ConfigID) (model.RecordID, error)
	Delete(ctx context.Context, id model.RecordID) error
	Close() error
}

// KeyFinder is implemented by stores that can look up the live record for a
// natural key directly. The engine uses it to resolve conflicts that carry no
// existing id; otherwise it scans ListProjections.
type KeyFinder interface {
	FindProjection(ctx context.Context, key model.NaturalKey) (model.RecordID, error)
}

// Inserter is implemented by stores that can report whether PutProjection
// created a record or returned an existing one. The engine uses it to signal
// the index only for real inserts.
type Inserter interface {
	InsertProjection(ctx context.Context, in ProjectionInput) (id model.RecordID, created bool, err error)
}

// ConflictError reports that a live record already exists for a natural key.
type ConflictError struct {
	Key model.NaturalKey
	// Existing is the live record's id, or 0 if the backend did not report it.
	Existing model.RecordID
}

func (e *ConflictError) Error() string {
	if e.Existing == 0 {
		return fmt.Sprintf("conflict on natural key %s", e.Key)
	}
	return fmt.Sprintf("conflict on natural key %s: existing record %d", e.Key, e.Existing)
}

// Is reports whether target is ErrConflictOnNaturalKey.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflictOnNaturalKey
}

// OpError attributes a failure to a store operation.
type OpError struct {
	Op      string
	Backend string
	Err     error
}

func (e *OpError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s (%s): %v", e.Op, e.Backend, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Op wraps err in *OpError unless it is nil or already attributed.
func Op(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, Backend: backend, Err: err}
}

// Unavailable wraps a transient backend error so it matches ErrStorageUnavailable.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// OpName returns the operation named by an *OpError in err's chain.
func OpName(err error) string {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Op
	}
	return ""
}

// Operation names used in *OpError.
const (
	OpPutRaw           = "putRaw"
	OpGetRaw           = "getRaw"
	OpPutProjection    = "putProjection"
	OpGetProjection    = "getProjection"
	OpListProjections  = "listProjections"
	OpCountProjections = "countProjections"
	OpMaxProjectionID  = "maxProjectionID"
	OpDelete           = "delete"
	OpFindProjection   = "findProjection"
)

// Validate checks a ProjectionInput before a backend write.
func Validate(in ProjectionInput) error {
	if in.ConfigID == "" {
		return errs.Invalidf("config id is empty")
	}
	if len(in.Vector) == 0 {
		return errs.Invalidf("projection vector is empty")
	}
	return nil
}
