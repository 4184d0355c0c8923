package model

import (
	"fmt"
	"slices"
	"time"
)

// RawID identifies a raw (unprojected) vector in the store.
type RawID uint64

// RecordID identifies a ProjectionRecord. Ordering of RecordIDs is the
// tie-break order for equal distances.
type RecordID uint64

// String returns a string representation of the RecordID.
func (id RecordID) String() string {
	return fmt.Sprintf("rec:%d", uint64(id))
}

// ConfigID is the stable content hash of a projection config.
type ConfigID string

// Short returns the first 12 hex characters, used in logs and blob names.
func (id ConfigID) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}

// Vector is a fixed-width sequence of components. Values handed out by the
// engine are always private copies.
type Vector []float32

// Clone returns a copy of v.
func (v Vector) Clone() Vector {
	return slices.Clone(v)
}

// Dim returns the width of the vector.
func (v Vector) Dim() int { return len(v) }

// Metadata is optional string metadata attached to vectors and records.
type Metadata map[string]string

// Clone returns a copy of m (nil stays nil).
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RawVector is an ingested embedding.
type RawVector struct {
	ID        RawID
	Vector    Vector
	Metadata  Metadata
	CreatedAt time.Time
}

// ProjectionRecord is the result of applying a config to a raw vector.
// It is never mutated; re-projection after deletion creates a new record.
type ProjectionRecord struct {
	ID        RecordID
	SourceID  RawID
	ConfigID  ConfigID
	Vector    Vector
	Metadata  Metadata
	CreatedAt time.Time
}

// NaturalKey returns the (source, config) pair that identifies at most one
// live record.
func (r ProjectionRecord) NaturalKey() NaturalKey {
	return NaturalKey{SourceID: r.SourceID, ConfigID: r.ConfigID}
}

// NaturalKey is the upsert key of a projection record.
type NaturalKey struct {
	SourceID RawID
	ConfigID ConfigID
}

// String returns a string representation of the NaturalKey.
func (k NaturalKey) String() string {
	return fmt.Sprintf("%d/%s", uint64(k.SourceID), k.ConfigID.Short())
}

// Hit is a single retrieval result.
type Hit struct {
	ID       RecordID
	SourceID RawID
	Distance float64
}

// QueryResult is the ordered result of a top-k query.
type QueryResult struct {
	// Hits are sorted by ascending distance, ties by ascending ID.
	Hits []Hit
	// Stale reports that the serving snapshot may not reflect the latest
	// store contents.
	Stale bool
	// Generation of the snapshot that served the query.
	Generation uint64
}
