// Package store defines the VectorRecord store contract consumed by the
// engine, its typed failures, and an in-memory reference implementation.
//
// # Contract
//
//   - PutRaw stores an ingested vector. Content deduplication is a store policy.
//   - PutProjection is upsert-by-natural-key: at most one live record per
//     (source, config). A store either returns the existing RecordID or fails
//     with *ConflictError (matching ErrConflictOnNaturalKey).
//   - Delete is logical. Deleted records disappear from GetProjection,
//     ListProjections, CountProjections and MaxProjectionID; a later
//     PutProjection for the same natural key creates a new record.
//   - RecordIDs increase and are never reused.
//   - ListProjections returns live records in ascending RecordID order.
//
// Backends report failures wrapped in *OpError naming the operation, and
// never retry internally. ErrStorageUnavailable is retryable by the caller.
//
// # Backends
//
//   - Memory (this package)
//   - sqlite.Store (modernc.org/sqlite)
//   - dynamodb.Store (AWS DynamoDB)
//   - qdrant.Store (Qdrant)
package store
