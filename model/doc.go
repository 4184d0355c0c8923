// Package model defines core types used throughout vecproj.
//
// # Identity Types
//
//   - RawID: store-assigned identity of an ingested raw vector (uint64)
//   - RecordID: store-assigned identity of a projection record (uint64)
//   - ConfigID: content hash of a projection config (hex string)
//
// # Data Types
//
//   - RawVector: externally produced embedding plus metadata
//   - ProjectionRecord: projected vector with lineage (source, config)
//   - Hit / QueryResult: retrieval output
package model
