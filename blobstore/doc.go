// Package blobstore provides storage for index snapshot blobs.
//
// A Store holds immutable named blobs. Writers call Put with the complete
// content; readers Open a Blob and read it with ReadAt, or use ReadAll.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - MemoryStore: in-process map, for tests and ephemeral engines
//   - LocalStore: local filesystem, atomic rename on Put, mmap on Open
//   - s3.Store: Amazon S3 with multipart uploads
//   - minio.Store: MinIO and other S3-compatible servers
//
// Names are slash-separated relative paths ("snapshots/<config>/<uuid>.vps").
package blobstore
