// Package index maintains one exact-search snapshot per projection config.
//
// A Manager tracks each config through Absent, Building, Ready and Stale.
// Builds read every live record from a Source, build an immutable Snapshot
// and publish it with an atomic pointer swap; queries never see a partially
// built snapshot and keep reading the prior one while a rebuild runs.
//
// Deletes are applied to the published snapshot at once as roaring64
// tombstones (copy-on-write). Inserts only count towards the staleness
// threshold; a later build picks them up.
//
// # Persistence
//
// With a Persister, every successful build is written to a blobstore.Store
// as a block-compressed (LZ4 or ZSTD), CRC32-checked blob. On first use of a
// config the saved snapshot is loaded and kept only if its live count and
// highest live record id still match the store:
//
//	p := index.NewPersister(blobs, func(o *index.PersisterOptions) {
//		o.Compression = index.CompressionZSTD
//	})
//	m := index.NewManager(records, func(o *index.Options) {
//		o.Persister = p
//		o.Policy.StalenessThreshold = 100
//	})
package index
