// Package vecproj projects embeddings into lower-dimensional spaces and
// answers exact nearest-neighbour queries over the projected vectors.
//
// A projection config is a named, versioned chain of transforms (truncate,
// linear maps, centering, normalization, seeded random rotations and
// projections). Its identity is a content hash of the canonical spec, so two
// identical specs always resolve to the same config.
//
// # Quick Start
//
//	ctx := context.Background()
//	eng, _ := vecproj.New(store.NewMemory())
//	defer eng.Close()
//
//	cfg, _ := eng.RegisterConfig(pipeline.Spec{
//	    Name:     "plot-2d",
//	    Version:  "1",
//	    InputDim: 768,
//	    Steps: []pipeline.StepSpec{
//	        {Transform: "random_projection", Params: map[string]any{"input": 768, "output": 2, "seed": 7}},
//	    },
//	})
//
//	raw, _ := eng.Ingest(ctx, embedding, model.Metadata{"doc": "a.md"})
//	_, _ = eng.Project(ctx, raw, cfg.ID())
//
//	res, _ := eng.QueryRaw(ctx, vecproj.QueryRequest{
//	    ConfigID: cfg.ID(),
//	    Vector:   queryEmbedding,
//	    K:        10,
//	    Metric:   distance.MetricCosine,
//	})
//
// # Indexes
//
// Each registered config owns an in-memory index built from the record
// store. An index is Absent until the first query or BuildIndex, Ready after
// a build, and Stale once more mutations than the policy's staleness
// threshold have happened since. Non-strict queries are served from the last
// snapshot and flag Stale results; strict queries rebuild first. Deleted
// records never appear in results, whatever the index state.
//
// Snapshots can be persisted to any blob store (local disk, S3, MinIO) with
// WithSnapshotStore so that a restarted process serves queries without a
// full rebuild.
//
// # Errors
//
// Errors are matched with errors.Is against the sentinels in this package,
// or with errors.As against *DimensionMismatchError, *ConflictError and
// *OpError. Only ErrStorageUnavailable and ErrIndexBuilding are retryable;
// nothing is retried internally.
package vecproj
