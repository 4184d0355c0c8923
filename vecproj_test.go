package vecproj

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecproj/blobstore"
	"github.com/hupe1980/vecproj/distance"
	"github.com/hupe1980/vecproj/export"
	"github.com/hupe1980/vecproj/index"
	"github.com/hupe1980/vecproj/model"
	"github.com/hupe1980/vecproj/pipeline"
	"github.com/hupe1980/vecproj/resource"
	"github.com/hupe1980/vecproj/store"
)

func truncateSpec(in, width int) pipeline.Spec {
	return pipeline.Spec{
		Name:     "truncate",
		Version:  "1",
		InputDim: in,
		Steps:    []pipeline.StepSpec{{Transform: "truncate", Params: map[string]any{"width": width}}},
	}
}

func newEngine(t *testing.T, st store.Store, opts ...Option) *Engine {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	e, err := New(st, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestTruncateExample(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	cfg, err := e.RegisterConfig(truncateSpec(4, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.OutputDim())

	raw, ids, err := e.IngestAndProject(ctx, []float32{1, 2, 3, 4}, model.Metadata{"k": "v"}, cfg.ID())
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.NotZero(t, raw)

	rows, err := collect(e, cfg.ID())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []float32{1, 2}, rows[0].Components)
	assert.Equal(t, raw, rows[0].SourceID)
	assert.Equal(t, "v", rows[0].Metadata["k"])
}

func TestRegisterConfig(t *testing.T) {
	e := newEngine(t, nil)

	a, err := e.RegisterConfig(truncateSpec(4, 2))
	require.NoError(t, err)
	b, err := e.RegisterConfig(truncateSpec(4, 2))
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := e.RegisterConfig(truncateSpec(4, 3))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), c.ID())
	assert.Len(t, e.Configs(), 2)

	_, err = e.RegisterConfig(pipeline.Spec{InputDim: 4, Steps: []pipeline.StepSpec{{Transform: "nope"}}})
	assert.ErrorIs(t, err, ErrUnknownTransform)

	_, err = e.Config("missing")
	assert.ErrorIs(t, err, ErrUnknownConfig)

	require.NoError(t, e.UnregisterConfig(c.ID()))
	_, err = e.IndexStatus(c.ID())
	assert.ErrorIs(t, err, ErrUnknownConfig)
	assert.ErrorIs(t, e.UnregisterConfig(c.ID()), ErrUnknownConfig)
}

func TestProjectIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	cfg, err := e.RegisterConfig(truncateSpec(3, 2))
	require.NoError(t, err)

	raw, err := e.Ingest(ctx, []float32{1, 2, 3}, nil)
	require.NoError(t, err)
	first, err := e.Project(ctx, raw, cfg.ID())
	require.NoError(t, err)
	second, err := e.Project(ctx, raw, cfg.ID())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	st, err := e.IndexStatus(cfg.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Mutations, "the repeat projection is not a mutation")
}

// plainStore hides the KeyFinder of the embedded store.
type plainStore struct{ store.Store }

func TestProjectResolvesConflicts(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		st   store.Store
	}{
		{"WithExistingID", plainStore{store.NewMemory(store.WithConflictReporting(true))}},
		{"ListScan", plainStore{store.NewMemory(store.WithConflictReporting(false))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, tt.st)
			cfg, err := e.RegisterConfig(truncateSpec(3, 2))
			require.NoError(t, err)

			raw, err := e.Ingest(ctx, []float32{1, 2, 3}, nil)
			require.NoError(t, err)
			first, err := e.Project(ctx, raw, cfg.ID())
			require.NoError(t, err)
			second, err := e.Project(ctx, raw, cfg.ID())
			require.NoError(t, err)
			assert.Equal(t, first, second)
		})
	}
}

// insertOnlyStore hides FindProjection, so every Project reaches the store
// write as it would after losing a race with another writer.
type insertOnlyStore struct {
	store.Store
	mem *store.Memory
}

func (s insertOnlyStore) InsertProjection(ctx context.Context, in store.ProjectionInput) (model.RecordID, bool, error) {
	return s.mem.InsertProjection(ctx, in)
}

func TestProjectExistingRecordKeepsIndexReady(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	e := newEngine(t, insertOnlyStore{Store: mem, mem: mem})
	cfg, err := e.RegisterConfig(truncateSpec(3, 2))
	require.NoError(t, err)

	raw, err := e.Ingest(ctx, []float32{1, 2, 3}, nil)
	require.NoError(t, err)
	first, err := e.Project(ctx, raw, cfg.ID())
	require.NoError(t, err)
	_, err = e.BuildIndex(ctx, cfg.ID())
	require.NoError(t, err)

	second, err := e.Project(ctx, raw, cfg.ID())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	st, err := e.IndexStatus(cfg.ID())
	require.NoError(t, err)
	assert.Equal(t, index.StateReady, st.State)
	assert.Zero(t, st.Mutations)
}

func TestGetProjection(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	cfg, err := e.RegisterConfig(truncateSpec(3, 2))
	require.NoError(t, err)

	raw, recs, err := e.IngestAndProject(ctx, []float32{1, 2, 3}, model.Metadata{"label": "a"}, cfg.ID())
	require.NoError(t, err)

	d, err := e.GetProjection(ctx, recs[0])
	require.NoError(t, err)
	assert.Equal(t, recs[0], d.Record.ID)
	assert.Equal(t, model.Vector{1, 2}, d.Record.Vector)
	assert.Equal(t, raw, d.Source.ID)
	assert.Equal(t, model.Vector{1, 2, 3}, d.Source.Vector)
	assert.Equal(t, "a", d.Source.Metadata["label"])
	require.NotNil(t, d.Config)
	assert.Equal(t, cfg.ID(), d.Config.ID())

	require.NoError(t, e.UnregisterConfig(cfg.ID()))
	d, err = e.GetProjection(ctx, recs[0])
	require.NoError(t, err)
	assert.Nil(t, d.Config)

	require.NoError(t, e.Delete(ctx, recs[0]))
	_, err = e.GetProjection(ctx, recs[0])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjectErrors(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	cfg, err := e.RegisterConfig(truncateSpec(3, 2))
	require.NoError(t, err)

	_, err = e.Project(ctx, 99, cfg.ID())
	assert.ErrorIs(t, err, ErrNotFound)

	raw, err := e.Ingest(ctx, []float32{1, 2}, nil)
	require.NoError(t, err)
	_, err = e.Project(ctx, raw, cfg.ID())
	var dm *DimensionMismatchError
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 3, dm.Expected)
	assert.Equal(t, 2, dm.Actual)

	_, err = e.Project(ctx, raw, "missing")
	assert.ErrorIs(t, err, ErrUnknownConfig)
}

func TestIngestValidation(t *testing.T) {
	e := newEngine(t, nil)
	_, err := e.Ingest(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = e.Ingest(context.Background(), []float32{float32(inf())}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestQueryExample(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	cfg, err := e.RegisterConfig(truncateSpec(3, 2))
	require.NoError(t, err)

	_, a, err := e.IngestAndProject(ctx, []float32{0, 0, 9}, nil, cfg.ID())
	require.NoError(t, err)
	_, _, err = e.IngestAndProject(ctx, []float32{3, 4, 9}, nil, cfg.ID())
	require.NoError(t, err)

	res, err := e.Query(ctx, QueryRequest{ConfigID: cfg.ID(), Vector: []float32{0, 0}, K: 1, Metric: distance.MetricEuclidean})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, a[0], res.Hits[0].ID)
	assert.Zero(t, res.Hits[0].Distance)

	res, err = e.QueryRaw(ctx, QueryRequest{ConfigID: cfg.ID(), Vector: []float32{3, 4, -1}, K: 2, Metric: distance.MetricEuclidean})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	assert.Zero(t, res.Hits[0].Distance)
	assert.InDelta(t, 5.0, res.Hits[1].Distance, 1e-12)
}

func TestQueryRawValidation(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	cfg, err := e.RegisterConfig(truncateSpec(3, 2))
	require.NoError(t, err)

	_, err = e.QueryRaw(ctx, QueryRequest{ConfigID: cfg.ID(), Vector: []float32{1, 2, 3}, K: 0, Metric: distance.MetricCosine})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = e.QueryRaw(ctx, QueryRequest{ConfigID: cfg.ID(), Vector: []float32{1, 2, 3}, K: 1})
	assert.ErrorIs(t, err, ErrUnsupportedMetric)
	_, err = e.QueryRaw(ctx, QueryRequest{ConfigID: "missing", Vector: []float32{1, 2, 3}, K: 1, Metric: distance.MetricCosine})
	assert.ErrorIs(t, err, ErrUnknownConfig)

	_, err = e.QueryRaw(ctx, QueryRequest{ConfigID: cfg.ID(), Vector: []float32{1, 2}, K: 1, Metric: distance.MetricCosine})
	var dm *DimensionMismatchError
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 0, dm.Step)
}

func TestDeleteThenStrictQuery(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil, WithPolicy(index.Policy{StalenessThreshold: 10}))
	cfg, err := e.RegisterConfig(truncateSpec(3, 2))
	require.NoError(t, err)

	var ids []model.RecordID
	for _, v := range [][]float32{{0, 0, 1}, {1, 0, 1}, {2, 0, 1}} {
		_, got, err := e.IngestAndProject(ctx, v, nil, cfg.ID())
		require.NoError(t, err)
		ids = append(ids, got...)
	}
	_, err = e.BuildIndex(ctx, cfg.ID())
	require.NoError(t, err)

	require.NoError(t, e.Delete(ctx, ids[0]))
	assert.ErrorIs(t, e.Delete(ctx, ids[0]), ErrNotFound)

	// Below the threshold the index stays Ready, but the record is gone.
	res, err := e.Query(ctx, QueryRequest{ConfigID: cfg.ID(), Vector: []float32{0, 0}, K: 3, Metric: distance.MetricEuclidean})
	require.NoError(t, err)
	assert.False(t, res.Stale)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, ids[1], res.Hits[0].ID)

	require.NoError(t, e.index.Invalidate(cfg.ID()))
	res, err = e.Query(ctx, QueryRequest{ConfigID: cfg.ID(), Vector: []float32{0, 0}, K: 3, Metric: distance.MetricEuclidean, Strict: true})
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Equal(t, uint64(2), res.Generation)
	for _, h := range res.Hits {
		assert.NotEqual(t, ids[0], h.ID)
	}
}

func TestCheckDriftAll(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	e := newEngine(t, st)
	cfg, err := e.RegisterConfig(truncateSpec(3, 2))
	require.NoError(t, err)
	other, err := e.RegisterConfig(truncateSpec(3, 1))
	require.NoError(t, err)

	_, _, err = e.IngestAndProject(ctx, []float32{1, 2, 3}, nil, cfg.ID(), other.ID())
	require.NoError(t, err)
	_, err = e.BuildIndex(ctx, cfg.ID())
	require.NoError(t, err)
	_, err = e.BuildIndex(ctx, other.ID())
	require.NoError(t, err)

	// A write that bypasses the engine.
	_, err = st.PutProjection(ctx, store.ProjectionInput{SourceID: 50, ConfigID: cfg.ID(), Vector: []float32{7, 7}})
	require.NoError(t, err)

	drifted, err := e.CheckDriftAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ConfigID{cfg.ID()}, drifted)

	st2, err := e.IndexStatus(cfg.ID())
	require.NoError(t, err)
	assert.Equal(t, index.StateStale, st2.State)
}

func TestMetricsAndLogging(t *testing.T) {
	ctx := context.Background()
	mc := &BasicMetricsCollector{}
	e := newEngine(t, nil, WithMetricsCollector(mc), WithLogger(NoopLogger()))
	cfg, err := e.RegisterConfig(truncateSpec(3, 2))
	require.NoError(t, err)

	_, ids, err := e.IngestAndProject(ctx, []float32{1, 2, 3}, nil, cfg.ID())
	require.NoError(t, err)
	_, err = e.Query(ctx, QueryRequest{ConfigID: cfg.ID(), Vector: []float32{0, 0}, K: 1, Metric: distance.MetricCosine})
	require.NoError(t, err)
	_, err = e.Query(ctx, QueryRequest{ConfigID: cfg.ID(), Vector: []float32{0, 0}, K: 0, Metric: distance.MetricCosine})
	require.Error(t, err)
	require.NoError(t, e.Delete(ctx, ids[0]))

	s := mc.GetStats()
	assert.Equal(t, int64(1), s.IngestCount)
	assert.Equal(t, int64(1), s.ProjectCount)
	assert.Equal(t, int64(2), s.QueryCount)
	assert.Equal(t, int64(1), s.QueryErrors)
	assert.Equal(t, int64(1), s.DeleteCount)
	assert.Equal(t, int64(1), s.BuildCount)
	assert.Equal(t, int64(1), s.BuildRecords)
}

func TestExportCSV(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	cfg, err := e.RegisterConfig(truncateSpec(3, 2))
	require.NoError(t, err)
	_, _, err = e.IngestAndProject(ctx, []float32{0.5, -1, 3}, nil, cfg.ID())
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := e.ExportCSV(ctx, &buf, cfg.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "record_id,source_id,x0,x1,metadata\n1,1,0.5,-1,\n", buf.String())

	buf.Reset()
	n, err = e.ExportJSONLines(ctx, &buf, cfg.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, strings.HasPrefix(buf.String(), `{"record_id":1`))

	_, err = e.ExportCSV(ctx, &buf, "missing")
	assert.ErrorIs(t, err, ErrUnknownConfig)
	_, err = collect(e, "missing")
	assert.ErrorIs(t, err, ErrUnknownConfig)
}

func TestSnapshotWarmStart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	blobs := blobstore.NewMemoryStore()

	first, err := New(st, WithSnapshotStore(blobs), WithKeepStoreOpen())
	require.NoError(t, err)
	cfg, err := first.RegisterConfig(truncateSpec(3, 2))
	require.NoError(t, err)
	_, _, err = first.IngestAndProject(ctx, []float32{1, 2, 3}, nil, cfg.ID())
	require.NoError(t, err)
	_, err = first.BuildIndex(ctx, cfg.ID())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	names, err := blobs.List(ctx, "snapshots/")
	require.NoError(t, err)
	assert.NotEmpty(t, names)

	second := newEngine(t, st, WithSnapshotStore(blobs))
	_, err = second.RegisterConfig(truncateSpec(3, 2))
	require.NoError(t, err)
	res, err := second.Query(ctx, QueryRequest{ConfigID: cfg.ID(), Vector: []float32{1, 2}, K: 1, Metric: distance.MetricEuclidean})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, uint64(1), res.Generation, "served from the saved snapshot")
}

func TestWarmStartAfterReplaceServesLiveRecords(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	blobs := blobstore.NewMemoryStore()

	first, err := New(st, WithSnapshotStore(blobs), WithKeepStoreOpen())
	require.NoError(t, err)
	cfg, err := first.RegisterConfig(truncateSpec(3, 2))
	require.NoError(t, err)
	var ids []model.RecordID
	for _, v := range [][]float32{{1, 0, 0}, {0, 1, 0}, {1, 1, 0}} {
		_, recs, err := first.IngestAndProject(ctx, v, nil, cfg.ID())
		require.NoError(t, err)
		ids = append(ids, recs[0])
	}
	_, err = first.BuildIndex(ctx, cfg.ID())
	require.NoError(t, err)
	require.NoError(t, first.Delete(ctx, ids[0]))
	_, recs, err := first.IngestAndProject(ctx, []float32{2, 2, 0}, nil, cfg.ID())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newEngine(t, st, WithSnapshotStore(blobs))
	_, err = second.RegisterConfig(truncateSpec(3, 2))
	require.NoError(t, err)
	res, err := second.Query(ctx, QueryRequest{ConfigID: cfg.ID(), Vector: []float32{1, 0}, K: 10, Metric: distance.MetricEuclidean, Strict: true})
	require.NoError(t, err)
	require.Len(t, res.Hits, 3)
	got := make([]model.RecordID, 0, len(res.Hits))
	for _, h := range res.Hits {
		got = append(got, h.ID)
	}
	assert.NotContains(t, got, ids[0])
	assert.Contains(t, got, recs[0])
	assert.False(t, res.Stale)
}

func TestStats(t *testing.T) {
	e := newEngine(t, nil, WithResources(resourceConfig()))
	_, err := e.RegisterConfig(truncateSpec(3, 2))
	require.NoError(t, err)

	s := e.Stats()
	assert.Equal(t, 1, s.Configs)
	require.Len(t, s.Indexes, 1)
	assert.Equal(t, index.StateAbsent, s.Indexes[0].State)
	require.NotNil(t, s.Resources)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	e, err := New(store.NewMemory())
	require.NoError(t, err)
	cfg, err := e.RegisterConfig(truncateSpec(3, 2))
	require.NoError(t, err)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = e.Ingest(ctx, []float32{1, 2, 3}, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Query(ctx, QueryRequest{ConfigID: cfg.ID(), Vector: []float32{0, 0}, K: 1, Metric: distance.MetricCosine})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.RegisterConfig(truncateSpec(3, 1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewNilStore(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(store.Unavailable(assert.AnError)))
	assert.True(t, IsRetryable(ErrIndexBuilding))
	assert.False(t, IsRetryable(ErrNotFound))
}

func collect(e *Engine, id model.ConfigID) ([]export.Row, error) {
	var out []export.Row
	for row, err := range e.Export(context.Background(), id) {
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func inf() float64 { return math.Inf(1) }

func resourceConfig() resource.Config {
	return resource.Config{MemoryLimitBytes: 1 << 20, MaxConcurrentBuilds: 2}
}
