package vecproj

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hupe1980/vecproj/distance"
	"github.com/hupe1980/vecproj/export"
	"github.com/hupe1980/vecproj/index"
	"github.com/hupe1980/vecproj/model"
	"github.com/hupe1980/vecproj/pipeline"
	"github.com/hupe1980/vecproj/resource"
	"github.com/hupe1980/vecproj/retrieval"
	"github.com/hupe1980/vecproj/store"
)

// QueryRequest is a top-k query. Vector is in the config's output space for
// Query and in its input space for QueryRaw.
type QueryRequest = retrieval.Request

// Engine ties together the projection pipeline, the record store, one index
// per registered config and the retrieval engine.
//
// All methods are safe for concurrent use.
type Engine struct {
	store     store.Store
	pipeline  *pipeline.Pipeline
	index     *index.Manager
	retrieval *retrieval.Engine
	persister *index.Persister
	rc        *resource.Controller
	opts      options
	metrics   MetricsCollector
	logger    *Logger

	mu      sync.RWMutex
	configs map[model.ConfigID]*pipeline.Config

	closed atomic.Bool
}

// New returns an Engine over st. Unless WithKeepStoreOpen is given, Close
// also closes st.
func New(st store.Store, optFns ...Option) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: store is nil", ErrInvalidArgument)
	}
	opts := applyOptions(optFns)

	e := &Engine{
		store:    st,
		pipeline: pipeline.New(opts.registry),
		rc:       opts.resources,
		opts:     opts,
		metrics:  opts.metricsCollector,
		logger:   opts.logger,
		configs:  make(map[model.ConfigID]*pipeline.Config),
	}

	if opts.snapshots != nil {
		popts := append([]func(*index.PersisterOptions){func(o *index.PersisterOptions) {
			o.Resources = opts.resources
			o.Logger = opts.logger.Named("snapshots")
		}}, opts.persisterOptions...)
		e.persister = index.NewPersister(opts.snapshots, popts...)
	}

	e.index = index.NewManager(st, func(o *index.Options) {
		o.Policy = opts.policy
		o.Logger = opts.logger.Named("index")
		o.Resources = opts.resources
		o.Persister = e.persister
		o.OnBuild = e.onBuild
	})
	e.retrieval = retrieval.New(e.index, opts.retrievalOptions...)
	return e, nil
}

func (e *Engine) onBuild(ev index.BuildEvent) {
	e.metrics.RecordBuild(ev.Records, ev.Duration, ev.Err)
	e.logger.LogBuild(ev)
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return nil
}

// RegisterConfig validates spec, derives its content-hash identity and
// registers an index for it. Registering an identical spec again returns the
// existing config.
func (e *Engine) RegisterConfig(spec pipeline.Spec) (*pipeline.Config, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	cfg, err := e.pipeline.Build(spec)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.configs[cfg.ID()]; ok {
		return existing, nil
	}
	if err := e.index.Register(cfg.ID(), cfg.OutputDim()); err != nil {
		return nil, err
	}
	e.configs[cfg.ID()] = cfg
	e.logger.Info("config registered",
		zap.String("config_id", string(cfg.ID())),
		zap.String("name", cfg.Name()),
		zap.String("version", cfg.Version()),
		zap.Ints("dims", cfg.Dims()),
	)
	return cfg, nil
}

// UnregisterConfig drops a config and its index. Stored records are kept.
func (e *Engine) UnregisterConfig(id model.ConfigID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.configs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConfig, id)
	}
	delete(e.configs, id)
	return e.index.Unregister(id)
}

// Config returns a registered config.
func (e *Engine) Config(id model.ConfigID) (*pipeline.Config, error) {
	e.mu.RLock()
	cfg, ok := e.configs[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConfig, id)
	}
	return cfg, nil
}

// Configs returns all registered configs ordered by id.
func (e *Engine) Configs() []*pipeline.Config {
	e.mu.RLock()
	out := make([]*pipeline.Config, 0, len(e.configs))
	for _, cfg := range e.configs {
		out = append(out, cfg)
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b *pipeline.Config) int { return cmp.Compare(a.ID(), b.ID()) })
	return out
}

// Apply projects v with a registered config without storing anything.
func (e *Engine) Apply(id model.ConfigID, v []float32) ([]float32, error) {
	cfg, err := e.Config(id)
	if err != nil {
		return nil, err
	}
	return cfg.Apply(v)
}

// Ingest stores a raw vector.
func (e *Engine) Ingest(ctx context.Context, v []float32, md model.Metadata) (model.RawID, error) {
	start := time.Now()
	id, err := e.ingest(ctx, v, md)
	e.metrics.RecordIngest(time.Since(start), err)
	e.logger.LogIngest(id, len(v), err)
	return id, err
}

func (e *Engine) ingest(ctx context.Context, v []float32, md model.Metadata) (model.RawID, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return 0, fmt.Errorf("%w: raw vector is empty", ErrInvalidArgument)
	}
	if err := checkFinite(v); err != nil {
		return 0, err
	}
	return e.store.PutRaw(ctx, model.RawVector{Vector: v, Metadata: md})
}

// Project applies a config to a stored raw vector and stores the result.
// Projecting the same pair twice returns the same record id.
func (e *Engine) Project(ctx context.Context, raw model.RawID, configID model.ConfigID) (model.RecordID, error) {
	start := time.Now()
	id, err := e.project(ctx, raw, configID)
	e.metrics.RecordProject(time.Since(start), err)
	e.logger.LogProject(raw, configID, id, err)
	return id, err
}

func (e *Engine) project(ctx context.Context, raw model.RawID, configID model.ConfigID) (model.RecordID, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	cfg, err := e.Config(configID)
	if err != nil {
		return 0, err
	}

	key := model.NaturalKey{SourceID: raw, ConfigID: configID}
	if kf, ok := e.store.(store.KeyFinder); ok {
		id, err := kf.FindProjection(ctx, key)
		switch {
		case err == nil:
			return id, nil
		case !errors.Is(err, ErrNotFound):
			return 0, err
		}
	}

	rv, err := e.store.GetRaw(ctx, raw)
	if err != nil {
		return 0, err
	}
	out, err := cfg.Apply(rv.Vector)
	if err != nil {
		return 0, err
	}

	in := store.ProjectionInput{SourceID: raw, ConfigID: configID, Vector: out, Metadata: rv.Metadata}
	id, created, err := e.put(ctx, in)
	if err != nil {
		return e.resolveConflict(ctx, key, err)
	}
	if !created {
		return id, nil
	}
	if err := e.index.NotifyInsert(configID); err != nil && !errors.Is(err, ErrUnknownConfig) {
		return 0, err
	}
	return id, nil
}

// put stores a projection. Stores that cannot tell an insert from a
// returned existing record are assumed to have inserted.
func (e *Engine) put(ctx context.Context, in store.ProjectionInput) (model.RecordID, bool, error) {
	if ins, ok := e.store.(store.Inserter); ok {
		return ins.InsertProjection(ctx, in)
	}
	id, err := e.store.PutProjection(ctx, in)
	return id, err == nil, err
}

// resolveConflict turns a natural-key conflict into the existing record id so
// Project stays idempotent on stores that do not deduplicate.
func (e *Engine) resolveConflict(ctx context.Context, key model.NaturalKey, err error) (model.RecordID, error) {
	var ce *ConflictError
	if !errors.As(err, &ce) {
		return 0, err
	}
	if ce.Existing != 0 {
		return ce.Existing, nil
	}
	if kf, ok := e.store.(store.KeyFinder); ok {
		return kf.FindProjection(ctx, key)
	}
	recs, lerr := e.store.ListProjections(ctx, key.ConfigID)
	if lerr != nil {
		return 0, lerr
	}
	for _, r := range recs {
		if r.SourceID == key.SourceID {
			return r.ID, nil
		}
	}
	return 0, err
}

// IngestAndProject stores v and projects it with every given config. On a
// projection failure the raw id is still returned together with the ids
// projected so far.
func (e *Engine) IngestAndProject(ctx context.Context, v []float32, md model.Metadata, configIDs ...model.ConfigID) (model.RawID, []model.RecordID, error) {
	for _, id := range configIDs {
		if _, err := e.Config(id); err != nil {
			return 0, nil, err
		}
	}
	raw, err := e.Ingest(ctx, v, md)
	if err != nil {
		return 0, nil, err
	}
	ids := make([]model.RecordID, 0, len(configIDs))
	for _, cfg := range configIDs {
		id, err := e.Project(ctx, raw, cfg)
		if err != nil {
			return raw, ids, err
		}
		ids = append(ids, id)
	}
	return raw, ids, nil
}

// Delete removes a projection record. The record disappears from query
// results immediately; the index turns Stale once the staleness threshold is
// crossed.
func (e *Engine) Delete(ctx context.Context, id model.RecordID) error {
	start := time.Now()
	err := e.delete(ctx, id)
	e.metrics.RecordDelete(time.Since(start), err)
	e.logger.LogDelete(id, err)
	return err
}

func (e *Engine) delete(ctx context.Context, id model.RecordID) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	rec, err := e.store.GetProjection(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := e.index.NotifyDelete(rec.ConfigID, id); err != nil && !errors.Is(err, ErrUnknownConfig) {
		return err
	}
	return nil
}

// RecordDetail is a live projection record together with its lineage.
type RecordDetail struct {
	Record model.ProjectionRecord
	// Source is the raw vector the record was projected from.
	Source model.RawVector
	// Config is nil when the record's config is not registered with this
	// engine.
	Config *pipeline.Config
}

// GetProjection returns a live record with its source vector and config.
func (e *Engine) GetProjection(ctx context.Context, id model.RecordID) (RecordDetail, error) {
	if err := e.checkOpen(); err != nil {
		return RecordDetail{}, err
	}
	rec, err := e.store.GetProjection(ctx, id)
	if err != nil {
		return RecordDetail{}, err
	}
	src, err := e.store.GetRaw(ctx, rec.SourceID)
	if err != nil {
		return RecordDetail{}, fmt.Errorf("source of %s: %w", id, err)
	}
	d := RecordDetail{Record: rec, Source: src}
	if cfg, err := e.Config(rec.ConfigID); err == nil {
		d.Config = cfg
	}
	return d, nil
}

// Query returns the k records nearest to req.Vector in the config's output
// space.
func (e *Engine) Query(ctx context.Context, req QueryRequest) (model.QueryResult, error) {
	start := time.Now()
	res, err := e.query(ctx, req)
	e.metrics.RecordQuery(req.K, res.Stale, time.Since(start), err)
	e.logger.LogQuery(req.ConfigID, req.K, res, time.Since(start), err)
	return res, err
}

func (e *Engine) query(ctx context.Context, req QueryRequest) (model.QueryResult, error) {
	if err := e.checkOpen(); err != nil {
		return model.QueryResult{}, err
	}
	return e.retrieval.Query(ctx, req)
}

// QueryRaw projects req.Vector with the config first and then queries.
func (e *Engine) QueryRaw(ctx context.Context, req QueryRequest) (model.QueryResult, error) {
	start := time.Now()
	res, err := e.queryRaw(ctx, req)
	e.metrics.RecordQuery(req.K, res.Stale, time.Since(start), err)
	e.logger.LogQuery(req.ConfigID, req.K, res, time.Since(start), err)
	return res, err
}

func (e *Engine) queryRaw(ctx context.Context, req QueryRequest) (model.QueryResult, error) {
	if err := e.checkOpen(); err != nil {
		return model.QueryResult{}, err
	}
	if req.K <= 0 {
		return model.QueryResult{}, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidArgument, req.K)
	}
	if !req.Metric.Valid() {
		return model.QueryResult{}, fmt.Errorf("%w: %w: %v", ErrInvalidArgument, distance.ErrUnsupportedMetric, req.Metric)
	}
	cfg, err := e.Config(req.ConfigID)
	if err != nil {
		return model.QueryResult{}, err
	}
	projected, err := cfg.Apply(req.Vector)
	if err != nil {
		return model.QueryResult{}, err
	}
	req.Vector = projected
	return e.retrieval.Query(ctx, req)
}

// BuildIndex rebuilds the index of a config and returns its status.
func (e *Engine) BuildIndex(ctx context.Context, id model.ConfigID) (index.Status, error) {
	if err := e.checkOpen(); err != nil {
		return index.Status{}, err
	}
	if _, err := e.index.Build(ctx, id); err != nil {
		return index.Status{}, err
	}
	return e.index.Status(id)
}

// CheckDrift compares the index of a config with the store and marks it
// Stale if they disagree. It reports whether drift was found.
func (e *Engine) CheckDrift(ctx context.Context, id model.ConfigID) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	return e.index.CheckDrift(ctx, id)
}

// CheckDriftAll runs CheckDrift for every registered config and returns the
// ids that drifted. It stops at the first error.
func (e *Engine) CheckDriftAll(ctx context.Context) ([]model.ConfigID, error) {
	var drifted []model.ConfigID
	for _, cfg := range e.Configs() {
		ok, err := e.CheckDrift(ctx, cfg.ID())
		if err != nil {
			return drifted, err
		}
		if ok {
			drifted = append(drifted, cfg.ID())
		}
	}
	return drifted, nil
}

// IndexStatus reports on the index of a config.
func (e *Engine) IndexStatus(id model.ConfigID) (index.Status, error) {
	return e.index.Status(id)
}

// Export yields the live records of a config in ascending record order.
// It reads the store directly and never waits for an index.
func (e *Engine) Export(ctx context.Context, id model.ConfigID) iter.Seq2[export.Row, error] {
	if _, err := e.Config(id); err != nil {
		return func(yield func(export.Row, error) bool) { yield(export.Row{}, err) }
	}
	return export.Rows(ctx, e.store, id)
}

// ExportCSV writes the records of a config as CSV and returns the row count.
func (e *Engine) ExportCSV(ctx context.Context, w io.Writer, id model.ConfigID) (int, error) {
	cfg, err := e.Config(id)
	if err != nil {
		return 0, err
	}
	return export.WriteCSV(w, cfg.OutputDim(), export.Rows(ctx, e.store, id), e.writerOptions)
}

// ExportJSONLines writes the records of a config as JSON lines and returns
// the row count.
func (e *Engine) ExportJSONLines(ctx context.Context, w io.Writer, id model.ConfigID) (int, error) {
	if _, err := e.Config(id); err != nil {
		return 0, err
	}
	return export.WriteJSONLines(w, export.Rows(ctx, e.store, id), e.writerOptions)
}

func (e *Engine) writerOptions(o *export.WriterOptions) {
	o.Codec = e.opts.codec
}

// Stats is a point-in-time report on an Engine.
type Stats struct {
	Configs   int             `json:"configs"`
	Indexes   []index.Status  `json:"indexes"`
	Resources *resource.Stats `json:"resources,omitempty"`
}

// Stats returns index and resource usage.
func (e *Engine) Stats() Stats {
	s := Stats{Indexes: e.index.StatusAll()}
	e.mu.RLock()
	s.Configs = len(e.configs)
	e.mu.RUnlock()
	if e.rc != nil {
		rs := e.rc.Stats()
		s.Resources = &rs
	}
	return s
}

// Close stops background builds, releases snapshot memory and closes the
// store. It is safe to call more than once.
func (e *Engine) Close() error {
	if e == nil || !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	if err := e.index.Close(); err != nil {
		firstErr = err
	}
	if !e.opts.keepStoreOpen {
		if err := e.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	_ = e.logger.Sync()
	return firstErr
}

func checkFinite(v []float32) error {
	for i, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return fmt.Errorf("%w: component %d is %v", ErrInvalidArgument, i, f)
		}
	}
	return nil
}
