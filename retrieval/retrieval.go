// Package retrieval answers exact top-k queries against index snapshots.
//
// Results are fully deterministic: hits are ordered by ascending distance and
// equal distances by ascending record id, independent of how the scan was
// split across goroutines.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vecproj/distance"
	"github.com/hupe1980/vecproj/index"
	"github.com/hupe1980/vecproj/internal/errs"
	"github.com/hupe1980/vecproj/model"
)

// DefaultChunkSize is the number of snapshot slots scanned per task.
const DefaultChunkSize = 4096

// Snapshots resolves the snapshot a query reads. *index.Manager implements it.
type Snapshots interface {
	// Dim returns the registered width of a config or ErrUnknownConfig.
	Dim(id model.ConfigID) (int, error)
	Acquire(ctx context.Context, id model.ConfigID, strict bool) (*index.Snapshot, bool, error)
}

// Request is a top-k query.
type Request struct {
	ConfigID model.ConfigID
	Vector   []float32
	K        int
	// Metric must be set explicitly; MetricUnspecified is rejected.
	Metric distance.Metric
	// Strict forces a drift check and a rebuild of a Stale index before the
	// scan.
	Strict bool
}

// Options configures an Engine.
type Options struct {
	// Parallelism caps concurrent scan tasks. Default GOMAXPROCS.
	Parallelism int
	// ChunkSize is the number of slots per scan task. Snapshots no larger
	// than one chunk are scanned inline. Default DefaultChunkSize.
	ChunkSize int
}

// Engine runs queries.
type Engine struct {
	snaps Snapshots
	opts  Options
}

// New returns an Engine reading from snaps.
func New(snaps Snapshots, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Parallelism: runtime.GOMAXPROCS(0),
		ChunkSize:   DefaultChunkSize,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Engine{snaps: snaps, opts: opts}
}

// Validate checks req without touching any index. Checks run in order: k,
// metric, config, query width, query components.
func (e *Engine) Validate(req Request) error {
	if req.K <= 0 {
		return errs.Invalidf("k must be positive, got %d", req.K)
	}
	if !req.Metric.Valid() {
		return fmt.Errorf("%w: %w", errs.ErrInvalidArgument, unsupported(req.Metric))
	}
	dim, err := e.snaps.Dim(req.ConfigID)
	if err != nil {
		return err
	}
	if len(req.Vector) != dim {
		return &errs.DimensionMismatchError{Expected: dim, Actual: len(req.Vector)}
	}
	for i, f := range req.Vector {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return errs.Invalidf("query component %d is %v", i, f)
		}
	}
	return nil
}

func unsupported(m distance.Metric) error {
	if m == distance.MetricUnspecified {
		return fmt.Errorf("%w: metric must be set", distance.ErrUnsupportedMetric)
	}
	return fmt.Errorf("%w: %v", distance.ErrUnsupportedMetric, m)
}

// Query returns the k records nearest to req.Vector. Fewer than k live
// records yield all of them.
func (e *Engine) Query(ctx context.Context, req Request) (model.QueryResult, error) {
	if err := e.Validate(req); err != nil {
		return model.QueryResult{}, err
	}
	snap, stale, err := e.snaps.Acquire(ctx, req.ConfigID, req.Strict)
	if err != nil {
		return model.QueryResult{}, err
	}
	hits, err := e.Search(ctx, snap, req.Vector, req.K, req.Metric)
	if err != nil {
		return model.QueryResult{}, err
	}
	return model.QueryResult{Hits: hits, Stale: stale, Generation: snap.Generation()}, nil
}

// Search scans snap exhaustively. The query width must match snap.Dim().
func (e *Engine) Search(ctx context.Context, snap *index.Snapshot, query []float32, k int, metric distance.Metric) ([]model.Hit, error) {
	if len(query) != snap.Dim() {
		return nil, &errs.DimensionMismatchError{Expected: snap.Dim(), Actual: len(query)}
	}
	if k <= 0 {
		return nil, errs.Invalidf("k must be positive, got %d", k)
	}
	score, err := scorer(metric, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrInvalidArgument, err)
	}

	n := snap.Len()
	chunk := e.opts.ChunkSize
	if n <= chunk || e.opts.Parallelism == 1 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return scan(snap, score, k, 0, n).sorted(), nil
	}

	parts := make([][]model.Hit, (n+chunk-1)/chunk)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)
	for i := range parts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			lo := i * chunk
			parts[i] = scan(snap, score, k, lo, min(lo+chunk, n)).sorted()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return merge(parts, k), nil
}

type scoreFunc func(snap *index.Snapshot, i int) float64

func scorer(metric distance.Metric, query []float32) (scoreFunc, error) {
	switch metric {
	case distance.MetricEuclidean:
		return func(s *index.Snapshot, i int) float64 {
			return distance.Euclidean(query, s.Vector(i))
		}, nil
	case distance.MetricCosine:
		qn := distance.Norm(query)
		return func(s *index.Snapshot, i int) float64 {
			return distance.CosineWithNorms(query, s.Vector(i), qn, s.Norm(i))
		}, nil
	default:
		return nil, unsupported(metric)
	}
}

func scan(snap *index.Snapshot, score scoreFunc, k, lo, hi int) *topK {
	q := newTopK(k, hi-lo)
	for i := lo; i < hi; i++ {
		if snap.Deleted(i) {
			continue
		}
		d := score(snap, i)
		if !q.accepts(d) {
			continue
		}
		q.push(model.Hit{ID: snap.ID(i), SourceID: snap.SourceID(i), Distance: d})
	}
	return q
}

// merge combines sorted partial results into the global top k.
func merge(parts [][]model.Hit, k int) []model.Hit {
	q := newTopK(k, k)
	for _, p := range parts {
		for _, h := range p {
			q.push(h)
		}
	}
	return q.sorted()
}
