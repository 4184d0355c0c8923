package vecproj

import (
	"go.uber.org/zap/zapcore"

	"github.com/hupe1980/vecproj/blobstore"
	"github.com/hupe1980/vecproj/codec"
	"github.com/hupe1980/vecproj/index"
	"github.com/hupe1980/vecproj/resource"
	"github.com/hupe1980/vecproj/retrieval"
	"github.com/hupe1980/vecproj/transform"
)

type options struct {
	codec            codec.Codec
	registry         *transform.Registry
	policy           index.Policy
	resources        *resource.Controller
	snapshots        blobstore.Store
	persisterOptions []func(*index.PersisterOptions)
	retrievalOptions []func(*retrieval.Options)
	metricsCollector MetricsCollector
	logger           *Logger
	keepStoreOpen    bool
}

// Option configures an Engine.
type Option func(*options)

// WithCodec configures the codec used for export and metadata encoding.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithRegistry replaces the transform registry. The default registry holds
// the built-in transforms; pass a registry with custom transforms added to
// extend it.
func WithRegistry(r *transform.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithPolicy configures index staleness, waiting and rebuild behaviour.
//
// Example:
//
//	eng, _ := vecproj.New(st, vecproj.WithPolicy(index.Policy{
//	    StalenessThreshold: 100,
//	    QueryWait:          2 * time.Second,
//	    BackgroundRebuild:  true,
//	}))
func WithPolicy(p index.Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithResources bounds snapshot memory, concurrent builds and snapshot IO.
func WithResources(cfg resource.Config) Option {
	return func(o *options) {
		o.resources = resource.NewController(cfg)
	}
}

// WithResourceController shares an existing controller between engines.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.resources = rc
	}
}

// WithSnapshotStore persists built snapshots to s so that a restarted engine
// can serve queries without a full rebuild.
//
// Example:
//
//	eng, _ := vecproj.New(st, vecproj.WithSnapshotStore(
//	    blobstore.NewLocalStore("./data"),
//	    func(o *index.PersisterOptions) { o.Compression = index.CompressionLZ4 },
//	))
func WithSnapshotStore(s blobstore.Store, optFns ...func(*index.PersisterOptions)) Option {
	return func(o *options) {
		o.snapshots = s
		o.persisterOptions = optFns
	}
}

// WithRetrieval tunes the parallel scan.
func WithRetrieval(optFns ...func(*retrieval.Options)) Option {
	return func(o *options) {
		o.retrievalOptions = append(o.retrievalOptions, optFns...)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &vecproj.BasicMetricsCollector{}
//	eng, _ := vecproj.New(st, vecproj.WithMetricsCollector(metrics))
//	// ... use eng ...
//	stats := metrics.GetStats()
//	fmt.Printf("queries: %d, avg latency: %dns\n", stats.QueryCount, stats.QueryAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a production logger with the specified level and sets it.
// The option is ignored if the logger cannot be built.
func WithLogLevel(level zapcore.Level) Option {
	return func(o *options) {
		if l, err := NewLogger(level); err == nil {
			o.logger = l
		}
	}
}

// WithKeepStoreOpen leaves the record store open when the engine is closed.
func WithKeepStoreOpen() Option {
	return func(o *options) {
		o.keepStoreOpen = true
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		codec:            codec.Default,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.registry == nil {
		o.registry = transform.NewDefaultRegistry()
	}
	return o
}
