// Package app assembles an Engine from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	miniosdk "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hupe1980/vecproj"
	"github.com/hupe1980/vecproj/blobstore"
	"github.com/hupe1980/vecproj/blobstore/minio"
	"github.com/hupe1980/vecproj/blobstore/s3"
	"github.com/hupe1980/vecproj/codec"
	"github.com/hupe1980/vecproj/index"
	"github.com/hupe1980/vecproj/internal/config"
	vpprom "github.com/hupe1980/vecproj/metrics/prometheus"
	"github.com/hupe1980/vecproj/pipeline"
	"github.com/hupe1980/vecproj/resource"
	"github.com/hupe1980/vecproj/retrieval"
	"github.com/hupe1980/vecproj/store"
	"github.com/hupe1980/vecproj/store/dynamodb"
	qdrantstore "github.com/hupe1980/vecproj/store/qdrant"
	"github.com/hupe1980/vecproj/store/sqlite"
)

// App is a configured engine plus the pieces the CLI reports on.
type App struct {
	Config  *config.Config
	Engine  *vecproj.Engine
	Logger  *vecproj.Logger
	Metrics *vecproj.BasicMetricsCollector
	// Registry holds the Prometheus metrics of the engine.
	Registry *prometheus.Registry
	// Pipelines are the configs registered from Config.Pipelines, in order.
	Pipelines []*pipeline.Config
}

// New opens the configured store and snapshot backend, builds the engine and
// registers every configured pipeline.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	snaps, err := OpenSnapshots(ctx, cfg.Snapshots)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	pc, err := vpprom.New(reg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	basic := &vecproj.BasicMetricsCollector{}

	c, err := codec.ByName(cfg.Store.Codec)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	opts := []vecproj.Option{
		vecproj.WithCodec(c),
		vecproj.WithLogger(logger),
		vecproj.WithMetricsCollector(fanout{basic, pc}),
		vecproj.WithPolicy(cfg.Index.Policy()),
		vecproj.WithResources(resource.Config{
			MemoryLimitBytes:    cfg.Index.MemoryLimitBytes,
			MaxConcurrentBuilds: cfg.Index.MaxConcurrentBuilds,
			IOLimitBytesPerSec:  cfg.Snapshots.IOLimitBytesPerSec,
		}),
		vecproj.WithRetrieval(func(o *retrieval.Options) {
			if cfg.Index.Parallelism > 0 {
				o.Parallelism = cfg.Index.Parallelism
			}
			if cfg.Index.ChunkSize > 0 {
				o.ChunkSize = cfg.Index.ChunkSize
			}
		}),
	}
	if snaps != nil {
		comp, err := index.ParseCompression(cfg.Snapshots.Compression)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		opts = append(opts, vecproj.WithSnapshotStore(snaps, func(o *index.PersisterOptions) {
			o.Prefix = cfg.Snapshots.Prefix
			o.Compression = comp
		}))
	}

	eng, err := vecproj.New(st, opts...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Engine:   eng,
		Logger:   logger,
		Metrics:  basic,
		Registry: reg,
	}
	for _, path := range cfg.Pipelines {
		spec, err := pipeline.LoadSpecFile(path)
		if err != nil {
			_ = eng.Close()
			return nil, fmt.Errorf("pipeline %s: %w", path, err)
		}
		pc, err := eng.RegisterConfig(spec)
		if err != nil {
			_ = eng.Close()
			return nil, fmt.Errorf("pipeline %s: %w", path, err)
		}
		a.Pipelines = append(a.Pipelines, pc)
	}
	return a, nil
}

// Close closes the engine and its store.
func (a *App) Close() error {
	return a.Engine.Close()
}

// NewLogger builds the configured logger.
func NewLogger(cfg config.LogConfig) (*vecproj.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if cfg.Format == "console" {
		zc := zap.NewDevelopmentConfig()
		zc.Level = zap.NewAtomicLevelAt(level)
		l, err := zc.Build()
		if err != nil {
			return nil, err
		}
		return vecproj.WrapLogger(l.Named("vecproj")), nil
	}
	return vecproj.NewLogger(level)
}

// OpenStore opens the configured record store.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case config.BackendMemory, "":
		return store.NewMemory(), nil
	case config.BackendSQLite:
		return sqlite.Open(cfg.SQLite.Path, func(o *sqlite.Options) {
			o.Codec = c
		})
	case config.BackendDynamoDB:
		awsCfg, err := loadAWS(ctx, cfg.DynamoDB.Region)
		if err != nil {
			return nil, err
		}
		client := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
			if cfg.DynamoDB.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoDB.Endpoint)
			}
		})
		return dynamodb.New(client, cfg.DynamoDB.Table), nil
	case config.BackendQdrant:
		return qdrantstore.Dial(ctx, &qdrant.Config{
			Host:   cfg.Qdrant.Host,
			Port:   cfg.Qdrant.Port,
			APIKey: cfg.Qdrant.APIKey,
			UseTLS: cfg.Qdrant.UseTLS,
		}, func(o *qdrantstore.Options) {
			o.Prefix = cfg.Qdrant.Prefix
			o.Codec = c
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// OpenSnapshots opens the configured snapshot blob store. It returns nil
// when snapshots are disabled.
func OpenSnapshots(ctx context.Context, cfg config.SnapshotsConfig) (blobstore.Store, error) {
	switch cfg.Backend {
	case config.SnapshotsNone, "":
		return nil, nil
	case config.SnapshotsLocal:
		return blobstore.NewLocalStore(cfg.Path), nil
	case config.SnapshotsS3:
		awsCfg, err := loadAWS(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
		return s3.NewStore(client, cfg.Bucket, ""), nil
	case config.SnapshotsMinIO:
		client, err := miniosdk.New(cfg.Endpoint, &miniosdk.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		return minio.NewStore(client, cfg.Bucket, ""), nil
	default:
		return nil, fmt.Errorf("unknown snapshots backend %q", cfg.Backend)
	}
}

func loadAWS(ctx context.Context, region string) (aws.Config, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("aws config: %w", err)
	}
	return cfg, nil
}

// fanout forwards every observation to each collector.
type fanout []vecproj.MetricsCollector

var _ vecproj.MetricsCollector = fanout(nil)

func (f fanout) RecordIngest(d time.Duration, err error) {
	for _, c := range f {
		c.RecordIngest(d, err)
	}
}

func (f fanout) RecordProject(d time.Duration, err error) {
	for _, c := range f {
		c.RecordProject(d, err)
	}
}

func (f fanout) RecordQuery(k int, stale bool, d time.Duration, err error) {
	for _, c := range f {
		c.RecordQuery(k, stale, d, err)
	}
}

func (f fanout) RecordDelete(d time.Duration, err error) {
	for _, c := range f {
		c.RecordDelete(d, err)
	}
}

func (f fanout) RecordBuild(records int, d time.Duration, err error) {
	for _, c := range f {
		c.RecordBuild(records, d, err)
	}
}

// ErrNoPipelines is returned by commands that need at least one pipeline.
var ErrNoPipelines = errors.New("no pipelines configured")
