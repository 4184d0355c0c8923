// Package config provides configuration loading for the vecproj CLI and
// server.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap/zapcore"

	"github.com/hupe1980/vecproj/codec"
	"github.com/hupe1980/vecproj/index"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
	BackendQdrant   = "qdrant"
)

// Snapshot backends.
const (
	SnapshotsNone  = "none"
	SnapshotsLocal = "local"
	SnapshotsS3    = "s3"
	SnapshotsMinIO = "minio"
)

// Config holds the complete vecproj configuration.
type Config struct {
	Store     StoreConfig     `koanf:"store"`
	Index     IndexConfig     `koanf:"index"`
	Snapshots SnapshotsConfig `koanf:"snapshots"`
	Log       LogConfig       `koanf:"log"`
	Server    ServerConfig    `koanf:"server"`
	// Pipelines lists projection spec files (JSON, YAML or TOML) registered
	// at startup. Relative paths resolve against the config file.
	Pipelines []string `koanf:"pipelines"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Backend string `koanf:"backend"`
	// Codec encodes metadata columns and exports ("go-json" or "json").
	Codec    string         `koanf:"codec"`
	SQLite   SQLiteConfig   `koanf:"sqlite"`
	DynamoDB DynamoDBConfig `koanf:"dynamodb"`
	Qdrant   QdrantConfig   `koanf:"qdrant"`
}

// SQLiteConfig configures the sqlite store.
type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// DynamoDBConfig configures the DynamoDB store.
type DynamoDBConfig struct {
	Table    string `koanf:"table"`
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"`
}

// QdrantConfig configures the Qdrant store.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	APIKey string `koanf:"api_key"`
	UseTLS bool   `koanf:"use_tls"`
	// Prefix namespaces the collections vecproj creates.
	Prefix string `koanf:"prefix"`
}

// IndexConfig holds index policy and retrieval tuning.
type IndexConfig struct {
	StalenessThreshold  int           `koanf:"staleness_threshold"`
	QueryWait           time.Duration `koanf:"query_wait"`
	BuildTimeout        time.Duration `koanf:"build_timeout"`
	BackgroundRebuild   bool          `koanf:"background_rebuild"`
	MemoryLimitBytes    int64         `koanf:"memory_limit_bytes"`
	MaxConcurrentBuilds int64         `koanf:"max_concurrent_builds"`
	Parallelism         int           `koanf:"parallelism"`
	ChunkSize           int           `koanf:"chunk_size"`
	// DriftCheck is a cron schedule for periodic drift checks in serve mode,
	// e.g. "@every 5m". Empty disables them.
	DriftCheck string `koanf:"drift_check"`
}

// Policy converts the config into an index policy.
func (c IndexConfig) Policy() index.Policy {
	return index.Policy{
		StalenessThreshold: c.StalenessThreshold,
		QueryWait:          c.QueryWait,
		BuildTimeout:       c.BuildTimeout,
		BackgroundRebuild:  c.BackgroundRebuild,
	}
}

// SnapshotsConfig selects where built snapshots are persisted.
type SnapshotsConfig struct {
	Backend     string `koanf:"backend"`
	Path        string `koanf:"path"`
	Bucket      string `koanf:"bucket"`
	Prefix      string `koanf:"prefix"`
	Region      string `koanf:"region"`
	Endpoint    string `koanf:"endpoint"`
	AccessKey   string `koanf:"access_key"`
	SecretKey   string `koanf:"secret_key"`
	UseSSL      bool   `koanf:"use_ssl"`
	Compression string `koanf:"compression"`
	// IOLimitBytesPerSec caps snapshot read and write throughput.
	IOLimitBytesPerSec int64 `koanf:"io_limit_bytes_per_sec"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.SQLite.Path == "" {
			errs = append(errs, errors.New("store.sqlite.path is required"))
		}
	case BackendDynamoDB:
		if c.Store.DynamoDB.Table == "" {
			errs = append(errs, errors.New("store.dynamodb.table is required"))
		}
	case BackendQdrant:
		if c.Store.Qdrant.Host == "" {
			errs = append(errs, errors.New("store.qdrant.host is required"))
		}
		if c.Store.Qdrant.Port <= 0 || c.Store.Qdrant.Port > 65535 {
			errs = append(errs, fmt.Errorf("store.qdrant.port %d out of range", c.Store.Qdrant.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if _, err := codec.ByName(c.Store.Codec); err != nil {
		errs = append(errs, fmt.Errorf("store.codec: %w", err))
	}

	if c.Index.StalenessThreshold < 0 {
		errs = append(errs, errors.New("index.staleness_threshold must not be negative"))
	}
	if c.Index.BuildTimeout < 0 {
		errs = append(errs, errors.New("index.build_timeout must not be negative"))
	}
	if c.Index.MemoryLimitBytes < 0 {
		errs = append(errs, errors.New("index.memory_limit_bytes must not be negative"))
	}
	if c.Index.DriftCheck != "" {
		if _, err := cron.ParseStandard(c.Index.DriftCheck); err != nil {
			errs = append(errs, fmt.Errorf("index.drift_check: %w", err))
		}
	}

	switch c.Snapshots.Backend {
	case SnapshotsNone:
	case SnapshotsLocal:
		if c.Snapshots.Path == "" {
			errs = append(errs, errors.New("snapshots.path is required"))
		}
	case SnapshotsS3, SnapshotsMinIO:
		if c.Snapshots.Bucket == "" {
			errs = append(errs, errors.New("snapshots.bucket is required"))
		}
		if c.Snapshots.Backend == SnapshotsMinIO && c.Snapshots.Endpoint == "" {
			errs = append(errs, errors.New("snapshots.endpoint is required for minio"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown snapshots backend %q", c.Snapshots.Backend))
	}
	if _, err := index.ParseCompression(c.Snapshots.Compression); err != nil {
		errs = append(errs, fmt.Errorf("snapshots.compression: %w", err))
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}

	return errors.Join(errs...)
}
