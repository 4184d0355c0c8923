package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "VECPROJ_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Load reads the YAML file at path, then applies environment overrides.
// An empty path loads defaults and environment only.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (VECPROJ_STORE_BACKEND, VECPROJ_INDEX_QUERY_WAIT, ...)
//  2. YAML config file
//  3. Defaults
//
// # Environment Variable Mapping
//
// The prefix is dropped, the first underscore separates the section and a
// double underscore descends into a nested section:
//
//	VECPROJ_INDEX_STALENESS_THRESHOLD -> index.staleness_threshold
//	VECPROJ_STORE_SQLITE__PATH        -> store.sqlite.path
func Load(path string) (*Config, error) {
	var content []byte
	if path != "" {
		data, err := readFile(path)
		if err != nil {
			return nil, err
		}
		content = data
	}
	cfg, err := LoadBytes(content)
	if err != nil {
		return nil, err
	}
	if path != "" {
		resolvePipelines(cfg, filepath.Dir(path))
	}
	return cfg, nil
}

// LoadBytes is Load over an in-memory YAML document.
func LoadBytes(content []byte) (*Config, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps VECPROJ_SECTION_FIELD__SUB to section.field.sub.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + strings.ReplaceAll(rest, "__", ".")
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func resolvePipelines(cfg *Config, dir string) {
	for i, p := range cfg.Pipelines {
		if !filepath.IsAbs(p) {
			cfg.Pipelines[i] = filepath.Join(dir, p)
		}
	}
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendMemory
	}
	if cfg.Store.Qdrant.Port == 0 {
		cfg.Store.Qdrant.Port = 6334
	}
	if cfg.Store.Qdrant.Prefix == "" {
		cfg.Store.Qdrant.Prefix = "vecproj"
	}

	if cfg.Index.QueryWait == 0 {
		cfg.Index.QueryWait = 10 * time.Second
	}
	if cfg.Index.MaxConcurrentBuilds == 0 {
		cfg.Index.MaxConcurrentBuilds = 1
	}

	if cfg.Snapshots.Backend == "" {
		cfg.Snapshots.Backend = SnapshotsNone
	}
	if cfg.Snapshots.Prefix == "" {
		cfg.Snapshots.Prefix = "snapshots"
	}
	if cfg.Snapshots.Compression == "" {
		cfg.Snapshots.Compression = "zstd"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
}
