// Package main implements the vecproj CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hupe1980/vecproj"
	"github.com/hupe1980/vecproj/codec"
	"github.com/hupe1980/vecproj/internal/app"
	"github.com/hupe1980/vecproj/internal/config"
	"github.com/hupe1980/vecproj/model"
	"github.com/hupe1980/vecproj/pipeline"
)

// version information
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "vecproj",
		Short: "Project embeddings and query them",
		Long: `vecproj stores embeddings, projects them through configured pipelines
and answers exact nearest-neighbour queries over the projections.

Pipelines, the record store and snapshot storage are set in a YAML config
file. Every key can be overridden with a VECPROJ_ environment variable.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnvFile(opts.envFile)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("VECPROJ_CONFIG"), "path to config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file to load before reading config (default .env if present)")

	cmd.AddCommand(
		newConfigsCmd(opts),
		newIngestCmd(opts),
		newQueryCmd(opts),
		newGetCmd(opts),
		newDeleteCmd(opts),
		newBuildCmd(opts),
		newStatusCmd(opts),
		newDriftCmd(opts),
		newExportCmd(opts),
		newServeCmd(opts),
	)
	return cmd
}

// loadEnvFile loads path into the process environment without overriding
// variables that are already set. An empty path loads .env when it exists.
func loadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// openApp loads the configuration and assembles the engine.
func openApp(ctx context.Context, opts *rootOptions) (*app.App, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

// withApp runs fn against a freshly opened app and closes it afterwards.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(a *app.App) error) (err error) {
	a, err := openApp(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

// resolveConfig finds a registered config by id, name or id prefix. An empty
// ref selects the only registered config.
func resolveConfig(eng *vecproj.Engine, ref string) (*pipeline.Config, error) {
	cfgs := eng.Configs()
	if ref == "" {
		if len(cfgs) == 1 {
			return cfgs[0], nil
		}
		if len(cfgs) == 0 {
			return nil, app.ErrNoPipelines
		}
		return nil, fmt.Errorf("%d pipelines configured, select one with --pipeline", len(cfgs))
	}
	if cfg, err := eng.Config(model.ConfigID(ref)); err == nil {
		return cfg, nil
	}

	var matches []*pipeline.Config
	for _, cfg := range cfgs {
		if cfg.Name() == ref || strings.HasPrefix(string(cfg.ID()), ref) {
			matches = append(matches, cfg)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return nil, fmt.Errorf("%w: %s", vecproj.ErrUnknownConfig, ref)
	default:
		return nil, fmt.Errorf("pipeline %q is ambiguous (%d matches)", ref, len(matches))
	}
}

func printJSON(w io.Writer, v any) error {
	b, err := codec.Default.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}
