package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hupe1980/vecproj/internal/app"
	"github.com/hupe1980/vecproj/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the HTTP API, Prometheus metrics on /metrics and, when
index.drift_check is set, periodic drift checks.

The server shuts down gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(cmd, opts, func(a *app.App) error {
				if addr != "" {
					a.Config.Server.Addr = addr
				}
				return runServe(ctx, a)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, a *app.App) error {
	logger := a.Logger.Logger
	cfg := a.Config

	srv, err := server.New(a.Engine, logger, server.Config{
		Addr:           cfg.Server.Addr,
		RequestTimeout: cfg.Server.RequestTimeout,
		Gatherer:       a.Registry,
	})
	if err != nil {
		return err
	}

	var drift *server.DriftScheduler
	if cfg.Index.DriftCheck != "" {
		drift, err = server.NewDriftScheduler(a.Engine, cfg.Index.DriftCheck, cfg.Server.RequestTimeout, logger.Named("drift"))
		if err != nil {
			return err
		}
		drift.Start()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if drift != nil {
		drift.Stop(shutdownCtx)
	}
	if serr := srv.Shutdown(shutdownCtx); serr != nil && !errors.Is(serr, context.Canceled) {
		logger.Warn("http shutdown", zap.Error(serr))
		if err == nil {
			err = serr
		}
	}
	return err
}
