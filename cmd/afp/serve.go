package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lggm33/AFP-Project/internal/api"
	"github.com/lggm33/AFP-Project/internal/worker"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the queue worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), !noWorker && cfg.Worker.Enabled)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API only; ingested emails are processed inline")
	return cmd
}

func runServe(ctx context.Context, withWorker bool) error {
	slog.Info("starting afp",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"tier", cfg.Tier,
	)

	a, err := newApp(cfg, options{withBus: true})
	if err != nil {
		return err
	}
	defer a.Close()

	// Initialize async Worker
	var w *worker.Worker
	if withWorker {
		w = worker.NewWorker(a.bus, a.pipeline, a.metrics)
		workerCfg := worker.Config{
			TenantIDs:      cfg.Worker.TenantIDs,
			RetryBaseDelay: cfg.Worker.RetryBaseDelay,
		}
		if err := w.Start(workerCfg); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
		slog.Info("worker started", "tenant_count", len(cfg.Worker.TenantIDs))
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:        a.repo,
		Cache:       a.cache,
		Bus:         a.bus,
		Pipeline:    a.pipeline,
		Engine:      a.engine,
		Feedback:    a.feedback,
		Review:      a.review,
		Async:       withWorker,
		MetricsPath: metricsPath,
	}, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("afp is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"worker", withWorker,
	)

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		if w != nil {
			w.Stop()
		}
		return err
	}

	// Stop async worker first
	if w != nil {
		if err := w.Stop(); err != nil {
			slog.Error("failed to stop worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("afp shutdown complete")
	return nil
}
