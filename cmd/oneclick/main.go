package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpAdapter "github.com/cwygoda/oneclick/internal/adapter/http"
	"github.com/cwygoda/oneclick/internal/adapter/pipeline"
	"github.com/cwygoda/oneclick/internal/config"
	"github.com/cwygoda/oneclick/internal/domain"
	"github.com/cwygoda/oneclick/internal/logging"
	"github.com/cwygoda/oneclick/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "oneclick: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(cfg, os.Stderr)
	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting oneclick",
		"role", cfg.Role,
		"store", cfg.Store.Driver,
		"queue", cfg.Queue.Driver,
		"port", cfg.HTTP.Port,
		"output_dir", cfg.Render.OutputDir,
	)

	var deps resources
	defer deps.close(logger)

	store, err := openStore(ctx, cfg, logger, &deps)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	queue, err := openQueue(cfg, logger, &deps)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	svc := domain.NewJobService(store, queue,
		domain.WithLogger(logger),
		domain.WithDefaultRenderSettings(cfg.Render.Settings()),
	)

	runAPI := cfg.Role == config.RoleAll || cfg.Role == config.RoleAPI
	runWorker := cfg.Role == config.RoleAll || cfg.Role == config.RoleWorker

	workerDone := make(chan struct{})
	if runWorker {
		registry, err := pipeline.FromConfig(cfg.Pipelines, cfg.Render.OutputDir, logger)
		if err != nil {
			return fmt.Errorf("pipelines: %w", err)
		}
		if len(registry.Pipelines()) == 0 {
			logger.Warn("no pipelines configured; every dispatched job will fail")
		}

		w := worker.New(svc, queue, registry, worker.Config{
			Workers:       cfg.Queue.Workers,
			MaxRetries:    cfg.Queue.MaxRetries,
			JobTimeout:    cfg.Queue.JobTimeout,
			PollInterval:  cfg.Queue.PollInterval,
			SweepInterval: cfg.Queue.RecoverInterval,
		}, logger.With("component", "worker"))
		go func() {
			defer close(workerDone)
			w.Run(ctx)
		}()
	} else {
		close(workerDone)
	}

	var srv *httpAdapter.Server
	srvErr := make(chan error, 1)
	if runAPI {
		srv = httpAdapter.NewServer(svc, store, httpAdapter.Options{
			Addr:   fmt.Sprintf(":%d", cfg.HTTP.Port),
			Env:    cfg.Env,
			Debug:  cfg.Debug,
			Secret: cfg.HTTP.Secret,
		}, logger.With("component", "http"))
		go func() {
			logger.Info("HTTP server listening", "addr", srv.Addr())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case runErr = <-srvErr:
		logger.Error("HTTP server error", "error", runErr)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
	}
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("worker did not stop before shutdown timeout")
	}

	logger.Info("shutdown complete")
	return runErr
}
