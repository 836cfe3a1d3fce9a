// Package main provides the entry point for the biosecurity triage API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helixir/biosecurity-triage-service/internal/app"
	"github.com/helixir/biosecurity-triage-service/internal/broadcast"
	"github.com/helixir/biosecurity-triage-service/internal/config"
	"github.com/helixir/biosecurity-triage-service/internal/database"
	"github.com/helixir/biosecurity-triage-service/internal/observability"
	"github.com/helixir/biosecurity-triage-service/internal/queue"
	httpserver "github.com/helixir/biosecurity-triage-service/internal/server/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up structured logging.
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
		Service:    "biosecurity-triage",
	})
	logger = logger.With().Str("component", "server").Logger()
	logger.Info().Msg("biosecurity-triage server starting")

	// Set up context with graceful shutdown via OS signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL.
	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	// Run migrations if configured.
	if cfg.Database.MigrationAutoRun {
		migrator, err := database.NewMigrator(db, cfg.Database.MigrationPath, logger)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
		defer func() {
			if closeErr := migrator.Close(); closeErr != nil {
				logger.Error().Err(closeErr).Msg("failed to close migrator")
			}
		}()

		if err := migrator.Up(); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(cfg.Metrics.Namespace)
	}

	repos := app.NewRepositories(db)

	assessor, err := app.NewAssessor(cfg, repos, logger, metrics)
	if err != nil {
		return err
	}

	broadcasterOpts := []broadcast.Option{}
	if metrics != nil {
		broadcasterOpts = append(broadcasterOpts, broadcast.WithMetrics(metrics))
	}
	broadcaster := broadcast.New(logger, broadcasterOpts...)

	// The worker runs in-process unless a separate worker binary is deployed.
	var worker *queue.Worker
	serviceOpts := []queue.ServiceOption{}
	if metrics != nil {
		serviceOpts = append(serviceOpts, queue.WithServiceMetrics(metrics))
	}
	if cfg.Queue.EmbeddedWorker {
		workerOpts := []queue.WorkerOption{}
		if cfg.Queue.Listen {
			workerOpts = append(workerOpts, queue.WithNotifications(db))
		}
		if metrics != nil {
			workerOpts = append(workerOpts, queue.WithWorkerMetrics(metrics))
		}
		worker = queue.NewWorker(repos.Queue, assessor, broadcaster, queue.WorkerConfig{
			PollInterval: cfg.Queue.PollInterval,
			StaleAfter:   cfg.Queue.StaleAfter,
			JobTimeout:   cfg.Queue.JobTimeout,
		}, logger, workerOpts...)
		serviceOpts = append(serviceOpts, queue.WithWorker(worker))
	}

	svc := queue.NewService(repos.Queue, repos.Papers, repos.Assessments, assessor, broadcaster, logger, serviceOpts...)

	scheduler, err := app.NewScanScheduler(cfg, repos.Papers, svc, logger, metrics)
	if err != nil {
		return err
	}

	stopKafka := app.StartKafka(ctx, &cfg.Kafka, broadcaster, svc, logger, metrics)

	httpCfg := httpserver.Config{
		Address:         cfg.Server.HTTPAddress(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Heartbeat:       cfg.Broadcast.Heartbeat,
		StreamBuffer:    cfg.Broadcast.SubscriberBuffer,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
	}
	httpSrv := httpserver.NewServer(httpCfg, svc, broadcaster, db, logger, httpserver.WithScanTrigger(scheduler))

	// Set up Prometheus metrics handler on a separate port if configured.
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress(),
			Handler:      metricsMux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
	}

	// Channel to collect server errors.
	errCh := make(chan error, 3)

	workerDone := make(chan struct{})
	if worker != nil {
		go func() {
			defer close(workerDone)
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("queue worker error: %w", err)
			}
		}()
	} else {
		close(workerDone)
	}

	// Scheduled scans run beside the embedded worker; a standalone worker
	// deployment schedules them itself.
	if cfg.Scheduler.Enabled && cfg.Queue.EmbeddedWorker {
		scheduler.Start(ctx)
	}

	go func() {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if metricsServer != nil {
		go func() {
			logger.Info().
				Str("address", metricsServer.Addr).
				Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	readyLog := logger.Info().
		Str("http_address", httpCfg.Address).
		Bool("embedded_worker", worker != nil).
		Bool("scheduler", cfg.Scheduler.Enabled && cfg.Queue.EmbeddedWorker).
		Bool("kafka", cfg.Kafka.Enabled)
	if metricsServer != nil {
		readyLog = readyLog.Str("metrics_address", metricsServer.Addr)
	}
	readyLog.Msg("biosecurity-triage server is ready")

	// Wait for shutdown signal or server error.
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("server error")
		stop()
	}

	logger.Info().Msg("shutting down biosecurity-triage server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Closing the broadcaster ends open event streams so Shutdown can drain.
	broadcaster.Close()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown error")
		}
	}

	if cfg.Scheduler.Enabled && cfg.Queue.EmbeddedWorker {
		scheduler.Stop()
	}

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("queue worker did not stop before the shutdown timeout")
	}

	stopKafka()

	logger.Info().Msg("biosecurity-triage server shutdown complete")
	return runErr
}
