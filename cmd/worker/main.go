// Package main provides the entry point for the standalone assessment worker.
// It drains the queue, runs scheduled source scans and mirrors its events to
// Kafka so API servers without an embedded worker can follow progress.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helixir/biosecurity-triage-service/internal/app"
	"github.com/helixir/biosecurity-triage-service/internal/broadcast"
	"github.com/helixir/biosecurity-triage-service/internal/config"
	"github.com/helixir/biosecurity-triage-service/internal/database"
	"github.com/helixir/biosecurity-triage-service/internal/observability"
	"github.com/helixir/biosecurity-triage-service/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
		Service:    "biosecurity-triage",
	})
	logger = logger.With().Str("component", "worker").Logger()
	logger.Info().Msg("biosecurity-triage worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

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
	defer broadcaster.Close()

	workerOpts := []queue.WorkerOption{}
	if cfg.Queue.Listen {
		workerOpts = append(workerOpts, queue.WithNotifications(db))
	}
	if metrics != nil {
		workerOpts = append(workerOpts, queue.WithWorkerMetrics(metrics))
	}
	worker := queue.NewWorker(repos.Queue, assessor, broadcaster, queue.WorkerConfig{
		PollInterval: cfg.Queue.PollInterval,
		StaleAfter:   cfg.Queue.StaleAfter,
		JobTimeout:   cfg.Queue.JobTimeout,
	}, logger, workerOpts...)

	serviceOpts := []queue.ServiceOption{queue.WithWorker(worker)}
	if metrics != nil {
		serviceOpts = append(serviceOpts, queue.WithServiceMetrics(metrics))
	}
	svc := queue.NewService(repos.Queue, repos.Papers, repos.Assessments, assessor, broadcaster, logger, serviceOpts...)

	stopKafka := app.StartKafka(ctx, &cfg.Kafka, broadcaster, svc, logger, metrics)
	defer stopKafka()

	if cfg.Scheduler.Enabled {
		scheduler, err := app.NewScanScheduler(cfg, repos.Papers, svc, logger, metrics)
		if err != nil {
			return err
		}
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer := &http.Server{
			Addr:         cfg.Server.MetricsAddress(),
			Handler:      metricsMux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		go func() {
			logger.Info().Str("address", metricsServer.Addr).Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("metrics server shutdown error")
			}
		}()
	}

	logger.Info().
		Dur("poll_interval", cfg.Queue.PollInterval).
		Bool("listen", cfg.Queue.Listen).
		Bool("scheduler", cfg.Scheduler.Enabled).
		Bool("kafka", cfg.Kafka.Enabled).
		Msg("starting queue worker")

	// Run blocks until ctx is cancelled.
	if err := worker.Run(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Info().Msg("worker stopped via signal")
			return nil
		}
		return fmt.Errorf("worker error: %w", err)
	}

	logger.Info().Msg("worker stopped")
	return nil
}
