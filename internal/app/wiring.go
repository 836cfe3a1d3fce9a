// Package app assembles the triage pipeline from configuration. Both the API
// server and the standalone worker build their components here.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/helixir/biosecurity-triage-service/internal/assessment"
	"github.com/helixir/biosecurity-triage-service/internal/broadcast"
	"github.com/helixir/biosecurity-triage-service/internal/config"
	"github.com/helixir/biosecurity-triage-service/internal/ingest"
	"github.com/helixir/biosecurity-triage-service/internal/llm"
	"github.com/helixir/biosecurity-triage-service/internal/observability"
	"github.com/helixir/biosecurity-triage-service/internal/papersources"
	"github.com/helixir/biosecurity-triage-service/internal/papersources/arxiv"
	"github.com/helixir/biosecurity-triage-service/internal/papersources/biorxiv"
	"github.com/helixir/biosecurity-triage-service/internal/papersources/pubmed"
	"github.com/helixir/biosecurity-triage-service/internal/queue"
	"github.com/helixir/biosecurity-triage-service/internal/repository"
)

// Repositories groups the Postgres repositories used by the pipeline.
type Repositories struct {
	Papers      *repository.PgPaperRepository
	Queue       *repository.PgQueueRepository
	Assessments *repository.PgAssessmentRepository
	Facilities  *repository.PgFacilityRepository
}

// NewRepositories builds every repository over db.
func NewRepositories(db repository.DBTX) Repositories {
	return Repositories{
		Papers:      repository.NewPgPaperRepository(db),
		Queue:       repository.NewPgQueueRepository(db),
		Assessments: repository.NewPgAssessmentRepository(db),
		Facilities:  repository.NewPgFacilityRepository(db),
	}
}

// FactoryConfig maps the LLM section of cfg to the gateway factory input.
func FactoryConfig(cfg *config.LLMConfig) llm.FactoryConfig {
	temperature := cfg.Temperature

	var headers map[string]string
	if cfg.OpenRouter.Referer != "" || cfg.OpenRouter.Title != "" {
		headers = map[string]string{}
		if cfg.OpenRouter.Referer != "" {
			headers["HTTP-Referer"] = cfg.OpenRouter.Referer
		}
		if cfg.OpenRouter.Title != "" {
			headers["X-Title"] = cfg.OpenRouter.Title
		}
	}

	return llm.FactoryConfig{
		Provider:    cfg.Provider,
		Temperature: &temperature,
		Timeout:     cfg.Timeout,
		Anthropic: llm.AnthropicConfig{
			APIKey:  cfg.Anthropic.APIKey,
			Model:   cfg.Anthropic.Model,
			BaseURL: cfg.Anthropic.BaseURL,
		},
		OpenAI: llm.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			Model:   cfg.OpenAI.Model,
			BaseURL: cfg.OpenAI.BaseURL,
		},
		OpenRouter: llm.OpenAIConfig{
			APIKey:  cfg.OpenRouter.APIKey,
			Model:   cfg.OpenRouter.Model,
			BaseURL: cfg.OpenRouter.BaseURL,
			Headers: headers,
		},
	}
}

// AssessmentConfig maps the assessment section of cfg.
func AssessmentConfig(cfg *config.Config) assessment.Config {
	w := cfg.Assessment.Weights
	return assessment.Config{
		Weights: assessment.Weights{
			Pathogen:    w.Pathogen,
			GOF:         w.GOF,
			Containment: w.Containment,
			DualUse:     w.DualUse,
		},
		FlagThreshold: cfg.Assessment.FlagThreshold,
		FullTextLimit: cfg.Assessment.FullTextLimit,
		MaxTokens:     cfg.LLM.MaxTokens,
	}
}

// NewAssessor builds the gateway and the assessor. Each model call is
// instrumented under its own operation when metrics is non-nil.
func NewAssessor(cfg *config.Config, repos Repositories, logger zerolog.Logger, metrics *observability.Metrics) (*assessment.Assessor, error) {
	gateway, err := llm.NewGateway(FactoryConfig(&cfg.LLM))
	if err != nil {
		return nil, fmt.Errorf("create llm gateway: %w", err)
	}

	assessGateway, researchGateway := gateway, gateway
	if metrics != nil {
		assessGateway = llm.Instrument(gateway, metrics, assessment.OperationAssess)
		researchGateway = llm.Instrument(gateway, metrics, assessment.OperationResearch)
	}

	opts := []assessment.Option{}
	if metrics != nil {
		opts = append(opts, assessment.WithMetrics(metrics))
	}
	if cfg.Assessment.AutoResearchFacilities {
		opts = append(opts, assessment.WithResearcher(
			assessment.NewFacilityResearcher(researchGateway, repos.Facilities, logger),
		))
	}

	a, err := assessment.NewAssessor(
		assessGateway,
		repos.Papers,
		repos.Facilities,
		repos.Assessments,
		AssessmentConfig(cfg),
		logger,
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("create assessor: %w", err)
	}

	logger.Info().
		Str("provider", cfg.LLM.Provider).
		Str("model", gateway.Model()).
		Bool("facility_research", cfg.Assessment.AutoResearchFacilities).
		Msg("assessor ready")
	return a, nil
}

// NewSourceRegistry registers every enabled paper source.
func NewSourceRegistry(cfg *config.PaperSourcesConfig, logger zerolog.Logger, metrics *observability.Metrics) *papersources.Registry {
	registry := papersources.NewRegistry()

	if cfg.ArXiv.Enabled {
		registry.Register(arxiv.New(arxiv.Config{
			BaseURL:    cfg.ArXiv.BaseURL,
			Timeout:    cfg.ArXiv.Timeout,
			RateLimit:  cfg.ArXiv.RateLimit,
			MaxResults: cfg.ArXiv.MaxResults,
			Enabled:    true,
			Categories: arxiv.BiologyCategories,
			Metrics:    metrics,
		}))
		logger.Info().Msg("registered paper source: arXiv")
	}

	if cfg.BioRxiv.Enabled {
		registry.Register(biorxiv.New(biorxiv.Config{
			BaseURL:    cfg.BioRxiv.BaseURL,
			Timeout:    cfg.BioRxiv.Timeout,
			RateLimit:  cfg.BioRxiv.RateLimit,
			MaxResults: cfg.BioRxiv.MaxResults,
			Enabled:    true,
			Metrics:    metrics,
		}))
		logger.Info().Msg("registered paper source: bioRxiv/medRxiv")
	}

	if cfg.PubMed.Enabled {
		registry.Register(pubmed.New(pubmed.Config{
			BaseURL:    cfg.PubMed.BaseURL,
			APIKey:     cfg.PubMed.APIKey,
			Timeout:    cfg.PubMed.Timeout,
			RateLimit:  cfg.PubMed.RateLimit,
			MaxResults: cfg.PubMed.MaxResults,
			Enabled:    true,
			Metrics:    metrics,
		}))
		logger.Info().Bool("api_key", cfg.PubMed.APIKey != "").Msg("registered paper source: PubMed")
	}

	return registry
}

// NewScanScheduler builds the scanner over every enabled source and wraps it
// in a cron scheduler. The scheduler is not started.
func NewScanScheduler(cfg *config.Config, papers ingest.PaperStore, enqueuer ingest.Enqueuer, logger zerolog.Logger, metrics *observability.Metrics) (*ingest.Scheduler, error) {
	registry := NewSourceRegistry(&cfg.PaperSources, logger, metrics)

	scanner, err := ingest.NewScanner(registry, papers, enqueuer, ingest.ScanConfig{
		Query:      cfg.Scheduler.Query,
		DaysBack:   cfg.Scheduler.DaysBack,
		MaxEnqueue: cfg.Scheduler.MaxEnqueue,
	}, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("create scanner: %w", err)
	}

	scheduler, err := ingest.NewScheduler(scanner, ingest.SchedulerConfig{Spec: cfg.Scheduler.ScanSpec}, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return scheduler, nil
}

// StartKafka starts the event mirror and the request listener when Kafka is
// enabled. The returned stop function waits for both and closes their
// connections; it is safe to call when Kafka is disabled.
func StartKafka(ctx context.Context, cfg *config.KafkaConfig, b *broadcast.Broadcaster, enqueuer queue.Enqueuer, logger zerolog.Logger, metrics *observability.Metrics) func() {
	if !cfg.Enabled {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	writer := broadcast.NewKafkaWriter(cfg.Brokers, cfg.EventsTopic, cfg.BatchSize, cfg.BatchTimeout)
	mirror := broadcast.NewKafkaMirror(b, writer, broadcast.MirrorConfig{Topic: cfg.EventsTopic}, logger, metrics)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mirror.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("kafka mirror error")
		}
	}()

	listener := queue.NewRequestListener(
		queue.NewKafkaReader(queue.ListenerConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.RequestTopic,
			GroupID: cfg.GroupID,
		}),
		cfg.RequestTopic,
		enqueuer,
		logger,
		metrics,
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("request listener error")
		}
	}()

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("request_topic", cfg.RequestTopic).
		Str("events_topic", cfg.EventsTopic).
		Msg("kafka integration started")

	return func() {
		cancel()
		wg.Wait()
		if err := listener.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close request listener")
		}
		if err := writer.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close kafka writer")
		}
	}
}
