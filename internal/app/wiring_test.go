package app

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/biosecurity-triage-service/internal/broadcast"
	"github.com/helixir/biosecurity-triage-service/internal/config"
	"github.com/helixir/biosecurity-triage-service/internal/domain"
)

func testConfig() *config.Config {
	return &config.Config{
		LLM: config.LLMConfig{
			Provider:    config.ProviderAnthropic,
			Timeout:     time.Minute,
			Temperature: 0.2,
			MaxTokens:   2048,
			Anthropic:   config.ProviderConfig{APIKey: "sk-test", Model: "claude-test"},
		},
		Assessment: config.AssessmentConfig{
			FlagThreshold: 65,
			FullTextLimit: 1000,
			Weights:       config.WeightsConfig{Pathogen: 0.3, GOF: 0.35, Containment: 0.2, DualUse: 0.15},
		},
		Scheduler: config.SchedulerConfig{Query: "select agent", ScanSpec: "@every 1h"},
		PaperSources: config.PaperSourcesConfig{
			ArXiv:   config.PaperSourceConfig{Enabled: true},
			BioRxiv: config.PaperSourceConfig{Enabled: true},
			PubMed:  config.PaperSourceConfig{Enabled: true},
		},
	}
}

func TestFactoryConfig(t *testing.T) {
	cfg := testConfig().LLM
	cfg.OpenRouter = config.OpenRouterConfig{
		ProviderConfig: config.ProviderConfig{APIKey: "or-key", Model: "m"},
		Referer:        "https://helixir.ai",
		Title:          "triage",
	}

	fc := FactoryConfig(&cfg)
	require.NotNil(t, fc.Temperature)
	assert.InDelta(t, 0.2, *fc.Temperature, 1e-9)
	assert.Equal(t, "sk-test", fc.Anthropic.APIKey)
	assert.Equal(t, "or-key", fc.OpenRouter.APIKey)
	assert.Equal(t, map[string]string{"HTTP-Referer": "https://helixir.ai", "X-Title": "triage"}, fc.OpenRouter.Headers)
}

func TestFactoryConfig_NoAttributionHeaders(t *testing.T) {
	cfg := testConfig().LLM
	assert.Nil(t, FactoryConfig(&cfg).OpenRouter.Headers)
}

func TestAssessmentConfig(t *testing.T) {
	ac := AssessmentConfig(testConfig())
	assert.Equal(t, 65.0, ac.FlagThreshold)
	assert.Equal(t, 1000, ac.FullTextLimit)
	assert.Equal(t, 2048, ac.MaxTokens)
	assert.Equal(t, 0.35, ac.Weights.GOF)
}

func TestNewAssessor(t *testing.T) {
	t.Run("builds with facility research", func(t *testing.T) {
		cfg := testConfig()
		cfg.Assessment.AutoResearchFacilities = true
		a, err := NewAssessor(cfg, NewRepositories(nil), zerolog.Nop(), nil)
		require.NoError(t, err)
		assert.NotNil(t, a)
	})

	t.Run("missing API key", func(t *testing.T) {
		cfg := testConfig()
		cfg.LLM.Anthropic.APIKey = ""
		_, err := NewAssessor(cfg, NewRepositories(nil), zerolog.Nop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "API key is required")
	})
}

func TestNewSourceRegistry(t *testing.T) {
	t.Run("all enabled", func(t *testing.T) {
		r := NewSourceRegistry(&testConfig().PaperSources, zerolog.Nop(), nil)
		sources := r.EnabledSources()
		require.Len(t, sources, 3)
		assert.NotNil(t, r.Get(domain.SourceTypeArXiv))
		assert.NotNil(t, r.Get(domain.SourceTypeBioRxiv))
		assert.NotNil(t, r.Get(domain.SourceTypePubMed))
	})

	t.Run("disabled sources are skipped", func(t *testing.T) {
		cfg := testConfig().PaperSources
		cfg.BioRxiv.Enabled = false
		r := NewSourceRegistry(&cfg, zerolog.Nop(), nil)
		assert.Len(t, r.EnabledSources(), 2)
		assert.Nil(t, r.Get(domain.SourceTypeBioRxiv))
	})
}

func TestNewScanScheduler(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		s, err := NewScanScheduler(testConfig(), nil, nil, zerolog.Nop(), nil)
		require.NoError(t, err)
		assert.NotNil(t, s)
	})

	t.Run("empty query", func(t *testing.T) {
		cfg := testConfig()
		cfg.Scheduler.Query = ""
		_, err := NewScanScheduler(cfg, nil, nil, zerolog.Nop(), nil)
		require.Error(t, err)
	})

	t.Run("bad spec", func(t *testing.T) {
		cfg := testConfig()
		cfg.Scheduler.ScanSpec = "sometimes"
		_, err := NewScanScheduler(cfg, nil, nil, zerolog.Nop(), nil)
		require.Error(t, err)
	})
}

func TestStartKafka_Disabled(t *testing.T) {
	b := broadcast.New(zerolog.Nop())
	defer b.Close()

	stop := StartKafka(context.Background(), &config.KafkaConfig{Enabled: false}, b, nil, zerolog.Nop(), nil)
	require.NotNil(t, stop)
	stop()
	assert.Equal(t, 0, b.SubscriberCount())
}
