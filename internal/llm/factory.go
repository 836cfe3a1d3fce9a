package llm

import (
	"errors"
	"fmt"
	"time"
)

// FactoryConfig holds the parameters needed to create a Gateway.
// This is defined in the llm package to avoid importing the config package,
// keeping the llm package free of infrastructure dependencies.
type FactoryConfig struct {
	// Provider is the LLM provider name ("anthropic", "openai", or "openrouter").
	Provider string
	// Temperature is optional; nil leaves the provider default.
	Temperature *float64
	// Timeout bounds each HTTP call. Zero means no client-side bound.
	Timeout   time.Duration
	Anthropic AnthropicConfig
	OpenAI    OpenAIConfig
	// OpenRouter shares the OpenAI wire format.
	OpenRouter OpenAIConfig
}

// NewGateway creates a Gateway based on the configuration.
// Returns an error for unsupported providers or a missing API key.
func NewGateway(cfg FactoryConfig) (Gateway, error) {
	switch cfg.Provider {
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			return nil, errors.New("anthropic: API key is required")
		}
		return NewAnthropicProvider(cfg.Anthropic, cfg.Temperature, cfg.Timeout), nil
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, errors.New("openai: API key is required")
		}
		return NewOpenAIProvider(cfg.OpenAI, cfg.Temperature, cfg.Timeout), nil
	case "openrouter":
		if cfg.OpenRouter.APIKey == "" {
			return nil, errors.New("openrouter: API key is required")
		}
		return NewOpenRouterProvider(cfg.OpenRouter, cfg.Temperature, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}
