package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGateway(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		cfg          FactoryConfig
		wantProvider string
		wantModel    string
	}{
		{
			name: "anthropic",
			cfg: FactoryConfig{
				Provider:  "anthropic",
				Timeout:   30 * time.Second,
				Anthropic: AnthropicConfig{APIKey: "sk-ant", Model: "claude-opus-4-1"},
			},
			wantProvider: "anthropic",
			wantModel:    "claude-opus-4-1",
		},
		{
			name: "openai default model",
			cfg: FactoryConfig{
				Provider: "openai",
				OpenAI:   OpenAIConfig{APIKey: "sk-test"},
			},
			wantProvider: "openai",
			wantModel:    defaultOpenAIModel,
		},
		{
			name: "openrouter",
			cfg: FactoryConfig{
				Provider:   "openrouter",
				OpenRouter: OpenAIConfig{APIKey: "sk-or", Model: "openai/gpt-4o"},
			},
			wantProvider: "openrouter",
			wantModel:    "openai/gpt-4o",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			g, err := NewGateway(tc.cfg)
			require.NoError(t, err)
			assert.Equal(t, tc.wantProvider, g.Provider())
			assert.Equal(t, tc.wantModel, g.Model())
		})
	}
}

func TestNewGateway_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewGateway(FactoryConfig{Provider: "gemini"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported LLM provider")

	_, err = NewGateway(FactoryConfig{Provider: ""})
	require.Error(t, err)

	_, err = NewGateway(FactoryConfig{Provider: "anthropic"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key is required")

	_, err = NewGateway(FactoryConfig{Provider: "openrouter", OpenAI: OpenAIConfig{APIKey: "wrong slot"}})
	require.Error(t, err)
}
