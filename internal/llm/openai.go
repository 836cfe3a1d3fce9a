package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Default values for OpenAI-compatible providers.
const (
	defaultOpenAIBaseURL     = "https://api.openai.com/v1"
	defaultOpenAIModel       = "gpt-4o"
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "anthropic/claude-sonnet-4"
)

// chatRequest represents the Chat Completions API request body.
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

// chatMessage represents a single message in the chat conversation.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Refusal is set by providers that report refusals on the message itself.
	Refusal string `json:"refusal,omitempty"`
}

// responseFormat specifies the output format for the API response.
type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *jsonSchemaSpec `json:"json_schema,omitempty"`
}

type jsonSchemaSpec struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

// chatResponse represents the Chat Completions API response body.
type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

// chatChoice represents a single completion choice.
type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// chatUsage contains token usage information.
type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIErrorResponse struct {
	Error openAIErrorDetail `json:"error"`
}

// openAIErrorDetail contains error details from the API. Code is a string on
// OpenAI and a number on OpenRouter, so it is decoded loosely.
type openAIErrorDetail struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code"`
}

// OpenAIProvider implements Gateway using an OpenAI-compatible Chat Completions API.
// It serves both OpenAI and OpenRouter; the provider name distinguishes them.
type OpenAIProvider struct {
	httpClient  *http.Client
	name        string
	apiKey      string
	model       string
	baseURL     string
	temperature *float64
	headers     map[string]string
}

// OpenAIConfig holds the parameters needed to create an OpenAI-compatible provider.
// This is defined in the llm package to avoid importing the config package.
type OpenAIConfig struct {
	// APIKey is the bearer token.
	APIKey string
	// Model is the model identifier.
	Model string
	// BaseURL is the API base URL (empty means the provider default).
	BaseURL string
	// Headers are added to every request (e.g., OpenRouter attribution headers).
	Headers map[string]string
}

// NewOpenAIProvider creates a provider for the OpenAI API.
func NewOpenAIProvider(cfg OpenAIConfig, temperature *float64, timeout time.Duration) *OpenAIProvider {
	return newChatProvider("openai", defaultOpenAIBaseURL, defaultOpenAIModel, cfg, temperature, timeout)
}

// NewOpenRouterProvider creates a provider for the OpenRouter API.
func NewOpenRouterProvider(cfg OpenAIConfig, temperature *float64, timeout time.Duration) *OpenAIProvider {
	return newChatProvider("openrouter", defaultOpenRouterBaseURL, defaultOpenRouterModel, cfg, temperature, timeout)
}

func newChatProvider(name, baseURL, model string, cfg OpenAIConfig, temperature *float64, timeout time.Duration) *OpenAIProvider {
	if cfg.BaseURL != "" {
		baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Model != "" {
		model = cfg.Model
	}

	return &OpenAIProvider{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		name:        name,
		apiKey:      cfg.APIKey,
		model:       model,
		baseURL:     baseURL,
		temperature: temperature,
		headers:     cfg.Headers,
	}
}

// Complete sends a single Chat Completions call. A schema on the request is
// sent as a strict json_schema response format.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	chatReq := chatRequest{
		Model:       p.model,
		Messages:    make([]chatMessage, 0, len(req.Messages)+1),
		Temperature: p.temperature,
		MaxTokens:   maxTokensOrDefault(req.MaxTokens),
	}
	if req.System != "" {
		chatReq.Messages = append(chatReq.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		chatReq.Messages = append(chatReq.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	if req.Schema != nil {
		chatReq.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchemaSpec{
				Name:   schemaNameOrDefault(req.SchemaName),
				Strict: true,
				Schema: req.Schema,
			},
		}
	}

	chatResp, err := p.doRequest(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	if len(chatResp.Choices) == 0 {
		return nil, &APIError{
			Provider: p.name,
			Message:  "empty choices in response",
			Type:     "invalid_response",
		}
	}

	resp := p.toResponse(chatResp)
	if err := checkStructured(req, resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Provider returns the name of the LLM provider.
func (p *OpenAIProvider) Provider() string {
	return p.name
}

// Model returns the model identifier being used.
func (p *OpenAIProvider) Model() string {
	return p.model
}

func (p *OpenAIProvider) doRequest(ctx context.Context, chatReq chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal request: %w", p.name, err)
	}

	endpoint := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", p.name, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, networkError(p.name, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, networkError(p.name, "failed to read response body", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseOpenAIAPIError(p.name, resp.StatusCode, respBody)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, &APIError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to unmarshal response: %v", err),
			Type:       "invalid_response",
		}
	}

	return &chatResp, nil
}

func (p *OpenAIProvider) toResponse(chatResp *chatResponse) *Response {
	choice := chatResp.Choices[0]

	stop := normalizeFinishReason(choice.FinishReason)
	if choice.Message.Refusal != "" {
		stop = StopReasonRefusal
	}

	model := chatResp.Model
	if model == "" {
		model = p.model
	}

	return &Response{
		Text:         choice.Message.Content,
		StopReason:   stop,
		Model:        model,
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
	}
}

func normalizeFinishReason(s string) StopReason {
	switch s {
	case "stop":
		return StopReasonEndTurn
	case "length":
		return StopReasonMaxTokens
	case "content_filter", "refusal":
		return StopReasonRefusal
	default:
		return StopReasonOther
	}
}

// parseOpenAIAPIError parses an OpenAI-compatible API error from the response status code and body.
func parseOpenAIAPIError(provider string, statusCode int, body []byte) *APIError {
	apiErr := &APIError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    string(body),
	}

	var errResp openAIErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		apiErr.Message = errResp.Error.Message
		apiErr.Type = errResp.Error.Type
		apiErr.Code = strings.Trim(string(errResp.Error.Code), `"`)
		if apiErr.Code == "null" {
			apiErr.Code = ""
		}
	}

	return apiErr
}
