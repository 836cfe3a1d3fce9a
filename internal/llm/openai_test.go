package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Gateway = (*OpenAIProvider)(nil)

func newChatTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func writeChatResponse(t *testing.T, w http.ResponseWriter, msg chatMessage, finish string) {
	t.Helper()
	resp := chatResponse{
		ID:      "chatcmpl-1",
		Model:   "anthropic/claude-sonnet-4",
		Choices: []chatChoice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage:   chatUsage{PromptTokens: 90, CompletionTokens: 12, TotalTokens: 102},
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func TestOpenRouterProvider_Complete_Structured(t *testing.T) {
	t.Parallel()

	srv := newChatTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer or-key", r.Header.Get("Authorization"))
		assert.Equal(t, "biosecurity-triage", r.Header.Get("X-Title"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "sys", req.Messages[0].Content)
		assert.Equal(t, "user", req.Messages[1].Role)
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_schema", req.ResponseFormat.Type)
		require.NotNil(t, req.ResponseFormat.JSONSchema)
		assert.Equal(t, "risk_assessment", req.ResponseFormat.JSONSchema.Name)
		assert.True(t, req.ResponseFormat.JSONSchema.Strict)

		writeChatResponse(t, w, chatMessage{Role: "assistant", Content: `{"score": 7}`}, "stop")
	})

	p := NewOpenRouterProvider(OpenAIConfig{
		APIKey:  "or-key",
		BaseURL: srv.URL + "/",
		Headers: map[string]string{"X-Title": "biosecurity-triage"},
	}, nil, 5*time.Second)

	resp, err := p.Complete(context.Background(), Request{
		Messages:   []Message{{Role: RoleUser, Content: "assess"}},
		System:     "sys",
		Schema:     testSchema,
		SchemaName: "risk_assessment",
	})

	require.NoError(t, err)
	assert.Equal(t, "openrouter", p.Provider())
	assert.Equal(t, defaultOpenRouterModel, p.Model())
	assert.Equal(t, StopReasonEndTurn, resp.StopReason)
	assert.Equal(t, `{"score": 7}`, resp.Text)
	assert.Equal(t, 90, resp.InputTokens)
	assert.Equal(t, 12, resp.OutputTokens)
}

func TestOpenAIProvider_Complete_Refusals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		msg    chatMessage
		finish string
	}{
		{name: "content filter", msg: chatMessage{Role: "assistant"}, finish: "content_filter"},
		{name: "message refusal", msg: chatMessage{Role: "assistant", Refusal: "I can't help with that."}, finish: "stop"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newChatTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeChatResponse(t, w, tc.msg, tc.finish)
			})

			p := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: srv.URL}, nil, time.Second)
			resp, err := p.Complete(context.Background(), Request{
				Messages: []Message{{Role: RoleUser, Content: "assess"}},
				Schema:   testSchema,
			})

			require.NoError(t, err)
			assert.True(t, resp.Refused())
		})
	}
}

func TestOpenAIProvider_Complete_SchemaViolation(t *testing.T) {
	t.Parallel()

	srv := newChatTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeChatResponse(t, w, chatMessage{Role: "assistant", Content: `{"score": "high"}`}, "stop")
	})

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: srv.URL}, nil, time.Second)
	_, err := p.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "assess"}},
		Schema:   testSchema,
	})

	assert.True(t, errors.Is(err, ErrSchemaViolation))
}

func TestOpenAIProvider_Complete_APIErrorAndEmptyChoices(t *testing.T) {
	t.Parallel()

	t.Run("api error with numeric code", func(t *testing.T) {
		t.Parallel()
		srv := newChatTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"No auth credentials found","code":401}}`))
		})

		p := NewOpenRouterProvider(OpenAIConfig{APIKey: "k", BaseURL: srv.URL}, nil, time.Second)
		_, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "openrouter", apiErr.Provider)
		assert.Equal(t, "401", apiErr.Code)
		assert.Equal(t, "No auth credentials found", apiErr.Message)
		assert.False(t, apiErr.IsTransient())
	})

	t.Run("empty choices", func(t *testing.T) {
		t.Parallel()
		srv := newChatTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
		})

		p := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: srv.URL}, nil, time.Second)
		_, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "invalid_response", apiErr.Type)
	})
}

func TestNormalizeFinishReason(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StopReasonEndTurn, normalizeFinishReason("stop"))
	assert.Equal(t, StopReasonMaxTokens, normalizeFinishReason("length"))
	assert.Equal(t, StopReasonRefusal, normalizeFinishReason("content_filter"))
	assert.Equal(t, StopReasonOther, normalizeFinishReason("tool_calls"))
}
