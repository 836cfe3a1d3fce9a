// Package llm provides a uniform completion gateway over hosted model providers.
//
// A Gateway sends role-tagged messages to a provider and returns the model's text
// together with a normalized stop reason. When a JSON Schema is supplied the
// provider is asked for schema-constrained output and the returned text is
// validated against that schema before it reaches the caller.
//
// A refusal is reported through Response.StopReason, never as an error. Transport
// and provider failures are returned as *APIError. Gateways never retry.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Role tags a message in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StopReason is the provider-independent reason generation ended.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
	StopReasonRefusal      StopReason = "refusal"
	StopReasonOther        StopReason = "other"
)

// defaultMaxTokens is used when a request leaves MaxTokens unset.
const defaultMaxTokens = 4096

// ErrSchemaViolation is returned when a non-refused structured completion does
// not parse as JSON or does not conform to the requested schema.
var ErrSchemaViolation = errors.New("llm: structured output does not match schema")

// Message is a single conversation turn.
type Message struct {
	Role    Role
	Content string
}

// Request describes a completion call.
type Request struct {
	Messages []Message
	// System is an optional system prompt.
	System string
	// MaxTokens bounds the response. Zero uses the package default.
	MaxTokens int
	// Schema, when non-nil, is a JSON Schema the output must satisfy.
	Schema map[string]any
	// SchemaName labels the schema for providers that require one.
	SchemaName string
}

// Response is the outcome of a completion call.
type Response struct {
	Text         string
	StopReason   StopReason
	Model        string
	InputTokens  int
	OutputTokens int
}

// Refused reports whether the model declined to answer.
func (r *Response) Refused() bool {
	return r.StopReason == StopReasonRefusal
}

// Empty reports whether the response carries no usable text.
func (r *Response) Empty() bool {
	return strings.TrimSpace(r.Text) == ""
}

// Gateway is the completion contract implemented by every provider.
type Gateway interface {
	// Complete sends a request and returns the model's response.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Provider returns the provider name (e.g., "anthropic").
	Provider() string

	// Model returns the model identifier being used.
	Model() string
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return defaultMaxTokens
	}
	return n
}

func schemaNameOrDefault(name string) string {
	if name == "" {
		return "response"
	}
	return name
}
