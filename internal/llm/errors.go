package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a provider or transport failure. It is distinct from a refusal,
// which is reported as a successful Response with StopReasonRefusal.
type APIError struct {
	// Provider is the name of the LLM provider (e.g., "openrouter", "anthropic").
	Provider string
	// StatusCode is the HTTP status code, or 0 when no response was received.
	StatusCode int
	Message    string
	Type       string
	// Code is the provider-specific error code (if available).
	Code string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: API error (status %d, type %s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsTransient reports whether a fresh attempt could plausibly succeed: rate
// limiting, server errors, and network errors. The gateway itself never retries.
func (e *APIError) IsTransient() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// IsAPIError reports whether err is, or wraps, a provider failure.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// networkError wraps a transport failure where no usable HTTP response was received.
func networkError(provider, msg string, err error) *APIError {
	return &APIError{
		Provider:   provider,
		StatusCode: 0,
		Message:    fmt.Sprintf("%s: %v", msg, err),
		Type:       "network_error",
	}
}
