package llm

import (
	"context"
	"errors"
	"time"
)

// MetricsRecorder receives per-call gateway measurements.
type MetricsRecorder interface {
	RecordLLMRequest(operation, model string, durationSeconds float64, inputTokens, outputTokens int)
	RecordLLMRequestFailed(operation, model, errorType string)
	RecordLLMRefusal(operation, model string)
}

// InstrumentedGateway decorates a Gateway with metrics for one logical operation.
type InstrumentedGateway struct {
	next      Gateway
	metrics   MetricsRecorder
	operation string
}

// Instrument wraps g so every call is recorded under operation.
func Instrument(g Gateway, m MetricsRecorder, operation string) *InstrumentedGateway {
	return &InstrumentedGateway{next: g, metrics: m, operation: operation}
}

// Complete forwards the call and records its outcome.
func (g *InstrumentedGateway) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := g.next.Complete(ctx, req)
	if err != nil {
		g.metrics.RecordLLMRequestFailed(g.operation, g.next.Model(), errorType(err))
		return resp, err
	}

	g.metrics.RecordLLMRequest(g.operation, g.next.Model(), time.Since(start).Seconds(), resp.InputTokens, resp.OutputTokens)
	if resp.Refused() {
		g.metrics.RecordLLMRefusal(g.operation, g.next.Model())
	}
	return resp, nil
}

// Provider returns the wrapped provider name.
func (g *InstrumentedGateway) Provider() string { return g.next.Provider() }

// Model returns the wrapped model identifier.
func (g *InstrumentedGateway) Model() string { return g.next.Model() }

func errorType(err error) string {
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrSchemaViolation):
		return "schema_violation"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &apiErr):
		if apiErr.Type != "" {
			return apiErr.Type
		}
		return "api_error"
	default:
		return "unknown"
	}
}
