package observability

import (
	"context"

	"github.com/rs/zerolog"
)

type contextKey string

const (
	requestIDKey     contextKey = "request_id"
	correlationIDKey contextKey = "correlation_id"
	queueItemIDKey   contextKey = "queue_item_id"
	paperIDKey       contextKey = "paper_id"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves the request ID from context.
// Returns empty string if not present.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithCorrelationID adds a correlation ID that follows work across hops.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationIDFromContext retrieves the correlation ID from context.
func CorrelationIDFromContext(ctx context.Context) string {
	return stringValue(ctx, correlationIDKey)
}

// WithQueueItemID adds the queue item being processed to the context.
func WithQueueItemID(ctx context.Context, itemID string) context.Context {
	return context.WithValue(ctx, queueItemIDKey, itemID)
}

// QueueItemIDFromContext retrieves the queue item ID from context.
func QueueItemIDFromContext(ctx context.Context) string {
	return stringValue(ctx, queueItemIDKey)
}

// WithPaperID adds the paper under assessment to the context.
func WithPaperID(ctx context.Context, paperID string) context.Context {
	return context.WithValue(ctx, paperIDKey, paperID)
}

// PaperIDFromContext retrieves the paper ID from context.
func PaperIDFromContext(ctx context.Context) string {
	return stringValue(ctx, paperIDKey)
}

// LoggerFromContext returns base enriched with every identifier present on ctx.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	lc := base.With()
	for _, key := range []contextKey{requestIDKey, correlationIDKey, queueItemIDKey, paperIDKey} {
		if v := stringValue(ctx, key); v != "" {
			lc = lc.Str(string(key), v)
		}
	}
	return lc.Logger()
}

func stringValue(ctx context.Context, key contextKey) string {
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
