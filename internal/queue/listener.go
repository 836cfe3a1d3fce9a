package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
	"github.com/helixir/biosecurity-triage-service/internal/observability"
)

// AssessmentRequest is the message consumed from the request topic.
type AssessmentRequest struct {
	PaperIDs []string `json:"paper_ids"`
	// Priority of zero uses domain.DefaultBulkPriority.
	Priority int `json:"priority"`
}

// MessageReader is the subset of *kafka.Reader used by RequestListener.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Enqueuer accepts batches of papers for assessment.
type Enqueuer interface {
	Enqueue(ctx context.Context, paperIDs []uuid.UUID, priority int) (*domain.EnqueueResult, error)
}

// ListenerConfig holds configuration for the request listener.
type ListenerConfig struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string
	// Topic carries AssessmentRequest messages.
	Topic string
	// GroupID is the consumer group ID.
	GroupID string
}

// RequestListener consumes assessment requests from Kafka and enqueues them.
type RequestListener struct {
	reader   MessageReader
	enqueuer Enqueuer
	topic    string
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

// NewKafkaReader builds the consumer-group reader for the request topic.
func NewKafkaReader(cfg ListenerConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  3 * time.Second,
	})
}

// NewRequestListener creates a listener over reader.
func NewRequestListener(reader MessageReader, topic string, enqueuer Enqueuer, logger zerolog.Logger, metrics *observability.Metrics) *RequestListener {
	return &RequestListener{
		reader:   reader,
		enqueuer: enqueuer,
		topic:    topic,
		logger:   logger.With().Str("component", "request_listener").Str("topic", topic).Logger(),
		metrics:  metrics,
	}
}

// Run consumes messages until ctx is cancelled. Every message is committed
// once handled, including malformed ones, so a bad message is never redelivered.
func (l *RequestListener) Run(ctx context.Context) error {
	l.logger.Info().Msg("starting assessment request listener")

	for {
		msg, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info().Msg("request listener stopped via context cancellation")
				return ctx.Err()
			}
			l.logger.Error().Err(err).Msg("failed to read message from Kafka")
			l.record("error")
			continue
		}

		l.logger.Debug().
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("received assessment request")

		l.record(l.handle(ctx, msg))

		if err := l.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit message")
		}
	}
}

// handle returns the metrics outcome for msg.
func (l *RequestListener) handle(ctx context.Context, msg kafka.Message) string {
	req, ids, err := decodeRequest(msg.Value)
	if err != nil {
		l.logger.Error().Err(err).
			Str("raw_value", domain.TruncateMessage(string(msg.Value), 500)).
			Msg("discarding malformed assessment request")
		return "malformed"
	}

	priority := req.Priority
	if priority == 0 {
		priority = domain.DefaultBulkPriority
	}

	result, err := l.enqueuer.Enqueue(ctx, ids, priority)
	if err != nil {
		l.logger.Error().Err(err).Int("papers", len(ids)).Msg("failed to enqueue requested papers")
		return "error"
	}

	l.logger.Info().
		Int("added", result.Added).
		Int("already_queued", result.AlreadyQueued).
		Int("missing", result.Missing).
		Msg("handled assessment request")
	return "ok"
}

func decodeRequest(value []byte) (*AssessmentRequest, []uuid.UUID, error) {
	var req AssessmentRequest
	if err := json.Unmarshal(value, &req); err != nil {
		return nil, nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(req.PaperIDs) == 0 {
		return nil, nil, fmt.Errorf("paper_ids is empty")
	}
	if req.Priority < 0 || req.Priority > domain.MaxPriority {
		return nil, nil, fmt.Errorf("priority %d is outside 0..%d", req.Priority, domain.MaxPriority)
	}

	ids := make([]uuid.UUID, 0, len(req.PaperIDs))
	for _, raw := range req.PaperIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid paper id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return &req, ids, nil
}

func (l *RequestListener) record(outcome string) {
	if l.metrics != nil {
		l.metrics.RecordKafkaMessage("consume", l.topic, outcome)
	}
}

// Close closes the Kafka reader.
func (l *RequestListener) Close() error {
	l.logger.Info().Msg("closing request listener")
	return l.reader.Close()
}
