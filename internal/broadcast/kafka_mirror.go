package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
	"github.com/helixir/biosecurity-triage-service/internal/observability"
)

const (
	defaultMirrorBuffer = 256
	defaultWriteTimeout = 10 * time.Second
)

// MessageWriter is the subset of *kafka.Writer used by KafkaMirror.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// MirrorConfig configures a KafkaMirror.
type MirrorConfig struct {
	// Topic is recorded on metrics; the writer decides where messages go.
	Topic string
	// Buffer is the mirror's subscriber buffer.
	Buffer int
	// WriteTimeout bounds each write.
	WriteTimeout time.Duration
}

// KafkaMirror copies every broadcast event to a Kafka topic as JSON, keyed by
// paper ID so events for one paper stay ordered within a partition.
type KafkaMirror struct {
	broadcaster *Broadcaster
	writer      MessageWriter
	cfg         MirrorConfig
	logger      zerolog.Logger
	metrics     *observability.Metrics
}

// NewKafkaMirror creates a mirror. Call Run to start it.
func NewKafkaMirror(b *Broadcaster, w MessageWriter, cfg MirrorConfig, logger zerolog.Logger, metrics *observability.Metrics) *KafkaMirror {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultMirrorBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &KafkaMirror{
		broadcaster: b,
		writer:      w,
		cfg:         cfg,
		logger:      logger.With().Str("component", "kafka_mirror").Str("topic", cfg.Topic).Logger(),
		metrics:     metrics,
	}
}

// NewKafkaWriter builds the production writer for the events topic.
func NewKafkaWriter(brokers []string, topic string, batchSize int, batchTimeout time.Duration) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    batchSize,
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
}

// Run mirrors events until ctx is cancelled or the broadcaster closes.
func (m *KafkaMirror) Run(ctx context.Context) error {
	sub := m.broadcaster.Subscribe(m.cfg.Buffer)
	defer m.broadcaster.Unsubscribe(sub)

	m.logger.Info().Msg("starting kafka event mirror")
	for {
		event, err := sub.Receive(ctx, 0)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				m.logger.Info().Msg("broadcaster closed, stopping kafka mirror")
				return nil
			}
			m.logger.Info().Msg("kafka mirror stopped via context cancellation")
			return ctx.Err()
		}
		m.write(ctx, event)
	}
}

func (m *KafkaMirror) write(ctx context.Context, event domain.QueueEvent) {
	value, err := json.Marshal(event)
	if err != nil {
		m.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("failed to encode event")
		m.record("error")
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.PartitionKey()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}
	if err := m.writer.WriteMessages(writeCtx, msg); err != nil {
		m.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("failed to mirror event to kafka")
		m.record("error")
		return
	}
	m.record("ok")
}

func (m *KafkaMirror) record(outcome string) {
	if m.metrics != nil {
		m.metrics.RecordKafkaMessage("produce", m.cfg.Topic, outcome)
	}
}
