// Package broadcast fans queue events out to live subscribers.
//
// Publish never blocks: each subscriber has a bounded buffer and an event is
// dropped for any subscriber whose buffer is full. One slow reader therefore
// never delays the worker or other readers.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
	"github.com/helixir/biosecurity-triage-service/internal/observability"
)

// DefaultBuffer is the per-subscriber buffer used when Subscribe is given a non-positive size.
const DefaultBuffer = 64

// ErrClosed is returned by Receive once the subscription has been released.
var ErrClosed = errors.New("subscription closed")

// Publisher accepts queue events for delivery.
type Publisher interface {
	Publish(event domain.QueueEvent)
}

// Broadcaster holds the subscriber set.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	logger  zerolog.Logger
	metrics *observability.Metrics
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithMetrics records published and dropped events and the subscriber count.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// New creates an empty Broadcaster.
func New(logger zerolog.Logger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.With().Str("component", "broadcaster").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ Publisher = (*Broadcaster)(nil)

// Subscription is one reader's view of the event stream.
type Subscription struct {
	events chan domain.QueueEvent
	done   chan struct{}
	once   sync.Once
}

// Events exposes the raw channel. It is never closed; use Done to detect release.
func (s *Subscription) Events() <-chan domain.QueueEvent {
	return s.events
}

// Done is closed when the subscription is released.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Receive waits for the next event. If heartbeat is positive and nothing
// arrives in that time, a synthetic heartbeat event is returned instead.
func (s *Subscription) Receive(ctx context.Context, heartbeat time.Duration) (domain.QueueEvent, error) {
	var tick <-chan time.Time
	if heartbeat > 0 {
		timer := time.NewTimer(heartbeat)
		defer timer.Stop()
		tick = timer.C
	}

	select {
	case ev := <-s.events:
		return ev, nil
	case <-tick:
		return domain.NewQueueEvent(domain.EventHeartbeat), nil
	case <-s.done:
		return domain.QueueEvent{}, ErrClosed
	case <-ctx.Done():
		return domain.QueueEvent{}, ctx.Err()
	}
}

func (s *Subscription) release() {
	s.once.Do(func() { close(s.done) })
}

// Subscribe registers a new subscriber with the given buffer size.
// Subscribing to a closed Broadcaster returns an already released subscription.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		events: make(chan domain.QueueEvent, buffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.release()
		return sub
	}
	b.subs[sub] = struct{}{}
	b.reportSubscribers()
	return sub
}

// Unsubscribe removes sub. It is safe to call more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		b.reportSubscribers()
	}
	b.mu.Unlock()
	sub.release()
}

// Publish delivers event to every subscriber without blocking.
func (b *Broadcaster) Publish(event domain.QueueEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	dropped := 0
	for sub := range b.subs {
		select {
		case sub.events <- event:
		default:
			dropped++
		}
	}

	if b.metrics != nil {
		b.metrics.RecordEventPublished(string(event.Type))
		for range dropped {
			b.metrics.RecordEventDropped()
		}
	}
	if dropped > 0 {
		b.logger.Warn().
			Str("event_type", string(event.Type)).
			Int("dropped", dropped).
			Msg("subscriber buffer full, event dropped")
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close releases every subscriber. Later publishes are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.release()
		delete(b.subs, sub)
	}
	b.reportSubscribers()
}

// reportSubscribers must be called with mu held.
func (b *Broadcaster) reportSubscribers() {
	if b.metrics != nil {
		b.metrics.SetSubscribers(len(b.subs))
	}
}
