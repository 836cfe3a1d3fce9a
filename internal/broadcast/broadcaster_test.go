package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
	"github.com/helixir/biosecurity-triage-service/internal/observability"
)

func newTestBroadcaster(t *testing.T) (*Broadcaster, *observability.Metrics) {
	t.Helper()
	m := observability.NewMetricsWith("test_broadcast", prometheus.NewRegistry())
	return New(zerolog.Nop(), WithMetrics(m)), m
}

func receive(t *testing.T, sub *Subscription) domain.QueueEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Receive(ctx, 0)
	require.NoError(t, err)
	return ev
}

func TestBroadcaster_DeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	b, m := newTestBroadcaster(t)
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)
	assert.Equal(t, 2, b.SubscriberCount())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BroadcastSubscribers))

	b.Publish(domain.NewQueueEvent(domain.EventQueueUpdated))

	assert.Equal(t, domain.EventQueueUpdated, receive(t, s1).Type)
	assert.Equal(t, domain.EventQueueUpdated, receive(t, s2).Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BroadcastPublished.WithLabelValues("queue_updated")))
}

func TestBroadcaster_PreservesOrderPerSubscriber(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroadcaster(t)
	sub := b.Subscribe(8)

	types := []domain.QueueEventType{domain.EventQueueUpdated, domain.EventProcessing, domain.EventCompleted}
	for _, typ := range types {
		b.Publish(domain.NewQueueEvent(typ))
	}
	for _, want := range types {
		assert.Equal(t, want, receive(t, sub).Type)
	}
}

func TestBroadcaster_FullSubscriberDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	b, m := newTestBroadcaster(t)
	slow := b.Subscribe(1)
	fast := b.Subscribe(10)

	done := make(chan struct{})
	go func() {
		for range 5 {
			b.Publish(domain.NewQueueEvent(domain.EventQueueUpdated))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	for range 5 {
		receive(t, fast)
	}
	receive(t, slow)
	assert.Len(t, slow.Events(), 0)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.BroadcastDropped))
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	t.Parallel()

	b, m := newTestBroadcaster(t)
	sub := b.Subscribe(4)

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	assert.Equal(t, 0, b.SubscriberCount())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BroadcastSubscribers))

	b.Publish(domain.NewQueueEvent(domain.EventStatus))
	_, err := sub.Receive(context.Background(), 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBroadcaster_Close(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroadcaster(t)
	sub := b.Subscribe(4)

	b.Close()
	b.Close()

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription not released on close")
	}
	assert.Equal(t, 0, b.SubscriberCount())

	late := b.Subscribe(4)
	_, err := late.Receive(context.Background(), 0)
	assert.ErrorIs(t, err, ErrClosed)

	b.Publish(domain.NewQueueEvent(domain.EventStatus))
	b.Unsubscribe(sub)
}

func TestSubscription_Heartbeat(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroadcaster(t)
	sub := b.Subscribe(4)

	ev, err := sub.Receive(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, domain.EventHeartbeat, ev.Type)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestSubscription_ContextCancelled(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroadcaster(t)
	sub := b.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sub.Receive(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBroadcaster_StampsTimestamp(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroadcaster(t)
	sub := b.Subscribe(1)

	id := uuid.New()
	b.Publish(domain.QueueEvent{Type: domain.EventProcessing, PaperID: &id})

	ev := receive(t, sub)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, id, *ev.PaperID)
}

func TestBroadcaster_ConcurrentUse(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroadcaster(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.Subscribe(2)
			for range 20 {
				b.Publish(domain.NewQueueEvent(domain.EventQueueUpdated))
			}
			b.Unsubscribe(sub)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBroadcaster_NilMetrics(t *testing.T) {
	t.Parallel()

	b := New(zerolog.Nop())
	sub := b.Subscribe(0)
	assert.Equal(t, DefaultBuffer, cap(sub.events))
	b.Publish(domain.NewQueueEvent(domain.EventStatus))
	assert.Equal(t, domain.EventStatus, receive(t, sub).Type)
}
