package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/biosecurity-triage-service/internal/broadcast"
	"github.com/helixir/biosecurity-triage-service/internal/database"
	"github.com/helixir/biosecurity-triage-service/internal/domain"
)

type sseFrame struct {
	event string
	data  domain.QueueEvent
}

// readFrame reads one SSE frame from the stream.
func readFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	var f sseFrame
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			return f
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f.data))
		}
	}
}

func openStream(t *testing.T, srv *httptest.Server) (*bufio.Reader, *http.Response, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/queue/stream", nil)
	require.NoError(t, err)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return bufio.NewReader(resp.Body), resp, cancel
}

func TestStreamQueue_InitialStatusThenEvents(t *testing.T) {
	svc := &mockQueueService{
		statusFn: func(context.Context) (*domain.WorkerStatus, error) {
			return &domain.WorkerStatus{WorkerRunning: true, Pending: 2, Total: 2}, nil
		},
	}
	s, b := newTestServer(t, svc)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	r, resp, cancel := openStream(t, srv)
	defer cancel()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	first := readFrame(t, r)
	assert.Equal(t, "status", first.event)
	require.NotNil(t, first.data.Worker)
	assert.Equal(t, 2, first.data.Worker.Pending)

	itemID := uuid.New()
	ev := domain.NewQueueEvent(domain.EventProcessing)
	ev.ItemID = &itemID
	ev.PaperTitle = "Enhanced transmissibility"
	b.Publish(ev)

	next := readFrame(t, r)
	assert.Equal(t, "processing", next.event)
	require.NotNil(t, next.data.ItemID)
	assert.Equal(t, itemID, *next.data.ItemID)
	assert.Equal(t, "Enhanced transmissibility", next.data.PaperTitle)
}

func TestStreamQueue_Heartbeat(t *testing.T) {
	b := broadcast.New(zerolog.Nop())
	defer b.Close()
	s := NewServer(Config{Heartbeat: 50 * time.Millisecond}, &mockQueueService{}, b,
		&mockHealth{status: database.HealthStatus{Status: "healthy"}}, zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	r, _, cancel := openStream(t, srv)
	defer cancel()

	assert.Equal(t, "status", readFrame(t, r).event)
	assert.Equal(t, "heartbeat", readFrame(t, r).event)
}

func TestStreamQueue_UnsubscribesOnDisconnect(t *testing.T) {
	s, b := newTestServer(t, &mockQueueService{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	r, _, cancel := openStream(t, srv)
	readFrame(t, r)
	assert.Equal(t, 1, b.SubscriberCount())

	cancel()
	assert.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamQueue_EndsWhenBroadcasterCloses(t *testing.T) {
	s, b := newTestServer(t, &mockQueueService{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	r, _, cancel := openStream(t, srv)
	defer cancel()
	readFrame(t, r)

	b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.ReadString('\n')
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after broadcaster closed")
	}
}

func TestStreamQueue_StatusError(t *testing.T) {
	svc := &mockQueueService{
		statusFn: func(context.Context) (*domain.WorkerStatus, error) {
			return nil, domain.ErrServiceUnavailable
		},
	}
	s, b := newTestServer(t, svc)

	rr := serveHTTP(s, httptest.NewRequest(http.MethodGet, "/api/v1/queue/stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, 0, b.SubscriberCount())
}
