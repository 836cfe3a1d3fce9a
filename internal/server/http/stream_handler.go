package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/helixir/biosecurity-triage-service/internal/broadcast"
	"github.com/helixir/biosecurity-triage-service/internal/domain"
	"github.com/helixir/biosecurity-triage-service/internal/observability"
)

// sseMaxDuration is the maximum time an SSE stream may remain open.
const sseMaxDuration = 4 * time.Hour

// streamQueue handles GET /api/v1/queue/stream (SSE). The first event is a
// status snapshot; after that every broadcast event is forwarded, with a
// heartbeat when the queue is idle.
func (s *Server) streamQueue(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeUnsupported, "streaming not supported")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), sseMaxDuration)
	defer cancel()

	// Subscribe before the snapshot so nothing between the two is lost.
	sub := s.events.Subscribe(s.buffer)
	defer s.events.Unsubscribe(sub)

	status, err := s.queue.Status(ctx)
	if err != nil {
		s.logError(r, err, "failed to load queue status for stream")
		writeDomainError(w, err)
		return
	}

	// The server-wide WriteTimeout would cut the stream; sseMaxDuration bounds it instead.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	log := observability.LoggerFromContext(ctx, s.logger)
	log.Debug().Msg("queue stream opened")

	initial := domain.NewQueueEvent(domain.EventStatus)
	initial.Worker = status
	if err := sendSSEEvent(w, flusher, initial); err != nil {
		return
	}

	for {
		ev, err := sub.Receive(ctx, s.heartbeat)
		if err != nil {
			if !errors.Is(err, broadcast.ErrClosed) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				log.Warn().Err(err).Msg("queue stream ended")
			}
			log.Debug().Msg("queue stream closed")
			return
		}
		if err := sendSSEEvent(w, flusher, ev); err != nil {
			log.Debug().Err(err).Msg("queue stream client gone")
			return
		}
	}
}

// sendSSEEvent writes a single SSE event named after the event type and flushes.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event domain.QueueEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
