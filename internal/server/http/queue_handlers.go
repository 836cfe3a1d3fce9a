package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
	"github.com/helixir/biosecurity-triage-service/internal/observability"
	"github.com/helixir/biosecurity-triage-service/internal/repository"
)

const maxUnassessedBatch = 200

type enqueueRequest struct {
	PaperIDs      []uuid.UUID `json:"paper_ids" validate:"omitempty,max=1000"`
	AllUnassessed bool        `json:"all_unassessed"`
	Priority      *int        `json:"priority" validate:"omitempty,min=0,max=100"`
	Limit         int         `json:"limit" validate:"omitempty,min=1,max=200"`
}

type clearRequest struct {
	Statuses []string `json:"statuses" validate:"omitempty,max=4"`
}

type queueItemsResponse struct {
	Items []*domain.QueueItem `json:"items"`
	Count int                 `json:"count"`
}

type clearResponse struct {
	Cleared int `json:"cleared"`
}

// getQueueStatus handles GET /api/v1/queue/status.
func (s *Server) getQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.queue.Status(r.Context())
	if err != nil {
		s.logError(r, err, "failed to load queue status")
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// listQueueItems handles GET /api/v1/queue/items.
func (s *Server) listQueueItems(w http.ResponseWriter, r *http.Request) {
	filter := repository.QueueFilter{}

	q := r.URL.Query()
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			st, err := domain.ParseQueueStatus(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("unknown status %q", part))
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "limit must be an integer")
			return
		}
		filter.Limit = limit
	}

	items, err := s.queue.List(r.Context(), filter)
	if err != nil {
		s.logError(r, err, "failed to list queue items")
		writeDomainError(w, err)
		return
	}
	if items == nil {
		items = []*domain.QueueItem{}
	}
	writeJSON(w, http.StatusOK, queueItemsResponse{Items: items, Count: len(items)})
}

// enqueuePapers handles POST /api/v1/queue/items.
func (s *Server) enqueuePapers(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	hasIDs := len(req.PaperIDs) > 0
	if hasIDs == req.AllUnassessed {
		writeError(w, http.StatusBadRequest, codeBadRequest, "exactly one of paper_ids or all_unassessed is required")
		return
	}

	priority := domain.DefaultBulkPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	var (
		result *domain.EnqueueResult
		err    error
	)
	if req.AllUnassessed {
		limit := req.Limit
		if limit == 0 {
			limit = maxUnassessedBatch
		}
		result, err = s.queue.EnqueueUnassessed(r.Context(), priority, limit)
	} else {
		result, err = s.queue.Enqueue(r.Context(), req.PaperIDs, priority)
	}
	if err != nil {
		s.logError(r, err, "failed to enqueue papers")
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// enqueuePaper handles POST /api/v1/queue/papers/{paperID}.
func (s *Server) enqueuePaper(w http.ResponseWriter, r *http.Request) {
	paperID, ok := parseUUID(w, chi.URLParam(r, "paperID"), "paper_id")
	if !ok {
		return
	}

	priority := domain.DefaultSinglePriority
	if raw := r.URL.Query().Get("priority"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || domain.ValidatePriority(p) != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("priority must be an integer between 0 and %d", domain.MaxPriority))
			return
		}
		priority = p
	}

	ctx := observability.WithPaperID(r.Context(), paperID.String())
	item, err := s.queue.EnqueueOne(ctx, paperID, priority)
	if err != nil {
		s.logError(r.WithContext(ctx), err, "failed to enqueue paper")
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// cancelQueueItem handles DELETE /api/v1/queue/items/{itemID}.
func (s *Server) cancelQueueItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := parseUUID(w, chi.URLParam(r, "itemID"), "item_id")
	if !ok {
		return
	}

	ctx := observability.WithQueueItemID(r.Context(), itemID.String())
	item, err := s.queue.Cancel(ctx, itemID)
	if err != nil {
		s.logError(r.WithContext(ctx), err, "failed to cancel queue item")
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// clearQueue handles POST /api/v1/queue/clear.
func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	statuses := make([]domain.QueueStatus, 0, len(req.Statuses))
	for _, raw := range req.Statuses {
		st, err := domain.ParseQueueStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
		statuses = append(statuses, st)
	}

	n, err := s.queue.Clear(r.Context(), statuses)
	if err != nil {
		s.logError(r, err, "failed to clear queue")
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clearResponse{Cleared: n})
}

// logError logs unexpected failures. Client errors are not logged.
func (s *Server) logError(r *http.Request, err error, msg string) {
	if isClientError(err) {
		return
	}
	log := observability.LoggerFromContext(r.Context(), s.logger)
	log.Error().Err(err).Msg(msg)
}

func isClientError(err error) bool {
	for _, target := range []error{domain.ErrNotFound, domain.ErrInvalidInput, domain.ErrInvalidState, domain.ErrAlreadyExists} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
