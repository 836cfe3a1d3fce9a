package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/helixir/biosecurity-triage-service/internal/assessment"
	"github.com/helixir/biosecurity-triage-service/internal/ingest"
	"github.com/helixir/biosecurity-triage-service/internal/llm"
	"github.com/helixir/biosecurity-triage-service/internal/observability"
)

const codeBadGateway = "bad_gateway"

// assessPaper handles POST /api/v1/papers/{paperID}/assess. It runs the
// assessment synchronously, outside the queue.
func (s *Server) assessPaper(w http.ResponseWriter, r *http.Request) {
	paperID, ok := parseUUID(w, chi.URLParam(r, "paperID"), "paper_id")
	if !ok {
		return
	}

	ctx := observability.WithPaperID(r.Context(), paperID.String())
	result, err := s.queue.AssessNow(ctx, paperID)
	if err != nil {
		s.logError(r.WithContext(ctx), err, "assessment failed")
		if errors.Is(err, assessment.ErrMalformedOutput) || errors.Is(err, llm.ErrSchemaViolation) {
			writeError(w, http.StatusBadGateway, codeBadGateway, "model returned malformed output")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// getLatestAssessment handles GET /api/v1/papers/{paperID}/assessment.
func (s *Server) getLatestAssessment(w http.ResponseWriter, r *http.Request) {
	paperID, ok := parseUUID(w, chi.URLParam(r, "paperID"), "paper_id")
	if !ok {
		return
	}

	result, err := s.queue.LatestAssessment(r.Context(), paperID)
	if err != nil {
		s.logError(r, err, "failed to load assessment")
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// runScan handles POST /api/v1/scan.
func (s *Server) runScan(w http.ResponseWriter, r *http.Request) {
	report, err := s.scanner.RunNow(r.Context())
	if err != nil {
		if errors.Is(err, ingest.ErrScanInProgress) {
			writeError(w, http.StatusConflict, codeScanRunning, err.Error())
			return
		}
		s.logError(r, err, "scan failed")
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
