// Package httpserver exposes the triage queue over a JSON REST API with a
// server-sent events stream of queue activity.
package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/biosecurity-triage-service/internal/broadcast"
	"github.com/helixir/biosecurity-triage-service/internal/database"
	"github.com/helixir/biosecurity-triage-service/internal/domain"
	"github.com/helixir/biosecurity-triage-service/internal/ingest"
	"github.com/helixir/biosecurity-triage-service/internal/queue"
	"github.com/helixir/biosecurity-triage-service/internal/repository"
)

// QueueService is the subset of queue.Service used by the handlers.
type QueueService interface {
	Enqueue(ctx context.Context, paperIDs []uuid.UUID, priority int) (*domain.EnqueueResult, error)
	EnqueueUnassessed(ctx context.Context, priority, limit int) (*domain.EnqueueResult, error)
	EnqueueOne(ctx context.Context, paperID uuid.UUID, priority int) (*domain.QueueItem, error)
	Status(ctx context.Context) (*domain.WorkerStatus, error)
	List(ctx context.Context, filter repository.QueueFilter) ([]*domain.QueueItem, error)
	Cancel(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error)
	Clear(ctx context.Context, statuses []domain.QueueStatus) (int, error)
	AssessNow(ctx context.Context, paperID uuid.UUID) (*domain.Assessment, error)
	LatestAssessment(ctx context.Context, paperID uuid.UUID) (*domain.Assessment, error)
}

var _ QueueService = (*queue.Service)(nil)

// EventSource hands out live event subscriptions.
type EventSource interface {
	Subscribe(buffer int) *broadcast.Subscription
	Unsubscribe(sub *broadcast.Subscription)
}

// HealthChecker reports database health.
type HealthChecker interface {
	Health(ctx context.Context) database.HealthStatus
}

// ScanTrigger runs an on-demand source scan.
type ScanTrigger interface {
	RunNow(ctx context.Context) (*ingest.ScanReport, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Heartbeat is the idle interval between SSE heartbeat events.
	Heartbeat time.Duration

	// StreamBuffer is the per-subscriber event buffer.
	StreamBuffer int

	// MaxBodyBytes caps request bodies. Zero uses 1MB.
	MaxBodyBytes int64
}

const (
	defaultHeartbeat    = 30 * time.Second
	defaultStreamBuffer = broadcast.DefaultBuffer
)

// Server is the HTTP REST API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	queue      QueueService
	events     EventSource
	health     HealthChecker
	scanner    ScanTrigger
	validate   *validator.Validate
	heartbeat  time.Duration
	buffer     int
	maxBody    int64
	logger     zerolog.Logger
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithScanTrigger enables POST /api/v1/scan.
func WithScanTrigger(t ScanTrigger) Option {
	return func(s *Server) { s.scanner = t }
}

// NewServer creates the HTTP server and its routes.
func NewServer(cfg Config, queueSvc QueueService, events EventSource, health HealthChecker, logger zerolog.Logger, opts ...Option) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = maxRequestBodySize
	}

	s := &Server{
		queue:     queueSvc,
		events:    events,
		health:    health,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		heartbeat: cfg.Heartbeat,
		buffer:    cfg.StreamBuffer,
		maxBody:   cfg.MaxBodyBytes,
		logger:    logger.With().Str("component", "http-server").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationIDMiddleware)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readinessHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/queue", func(r chi.Router) {
			r.Get("/status", s.getQueueStatus)
			r.Get("/items", s.listQueueItems)
			r.Post("/items", s.enqueuePapers)
			r.Delete("/items/{itemID}", s.cancelQueueItem)
			r.Post("/papers/{paperID}", s.enqueuePaper)
			r.Post("/clear", s.clearQueue)
			r.Get("/stream", s.streamQueue)
		})

		r.Post("/papers/{paperID}/assess", s.assessPaper)
		r.Get("/papers/{paperID}/assessment", s.getLatestAssessment)

		if s.scanner != nil {
			r.Post("/scan", s.runScan)
		}
	})

	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("HTTP server starting")
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on HTTP address: %w", err)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// healthHandler reports liveness only.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readinessHandler pings the database.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.health.Health(r.Context())
	if health.Status != "healthy" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "not_ready",
			"database": health.Status,
			"error":    health.Error,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ready",
		"database": health.Status,
	})
}
