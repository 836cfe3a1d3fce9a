// Package queue runs paper assessments through the durable job queue.
//
// Service is the API surface used by HTTP handlers, the scheduler and the
// Kafka request listener. Worker is the single consumer that claims items and
// runs the assessor. Both publish lifecycle events to a broadcast.Publisher.
package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/biosecurity-triage-service/internal/broadcast"
	"github.com/helixir/biosecurity-triage-service/internal/domain"
	"github.com/helixir/biosecurity-triage-service/internal/observability"
	"github.com/helixir/biosecurity-triage-service/internal/repository"
)

// Assessor scores one paper and persists the result.
type Assessor interface {
	Assess(ctx context.Context, paperID uuid.UUID) (*domain.Assessment, error)
}

// WorkerHandle is the in-process view of a worker that Service reports on and wakes.
type WorkerHandle interface {
	Running() bool
	Notify()
}

// Service coordinates enqueueing, inspection and synchronous assessment.
type Service struct {
	queue       repository.QueueRepository
	papers      repository.PaperRepository
	assessments repository.AssessmentRepository
	assessor    Assessor
	publisher   broadcast.Publisher

	worker  WorkerHandle           // nil when the worker runs in another process
	metrics *observability.Metrics // nil = metrics disabled
	logger  zerolog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithWorker attaches an in-process worker so enqueues wake it immediately
// and Status reports whether it is running.
func WithWorker(w WorkerHandle) ServiceOption {
	return func(s *Service) { s.worker = w }
}

// WithServiceMetrics records enqueue outcomes.
func WithServiceMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a Service.
func NewService(
	queue repository.QueueRepository,
	papers repository.PaperRepository,
	assessments repository.AssessmentRepository,
	assessor Assessor,
	publisher broadcast.Publisher,
	logger zerolog.Logger,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		queue:       queue,
		papers:      papers,
		assessments: assessments,
		assessor:    assessor,
		publisher:   publisher,
		logger:      logger.With().Str("component", "queue_service").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue queues each paper that exists and is not already active.
func (s *Service) Enqueue(ctx context.Context, paperIDs []uuid.UUID, priority int) (*domain.EnqueueResult, error) {
	if len(paperIDs) == 0 {
		return nil, domain.NewValidationError("paper_ids", "at least one paper ID is required")
	}
	if err := domain.ValidatePriority(priority); err != nil {
		return nil, err
	}

	result, err := s.queue.Enqueue(ctx, paperIDs, priority)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue papers: %w", err)
	}

	s.logger.Info().
		Int("requested", len(paperIDs)).
		Int("added", result.Added).
		Int("already_queued", result.AlreadyQueued).
		Int("missing", result.Missing).
		Int("priority", priority).
		Msg("papers enqueued")

	if s.metrics != nil {
		s.metrics.RecordEnqueue(result.Added, result.AlreadyQueued, result.Missing)
	}
	s.publishQueueUpdated(ctx, result.Added)
	if result.Added > 0 && s.worker != nil {
		s.worker.Notify()
	}
	return result, nil
}

// EnqueueUnassessed queues up to limit papers that have never been assessed.
func (s *Service) EnqueueUnassessed(ctx context.Context, priority, limit int) (*domain.EnqueueResult, error) {
	ids, err := s.papers.ListUnassessedIDs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unassessed papers: %w", err)
	}
	if len(ids) == 0 {
		return &domain.EnqueueResult{}, nil
	}
	return s.Enqueue(ctx, ids, priority)
}

// EnqueueOne queues a single paper. If the paper is already active its
// existing item is returned.
func (s *Service) EnqueueOne(ctx context.Context, paperID uuid.UUID, priority int) (*domain.QueueItem, error) {
	exists, err := s.papers.Exists(ctx, paperID)
	if err != nil {
		return nil, fmt.Errorf("failed to check paper: %w", err)
	}
	if !exists {
		return nil, domain.NewNotFoundError("paper", paperID.String())
	}

	result, err := s.Enqueue(ctx, []uuid.UUID{paperID}, priority)
	if err != nil {
		return nil, err
	}
	if len(result.Items) > 0 {
		return result.Items[0], nil
	}

	item, err := s.queue.ActiveForPaper(ctx, paperID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active queue item: %w", err)
	}
	return item, nil
}

// Status reports queue counts, the in-flight item and whether the worker runs.
func (s *Service) Status(ctx context.Context) (*domain.WorkerStatus, error) {
	running := s.worker != nil && s.worker.Running()
	return snapshot(ctx, s.queue, running)
}

// List returns queue items matching filter.
func (s *Service) List(ctx context.Context, filter repository.QueueFilter) ([]*domain.QueueItem, error) {
	return s.queue.List(ctx, filter)
}

// Get returns one queue item.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	return s.queue.Get(ctx, id)
}

// Cancel removes a pending item. Processing and finished items cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	item, err := s.queue.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("queue_item_id", item.ID.String()).
		Str("paper_id", item.PaperID.String()).
		Msg("queue item cancelled")

	s.publisher.Publish(domain.NewQueueEvent(domain.EventItemCancelled).ForItem(item))
	return item, nil
}

// Clear deletes finished items. statuses defaults to completed and failed and
// may only name terminal statuses.
func (s *Service) Clear(ctx context.Context, statuses []domain.QueueStatus) (int, error) {
	for _, st := range statuses {
		if !st.IsTerminal() {
			return 0, domain.NewValidationError("statuses", fmt.Sprintf("cannot clear %s items", st))
		}
	}

	n, err := s.queue.Clear(ctx, statuses)
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}

	s.logger.Info().Int("cleared", n).Msg("queue cleared")

	ev := domain.NewQueueEvent(domain.EventQueueCleared)
	ev.Cleared = domain.IntPtr(n)
	s.publisher.Publish(ev)
	return n, nil
}

// AssessNow runs an assessment synchronously without touching the queue.
func (s *Service) AssessNow(ctx context.Context, paperID uuid.UUID) (*domain.Assessment, error) {
	return s.assessor.Assess(ctx, paperID)
}

// LatestAssessment returns the most recent assessment of a paper.
func (s *Service) LatestAssessment(ctx context.Context, paperID uuid.UUID) (*domain.Assessment, error) {
	return s.assessments.Latest(ctx, paperID)
}

func (s *Service) publishQueueUpdated(ctx context.Context, added int) {
	ev := domain.NewQueueEvent(domain.EventQueueUpdated)
	ev.Added = domain.IntPtr(added)

	if counts, err := s.queue.CountByStatus(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to count queue for update event")
	} else {
		ev.Pending = domain.IntPtr(counts.Pending)
		ev.ProcessingCount = domain.IntPtr(counts.Processing)
	}
	s.publisher.Publish(ev)
}
