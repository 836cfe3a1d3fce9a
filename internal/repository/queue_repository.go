package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
)

// StaleWorkerMessage is recorded on processing items abandoned by a previous worker.
const StaleWorkerMessage = "stale: worker restarted"

// QueueFilter narrows QueueRepository.List.
type QueueFilter struct {
	// Statuses restricts results to these statuses. Empty means all.
	Statuses []domain.QueueStatus
	// Limit is clamped to [1, 200] and defaults to 50.
	Limit int
}

// QueueRepository is the durable assessment job queue.
//
// At most one item per paper may be pending or processing at a time. The
// worker is the only caller that moves items out of pending.
type QueueRepository interface {
	// Enqueue adds a pending item for each paper that exists and is not already
	// pending or processing. Missing and already queued papers are counted, not
	// errors. Waiting workers are notified on commit.
	Enqueue(ctx context.Context, paperIDs []uuid.UUID, priority int) (*domain.EnqueueResult, error)

	// ClaimNext atomically moves the highest priority, oldest pending item to
	// processing and returns it. Returns domain.ErrNotFound when nothing is pending.
	ClaimNext(ctx context.Context) (*domain.QueueItem, error)

	// Complete records a successful outcome on a processing item.
	// Returns domain.ErrInvalidState if the item is not processing.
	Complete(ctx context.Context, id uuid.UUID, summary domain.ResultSummary) error

	// Fail records a failure on a processing item. The message is truncated
	// to domain.MaxErrorMessageLength. Returns domain.ErrInvalidState if the
	// item is not processing.
	Fail(ctx context.Context, id uuid.UUID, message string) error

	// Get returns a queue item by ID.
	Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error)

	// ActiveForPaper returns the pending or processing item for a paper.
	// Returns domain.ErrNotFound if the paper has none.
	ActiveForPaper(ctx context.Context, paperID uuid.UUID) (*domain.QueueItem, error)

	// List returns items by priority, newest first within a priority.
	List(ctx context.Context, filter QueueFilter) ([]*domain.QueueItem, error)

	// CountByStatus returns the number of items in each status.
	CountByStatus(ctx context.Context) (domain.QueueCounts, error)

	// Processing returns the item currently being processed.
	// Returns domain.ErrNotFound when the worker is idle.
	Processing(ctx context.Context) (*domain.QueueItem, error)

	// Cancel deletes a pending item and returns it. Returns domain.ErrNotFound
	// for an unknown item and domain.ErrInvalidState for any other status.
	Cancel(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error)

	// Clear deletes items in the given terminal statuses, defaulting to
	// completed and failed, and returns the number removed.
	Clear(ctx context.Context, statuses []domain.QueueStatus) (int, error)

	// RequeueStale fails processing items started before now-olderThan with
	// StaleWorkerMessage and enqueues a fresh pending item for each paper at
	// the same priority. It returns the new items.
	RequeueStale(ctx context.Context, olderThan time.Duration) ([]*domain.QueueItem, error)
}
