package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
	"github.com/helixir/biosecurity-triage-service/internal/repository"
)

// snapshot reads current counts and the in-flight item from the store.
func snapshot(ctx context.Context, queue repository.QueueRepository, running bool) (*domain.WorkerStatus, error) {
	counts, err := queue.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}

	status := &domain.WorkerStatus{
		WorkerRunning: running,
		Pending:       counts.Pending,
		Processing:    counts.Processing,
		Completed:     counts.Completed,
		Failed:        counts.Failed,
		Total:         counts.Total(),
	}

	item, err := queue.Processing(ctx)
	switch {
	case err == nil:
		title := item.PaperTitle
		if title == "" {
			title = domain.UnknownPaperTitle
		}
		status.Current = &domain.CurrentItem{
			ItemID:     item.ID,
			PaperID:    item.PaperID,
			PaperTitle: title,
			StartedAt:  item.StartedAt,
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to load processing item: %w", err)
	}

	return status, nil
}
