package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
)

// PaperRepository handles paper persistence for ingestion and triage.
type PaperRepository interface {
	// Get retrieves a paper by ID.
	// Returns domain.ErrNotFound if no matching paper exists.
	Get(ctx context.Context, id uuid.UUID) (*domain.Paper, error)

	// Exists reports whether a paper with the given ID exists.
	Exists(ctx context.Context, id uuid.UUID) (bool, error)

	// MarkProcessed sets the processed flag on a paper.
	// Returns domain.ErrNotFound if the paper does not exist.
	MarkProcessed(ctx context.Context, id uuid.UUID) error

	// ListUnprocessed returns papers that have not been assessed, oldest first.
	ListUnprocessed(ctx context.Context, limit int) ([]*domain.Paper, error)

	// ListUnassessedIDs returns the IDs of unprocessed papers, oldest first.
	ListUnassessedIDs(ctx context.Context, limit int) ([]uuid.UUID, error)

	// Upsert inserts a paper or refreshes the metadata of the existing row with
	// the same source and external ID. The processed flag of an existing row is
	// preserved. It reports whether a new row was created and fills in the
	// paper's ID, Processed and FetchedAt from the stored row.
	Upsert(ctx context.Context, paper *domain.Paper) (bool, error)
}
