package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
)

// AssessmentRepository persists immutable risk assessments.
type AssessmentRepository interface {
	// Create atomically inserts the assessment, inserts its entities and marks
	// the paper processed. Nothing is written if any step fails.
	// Returns domain.ErrNotFound if the paper does not exist.
	Create(ctx context.Context, assessment *domain.Assessment, entities []*domain.ExtractedEntity) error

	// Latest returns the most recent assessment for a paper.
	// Returns domain.ErrNotFound if the paper has never been assessed.
	Latest(ctx context.Context, paperID uuid.UUID) (*domain.Assessment, error)

	// ListByPaper returns a paper's assessments, newest first.
	ListByPaper(ctx context.Context, paperID uuid.UUID, limit int) ([]*domain.Assessment, error)
}
