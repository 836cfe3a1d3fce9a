package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
)

// FacilityRepository handles research facility records used as assessment context.
type FacilityRepository interface {
	// FindByName returns the best fuzzy match for name against facility names and aliases.
	// Returns domain.ErrNotFound when nothing matches.
	FindByName(ctx context.Context, name string) (*domain.Facility, error)

	// Create inserts a facility. Returns domain.ErrAlreadyExists on a duplicate name.
	Create(ctx context.Context, facility *domain.Facility) error

	// ListPaperFacilities returns the distinct facility mentions previously
	// extracted for a paper, each joined with its linked facility if any.
	ListPaperFacilities(ctx context.Context, paperID uuid.UUID) ([]domain.PaperFacility, error)
}
