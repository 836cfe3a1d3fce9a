package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
)

var _ FacilityRepository = (*PgFacilityRepository)(nil)

const facilityColumns = `id, name, aliases, country, city, bsl_level, verified, source_url, notes, created_at, updated_at`

// likeEscaper escapes LIKE metacharacters so user text matches literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// PgFacilityRepository is a PostgreSQL implementation of FacilityRepository.
type PgFacilityRepository struct {
	db DBTX
}

// NewPgFacilityRepository creates a new PostgreSQL facility repository.
func NewPgFacilityRepository(db DBTX) *PgFacilityRepository {
	return &PgFacilityRepository{db: db}
}

// FindByName returns the shortest facility whose name or an alias contains name.
func (r *PgFacilityRepository) FindByName(ctx context.Context, name string) (*domain.Facility, error) {
	return findFacilityByName(ctx, r.db, name)
}

func findFacilityByName(ctx context.Context, db DBTX, name string) (*domain.Facility, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.NewValidationError("name", "facility name is required")
	}

	query := `SELECT ` + facilityColumns + `
		FROM facilities
		WHERE name ILIKE '%' || $1 || '%'
		   OR EXISTS (SELECT 1 FROM unnest(aliases) AS alias WHERE alias ILIKE '%' || $1 || '%')
		ORDER BY length(name), id
		LIMIT 1`

	facility, err := scanFacility(db.QueryRow(ctx, query, likeEscaper.Replace(name)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("facility", name)
		}
		return nil, fmt.Errorf("failed to find facility: %w", err)
	}
	return facility, nil
}

// Create inserts a facility.
func (r *PgFacilityRepository) Create(ctx context.Context, f *domain.Facility) error {
	if f == nil {
		return domain.NewValidationError("facility", "facility cannot be nil")
	}
	if strings.TrimSpace(f.Name) == "" {
		return domain.NewValidationError("name", "facility name is required")
	}
	if f.BSLLevel < 0 || f.BSLLevel > 4 {
		return domain.NewValidationError("bsl_level", "must be between 1 and 4, or 0 for unknown")
	}
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	query := `
		INSERT INTO facilities (` + facilityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.Exec(ctx, query,
		f.ID, f.Name, nonNilStrings(f.Aliases), nullString(f.Country), nullString(f.City),
		bslParam(f.BSLLevel), f.Verified, nullString(f.SourceURL), nullString(f.Notes),
		f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return domain.NewAlreadyExistsError("facility", f.Name)
		}
		return fmt.Errorf("failed to create facility: %w", err)
	}
	return nil
}

// ListPaperFacilities returns the distinct facility mentions extracted for a paper.
func (r *PgFacilityRepository) ListPaperFacilities(ctx context.Context, paperID uuid.UUID) ([]domain.PaperFacility, error) {
	query := `
		SELECT DISTINCT ON (e.entity_value)
			e.entity_value,
			f.id, f.name, f.country, f.bsl_level, f.verified
		FROM extracted_entities e
		LEFT JOIN facilities f ON f.id = e.facility_id
		WHERE e.paper_id = $1 AND e.entity_type = $2
		ORDER BY e.entity_value, f.id NULLS LAST`

	rows, err := r.db.Query(ctx, query, paperID, domain.EntityTypeFacility)
	if err != nil {
		return nil, fmt.Errorf("failed to list paper facilities: %w", err)
	}
	defer rows.Close()

	var out []domain.PaperFacility
	for rows.Next() {
		var (
			value    string
			id       *uuid.UUID
			name     *string
			country  *string
			bsl      *int16
			verified *bool
		)
		if err := rows.Scan(&value, &id, &name, &country, &bsl, &verified); err != nil {
			return nil, fmt.Errorf("failed to scan paper facility: %w", err)
		}

		pf := domain.PaperFacility{EntityValue: value}
		if id != nil {
			pf.Facility = &domain.Facility{
				ID:       *id,
				Name:     derefString(name),
				Country:  derefString(country),
				BSLLevel: bslLevel(bsl),
				Verified: verified != nil && *verified,
			}
		}
		out = append(out, pf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate paper facilities: %w", err)
	}
	return out, nil
}

// bslParam stores an unknown level (0) as NULL.
func bslParam(level int) *int16 {
	if level <= 0 {
		return nil
	}
	v := int16(level)
	return &v
}

func bslLevel(v *int16) int {
	if v == nil {
		return 0
	}
	return int(*v)
}

type facilityScanDest struct {
	facility  domain.Facility
	country   *string
	city      *string
	bsl       *int16
	sourceURL *string
	notes     *string
}

func (d *facilityScanDest) destinations() []interface{} {
	return []interface{}{
		&d.facility.ID, &d.facility.Name, &d.facility.Aliases, &d.country, &d.city,
		&d.bsl, &d.facility.Verified, &d.sourceURL, &d.notes,
		&d.facility.CreatedAt, &d.facility.UpdatedAt,
	}
}

func (d *facilityScanDest) finalize() *domain.Facility {
	d.facility.Country = derefString(d.country)
	d.facility.City = derefString(d.city)
	d.facility.BSLLevel = bslLevel(d.bsl)
	d.facility.SourceURL = derefString(d.sourceURL)
	d.facility.Notes = derefString(d.notes)
	return &d.facility
}

func scanFacility(row pgx.Row) (*domain.Facility, error) {
	var dest facilityScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize(), nil
}
