package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
)

var _ AssessmentRepository = (*PgAssessmentRepository)(nil)

const assessmentColumns = `id, paper_id, risk_grade, overall_score, pathogen_score, gof_score,
	containment_score, dual_use_score, flagged, flag_reason, rationale, concerns_summary,
	pathogens_identified, recommended_action, refused, model_version, input_prompt, raw_output, assessed_at`

// PgAssessmentRepository is a PostgreSQL implementation of AssessmentRepository.
type PgAssessmentRepository struct {
	db DBTX
}

// NewPgAssessmentRepository creates a new PostgreSQL assessment repository.
func NewPgAssessmentRepository(db DBTX) *PgAssessmentRepository {
	return &PgAssessmentRepository{db: db}
}

// Create writes the assessment, its entities and the paper's processed flag in one transaction.
func (r *PgAssessmentRepository) Create(ctx context.Context, a *domain.Assessment, entities []*domain.ExtractedEntity) error {
	if err := validateAssessment(a); err != nil {
		return err
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.AssessedAt.IsZero() {
		a.AssessedAt = time.Now().UTC()
	}
	rationale := []byte(a.Rationale)
	if len(rationale) == 0 {
		rationale = []byte("{}")
	}

	return inTx(ctx, r.db, func(tx DBTX) error {
		query := `INSERT INTO assessments (` + assessmentColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

		_, err := tx.Exec(ctx, query,
			a.ID, a.PaperID, a.RiskGrade, a.OverallScore, a.PathogenScore, a.GOFScore,
			a.ContainmentScore, a.DualUseScore, a.Flagged, nullString(a.FlagReason), rationale,
			nullString(a.ConcernsSummary), nonNilStrings(a.PathogensIdentified),
			nullString(string(a.RecommendedAction)), a.Refused, nullString(a.ModelVersion),
			nullString(a.InputPrompt), nullString(a.RawOutput), a.AssessedAt,
		)
		if err != nil {
			if isPgForeignKeyViolation(err) {
				return domain.NewNotFoundError("paper", a.PaperID.String())
			}
			return fmt.Errorf("failed to insert assessment: %w", err)
		}

		if err := insertEntities(ctx, tx, a, entities); err != nil {
			return err
		}

		return markPaperProcessed(ctx, tx, a.PaperID)
	})
}

func insertEntities(ctx context.Context, tx DBTX, a *domain.Assessment, entities []*domain.ExtractedEntity) error {
	if len(entities) == 0 {
		return nil
	}

	query := `
		INSERT INTO extracted_entities (id, assessment_id, paper_id, entity_type, entity_value, facility_id, extracted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	batch := &pgx.Batch{}
	for _, e := range entities {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.AssessmentID = a.ID
		e.PaperID = a.PaperID
		if e.ExtractedAt.IsZero() {
			e.ExtractedAt = a.AssessedAt
		}
		batch.Queue(query, e.ID, e.AssessmentID, e.PaperID, e.Type, e.Value, e.FacilityID, e.ExtractedAt)
	}

	br := tx.SendBatch(ctx, batch)
	for i := range entities {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to insert entity at index %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to insert entities: %w", err)
	}
	return nil
}

func validateAssessment(a *domain.Assessment) error {
	if a == nil {
		return domain.NewValidationError("assessment", "assessment cannot be nil")
	}
	if a.PaperID == uuid.Nil {
		return domain.NewValidationError("paper_id", "paper ID is required")
	}
	if _, err := domain.ParseRiskGrade(string(a.RiskGrade)); err != nil {
		return domain.NewValidationError("risk_grade", fmt.Sprintf("unknown grade %q", a.RiskGrade))
	}
	for field, score := range map[string]float64{
		"overall_score":     a.OverallScore,
		"pathogen_score":    a.PathogenScore,
		"gof_score":         a.GOFScore,
		"containment_score": a.ContainmentScore,
		"dual_use_score":    a.DualUseScore,
	} {
		if score < 0 || score > 100 {
			return domain.NewValidationError(field, "must be between 0 and 100")
		}
	}
	if a.RecommendedAction != "" && !a.RecommendedAction.IsValid() {
		return domain.NewValidationError("recommended_action", fmt.Sprintf("unknown action %q", a.RecommendedAction))
	}
	return nil
}

// Latest returns the most recent assessment for a paper.
func (r *PgAssessmentRepository) Latest(ctx context.Context, paperID uuid.UUID) (*domain.Assessment, error) {
	query := `SELECT ` + assessmentColumns + `
		FROM assessments
		WHERE paper_id = $1
		ORDER BY assessed_at DESC, id
		LIMIT 1`

	a, err := scanAssessment(r.db.QueryRow(ctx, query, paperID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("assessment", paperID.String())
		}
		return nil, fmt.Errorf("failed to get latest assessment: %w", err)
	}
	return a, nil
}

// ListByPaper returns a paper's assessments, newest first.
func (r *PgAssessmentRepository) ListByPaper(ctx context.Context, paperID uuid.UUID, limit int) ([]*domain.Assessment, error) {
	query := `SELECT ` + assessmentColumns + `
		FROM assessments
		WHERE paper_id = $1
		ORDER BY assessed_at DESC, id
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, paperID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assessment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate assessments: %w", err)
	}
	return out, nil
}

type assessmentScanDest struct {
	a            domain.Assessment
	grade        string
	flagReason   *string
	rationale    []byte
	concerns     *string
	action       *string
	modelVersion *string
	inputPrompt  *string
	rawOutput    *string
}

func (d *assessmentScanDest) destinations() []interface{} {
	return []interface{}{
		&d.a.ID, &d.a.PaperID, &d.grade, &d.a.OverallScore, &d.a.PathogenScore, &d.a.GOFScore,
		&d.a.ContainmentScore, &d.a.DualUseScore, &d.a.Flagged, &d.flagReason, &d.rationale,
		&d.concerns, &d.a.PathogensIdentified, &d.action, &d.a.Refused, &d.modelVersion,
		&d.inputPrompt, &d.rawOutput, &d.a.AssessedAt,
	}
}

func (d *assessmentScanDest) finalize() (*domain.Assessment, error) {
	grade, err := domain.ParseRiskGrade(d.grade)
	if err != nil {
		return nil, err
	}
	d.a.RiskGrade = grade
	d.a.FlagReason = derefString(d.flagReason)
	d.a.Rationale = d.rationale
	d.a.ConcernsSummary = derefString(d.concerns)
	d.a.RecommendedAction = domain.RecommendedAction(derefString(d.action))
	d.a.ModelVersion = derefString(d.modelVersion)
	d.a.InputPrompt = derefString(d.inputPrompt)
	d.a.RawOutput = derefString(d.rawOutput)
	return &d.a, nil
}

func scanAssessment(row pgx.Row) (*domain.Assessment, error) {
	var dest assessmentScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}
