package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
)

var _ PaperRepository = (*PgPaperRepository)(nil)

const paperColumns = `id, source, external_id, title, authors, affiliations, abstract, full_text,
	url, pdf_url, published_date, categories, processed, fetched_at`

// PgPaperRepository is a PostgreSQL implementation of PaperRepository.
type PgPaperRepository struct {
	db DBTX
}

// NewPgPaperRepository creates a new PostgreSQL paper repository.
func NewPgPaperRepository(db DBTX) *PgPaperRepository {
	return &PgPaperRepository{db: db}
}

// Get retrieves a paper by ID.
func (r *PgPaperRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Paper, error) {
	query := `SELECT ` + paperColumns + ` FROM papers WHERE id = $1`

	paper, err := scanPaper(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("paper", id.String())
		}
		return nil, fmt.Errorf("failed to get paper: %w", err)
	}
	return paper, nil
}

// Exists reports whether a paper with the given ID exists.
func (r *PgPaperRepository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM papers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check paper existence: %w", err)
	}
	return exists, nil
}

// MarkProcessed sets the processed flag on a paper.
func (r *PgPaperRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	return markPaperProcessed(ctx, r.db, id)
}

func markPaperProcessed(ctx context.Context, db DBTX, id uuid.UUID) error {
	tag, err := db.Exec(ctx, `UPDATE papers SET processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark paper processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("paper", id.String())
	}
	return nil
}

// ListUnprocessed returns papers that have not been assessed, oldest first.
func (r *PgPaperRepository) ListUnprocessed(ctx context.Context, limit int) ([]*domain.Paper, error) {
	query := `SELECT ` + paperColumns + `
		FROM papers
		WHERE NOT processed
		ORDER BY fetched_at, id
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed papers: %w", err)
	}
	defer rows.Close()

	var papers []*domain.Paper
	for rows.Next() {
		paper, err := scanPaper(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan paper: %w", err)
		}
		papers = append(papers, paper)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate papers: %w", err)
	}
	return papers, nil
}

// ListUnassessedIDs returns the IDs of unprocessed papers that have no pending
// or processing queue item. Papers never attempted come first, then papers
// whose earlier attempts failed, each group oldest first. A non-positive limit
// returns every match.
func (r *PgPaperRepository) ListUnassessedIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM papers
		WHERE NOT processed
		  AND NOT EXISTS (
			SELECT 1 FROM assessment_queue q
			WHERE q.paper_id = papers.id AND q.status IN ('pending', 'processing'))
		ORDER BY EXISTS (
			SELECT 1 FROM assessment_queue f
			WHERE f.paper_id = papers.id AND f.status = 'failed'), fetched_at, id`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unassessed papers: %w", err)
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan paper ids: %w", err)
	}
	return ids, nil
}

// Upsert inserts a paper or refreshes the existing row with the same source and external ID.
func (r *PgPaperRepository) Upsert(ctx context.Context, paper *domain.Paper) (bool, error) {
	if paper == nil {
		return false, domain.NewValidationError("paper", "paper cannot be nil")
	}
	if !paper.Source.IsValid() {
		return false, domain.NewValidationError("source", fmt.Sprintf("unknown source %q", paper.Source))
	}
	if strings.TrimSpace(paper.ExternalID) == "" {
		return false, domain.NewValidationError("external_id", "external ID is required")
	}
	if strings.TrimSpace(paper.Title) == "" {
		return false, domain.NewValidationError("title", "title is required")
	}
	if paper.ID == uuid.Nil {
		paper.ID = uuid.New()
	}

	query := `
		INSERT INTO papers (
			id, source, external_id, title, authors, affiliations, abstract, full_text,
			url, pdf_url, published_date, categories
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (source, external_id) DO UPDATE SET
			title = EXCLUDED.title,
			authors = EXCLUDED.authors,
			affiliations = EXCLUDED.affiliations,
			abstract = COALESCE(EXCLUDED.abstract, papers.abstract),
			full_text = COALESCE(EXCLUDED.full_text, papers.full_text),
			url = COALESCE(EXCLUDED.url, papers.url),
			pdf_url = COALESCE(EXCLUDED.pdf_url, papers.pdf_url),
			published_date = COALESCE(EXCLUDED.published_date, papers.published_date),
			categories = EXCLUDED.categories
		RETURNING id, processed, fetched_at, (xmax = 0) AS inserted`

	var inserted bool
	err := r.db.QueryRow(ctx, query,
		paper.ID, paper.Source, paper.ExternalID, paper.Title,
		nonNilStrings(paper.Authors), nonNilStrings(paper.Affiliations),
		nullString(paper.Abstract), nullString(paper.FullText),
		nullString(paper.URL), nullString(paper.PDFURL),
		paper.PublishedDate, nonNilStrings(paper.Categories),
	).Scan(&paper.ID, &paper.Processed, &paper.FetchedAt, &inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert paper: %w", err)
	}
	return inserted, nil
}

// paperScanDest holds the destination pointers for scanning a paper row.
type paperScanDest struct {
	paper    domain.Paper
	source   string
	abstract *string
	fullText *string
	url      *string
	pdfURL   *string
}

func (d *paperScanDest) destinations() []interface{} {
	return []interface{}{
		&d.paper.ID, &d.source, &d.paper.ExternalID, &d.paper.Title,
		&d.paper.Authors, &d.paper.Affiliations, &d.abstract, &d.fullText,
		&d.url, &d.pdfURL, &d.paper.PublishedDate, &d.paper.Categories,
		&d.paper.Processed, &d.paper.FetchedAt,
	}
}

func (d *paperScanDest) finalize() (*domain.Paper, error) {
	d.paper.Source = domain.SourceType(d.source)
	if !d.paper.Source.IsValid() {
		return nil, fmt.Errorf("%w: unknown paper source %q", domain.ErrCorruptRecord, d.source)
	}
	d.paper.Abstract = derefString(d.abstract)
	d.paper.FullText = derefString(d.fullText)
	d.paper.URL = derefString(d.url)
	d.paper.PDFURL = derefString(d.pdfURL)
	return &d.paper, nil
}

// scanPaper scans a single paper from a pgx.Row or the current pgx.Rows row.
func scanPaper(row pgx.Row) (*domain.Paper, error) {
	var dest paperScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}
