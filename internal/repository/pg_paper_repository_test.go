package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/biosecurity-triage-service/internal/domain"
)

var paperRowColumns = []string{
	"id", "source", "external_id", "title", "authors", "affiliations", "abstract", "full_text",
	"url", "pdf_url", "published_date", "categories", "processed", "fetched_at",
}

func paperRow(p *domain.Paper) []interface{} {
	return []interface{}{
		p.ID, string(p.Source), p.ExternalID, p.Title, p.Authors, p.Affiliations,
		nullString(p.Abstract), nullString(p.FullText), nullString(p.URL), nullString(p.PDFURL),
		p.PublishedDate, p.Categories, p.Processed, p.FetchedAt,
	}
}

func newTestPaper() *domain.Paper {
	published := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	return &domain.Paper{
		ID:            uuid.New(),
		Source:        domain.SourceTypeBioRxiv,
		ExternalID:    "10.1101/2025.03.01.123456",
		Title:         "Transmissibility of reassortant H5N1 in ferrets",
		Authors:       []string{"A. Author", "B. Author"},
		Affiliations:  []string{"Example Institute of Virology"},
		Abstract:      "We characterise airborne transmission.",
		URL:           "https://www.biorxiv.org/content/10.1101/2025.03.01.123456",
		PublishedDate: &published,
		Categories:    []string{"microbiology"},
		FetchedAt:     time.Now().UTC(),
	}
}

func TestPgPaperRepository_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("returns paper", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		paper := newTestPaper()
		mock.ExpectQuery(`SELECT .* FROM papers WHERE id = \$1`).
			WithArgs(paper.ID).
			WillReturnRows(pgxmock.NewRows(paperRowColumns).AddRow(paperRow(paper)...))

		got, err := NewPgPaperRepository(mock).Get(ctx, paper.ID)
		require.NoError(t, err)
		assert.Equal(t, paper.Title, got.Title)
		assert.Equal(t, domain.SourceTypeBioRxiv, got.Source)
		assert.Equal(t, paper.Abstract, got.Abstract)
		assert.Empty(t, got.FullText)
		assert.Equal(t, paper.Authors, got.Authors)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns not found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		id := uuid.New()
		mock.ExpectQuery(`SELECT .* FROM papers WHERE id = \$1`).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows(paperRowColumns))

		_, err = NewPgPaperRepository(mock).Get(ctx, id)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("rejects unknown stored source", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		paper := newTestPaper()
		row := paperRow(paper)
		row[1] = "gopher_archive"
		mock.ExpectQuery(`SELECT .* FROM papers`).
			WithArgs(paper.ID).
			WillReturnRows(pgxmock.NewRows(paperRowColumns).AddRow(row...))

		_, err = NewPgPaperRepository(mock).Get(ctx, paper.ID)
		assert.ErrorIs(t, err, domain.ErrCorruptRecord)
	})
}

func TestPgPaperRepository_MarkProcessed(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgPaperRepository(mock)
	id := uuid.New()

	mock.ExpectExec(`UPDATE papers SET processed = TRUE WHERE id = \$1`).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.MarkProcessed(ctx, id))

	mock.ExpectExec(`UPDATE papers SET processed = TRUE`).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	assert.ErrorIs(t, repo.MarkProcessed(ctx, id), domain.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgPaperRepository_ListUnassessedIDs(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	a, b := uuid.New(), uuid.New()
	mock.ExpectQuery(`SELECT id FROM papers WHERE NOT processed AND NOT EXISTS \( SELECT 1 FROM assessment_queue q WHERE q.paper_id = papers.id AND q.status IN \('pending', 'processing'\)\) ORDER BY EXISTS .* 'failed'\), fetched_at, id LIMIT \$1`).
		WithArgs(25).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(a).AddRow(b))

	ids, err := NewPgPaperRepository(mock).ListUnassessedIDs(ctx, 25)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, ids)

	mock.ExpectQuery(`SELECT id FROM papers WHERE NOT processed .* fetched_at, id$`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	ids, err = NewPgPaperRepository(mock).ListUnassessedIDs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgPaperRepository_Upsert(t *testing.T) {
	ctx := context.Background()

	t.Run("validates input", func(t *testing.T) {
		repo := NewPgPaperRepository(nil)

		_, err := repo.Upsert(ctx, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		p := newTestPaper()
		p.Source = "gopher_archive"
		_, err = repo.Upsert(ctx, p)
		var vErr *domain.ValidationError
		require.True(t, errors.As(err, &vErr))
		assert.Equal(t, "source", vErr.Field)

		p = newTestPaper()
		p.ExternalID = " "
		_, err = repo.Upsert(ctx, p)
		require.True(t, errors.As(err, &vErr))
		assert.Equal(t, "external_id", vErr.Field)
	})

	t.Run("reports insert and keeps stored id", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		paper := newTestPaper()
		paper.ID = uuid.Nil
		storedID := uuid.New()
		fetched := time.Now().UTC()

		mock.ExpectQuery(`INSERT INTO papers .* ON CONFLICT \(source, external_id\) DO UPDATE`).
			WithArgs(
				pgxmock.AnyArg(), paper.Source, paper.ExternalID, paper.Title,
				paper.Authors, paper.Affiliations, pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), paper.PublishedDate, paper.Categories,
			).
			WillReturnRows(pgxmock.NewRows([]string{"id", "processed", "fetched_at", "inserted"}).
				AddRow(storedID, true, fetched, false))

		inserted, err := NewPgPaperRepository(mock).Upsert(ctx, paper)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, storedID, paper.ID)
		assert.True(t, paper.Processed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
