package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/biosecurity-triage-service/internal/database"
	"github.com/helixir/biosecurity-triage-service/internal/domain"
)

var _ QueueRepository = (*PgQueueRepository)(nil)

// queueItemColumns selects an item with its paper title; callers alias
// assessment_queue as q and LEFT JOIN papers as p.
const queueItemColumns = `q.id, q.paper_id, COALESCE(p.title, ''), q.status, q.priority,
	q.created_at, q.started_at, q.completed_at, q.error_message,
	q.result_grade, q.result_score, q.result_flagged`

const queueItemFrom = ` FROM assessment_queue q LEFT JOIN papers p ON p.id = q.paper_id`

// returningItemColumns is queueItemColumns for RETURNING clauses, where the
// paper join is not available.
const returningItemColumns = `id, paper_id, COALESCE((SELECT title FROM papers WHERE papers.id = paper_id), ''),
	status, priority, created_at, started_at, completed_at, error_message,
	result_grade, result_score, result_flagged`

// PgQueueRepository is a PostgreSQL implementation of QueueRepository.
type PgQueueRepository struct {
	db DBTX
}

// NewPgQueueRepository creates a new PostgreSQL queue repository.
func NewPgQueueRepository(db DBTX) *PgQueueRepository {
	return &PgQueueRepository{db: db}
}

// Enqueue adds pending items for papers that exist and are not already active.
func (r *PgQueueRepository) Enqueue(ctx context.Context, paperIDs []uuid.UUID, priority int) (*domain.EnqueueResult, error) {
	if err := domain.ValidatePriority(priority); err != nil {
		return nil, err
	}

	result := &domain.EnqueueResult{}
	if len(paperIDs) == 0 {
		return result, nil
	}

	err := inTx(ctx, r.db, func(tx DBTX) error {
		if err := database.AcquireAdvisoryLockTx(ctx, tx, database.QueueLockKey); err != nil {
			return err
		}

		titles, err := paperTitles(ctx, tx, paperIDs)
		if err != nil {
			return err
		}
		active, err := activePapers(ctx, tx, paperIDs)
		if err != nil {
			return err
		}

		toAdd := make([]uuid.UUID, 0, len(paperIDs))
		for _, id := range paperIDs {
			if _, ok := titles[id]; !ok {
				result.Missing++
				continue
			}
			if active[id] {
				result.AlreadyQueued++
				continue
			}
			// Repeats within one request coalesce like any other duplicate.
			active[id] = true
			toAdd = append(toAdd, id)
		}

		items, err := insertPending(ctx, tx, toAdd, []int{priority})
		if err != nil {
			return err
		}
		for _, item := range items {
			item.PaperTitle = titles[item.PaperID]
		}
		result.Items = items
		result.Added = len(items)

		return notifyQueue(ctx, tx, result.Added)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// paperTitles returns the title of every paper in ids that exists.
func paperTitles(ctx context.Context, db DBTX, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	rows, err := db.Query(ctx, `SELECT id, title FROM papers WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to look up papers: %w", err)
	}
	defer rows.Close()

	titles := make(map[uuid.UUID]string, len(ids))
	for rows.Next() {
		var id uuid.UUID
		var title string
		if err := rows.Scan(&id, &title); err != nil {
			return nil, fmt.Errorf("failed to scan paper: %w", err)
		}
		titles[id] = title
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate papers: %w", err)
	}
	return titles, nil
}

// activePapers returns the subset of ids with a pending or processing item.
func activePapers(ctx context.Context, db DBTX, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := db.Query(ctx, `
		SELECT DISTINCT paper_id FROM assessment_queue
		WHERE paper_id = ANY($1) AND status IN ('pending', 'processing')`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to look up active queue items: %w", err)
	}
	defer rows.Close()

	active := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan queue paper: %w", err)
		}
		active[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue papers: %w", err)
	}
	return active, nil
}

// insertPending inserts one pending item per paper, in order. priorities
// holds either a single priority for all papers or one per paper, each within
// 0..domain.MaxPriority so the int32 column value is exact.
// clock_timestamp advances per row so input order survives FIFO ordering.
func insertPending(ctx context.Context, db DBTX, paperIDs []uuid.UUID, priorities []int) ([]*domain.QueueItem, error) {
	if len(paperIDs) == 0 {
		return nil, nil
	}

	perItem := make([]int32, len(paperIDs))
	for i := range paperIDs {
		p := priorities[0]
		if len(priorities) == len(paperIDs) {
			p = priorities[i]
		}
		if err := domain.ValidatePriority(p); err != nil {
			return nil, err
		}
		perItem[i] = int32(p)
	}

	query := `
		INSERT INTO assessment_queue (paper_id, status, priority, created_at)
		SELECT t.paper_id, 'pending', t.priority, clock_timestamp()
		FROM unnest($1::uuid[], $2::int[]) WITH ORDINALITY AS t(paper_id, priority, ord)
		ORDER BY t.ord
		RETURNING ` + returningItemColumns

	rows, err := db.Query(ctx, query, paperIDs, perItem)
	if err != nil {
		return nil, fmt.Errorf("failed to insert queue items: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.QueueItem, 0, len(paperIDs))
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate inserted queue items: %w", err)
	}
	return items, nil
}

// notifyQueue signals listening workers. Postgres delivers the notification
// only when the surrounding transaction commits.
func notifyQueue(ctx context.Context, db DBTX, added int) error {
	if added == 0 {
		return nil
	}
	if _, err := db.Exec(ctx, `SELECT pg_notify($1, $2)`, database.QueueNotifyChannel, strconv.Itoa(added)); err != nil {
		return fmt.Errorf("failed to notify queue listeners: %w", err)
	}
	return nil
}

// ClaimNext moves the next pending item to processing.
func (r *PgQueueRepository) ClaimNext(ctx context.Context) (*domain.QueueItem, error) {
	query := `
		UPDATE assessment_queue
		SET status = 'processing', started_at = NOW()
		WHERE id = (
			SELECT id FROM assessment_queue
			WHERE status = 'pending'
			ORDER BY priority, created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + returningItemColumns

	item, err := scanQueueItem(r.db.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("queue item", "pending")
		}
		return nil, fmt.Errorf("failed to claim queue item: %w", err)
	}
	return item, nil
}

// Complete records a successful outcome on a processing item.
func (r *PgQueueRepository) Complete(ctx context.Context, id uuid.UUID, summary domain.ResultSummary) error {
	query := `
		UPDATE assessment_queue
		SET status = 'completed', completed_at = NOW(), error_message = NULL,
			result_grade = $2, result_score = $3, result_flagged = $4
		WHERE id = $1 AND status = 'processing'`

	tag, err := r.db.Exec(ctx, query, id, string(summary.Grade), summary.Score, summary.Flagged)
	if err != nil {
		return fmt.Errorf("failed to complete queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.notProcessing(ctx, id, "complete")
	}
	return nil
}

// Fail records a failure on a processing item.
func (r *PgQueueRepository) Fail(ctx context.Context, id uuid.UUID, message string) error {
	query := `
		UPDATE assessment_queue
		SET status = 'failed', completed_at = NOW(), error_message = $2
		WHERE id = $1 AND status = 'processing'`

	tag, err := r.db.Exec(ctx, query, id, domain.TruncateMessage(message, domain.MaxErrorMessageLength))
	if err != nil {
		return fmt.Errorf("failed to fail queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.notProcessing(ctx, id, "fail")
	}
	return nil
}

// notProcessing explains why a processing-guarded update matched no row.
func (r *PgQueueRepository) notProcessing(ctx context.Context, id uuid.UUID, op string) error {
	var status string
	err := r.db.QueryRow(ctx, `SELECT status FROM assessment_queue WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewNotFoundError("queue item", id.String())
		}
		return fmt.Errorf("failed to read queue item status: %w", err)
	}
	return domain.NewInvalidStateError("queue item", id.String(), status,
		fmt.Sprintf("cannot %s a %s item", op, status))
}

// Get returns a queue item by ID.
func (r *PgQueueRepository) Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	query := `SELECT ` + queueItemColumns + queueItemFrom + ` WHERE q.id = $1`

	item, err := scanQueueItem(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("queue item", id.String())
		}
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return item, nil
}

// ActiveForPaper returns the pending or processing item for a paper.
func (r *PgQueueRepository) ActiveForPaper(ctx context.Context, paperID uuid.UUID) (*domain.QueueItem, error) {
	query := `SELECT ` + queueItemColumns + queueItemFrom + `
		WHERE q.paper_id = $1 AND q.status IN ('pending', 'processing')
		ORDER BY q.created_at DESC
		LIMIT 1`

	item, err := scanQueueItem(r.db.QueryRow(ctx, query, paperID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("queue item", paperID.String())
		}
		return nil, fmt.Errorf("failed to get active queue item: %w", err)
	}
	return item, nil
}

// List returns items by priority, newest first within a priority.
func (r *PgQueueRepository) List(ctx context.Context, filter QueueFilter) ([]*domain.QueueItem, error) {
	query := `SELECT ` + queueItemColumns + queueItemFrom
	args := []interface{}{clampLimit(filter.Limit)}
	if len(filter.Statuses) > 0 {
		query += ` WHERE q.status = ANY($2)`
		args = append(args, statusStrings(filter.Statuses))
	}
	query += ` ORDER BY q.priority, q.created_at DESC, q.id LIMIT $1`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	var items []*domain.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue items: %w", err)
	}
	return items, nil
}

// CountByStatus returns the number of items in each status.
func (r *PgQueueRepository) CountByStatus(ctx context.Context) (domain.QueueCounts, error) {
	var counts domain.QueueCounts

	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM assessment_queue GROUP BY status`)
	if err != nil {
		return counts, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		var n int64
		if err := rows.Scan(&raw, &n); err != nil {
			return counts, fmt.Errorf("failed to scan queue count: %w", err)
		}
		status, err := domain.ParseQueueStatus(raw)
		if err != nil {
			return counts, err
		}
		counts.Set(status, int(n))
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("failed to iterate queue counts: %w", err)
	}
	return counts, nil
}

// Processing returns the item currently being processed.
func (r *PgQueueRepository) Processing(ctx context.Context) (*domain.QueueItem, error) {
	query := `SELECT ` + queueItemColumns + queueItemFrom + `
		WHERE q.status = 'processing'
		ORDER BY q.started_at
		LIMIT 1`

	item, err := scanQueueItem(r.db.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("queue item", "processing")
		}
		return nil, fmt.Errorf("failed to get processing item: %w", err)
	}
	return item, nil
}

// Cancel deletes a pending item.
func (r *PgQueueRepository) Cancel(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	var cancelled *domain.QueueItem

	err := inTx(ctx, r.db, func(tx DBTX) error {
		query := `SELECT ` + queueItemColumns + queueItemFrom + ` WHERE q.id = $1 FOR UPDATE OF q`

		item, err := scanQueueItem(tx.QueryRow(ctx, query, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.NewNotFoundError("queue item", id.String())
			}
			return fmt.Errorf("failed to get queue item: %w", err)
		}
		if item.Status != domain.QueueStatusPending {
			return domain.NewInvalidStateError("queue item", id.String(), string(item.Status),
				fmt.Sprintf("cannot cancel a %s item", item.Status))
		}

		if _, err := tx.Exec(ctx, `DELETE FROM assessment_queue WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete queue item: %w", err)
		}
		cancelled = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// Clear deletes items in the given terminal statuses.
func (r *PgQueueRepository) Clear(ctx context.Context, statuses []domain.QueueStatus) (int, error) {
	if len(statuses) == 0 {
		statuses = []domain.QueueStatus{domain.QueueStatusCompleted, domain.QueueStatusFailed}
	}
	for _, s := range statuses {
		if _, err := domain.ParseQueueStatus(string(s)); err != nil {
			return 0, domain.NewValidationError("statuses", fmt.Sprintf("unknown status %q", s))
		}
		if !s.IsTerminal() {
			return 0, domain.NewValidationError("statuses", fmt.Sprintf("cannot clear %s items", s))
		}
	}

	tag, err := r.db.Exec(ctx, `DELETE FROM assessment_queue WHERE status = ANY($1)`, statusStrings(statuses))
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueStale fails abandoned processing items and enqueues their papers again.
func (r *PgQueueRepository) RequeueStale(ctx context.Context, olderThan time.Duration) ([]*domain.QueueItem, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var requeued []*domain.QueueItem

	err := inTx(ctx, r.db, func(tx DBTX) error {
		if err := database.AcquireAdvisoryLockTx(ctx, tx, database.QueueLockKey); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
			UPDATE assessment_queue
			SET status = 'failed', completed_at = NOW(), error_message = $2
			WHERE status = 'processing' AND started_at < $1
			RETURNING paper_id, priority`, cutoff, StaleWorkerMessage)
		if err != nil {
			return fmt.Errorf("failed to fail stale queue items: %w", err)
		}

		var paperIDs []uuid.UUID
		var priorities []int
		for rows.Next() {
			var id uuid.UUID
			var priority int32
			if err := rows.Scan(&id, &priority); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan stale queue item: %w", err)
			}
			paperIDs = append(paperIDs, id)
			priorities = append(priorities, int(priority))
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate stale queue items: %w", err)
		}

		requeued, err = insertPending(ctx, tx, paperIDs, priorities)
		if err != nil {
			return err
		}
		return notifyQueue(ctx, tx, len(requeued))
	})
	if err != nil {
		return nil, err
	}
	return requeued, nil
}

func statusStrings(statuses []domain.QueueStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

type queueItemScanDest struct {
	item     domain.QueueItem
	status   string
	priority int32
	errMsg   *string
	grade    *string
	score    *int32
	flagged  *bool
}

func (d *queueItemScanDest) destinations() []interface{} {
	return []interface{}{
		&d.item.ID, &d.item.PaperID, &d.item.PaperTitle, &d.status, &d.priority,
		&d.item.CreatedAt, &d.item.StartedAt, &d.item.CompletedAt, &d.errMsg,
		&d.grade, &d.score, &d.flagged,
	}
}

func (d *queueItemScanDest) finalize() (*domain.QueueItem, error) {
	status, err := domain.ParseQueueStatus(d.status)
	if err != nil {
		return nil, err
	}
	d.item.Status = status
	d.item.Priority = int(d.priority)
	d.item.ErrorMessage = derefString(d.errMsg)
	if d.grade != nil {
		grade, err := domain.ParseRiskGrade(*d.grade)
		if err != nil {
			return nil, err
		}
		d.item.ResultGrade = &grade
	}
	if d.score != nil {
		d.item.ResultScore = domain.IntPtr(int(*d.score))
	}
	d.item.ResultFlagged = d.flagged
	return &d.item, nil
}

func scanQueueItem(row pgx.Row) (*domain.QueueItem, error) {
	var dest queueItemScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}
