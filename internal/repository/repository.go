// Package repository provides the Postgres persistence layer of the triage
// service.
//
// # Repositories
//
//   - PaperRepository: papers awaiting or having received triage
//   - FacilityRepository: research facilities and their containment levels
//   - AssessmentRepository: immutable risk assessments with their extracted entities
//   - QueueRepository: the durable assessment job queue
//
// # Error Handling
//
// Methods return errors from the domain package so callers can branch with
// errors.Is: domain.ErrNotFound, domain.ErrInvalidInput, domain.ErrInvalidState
// and domain.ErrCorruptRecord for stored values that no longer parse.
//
// # Transactions
//
// Each implementation accepts a DBTX. Operations that must be atomic begin a
// transaction on it. On a pool or *database.DB that is a real transaction; on a
// pgx.Tx, Begin opens a savepoint, so the operation nests inside the caller's
// transaction and still rolls back on its own failure:
//
//	err := db.WithTransaction(ctx, func(tx pgx.Tx) error {
//	    return repository.NewPgAssessmentRepository(tx).Create(ctx, a, entities)
//	})
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/helixir/biosecurity-triage-service/internal/database"
)

// DBTX is the database interface supporting both pool and transaction contexts.
type DBTX = database.DBTX

// txBeginner is implemented by pools (*pgxpool.Pool, *database.DB) and by
// pgx.Tx, whose Begin starts a savepoint.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgreSQL error codes used for constraint violation detection.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// List limits shared by the List methods.
const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// clampLimit normalizes a caller-supplied limit to [1, maxListLimit].
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// inTx runs fn inside a transaction begun on db and commits it on success.
// When db is a pgx.Tx the nested transaction is a savepoint whose commit
// releases it into the outer transaction. A DBTX that cannot begin runs fn
// directly.
func inTx(ctx context.Context, db DBTX, fn func(tx DBTX) error) error {
	beginner, ok := db.(txBeginner)
	if !ok {
		return fn(db)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isPgUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// isPgForeignKeyViolation checks if the error is a PostgreSQL foreign key violation.
func isPgForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

// nullString maps the empty string to SQL NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// derefString maps SQL NULL to the empty string.
func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// nonNilStrings keeps NOT NULL text[] columns from receiving NULL.
func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
