package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/kiroku/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
// It matches model.ErrNotFound under errors.Is.
var ErrNotFound = fmt.Errorf("storage: %w", model.ErrNotFound)

// Advisory lock keys. Arbitrary but stable.
const (
	eventLogLockKey  int64 = 0x6b69726f6b75 // "kiroku"
	migrationLockKey int64 = 0x6b69726f6d67
)

// wrapErr classifies a driver error. Domain errors pass through untouched;
// missing rows become ErrNotFound, unique violations model.ErrConflict, and
// everything else model.ErrPersistence.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrInvalidTransition) ||
		errors.Is(err, model.ErrInvalidOperation) ||
		errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, model.ErrLeaseLost) ||
		errors.Is(err, model.ErrConflict) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("storage: %s: %w", op, err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("storage: %s: %w", op, model.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("storage: %s: %w: %s", op, model.ErrConflict, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("storage: %s: %w: %s", op, model.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("storage: %s: %w: %w", op, model.ErrPersistence, err)
}
