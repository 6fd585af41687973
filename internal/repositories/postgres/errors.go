package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/hanko-field/orders/internal/repositories"
)

const (
	pqUniqueViolation = "23505"
	pqCheckViolation  = "23514"
)

// wrapError maps driver errors onto repository semantics. Context cancellation is passed through and
// anything else is treated as a retryable backend failure.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repositories.NewNotFoundError(op, "record not found")
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation, pqCheckViolation:
			return repositories.NewConflictError(op, pqErr.Message)
		}
	}
	return repositories.NewUnavailableError(op, err)
}
