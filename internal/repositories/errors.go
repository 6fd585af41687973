package repositories

import (
	"errors"
	"fmt"
)

type storeErrorKind int

const (
	kindNotFound storeErrorKind = iota + 1
	kindConflict
	kindUnavailable
)

// StoreError is the RepositoryError used by the non-Firestore backends.
type StoreError struct {
	Op   string
	kind storeErrorKind
	Err  error
}

func (e *StoreError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error       { return e.Err }
func (e *StoreError) IsNotFound() bool    { return e.kind == kindNotFound }
func (e *StoreError) IsConflict() bool    { return e.kind == kindConflict }
func (e *StoreError) IsUnavailable() bool { return e.kind == kindUnavailable }

func NewNotFoundError(op, message string) error {
	return &StoreError{Op: op, kind: kindNotFound, Err: errors.New(message)}
}

func NewConflictError(op, message string) error {
	return &StoreError{Op: op, kind: kindConflict, Err: errors.New(message)}
}

// NewUnavailableError wraps a backend failure that callers may retry.
func NewUnavailableError(op string, err error) error {
	if err == nil {
		err = errors.New("backend unavailable")
	}
	return &StoreError{Op: op, kind: kindUnavailable, Err: err}
}

// IsNotFound reports whether err carries a not-found RepositoryError.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err carries a conflict RepositoryError.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err carries an unavailable RepositoryError.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
