package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorKind uint8

const (
	kindOther errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// grpcKinds maps Firestore status codes onto repository semantics. Codes not listed stay kindOther.
var grpcKinds = map[codes.Code]errorKind{
	codes.NotFound:           kindNotFound,
	codes.AlreadyExists:      kindConflict,
	codes.FailedPrecondition: kindConflict,
	codes.Aborted:            kindConflict,
	codes.OutOfRange:         kindConflict,
	codes.Unavailable:        kindUnavailable,
	codes.ResourceExhausted:  kindUnavailable,
	codes.Internal:           kindUnavailable,
}

// Error is the RepositoryError produced by the Firestore backends.
type Error struct {
	op   string
	kind errorKind
	err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op == "" {
		return e.err.Error()
	}
	return e.op + ": " + e.err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *Error) IsNotFound() bool    { return e != nil && e.kind == kindNotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.kind == kindConflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// NewConflict reports a check that failed inside a transaction, such as a version mismatch.
func NewConflict(op, message string) error {
	return &Error{op: op, kind: kindConflict, err: errors.New(message)}
}

// NewNotFound reports a lookup that found nothing without going through a document Get.
func NewNotFound(op, message string) error {
	return &Error{op: op, kind: kindNotFound, err: errors.New(message)}
}

func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.IsNotFound()
}

// WrapError classifies a Firestore failure. Cancellation surfaces as the context error, errors raised by
// transaction callbacks pass through untouched, and existing *Error values only gain a missing op.
func WrapError(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.op == "" {
			existing.op = op
		}
		return existing
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return &Error{op: op, kind: grpcKinds[st.Code()], err: err}
}
