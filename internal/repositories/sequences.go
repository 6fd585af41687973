package repositories

import (
	"fmt"
	"strings"
)

// CounterErrorCode classifies why a sequence refused to advance.
type CounterErrorCode string

const (
	CounterErrorUnknown      CounterErrorCode = "counter_unknown"
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	CounterErrorExhausted    CounterErrorCode = "counter_exhausted"
)

// CounterError is returned by CounterRepository when a request is malformed or a ceiling is hit.
// Store outages are reported as unavailable RepositoryErrors instead.
type CounterError struct {
	Op      string
	Code    CounterErrorCode
	Message string
	Err     error
}

func (e *CounterError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op == "":
		return e.Message
	default:
		return e.Op + ": " + e.Message
	}
}

func (e *CounterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewCounterError(code CounterErrorCode, message string, err error) *CounterError {
	if message == "" {
		message = string(code)
	}
	return &CounterError{Code: code, Message: message, Err: err}
}

// ValidateSequenceRequest normalises the counter id and rejects negative steps. A zero step means
// "use the stored step".
func ValidateSequenceRequest(counterID string, step int64) (string, *CounterError) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return "", NewCounterError(CounterErrorInvalidInput, "counter id is required", nil)
	}
	if step < 0 {
		return "", NewCounterError(CounterErrorInvalidInput, fmt.Sprintf("step must be positive, got %d", step), nil)
	}
	return id, nil
}

// AdvanceSequence computes the next value of a sequence. It is the single rule every backend applies
// inside its own lock or transaction; the returned step is the one actually used.
func AdvanceSequence(id string, current, storedStep, step int64, ceiling *int64) (next, usedStep int64, err *CounterError) {
	usedStep = step
	if usedStep <= 0 {
		usedStep = storedStep
	}
	if usedStep <= 0 {
		usedStep = 1
	}
	next = current + usedStep
	if ceiling != nil && next > *ceiling {
		return current, usedStep, NewCounterError(CounterErrorExhausted,
			fmt.Sprintf("sequence %s reached its ceiling of %d", id, *ceiling), nil)
	}
	return next, usedStep, nil
}
