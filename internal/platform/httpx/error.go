package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/orders/internal/platform/requestctx"
)

const maxBodyBytes = 1 << 20

// Error is the JSON error envelope returned by every endpoint.
type Error struct {
	Code      string
	Message   string
	Status    int
	Retryable bool
	RequestID string
	TraceID   string
	Details   map[string]any
}

// NewError builds an Error; a zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clip(code, 80),
		Message: clip(message, 512),
		Status:  status,
	}
}

// WithRetryable marks whether the caller may safely retry the request.
func (e Error) WithRetryable(retryable bool) Error {
	e.Retryable = retryable
	return e
}

func (e Error) WithRequestID(id string) Error {
	e.RequestID = clip(id, 80)
	return e
}

func (e Error) WithTraceID(id string) Error {
	e.TraceID = clip(id, 64)
	return e
}

// WithDetails merges extra fields into the payload. Reserved envelope keys are not overwritten.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

// WriteError renders err as the error envelope.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	payload := make(map[string]any, len(err.Details)+6)
	for k, v := range err.Details {
		payload[k] = v
	}
	payload["error"] = err.Code
	payload["message"] = err.Message
	payload["status"] = status
	payload["retryable"] = err.Retryable

	requestID := err.RequestID
	if requestID == "" {
		requestID = clip(middleware.GetReqID(ctx), 80)
	}
	if requestID != "" {
		payload["request_id"] = requestID
	}
	traceID := err.TraceID
	if traceID == "" {
		traceID = clip(requestctx.TraceID(ctx), 64)
	}
	if traceID != "" {
		payload["trace_id"] = traceID
	}

	WriteJSON(w, status, payload)
}

// WriteJSON encodes body as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// DecodeJSON reads a bounded JSON body into dst. An empty body leaves dst untouched.
func DecodeJSON(r *http.Request, dst any) error {
	if r == nil || r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func clip(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
