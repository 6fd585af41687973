package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hanko-field/orders/internal/platform/httpx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "Idempotent-Replayed"
	maxKeyLength      = 255
)

// Logger receives persistence failures.
type Logger interface {
	Printf(format string, args ...any)
}

type keyContextKey struct{}

// KeyFromContext returns the client key for the current request, if one was sent.
func KeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(keyContextKey{}).(string)
	return key
}

type middlewareConfig struct {
	headerName string
	ttl        time.Duration
	clock      func() time.Time
	logger     Logger
}

type MiddlewareOption func(*middlewareConfig)

func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.headerName = name
		}
	}
}

func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

func WithLogger(logger Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) { cfg.logger = logger }
}

func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware replays the stored response when a request repeats a key with the same body. Requests
// without a key pass straight through. 5xx responses are not stored: the key is released so a retry
// runs the handler again.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{headerName: defaultHeaderName, ttl: DefaultTTL, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(cfg.headerName))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				httpx.WriteError(r.Context(), w, httpx.NewError("invalid_idempotency_key", "idempotency key is too long", http.StatusBadRequest))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))
			fingerprint := requestFingerprint(r, body)

			ctx := r.Context()
			reservation, err := store.Reserve(ctx, key, fingerprint, cfg.clock().UTC(), cfg.ttl)
			if err != nil {
				if errors.Is(err, ErrFingerprintMismatch) {
					httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict))
					return
				}
				cfg.logf("idempotency: reserve %s: %v", key, err)
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable).WithRetryable(true))
				return
			}
			switch reservation.State {
			case ReservationStateCompleted:
				writeStoredResponse(w, reservation.Record)
				return
			case ReservationStatePending:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict).WithRetryable(true))
				return
			}

			recorder := newResponseRecorder(w)
			next.ServeHTTP(recorder, r.WithContext(context.WithValue(ctx, keyContextKey{}, key)))

			if recorder.Status() >= http.StatusInternalServerError {
				if err := store.Release(ctx, key, fingerprint); err != nil {
					cfg.logf("idempotency: release %s: %v", key, err)
				}
			} else {
				resp := Response{Status: recorder.Status(), Headers: recorder.header.Clone(), Body: recorder.body.Bytes()}
				if err := store.SaveResponse(ctx, key, fingerprint, resp, cfg.clock().UTC(), cfg.ttl); err != nil {
					cfg.logf("idempotency: save %s: %v", key, err)
					_ = store.Release(ctx, key, fingerprint)
				}
			}
			if err := recorder.flush(); err != nil {
				cfg.logf("idempotency: flush %s: %v", key, err)
			}
		})
	}
}

func (cfg middlewareConfig) logf(format string, args ...any) {
	if cfg.logger != nil {
		cfg.logger.Printf(format, args...)
	}
}

func requestFingerprint(r *http.Request, body []byte) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte('|')
	b.WriteString(r.URL.Path)
	b.WriteByte('|')
	b.WriteString(r.URL.RawQuery)
	b.WriteByte('|')
	b.WriteString(hexDigest(body))
	return hexDigest([]byte(b.String()))
}

func writeStoredResponse(w http.ResponseWriter, record Record) {
	for name, values := range record.ResponseHeaders {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set(replayHeaderName, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

// responseRecorder buffers the handler's response until it has been stored.
type responseRecorder struct {
	parent http.ResponseWriter
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder(parent http.ResponseWriter) *responseRecorder {
	return &responseRecorder{parent: parent, header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(data)
}

func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *responseRecorder) flush() error {
	dst := r.parent.Header()
	for name, values := range r.header {
		dst[name] = values
	}
	r.parent.WriteHeader(r.Status())
	if r.body.Len() == 0 {
		return nil
	}
	_, err := r.parent.Write(r.body.Bytes())
	return err
}
