// Package idempotency replays stored responses for retried requests that carry an Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL is how long a key stays reserved or replayable when no TTL is given.
const DefaultTTL = 24 * time.Hour

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ReservationState tells the middleware what to do with an incoming request.
type ReservationState int

const (
	// ReservationStateNew: the caller owns the key and runs the handler.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted: replay Record's response.
	ReservationStateCompleted
	// ReservationStatePending: an earlier request with the same key is still running.
	ReservationStatePending
)

type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is what every Store persists per key. Key is the client value; stores index by keyHash(Key).
type Record struct {
	Key             string
	Fingerprint     string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// Expired reports whether a fresh reservation may overwrite the record.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// replayFor resolves a live record against a retried request.
func (r Record) replayFor(fingerprint string) (Reservation, error) {
	switch {
	case r.Fingerprint != fingerprint:
		return Reservation{}, ErrFingerprintMismatch
	case r.Status == StatusCompleted:
		return Reservation{State: ReservationStateCompleted, Record: r}, nil
	default:
		return Reservation{State: ReservationStatePending, Record: r}, nil
	}
}

// complete stores resp on the record and restarts its TTL.
func (r Record) complete(resp Response, now time.Time, ttl time.Duration) Record {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.Status = StatusCompleted
	r.ResponseStatus = resp.Status
	r.ResponseHeaders = replayableHeaders(resp.Headers)
	r.ResponseBody = nil
	if len(resp.Body) > 0 {
		r.ResponseBody = append([]byte(nil), resp.Body...)
	}
	r.UpdatedAt = now
	r.ExpiresAt = now.Add(ttlOrDefault(ttl))
	return r
}

func pendingRecord(key, fingerprint string, now time.Time, ttl time.Duration) Record {
	return Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttlOrDefault(ttl)),
	}
}

// Response is the captured handler output.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and responses. Release drops a pending reservation so the client may retry;
// CleanupExpired removes at most limit expired records (no bound when limit <= 0).
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

var ErrFingerprintMismatch = errors.New("idempotency: key reused for a different request")

// hop-by-hop and per-request headers are never replayed
var skippedHeaders = map[string]struct{}{
	"Connection":            {},
	"Content-Length":        {},
	"Date":                  {},
	"Keep-Alive":            {},
	"Transfer-Encoding":     {},
	"Upgrade":               {},
	"X-Cloud-Trace-Context": {},
	"X-Request-Id":          {},
}

func replayableHeaders(header http.Header) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if _, skip := skippedHeaders[canonical]; skip {
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// keyHash makes arbitrary header values safe as document IDs and primary keys.
func keyHash(key string) string {
	return hexDigest([]byte(strings.TrimSpace(key)))
}

func hexDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return DefaultTTL
}
