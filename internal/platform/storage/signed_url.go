// Package storage resolves purchased files in Cloud Storage into short-lived signed download URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const (
	defaultSignedURLExpiry = 5 * time.Minute
	maxSignedURLExpiry     = 15 * time.Minute
)

var (
	errNoSigner         = errors.New("storage: signer is required")
	errInvalidBucket    = errors.New("storage: bucket name is required")
	errInvalidObject    = errors.New("storage: object name is required")
	errMethodNotAllowed = errors.New("storage: only GET and HEAD may be signed")
	errExpiryTooLong    = errors.New("storage: expiry exceeds permitted maximum")
)

// URLSigner produces V4 signed download URLs.
type URLSigner struct {
	signer Signer
	scheme gcs.SigningScheme
	now    func() time.Time
}

// URLSignerOption customises signer behaviour.
type URLSignerOption func(*URLSigner)

// WithSigningScheme overrides the signing scheme (defaults to V4).
func WithSigningScheme(scheme gcs.SigningScheme) URLSignerOption {
	return func(s *URLSigner) {
		if scheme != 0 {
			s.scheme = scheme
		}
	}
}

// WithClock injects a custom clock.
func WithClock(clock func() time.Time) URLSignerOption {
	return func(s *URLSigner) {
		if clock != nil {
			s.now = clock
		}
	}
}

func NewURLSigner(signer Signer, opts ...URLSignerOption) (*URLSigner, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	s := &URLSigner{
		signer: signer,
		scheme: gcs.SigningSchemeV4,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// DownloadOptions control the signed request and the response headers GCS will serve.
type DownloadOptions struct {
	Method       string
	ExpiresIn    time.Duration
	Disposition  string
	CacheControl string
	ResponseType string
}

// SignedURL is a signed location and the instant it stops working.
type SignedURL struct {
	URL       string
	Method    string
	ExpiresAt time.Time
}

func (s *URLSigner) SignDownload(ctx context.Context, bucket, object string, opts DownloadOptions) (SignedURL, error) {
	if s == nil {
		return SignedURL{}, errNoSigner
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return SignedURL{}, errInvalidBucket
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return SignedURL{}, errInvalidObject
	}

	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = "GET"
	}
	if method != "GET" && method != "HEAD" {
		return SignedURL{}, errMethodNotAllowed
	}
	expiry := opts.ExpiresIn
	if expiry <= 0 {
		expiry = defaultSignedURLExpiry
	}
	if expiry > maxSignedURLExpiry {
		return SignedURL{}, errExpiryTooLong
	}

	query := map[string]string{}
	setQuery(query, "response-content-disposition", opts.Disposition)
	setQuery(query, "response-cache-control", opts.CacheControl)
	setQuery(query, "response-content-type", opts.ResponseType)

	expiresAt := s.now().Add(expiry)
	urlOpts := &gcs.SignedURLOptions{
		GoogleAccessID: s.signer.Email(),
		Scheme:         s.scheme,
		Method:         method,
		Expires:        expiresAt,
		SignBytes: func(payload []byte) ([]byte, error) {
			return s.signer.SignBytes(ctx, payload)
		},
	}
	if len(query) > 0 {
		urlOpts.QueryParameters = mapToURLValues(query)
	}

	signed, err := gcs.SignedURL(bucket, object, urlOpts)
	if err != nil {
		return SignedURL{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return SignedURL{URL: signed, Method: method, ExpiresAt: expiresAt}, nil
}

func setQuery(query map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		query[key] = v
	}
}

func mapToURLValues(values map[string]string) url.Values {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(url.Values, len(values))
	for _, key := range keys {
		out.Add(key, values[key])
	}
	return out
}
