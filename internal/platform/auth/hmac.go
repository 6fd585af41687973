package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultSignatureHeader = "X-Signature"
	DefaultTimestampHeader = "X-Signature-Timestamp"

	defaultClockSkew = 5 * time.Minute
)

// ErrSignatureInvalid is the sentinel wrapped by every VerificationError.
var ErrSignatureInvalid = errors.New("auth: signature invalid")

// VerificationError explains why a signed payload was rejected.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return "auth: signature rejected: " + e.Reason
}

func (e *VerificationError) Unwrap() error { return ErrSignatureInvalid }

func reject(reason string) error { return &VerificationError{Reason: reason} }

// PayloadVerifier checks HMAC-SHA256 signatures over "<timestamp>.<raw body>".
// Redeliveries of the same payload are accepted; replay protection is left to the caller's
// idempotency ledger.
type PayloadVerifier struct {
	secret []byte
	now    func() time.Time

	signatureHeader string
	timestampHeader string
	clockSkew       time.Duration
}

// HMACOption customises the verifier.
type HMACOption func(*PayloadVerifier)

func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *PayloadVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders overrides the signature and timestamp header names. Empty values keep the defaults.
func WithHMACHeaders(signature, timestamp string) HMACOption {
	return func(v *PayloadVerifier) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
	}
}

func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *PayloadVerifier) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// NewPayloadVerifier returns a verifier for the shared secret.
func NewPayloadVerifier(secret string, opts ...HMACOption) (*PayloadVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: hmac secret is required")
	}
	v := &PayloadVerifier{
		secret:          []byte(secret),
		now:             time.Now,
		signatureHeader: DefaultSignatureHeader,
		timestampHeader: DefaultTimestampHeader,
		clockSkew:       defaultClockSkew,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// SignatureHeader is the header carrying the signature.
func (v *PayloadVerifier) SignatureHeader() string { return v.signatureHeader }

// Verify validates the signature headers against body. Failures wrap ErrSignatureInvalid.
func (v *PayloadVerifier) Verify(header http.Header, body []byte) error {
	rawSig := strings.TrimSpace(header.Get(v.signatureHeader))
	if rawSig == "" {
		return reject("signature_missing")
	}
	rawTS := strings.TrimSpace(header.Get(v.timestampHeader))
	if rawTS == "" {
		return reject("timestamp_missing")
	}
	ts, err := parseSignatureTimestamp(rawTS)
	if err != nil {
		return reject("timestamp_invalid")
	}
	if skew := v.now().Sub(ts); skew > v.clockSkew || skew < -v.clockSkew {
		return reject("timestamp_skew")
	}
	sig, err := decodeSignature(strings.TrimPrefix(rawSig, "v1="))
	if err != nil {
		return reject("signature_encoding")
	}
	if !hmac.Equal(sig, Sign(v.secret, rawTS, body)) {
		return reject("signature_mismatch")
	}
	return nil
}

// Sign computes the raw HMAC for a timestamp and body.
func Sign(secret []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// SignHex is Sign encoded as lowercase hex, the format senders put in the signature header.
func SignHex(secret, timestamp string, body []byte) string {
	return hex.EncodeToString(Sign([]byte(secret), timestamp, body))
}

func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}
