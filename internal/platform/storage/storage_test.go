package storage

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

type fakeSigner struct {
	email    string
	payloads [][]byte
	err      error
}

func (f *fakeSigner) Email() string {
	return f.email
}

func (f *fakeSigner) SignBytes(_ context.Context, payload []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return []byte("signed"), nil
}

type stubFinder struct {
	object string
	err    error
	got    string
}

func (s *stubFinder) LatestObject(_ context.Context, _ string, prefix string) (string, error) {
	s.got = prefix
	return s.object, s.err
}

var fixedNow = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestSigner(t *testing.T) (*URLSigner, *fakeSigner) {
	t.Helper()
	signer := &fakeSigner{email: "downloads@example.iam.gserviceaccount.com"}
	us, err := NewURLSigner(signer, WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("NewURLSigner: %v", err)
	}
	return us, signer
}

func TestSignDownloadSetsResponseHeaders(t *testing.T) {
	us, signer := newTestSigner(t)

	res, err := us.SignDownload(context.Background(), "bucket", "downloads/products/p1/font.zip", DownloadOptions{
		ExpiresIn:   10 * time.Minute,
		Disposition: `attachment; filename="font.zip"`,
	})
	if err != nil {
		t.Fatalf("SignDownload: %v", err)
	}
	if res.Method != "GET" {
		t.Fatalf("expected GET, got %s", res.Method)
	}
	if !res.ExpiresAt.Equal(fixedNow.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", res.ExpiresAt)
	}
	parsed, err := url.Parse(res.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if !strings.Contains(parsed.RawQuery, "X-Goog-Signature=") {
		t.Fatalf("expected signature in query: %s", parsed.RawQuery)
	}
	if got := parsed.Query().Get("response-content-disposition"); got != `attachment; filename="font.zip"` {
		t.Fatalf("unexpected disposition %q", got)
	}
	if len(signer.payloads) == 0 {
		t.Fatalf("expected signer to be invoked")
	}
}

func TestSignDownloadValidation(t *testing.T) {
	us, _ := newTestSigner(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		bucket string
		object string
		opts   DownloadOptions
		want   error
	}{
		{"bucket", " ", "obj", DownloadOptions{}, errInvalidBucket},
		{"object", "bucket", "", DownloadOptions{}, errInvalidObject},
		{"method", "bucket", "obj", DownloadOptions{Method: "PUT"}, errMethodNotAllowed},
		{"expiry", "bucket", "obj", DownloadOptions{ExpiresIn: 30 * time.Minute}, errExpiryTooLong},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := us.SignDownload(ctx, tc.bucket, tc.object, tc.opts); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSignDownloadPropagatesSignerError(t *testing.T) {
	signer := &fakeSigner{email: "a@b", err: errors.New("kms down")}
	us, err := NewURLSigner(signer)
	if err != nil {
		t.Fatalf("NewURLSigner: %v", err)
	}
	if _, err := us.SignDownload(context.Background(), "bucket", "obj", DownloadOptions{}); err == nil {
		t.Fatalf("expected signing error")
	}
}

func TestNewURLSignerRequiresEmail(t *testing.T) {
	if _, err := NewURLSigner(&fakeSigner{}); !errors.Is(err, errNoSigner) {
		t.Fatalf("expected errNoSigner, got %v", err)
	}
}

func TestFileLocatorSignsLatestObject(t *testing.T) {
	us, _ := newTestSigner(t)
	finder := &stubFinder{object: "downloads/products/prod_1/v2/seal.svg"}
	locator, err := NewFileLocator(finder, us, FileLocatorConfig{Bucket: "files", ObjectPrefix: "/downloads/", TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewFileLocator: %v", err)
	}

	ref, err := locator.Locate(context.Background(), "prod_1")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if finder.got != "downloads/products/prod_1/" {
		t.Fatalf("unexpected prefix %q", finder.got)
	}
	if ref.ProductID != "prod_1" {
		t.Fatalf("unexpected product %q", ref.ProductID)
	}
	if !ref.ExpiresAt.Equal(fixedNow.Add(maxSignedURLExpiry)) {
		t.Fatalf("expected ttl clamped to %v, got %v", maxSignedURLExpiry, ref.ExpiresAt.Sub(fixedNow))
	}
	parsed, err := url.Parse(ref.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if !strings.Contains(parsed.Query().Get("response-content-disposition"), "seal.svg") {
		t.Fatalf("expected filename in disposition, got %q", parsed.RawQuery)
	}
}

func TestFileLocatorErrors(t *testing.T) {
	us, _ := newTestSigner(t)
	locator, err := NewFileLocator(&stubFinder{err: ErrFileNotFound}, us, FileLocatorConfig{Bucket: "files"})
	if err != nil {
		t.Fatalf("NewFileLocator: %v", err)
	}
	if _, err := locator.Locate(context.Background(), "prod_1"); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
	if _, err := locator.Locate(context.Background(), "../etc"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
	if _, err := NewFileLocator(&stubFinder{}, us, FileLocatorConfig{}); !errors.Is(err, errInvalidBucket) {
		t.Fatalf("expected errInvalidBucket, got %v", err)
	}
}

func TestProductPrefix(t *testing.T) {
	got, err := ProductPrefix("", "prod_9")
	if err != nil {
		t.Fatalf("ProductPrefix: %v", err)
	}
	if got != "products/prod_9/" {
		t.Fatalf("unexpected prefix %q", got)
	}
	if _, err := ProductPrefix("x", "a/b"); err == nil {
		t.Fatalf("expected error for nested segment")
	}
}

func TestParseKeyFileSignerSigns(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	data, _ := json.Marshal(map[string]string{
		"client_email": "svc@example.iam.gserviceaccount.com",
		"private_key":  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
	})

	signer, err := ParseKeyFileSigner(data)
	if err != nil {
		t.Fatalf("ParseKeyFileSigner: %v", err)
	}
	if signer.Email() != "svc@example.iam.gserviceaccount.com" {
		t.Fatalf("unexpected email %q", signer.Email())
	}
	sig, err := signer.SignBytes(context.Background(), []byte("payload"))
	if err != nil || len(sig) == 0 {
		t.Fatalf("SignBytes: %v", err)
	}

	if _, err := ParseKeyFileSigner([]byte(`{"client_email":"x"}`)); err == nil {
		t.Fatalf("expected error without private key")
	}
}
