// Package secrets resolves secret:// references against Google Secret Manager.
package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCacheTTL     = 10 * time.Minute
	defaultFallbackPath = ".secrets.local"
	meterName           = "github.com/hanko-field/orders/internal/platform/secrets"
)

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (secretManagerClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver fetches secrets with a TTL cache. Concurrent lookups of one reference share a single remote
// call. When Secret Manager is unreachable, values come from a local KEY=VALUE fallback file.
type Resolver struct {
	client     secretManagerClient
	ownsClient bool
	projectID  string
	ttl        time.Duration
	logger     *zap.Logger
	now        func() time.Time

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cachedSecret

	latency metric.Float64Histogram
	hits    metric.Int64Counter
}

type cachedSecret struct {
	value     string
	fetchedAt time.Time
}

type resolverConfig struct {
	logger       *zap.Logger
	projectID    string
	ttl          time.Duration
	fallbackPath string
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
}

// Option customises Resolver construction.
type Option func(*resolverConfig)

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *resolverConfig) { cfg.logger = logger }
}

// WithProject sets the project used when a reference carries no ?project= override.
func WithProject(projectID string) Option {
	return func(cfg *resolverConfig) { cfg.projectID = strings.TrimSpace(projectID) }
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *resolverConfig) { cfg.ttl = ttl }
}

func WithFallbackFile(path string) Option {
	return func(cfg *resolverConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

func WithMeter(m metric.Meter) Option {
	return func(cfg *resolverConfig) { cfg.meter = m }
}

func WithClient(client secretManagerClient) Option {
	return func(cfg *resolverConfig) { cfg.client = client }
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *resolverConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// NewResolver never fails on a missing Secret Manager client; it degrades to fallback-only mode.
func NewResolver(ctx context.Context, opts ...Option) (*Resolver, error) {
	cfg := resolverConfig{
		logger:       zap.NewNop(),
		ttl:          defaultCacheTTL,
		fallbackPath: defaultFallbackPath,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	latency, err := meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret lookups"))
	if err != nil {
		return nil, fmt.Errorf("secrets: register latency metric: %w", err)
	}
	hits, err := meter.Int64Counter("secrets.fetch.cache_hits",
		metric.WithDescription("Secret lookups served from cache"))
	if err != nil {
		return nil, fmt.Errorf("secrets: register cache metric: %w", err)
	}

	r := &Resolver{
		projectID:    cfg.projectID,
		ttl:          cfg.ttl,
		logger:       cfg.logger,
		now:          time.Now,
		fallbackPath: cfg.fallbackPath,
		cache:        make(map[string]cachedSecret),
		latency:      latency,
		hits:         hits,
	}
	switch {
	case cfg.client != nil:
		r.client = cfg.client
	case cfg.projectID != "":
		client, err := newSecretManagerClient(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager unavailable; using fallback file", zap.Error(err))
		} else {
			r.client = client
			r.ownsClient = true
		}
	}
	return r, nil
}

func (r *Resolver) Close() error {
	if r.ownsClient && r.client != nil {
		return r.client.Close()
	}
	return nil
}

// ResolveSecret returns the value behind a secret://name[?version=N&project=P] reference.
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	key := parsed.cacheKey()

	if value, ok := r.cached(key); ok {
		r.hits.Add(ctx, 1)
		r.record(ctx, start, "cache")
		return value, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		value, source, err := r.fetch(ctx, parsed)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.cache[key] = cachedSecret{value: value, fetchedAt: r.now()}
		r.mu.Unlock()
		r.record(ctx, start, source)
		return value, nil
	})
	if err != nil {
		r.record(ctx, start, "error")
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops every cached version of the reference.
func (r *Resolver) Invalidate(ref string) {
	parsed, err := parseReference(ref)
	if err != nil {
		return
	}
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, parsed.canonical+"#") {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

func (r *Resolver) cached(key string) (string, bool) {
	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	if r.ttl > 0 && r.now().Sub(entry.fetchedAt) > r.ttl {
		return "", false
	}
	return entry.value, true
}

func (r *Resolver) fetch(ctx context.Context, ref reference) (string, string, error) {
	project := ref.project
	if project == "" {
		project = r.projectID
	}
	if r.client != nil && project != "" {
		name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
		resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		if err == nil {
			if resp.GetPayload() == nil {
				return "", "remote", fmt.Errorf("secrets: empty payload for %s", name)
			}
			return string(resp.GetPayload().GetData()), "remote", nil
		}
		if !fallbackEligible(err) {
			return "", "remote", fmt.Errorf("secrets: fetch %s: %w", ref.canonical, err)
		}
		r.logger.Debug("secrets: falling back to local file", zap.String("ref", ref.canonical), zap.Error(err))
	}

	r.fallbackOnce.Do(r.loadFallback)
	if value, ok := r.fallback[ref.cacheKey()]; ok {
		return value, "fallback", nil
	}
	if value, ok := r.fallback[ref.canonical]; ok {
		return value, "fallback", nil
	}
	return "", "fallback", fmt.Errorf("secrets: no value for %s", ref.canonical)
}

// loadFallback reads KEY=VALUE lines; keys may use the sm:// or secret:// scheme.
func (r *Resolver) loadFallback() {
	r.fallback = map[string]string{}
	if r.fallbackPath == "" {
		return
	}
	file, err := os.Open(r.fallbackPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("secrets: open fallback file", zap.String("path", r.fallbackPath), zap.Error(err))
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if strings.HasPrefix(key, "sm://") {
			key = "secret://" + strings.TrimPrefix(key, "sm://")
		}
		parsed, err := parseReference(key)
		if err != nil {
			continue
		}
		value = strings.TrimSpace(value)
		r.fallback[parsed.canonical] = value
		r.fallback[parsed.cacheKey()] = value
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn("secrets: read fallback file", zap.String("path", r.fallbackPath), zap.Error(err))
	}
}

func (r *Resolver) record(ctx context.Context, start time.Time, source string) {
	r.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("source", source)))
}

type reference struct {
	canonical string
	name      string
	version   string
	project   string
}

func (r reference) cacheKey() string {
	return r.canonical + "#" + r.version
}

func parseReference(ref string) (reference, error) {
	if strings.TrimSpace(ref) == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	version := strings.TrimSpace(u.Query().Get("version"))
	if version == "" {
		version = "latest"
	}
	return reference{
		canonical: "secret://" + name,
		name:      strings.ReplaceAll(name, "/", "_"),
		version:   version,
		project:   strings.TrimSpace(u.Query().Get("project")),
	}, nil
}

func fallbackEligible(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
