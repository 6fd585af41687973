package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/orders/internal/platform/config"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultTxAttempts  = 5
	defaultTxTimeout   = 15 * time.Second
	envEmulatorHost    = "FIRESTORE_EMULATOR_HOST"
	envGoogleProjectID = "GOOGLE_CLOUD_PROJECT"
)

// TxFunc runs inside a Firestore transaction and may be invoked more than once.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

var ErrProviderClosed = errors.New("firestore: provider is closed")

// Provider lazily creates one shared Firestore client and runs transactions on it. A failed dial is
// retried on the next call.
type Provider struct {
	cfg         config.FirestoreConfig
	dialTimeout time.Duration
	clientOpts  []option.ClientOption
	txAttempts  int
	txTimeout   time.Duration

	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

type ProviderOption func(*Provider)

func WithDialTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.dialTimeout = timeout
		}
	}
}

// WithTransactionLimits bounds optimistic retries and the wall time of each transaction.
func WithTransactionLimits(attempts int, timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if attempts > 0 {
			p.txAttempts = attempts
		}
		if timeout > 0 {
			p.txTimeout = timeout
		}
	}
}

func WithClientOptions(opts ...option.ClientOption) ProviderOption {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

func NewProvider(cfg config.FirestoreConfig, opts ...ProviderOption) *Provider {
	p := &Provider{
		cfg:         cfg,
		dialTimeout: defaultDialTimeout,
		txAttempts:  defaultTxAttempts,
		txTimeout:   defaultTxTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Client returns the shared client, dialing it on first use.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.client != nil {
		return p.client, nil
	}
	client, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

func (p *Provider) dial(ctx context.Context) (*firestore.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	projectID := strings.TrimSpace(p.cfg.ProjectID)
	if projectID == "" {
		projectID = strings.TrimSpace(os.Getenv(envGoogleProjectID))
	}
	if projectID == "" {
		return nil, errors.New("firestore: project id is required")
	}

	opts := append([]option.ClientOption(nil), p.clientOpts...)
	if host := p.emulatorHost(); host != "" {
		if os.Getenv(envEmulatorHost) == "" {
			_ = os.Setenv(envEmulatorHost, host)
		}
		opts = append(opts,
			option.WithoutAuthentication(),
			option.WithEndpoint(host),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	client, err := firestore.NewClient(dialCtx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client: %w", err)
	}
	return client, nil
}

// Close releases the client. The Provider cannot be reused afterwards.
func (p *Provider) Close(context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

// RunTransaction runs fn with Firestore's optimistic retry on the shared client. The caller's deadline
// is kept when it is tighter than the provider's transaction timeout. Errors returned by fn keep their
// type; gRPC failures are wrapped with repository semantics.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc) error {
	if fn == nil {
		return errors.New("firestore: transaction function is required")
	}
	client, err := p.Client(ctx)
	if err != nil {
		return WrapError("transaction", err)
	}
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > p.txTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.txTimeout)
		defer cancel()
	}
	return WrapError("transaction", client.RunTransaction(ctx, fn, firestore.MaxAttempts(p.txAttempts)))
}

// Ping reads a sentinel document to confirm the backend is reachable. A missing document counts as success.
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection("_health").Doc("ping").Get(ctx)
	if wrapped := WrapError("ping", err); wrapped != nil && !IsNotFound(wrapped) {
		return wrapped
	}
	return nil
}

func (p *Provider) emulatorHost() string {
	if host := strings.TrimSpace(p.cfg.EmulatorHost); host != "" {
		return host
	}
	return strings.TrimSpace(os.Getenv(envEmulatorHost))
}
