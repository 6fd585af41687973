package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Orders() OrderRepository
	PaymentEvents() PaymentEventRepository
	DownloadGrants() DownloadGrantRepository
	Counters() CounterRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartRepository is the read side of the external cart store.
type CartRepository interface {
	GetSnapshot(ctx context.Context, buyerRef string) (domain.CartSnapshot, error)
}

// OrderRepository persists order aggregates. Update is a compare-and-swap on Version: the stored
// version must equal expectedVersion, otherwise a conflict RepositoryError is returned.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order, expectedVersion int64) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByPaymentReference(ctx context.Context, paymentRef string) (domain.Order, error)
}

// PaymentEventRepository is the idempotency ledger. Insert fails with a conflict RepositoryError when
// the external event ID already exists.
type PaymentEventRepository interface {
	Insert(ctx context.Context, event domain.PaymentEvent) error
	Find(ctx context.Context, externalEventID string) (domain.PaymentEvent, error)
	MarkProcessed(ctx context.Context, externalEventID string, processedAt time.Time, outcome domain.PaymentEventOutcome, detail string) error
}

// DownloadGrantRepository stores download grants.
type DownloadGrantRepository interface {
	// CreateBatch inserts the grants for one order. Grants whose (order, product) pair already
	// exists are skipped; the stored set for the order is returned.
	CreateBatch(ctx context.Context, orderID string, grants []domain.DownloadGrant) ([]domain.DownloadGrant, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.DownloadGrant, error)
	FindByToken(ctx context.Context, token string) (domain.DownloadGrant, error)
	// Increment atomically bumps DownloadCount when the grant is active, unexpired and below its
	// limit, deactivating it once the limit is reached. Rejections return a *GrantError.
	Increment(ctx context.Context, token string, now time.Time) (domain.DownloadGrant, error)
	DeactivateByOrder(ctx context.Context, orderID string) (int, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
