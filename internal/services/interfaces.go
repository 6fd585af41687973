package services

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderLineItem      = domain.OrderLineItem
	OrderEvent         = domain.OrderEvent
	CartSnapshot       = domain.CartSnapshot
	FeeBreakdown       = domain.FeeBreakdown
	PaymentEvent       = domain.PaymentEvent
	DownloadGrant      = domain.DownloadGrant
	FileReference      = domain.FileReference
	SystemHealthReport = domain.SystemHealthReport
)

// Notifier delivers order events to downstream consumers. Delivery is fire-and-forget from the
// caller's perspective; errors are logged and never undo a transition.
type Notifier interface {
	Notify(ctx context.Context, event OrderEvent) error
}

// FileLocator resolves a purchased product into a time-limited download location.
type FileLocator interface {
	Locate(ctx context.Context, productID string) (FileReference, error)
}

// CartSnapshotService freezes cart contents at checkout time.
type CartSnapshotService interface {
	Snapshot(ctx context.Context, buyerRef string, itemIDs []string) (CartSnapshot, error)
}

// CounterService issues human-readable order numbers backed by a durable per-day counter.
type CounterService interface {
	NextOrderNumber(ctx context.Context, date time.Time) (string, error)
}

// OrderService is the order state machine. Every mutation is idempotent when the order already sits in
// the target state.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	AttachPaymentReference(ctx context.Context, orderID, provider, paymentRef string) (Order, error)
	MarkPaid(ctx context.Context, orderID string, amountReceived decimal.Decimal) (Order, error)
	Complete(ctx context.Context, orderID string) (Order, error)
	Cancel(ctx context.Context, orderID, reason string) (Order, error)
	Refund(ctx context.Context, orderID string) (Order, error)
	Dispute(ctx context.Context, orderID string) (Order, error)
	ResolveDispute(ctx context.Context, orderID string, won bool) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	GetByPaymentReference(ctx context.Context, paymentRef string) (Order, error)
}

// CheckoutService turns a cart into a PENDING order with a gateway session.
type CheckoutService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error)
}

// WebhookService reconciles gateway deliveries against the order state machine.
type WebhookService interface {
	Handle(ctx context.Context, delivery WebhookDelivery) (WebhookResult, error)
}

// DownloadService issues and redeems download grants.
type DownloadService interface {
	IssueGrants(ctx context.Context, orderID string) ([]DownloadGrant, error)
	Redeem(ctx context.Context, token string) (Redemption, error)
	RevokeGrants(ctx context.Context, orderID string) (int, error)
	ListGrants(ctx context.Context, orderID string) ([]DownloadGrant, error)
}

// SystemService exposes health reports.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// CreateOrderCommand seeds a new order from a frozen cart.
type CreateOrderCommand struct {
	Snapshot CartSnapshot
	BuyerRef string
}

// CheckoutCommand starts checkout for a buyer. ItemIDs optionally restricts the cart to a subset.
type CheckoutCommand struct {
	BuyerRef          string
	ItemIDs           []string
	PreferredProvider string
	IdempotencyKey    string
}

// CheckoutResult is returned to the buyer to continue on the gateway's hosted page.
type CheckoutResult struct {
	Order            Order
	RedirectURL      string
	PaymentProvider  string
	PaymentReference string
	SessionExpiresAt time.Time
}

// WebhookDelivery is a raw gateway delivery.
type WebhookDelivery struct {
	Payload []byte
	Header  http.Header
}

// WebhookResult reports how a delivery was handled. Ack means the gateway may stop redelivering.
type WebhookResult struct {
	Ack     bool
	EventID string
	Outcome domain.PaymentEventOutcome
	Detail  string
}

// Redemption is a successful download: the file location plus the grant after the increment.
type Redemption struct {
	File  FileReference
	Grant DownloadGrant
}
