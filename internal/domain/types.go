package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates valid lifecycle states for orders. The string values are the wire form.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was created and awaits a gateway session.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusProcessing indicates a gateway session exists and payment is outstanding.
	OrderStatusProcessing OrderStatus = "PROCESSING"
	// OrderStatusPaid indicates the gateway confirmed payment for the full total.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusCompleted indicates fulfilment finished (download grants issued).
	OrderStatusCompleted OrderStatus = "COMPLETED"
	// OrderStatusCancelled indicates the order was abandoned before payment.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusRefunded indicates the gateway confirmed a refund.
	OrderStatusRefunded OrderStatus = "REFUNDED"
	// OrderStatusDisputed indicates a chargeback or dispute is open.
	OrderStatusDisputed OrderStatus = "DISPUTED"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusPaid, OrderStatusCompleted,
		OrderStatusCancelled, OrderStatusRefunded, OrderStatusDisputed:
		return true
	default:
		return false
	}
}

// CartSnapshotItem is a frozen copy of a cart line taken at checkout time.
type CartSnapshotItem struct {
	ItemID    string
	ProductID string
	SellerID  string
	Title     string
	UnitPrice decimal.Decimal
}

// CartSnapshot is the immutable set of line items seeding a single order.
type CartSnapshot struct {
	BuyerRef   string
	Currency   string
	Items      []CartSnapshotItem
	CapturedAt time.Time
}

// Empty reports whether the snapshot carries no purchasable items.
func (s CartSnapshot) Empty() bool {
	return len(s.Items) == 0
}

// Cart is the mutable cart owned by the external cart store.
type Cart struct {
	BuyerRef  string
	Currency  string
	Items     []CartItem
	UpdatedAt time.Time
}

// CartItem is a single line in a live cart.
type CartItem struct {
	ID        string          `json:"id"`
	ProductID string          `json:"productId"`
	SellerID  string          `json:"sellerId"`
	Title     string          `json:"title,omitempty"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Snapshot freezes the cart into a CartSnapshot. The item slice is copied.
func (c Cart) Snapshot(capturedAt time.Time) CartSnapshot {
	items := make([]CartSnapshotItem, 0, len(c.Items))
	for _, item := range c.Items {
		items = append(items, CartSnapshotItem{
			ItemID:    item.ID,
			ProductID: item.ProductID,
			SellerID:  item.SellerID,
			Title:     item.Title,
			UnitPrice: item.UnitPrice,
		})
	}
	return CartSnapshot{
		BuyerRef:   c.BuyerRef,
		Currency:   c.Currency,
		Items:      items,
		CapturedAt: capturedAt,
	}
}

// OrderLineItem mirrors a snapshot item; the price is the price at purchase.
type OrderLineItem struct {
	ProductID string
	SellerID  string
	Title     string
	UnitPrice decimal.Decimal
}

// Order is the aggregate root for the checkout lifecycle.
type Order struct {
	ID               string
	OrderNumber      string
	BuyerRef         string
	Status           OrderStatus
	Currency         string
	LineItems        []OrderLineItem
	Subtotal         decimal.Decimal
	PlatformFeeRate  decimal.Decimal
	PlatformFee      decimal.Decimal
	SellerAmount     decimal.Decimal
	TotalAmount      decimal.Decimal
	PaymentProvider  string
	PaymentReference string
	CancelReason     string
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	PaidAt           *time.Time
	CompletedAt      *time.Time
	CancelledAt      *time.Time
	RefundedAt       *time.Time
	DisputedAt       *time.Time
}

// Clone returns a copy that shares no mutable state with o.
func (o Order) Clone() Order {
	out := o
	out.LineItems = append([]OrderLineItem(nil), o.LineItems...)
	for _, ts := range []**time.Time{&out.PaidAt, &out.CompletedAt, &out.CancelledAt, &out.RefundedAt, &out.DisputedAt} {
		if *ts != nil {
			v := **ts
			*ts = &v
		}
	}
	return out
}

// PaymentEventOutcome records how the reconciliation processor resolved a ledger entry.
type PaymentEventOutcome string

const (
	// PaymentEventOutcomeApplied means the event drove a state change (or a confirmed no-op).
	PaymentEventOutcomeApplied PaymentEventOutcome = "applied"
	// PaymentEventOutcomeAnomaly means the event was rejected by the state machine and needs review.
	PaymentEventOutcomeAnomaly PaymentEventOutcome = "anomaly"
	// PaymentEventOutcomeIgnored means the event type carries no lifecycle meaning.
	PaymentEventOutcomeIgnored PaymentEventOutcome = "ignored"
	// PaymentEventOutcomeDuplicate is reported, never stored, when an already processed event is redelivered.
	PaymentEventOutcomeDuplicate PaymentEventOutcome = "duplicate"
)

// PaymentEvent is an idempotency ledger entry for one gateway-delivered event.
type PaymentEvent struct {
	ExternalEventID string
	Provider        string
	EventType       string
	OrderReference  string
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
	Outcome         PaymentEventOutcome
	Detail          string
}

// Processed reports whether the event completed processing at least once.
func (e PaymentEvent) Processed() bool {
	return e.ProcessedAt != nil
}

// DownloadGrant is a count and time limited permission to fetch a purchased file.
type DownloadGrant struct {
	Token            string
	OrderID          string
	ProductID        string
	BuyerRef         string
	DownloadLimit    int
	DownloadCount    int
	ExpiresAt        time.Time
	IsActive         bool
	CreatedAt        time.Time
	LastDownloadedAt *time.Time
}

// ActiveAt reports whether the grant can still be redeemed at now. Expiry is final.
func (g DownloadGrant) ActiveAt(now time.Time) bool {
	return g.IsActive && g.DownloadCount < g.DownloadLimit && !now.After(g.ExpiresAt)
}

// Remaining returns the number of downloads left on the grant.
func (g DownloadGrant) Remaining() int {
	if left := g.DownloadLimit - g.DownloadCount; left > 0 {
		return left
	}
	return 0
}

// FileReference points to a time-limited location for a purchased file.
type FileReference struct {
	ProductID string
	URL       string
	ExpiresAt time.Time
}

// OrderEvent is the payload handed to the outbound notifier after a transition.
type OrderEvent struct {
	Type        string
	OrderID     string
	OrderNumber string
	BuyerRef    string
	Status      OrderStatus
	OccurredAt  time.Time
	Metadata    map[string]string
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
