package firestore

import (
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
)

const (
	ordersCollection        = "orders"
	paymentEventsCollection = "paymentEvents"
	grantsCollection        = "downloadGrants"
	cartsCollection         = "carts"
)

type orderLineDocument struct {
	ProductID string `firestore:"productId"`
	SellerID  string `firestore:"sellerId,omitempty"`
	Title     string `firestore:"title,omitempty"`
	UnitPrice string `firestore:"unitPrice"`
}

type orderDocument struct {
	OrderNumber      string              `firestore:"orderNumber"`
	BuyerRef         string              `firestore:"buyerRef"`
	Status           string              `firestore:"status"`
	Currency         string              `firestore:"currency"`
	LineItems        []orderLineDocument `firestore:"lineItems"`
	Subtotal         string              `firestore:"subtotal"`
	PlatformFeeRate  string              `firestore:"platformFeeRate"`
	PlatformFee      string              `firestore:"platformFee"`
	SellerAmount     string              `firestore:"sellerAmount"`
	TotalAmount      string              `firestore:"totalAmount"`
	PaymentProvider  string              `firestore:"paymentProvider,omitempty"`
	PaymentReference string              `firestore:"paymentReference,omitempty"`
	CancelReason     string              `firestore:"cancelReason,omitempty"`
	Version          int64               `firestore:"version"`
	CreatedAt        time.Time           `firestore:"createdAt"`
	UpdatedAt        time.Time           `firestore:"updatedAt"`
	PaidAt           *time.Time          `firestore:"paidAt,omitempty"`
	CompletedAt      *time.Time          `firestore:"completedAt,omitempty"`
	CancelledAt      *time.Time          `firestore:"cancelledAt,omitempty"`
	RefundedAt       *time.Time          `firestore:"refundedAt,omitempty"`
	DisputedAt       *time.Time          `firestore:"disputedAt,omitempty"`
}

func encodeOrder(order domain.Order) orderDocument {
	lines := make([]orderLineDocument, 0, len(order.LineItems))
	for _, item := range order.LineItems {
		lines = append(lines, orderLineDocument{
			ProductID: item.ProductID,
			SellerID:  item.SellerID,
			Title:     item.Title,
			UnitPrice: item.UnitPrice.String(),
		})
	}
	return orderDocument{
		OrderNumber:      order.OrderNumber,
		BuyerRef:         order.BuyerRef,
		Status:           string(order.Status),
		Currency:         order.Currency,
		LineItems:        lines,
		Subtotal:         order.Subtotal.String(),
		PlatformFeeRate:  order.PlatformFeeRate.String(),
		PlatformFee:      order.PlatformFee.String(),
		SellerAmount:     order.SellerAmount.String(),
		TotalAmount:      order.TotalAmount.String(),
		PaymentProvider:  order.PaymentProvider,
		PaymentReference: order.PaymentReference,
		CancelReason:     order.CancelReason,
		Version:          order.Version,
		CreatedAt:        order.CreatedAt.UTC(),
		UpdatedAt:        order.UpdatedAt.UTC(),
		PaidAt:           utcPtr(order.PaidAt),
		CompletedAt:      utcPtr(order.CompletedAt),
		CancelledAt:      utcPtr(order.CancelledAt),
		RefundedAt:       utcPtr(order.RefundedAt),
		DisputedAt:       utcPtr(order.DisputedAt),
	}
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	lines := make([]domain.OrderLineItem, 0, len(doc.LineItems))
	for _, item := range doc.LineItems {
		lines = append(lines, domain.OrderLineItem{
			ProductID: item.ProductID,
			SellerID:  item.SellerID,
			Title:     item.Title,
			UnitPrice: parseDecimal(item.UnitPrice),
		})
	}
	return domain.Order{
		ID:               id,
		OrderNumber:      doc.OrderNumber,
		BuyerRef:         doc.BuyerRef,
		Status:           domain.OrderStatus(doc.Status),
		Currency:         doc.Currency,
		LineItems:        lines,
		Subtotal:         parseDecimal(doc.Subtotal),
		PlatformFeeRate:  parseDecimal(doc.PlatformFeeRate),
		PlatformFee:      parseDecimal(doc.PlatformFee),
		SellerAmount:     parseDecimal(doc.SellerAmount),
		TotalAmount:      parseDecimal(doc.TotalAmount),
		PaymentProvider:  doc.PaymentProvider,
		PaymentReference: doc.PaymentReference,
		CancelReason:     doc.CancelReason,
		Version:          doc.Version,
		CreatedAt:        doc.CreatedAt.UTC(),
		UpdatedAt:        doc.UpdatedAt.UTC(),
		PaidAt:           utcPtr(doc.PaidAt),
		CompletedAt:      utcPtr(doc.CompletedAt),
		CancelledAt:      utcPtr(doc.CancelledAt),
		RefundedAt:       utcPtr(doc.RefundedAt),
		DisputedAt:       utcPtr(doc.DisputedAt),
	}
}

type paymentEventDocument struct {
	ExternalEventID string     `firestore:"externalEventId"`
	Provider        string     `firestore:"provider"`
	EventType       string     `firestore:"eventType"`
	OrderReference  string     `firestore:"orderReference,omitempty"`
	ReceivedAt      time.Time  `firestore:"receivedAt"`
	ProcessedAt     *time.Time `firestore:"processedAt,omitempty"`
	Outcome         string     `firestore:"outcome,omitempty"`
	Detail          string     `firestore:"detail,omitempty"`
}

func encodePaymentEvent(event domain.PaymentEvent) paymentEventDocument {
	return paymentEventDocument{
		ExternalEventID: event.ExternalEventID,
		Provider:        event.Provider,
		EventType:       event.EventType,
		OrderReference:  event.OrderReference,
		ReceivedAt:      event.ReceivedAt.UTC(),
		ProcessedAt:     utcPtr(event.ProcessedAt),
		Outcome:         string(event.Outcome),
		Detail:          event.Detail,
	}
}

func decodePaymentEvent(doc paymentEventDocument) domain.PaymentEvent {
	return domain.PaymentEvent{
		ExternalEventID: doc.ExternalEventID,
		Provider:        doc.Provider,
		EventType:       doc.EventType,
		OrderReference:  doc.OrderReference,
		ReceivedAt:      doc.ReceivedAt.UTC(),
		ProcessedAt:     utcPtr(doc.ProcessedAt),
		Outcome:         domain.PaymentEventOutcome(doc.Outcome),
		Detail:          doc.Detail,
	}
}

type grantDocument struct {
	OrderID          string     `firestore:"orderId"`
	ProductID        string     `firestore:"productId"`
	BuyerRef         string     `firestore:"buyerRef"`
	DownloadLimit    int        `firestore:"downloadLimit"`
	DownloadCount    int        `firestore:"downloadCount"`
	ExpiresAt        time.Time  `firestore:"expiresAt"`
	IsActive         bool       `firestore:"isActive"`
	CreatedAt        time.Time  `firestore:"createdAt"`
	LastDownloadedAt *time.Time `firestore:"lastDownloadedAt,omitempty"`
}

func encodeGrant(grant domain.DownloadGrant) grantDocument {
	return grantDocument{
		OrderID:          grant.OrderID,
		ProductID:        grant.ProductID,
		BuyerRef:         grant.BuyerRef,
		DownloadLimit:    grant.DownloadLimit,
		DownloadCount:    grant.DownloadCount,
		ExpiresAt:        grant.ExpiresAt.UTC(),
		IsActive:         grant.IsActive,
		CreatedAt:        grant.CreatedAt.UTC(),
		LastDownloadedAt: utcPtr(grant.LastDownloadedAt),
	}
}

func decodeGrant(token string, doc grantDocument) domain.DownloadGrant {
	return domain.DownloadGrant{
		Token:            token,
		OrderID:          doc.OrderID,
		ProductID:        doc.ProductID,
		BuyerRef:         doc.BuyerRef,
		DownloadLimit:    doc.DownloadLimit,
		DownloadCount:    doc.DownloadCount,
		ExpiresAt:        doc.ExpiresAt.UTC(),
		IsActive:         doc.IsActive,
		CreatedAt:        doc.CreatedAt.UTC(),
		LastDownloadedAt: utcPtr(doc.LastDownloadedAt),
	}
}

type cartItemDocument struct {
	ID        string `firestore:"id"`
	ProductID string `firestore:"productId"`
	SellerID  string `firestore:"sellerId,omitempty"`
	Title     string `firestore:"title,omitempty"`
	UnitPrice string `firestore:"unitPrice"`
}

type cartDocument struct {
	Currency  string             `firestore:"currency"`
	Items     []cartItemDocument `firestore:"items"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

func decodeCart(buyerRef string, doc cartDocument) domain.Cart {
	items := make([]domain.CartItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		items = append(items, domain.CartItem{
			ID:        item.ID,
			ProductID: item.ProductID,
			SellerID:  item.SellerID,
			Title:     item.Title,
			UnitPrice: parseDecimal(item.UnitPrice),
		})
	}
	return domain.Cart{
		BuyerRef:  buyerRef,
		Currency:  strings.ToUpper(strings.TrimSpace(doc.Currency)),
		Items:     items,
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}

func encodeCart(cart domain.Cart) cartDocument {
	items := make([]cartItemDocument, 0, len(cart.Items))
	for _, item := range cart.Items {
		items = append(items, cartItemDocument{
			ID:        item.ID,
			ProductID: item.ProductID,
			SellerID:  item.SellerID,
			Title:     item.Title,
			UnitPrice: item.UnitPrice.String(),
		})
	}
	return cartDocument{Currency: cart.Currency, Items: items, UpdatedAt: cart.UpdatedAt.UTC()}
}

// docID makes gateway-supplied identifiers safe to use as Firestore document IDs.
func docID(raw string) string {
	return url.PathEscape(strings.TrimSpace(raw))
}

func parseDecimal(value string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func utcPtr(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := ts.UTC()
	return &v
}
