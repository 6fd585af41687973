package handlers

import (
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
)

type lineItemView struct {
	ProductID string `json:"productId"`
	SellerID  string `json:"sellerId"`
	Title     string `json:"title,omitempty"`
	UnitPrice string `json:"unitPrice"`
}

type orderView struct {
	ID               string         `json:"id"`
	OrderNumber      string         `json:"orderNumber"`
	BuyerRef         string         `json:"buyerRef"`
	Status           string         `json:"status"`
	Currency         string         `json:"currency"`
	LineItems        []lineItemView `json:"lineItems"`
	Subtotal         string         `json:"subtotal"`
	PlatformFee      string         `json:"platformFee"`
	SellerAmount     string         `json:"sellerAmount"`
	TotalAmount      string         `json:"totalAmount"`
	PaymentProvider  string         `json:"paymentProvider,omitempty"`
	PaymentReference string         `json:"paymentReference,omitempty"`
	CancelReason     string         `json:"cancelReason,omitempty"`
	CreatedAt        string         `json:"createdAt"`
	UpdatedAt        string         `json:"updatedAt"`
	PaidAt           string         `json:"paidAt,omitempty"`
	CompletedAt      string         `json:"completedAt,omitempty"`
	CancelledAt      string         `json:"cancelledAt,omitempty"`
	RefundedAt       string         `json:"refundedAt,omitempty"`
	DisputedAt       string         `json:"disputedAt,omitempty"`
}

type grantView struct {
	Token            string `json:"token"`
	ProductID        string `json:"productId"`
	DownloadLimit    int    `json:"downloadLimit"`
	DownloadCount    int    `json:"downloadCount"`
	Remaining        int    `json:"remaining"`
	ExpiresAt        string `json:"expiresAt"`
	Active           bool   `json:"active"`
	LastDownloadedAt string `json:"lastDownloadedAt,omitempty"`
}

func newOrderView(order domain.Order) orderView {
	items := make([]lineItemView, 0, len(order.LineItems))
	for _, item := range order.LineItems {
		items = append(items, lineItemView{
			ProductID: item.ProductID,
			SellerID:  item.SellerID,
			Title:     item.Title,
			UnitPrice: formatAmount(item.UnitPrice, order.Currency),
		})
	}
	return orderView{
		ID:               order.ID,
		OrderNumber:      order.OrderNumber,
		BuyerRef:         order.BuyerRef,
		Status:           string(order.Status),
		Currency:         order.Currency,
		LineItems:        items,
		Subtotal:         formatAmount(order.Subtotal, order.Currency),
		PlatformFee:      formatAmount(order.PlatformFee, order.Currency),
		SellerAmount:     formatAmount(order.SellerAmount, order.Currency),
		TotalAmount:      formatAmount(order.TotalAmount, order.Currency),
		PaymentProvider:  order.PaymentProvider,
		PaymentReference: order.PaymentReference,
		CancelReason:     order.CancelReason,
		CreatedAt:        formatTime(order.CreatedAt),
		UpdatedAt:        formatTime(order.UpdatedAt),
		PaidAt:           formatTimePtr(order.PaidAt),
		CompletedAt:      formatTimePtr(order.CompletedAt),
		CancelledAt:      formatTimePtr(order.CancelledAt),
		RefundedAt:       formatTimePtr(order.RefundedAt),
		DisputedAt:       formatTimePtr(order.DisputedAt),
	}
}

func newGrantView(grant domain.DownloadGrant) grantView {
	return grantView{
		Token:            grant.Token,
		ProductID:        grant.ProductID,
		DownloadLimit:    grant.DownloadLimit,
		DownloadCount:    grant.DownloadCount,
		Remaining:        grant.Remaining(),
		ExpiresAt:        formatTime(grant.ExpiresAt),
		Active:           grant.IsActive,
		LastDownloadedAt: formatTimePtr(grant.LastDownloadedAt),
	}
}

// formatAmount renders money as a fixed-point string in the currency's minor unit.
func formatAmount(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(domain.MinorUnits(currency))
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return formatTime(*ts)
}
