package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/platform/idempotency"
	"github.com/hanko-field/orders/internal/platform/observability"
	"github.com/hanko-field/orders/internal/services"
)

// CheckoutHandlers exposes the checkout entry point.
type CheckoutHandlers struct {
	checkout    services.CheckoutService
	middlewares []func(http.Handler) http.Handler
}

// NewCheckoutHandlers constructs checkout handlers. Middlewares wrap only the checkout route, which is
// where the idempotency middleware is mounted.
func NewCheckoutHandlers(checkout services.CheckoutService, middlewares ...func(http.Handler) http.Handler) *CheckoutHandlers {
	return &CheckoutHandlers{
		checkout:    checkout,
		middlewares: middlewares,
	}
}

// Routes registers POST /checkout.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	for _, mw := range h.middlewares {
		if mw != nil {
			group = group.With(mw)
		}
	}
	group.Post("/checkout", h.createCheckout)
}

type checkoutRequest struct {
	BuyerRef string   `json:"buyerRef"`
	ItemIDs  []string `json:"itemIds"`
	Provider string   `json:"provider"`
}

type checkoutResponse struct {
	OrderID          string `json:"orderId"`
	OrderNumber      string `json:"orderNumber"`
	Status           string `json:"status"`
	TotalAmount      string `json:"totalAmount"`
	Currency         string `json:"currency"`
	PaymentProvider  string `json:"paymentProvider"`
	PaymentReference string `json:"paymentReference"`
	RedirectURL      string `json:"redirectUrl"`
	SessionExpiresAt string `json:"sessionExpiresAt,omitempty"`
}

func (h *CheckoutHandlers) createCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeUnavailable(ctx, w, "checkout")
		return
	}

	var req checkoutRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeInvalidRequest(ctx, w, "request body must be valid JSON")
		return
	}
	buyerRef := strings.TrimSpace(req.BuyerRef)
	if buyerRef == "" {
		writeInvalidRequest(ctx, w, "buyerRef is required")
		return
	}
	ctx = observability.WithBuyerRef(ctx, buyerRef)

	itemIDs := make([]string, 0, len(req.ItemIDs))
	for _, id := range req.ItemIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			itemIDs = append(itemIDs, trimmed)
		}
	}

	result, err := h.checkout.Checkout(ctx, services.CheckoutCommand{
		BuyerRef:          buyerRef,
		ItemIDs:           itemIDs,
		PreferredProvider: strings.ToLower(strings.TrimSpace(req.Provider)),
		IdempotencyKey:    idempotency.KeyFromContext(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	order := result.Order
	httpx.WriteJSON(w, http.StatusCreated, checkoutResponse{
		OrderID:          order.ID,
		OrderNumber:      order.OrderNumber,
		Status:           string(order.Status),
		TotalAmount:      formatAmount(order.TotalAmount, order.Currency),
		Currency:         order.Currency,
		PaymentProvider:  result.PaymentProvider,
		PaymentReference: result.PaymentReference,
		RedirectURL:      result.RedirectURL,
		SessionExpiresAt: formatTime(result.SessionExpiresAt),
	})
}
