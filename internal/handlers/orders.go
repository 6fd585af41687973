package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/services"
)

// OrderHandlers exposes read-only order endpoints.
type OrderHandlers struct {
	orders    services.OrderService
	downloads services.DownloadService
}

// NewOrderHandlers constructs order handlers. downloads may be nil, which disables the grant listing.
func NewOrderHandlers(orders services.OrderService, downloads services.DownloadService) *OrderHandlers {
	return &OrderHandlers{
		orders:    orders,
		downloads: downloads,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/orders/{orderID}", h.getOrder)
	r.Get("/orders/{orderID}/downloads", h.listGrants)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		writeInvalidRequest(ctx, w, "order id is required")
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderView(order))
}

type grantListResponse struct {
	OrderID string      `json:"orderId"`
	Grants  []grantView `json:"grants"`
}

func (h *OrderHandlers) listGrants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.downloads == nil {
		writeUnavailable(ctx, w, "download")
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		writeInvalidRequest(ctx, w, "order id is required")
		return
	}

	grants, err := h.downloads.ListGrants(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	views := make([]grantView, 0, len(grants))
	for _, grant := range grants {
		views = append(views, newGrantView(grant))
	}
	httpx.WriteJSON(w, http.StatusOK, grantListResponse{OrderID: orderID, Grants: views})
}
