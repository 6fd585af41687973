package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/platform/requestctx"
	"github.com/hanko-field/orders/internal/services"
)

const defaultWebhookBodyLimit int64 = 1 << 20

var errWebhookBodyTooLarge = errors.New("webhook body exceeds limit")

// WebhookHandlers receives payment gateway deliveries.
type WebhookHandlers struct {
	webhooks  services.WebhookService
	bodyLimit int64
}

// NewWebhookHandlers constructs webhook handlers with the default 1 MiB body limit.
func NewWebhookHandlers(webhooks services.WebhookService) *WebhookHandlers {
	return &WebhookHandlers{
		webhooks:  webhooks,
		bodyLimit: defaultWebhookBodyLimit,
	}
}

// Routes registers POST /webhooks/payment.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/webhooks/payment", h.receivePayment)
}

type webhookResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"eventId,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// receivePayment hands the unmodified body to the reconciler; signatures cover the raw bytes.
func (h *WebhookHandlers) receivePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.webhooks == nil {
		writeUnavailable(ctx, w, "webhook")
		return
	}

	payload, err := readBody(r, h.bodyLimit)
	if err != nil {
		if errors.Is(err, errWebhookBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook body too large", http.StatusRequestEntityTooLarge))
			return
		}
		requestctx.Logger(ctx).Warn("webhook body read failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("webhook_read_failed", "unable to read webhook body", http.StatusServiceUnavailable).WithRetryable(true))
		return
	}

	result, err := h.webhooks.Handle(ctx, services.WebhookDelivery{
		Payload: payload,
		Header:  r.Header.Clone(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if !result.Ack {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_not_acknowledged", "delivery not processed", http.StatusServiceUnavailable).WithRetryable(true))
		return
	}

	httpx.WriteJSON(w, http.StatusOK, webhookResponse{
		Received: true,
		EventID:  result.EventID,
		Outcome:  string(result.Outcome),
	})
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errWebhookBodyTooLarge
	}
	return data, nil
}
