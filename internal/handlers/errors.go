package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/platform/requestctx"
	"github.com/hanko-field/orders/internal/services"
)

type errorMapping struct {
	status  int
	message string
}

var serviceErrorMappings = map[string]errorMapping{
	services.CodeInvalidInput:       {http.StatusBadRequest, "request is invalid"},
	services.CodeEmptyCart:          {http.StatusBadRequest, "cart has no purchasable items"},
	services.CodeOrderNotFound:      {http.StatusNotFound, "order not found"},
	services.CodeInvalidTransition:  {http.StatusConflict, "order cannot move to the requested status"},
	services.CodeAmountMismatch:     {http.StatusConflict, "payment amount does not match the order total"},
	services.CodeConcurrentUpdate:   {http.StatusConflict, "order changed concurrently; retry"},
	services.CodeCounterUnavailable: {http.StatusServiceUnavailable, "order number allocation unavailable"},
	services.CodeCounterExhausted:   {http.StatusServiceUnavailable, "daily order capacity reached"},
	services.CodeStoreUnavailable:   {http.StatusServiceUnavailable, "storage temporarily unavailable"},
	services.CodeGatewayUnavailable: {http.StatusServiceUnavailable, "payment gateway unavailable"},
	services.CodeGatewayDeclined:    {http.StatusPaymentRequired, "payment was declined"},
	services.CodeGatewayRejected:    {http.StatusBadGateway, "payment gateway rejected the request"},
	services.CodeWebhookSignature:   {http.StatusUnauthorized, "webhook signature invalid"},
	services.CodeTokenNotFound:      {http.StatusNotFound, "download token not found"},
	services.CodeTokenExpired:       {http.StatusGone, "download token expired"},
	services.CodeTokenRevoked:       {http.StatusGone, "download token revoked"},
	services.CodeTokenExhausted:     {http.StatusTooManyRequests, "download limit reached"},
}

// writeServiceError renders a service failure as the error envelope. Unclassified errors become 500s and
// are logged with their cause; the cause is never echoed to the client.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	classified := services.Classify(err)
	mapping, ok := serviceErrorMappings[classified.Code]
	if !ok {
		requestctx.Logger(ctx).Error("unhandled service error", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError(services.CodeInternal, "internal error", http.StatusInternalServerError).WithRetryable(true))
		return
	}
	if mapping.status >= http.StatusInternalServerError {
		requestctx.Logger(ctx).Warn("service dependency failure", zap.String("code", classified.Code), zap.Error(err))
	}
	httpx.WriteError(ctx, w, httpx.NewError(classified.Code, mapping.message, mapping.status).WithRetryable(classified.Retryable))
}

func writeInvalidRequest(ctx context.Context, w http.ResponseWriter, message string) {
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
}

func writeUnavailable(ctx context.Context, w http.ResponseWriter, what string) {
	httpx.WriteError(ctx, w, httpx.NewError(what+"_unavailable", what+" service unavailable", http.StatusServiceUnavailable).WithRetryable(true))
}
