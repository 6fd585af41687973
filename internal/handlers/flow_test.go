package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/idempotency"
	"github.com/hanko-field/orders/internal/repositories/memory"
	"github.com/hanko-field/orders/internal/services"
)

const flowSecret = "whsec_flow"

type flowFiles struct{}

func (flowFiles) Locate(_ context.Context, productID string) (services.FileReference, error) {
	return services.FileReference{
		ProductID: productID,
		URL:       "https://files.test/" + productID + "?sig=abc",
		ExpiresAt: fixedNow.Add(5 * time.Minute),
	}, nil
}

type flowEnv struct {
	router   chi.Router
	registry *memory.Registry
}

func newFlowEnv(t *testing.T) *flowEnv {
	t.Helper()
	clock := func() time.Time { return fixedNow }
	registry := memory.NewRegistry()

	counters, err := services.NewCounterService(services.CounterServiceDeps{Repository: registry.Counters(), Clock: clock})
	require.NoError(t, err)
	fees, err := services.NewFeeCalculator(decimal.RequireFromString("0.10"))
	require.NoError(t, err)
	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:          registry.Orders(),
		Counters:        counters,
		Fees:            fees,
		DefaultCurrency: "USD",
		Clock:           clock,
	})
	require.NoError(t, err)
	downloads, err := services.NewDownloadService(services.DownloadServiceDeps{
		Orders:        orders,
		Grants:        registry.DownloadGrants(),
		Files:         flowFiles{},
		DownloadLimit: 3,
		TTL:           24 * time.Hour,
		Clock:         clock,
	})
	require.NoError(t, err)

	verifier, err := auth.NewPayloadVerifier(flowSecret, auth.WithHMACClock(clock))
	require.NoError(t, err)
	relay, err := payments.NewEnvelopeProvider(payments.EnvelopeProviderConfig{
		Verifier:    verifier,
		CheckoutURL: "https://pay.test/checkout",
		Clock:       clock,
	})
	require.NoError(t, err)
	manager, err := payments.NewManager([]payments.Provider{relay})
	require.NoError(t, err)

	webhooks, err := services.NewWebhookService(services.WebhookServiceDeps{
		Gateway:   manager,
		Events:    registry.PaymentEvents(),
		Orders:    orders,
		Downloads: downloads,
		Clock:     clock,
	})
	require.NoError(t, err)
	snapshots, err := services.NewCartSnapshotService(services.CartSnapshotServiceDeps{Carts: registry.Carts(), Clock: clock})
	require.NoError(t, err)
	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Snapshots:  snapshots,
		Orders:     orders,
		Payments:   manager,
		SuccessURL: "https://shop.test/orders/{orderId}",
		CancelURL:  "https://shop.test/cart",
	})
	require.NoError(t, err)

	router := NewRouter(
		WithCheckoutRoutes(NewCheckoutHandlers(checkout, idempotency.Middleware(idempotency.NewMemoryStore(), idempotency.WithClock(clock))).Routes),
		WithWebhookRoutes(NewWebhookHandlers(webhooks).Routes),
		WithDownloadRoutes(NewDownloadHandlers(downloads).Routes),
		WithOrderRoutes(NewOrderHandlers(orders, downloads).Routes),
	)
	return &flowEnv{router: router, registry: registry}
}

func (e *flowEnv) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec, decodeBody(t, rec)
}

func signedDelivery(t *testing.T, secret string, payload map[string]any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	ts := strconv.FormatInt(fixedNow.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", strings.NewReader(string(raw)))
	req.Header.Set(auth.DefaultTimestampHeader, ts)
	req.Header.Set(auth.DefaultSignatureHeader, auth.SignHex(secret, ts, raw))
	return req
}

func TestCheckoutToDownloadFlow(t *testing.T) {
	env := newFlowEnv(t)
	env.registry.CartStore().Put(domain.Cart{
		BuyerRef: "buyer_1",
		Currency: "USD",
		Items: []domain.CartItem{
			{ID: "item_1", ProductID: "prod_1", SellerID: "seller_1", Title: "Seal", UnitPrice: decimal.RequireFromString("10.00")},
			{ID: "item_2", ProductID: "prod_2", SellerID: "seller_2", Title: "Stamp", UnitPrice: decimal.RequireFromString("20.00")},
		},
	})

	checkoutReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(`{"buyerRef":"buyer_1"}`))
		req.Header.Set("Idempotency-Key", "checkout-1")
		return req
	}
	rec, created := env.do(t, checkoutReq())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	orderID := created["orderId"].(string)
	assert.True(t, strings.HasPrefix(created["orderNumber"].(string), "ORD-20250301-"))
	assert.Equal(t, "30.00", created["totalAmount"])
	assert.Equal(t, "relay", created["paymentProvider"])
	assert.Contains(t, created["redirectUrl"], "https://pay.test/checkout?")
	paymentRef := created["paymentReference"].(string)
	require.NotEmpty(t, paymentRef)

	rec, replayed := env.do(t, checkoutReq())
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, orderID, replayed["orderId"])

	rec, forged := env.do(t, signedDelivery(t, "wrong-secret", map[string]any{"id": "evt_forged", "type": "payment_succeeded"}))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, services.CodeWebhookSignature, forged["error"])

	succeeded := map[string]any{
		"id":   "evt_paid",
		"type": "payment_succeeded",
		"data": map[string]any{
			"orderId":          orderID,
			"paymentReference": paymentRef,
			"amount":           "30.00",
			"currency":         "USD",
		},
	}
	rec, ack := env.do(t, signedDelivery(t, flowSecret, succeeded))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "evt_paid", ack["eventId"])
	assert.Equal(t, "applied", ack["outcome"])

	rec, ack = env.do(t, signedDelivery(t, flowSecret, succeeded))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", ack["outcome"])

	rec, order := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+orderID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMPLETED", order["status"])
	assert.Equal(t, "3.00", order["platformFee"])
	assert.NotEmpty(t, order["paidAt"])

	rec, listing := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+orderID+"/downloads", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	grants := listing["grants"].([]any)
	require.Len(t, grants, 2)
	token := grants[0].(map[string]any)["token"].(string)

	for i := 1; i <= 3; i++ {
		rec, redeemed := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/downloads/"+token, nil))
		require.Equal(t, http.StatusOK, rec.Code, fmt.Sprintf("redemption %d: %s", i, rec.Body.String()))
		assert.EqualValues(t, 3-i, redeemed["remaining"])
	}
	rec, exhausted := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/downloads/"+token, nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, services.CodeTokenExhausted, exhausted["error"])

	refunded := map[string]any{
		"id":   "evt_refund",
		"type": "refunded",
		"data": map[string]any{"orderId": orderID},
	}
	rec, _ = env.do(t, signedDelivery(t, flowSecret, refunded))
	require.Equal(t, http.StatusOK, rec.Code)

	other := grants[1].(map[string]any)["token"].(string)
	rec, revoked := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/downloads/"+other, nil))
	require.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, services.CodeTokenRevoked, revoked["error"])
}

func TestCheckoutEmptyCartIsRejected(t *testing.T) {
	env := newFlowEnv(t)
	rec, body := env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(`{"buyerRef":"nobody"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, services.CodeEmptyCart, body["error"])
}
