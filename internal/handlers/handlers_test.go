package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/idempotency"
	"github.com/hanko-field/orders/internal/services"
)

var fixedNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type stubCheckout struct {
	fn   func(ctx context.Context, cmd services.CheckoutCommand) (services.CheckoutResult, error)
	last services.CheckoutCommand
}

func (s *stubCheckout) Checkout(ctx context.Context, cmd services.CheckoutCommand) (services.CheckoutResult, error) {
	s.last = cmd
	return s.fn(ctx, cmd)
}

type stubWebhooks struct {
	fn       func(ctx context.Context, delivery services.WebhookDelivery) (services.WebhookResult, error)
	payloads [][]byte
}

func (s *stubWebhooks) Handle(ctx context.Context, delivery services.WebhookDelivery) (services.WebhookResult, error) {
	s.payloads = append(s.payloads, delivery.Payload)
	return s.fn(ctx, delivery)
}

type stubDownloads struct {
	services.DownloadService
	redeemFn func(ctx context.Context, token string) (services.Redemption, error)
	listFn   func(ctx context.Context, orderID string) ([]services.DownloadGrant, error)
}

func (s *stubDownloads) Redeem(ctx context.Context, token string) (services.Redemption, error) {
	return s.redeemFn(ctx, token)
}

func (s *stubDownloads) ListGrants(ctx context.Context, orderID string) ([]services.DownloadGrant, error) {
	return s.listFn(ctx, orderID)
}

type stubOrders struct {
	services.OrderService
	getFn func(ctx context.Context, orderID string) (services.Order, error)
}

func (s *stubOrders) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	return s.getFn(ctx, orderID)
}

type stubSystem struct {
	report services.SystemHealthReport
	err    error
}

func (s stubSystem) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func sampleOrder() services.Order {
	return services.Order{
		ID:          "ord_1",
		OrderNumber: "ORD-20250301-001",
		BuyerRef:    "buyer_1",
		Status:      domain.OrderStatusPending,
		Currency:    "USD",
		LineItems: []services.OrderLineItem{
			{ProductID: "prod_1", SellerID: "seller_1", Title: "Seal", UnitPrice: decimal.RequireFromString("12.5")},
		},
		Subtotal:     decimal.RequireFromString("12.5"),
		PlatformFee:  decimal.RequireFromString("1.25"),
		SellerAmount: decimal.RequireFromString("11.25"),
		TotalAmount:  decimal.RequireFromString("12.5"),
		CreatedAt:    fixedNow,
		UpdatedAt:    fixedNow,
	}
}

func TestHealthzReportsBuildInfo(t *testing.T) {
	h := NewHealthHandlers(
		WithHealthClock(func() time.Time { return fixedNow.Add(90 * time.Second) }),
		WithHealthBuildInfo(services.BuildInfo{Version: "1.2.3", CommitSHA: "abc123", Environment: "test", StartedAt: fixedNow}),
	)
	router := NewRouter(WithHealthHandlers(h))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, "abc123", body["commitSha"])
	assert.Equal(t, "test", body["environment"])
	assert.Equal(t, "1m30s", body["uptime"])
}

func TestReadyzStatusFollowsReport(t *testing.T) {
	ok := stubSystem{report: services.SystemHealthReport{
		Status: domain.HealthStatusOK,
		Checks: map[string]domain.SystemHealthCheck{
			"postgres": {Status: domain.HealthStatusOK, Latency: 3 * time.Millisecond},
		},
	}}
	router := NewRouter(WithHealthHandlers(NewHealthHandlers(WithHealthSystemService(ok))))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["postgres"].(map[string]any)["status"])

	degraded := stubSystem{report: services.SystemHealthReport{
		Status: domain.HealthStatusDegraded,
		Checks: map[string]domain.SystemHealthCheck{
			"postgres": {Status: domain.HealthStatusOK},
			"pubsub":   {Status: domain.HealthStatusDegraded, Error: "publish failed"},
		},
	}}
	router = NewRouter(WithHealthHandlers(NewHealthHandlers(WithHealthSystemService(degraded))))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, []any{"pubsub: publish failed"}, body["details"])

	failing := stubSystem{err: errors.New("boom")}
	router = NewRouter(WithHealthHandlers(NewHealthHandlers(WithHealthSystemService(failing))))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "health_unavailable", decodeBody(t, rec)["error"])
}

func TestRouterUnknownRouteUsesEnvelope(t *testing.T) {
	router := NewRouter()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, errorNotFoundCode, body["error"])
	assert.NotEmpty(t, body["request_id"])
}

func TestRouterServesMetricsAndCustomBasePath(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("orders_http_requests_total 1\n"))
	})
	orders := &stubOrders{getFn: func(context.Context, string) (services.Order, error) { return sampleOrder(), nil }}
	router := NewRouter(
		WithBasePath(""),
		WithMetricsHandler(metrics),
		WithOrderRoutes(NewOrderHandlers(orders, nil).Routes),
	)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "orders_http_requests_total")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckoutCreatesOrder(t *testing.T) {
	checkout := &stubCheckout{fn: func(_ context.Context, cmd services.CheckoutCommand) (services.CheckoutResult, error) {
		order := sampleOrder()
		order.Status = domain.OrderStatusProcessing
		return services.CheckoutResult{
			Order:            order,
			RedirectURL:      "https://pay.test/cs_1",
			PaymentProvider:  "stripe",
			PaymentReference: "cs_1",
			SessionExpiresAt: fixedNow.Add(time.Hour),
		}, nil
	}}
	store := idempotency.NewMemoryStore()
	router := NewRouter(WithCheckoutRoutes(NewCheckoutHandlers(checkout, idempotency.Middleware(store)).Routes))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout",
		strings.NewReader(`{"buyerRef":" buyer_1 ","itemIds":["item_1"," ",""],"provider":"Stripe"}`))
	req.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "ord_1", body["orderId"])
	assert.Equal(t, "ORD-20250301-001", body["orderNumber"])
	assert.Equal(t, "12.50", body["totalAmount"])
	assert.Equal(t, "https://pay.test/cs_1", body["redirectUrl"])
	assert.Equal(t, "cs_1", body["paymentReference"])
	assert.Equal(t, "PROCESSING", body["status"])

	assert.Equal(t, "buyer_1", checkout.last.BuyerRef)
	assert.Equal(t, []string{"item_1"}, checkout.last.ItemIDs)
	assert.Equal(t, "stripe", checkout.last.PreferredProvider)
	assert.Equal(t, "key-1", checkout.last.IdempotencyKey)
}

func TestCheckoutValidation(t *testing.T) {
	checkout := &stubCheckout{fn: func(context.Context, services.CheckoutCommand) (services.CheckoutResult, error) {
		t.Fatal("service must not be called")
		return services.CheckoutResult{}, nil
	}}
	router := NewRouter(WithCheckoutRoutes(NewCheckoutHandlers(checkout).Routes))

	for name, payload := range map[string]string{
		"missing buyer": `{"itemIds":["a"]}`,
		"malformed":     `{"buyerRef":`,
		"unknown field": `{"buyerRef":"b","coupon":"x"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(payload)))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_request", decodeBody(t, rec)["error"])
		})
	}
}

func TestCheckoutErrorMapping(t *testing.T) {
	cases := []struct {
		err       error
		status    int
		code      string
		retryable bool
	}{
		{services.ErrEmptyCart, http.StatusBadRequest, services.CodeEmptyCart, false},
		{fmt.Errorf("%w: timeout", services.ErrGatewayUnavailable), http.StatusServiceUnavailable, services.CodeGatewayUnavailable, true},
		{services.ErrGatewayDeclined, http.StatusPaymentRequired, services.CodeGatewayDeclined, false},
		{services.ErrGatewayRejected, http.StatusBadGateway, services.CodeGatewayRejected, false},
		{services.ErrCounterUnavailable, http.StatusServiceUnavailable, services.CodeCounterUnavailable, true},
		{errors.New("unexpected"), http.StatusInternalServerError, services.CodeInternal, true},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			checkout := &stubCheckout{fn: func(context.Context, services.CheckoutCommand) (services.CheckoutResult, error) {
				return services.CheckoutResult{}, tc.err
			}}
			router := NewRouter(WithCheckoutRoutes(NewCheckoutHandlers(checkout).Routes))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(`{"buyerRef":"b"}`)))

			require.Equal(t, tc.status, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tc.code, body["error"])
			assert.Equal(t, tc.retryable, body["retryable"])
			assert.NotContains(t, rec.Body.String(), "unexpected")
		})
	}
}

func TestWebhookAcknowledgesDelivery(t *testing.T) {
	webhooks := &stubWebhooks{fn: func(_ context.Context, d services.WebhookDelivery) (services.WebhookResult, error) {
		assert.Equal(t, "sig", d.Header.Get("X-Signature"))
		return services.WebhookResult{Ack: true, EventID: "evt_1", Outcome: domain.PaymentEventOutcomeApplied}, nil
	}}
	router := NewRouter(WithWebhookRoutes(NewWebhookHandlers(webhooks).Routes))

	raw := []byte(`{"id":"evt_1",  "type":"payment_succeeded"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", bytes.NewReader(raw))
	req.Header.Set("X-Signature", "sig")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, "evt_1", body["eventId"])
	assert.Equal(t, "applied", body["outcome"])
	require.Len(t, webhooks.payloads, 1)
	assert.Equal(t, raw, webhooks.payloads[0], "body must reach the service byte for byte")
}

func TestWebhookFailures(t *testing.T) {
	cases := []struct {
		name   string
		result services.WebhookResult
		err    error
		status int
		code   string
	}{
		{"signature", services.WebhookResult{}, fmt.Errorf("%w: mismatch", services.ErrWebhookSignature), http.StatusUnauthorized, services.CodeWebhookSignature},
		{"store", services.WebhookResult{}, fmt.Errorf("%w: down", services.ErrStoreUnavailable), http.StatusServiceUnavailable, services.CodeStoreUnavailable},
		{"not acked", services.WebhookResult{Ack: false}, nil, http.StatusServiceUnavailable, "webhook_not_acknowledged"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			webhooks := &stubWebhooks{fn: func(context.Context, services.WebhookDelivery) (services.WebhookResult, error) {
				return tc.result, tc.err
			}}
			router := NewRouter(WithWebhookRoutes(NewWebhookHandlers(webhooks).Routes))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", strings.NewReader("{}")))
			require.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decodeBody(t, rec)["error"])
		})
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	webhooks := &stubWebhooks{fn: func(context.Context, services.WebhookDelivery) (services.WebhookResult, error) {
		t.Fatal("service must not be called")
		return services.WebhookResult{}, nil
	}}
	h := NewWebhookHandlers(webhooks)
	h.bodyLimit = 8
	router := NewRouter(WithWebhookRoutes(h.Routes))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", strings.NewReader(`{"id":"evt_123456"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func sampleRedemption() services.Redemption {
	return services.Redemption{
		File: services.FileReference{ProductID: "prod_1", URL: "https://files.test/prod_1?sig=x", ExpiresAt: fixedNow.Add(5 * time.Minute)},
		Grant: services.DownloadGrant{
			Token:         "tok_1",
			ProductID:     "prod_1",
			DownloadLimit: 5,
			DownloadCount: 2,
			IsActive:      true,
		},
	}
}

func TestDownloadRedeemJSONAndRedirect(t *testing.T) {
	downloads := &stubDownloads{redeemFn: func(_ context.Context, token string) (services.Redemption, error) {
		assert.Equal(t, "tok_1", token)
		return sampleRedemption(), nil
	}}
	router := NewRouter(WithDownloadRoutes(NewDownloadHandlers(downloads).Routes))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/downloads/tok_1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "tok_1", body["token"])
	assert.Equal(t, "prod_1", body["productId"])
	assert.Equal(t, "https://files.test/prod_1?sig=x", body["url"])
	assert.EqualValues(t, 3, body["remaining"])
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/downloads/tok_1?redirect=1", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://files.test/prod_1?sig=x", rec.Header().Get("Location"))
}

func TestDownloadErrorMapping(t *testing.T) {
	cases := map[error]int{
		services.ErrTokenNotFound:  http.StatusNotFound,
		services.ErrTokenExpired:   http.StatusGone,
		services.ErrTokenRevoked:   http.StatusGone,
		services.ErrTokenExhausted: http.StatusTooManyRequests,
	}
	for sentinel, status := range cases {
		t.Run(sentinel.Error(), func(t *testing.T) {
			downloads := &stubDownloads{redeemFn: func(context.Context, string) (services.Redemption, error) {
				return services.Redemption{}, sentinel
			}}
			router := NewRouter(WithDownloadRoutes(NewDownloadHandlers(downloads).Routes))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/downloads/tok_1", nil))
			assert.Equal(t, status, rec.Code)
		})
	}
}

func TestDownloadRateLimitPerClient(t *testing.T) {
	calls := 0
	downloads := &stubDownloads{redeemFn: func(context.Context, string) (services.Redemption, error) {
		calls++
		return sampleRedemption(), nil
	}}
	now := fixedNow
	handlers := NewDownloadHandlers(downloads, WithDownloadRateLimit(2, func() time.Time { return now }))
	router := NewRouter(WithDownloadRoutes(handlers.Routes))

	fetch := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/downloads/tok_1", nil)
		req.RemoteAddr = ip + ":5000"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, fetch("10.0.0.1"))
	assert.Equal(t, http.StatusOK, fetch("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, fetch("10.0.0.1"))
	assert.Equal(t, http.StatusOK, fetch("10.0.0.2"))

	now = now.Add(30 * time.Second)
	assert.Equal(t, http.StatusOK, fetch("10.0.0.1"))
	assert.Equal(t, 4, calls)
}

func TestOrderEndpoints(t *testing.T) {
	orders := &stubOrders{getFn: func(_ context.Context, orderID string) (services.Order, error) {
		if orderID != "ord_1" {
			return services.Order{}, fmt.Errorf("%w: %s", services.ErrOrderNotFound, orderID)
		}
		return sampleOrder(), nil
	}}
	downloads := &stubDownloads{listFn: func(context.Context, string) ([]services.DownloadGrant, error) {
		return []services.DownloadGrant{sampleRedemption().Grant}, nil
	}}
	router := NewRouter(WithOrderRoutes(NewOrderHandlers(orders, downloads).Routes))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, "1.25", body["platformFee"])
	assert.Equal(t, "11.25", body["sellerAmount"])
	items := body["lineItems"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "12.50", items[0].(map[string]any)["unitPrice"])
	assert.NotContains(t, body, "paidAt")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_2", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, services.CodeOrderNotFound, decodeBody(t, rec)["error"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1/downloads", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	grants := decodeBody(t, rec)["grants"].([]any)
	require.Len(t, grants, 1)
	assert.Equal(t, "tok_1", grants[0].(map[string]any)["token"])
}
