package services

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/repositories/memory"
)

var testNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, event OrderEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) statusEvents(status domain.OrderStatus) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, e := range n.events {
		if e.Type == orderEventStatusChanged && e.Status == status {
			count++
		}
	}
	return count
}

type stubFileLocator struct {
	locateFn func(ctx context.Context, productID string) (FileReference, error)
}

func (s *stubFileLocator) Locate(ctx context.Context, productID string) (FileReference, error) {
	if s.locateFn != nil {
		return s.locateFn(ctx, productID)
	}
	return FileReference{ProductID: productID, URL: "https://files.test/" + productID, ExpiresAt: testNow.Add(15 * time.Minute)}, nil
}

type stubGateway struct {
	createFn  func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.SessionRequest) (payments.Session, error)
	verifyFn  func(ctx context.Context, payload []byte, header http.Header) (payments.Event, error)
	captureFn func(ctx context.Context, provider string, req payments.CaptureRequest) (payments.CaptureResult, error)
}

func (s *stubGateway) CreateSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.SessionRequest) (payments.Session, error) {
	if s.createFn != nil {
		return s.createFn(ctx, paymentCtx, req)
	}
	return payments.Session{
		Provider:          "stripe",
		ExternalReference: "cs_" + req.OrderID,
		RedirectURL:       "https://checkout.test/" + req.OrderID,
		ExpiresAt:         testNow.Add(time.Hour),
	}, nil
}

func (s *stubGateway) VerifyEvent(ctx context.Context, payload []byte, header http.Header) (payments.Event, error) {
	return s.verifyFn(ctx, payload, header)
}

func (s *stubGateway) Capture(ctx context.Context, provider string, req payments.CaptureRequest) (payments.CaptureResult, error) {
	return s.captureFn(ctx, provider, req)
}

type harness struct {
	registry  *memory.Registry
	counters  *memory.CounterRepository
	notifier  *recordingNotifier
	gateway   *stubGateway
	files     *stubFileLocator
	orders    OrderService
	downloads DownloadService
	webhooks  WebhookService
	checkout  CheckoutService
	clock     *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		registry: memory.NewRegistry(),
		counters: memory.NewCounterRepository(),
		notifier: &recordingNotifier{},
		gateway:  &stubGateway{},
		files:    &stubFileLocator{},
		clock:    &testClock{now: testNow},
	}

	counters, err := NewCounterService(CounterServiceDeps{Repository: h.counters, Clock: h.clock.Now})
	if err != nil {
		t.Fatalf("counter service: %v", err)
	}
	fees, err := NewFeeCalculator(decimal.RequireFromString("0.10"))
	if err != nil {
		t.Fatalf("fee calculator: %v", err)
	}
	h.orders, err = NewOrderService(OrderServiceDeps{
		Orders:          h.registry.Orders(),
		Counters:        counters,
		Fees:            fees,
		Notifier:        h.notifier,
		DefaultCurrency: "USD",
		Clock:           h.clock.Now,
	})
	if err != nil {
		t.Fatalf("order service: %v", err)
	}
	h.downloads, err = NewDownloadService(DownloadServiceDeps{
		Orders: h.orders,
		Grants: h.registry.DownloadGrants(),
		Files:  h.files,
		Clock:  h.clock.Now,
	})
	if err != nil {
		t.Fatalf("download service: %v", err)
	}
	h.webhooks, err = NewWebhookService(WebhookServiceDeps{
		Gateway:   h.gateway,
		Events:    h.registry.PaymentEvents(),
		Orders:    h.orders,
		Downloads: h.downloads,
		Clock:     h.clock.Now,
	})
	if err != nil {
		t.Fatalf("webhook service: %v", err)
	}
	snapshots, err := NewCartSnapshotService(CartSnapshotServiceDeps{Carts: h.registry.Carts(), Clock: h.clock.Now})
	if err != nil {
		t.Fatalf("snapshot service: %v", err)
	}
	h.checkout, err = NewCheckoutService(CheckoutServiceDeps{
		Snapshots:  snapshots,
		Orders:     h.orders,
		Payments:   h.gateway,
		SuccessURL: "https://shop.test/orders/{orderId}/complete",
		CancelURL:  "https://shop.test/cart",
	})
	if err != nil {
		t.Fatalf("checkout service: %v", err)
	}
	return h
}

func (h *harness) putCart(buyerRef string, prices ...string) {
	items := make([]domain.CartItem, 0, len(prices))
	for i, price := range prices {
		suffix := string(rune('1' + i))
		items = append(items, domain.CartItem{
			ID:        "item_" + suffix,
			ProductID: "prod_" + suffix,
			SellerID:  "seller_" + suffix,
			Title:     "Product " + suffix,
			UnitPrice: decimal.RequireFromString(price),
		})
	}
	h.registry.CartStore().Put(domain.Cart{BuyerRef: buyerRef, Currency: "USD", Items: items})
}

func snapshotOf(buyerRef string, prices ...string) CartSnapshot {
	items := make([]domain.CartSnapshotItem, 0, len(prices))
	for i, price := range prices {
		suffix := string(rune('1' + i))
		items = append(items, domain.CartSnapshotItem{
			ItemID:    "item_" + suffix,
			ProductID: "prod_" + suffix,
			SellerID:  "seller_" + suffix,
			UnitPrice: decimal.RequireFromString(price),
		})
	}
	return CartSnapshot{BuyerRef: buyerRef, Currency: "USD", Items: items, CapturedAt: testNow}
}

// processingOrder creates an order and attaches a gateway session to it.
func (h *harness) processingOrder(t *testing.T, prices ...string) Order {
	t.Helper()
	ctx := context.Background()
	order, err := h.orders.Create(ctx, CreateOrderCommand{Snapshot: snapshotOf("buyer_1", prices...)})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	order, err = h.orders.AttachPaymentReference(ctx, order.ID, "stripe", "cs_"+order.ID)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	return order
}
