package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
	"github.com/hanko-field/orders/internal/repositories/memory"
)

type stubOrderRepo struct {
	insertFn func(context.Context, domain.Order) error
	updateFn func(context.Context, domain.Order, int64) error
	findFn   func(context.Context, string) (domain.Order, error)
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) Update(ctx context.Context, order domain.Order, expectedVersion int64) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, order, expectedVersion)
	}
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, repositories.NewNotFoundError("orders.find", orderID)
}

func (s *stubOrderRepo) FindByPaymentReference(context.Context, string) (domain.Order, error) {
	return domain.Order{}, repositories.NewNotFoundError("orders.find_by_payment", "")
}

type recordingTransitions struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingTransitions) RecordTransition(from, to string) {
	r.mu.Lock()
	r.calls = append(r.calls, from+">"+to)
	r.mu.Unlock()
}

func TestOrderServiceCreatePricesSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, err := h.orders.Create(ctx, CreateOrderCommand{Snapshot: snapshotOf("buyer_1", "100.00", "150.00")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", order.Status)
	}
	if order.OrderNumber != "ORD-20250301-001" {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if !strings.HasPrefix(order.ID, "ord_") {
		t.Fatalf("unexpected id %q", order.ID)
	}
	if order.Version != 1 {
		t.Fatalf("expected version 1, got %d", order.Version)
	}
	checks := map[string][2]decimal.Decimal{
		"subtotal": {order.Subtotal, decimal.RequireFromString("250")},
		"fee":      {order.PlatformFee, decimal.RequireFromString("25")},
		"seller":   {order.SellerAmount, decimal.RequireFromString("225")},
		"total":    {order.TotalAmount, decimal.RequireFromString("275")},
	}
	for name, pair := range checks {
		if !pair[0].Equal(pair[1]) {
			t.Fatalf("%s: expected %s, got %s", name, pair[1], pair[0])
		}
	}
	if len(order.LineItems) != 2 || order.LineItems[1].ProductID != "prod_2" {
		t.Fatalf("unexpected line items %+v", order.LineItems)
	}

	stored, err := h.orders.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.OrderNumber != order.OrderNumber {
		t.Fatalf("stored order differs: %+v", stored)
	}
	if len(h.notifier.events) != 1 || h.notifier.events[0].Type != orderEventCreated {
		t.Fatalf("expected created event, got %+v", h.notifier.events)
	}

	second, err := h.orders.Create(ctx, CreateOrderCommand{Snapshot: snapshotOf("buyer_2", "10")})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.OrderNumber != "ORD-20250301-002" {
		t.Fatalf("expected sequential number, got %q", second.OrderNumber)
	}
}

func TestOrderServiceCreateRejectsInvalidSnapshots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orders.Create(ctx, CreateOrderCommand{Snapshot: CartSnapshot{BuyerRef: "buyer_1"}}); !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected empty cart, got %v", err)
	}
	if _, err := h.orders.Create(ctx, CreateOrderCommand{Snapshot: snapshotOf("", "10")}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing buyer, got %v", err)
	}
	if _, err := h.orders.Create(ctx, CreateOrderCommand{Snapshot: snapshotOf("buyer_1", "-1")}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for negative price, got %v", err)
	}
}

func TestOrderServiceCreateFailsClosedWithoutCounter(t *testing.T) {
	h := newHarness(t)
	h.counters.SetUnavailable(true)

	_, err := h.orders.Create(context.Background(), CreateOrderCommand{Snapshot: snapshotOf("buyer_1", "10")})
	if !errors.Is(err, ErrCounterUnavailable) {
		t.Fatalf("expected counter unavailable, got %v", err)
	}
	if len(h.notifier.events) != 0 {
		t.Fatalf("no events expected when creation fails")
	}
	if code := Classify(err); !code.Retryable {
		t.Fatalf("expected counter failure to be retryable: %+v", code)
	}
}

func TestOrderServiceLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.processingOrder(t, "100", "150")

	if order.Status != domain.OrderStatusProcessing || order.PaymentProvider != "stripe" {
		t.Fatalf("unexpected order after attach: %+v", order)
	}
	if _, err := h.orders.MarkPaid(ctx, order.ID, decimal.RequireFromString("274.99")); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}

	paid, err := h.orders.MarkPaid(ctx, order.ID, decimal.RequireFromString("275.00"))
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if paid.Status != domain.OrderStatusPaid || paid.PaidAt == nil || !paid.PaidAt.Equal(testNow) {
		t.Fatalf("unexpected paid order: %+v", paid)
	}

	again, err := h.orders.MarkPaid(ctx, order.ID, decimal.RequireFromString("275"))
	if err != nil {
		t.Fatalf("repeat mark paid: %v", err)
	}
	if again.Version != paid.Version {
		t.Fatalf("repeat mark paid must not write, version %d -> %d", paid.Version, again.Version)
	}

	completed, err := h.orders.Complete(ctx, order.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.CompletedAt == nil {
		t.Fatalf("expected completedAt")
	}
	if _, err := h.orders.Cancel(ctx, order.ID, "too late"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on cancel, got %v", err)
	}

	disputed, err := h.orders.Dispute(ctx, order.ID)
	if err != nil || disputed.Status != domain.OrderStatusDisputed {
		t.Fatalf("dispute: %v %+v", err, disputed)
	}
	won, err := h.orders.ResolveDispute(ctx, order.ID, true)
	if err != nil || won.Status != domain.OrderStatusCompleted {
		t.Fatalf("resolve dispute: %v %+v", err, won)
	}
	refunded, err := h.orders.Refund(ctx, order.ID)
	if err != nil || refunded.Status != domain.OrderStatusRefunded || refunded.RefundedAt == nil {
		t.Fatalf("refund: %v %+v", err, refunded)
	}
	if _, err := h.orders.Complete(ctx, order.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("refunded orders are terminal, got %v", err)
	}

	last := h.notifier.events[len(h.notifier.events)-1]
	if last.Status != domain.OrderStatusRefunded || last.Metadata["previousStatus"] != string(domain.OrderStatusCompleted) {
		t.Fatalf("unexpected last event %+v", last)
	}
}

func TestOrderServiceRejectsIllegalTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pending, err := h.orders.Create(ctx, CreateOrderCommand{Snapshot: snapshotOf("buyer_1", "10")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []struct {
		name string
		call func() (Order, error)
	}{
		{"mark paid pending", func() (Order, error) { return h.orders.MarkPaid(ctx, pending.ID, pending.TotalAmount) }},
		{"complete pending", func() (Order, error) { return h.orders.Complete(ctx, pending.ID) }},
		{"refund pending", func() (Order, error) { return h.orders.Refund(ctx, pending.ID) }},
		{"dispute pending", func() (Order, error) { return h.orders.Dispute(ctx, pending.ID) }},
		{"resolve pending", func() (Order, error) { return h.orders.ResolveDispute(ctx, pending.ID, true) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order, err := tc.call()
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected invalid transition, got %v", err)
			}
			if order.Status != domain.OrderStatusPending {
				t.Fatalf("order must stay pending, got %s", order.Status)
			}
		})
	}

	if _, err := h.orders.GetOrder(ctx, "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.orders.MarkPaid(ctx, "ord_missing", decimal.NewFromInt(1)); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderServiceAttachIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.processingOrder(t, "10")

	same, err := h.orders.AttachPaymentReference(ctx, order.ID, "stripe", order.PaymentReference)
	if err != nil {
		t.Fatalf("repeat attach: %v", err)
	}
	if same.Version != order.Version {
		t.Fatalf("repeat attach must not write")
	}
	if _, err := h.orders.AttachPaymentReference(ctx, order.ID, "stripe", "cs_other"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for a second session, got %v", err)
	}

	found, err := h.orders.GetByPaymentReference(ctx, order.PaymentReference)
	if err != nil || found.ID != order.ID {
		t.Fatalf("lookup by payment reference: %v %+v", err, found)
	}
}

func TestOrderServiceCancelSanitizesReason(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order, err := h.orders.Create(ctx, CreateOrderCommand{Snapshot: snapshotOf("buyer_1", "10")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := h.orders.Cancel(ctx, order.ID, "<b>changed</b> my mind "+strings.Repeat("x", 600))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("unexpected cancelled order %+v", cancelled)
	}
	if strings.Contains(cancelled.CancelReason, "<b>") || len(cancelled.CancelReason) != maxCancelReasonLength {
		t.Fatalf("reason not sanitized: %q", cancelled.CancelReason)
	}
	if _, err := h.orders.Cancel(ctx, order.ID, "again"); err != nil {
		t.Fatalf("repeat cancel should be a no-op: %v", err)
	}
}

func TestOrderServiceCancelTruncatesOnRuneBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order, err := h.orders.Create(ctx, CreateOrderCommand{Snapshot: snapshotOf("buyer_1", "10")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := h.orders.Cancel(ctx, order.ID, "a"+strings.Repeat("あ", 300))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	reason := cancelled.CancelReason
	if !utf8.ValidString(reason) {
		t.Fatalf("reason is not valid utf-8")
	}
	if len(reason) != 499 || !strings.HasPrefix(reason, "aあ") {
		t.Fatalf("unexpected truncation: %d bytes", len(reason))
	}
}

func TestOrderServiceConcurrentMarkPaidAppliesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.processingOrder(t, "100")

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.orders.MarkPaid(ctx, order.ID, order.TotalAmount); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent mark paid: %v", err)
	}

	if got := h.notifier.statusEvents(domain.OrderStatusPaid); got != 1 {
		t.Fatalf("expected exactly one paid transition, got %d", got)
	}
	stored, err := h.orders.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Version != order.Version+1 {
		t.Fatalf("expected a single write, version %d", stored.Version)
	}
}

func TestOrderServiceGivesUpAfterRepeatedConflicts(t *testing.T) {
	order := domain.Order{ID: "ord_1", Status: domain.OrderStatusPaid, Version: 3, TotalAmount: decimal.NewFromInt(10)}
	updates := 0
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) { return order, nil },
		updateFn: func(context.Context, domain.Order, int64) error {
			updates++
			return repositories.NewConflictError("orders.update", "version moved")
		},
	}
	metrics := &recordingTransitions{}
	var logged []string
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:   repo,
		Counters: &stubCounterService{},
		Metrics:  metrics,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	_, err = svc.Complete(context.Background(), "ord_1")
	if !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected concurrent update, got %v", err)
	}
	if updates != maxUpdateAttempts || len(logged) != maxUpdateAttempts {
		t.Fatalf("expected %d attempts, got %d updates %d logs", maxUpdateAttempts, updates, len(logged))
	}
	if len(metrics.calls) != 0 {
		t.Fatalf("no transition should be recorded: %v", metrics.calls)
	}
}

func TestOrderServiceMapsStoreOutage(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{}, repositories.NewUnavailableError("orders.find", errors.New("connection refused"))
		},
	}
	svc, err := NewOrderService(OrderServiceDeps{Orders: repo, Counters: &stubCounterService{}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), "ord_1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestOrderServiceRecordsTransitions(t *testing.T) {
	counters, err := NewCounterService(CounterServiceDeps{Repository: memory.NewCounterRepository()})
	if err != nil {
		t.Fatalf("counter service: %v", err)
	}
	metrics := &recordingTransitions{}
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:   memory.NewOrderRepository(),
		Counters: counters,
		Metrics:  metrics,
		Clock:    func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	order, err := svc.Create(ctx, CreateOrderCommand{Snapshot: snapshotOf("buyer_1", "10")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Cancel(ctx, order.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	want := []string{"NONE>PENDING", "PENDING>CANCELLED"}
	if strings.Join(metrics.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected transitions %v", metrics.calls)
	}
}

type stubCounterService struct{}

func (stubCounterService) NextOrderNumber(context.Context, time.Time) (string, error) {
	return "ORD-20250301-001", nil
}
