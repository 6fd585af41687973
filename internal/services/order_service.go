package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"

	orderIDPrefix = "ord_"

	maxUpdateAttempts     = 5
	maxCancelReasonLength = 500
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:       {domain.OrderStatusCompleted, domain.OrderStatusRefunded, domain.OrderStatusDisputed},
	domain.OrderStatusCompleted:  {domain.OrderStatusRefunded, domain.OrderStatusDisputed},
	domain.OrderStatusDisputed:   {domain.OrderStatusCompleted, domain.OrderStatusRefunded},
}

// TransitionRecorder observes applied status transitions.
type TransitionRecorder interface {
	RecordTransition(from, to string)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders          repositories.OrderRepository
	Counters        CounterService
	Fees            *FeeCalculator
	Notifier        Notifier
	Metrics         TransitionRecorder
	DefaultCurrency string
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders          repositories.OrderRepository
	counters        CounterService
	fees            *FeeCalculator
	notifier        Notifier
	metrics         TransitionRecorder
	defaultCurrency string
	policy          *bluemonday.Policy
	clock           func() time.Time
	newID           func() string
	logger          func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter service is required")
	}

	fees := deps.Fees
	if fees == nil {
		fees = &FeeCalculator{rate: DefaultPlatformFeeRate}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "JPY"
	}

	return &orderService{
		orders:          deps.Orders,
		counters:        deps.Counters,
		fees:            fees,
		notifier:        deps.Notifier,
		metrics:         deps.Metrics,
		defaultCurrency: currency,
		policy:          bluemonday.StrictPolicy(),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	snapshot := cmd.Snapshot
	if snapshot.Empty() {
		return Order{}, fmt.Errorf("%w: snapshot has no items", ErrEmptyCart)
	}
	buyerRef := strings.TrimSpace(cmd.BuyerRef)
	if buyerRef == "" {
		buyerRef = strings.TrimSpace(snapshot.BuyerRef)
	}
	if buyerRef == "" {
		return Order{}, fmt.Errorf("%w: buyer reference is required", ErrInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(snapshot.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}

	items := make([]OrderLineItem, 0, len(snapshot.Items))
	for _, item := range snapshot.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return Order{}, fmt.Errorf("%w: snapshot item %q has no product", ErrInvalidInput, item.ItemID)
		}
		if item.UnitPrice.IsNegative() {
			return Order{}, fmt.Errorf("%w: product %s has a negative price", ErrInvalidInput, item.ProductID)
		}
		items = append(items, OrderLineItem{
			ProductID: item.ProductID,
			SellerID:  item.SellerID,
			Title:     item.Title,
			UnitPrice: item.UnitPrice,
		})
	}
	breakdown := s.fees.Compute(currency, items)

	now := s.clock()
	number, err := s.counters.NextOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}

	order := Order{
		ID:              orderIDPrefix + s.newID(),
		OrderNumber:     number,
		BuyerRef:        buyerRef,
		Status:          domain.OrderStatusPending,
		Currency:        currency,
		LineItems:       items,
		Subtotal:        breakdown.Subtotal,
		PlatformFeeRate: breakdown.PlatformFeeRate,
		PlatformFee:     breakdown.PlatformFee,
		SellerAmount:    breakdown.SellerAmount,
		TotalAmount:     breakdown.TotalAmount,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}

	s.recordTransition("", order.Status)
	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventCreated,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		BuyerRef:    order.BuyerRef,
		Status:      order.Status,
		OccurredAt:  now,
		Metadata: map[string]string{
			"totalAmount": order.TotalAmount.String(),
			"currency":    order.Currency,
		},
	})
	return order, nil
}

func (s *orderService) AttachPaymentReference(ctx context.Context, orderID, provider, paymentRef string) (Order, error) {
	provider = strings.TrimSpace(provider)
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return Order{}, fmt.Errorf("%w: payment reference is required", ErrInvalidInput)
	}
	return s.mutate(ctx, orderID, nil, func(order *Order, now time.Time) (bool, error) {
		if order.PaymentReference == paymentRef && order.Status != domain.OrderStatusPending {
			return false, nil
		}
		if order.Status != domain.OrderStatusPending {
			return false, invalidTransition(order.Status, domain.OrderStatusProcessing)
		}
		order.Status = domain.OrderStatusProcessing
		order.PaymentReference = paymentRef
		if provider != "" {
			order.PaymentProvider = provider
		}
		return true, nil
	})
}

func (s *orderService) MarkPaid(ctx context.Context, orderID string, amountReceived decimal.Decimal) (Order, error) {
	return s.mutate(ctx, orderID, nil, func(order *Order, now time.Time) (bool, error) {
		switch order.Status {
		case domain.OrderStatusPaid, domain.OrderStatusCompleted:
			if !amountReceived.Equal(order.TotalAmount) {
				return false, amountMismatch(order, amountReceived)
			}
			return false, nil
		case domain.OrderStatusProcessing:
		default:
			return false, invalidTransition(order.Status, domain.OrderStatusPaid)
		}
		if !amountReceived.Equal(order.TotalAmount) {
			return false, amountMismatch(order, amountReceived)
		}
		order.Status = domain.OrderStatusPaid
		if order.PaidAt == nil {
			order.PaidAt = &now
		}
		return true, nil
	})
}

func (s *orderService) Complete(ctx context.Context, orderID string) (Order, error) {
	return s.mutate(ctx, orderID, nil, moveTo(domain.OrderStatusCompleted, domain.OrderStatusPaid))
}

func (s *orderService) Cancel(ctx context.Context, orderID, reason string) (Order, error) {
	reason = s.sanitizeReason(reason)
	metadata := map[string]string{}
	if reason != "" {
		metadata["reason"] = reason
	}
	return s.mutate(ctx, orderID, metadata, func(order *Order, now time.Time) (bool, error) {
		changed, err := moveTo(domain.OrderStatusCancelled, domain.OrderStatusPending, domain.OrderStatusProcessing)(order, now)
		if changed {
			order.CancelReason = reason
		}
		return changed, err
	})
}

func (s *orderService) Refund(ctx context.Context, orderID string) (Order, error) {
	return s.mutate(ctx, orderID, nil, moveTo(domain.OrderStatusRefunded,
		domain.OrderStatusPaid, domain.OrderStatusCompleted, domain.OrderStatusDisputed))
}

func (s *orderService) Dispute(ctx context.Context, orderID string) (Order, error) {
	return s.mutate(ctx, orderID, nil, moveTo(domain.OrderStatusDisputed, domain.OrderStatusPaid, domain.OrderStatusCompleted))
}

func (s *orderService) ResolveDispute(ctx context.Context, orderID string, won bool) (Order, error) {
	target := domain.OrderStatusRefunded
	if won {
		target = domain.OrderStatusCompleted
	}
	metadata := map[string]string{"dispute": "lost"}
	if won {
		metadata["dispute"] = "won"
	}
	return s.mutate(ctx, orderID, metadata, moveTo(target, domain.OrderStatusDisputed))
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	return order, nil
}

func (s *orderService) GetByPaymentReference(ctx context.Context, paymentRef string) (Order, error) {
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return Order{}, fmt.Errorf("%w: payment reference is required", ErrInvalidInput)
	}
	order, err := s.orders.FindByPaymentReference(ctx, paymentRef)
	if err != nil {
		return Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	return order, nil
}

type transitionFunc func(order *Order, now time.Time) (bool, error)

// mutate loads the order, applies fn to a copy and writes it back with a compare-and-swap on Version.
// A conflicting write reloads and re-evaluates fn against the fresh state. When fn reports no change
// the stored order is returned untouched.
func (s *orderService) mutate(ctx context.Context, orderID string, metadata map[string]string, fn transitionFunc) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		current, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return Order{}, mapRepositoryError(err, ErrOrderNotFound)
		}

		now := s.clock()
		next := current.Clone()
		changed, err := fn(&next, now)
		if err != nil {
			return current, err
		}
		if !changed {
			return current, nil
		}
		next.Version = current.Version + 1
		next.UpdatedAt = now

		err = s.orders.Update(ctx, next, current.Version)
		if err == nil {
			s.recordTransition(current.Status, next.Status)
			s.publishTransition(ctx, current.Status, next, now, metadata)
			return next, nil
		}
		if !repositories.IsConflict(err) {
			return Order{}, mapRepositoryError(err, ErrOrderNotFound)
		}
		s.logger(ctx, "order.update.conflict", map[string]any{
			"orderId": orderID,
			"attempt": attempt,
			"version": current.Version,
		})
	}
	return Order{}, fmt.Errorf("%w: order %s after %d attempts", ErrConcurrentUpdate, orderID, maxUpdateAttempts)
}

// moveTo transitions to target from one of the allowed states and stamps the matching timestamp. Being in
// target already is a no-op.
func moveTo(target domain.OrderStatus, from ...domain.OrderStatus) transitionFunc {
	return func(order *Order, now time.Time) (bool, error) {
		if order.Status == target {
			return false, nil
		}
		if !slices.Contains(from, order.Status) || !canTransition(order.Status, target) {
			return false, invalidTransition(order.Status, target)
		}
		order.Status = target
		stampTimestamp(order, target, now)
		return true, nil
	}
}

func stampTimestamp(order *Order, status domain.OrderStatus, now time.Time) {
	switch status {
	case domain.OrderStatusPaid:
		if order.PaidAt == nil {
			order.PaidAt = &now
		}
	case domain.OrderStatusCompleted:
		if order.CompletedAt == nil {
			order.CompletedAt = &now
		}
	case domain.OrderStatusCancelled:
		order.CancelledAt = &now
	case domain.OrderStatusRefunded:
		order.RefundedAt = &now
	case domain.OrderStatusDisputed:
		order.DisputedAt = &now
	}
}

func canTransition(current, target domain.OrderStatus) bool {
	if current == target {
		return true
	}
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func invalidTransition(from, to domain.OrderStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func amountMismatch(order *Order, received decimal.Decimal) error {
	return fmt.Errorf("%w: order %s expects %s %s, received %s", ErrAmountMismatch, order.ID, order.TotalAmount, order.Currency, received)
}

func (s *orderService) sanitizeReason(reason string) string {
	cleaned := strings.TrimSpace(s.policy.Sanitize(reason))
	if len(cleaned) <= maxCancelReasonLength {
		return cleaned
	}
	cut := maxCancelReasonLength
	for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
		cut--
	}
	return cleaned[:cut]
}

func (s *orderService) recordTransition(from, to domain.OrderStatus) {
	if s.metrics == nil {
		return
	}
	label := string(from)
	if label == "" {
		label = "NONE"
	}
	s.metrics.RecordTransition(label, string(to))
}

func (s *orderService) publishTransition(ctx context.Context, previous domain.OrderStatus, order Order, now time.Time, metadata map[string]string) {
	md := maps.Clone(metadata)
	if md == nil {
		md = map[string]string{}
	}
	md["previousStatus"] = string(previous)
	if order.PaymentReference != "" {
		md["paymentReference"] = order.PaymentReference
	}
	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventStatusChanged,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		BuyerRef:    order.BuyerRef,
		Status:      order.Status,
		OccurredAt:  now,
		Metadata:    md,
	})
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish_failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err,
			"status": string(event.Status),
		})
	}
}
