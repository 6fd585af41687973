package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hanko-field/orders/internal/payments"
)

const orderIDPlaceholder = "{orderId}"

// checkoutSessionManager abstracts payments.Manager for easier testing.
type checkoutSessionManager interface {
	CreateSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.SessionRequest) (payments.Session, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Snapshots CartSnapshotService
	Orders    OrderService
	Payments  checkoutSessionManager
	// SuccessURL and CancelURL may contain {orderId}, replaced with the new order's ID.
	SuccessURL string
	CancelURL  string
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	snapshots  CartSnapshotService
	orders     OrderService
	payments   checkoutSessionManager
	successURL string
	cancelURL  string
	logger     func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Snapshots == nil {
		return nil, errors.New("checkout service: cart snapshot service is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order service is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment manager is required")
	}
	successURL := strings.TrimSpace(deps.SuccessURL)
	cancelURL := strings.TrimSpace(deps.CancelURL)
	if successURL == "" || cancelURL == "" {
		return nil, errors.New("checkout service: success and cancel urls are required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		snapshots:  deps.Snapshots,
		orders:     deps.Orders,
		payments:   deps.Payments,
		successURL: successURL,
		cancelURL:  cancelURL,
		logger:     logger,
	}, nil
}

// Checkout snapshots the cart, creates a PENDING order and opens a gateway session for it. When the
// gateway fails the order stays PENDING and the returned result still carries it, so a retry with a new
// checkout never reuses a half-initialised session.
func (s *checkoutService) Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error) {
	buyerRef := strings.TrimSpace(cmd.BuyerRef)
	if buyerRef == "" {
		return CheckoutResult{}, fmt.Errorf("%w: buyer reference is required", ErrInvalidInput)
	}

	snapshot, err := s.snapshots.Snapshot(ctx, buyerRef, cmd.ItemIDs)
	if err != nil {
		return CheckoutResult{}, err
	}
	if snapshot.Empty() {
		if len(cmd.ItemIDs) > 0 {
			return CheckoutResult{}, fmt.Errorf("%w: no cart items match the requested ids", ErrEmptyCart)
		}
		return CheckoutResult{}, fmt.Errorf("%w: cart is empty", ErrEmptyCart)
	}

	order, err := s.orders.Create(ctx, CreateOrderCommand{Snapshot: snapshot, BuyerRef: buyerRef})
	if err != nil {
		return CheckoutResult{}, err
	}

	items := make([]payments.LineItem, 0, len(order.LineItems))
	for _, item := range order.LineItems {
		items = append(items, payments.LineItem{ProductID: item.ProductID, Title: item.Title, Amount: item.UnitPrice})
	}
	idempotencyKey := strings.TrimSpace(cmd.IdempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = order.ID
	}

	session, err := s.payments.CreateSession(ctx, payments.PaymentContext{
		PreferredProvider: cmd.PreferredProvider,
		Currency:          order.Currency,
	}, payments.SessionRequest{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		BuyerRef:       order.BuyerRef,
		Amount:         order.TotalAmount,
		Currency:       order.Currency,
		Items:          items,
		PlatformFee:    order.PlatformFee,
		SuccessURL:     strings.ReplaceAll(s.successURL, orderIDPlaceholder, order.ID),
		CancelURL:      strings.ReplaceAll(s.cancelURL, orderIDPlaceholder, order.ID),
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		s.logger(ctx, "checkout.gateway_failed", map[string]any{
			"orderId": order.ID,
			"error":   err,
		})
		return CheckoutResult{Order: order}, wrapGatewayError(err)
	}

	attached, err := s.orders.AttachPaymentReference(ctx, order.ID, session.Provider, session.ExternalReference)
	if err != nil {
		// the gateway session exists; a payment webhook will attach it later
		s.logger(ctx, "checkout.attach_failed", map[string]any{
			"orderId":          order.ID,
			"paymentReference": session.ExternalReference,
			"error":            err,
		})
		return CheckoutResult{Order: order}, err
	}

	s.logger(ctx, "checkout.session.created", map[string]any{
		"orderId":     attached.ID,
		"orderNumber": attached.OrderNumber,
		"provider":    session.Provider,
		"total":       attached.TotalAmount.String(),
	})

	return CheckoutResult{
		Order:            attached,
		RedirectURL:      session.RedirectURL,
		PaymentProvider:  session.Provider,
		PaymentReference: session.ExternalReference,
		SessionExpiresAt: session.ExpiresAt,
	}, nil
}
