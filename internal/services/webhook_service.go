package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/repositories"
)

// webhookGateway abstracts payments.Manager for easier testing.
type webhookGateway interface {
	VerifyEvent(ctx context.Context, payload []byte, header http.Header) (payments.Event, error)
	Capture(ctx context.Context, provider string, req payments.CaptureRequest) (payments.CaptureResult, error)
}

// WebhookRecorder observes webhook outcomes per provider.
type WebhookRecorder interface {
	RecordWebhook(provider, outcome string)
}

// WebhookServiceDeps wires the reconciliation processor.
type WebhookServiceDeps struct {
	Gateway   webhookGateway
	Events    repositories.PaymentEventRepository
	Orders    OrderService
	Downloads DownloadService
	Metrics   WebhookRecorder
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type webhookService struct {
	gateway   webhookGateway
	events    repositories.PaymentEventRepository
	orders    OrderService
	downloads DownloadService
	metrics   WebhookRecorder
	clock     func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewWebhookService constructs the WebhookService.
func NewWebhookService(deps WebhookServiceDeps) (WebhookService, error) {
	if deps.Gateway == nil {
		return nil, errors.New("webhook service: gateway is required")
	}
	if deps.Events == nil {
		return nil, errors.New("webhook service: payment event repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("webhook service: order service is required")
	}
	if deps.Downloads == nil {
		return nil, errors.New("webhook service: download service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &webhookService{
		gateway:   deps.Gateway,
		events:    deps.Events,
		orders:    deps.Orders,
		downloads: deps.Downloads,
		metrics:   deps.Metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Handle verifies a delivery and applies it at most once. Business rejections are acknowledged and
// recorded as anomalies; only signature and I/O failures return a non-ack error so the gateway redelivers.
// A ledger row without ProcessedAt is always reprocessed, which is safe because every state machine
// operation is idempotent.
func (s *webhookService) Handle(ctx context.Context, delivery WebhookDelivery) (WebhookResult, error) {
	event, err := s.gateway.VerifyEvent(ctx, delivery.Payload, delivery.Header)
	if err != nil {
		if errors.Is(err, payments.ErrSignatureInvalid) {
			s.record("unknown", "signature_invalid")
			s.logger(ctx, "webhook.signature.rejected", map[string]any{"error": err})
			return WebhookResult{}, fmt.Errorf("%w: %w", ErrWebhookSignature, err)
		}
		s.record("unknown", "error")
		return WebhookResult{}, wrapGatewayError(err)
	}
	eventID := strings.TrimSpace(event.ID)
	if eventID == "" {
		return WebhookResult{}, fmt.Errorf("%w: event id is missing", ErrInvalidInput)
	}

	duplicate, err := s.claim(ctx, event)
	if err != nil {
		s.record(event.Provider, "error")
		return WebhookResult{}, err
	}
	if duplicate {
		s.record(event.Provider, string(domain.PaymentEventOutcomeDuplicate))
		s.logger(ctx, "webhook.duplicate", map[string]any{
			"eventId":  eventID,
			"provider": event.Provider,
		})
		return WebhookResult{Ack: true, EventID: eventID, Outcome: domain.PaymentEventOutcomeDuplicate}, nil
	}

	outcome, detail, err := s.dispatch(ctx, event)
	if err != nil {
		if !isBusinessRejection(err) {
			s.record(event.Provider, "error")
			s.logger(ctx, "webhook.dispatch_failed", map[string]any{
				"eventId":  eventID,
				"type":     string(event.Type),
				"provider": event.Provider,
				"error":    err,
			})
			return WebhookResult{}, err
		}
		outcome = domain.PaymentEventOutcomeAnomaly
		detail = err.Error()
		s.logger(ctx, "webhook.anomaly", map[string]any{
			"eventId":   eventID,
			"type":      string(event.Type),
			"rawType":   event.RawType,
			"provider":  event.Provider,
			"reference": event.Reference(),
			"reason":    detail,
		})
	}

	if err := s.events.MarkProcessed(ctx, eventID, s.clock(), outcome, detail); err != nil {
		s.record(event.Provider, "error")
		return WebhookResult{}, mapRepositoryError(err, ErrStoreUnavailable)
	}

	s.record(event.Provider, string(outcome))
	return WebhookResult{Ack: true, EventID: eventID, Outcome: outcome, Detail: detail}, nil
}

// claim records the event in the ledger. It reports true when an earlier delivery already finished.
func (s *webhookService) claim(ctx context.Context, event payments.Event) (bool, error) {
	existing, err := s.events.Find(ctx, event.ID)
	switch {
	case err == nil:
		return existing.Processed(), nil
	case !repositories.IsNotFound(err):
		return false, mapRepositoryError(err, ErrStoreUnavailable)
	}

	err = s.events.Insert(ctx, domain.PaymentEvent{
		ExternalEventID: event.ID,
		Provider:        event.Provider,
		EventType:       string(event.Type),
		OrderReference:  event.Reference(),
		ReceivedAt:      s.clock(),
	})
	if err == nil {
		return false, nil
	}
	if !repositories.IsConflict(err) {
		return false, mapRepositoryError(err, ErrStoreUnavailable)
	}

	// lost the insert race to a concurrent delivery of the same event
	existing, err = s.events.Find(ctx, event.ID)
	if err != nil {
		return false, mapRepositoryError(err, ErrStoreUnavailable)
	}
	return existing.Processed(), nil
}

func (s *webhookService) dispatch(ctx context.Context, event payments.Event) (domain.PaymentEventOutcome, string, error) {
	if event.Type == payments.EventUnknown || event.Type == "" {
		return domain.PaymentEventOutcomeIgnored, "unhandled event type " + event.RawType, nil
	}

	order, err := s.resolveOrder(ctx, event)
	if err != nil {
		return "", "", err
	}

	switch event.Type {
	case payments.EventSessionCreated:
		_, err = s.orders.AttachPaymentReference(ctx, order.ID, event.Provider, event.PaymentReference)
	case payments.EventPaymentApproved:
		return s.capture(ctx, order, event)
	case payments.EventPaymentSucceeded:
		if !event.Amount.Valid {
			return "", "", fmt.Errorf("%w: event carries no amount", ErrAmountMismatch)
		}
		err = s.settle(ctx, order, event, event.Amount.Decimal, event.Currency)
	case payments.EventPaymentFailed:
		s.logger(ctx, "webhook.payment.declined", map[string]any{
			"orderId":  order.ID,
			"provider": event.Provider,
		})
		return domain.PaymentEventOutcomeApplied, "payment failed; order left open", nil
	case payments.EventSessionExpired:
		_, err = s.orders.Cancel(ctx, order.ID, "payment session expired")
	case payments.EventRefunded:
		if _, err = s.orders.Refund(ctx, order.ID); err == nil {
			_, err = s.downloads.RevokeGrants(ctx, order.ID)
		}
	case payments.EventDisputeOpened:
		_, err = s.orders.Dispute(ctx, order.ID)
	case payments.EventDisputeWon:
		_, err = s.orders.ResolveDispute(ctx, order.ID, true)
	case payments.EventDisputeLost:
		if _, err = s.orders.ResolveDispute(ctx, order.ID, false); err == nil {
			_, err = s.downloads.RevokeGrants(ctx, order.ID)
		}
	default:
		return domain.PaymentEventOutcomeIgnored, "unhandled event type " + string(event.Type), nil
	}
	if err != nil {
		return "", "", err
	}
	return domain.PaymentEventOutcomeApplied, "", nil
}

// settle drives a confirmed payment through PAID, grant issuance and COMPLETED. Each step is idempotent
// so a redelivery after a partial failure resumes where the previous attempt stopped.
func (s *webhookService) settle(ctx context.Context, order Order, event payments.Event, amount decimal.Decimal, currency string) error {
	if order.Status == domain.OrderStatusPending && event.PaymentReference != "" {
		attached, err := s.orders.AttachPaymentReference(ctx, order.ID, event.Provider, event.PaymentReference)
		if err != nil {
			return err
		}
		order = attached
	}
	if currency = strings.ToUpper(strings.TrimSpace(currency)); currency != "" && currency != order.Currency {
		return fmt.Errorf("%w: order %s is in %s, payment arrived in %s", ErrAmountMismatch, order.ID, order.Currency, currency)
	}
	if _, err := s.orders.MarkPaid(ctx, order.ID, amount); err != nil {
		return err
	}
	if _, err := s.downloads.IssueGrants(ctx, order.ID); err != nil {
		return err
	}
	_, err := s.orders.Complete(ctx, order.ID)
	return err
}

// capture confirms an approved session synchronously. Declines leave the order open for another attempt;
// an expired session cancels it.
func (s *webhookService) capture(ctx context.Context, order Order, event payments.Event) (domain.PaymentEventOutcome, string, error) {
	if order.Status == domain.OrderStatusPaid || order.Status == domain.OrderStatusCompleted {
		return domain.PaymentEventOutcomeApplied, "already paid", nil
	}
	ref := event.PaymentReference
	if ref == "" {
		ref = order.PaymentReference
	}
	if order.Status == domain.OrderStatusPending && ref != "" {
		attached, err := s.orders.AttachPaymentReference(ctx, order.ID, event.Provider, ref)
		if err != nil {
			return "", "", err
		}
		order = attached
	}

	result, err := s.gateway.Capture(ctx, event.Provider, payments.CaptureRequest{
		ExternalReference: ref,
		IdempotencyKey:    "capture-" + order.ID,
	})
	switch {
	case err == nil:
	case payments.IsOutcome(err, payments.OutcomeDeclined):
		return domain.PaymentEventOutcomeApplied, "capture declined; order left open", nil
	case payments.IsOutcome(err, payments.OutcomeExpired):
		if _, err := s.orders.Cancel(ctx, order.ID, "payment session expired"); err != nil {
			return "", "", err
		}
		return domain.PaymentEventOutcomeApplied, "session expired at capture", nil
	default:
		return "", "", wrapGatewayError(err)
	}

	if result.Status != payments.StatusSucceeded {
		return domain.PaymentEventOutcomeApplied, "capture " + string(result.Status), nil
	}
	if err := s.settle(ctx, order, event, result.AmountReceived, result.Currency); err != nil {
		return "", "", err
	}
	return domain.PaymentEventOutcomeApplied, "", nil
}

// resolveOrder prefers the order ID echoed by the gateway and falls back to the session reference.
func (s *webhookService) resolveOrder(ctx context.Context, event payments.Event) (Order, error) {
	if ref := strings.TrimSpace(event.OrderReference); ref != "" {
		order, err := s.orders.GetOrder(ctx, ref)
		if err == nil || !errors.Is(err, ErrOrderNotFound) || event.PaymentReference == "" {
			return order, err
		}
	}
	if ref := strings.TrimSpace(event.PaymentReference); ref != "" {
		return s.orders.GetByPaymentReference(ctx, ref)
	}
	return Order{}, fmt.Errorf("%w: event %s carries no order reference", ErrOrderNotFound, event.ID)
}

func (s *webhookService) record(provider, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordWebhook(provider, outcome)
	}
}

// isBusinessRejection reports errors that redelivery cannot fix.
func isBusinessRejection(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAmountMismatch) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrGatewayRejected)
}
