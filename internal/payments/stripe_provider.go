package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/hanko-field/orders/internal/domain"
)

const (
	stripeName            = "stripe"
	stripeSignatureHeader = "Stripe-Signature"
	stripeSessionTTL      = time.Hour
	metadataOrderID       = "order_id"
	metadataOrderNumber   = "order_number"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripePaymentIntentAPI interface {
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	intents  stripePaymentIntentAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	AccountID     string
	Backends      *stripe.Backends
	Tolerance     time.Duration
	Logger        StripeLogger
	Clock         func() time.Time
	clients       *stripeClients
}

// StripeProvider implements Provider with Checkout Sessions and signed webhooks.
type StripeProvider struct {
	api           stripeClients
	webhookSecret string
	account       string
	tolerance     time.Duration
	clock         func() time.Time
	logger        StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.clients != nil {
		clients = *cfg.clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{sessions: sc.CheckoutSessions, intents: sc.PaymentIntents}
	}
	if clients.sessions == nil || clients.intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}

	return &StripeProvider{
		api:           clients,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		account:       strings.TrimSpace(cfg.AccountID),
		tolerance:     tolerance,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (p *StripeProvider) Name() string { return stripeName }

func (p *StripeProvider) Accepts(header http.Header) bool {
	return header.Get(stripeSignatureHeader) != ""
}

// CreateSession creates a Stripe Checkout session in payment mode. The platform fee is a separate line so
// the hosted page total equals the order total.
func (p *StripeProvider) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	currency := strings.ToLower(req.Currency)
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.OrderID),
		ExpiresAt:         stripe.Int64(p.clock().Add(stripeSessionTTL).Unix()),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}

	metadata := map[string]string{metadataOrderID: req.OrderID, metadataOrderNumber: req.OrderNumber}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	params.Metadata = metadata
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata}

	for _, item := range req.Items {
		params.LineItems = append(params.LineItems, stripeLine(item.Title, item.Amount, req.Currency, currency))
	}
	if req.PlatformFee.IsPositive() {
		params.LineItems = append(params.LineItems, stripeLine("Service fee", req.PlatformFee, req.Currency, currency))
	}
	if len(params.LineItems) == 0 {
		params.LineItems = append(params.LineItems, stripeLine("Order "+req.OrderNumber, req.Amount, req.Currency, currency))
	}

	session, err := p.api.sessions.New(params)
	if err != nil {
		return Session{}, classifyStripeError("create_session", err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"orderId":   req.OrderID,
	})

	expiresAt := p.clock().Add(stripeSessionTTL)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	return Session{
		Provider:          stripeName,
		ExternalReference: session.ID,
		RedirectURL:       session.URL,
		ExpiresAt:         expiresAt,
	}, nil
}

// Capture resolves the session's payment intent and captures it when it awaits capture.
func (p *StripeProvider) Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	session, err := p.api.sessions.Get(req.ExternalReference, params)
	if err != nil {
		return CaptureResult{}, classifyStripeError("capture", err)
	}
	if session.Status == stripe.CheckoutSessionStatusExpired {
		return CaptureResult{}, gatewayError(stripeName, "capture", OutcomeExpired, fmt.Errorf("session %s expired", session.ID))
	}
	if session.PaymentIntent == nil {
		return CaptureResult{}, gatewayError(stripeName, "capture", OutcomeRejected, fmt.Errorf("session %s has no payment intent", session.ID))
	}

	intent := session.PaymentIntent
	if intent.Status == stripe.PaymentIntentStatusRequiresCapture {
		captureParams := &stripe.PaymentIntentCaptureParams{}
		captureParams.Context = ctx
		if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
			captureParams.SetIdempotencyKey(key)
		}
		if p.account != "" {
			captureParams.SetStripeAccount(p.account)
		}
		intent, err = p.api.intents.Capture(intent.ID, captureParams)
		if err != nil {
			return CaptureResult{}, classifyStripeError("capture", err)
		}
	}

	currency := strings.ToUpper(string(intent.Currency))
	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}
	return CaptureResult{
		Provider:          stripeName,
		ExternalReference: session.ID,
		Status:            status,
		AmountReceived:    domain.FromMinorUnits(intent.AmountReceived, currency),
		Currency:          currency,
	}, nil
}

// VerifyEvent checks the Stripe-Signature header and maps the event onto the neutral vocabulary.
func (p *StripeProvider) VerifyEvent(ctx context.Context, payload []byte, header http.Header) (Event, error) {
	if p.webhookSecret == "" {
		return Event{}, fmt.Errorf("%w: stripe webhook secret not configured", ErrSignatureInvalid)
	}
	evt, err := webhook.ConstructEventWithOptions(payload, header.Get(stripeSignatureHeader), p.webhookSecret,
		webhook.ConstructEventOptions{Tolerance: p.tolerance, IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	out := Event{
		ID:       evt.ID,
		Provider: stripeName,
		RawType:  string(evt.Type),
		Type:     EventUnknown,
		Created:  time.Unix(evt.Created, 0).UTC(),
	}
	if evt.Data == nil {
		return out, nil
	}

	switch evt.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded", "checkout.session.expired",
		"checkout.session.async_payment_failed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
			return Event{}, gatewayError(stripeName, "verify_event", OutcomeRejected, err)
		}
		out.PaymentReference = session.ID
		out.OrderReference = session.Metadata[metadataOrderID]
		out.Currency = strings.ToUpper(string(session.Currency))
		out.Amount = decimal.NewNullDecimal(domain.FromMinorUnits(session.AmountTotal, out.Currency))
		switch {
		case evt.Type == "checkout.session.expired":
			out.Type = EventSessionExpired
		case evt.Type == "checkout.session.async_payment_failed":
			out.Type = EventPaymentFailed
		case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
			out.Type = EventPaymentSucceeded
		}
	case "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &intent); err != nil {
			return Event{}, gatewayError(stripeName, "verify_event", OutcomeRejected, err)
		}
		out.Type = EventPaymentFailed
		out.OrderReference = intent.Metadata[metadataOrderID]
		out.PaymentReference = intent.ID
	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &charge); err != nil {
			return Event{}, gatewayError(stripeName, "verify_event", OutcomeRejected, err)
		}
		if !charge.Refunded {
			// partial refunds keep the order paid
			return out, nil
		}
		out.Type = EventRefunded
		out.Currency = strings.ToUpper(string(charge.Currency))
		out.Amount = decimal.NewNullDecimal(domain.FromMinorUnits(charge.AmountRefunded, out.Currency))
		if err := p.attachIntentOrder(ctx, &out, charge.Metadata, charge.PaymentIntent); err != nil {
			return Event{}, err
		}
	case "charge.dispute.created", "charge.dispute.closed":
		var dispute stripe.Dispute
		if err := json.Unmarshal(evt.Data.Raw, &dispute); err != nil {
			return Event{}, gatewayError(stripeName, "verify_event", OutcomeRejected, err)
		}
		switch {
		case evt.Type == "charge.dispute.created":
			out.Type = EventDisputeOpened
		case dispute.Status == stripe.DisputeStatusWon:
			out.Type = EventDisputeWon
		case dispute.Status == stripe.DisputeStatusLost:
			out.Type = EventDisputeLost
		default:
			return out, nil
		}
		if err := p.attachIntentOrder(ctx, &out, dispute.Metadata, dispute.PaymentIntent); err != nil {
			return Event{}, err
		}
	}
	return out, nil
}

// attachIntentOrder fills the order reference for charge and dispute events, which do not carry the
// checkout metadata. The payment intent does, so it is fetched when needed.
func (p *StripeProvider) attachIntentOrder(ctx context.Context, out *Event, metadata map[string]string, intent *stripe.PaymentIntent) error {
	if id := metadata[metadataOrderID]; id != "" {
		out.OrderReference = id
		return nil
	}
	if intent == nil || intent.ID == "" {
		return nil
	}
	out.PaymentReference = intent.ID
	if id := intent.Metadata[metadataOrderID]; id != "" {
		out.OrderReference = id
		return nil
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	full, err := p.api.intents.Get(intent.ID, params)
	if err != nil {
		return classifyStripeError("verify_event", err)
	}
	out.OrderReference = full.Metadata[metadataOrderID]
	return nil
}

func stripeLine(title string, amount decimal.Decimal, isoCurrency, currency string) *stripe.CheckoutSessionLineItemParams {
	if strings.TrimSpace(title) == "" {
		title = "Item"
	}
	return &stripe.CheckoutSessionLineItemParams{
		Quantity: stripe.Int64(1),
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(currency),
			UnitAmount: stripe.Int64(domain.ToMinorUnits(amount, isoCurrency)),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(title),
			},
		},
	}
}

func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return gatewayError(stripeName, op, OutcomeNetworkError, err)
	}
	switch {
	case stripeErr.Type == stripe.ErrorTypeCard:
		return gatewayError(stripeName, op, OutcomeDeclined, err)
	case stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.Type == stripe.ErrorTypeAPI:
		return gatewayError(stripeName, op, OutcomeNetworkError, err)
	case stripeErr.Code == stripe.ErrorCodeResourceMissing && strings.Contains(stripeErr.Msg, "expired"):
		return gatewayError(stripeName, op, OutcomeExpired, err)
	default:
		return gatewayError(stripeName, op, OutcomeRejected, err)
	}
}
