package payments

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

type stubSessions struct {
	newFn func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getFn func(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

func (s stubSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return s.newFn(params)
}

func (s stubSessions) Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return s.getFn(id, params)
}

type stubIntents struct {
	captureFn func(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	getFn     func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

func (s stubIntents) Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	return s.captureFn(id, params)
}

func (s stubIntents) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.getFn(id, params)
}

const testWebhookSecret = "whsec_test"

func newTestStripeProvider(t *testing.T, sessions stubSessions, intents stubIntents) *StripeProvider {
	t.Helper()
	p, err := NewStripeProvider(StripeProviderConfig{
		WebhookSecret: testWebhookSecret,
		Clock: func() time.Time {
			return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		},
		clients: &stripeClients{sessions: sessions, intents: intents},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

func signedHeader(payload []byte) http.Header {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	header := http.Header{}
	header.Set("Stripe-Signature", signed.Header)
	return header
}

func TestStripeCreateSessionUsesMinorUnits(t *testing.T) {
	var captured *stripe.CheckoutSessionParams
	p := newTestStripeProvider(t, stubSessions{
		newFn: func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			captured = params
			return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/cs_1"}, nil
		},
	}, stubIntents{})

	session, err := p.CreateSession(context.Background(), SessionRequest{
		OrderID:     "ord_1",
		OrderNumber: "ORD-20250301-001",
		Currency:    "USD",
		Amount:      decimal.RequireFromString("11.00"),
		Items:       []LineItem{{ProductID: "p1", Title: "Font", Amount: decimal.RequireFromString("10.00")}},
		PlatformFee: decimal.RequireFromString("1.00"),
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.ExternalReference != "cs_1" || session.RedirectURL == "" {
		t.Fatalf("unexpected session %+v", session)
	}
	if len(captured.LineItems) != 2 {
		t.Fatalf("expected item and fee lines, got %d", len(captured.LineItems))
	}
	if got := *captured.LineItems[0].PriceData.UnitAmount; got != 1000 {
		t.Fatalf("expected 1000 cents, got %d", got)
	}
	if captured.Metadata["order_id"] != "ord_1" || captured.PaymentIntentData.Metadata["order_id"] != "ord_1" {
		t.Fatalf("expected order metadata on session and intent")
	}
}

func TestStripeCreateSessionClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{name: "card", err: &stripe.Error{Type: stripe.ErrorTypeCard}, want: OutcomeDeclined},
		{name: "server", err: &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 500}, want: OutcomeNetworkError},
		{name: "invalid", err: &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 400}, want: OutcomeRejected},
		{name: "transport", err: errors.New("connection reset"), want: OutcomeNetworkError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestStripeProvider(t, stubSessions{
				newFn: func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
					return nil, tc.err
				},
			}, stubIntents{})
			_, err := p.CreateSession(context.Background(), SessionRequest{OrderID: "ord_1", Currency: "USD"})
			if !IsOutcome(err, tc.want) {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
		})
	}
}

func TestStripeCaptureRequiresCapture(t *testing.T) {
	captures := 0
	p := newTestStripeProvider(t, stubSessions{
		getFn: func(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			return &stripe.CheckoutSession{
				ID:            id,
				Status:        stripe.CheckoutSessionStatusComplete,
				PaymentIntent: &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusRequiresCapture},
			}, nil
		},
	}, stubIntents{
		captureFn: func(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
			captures++
			return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusSucceeded, AmountReceived: 27500, Currency: "jpy"}, nil
		},
	})

	result, err := p.Capture(context.Background(), CaptureRequest{ExternalReference: "cs_1"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if captures != 1 {
		t.Fatalf("expected one capture call, got %d", captures)
	}
	if result.Status != StatusSucceeded || !result.AmountReceived.Equal(decimal.NewFromInt(27500)) || result.Currency != "JPY" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestStripeVerifyEventCheckoutCompleted(t *testing.T) {
	p := newTestStripeProvider(t, stubSessions{}, stubIntents{})
	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","created":1740823200,
"data":{"object":{"id":"cs_1","object":"checkout.session","payment_status":"paid","amount_total":27500,"currency":"jpy","metadata":{"order_id":"ord_1"}}}}`)

	event, err := p.VerifyEvent(context.Background(), payload, signedHeader(payload))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if event.Type != EventPaymentSucceeded || event.OrderReference != "ord_1" || event.PaymentReference != "cs_1" {
		t.Fatalf("unexpected event %+v", event)
	}
	if !event.Amount.Valid || !event.Amount.Decimal.Equal(decimal.NewFromInt(27500)) || event.Currency != "JPY" {
		t.Fatalf("unexpected amount %+v %s", event.Amount, event.Currency)
	}
}

func TestStripeVerifyEventDisputeLooksUpIntent(t *testing.T) {
	p := newTestStripeProvider(t, stubSessions{}, stubIntents{
		getFn: func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			return &stripe.PaymentIntent{ID: id, Metadata: map[string]string{"order_id": "ord_9"}}, nil
		},
	})
	payload := []byte(`{"id":"evt_2","object":"event","type":"charge.dispute.closed","created":1740823200,
"data":{"object":{"id":"dp_1","object":"dispute","status":"lost","payment_intent":"pi_9"}}}`)

	event, err := p.VerifyEvent(context.Background(), payload, signedHeader(payload))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if event.Type != EventDisputeLost || event.OrderReference != "ord_9" || event.PaymentReference != "pi_9" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestStripeVerifyEventRejectsBadSignature(t *testing.T) {
	p := newTestStripeProvider(t, stubSessions{}, stubIntents{})
	header := http.Header{}
	header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	if _, err := p.VerifyEvent(context.Background(), []byte(`{"id":"evt_1"}`), header); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}
