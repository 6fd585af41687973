package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/hanko-field/orders/internal/platform/auth"
)

const envelopeSessionTTL = time.Hour

// EnvelopeProviderConfig configures the relay gateway.
type EnvelopeProviderConfig struct {
	// Name registers the provider with the Manager. Defaults to "relay".
	Name     string
	Verifier *auth.PayloadVerifier
	// CheckoutURL is where buyers are sent to complete payment. The session reference is appended
	// as the "session" query parameter.
	CheckoutURL string
	Clock       func() time.Time
}

// EnvelopeProvider accepts the gateway-neutral envelope signed with the shared HMAC secret. Relays that
// already translated a gateway's native events, and local gateways used in development, deliver
// through it.
type EnvelopeProvider struct {
	name        string
	verifier    *auth.PayloadVerifier
	checkoutURL string
	clock       func() time.Time
}

type envelope struct {
	ID      string       `json:"id"`
	Type    string       `json:"type"`
	Created int64        `json:"created"`
	Data    envelopeData `json:"data"`
}

type envelopeData struct {
	OrderID          string          `json:"orderId"`
	PaymentReference string          `json:"paymentReference"`
	Amount           json.RawMessage `json:"amount"`
	Currency         string          `json:"currency"`
}

// NewEnvelopeProvider builds an EnvelopeProvider.
func NewEnvelopeProvider(cfg EnvelopeProviderConfig) (*EnvelopeProvider, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("envelope: verifier is required")
	}
	name := normaliseKey(cfg.Name)
	if name == "" {
		name = "relay"
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &EnvelopeProvider{
		name:        name,
		verifier:    cfg.Verifier,
		checkoutURL: strings.TrimSpace(cfg.CheckoutURL),
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

func (p *EnvelopeProvider) Name() string { return p.name }

func (p *EnvelopeProvider) Accepts(header http.Header) bool {
	return header.Get(p.verifier.SignatureHeader()) != ""
}

// CreateSession issues a local session reference. Payment completion arrives later as a signed
// payment_succeeded envelope carrying the same reference.
func (p *EnvelopeProvider) CreateSession(_ context.Context, req SessionRequest) (Session, error) {
	if p.checkoutURL == "" {
		return Session{}, gatewayError(p.name, "create_session", OutcomeRejected, errors.New("checkout url not configured"))
	}
	ref := "env_" + ulid.Make().String()
	target, err := url.Parse(p.checkoutURL)
	if err != nil {
		return Session{}, gatewayError(p.name, "create_session", OutcomeRejected, err)
	}
	query := target.Query()
	query.Set("session", ref)
	query.Set("order", req.OrderID)
	target.RawQuery = query.Encode()

	return Session{
		Provider:          p.name,
		ExternalReference: ref,
		RedirectURL:       target.String(),
		ExpiresAt:         p.clock().Add(envelopeSessionTTL),
	}, nil
}

// Capture is not supported; relayed payments are captured upstream.
func (p *EnvelopeProvider) Capture(_ context.Context, req CaptureRequest) (CaptureResult, error) {
	return CaptureResult{}, gatewayError(p.name, "capture", OutcomeRejected,
		fmt.Errorf("session %s is captured upstream", req.ExternalReference))
}

// VerifyEvent checks the HMAC signature and decodes the envelope. The envelope type already uses the
// neutral event vocabulary; anything else maps to EventUnknown.
func (p *EnvelopeProvider) VerifyEvent(_ context.Context, payload []byte, header http.Header) (Event, error) {
	if err := p.verifier.Verify(header, payload); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, fmt.Errorf("%w: malformed envelope: %v", ErrSignatureInvalid, err)
	}
	if strings.TrimSpace(env.ID) == "" {
		return Event{}, fmt.Errorf("%w: envelope id missing", ErrSignatureInvalid)
	}

	event := Event{
		ID:               env.ID,
		Provider:         p.name,
		RawType:          env.Type,
		Type:             parseEventType(env.Type),
		OrderReference:   strings.TrimSpace(env.Data.OrderID),
		PaymentReference: strings.TrimSpace(env.Data.PaymentReference),
		Currency:         strings.ToUpper(strings.TrimSpace(env.Data.Currency)),
		Created:          p.clock(),
	}
	if env.Created > 0 {
		event.Created = time.Unix(env.Created, 0).UTC()
	}
	if amount := strings.Trim(string(env.Data.Amount), `" `); amount != "" && amount != "null" {
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return Event{}, fmt.Errorf("%w: amount %q: %v", ErrSignatureInvalid, amount, err)
		}
		event.Amount = decimal.NewNullDecimal(value)
	}
	return event, nil
}

func parseEventType(raw string) EventType {
	switch t := EventType(strings.ToLower(strings.TrimSpace(raw))); t {
	case EventSessionCreated, EventPaymentApproved, EventPaymentSucceeded, EventPaymentFailed, EventSessionExpired,
		EventRefunded, EventDisputeOpened, EventDisputeWon, EventDisputeLost:
		return t
	default:
		return EventUnknown
	}
}
