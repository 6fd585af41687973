package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates the normalised capture states shared across providers.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrSignatureInvalid is returned when a webhook payload fails verification.
	ErrSignatureInvalid = errors.New("payments: webhook signature invalid")
)

// Outcome classifies gateway failures.
type Outcome string

const (
	// OutcomeDeclined means the payment instrument was refused.
	OutcomeDeclined Outcome = "declined"
	// OutcomeNetworkError means the gateway could not be reached or failed transiently. Callers may retry.
	OutcomeNetworkError Outcome = "network_error"
	// OutcomeExpired means the session or payment window closed.
	OutcomeExpired Outcome = "expired"
	// OutcomeRejected means the gateway refused the request itself.
	OutcomeRejected Outcome = "rejected"
)

// GatewayError is the typed failure every provider returns. Adapters never retry on their own.
type GatewayError struct {
	Provider  string
	Operation string
	Outcome   Outcome
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payments: %s %s %s: %v", e.Provider, e.Operation, e.Outcome, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *GatewayError) Retryable() bool { return e.Outcome == OutcomeNetworkError }

func gatewayError(provider, op string, outcome Outcome, err error) *GatewayError {
	if err == nil {
		err = errors.New(string(outcome))
	}
	return &GatewayError{Provider: provider, Operation: op, Outcome: outcome, Err: err}
}

// IsOutcome reports whether err is a GatewayError with the given outcome.
func IsOutcome(err error, outcome Outcome) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Outcome == outcome
}

// EventType is the gateway-neutral event vocabulary the reconciliation processor understands.
type EventType string

const (
	EventSessionCreated   EventType = "session_created"
	// EventPaymentApproved means the buyer approved a session that still needs Capture.
	EventPaymentApproved  EventType = "payment_approved"
	EventPaymentSucceeded EventType = "payment_succeeded"
	EventPaymentFailed    EventType = "payment_failed"
	EventSessionExpired   EventType = "session_expired"
	EventRefunded         EventType = "refunded"
	EventDisputeOpened    EventType = "dispute_opened"
	EventDisputeWon       EventType = "dispute_won"
	EventDisputeLost      EventType = "dispute_lost"
	// EventUnknown marks provider events with no lifecycle meaning.
	EventUnknown          EventType = "unknown"
)

// LineItem is one purchasable line shown on the hosted payment page.
type LineItem struct {
	ProductID string
	Title     string
	Amount    decimal.Decimal
}

// SessionRequest asks a provider to open a hosted payment session for an order.
type SessionRequest struct {
	OrderID        string
	OrderNumber    string
	BuyerRef       string
	Amount         decimal.Decimal
	Currency       string
	Items          []LineItem
	PlatformFee    decimal.Decimal
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
	Metadata       map[string]string
}

// Session is the provider's answer to SessionRequest.
type Session struct {
	Provider          string
	ExternalReference string
	RedirectURL       string
	ExpiresAt         time.Time
}

// CaptureRequest captures the funds for an approved session.
type CaptureRequest struct {
	ExternalReference string
	IdempotencyKey    string
}

// CaptureResult reports what the gateway actually collected.
type CaptureResult struct {
	Provider          string
	ExternalReference string
	Status            Status
	AmountReceived    decimal.Decimal
	Currency          string
}

// Event is a verified, normalised webhook delivery.
type Event struct {
	ID       string
	Provider string
	Type     EventType
	RawType  string
	// OrderReference is the order ID when the gateway echoed it back.
	OrderReference string
	// PaymentReference is the session or order reference issued by the gateway.
	PaymentReference string
	Amount           decimal.NullDecimal
	Currency         string
	Created          time.Time
}

// Reference returns the best identifier to locate the order with.
func (e Event) Reference() string {
	if e.OrderReference != "" {
		return e.OrderReference
	}
	return e.PaymentReference
}

// Provider is the contract implemented by each gateway adapter.
type Provider interface {
	Name() string
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error)
	// Accepts reports whether the delivery headers carry this provider's signature.
	Accepts(header http.Header) bool
	VerifyEvent(ctx context.Context, payload []byte, header http.Header) (Event, error)
}

// Manager routes calls to the configured providers.
type Manager struct {
	providers       map[string]Provider
	order           []string
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider sets the provider used when neither preference nor currency routing match.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = normaliseKey(provider)
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		for k, v := range routes {
			if m.currencyRoutes == nil {
				m.currencyRoutes = make(map[string]string, len(routes))
			}
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = normaliseKey(v)
		}
	}
}

// NewManager registers providers under their Name().
func NewManager(providers []Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	m := &Manager{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("payments: nil provider")
		}
		key := normaliseKey(p.Name())
		if key == "" {
			return nil, errors.New("payments: provider name is required")
		}
		if _, dup := m.providers[key]; dup {
			return nil, fmt.Errorf("payments: provider %q registered twice", key)
		}
		m.providers[key] = p
		m.order = append(m.order, key)
	}
	sort.Strings(m.order)
	if _, ok := m.providers["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// ProviderStates reports the breaker state of every registered provider. Providers that are not guarded
// always report closed.
func (m *Manager) ProviderStates() map[string]string {
	states := make(map[string]string, len(m.order))
	for _, key := range m.order {
		state := "closed"
		if guarded, ok := m.providers[key].(interface{ BreakerState() string }); ok {
			state = guarded.BreakerState()
		}
		states[key] = state
	}
	return states
}

// PaymentContext carries the hints used to select a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (Provider, error) {
	if p, ok := m.providers[normaliseKey(ctx.PreferredProvider)]; ok {
		return p, nil
	}
	if route, ok := m.currencyRoutes[strings.ToUpper(strings.TrimSpace(ctx.Currency))]; ok {
		if p, ok := m.providers[route]; ok {
			return p, nil
		}
	}
	if p, ok := m.providers[m.defaultProvider]; ok {
		return p, nil
	}
	if len(m.order) == 1 {
		return m.providers[m.order[0]], nil
	}
	return nil, ErrUnsupportedProvider
}

// CreateSession opens a session on the resolved provider.
func (m *Manager) CreateSession(ctx context.Context, paymentCtx PaymentContext, req SessionRequest) (Session, error) {
	provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Session{}, err
	}
	session, err := provider.CreateSession(ctx, req)
	if err != nil {
		return Session{}, err
	}
	session.Provider = provider.Name()
	return session, nil
}

// Capture captures on the named provider.
func (m *Manager) Capture(ctx context.Context, provider string, req CaptureRequest) (CaptureResult, error) {
	p, ok := m.providers[normaliseKey(provider)]
	if !ok {
		return CaptureResult{}, ErrUnsupportedProvider
	}
	return p.Capture(ctx, req)
}

// VerifyEvent hands the delivery to the first provider whose signature header is present.
func (m *Manager) VerifyEvent(ctx context.Context, payload []byte, header http.Header) (Event, error) {
	for _, key := range m.order {
		p := m.providers[key]
		if !p.Accepts(header) {
			continue
		}
		event, err := p.VerifyEvent(ctx, payload, header)
		if err != nil {
			return Event{}, err
		}
		event.Provider = p.Name()
		return event, nil
	}
	return Event{}, fmt.Errorf("%w: no provider signature header present", ErrSignatureInvalid)
}

// Providers lists the registered provider names.
func (m *Manager) Providers() []string {
	return append([]string(nil), m.order...)
}

func normaliseKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
