package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
)

const (
	paypalName            = "paypal"
	paypalSignatureHeader = "Paypal-Transmission-Sig"
	paypalLiveURL         = "https://api-m.paypal.com"
	paypalSandboxURL      = "https://api-m.sandbox.paypal.com"
	paypalSessionTTL      = 3 * time.Hour
	tokenRefreshMargin    = time.Minute
)

// PayPalProviderConfig configures the PayPal Orders v2 adapter.
type PayPalProviderConfig struct {
	ClientID     string
	ClientSecret string
	WebhookID    string
	BaseURL      string
	Sandbox      bool
	HTTPClient   *http.Client
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

// PayPalProvider implements Provider against the PayPal REST API.
type PayPalProvider struct {
	client    *resty.Client
	clientID  string
	secret    string
	webhookID string
	clock     func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

type paypalToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalOrder struct {
	ID            string               `json:"id"`
	Status        string               `json:"status"`
	Links         []paypalLink         `json:"links"`
	PurchaseUnits []paypalPurchaseUnit `json:"purchase_units"`
}

type paypalPurchaseUnit struct {
	ReferenceID string        `json:"reference_id,omitempty"`
	CustomID    string        `json:"custom_id,omitempty"`
	InvoiceID   string        `json:"invoice_id,omitempty"`
	Amount      *paypalAmount `json:"amount,omitempty"`
	Payments    *struct {
		Captures []paypalCapture `json:"captures"`
	} `json:"payments,omitempty"`
}

type paypalCapture struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Amount paypalAmount `json:"amount"`
}

type paypalAPIError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}

func (e paypalAPIError) issue() string {
	if len(e.Details) > 0 && e.Details[0].Issue != "" {
		return e.Details[0].Issue
	}
	return e.Name
}

type paypalWebhookEvent struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	CreateTime   time.Time       `json:"create_time"`
	ResourceType string          `json:"resource_type"`
	Resource     json.RawMessage `json:"resource"`
}

type paypalEventResource struct {
	ID                string               `json:"id"`
	Status            string               `json:"status"`
	CustomID          string               `json:"custom_id"`
	Amount            *paypalAmount        `json:"amount"`
	PurchaseUnits     []paypalPurchaseUnit `json:"purchase_units"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`

	DisputeID            string `json:"dispute_id"`
	DisputedTransactions []struct {
		Custom string `json:"custom"`
	} `json:"disputed_transactions"`
	DisputeOutcome struct {
		OutcomeCode string `json:"outcome_code"`
	} `json:"dispute_outcome"`
}

// NewPayPalProvider constructs a PayPal provider.
func NewPayPalProvider(cfg PayPalProviderConfig) (*PayPalProvider, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	secret := strings.TrimSpace(cfg.ClientSecret)
	if clientID == "" || secret == "" {
		return nil, errors.New("paypal: client id and secret are required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = paypalLiveURL
		if cfg.Sandbox {
			baseURL = paypalSandboxURL
		}
	}

	var client *resty.Client
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	} else {
		client = resty.New()
	}
	client.SetBaseURL(baseURL).
		SetHeader("Accept", "application/json")

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &PayPalProvider{
		client:    client,
		clientID:  clientID,
		secret:    secret,
		webhookID: strings.TrimSpace(cfg.WebhookID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (p *PayPalProvider) Name() string { return paypalName }

func (p *PayPalProvider) Accepts(header http.Header) bool {
	return header.Get(paypalSignatureHeader) != ""
}

// CreateSession creates a PayPal order with intent CAPTURE and returns the buyer approval link.
func (p *PayPalProvider) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	const op = "create_session"
	token, err := p.accessToken(ctx, op)
	if err != nil {
		return Session{}, err
	}

	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []paypalPurchaseUnit{{
			ReferenceID: req.OrderID,
			CustomID:    req.OrderID,
			InvoiceID:   req.OrderNumber,
			Amount:      &paypalAmount{CurrencyCode: strings.ToUpper(req.Currency), Value: formatPayPalAmount(req.Amount, req.Currency)},
		}},
		"application_context": map[string]string{
			"return_url":  req.SuccessURL,
			"cancel_url":  req.CancelURL,
			"user_action": "PAY_NOW",
		},
	}

	var order paypalOrder
	var apiErr paypalAPIError
	request := p.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		SetResult(&order).
		SetError(&apiErr)
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		request.SetHeader("PayPal-Request-Id", key)
	}
	resp, err := request.Post("/v2/checkout/orders")
	if err := classifyPayPalResponse(op, resp, err, apiErr); err != nil {
		return Session{}, err
	}

	redirect := ""
	for _, link := range order.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			redirect = link.Href
			break
		}
	}
	if redirect == "" {
		return Session{}, gatewayError(paypalName, op, OutcomeRejected, fmt.Errorf("order %s has no approval link", order.ID))
	}

	p.logger(ctx, "payments.paypal.order.created", map[string]any{
		"paypalOrderId": order.ID,
		"orderId":       req.OrderID,
	})
	return Session{
		Provider:          paypalName,
		ExternalReference: order.ID,
		RedirectURL:       redirect,
		ExpiresAt:         p.clock().Add(paypalSessionTTL),
	}, nil
}

// Capture captures an approved PayPal order.
func (p *PayPalProvider) Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	const op = "capture"
	token, err := p.accessToken(ctx, op)
	if err != nil {
		return CaptureResult{}, err
	}

	var order paypalOrder
	var apiErr paypalAPIError
	request := p.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetBody("{}").
		SetResult(&order).
		SetError(&apiErr).
		SetPathParam("id", req.ExternalReference)
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		request.SetHeader("PayPal-Request-Id", key)
	}
	resp, err := request.Post("/v2/checkout/orders/{id}/capture")
	if err := classifyPayPalResponse(op, resp, err, apiErr); err != nil {
		return CaptureResult{}, err
	}

	result := CaptureResult{Provider: paypalName, ExternalReference: order.ID, Status: StatusPending}
	total := decimal.Zero
	for _, unit := range order.PurchaseUnits {
		if unit.Payments == nil {
			continue
		}
		for _, capture := range unit.Payments.Captures {
			amount, err := decimal.NewFromString(capture.Amount.Value)
			if err != nil {
				return CaptureResult{}, gatewayError(paypalName, op, OutcomeRejected, err)
			}
			total = total.Add(amount)
			result.Currency = strings.ToUpper(capture.Amount.CurrencyCode)
			switch capture.Status {
			case "COMPLETED":
				result.Status = StatusSucceeded
			case "DECLINED", "FAILED":
				return CaptureResult{}, gatewayError(paypalName, op, OutcomeDeclined, fmt.Errorf("capture %s %s", capture.ID, capture.Status))
			}
		}
	}
	result.AmountReceived = total
	return result, nil
}

// VerifyEvent asks PayPal to verify the transmission signature, then maps the event.
func (p *PayPalProvider) VerifyEvent(ctx context.Context, payload []byte, header http.Header) (Event, error) {
	const op = "verify_event"
	if p.webhookID == "" {
		return Event{}, fmt.Errorf("%w: paypal webhook id not configured", ErrSignatureInvalid)
	}
	token, err := p.accessToken(ctx, op)
	if err != nil {
		return Event{}, err
	}

	body := map[string]any{
		"auth_algo":         header.Get("Paypal-Auth-Algo"),
		"cert_url":          header.Get("Paypal-Cert-Url"),
		"transmission_id":   header.Get("Paypal-Transmission-Id"),
		"transmission_sig":  header.Get(paypalSignatureHeader),
		"transmission_time": header.Get("Paypal-Transmission-Time"),
		"webhook_id":        p.webhookID,
		"webhook_event":     json.RawMessage(payload),
	}
	var verification struct {
		Status string `json:"verification_status"`
	}
	var apiErr paypalAPIError
	resp, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		SetResult(&verification).
		SetError(&apiErr).
		Post("/v1/notifications/verify-webhook-signature")
	if err := classifyPayPalResponse(op, resp, err, apiErr); err != nil {
		if IsOutcome(err, OutcomeNetworkError) {
			return Event{}, err
		}
		return Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if verification.Status != "SUCCESS" {
		return Event{}, fmt.Errorf("%w: verification status %q", ErrSignatureInvalid, verification.Status)
	}

	var raw paypalWebhookEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: malformed event: %v", ErrSignatureInvalid, err)
	}
	return mapPayPalEvent(raw)
}

func mapPayPalEvent(raw paypalWebhookEvent) (Event, error) {
	out := Event{
		ID:       raw.ID,
		Provider: paypalName,
		RawType:  raw.EventType,
		Type:     EventUnknown,
		Created:  raw.CreateTime.UTC(),
	}
	var res paypalEventResource
	if len(raw.Resource) > 0 {
		if err := json.Unmarshal(raw.Resource, &res); err != nil {
			return Event{}, gatewayError(paypalName, "verify_event", OutcomeRejected, err)
		}
	}

	switch raw.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		out.Type = EventPaymentSucceeded
	case "PAYMENT.CAPTURE.DENIED":
		out.Type = EventPaymentFailed
	case "PAYMENT.CAPTURE.REFUNDED":
		out.Type = EventRefunded
	case "CHECKOUT.ORDER.APPROVED":
		out.Type = EventPaymentApproved
		out.PaymentReference = res.ID
		if len(res.PurchaseUnits) > 0 {
			out.OrderReference = res.PurchaseUnits[0].CustomID
		}
		return out, nil
	case "CUSTOMER.DISPUTE.CREATED":
		out.Type = EventDisputeOpened
	case "CUSTOMER.DISPUTE.RESOLVED":
		switch res.DisputeOutcome.OutcomeCode {
		case "RESOLVED_SELLER_FAVOUR":
			out.Type = EventDisputeWon
		case "RESOLVED_BUYER_FAVOUR":
			out.Type = EventDisputeLost
		}
	default:
		return out, nil
	}

	if strings.HasPrefix(raw.EventType, "CUSTOMER.DISPUTE") {
		out.PaymentReference = res.DisputeID
		for _, tx := range res.DisputedTransactions {
			if tx.Custom != "" {
				out.OrderReference = tx.Custom
				break
			}
		}
		return out, nil
	}

	out.OrderReference = res.CustomID
	out.PaymentReference = res.SupplementaryData.RelatedIDs.OrderID
	if res.Amount != nil {
		out.Currency = strings.ToUpper(res.Amount.CurrencyCode)
		if value, err := decimal.NewFromString(res.Amount.Value); err == nil {
			out.Amount = decimal.NewNullDecimal(value)
		}
	}
	return out, nil
}

func (p *PayPalProvider) accessToken(ctx context.Context, op string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	if p.token != "" && now.Before(p.tokenExpiry) {
		return p.token, nil
	}

	var token paypalToken
	var apiErr paypalAPIError
	resp, err := p.client.R().
		SetContext(ctx).
		SetBasicAuth(p.clientID, p.secret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&token).
		SetError(&apiErr).
		Post("/v1/oauth2/token")
	if err := classifyPayPalResponse(op, resp, err, apiErr); err != nil {
		return "", err
	}
	if token.AccessToken == "" {
		return "", gatewayError(paypalName, op, OutcomeRejected, errors.New("empty access token"))
	}
	p.token = token.AccessToken
	p.tokenExpiry = now.Add(time.Duration(token.ExpiresIn)*time.Second - tokenRefreshMargin)
	return p.token, nil
}

func classifyPayPalResponse(op string, resp *resty.Response, err error, apiErr paypalAPIError) error {
	if err != nil {
		return gatewayError(paypalName, op, OutcomeNetworkError, err)
	}
	if !resp.IsError() {
		return nil
	}
	status := resp.StatusCode()
	cause := fmt.Errorf("status %d: %s %s", status, apiErr.issue(), apiErr.Message)
	issue := apiErr.issue()
	switch {
	case status >= http.StatusInternalServerError, status == http.StatusTooManyRequests:
		return gatewayError(paypalName, op, OutcomeNetworkError, cause)
	case issue == "INSTRUMENT_DECLINED", issue == "PAYER_ACTION_REQUIRED", issue == "TRANSACTION_REFUSED":
		return gatewayError(paypalName, op, OutcomeDeclined, cause)
	case issue == "ORDER_EXPIRED", issue == "RESOURCE_NOT_FOUND", status == http.StatusNotFound:
		return gatewayError(paypalName, op, OutcomeExpired, cause)
	default:
		return gatewayError(paypalName, op, OutcomeRejected, cause)
	}
}

func formatPayPalAmount(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(domain.MinorUnits(currency))
}
