package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/repositories"
)

var (
	// ErrInvalidInput signals the caller provided invalid data.
	ErrInvalidInput = errors.New("orders: invalid input")
	// ErrEmptyCart indicates the cart, or the requested subset of it, has no purchasable items.
	ErrEmptyCart = errors.New("orders: empty cart")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("orders: order not found")
	// ErrInvalidTransition indicates the state machine rejected the requested transition.
	ErrInvalidTransition = errors.New("orders: invalid status transition")
	// ErrAmountMismatch indicates the gateway reported an amount different from the order total.
	ErrAmountMismatch = errors.New("orders: amount mismatch")
	// ErrConcurrentUpdate indicates the order kept changing underneath the caller.
	ErrConcurrentUpdate = errors.New("orders: concurrent update")
	// ErrCounterUnavailable indicates the order number could not be allocated.
	ErrCounterUnavailable = errors.New("orders: counter unavailable")
	// ErrStoreUnavailable indicates persistence is temporarily unreachable.
	ErrStoreUnavailable = errors.New("orders: store unavailable")

	// ErrGatewayUnavailable indicates the gateway could not be reached or timed out. The outcome is unknown.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	// ErrGatewayDeclined indicates the gateway refused the payment.
	ErrGatewayDeclined = errors.New("payments: declined")
	// ErrGatewayRejected indicates the gateway refused the request or the session expired.
	ErrGatewayRejected = errors.New("payments: rejected")
	// ErrWebhookSignature indicates a delivery failed signature verification.
	ErrWebhookSignature = errors.New("webhook: signature invalid")

	// ErrTokenNotFound indicates the download token does not exist.
	ErrTokenNotFound = errors.New("downloads: token not found")
	// ErrTokenExpired indicates the download grant is past its expiry.
	ErrTokenExpired = errors.New("downloads: token expired")
	// ErrTokenRevoked indicates the download grant was deactivated.
	ErrTokenRevoked = errors.New("downloads: token revoked")
	// ErrTokenExhausted indicates the download grant reached its limit.
	ErrTokenExhausted = errors.New("downloads: token exhausted")
)

// Error codes exposed to clients.
const (
	CodeInvalidInput       = "invalid_input"
	CodeEmptyCart          = "empty_cart"
	CodeOrderNotFound      = "order_not_found"
	CodeInvalidTransition  = "invalid_transition"
	CodeAmountMismatch     = "amount_mismatch"
	CodeConcurrentUpdate   = "concurrent_update"
	CodeCounterUnavailable = "counter_unavailable"
	CodeCounterExhausted   = "counter_exhausted"
	CodeStoreUnavailable   = "store_unavailable"
	CodeGatewayUnavailable = "gateway_unavailable"
	CodeGatewayDeclined    = "payment_declined"
	CodeGatewayRejected    = "payment_rejected"
	CodeWebhookSignature   = "signature_invalid"
	CodeTokenNotFound      = "token_not_found"
	CodeTokenExpired       = "token_expired"
	CodeTokenRevoked       = "token_revoked"
	CodeTokenExhausted     = "token_exhausted"
	CodeInternal           = "internal_error"
)

// ServiceError pairs an error with the client-facing code and whether a retry can succeed.
type ServiceError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e ServiceError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Err.Error()
}

func (e ServiceError) Unwrap() error { return e.Err }

var classifications = []struct {
	target    error
	code      string
	retryable bool
}{
	{ErrEmptyCart, CodeEmptyCart, false},
	{ErrInvalidInput, CodeInvalidInput, false},
	{ErrCounterInvalidInput, CodeInvalidInput, false},
	{ErrOrderNotFound, CodeOrderNotFound, false},
	{ErrInvalidTransition, CodeInvalidTransition, false},
	{ErrAmountMismatch, CodeAmountMismatch, false},
	{ErrConcurrentUpdate, CodeConcurrentUpdate, true},
	{ErrCounterUnavailable, CodeCounterUnavailable, true},
	{ErrCounterExhausted, CodeCounterExhausted, false},
	{ErrStoreUnavailable, CodeStoreUnavailable, true},
	{ErrGatewayUnavailable, CodeGatewayUnavailable, true},
	{ErrGatewayDeclined, CodeGatewayDeclined, false},
	{ErrGatewayRejected, CodeGatewayRejected, false},
	{ErrWebhookSignature, CodeWebhookSignature, false},
	{ErrTokenNotFound, CodeTokenNotFound, false},
	{ErrTokenExpired, CodeTokenExpired, false},
	{ErrTokenRevoked, CodeTokenRevoked, false},
	{ErrTokenExhausted, CodeTokenExhausted, false},
}

// Classify maps any error produced by this package onto its client-facing classification.
func Classify(err error) ServiceError {
	if err == nil {
		return ServiceError{}
	}
	var svcErr ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	for _, c := range classifications {
		if errors.Is(err, c.target) {
			return ServiceError{Code: c.code, Retryable: c.retryable, Err: err}
		}
	}
	var gwErr *payments.GatewayError
	if errors.As(err, &gwErr) {
		return classifyGatewayError(gwErr)
	}
	if errors.Is(err, payments.ErrSignatureInvalid) {
		return ServiceError{Code: CodeWebhookSignature, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || repositories.IsUnavailable(err) {
		return ServiceError{Code: CodeStoreUnavailable, Retryable: true, Err: err}
	}
	return ServiceError{Code: CodeInternal, Retryable: true, Err: err}
}

func classifyGatewayError(err *payments.GatewayError) ServiceError {
	switch err.Outcome {
	case payments.OutcomeDeclined:
		return ServiceError{Code: CodeGatewayDeclined, Err: err}
	case payments.OutcomeNetworkError:
		return ServiceError{Code: CodeGatewayUnavailable, Retryable: true, Err: err}
	default:
		return ServiceError{Code: CodeGatewayRejected, Err: err}
	}
}

// wrapGatewayError attaches the service sentinel matching the gateway outcome.
func wrapGatewayError(err error) error {
	var gwErr *payments.GatewayError
	if !errors.As(err, &gwErr) {
		return fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
	switch gwErr.Outcome {
	case payments.OutcomeDeclined:
		return fmt.Errorf("%w: %w", ErrGatewayDeclined, err)
	case payments.OutcomeNetworkError:
		return fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", ErrGatewayRejected, err)
	}
}

// mapRepositoryError translates repository classifications into service sentinels.
func mapRepositoryError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", notFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
	}
	return err
}
