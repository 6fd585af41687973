package payments

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	defaultCallTimeout      = 10 * time.Second
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second
)

// GuardConfig bounds outbound gateway calls.
type GuardConfig struct {
	Timeout          time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
	// OnCall observes every guarded call (provider, operation, outcome).
	OnCall func(provider, operation, outcome string)
	// OnStateChange observes breaker transitions.
	OnStateChange func(provider string, from, to string)
}

type guardedProvider struct {
	Provider
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[any]
	onCall  func(provider, operation, outcome string)
}

// Guard wraps a provider with a per-call timeout and a circuit breaker. Only network failures trip the
// breaker; declines, rejections and bad signatures count as successful round trips. While the breaker is
// open calls fail fast with OutcomeNetworkError and the gateway is not contacted.
func Guard(p Provider, cfg GuardConfig) Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	onCall := cfg.OnCall
	if onCall == nil {
		onCall = func(string, string, string) {}
	}
	threshold := cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsOutcome(err, OutcomeNetworkError)
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(name, from.String(), to.String())
		}
	}
	return &guardedProvider{
		Provider: p,
		timeout:  cfg.Timeout,
		cb:       gobreaker.NewCircuitBreaker[any](settings),
		onCall:   onCall,
	}
}

// BreakerState returns "closed", "half-open" or "open".
func (g *guardedProvider) BreakerState() string { return g.cb.State().String() }

func (g *guardedProvider) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	res, err := g.run(ctx, "create_session", func(ctx context.Context) (any, error) {
		return g.Provider.CreateSession(ctx, req)
	})
	if err != nil {
		return Session{}, err
	}
	return res.(Session), nil
}

func (g *guardedProvider) Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	res, err := g.run(ctx, "capture", func(ctx context.Context) (any, error) {
		return g.Provider.Capture(ctx, req)
	})
	if err != nil {
		return CaptureResult{}, err
	}
	return res.(CaptureResult), nil
}

func (g *guardedProvider) VerifyEvent(ctx context.Context, payload []byte, header http.Header) (Event, error) {
	res, err := g.run(ctx, "verify_event", func(ctx context.Context) (any, error) {
		return g.Provider.VerifyEvent(ctx, payload, header)
	})
	if err != nil {
		return Event{}, err
	}
	return res.(Event), nil
}

func (g *guardedProvider) run(ctx context.Context, op string, call func(context.Context) (any, error)) (any, error) {
	res, err := g.cb.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		res, err := call(callCtx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && !IsOutcome(err, OutcomeNetworkError) {
			err = gatewayError(g.Name(), op, OutcomeNetworkError, err)
		}
		return res, err
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		err = gatewayError(g.Name(), op, OutcomeNetworkError, err)
		g.onCall(g.Name(), op, "breaker_open")
	case err != nil:
		g.onCall(g.Name(), op, outcomeLabel(err))
	default:
		g.onCall(g.Name(), op, "ok")
	}
	return res, err
}

func outcomeLabel(err error) string {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return string(gwErr.Outcome)
	}
	if errors.Is(err, ErrSignatureInvalid) {
		return "signature_invalid"
	}
	return "error"
}
