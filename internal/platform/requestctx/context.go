package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey int

const (
	keyLogger ctxKey = iota
	keyTrace
	keyBuyer
)

var nop = zap.NewNop()

// TraceInfo is the trace metadata carried through a request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger attaches a request-scoped logger. A nil logger stores the shared no-op logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = nop
	}
	return context.WithValue(ctx, keyLogger, logger)
}

// Logger returns the request-scoped logger or a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(keyLogger).(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nop
}

// NoopLogger returns the shared no-op logger.
func NoopLogger() *zap.Logger { return nop }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, keyTrace, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(keyTrace).(TraceInfo)
	return info, ok
}

// TraceID returns the current trace identifier or an empty string.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithBuyerRef records the opaque buyer reference resolved for the request.
func WithBuyerRef(ctx context.Context, buyerRef string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, keyBuyer, buyerRef)
}

// BuyerRef returns the buyer reference stored by WithBuyerRef.
func BuyerRef(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ref, _ := ctx.Value(keyBuyer).(string)
	return ref
}
