package observability

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/orders/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// NewLogger builds the JSON zap logger used by the API. LOG_LEVEL selects the level.
func NewLogger() (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))); err != nil {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	cfg := zap.Config{
		Level:    level,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeLevel: func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString(strings.ToUpper(l.String()))
			},
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// PrintfAdapter exposes zap through a Printf method.
type PrintfAdapter struct {
	logger *zap.SugaredLogger
}

func NewPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PrintfAdapter{logger: logger.Sugar()}
}

func (a PrintfAdapter) Printf(format string, args ...any) {
	a.logger.Infof(format, args...)
}

// EventLogger adapts zap to the event hooks accepted by services. The request logger on ctx wins over
// base so request_id and trace_id are carried along. Events ending in "_failed" or ".error" log at
// error level; "anomaly" events log at warn.
func EventLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = base
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		zf := make([]zap.Field, 0, len(keys)+1)
		zf = append(zf, zap.String("event", event))
		for _, k := range keys {
			if err, ok := fields[k].(error); ok {
				zf = append(zf, zap.NamedError(k, err))
				continue
			}
			zf = append(zf, zap.Any(k, fields[k]))
		}
		switch {
		case strings.HasSuffix(event, "_failed"), strings.HasSuffix(event, ".error"):
			logger.Error(event, zf...)
		case strings.Contains(event, "anomaly"):
			logger.Warn(event, zf...)
		default:
			logger.Info(event, zf...)
		}
	}
}
