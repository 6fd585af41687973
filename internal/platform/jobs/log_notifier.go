package jobs

import (
	"context"

	"go.uber.org/zap"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/requestctx"
)

// LogNotifier writes order events to the log. It is the default when no broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, event domain.OrderEvent) error {
	logger := requestctx.Logger(ctx)
	if logger == requestctx.NoopLogger() {
		logger = n.logger
	}
	logger.Info("order event",
		zap.String("type", event.Type),
		zap.String("orderId", event.OrderID),
		zap.String("orderNumber", event.OrderNumber),
		zap.String("status", string(event.Status)),
		zap.Time("occurredAt", event.OccurredAt),
		zap.Any("metadata", event.Metadata),
	)
	return nil
}

func (n *LogNotifier) Close() error { return nil }
