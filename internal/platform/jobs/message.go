// Package jobs publishes order events to downstream consumers.
package jobs

import (
	"encoding/json"
	"strings"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
)

// orderEventMessage is the wire form shared by every notifier.
type orderEventMessage struct {
	Type        string            `json:"type"`
	OrderID     string            `json:"orderId"`
	OrderNumber string            `json:"orderNumber,omitempty"`
	BuyerRef    string            `json:"buyerRef,omitempty"`
	Status      string            `json:"status"`
	OccurredAt  time.Time         `json:"occurredAt"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func encodeEvent(event domain.OrderEvent) ([]byte, error) {
	return json.Marshal(orderEventMessage{
		Type:        event.Type,
		OrderID:     event.OrderID,
		OrderNumber: event.OrderNumber,
		BuyerRef:    event.BuyerRef,
		Status:      string(event.Status),
		OccurredAt:  event.OccurredAt.UTC(),
		Metadata:    event.Metadata,
	})
}

func eventAttributes(event domain.OrderEvent) map[string]string {
	attrs := make(map[string]string)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", string(event.Status))
	return attrs
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
