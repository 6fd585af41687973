package jobs

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	domain "github.com/hanko-field/orders/internal/domain"
)

// PubSubNotifier publishes order events to a Pub/Sub topic. Messages for one order share an ordering key.
type PubSubNotifier struct {
	topic  *pubsub.Topic
	encode func(domain.OrderEvent) ([]byte, error)
}

func NewPubSubNotifier(topic *pubsub.Topic) (*PubSubNotifier, error) {
	if topic == nil {
		return nil, errors.New("pubsub notifier: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubNotifier{topic: topic, encode: encodeEvent}, nil
}

// Notify blocks until Pub/Sub acknowledges the publish.
func (p *PubSubNotifier) Notify(ctx context.Context, event domain.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub notifier: not initialised")
	}
	data, err := p.encode(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  eventAttributes(event),
		OrderingKey: event.OrderID,
	})
	if _, err := result.Get(ctx); err != nil {
		p.topic.ResumePublish(event.OrderID)
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// Close flushes pending messages.
func (p *PubSubNotifier) Close() error {
	p.topic.Stop()
	return nil
}
