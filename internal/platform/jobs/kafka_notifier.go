package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	domain "github.com/hanko-field/orders/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier writes order events keyed by order ID so one order's events stay on one partition.
type KafkaNotifier struct {
	writer messageWriter
}

// NewKafkaWriter builds a hash-balanced writer for the topic.
func NewKafkaWriter(brokers []string, topic string) (*kafka.Writer, error) {
	addrs := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("kafka notifier: at least one broker is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka notifier: topic is required")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}, nil
}

func NewKafkaNotifier(writer messageWriter) (*KafkaNotifier, error) {
	if writer == nil {
		return nil, errors.New("kafka notifier: writer is required")
	}
	return &KafkaNotifier{writer: writer}, nil
}

func (k *KafkaNotifier) Notify(ctx context.Context, event domain.OrderEvent) error {
	data, err := encodeEvent(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}
	attrs := eventAttributes(event)
	headers := make([]kafka.Header, 0, len(attrs))
	for _, key := range []string{"eventType", "orderId", "status"} {
		if v, ok := attrs[key]; ok {
			headers = append(headers, kafka.Header{Key: key, Value: []byte(v)})
		}
	}
	msg := kafka.Message{
		Key:     []byte(event.OrderID),
		Value:   data,
		Headers: headers,
		Time:    event.OccurredAt.UTC(),
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write order event: %w", err)
	}
	return nil
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
