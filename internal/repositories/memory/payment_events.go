package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

type PaymentEventRepository struct {
	mu     sync.Mutex
	events map[string]domain.PaymentEvent
}

func NewPaymentEventRepository() *PaymentEventRepository {
	return &PaymentEventRepository{events: make(map[string]domain.PaymentEvent)}
}

func (r *PaymentEventRepository) Insert(_ context.Context, event domain.PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.events[event.ExternalEventID]; exists {
		return repositories.NewConflictError("payment_events.insert", fmt.Sprintf("event %s already recorded", event.ExternalEventID))
	}
	r.events[event.ExternalEventID] = event
	return nil
}

func (r *PaymentEventRepository) Find(_ context.Context, externalEventID string) (domain.PaymentEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[externalEventID]
	if !ok {
		return domain.PaymentEvent{}, repositories.NewNotFoundError("payment_events.find", fmt.Sprintf("event %s not found", externalEventID))
	}
	return event, nil
}

func (r *PaymentEventRepository) MarkProcessed(_ context.Context, externalEventID string, processedAt time.Time, outcome domain.PaymentEventOutcome, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[externalEventID]
	if !ok {
		return repositories.NewNotFoundError("payment_events.mark", fmt.Sprintf("event %s not found", externalEventID))
	}
	ts := processedAt
	event.ProcessedAt = &ts
	event.Outcome = outcome
	event.Detail = detail
	r.events[externalEventID] = event
	return nil
}
