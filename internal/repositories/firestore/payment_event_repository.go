package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

// PaymentEventRepository is the webhook idempotency ledger. The external event ID is the document ID,
// so Create enforces uniqueness.
type PaymentEventRepository struct {
	base *pfirestore.BaseRepository[paymentEventDocument]
}

func NewPaymentEventRepository(provider *pfirestore.Provider) (*PaymentEventRepository, error) {
	if provider == nil {
		return nil, errors.New("payment event repository requires firestore provider")
	}
	return &PaymentEventRepository{base: pfirestore.NewBaseRepository[paymentEventDocument](provider, paymentEventsCollection)}, nil
}

func (r *PaymentEventRepository) Insert(ctx context.Context, event domain.PaymentEvent) error {
	return r.base.Create(ctx, docID(event.ExternalEventID), encodePaymentEvent(event))
}

func (r *PaymentEventRepository) Find(ctx context.Context, externalEventID string) (domain.PaymentEvent, error) {
	doc, err := r.base.Get(ctx, docID(externalEventID))
	if err != nil {
		return domain.PaymentEvent{}, err
	}
	return decodePaymentEvent(doc.Data), nil
}

func (r *PaymentEventRepository) MarkProcessed(ctx context.Context, externalEventID string, processedAt time.Time, outcome domain.PaymentEventOutcome, detail string) error {
	ref, err := r.base.DocumentRef(ctx, docID(externalEventID))
	if err != nil {
		return err
	}
	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "processedAt", Value: processedAt.UTC()},
		{Path: "outcome", Value: string(outcome)},
		{Path: "detail", Value: detail},
	})
	return pfirestore.WrapError("paymentEvents.mark_processed", err)
}

var _ repositories.PaymentEventRepository = (*PaymentEventRepository)(nil)
