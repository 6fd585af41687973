package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

// PaymentEventRepository is the idempotency ledger; the primary key on external_event_id rejects
// duplicates.
type PaymentEventRepository struct {
	db *sql.DB
}

func NewPaymentEventRepository(db *sql.DB) *PaymentEventRepository {
	return &PaymentEventRepository{db: db}
}

func (r *PaymentEventRepository) Insert(ctx context.Context, event domain.PaymentEvent) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO payment_events
			(external_event_id, provider, event_type, order_reference, received_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)`,
		event.ExternalEventID, event.Provider, event.EventType, event.OrderReference, event.ReceivedAt.UTC(),
	)
	return wrapError("payment_events.insert", err)
}

func (r *PaymentEventRepository) Find(ctx context.Context, externalEventID string) (domain.PaymentEvent, error) {
	var (
		event     domain.PaymentEvent
		reference sql.NullString
		processed sql.NullTime
		outcome   sql.NullString
		detail    sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `SELECT external_event_id, provider, event_type, order_reference, received_at,
			processed_at, outcome, detail
		FROM payment_events WHERE external_event_id = $1`, externalEventID,
	).Scan(&event.ExternalEventID, &event.Provider, &event.EventType, &reference, &event.ReceivedAt, &processed, &outcome, &detail)
	if err != nil {
		return domain.PaymentEvent{}, wrapError("payment_events.find", err)
	}
	event.OrderReference = reference.String
	event.ReceivedAt = event.ReceivedAt.UTC()
	event.ProcessedAt = nullTime(processed)
	event.Outcome = domain.PaymentEventOutcome(outcome.String)
	event.Detail = detail.String
	return event, nil
}

func (r *PaymentEventRepository) MarkProcessed(ctx context.Context, externalEventID string, processedAt time.Time, outcome domain.PaymentEventOutcome, detail string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE payment_events SET processed_at = $2, outcome = $3, detail = NULLIF($4, '')
		WHERE external_event_id = $1`, externalEventID, processedAt.UTC(), string(outcome), detail)
	if err != nil {
		return wrapError("payment_events.mark_processed", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return repositories.NewNotFoundError("payment_events.mark_processed", fmt.Sprintf("event %s not found", externalEventID))
	}
	return nil
}

var _ repositories.PaymentEventRepository = (*PaymentEventRepository)(nil)
