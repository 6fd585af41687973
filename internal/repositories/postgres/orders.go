package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

const orderColumns = `id, order_number, buyer_ref, status, currency, line_items, subtotal, platform_fee_rate,
	platform_fee, seller_amount, total_amount, payment_provider, payment_reference, cancel_reason, version,
	created_at, updated_at, paid_at, completed_at, cancelled_at, refunded_at, disputed_at`

// OrderRepository stores orders in the orders table. Update is a single conditional UPDATE on version.
type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	lines, err := json.Marshal(order.LineItems)
	if err != nil {
		return fmt.Errorf("orders.insert: encode line items: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), NULLIF($13, ''), NULLIF($14, ''), $15,
			$16, $17, $18, $19, $20, $21, $22)`,
		order.ID, order.OrderNumber, order.BuyerRef, string(order.Status), order.Currency, lines,
		order.Subtotal, order.PlatformFeeRate, order.PlatformFee, order.SellerAmount, order.TotalAmount,
		order.PaymentProvider, order.PaymentReference, order.CancelReason, order.Version,
		order.CreatedAt.UTC(), order.UpdatedAt.UTC(),
		order.PaidAt, order.CompletedAt, order.CancelledAt, order.RefundedAt, order.DisputedAt,
	)
	return wrapError("orders.insert", err)
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expectedVersion int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE orders SET
			status = $3, payment_provider = NULLIF($4, ''), payment_reference = NULLIF($5, ''),
			cancel_reason = NULLIF($6, ''), version = $7, updated_at = $8, paid_at = $9, completed_at = $10,
			cancelled_at = $11, refunded_at = $12, disputed_at = $13
		WHERE id = $1 AND version = $2`,
		order.ID, expectedVersion, string(order.Status), order.PaymentProvider, order.PaymentReference,
		order.CancelReason, order.Version, order.UpdatedAt.UTC(),
		order.PaidAt, order.CompletedAt, order.CancelledAt, order.RefundedAt, order.DisputedAt,
	)
	if err != nil {
		return wrapError("orders.update", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapError("orders.update", err)
	}
	if affected == 1 {
		return nil
	}
	if _, err := r.FindByID(ctx, order.ID); err != nil {
		return err
	}
	return repositories.NewConflictError("orders.update", fmt.Sprintf("order %s is not at version %d", order.ID, expectedVersion))
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	return scanOrder("orders.find", row)
}

func (r *OrderRepository) FindByPaymentReference(ctx context.Context, paymentRef string) (domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_reference = $1`, paymentRef)
	return scanOrder("orders.find_by_ref", row)
}

func scanOrder(op string, row *sql.Row) (domain.Order, error) {
	var (
		order     domain.Order
		status    string
		lines     []byte
		provider  sql.NullString
		reference sql.NullString
		reason    sql.NullString
		paid      sql.NullTime
		completed sql.NullTime
		cancelled sql.NullTime
		refunded  sql.NullTime
		disputed  sql.NullTime
	)
	err := row.Scan(
		&order.ID, &order.OrderNumber, &order.BuyerRef, &status, &order.Currency, &lines,
		&order.Subtotal, &order.PlatformFeeRate, &order.PlatformFee, &order.SellerAmount, &order.TotalAmount,
		&provider, &reference, &reason, &order.Version, &order.CreatedAt, &order.UpdatedAt,
		&paid, &completed, &cancelled, &refunded, &disputed,
	)
	if err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	if err := json.Unmarshal(lines, &order.LineItems); err != nil {
		return domain.Order{}, fmt.Errorf("%s: decode line items: %w", op, err)
	}
	order.Status = domain.OrderStatus(status)
	order.PaymentProvider = provider.String
	order.PaymentReference = reference.String
	order.CancelReason = reason.String
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.PaidAt = nullTime(paid)
	order.CompletedAt = nullTime(completed)
	order.CancelledAt = nullTime(cancelled)
	order.RefundedAt = nullTime(refunded)
	order.DisputedAt = nullTime(disputed)
	return order, nil
}

func nullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	ts := value.Time.UTC()
	return &ts
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
