package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/hanko-field/orders/internal/repositories"
)

// CounterRepository allocates sequence values with a row lock per counter.
type CounterRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewCounterRepository(db *sql.DB) *CounterRepository {
	return &CounterRepository{db: db, now: time.Now}
}

func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id, invalid := repositories.ValidateSequenceRequest(counterID, step)
	if invalid != nil {
		return 0, invalid
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapError("counters.next", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := r.now().UTC()
	if _, err := tx.ExecContext(ctx, `INSERT INTO counters (id, current_value, step, updated_at)
		VALUES ($1, 0, 1, $2) ON CONFLICT (id) DO NOTHING`, id, now); err != nil {
		return 0, wrapError("counters.next", err)
	}

	var (
		current  int64
		stored   int64
		maxValue sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `SELECT current_value, step, max_value FROM counters WHERE id = $1 FOR UPDATE`, id).
		Scan(&current, &stored, &maxValue)
	if err != nil {
		return 0, wrapError("counters.next", err)
	}

	var ceiling *int64
	if maxValue.Valid {
		ceiling = &maxValue.Int64
	}
	next, increment, rejected := repositories.AdvanceSequence(id, current, stored, step, ceiling)
	if rejected != nil {
		return 0, rejected
	}

	if _, err := tx.ExecContext(ctx, `UPDATE counters SET current_value = $2, step = $3, updated_at = $4 WHERE id = $1`,
		id, next, increment, now); err != nil {
		return 0, wrapError("counters.next", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapError("counters.next", err)
	}
	return next, nil
}

func (r *CounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	id, invalid := repositories.ValidateSequenceRequest(counterID, 0)
	if invalid != nil {
		return invalid
	}
	var initial, maxValue, step sql.NullInt64
	if cfg.InitialValue != nil {
		initial = sql.NullInt64{Int64: *cfg.InitialValue, Valid: true}
	}
	if cfg.MaxValue != nil {
		maxValue = sql.NullInt64{Int64: *cfg.MaxValue, Valid: true}
	}
	if cfg.Step > 0 {
		step = sql.NullInt64{Int64: cfg.Step, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO counters (id, current_value, step, max_value, updated_at)
		VALUES ($1, COALESCE($2::BIGINT, 0), COALESCE($3::BIGINT, 1), $4::BIGINT, $5)
		ON CONFLICT (id) DO UPDATE SET
			current_value = COALESCE($2::BIGINT, counters.current_value),
			step = COALESCE($3::BIGINT, counters.step),
			max_value = COALESCE($4::BIGINT, counters.max_value),
			updated_at = $5`,
		id, initial, step, maxValue, r.now().UTC())
	if err != nil {
		return wrapError("counters.configure", err)
	}
	return nil
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)
