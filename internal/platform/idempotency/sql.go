package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLStore keeps records in the idempotency_keys table created by the Postgres migrations.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("idempotency: db is required")
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	id := keyHash(key)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	record, err := scanRecord(tx.QueryRowContext(ctx, `SELECT key, fingerprint, status, response_status, response_headers,
		response_body, created_at, updated_at, expires_at FROM idempotency_keys WHERE key_hash = $1 FOR UPDATE`, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		fresh := pendingRecord(key, fingerprint, now, ttl)
		res, err := tx.ExecContext(ctx, `INSERT INTO idempotency_keys
			(key_hash, key, fingerprint, status, created_at, updated_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $5, $6) ON CONFLICT (key_hash) DO NOTHING`,
			id, key, fingerprint, string(StatusPending), now, fresh.ExpiresAt)
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency: insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return Reservation{State: ReservationStatePending, Record: fresh}, nil
		}
		if err := tx.Commit(); err != nil {
			return Reservation{}, fmt.Errorf("idempotency: commit: %w", err)
		}
		return Reservation{State: ReservationStateNew, Record: fresh}, nil
	case err != nil:
		return Reservation{}, fmt.Errorf("idempotency: select: %w", err)
	}

	if !record.Expired(now) {
		return record.replayFor(fingerprint)
	}
	fresh := pendingRecord(key, fingerprint, now, ttl)
	if _, err := tx.ExecContext(ctx, `UPDATE idempotency_keys SET key = $2, fingerprint = $3, status = $4,
		response_status = 0, response_headers = NULL, response_body = NULL, created_at = $5, updated_at = $5,
		expires_at = $6 WHERE key_hash = $1`,
		id, key, fingerprint, string(StatusPending), now, fresh.ExpiresAt); err != nil {
		return Reservation{}, fmt.Errorf("idempotency: renew: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Reservation{}, fmt.Errorf("idempotency: commit: %w", err)
	}
	return Reservation{State: ReservationStateNew, Record: fresh}, nil
}

func (s *SQLStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	record := Record{Key: key, Fingerprint: fingerprint}.complete(resp, now, ttl)
	headers, err := json.Marshal(record.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("idempotency: encode headers: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO idempotency_keys
		(key_hash, key, fingerprint, status, response_status, response_headers, response_body, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9)
		ON CONFLICT (key_hash) DO UPDATE SET status = EXCLUDED.status, response_status = EXCLUDED.response_status,
			response_headers = EXCLUDED.response_headers, response_body = EXCLUDED.response_body,
			updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.fingerprint = EXCLUDED.fingerprint`,
		keyHash(key), key, fingerprint, string(StatusCompleted), record.ResponseStatus, headers, record.ResponseBody,
		now, record.ExpiresAt)
	if err != nil {
		return fmt.Errorf("idempotency: save: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFingerprintMismatch
	}
	return nil
}

func (s *SQLStore) Release(ctx context.Context, key, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key_hash = $1 AND fingerprint = $2 AND status = $3`,
		keyHash(key), fingerprint, string(StatusPending))
	if err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

func (s *SQLStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key_hash IN (
		SELECT key_hash FROM idempotency_keys WHERE expires_at <= $1 LIMIT $2)`, now.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("idempotency: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanRecord(row *sql.Row) (Record, error) {
	var (
		record  Record
		status  string
		headers []byte
	)
	err := row.Scan(&record.Key, &record.Fingerprint, &status, &record.ResponseStatus, &headers,
		&record.ResponseBody, &record.CreatedAt, &record.UpdatedAt, &record.ExpiresAt)
	if err != nil {
		return Record{}, err
	}
	record.Status = Status(status)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &record.ResponseHeaders); err != nil {
			return Record{}, fmt.Errorf("idempotency: decode headers: %w", err)
		}
	}
	return record, nil
}
