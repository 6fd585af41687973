package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

const grantColumns = `token, order_id, product_id, buyer_ref, download_limit, download_count, expires_at, is_active,
	created_at, last_downloaded_at`

// DownloadGrantRepository stores grants in download_grants. The (order_id, product_id) unique key keeps one
// grant per purchased product.
type DownloadGrantRepository struct {
	db *sql.DB
}

func NewDownloadGrantRepository(db *sql.DB) *DownloadGrantRepository {
	return &DownloadGrantRepository{db: db}
}

func (r *DownloadGrantRepository) CreateBatch(ctx context.Context, orderID string, grants []domain.DownloadGrant) ([]domain.DownloadGrant, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapError("download_grants.create", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, grant := range grants {
		_, err := tx.ExecContext(ctx, `INSERT INTO download_grants (`+grantColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (order_id, product_id) DO NOTHING`,
			grant.Token, orderID, grant.ProductID, grant.BuyerRef, grant.DownloadLimit, grant.DownloadCount,
			grant.ExpiresAt.UTC(), grant.IsActive, grant.CreatedAt.UTC(), grant.LastDownloadedAt,
		)
		if err != nil {
			return nil, wrapError("download_grants.create", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapError("download_grants.create", err)
	}
	return r.ListByOrder(ctx, orderID)
}

func (r *DownloadGrantRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.DownloadGrant, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+grantColumns+` FROM download_grants
		WHERE order_id = $1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, wrapError("download_grants.list", err)
	}
	defer rows.Close()

	var grants []domain.DownloadGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, wrapError("download_grants.list", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("download_grants.list", err)
	}
	return grants, nil
}

func (r *DownloadGrantRepository) FindByToken(ctx context.Context, token string) (domain.DownloadGrant, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM download_grants WHERE token = $1`, token)
	grant, err := scanGrant(row)
	if err != nil {
		return domain.DownloadGrant{}, wrapError("download_grants.find", err)
	}
	return grant, nil
}

// Increment is one conditional UPDATE; the row lock serialises concurrent redemptions so the count never
// passes the limit. When no row matches the grant is re-read to report why.
func (r *DownloadGrantRepository) Increment(ctx context.Context, token string, now time.Time) (domain.DownloadGrant, error) {
	row := r.db.QueryRowContext(ctx, `UPDATE download_grants SET
			download_count = download_count + 1,
			last_downloaded_at = $2,
			is_active = download_count + 1 < download_limit
		WHERE token = $1 AND is_active AND download_count < download_limit AND expires_at >= $2
		RETURNING `+grantColumns, token, now.UTC())
	grant, err := scanGrant(row)
	if err == nil {
		return grant, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.DownloadGrant{}, wrapError("download_grants.increment", err)
	}

	current, err := r.FindByToken(ctx, token)
	if err != nil {
		return domain.DownloadGrant{}, err
	}
	if rejection := repositories.CheckRedeemable(current, now); rejection != nil {
		rejection.Op = "download_grants.increment"
		expired := repositories.RefuseRedemption(current, rejection)
		if expired.IsActive != current.IsActive {
			if _, err := r.db.ExecContext(ctx, `UPDATE download_grants SET is_active = FALSE
				WHERE token = $1 AND is_active AND expires_at < $2`, token, now.UTC()); err != nil {
				return domain.DownloadGrant{}, wrapError("download_grants.expire", err)
			}
		}
		return expired, rejection
	}
	// the row changed between the update and the read
	return current, repositories.NewGrantError(repositories.GrantErrorExhausted, fmt.Sprintf("grant %s changed concurrently", token), nil)
}

func (r *DownloadGrantRepository) DeactivateByOrder(ctx context.Context, orderID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE download_grants SET is_active = FALSE WHERE order_id = $1 AND is_active`, orderID)
	if err != nil {
		return 0, wrapError("download_grants.deactivate", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, wrapError("download_grants.deactivate", err)
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (domain.DownloadGrant, error) {
	var (
		grant domain.DownloadGrant
		last  sql.NullTime
	)
	err := row.Scan(&grant.Token, &grant.OrderID, &grant.ProductID, &grant.BuyerRef, &grant.DownloadLimit,
		&grant.DownloadCount, &grant.ExpiresAt, &grant.IsActive, &grant.CreatedAt, &last)
	if err != nil {
		return domain.DownloadGrant{}, err
	}
	grant.ExpiresAt = grant.ExpiresAt.UTC()
	grant.CreatedAt = grant.CreatedAt.UTC()
	grant.LastDownloadedAt = nullTime(last)
	return grant, nil
}

var _ repositories.DownloadGrantRepository = (*DownloadGrantRepository)(nil)
