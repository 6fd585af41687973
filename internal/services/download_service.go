package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	DefaultDownloadLimit = 5
	DefaultDownloadTTL   = 30 * 24 * time.Hour
)

// DownloadRecorder observes redemption results.
type DownloadRecorder interface {
	RecordDownload(result string)
}

// DownloadServiceDeps wires the download grant manager.
type DownloadServiceDeps struct {
	Orders         OrderService
	Grants         repositories.DownloadGrantRepository
	Files          FileLocator
	Metrics        DownloadRecorder
	DownloadLimit  int
	TTL            time.Duration
	Clock          func() time.Time
	TokenGenerator func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type downloadService struct {
	orders   OrderService
	grants   repositories.DownloadGrantRepository
	files    FileLocator
	metrics  DownloadRecorder
	limit    int
	ttl      time.Duration
	clock    func() time.Time
	newToken func() string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewDownloadService constructs a DownloadService.
func NewDownloadService(deps DownloadServiceDeps) (DownloadService, error) {
	if deps.Orders == nil {
		return nil, errors.New("download service: order service is required")
	}
	if deps.Grants == nil {
		return nil, errors.New("download service: grant repository is required")
	}
	if deps.Files == nil {
		return nil, errors.New("download service: file locator is required")
	}

	limit := deps.DownloadLimit
	if limit <= 0 {
		limit = DefaultDownloadLimit
	}
	ttl := deps.TTL
	if ttl <= 0 {
		ttl = DefaultDownloadTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newToken := deps.TokenGenerator
	if newToken == nil {
		newToken = uuid.NewString
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &downloadService{
		orders:  deps.Orders,
		grants:  deps.Grants,
		files:   deps.Files,
		metrics: deps.Metrics,
		limit:   limit,
		ttl:     ttl,
		clock: func() time.Time {
			return clock().UTC()
		},
		newToken: newToken,
		logger:   logger,
	}, nil
}

// IssueGrants creates one grant per purchased product. Orders that already have grants get the existing
// set back, and the repository skips (order, product) pairs that exist, so concurrent issuers converge on
// one batch.
func (s *downloadService) IssueGrants(ctx context.Context, orderID string) ([]DownloadGrant, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusPaid && order.Status != domain.OrderStatusCompleted {
		return nil, fmt.Errorf("%w: grants require a paid order, order %s is %s", ErrInvalidTransition, order.ID, order.Status)
	}

	existing, err := s.grants.ListByOrder(ctx, order.ID)
	if err != nil {
		return nil, mapRepositoryError(err, ErrOrderNotFound)
	}
	if len(existing) > 0 {
		return existing, nil
	}

	now := s.clock()
	seen := make(map[string]struct{}, len(order.LineItems))
	batch := make([]DownloadGrant, 0, len(order.LineItems))
	for _, item := range order.LineItems {
		if _, dup := seen[item.ProductID]; dup {
			continue
		}
		seen[item.ProductID] = struct{}{}
		batch = append(batch, DownloadGrant{
			Token:         s.newToken(),
			OrderID:       order.ID,
			ProductID:     item.ProductID,
			BuyerRef:      order.BuyerRef,
			DownloadLimit: s.limit,
			ExpiresAt:     now.Add(s.ttl),
			IsActive:      true,
			CreatedAt:     now,
		})
	}

	stored, err := s.grants.CreateBatch(ctx, order.ID, batch)
	if err != nil {
		return nil, mapRepositoryError(err, ErrOrderNotFound)
	}
	s.logger(ctx, "downloads.grants.issued", map[string]any{
		"orderId": order.ID,
		"count":   len(stored),
	})
	return stored, nil
}

// Redeem validates the grant, resolves the file location and then consumes one download with an atomic
// increment-with-ceiling. A locator failure does not consume a download.
func (s *downloadService) Redeem(ctx context.Context, token string) (Redemption, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		s.record("not_found")
		return Redemption{}, ErrTokenNotFound
	}

	grant, err := s.grants.FindByToken(ctx, token)
	if err != nil {
		err = mapRepositoryError(err, ErrTokenNotFound)
		s.record(redemptionResult(err))
		return Redemption{}, err
	}
	now := s.clock()
	if rejection := repositories.CheckRedeemable(grant, now); rejection != nil {
		err := mapGrantError(rejection)
		s.record(redemptionResult(err))
		return Redemption{}, err
	}

	file, err := s.files.Locate(ctx, grant.ProductID)
	if err != nil {
		s.record("error")
		return Redemption{}, fmt.Errorf("%w: locate file for %s: %w", ErrStoreUnavailable, grant.ProductID, err)
	}

	updated, err := s.grants.Increment(ctx, token, now)
	if err != nil {
		var grantErr *repositories.GrantError
		if errors.As(err, &grantErr) {
			err = mapGrantError(grantErr)
		} else {
			err = mapRepositoryError(err, ErrTokenNotFound)
		}
		s.record(redemptionResult(err))
		return Redemption{}, err
	}

	s.record("ok")
	s.logger(ctx, "downloads.redeemed", map[string]any{
		"orderId":   updated.OrderID,
		"productId": updated.ProductID,
		"remaining": updated.Remaining(),
	})
	return Redemption{File: file, Grant: updated}, nil
}

func (s *downloadService) RevokeGrants(ctx context.Context, orderID string) (int, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return 0, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	count, err := s.grants.DeactivateByOrder(ctx, orderID)
	if err != nil {
		return 0, mapRepositoryError(err, ErrOrderNotFound)
	}
	if count > 0 {
		s.logger(ctx, "downloads.grants.revoked", map[string]any{
			"orderId": orderID,
			"count":   count,
		})
	}
	return count, nil
}

func (s *downloadService) ListGrants(ctx context.Context, orderID string) ([]DownloadGrant, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	grants, err := s.grants.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, mapRepositoryError(err, ErrOrderNotFound)
	}
	now := s.clock()
	for i := range grants {
		grants[i].IsActive = grants[i].ActiveAt(now)
	}
	return grants, nil
}

func (s *downloadService) record(result string) {
	if s.metrics != nil {
		s.metrics.RecordDownload(result)
	}
}

func mapGrantError(err *repositories.GrantError) error {
	switch err.Code {
	case repositories.GrantErrorExhausted:
		return fmt.Errorf("%w: %s", ErrTokenExhausted, err.Message)
	case repositories.GrantErrorExpired:
		return fmt.Errorf("%w: %s", ErrTokenExpired, err.Message)
	case repositories.GrantErrorInactive:
		return fmt.Errorf("%w: %s", ErrTokenRevoked, err.Message)
	default:
		return fmt.Errorf("%w: %s", ErrTokenNotFound, err.Message)
	}
}

func redemptionResult(err error) string {
	switch {
	case errors.Is(err, ErrTokenNotFound):
		return "not_found"
	case errors.Is(err, ErrTokenExhausted):
		return "exhausted"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	default:
		return "error"
	}
}
