package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

// CartSnapshotServiceDeps wires the cart store.
type CartSnapshotServiceDeps struct {
	Carts repositories.CartRepository
	Clock func() time.Time
}

type cartSnapshotService struct {
	carts repositories.CartRepository
	clock func() time.Time
}

// NewCartSnapshotService constructs a CartSnapshotService.
func NewCartSnapshotService(deps CartSnapshotServiceDeps) (CartSnapshotService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart snapshot service: cart repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &cartSnapshotService{
		carts: deps.Carts,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Snapshot reads the buyer's cart and freezes it. When itemIDs is non-empty only those lines are kept,
// in cart order; unknown IDs are ignored. The result may be empty: rejecting it is the caller's job.
func (s *cartSnapshotService) Snapshot(ctx context.Context, buyerRef string, itemIDs []string) (CartSnapshot, error) {
	buyerRef = strings.TrimSpace(buyerRef)
	if buyerRef == "" {
		return CartSnapshot{}, fmt.Errorf("%w: buyer reference is required", ErrInvalidInput)
	}

	snapshot, err := s.carts.GetSnapshot(ctx, buyerRef)
	if err != nil {
		if repositories.IsNotFound(err) {
			return CartSnapshot{BuyerRef: buyerRef, CapturedAt: s.clock()}, nil
		}
		return CartSnapshot{}, mapRepositoryError(err, ErrEmptyCart)
	}

	wanted := make(map[string]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		if id = strings.TrimSpace(id); id != "" {
			wanted[id] = struct{}{}
		}
	}

	items := make([]domain.CartSnapshotItem, 0, len(snapshot.Items))
	for _, item := range snapshot.Items {
		if len(wanted) > 0 {
			if _, ok := wanted[item.ItemID]; !ok {
				continue
			}
		}
		items = append(items, item)
	}

	snapshot.BuyerRef = buyerRef
	snapshot.Items = items
	snapshot.Currency = strings.ToUpper(strings.TrimSpace(snapshot.Currency))
	if snapshot.CapturedAt.IsZero() {
		snapshot.CapturedAt = s.clock()
	}
	return snapshot, nil
}
