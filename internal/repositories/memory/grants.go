package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

type DownloadGrantRepository struct {
	mu      sync.Mutex
	grants  map[string]domain.DownloadGrant
	byOrder map[string]map[string]string // order -> product -> token
}

func NewDownloadGrantRepository() *DownloadGrantRepository {
	return &DownloadGrantRepository{
		grants:  make(map[string]domain.DownloadGrant),
		byOrder: make(map[string]map[string]string),
	}
}

func (r *DownloadGrantRepository) CreateBatch(_ context.Context, orderID string, grants []domain.DownloadGrant) ([]domain.DownloadGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	products := r.byOrder[orderID]
	if products == nil {
		products = make(map[string]string)
		r.byOrder[orderID] = products
	}
	for _, grant := range grants {
		if _, exists := products[grant.ProductID]; exists {
			continue
		}
		if _, clash := r.grants[grant.Token]; clash {
			return nil, repositories.NewConflictError("grants.create", fmt.Sprintf("token collision for order %s", orderID))
		}
		grant.OrderID = orderID
		r.grants[grant.Token] = grant
		products[grant.ProductID] = grant.Token
	}
	return r.listLocked(orderID), nil
}

func (r *DownloadGrantRepository) ListByOrder(_ context.Context, orderID string) ([]domain.DownloadGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(orderID), nil
}

func (r *DownloadGrantRepository) FindByToken(_ context.Context, token string) (domain.DownloadGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	grant, ok := r.grants[token]
	if !ok {
		return domain.DownloadGrant{}, repositories.NewNotFoundError("grants.find", "grant not found")
	}
	return grant, nil
}

func (r *DownloadGrantRepository) Increment(_ context.Context, token string, now time.Time) (domain.DownloadGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	grant, ok := r.grants[token]
	if !ok {
		return domain.DownloadGrant{}, repositories.NewNotFoundError("grants.increment", "grant not found")
	}
	if rejection := repositories.CheckRedeemable(grant, now); rejection != nil {
		rejection.Op = "grants.increment"
		grant = repositories.RefuseRedemption(grant, rejection)
		r.grants[token] = grant
		return grant, rejection
	}
	grant = repositories.ApplyRedemption(grant, now)
	r.grants[token] = grant
	return grant, nil
}

func (r *DownloadGrantRepository) DeactivateByOrder(_ context.Context, orderID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := 0
	for _, token := range r.byOrder[orderID] {
		grant := r.grants[token]
		if !grant.IsActive {
			continue
		}
		grant.IsActive = false
		r.grants[token] = grant
		changed++
	}
	return changed, nil
}

func (r *DownloadGrantRepository) listLocked(orderID string) []domain.DownloadGrant {
	out := make([]domain.DownloadGrant, 0, len(r.byOrder[orderID]))
	for _, token := range r.byOrder[orderID] {
		out = append(out, r.grants[token])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
