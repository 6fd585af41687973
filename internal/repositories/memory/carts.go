package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
)

// CartRepository is an in-memory cart store keyed by buyer reference.
type CartRepository struct {
	mu    sync.RWMutex
	carts map[string]domain.Cart
	now   func() time.Time
}

func NewCartRepository() *CartRepository {
	return &CartRepository{carts: make(map[string]domain.Cart), now: time.Now}
}

// Put replaces the buyer's cart.
func (r *CartRepository) Put(cart domain.Cart) {
	cart.Items = append([]domain.CartItem(nil), cart.Items...)
	r.mu.Lock()
	r.carts[strings.TrimSpace(cart.BuyerRef)] = cart
	r.mu.Unlock()
}

// GetSnapshot freezes the buyer's cart. A buyer without a cart gets an empty snapshot.
func (r *CartRepository) GetSnapshot(_ context.Context, buyerRef string) (domain.CartSnapshot, error) {
	ref := strings.TrimSpace(buyerRef)
	r.mu.RLock()
	cart, ok := r.carts[ref]
	r.mu.RUnlock()
	if !ok {
		cart = domain.Cart{BuyerRef: ref}
	}
	return cart.Snapshot(r.now().UTC()), nil
}
