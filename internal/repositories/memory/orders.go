package memory

import (
	"context"
	"fmt"
	"sync"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
	byRef  map[string]string
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]domain.Order), byRef: make(map[string]string)}
}

func (r *OrderRepository) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; exists {
		return repositories.NewConflictError("orders.insert", fmt.Sprintf("order %s already exists", order.ID))
	}
	r.orders[order.ID] = order.Clone()
	if order.PaymentReference != "" {
		r.byRef[order.PaymentReference] = order.ID
	}
	return nil
}

// Update stores order when the current version equals expectedVersion.
func (r *OrderRepository) Update(_ context.Context, order domain.Order, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.orders[order.ID]
	if !ok {
		return repositories.NewNotFoundError("orders.update", fmt.Sprintf("order %s not found", order.ID))
	}
	if current.Version != expectedVersion {
		return repositories.NewConflictError("orders.update",
			fmt.Sprintf("order %s version %d, expected %d", order.ID, current.Version, expectedVersion))
	}
	r.orders[order.ID] = order.Clone()
	if order.PaymentReference != "" {
		r.byRef[order.PaymentReference] = order.ID
	}
	return nil
}

func (r *OrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("orders.find", fmt.Sprintf("order %s not found", orderID))
	}
	return order.Clone(), nil
}

func (r *OrderRepository) FindByPaymentReference(ctx context.Context, paymentRef string) (domain.Order, error) {
	r.mu.RLock()
	id, ok := r.byRef[paymentRef]
	r.mu.RUnlock()
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("orders.find_by_ref", fmt.Sprintf("payment reference %s not found", paymentRef))
	}
	return r.FindByID(ctx, id)
}
