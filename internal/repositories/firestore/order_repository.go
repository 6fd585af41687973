package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

// OrderRepository stores orders keyed by order ID. Updates are compare-and-swap on the version field
// inside a transaction.
type OrderRepository struct {
	base *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{base: pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection)}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	return r.base.Create(ctx, id, encodeOrder(order))
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expectedVersion int64) error {
	id := strings.TrimSpace(order.ID)
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	return r.base.Provider().RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := r.base.GetTx(tx, ref)
		if err != nil {
			return err
		}
		if current.Data.Version != expectedVersion {
			return pfirestore.NewConflict("orders.update", fmt.Sprintf("order %s is at version %d, expected %d", id, current.Data.Version, expectedVersion))
		}
		return tx.Set(ref, encodeOrder(order))
	})
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

func (r *OrderRepository) FindByPaymentReference(ctx context.Context, paymentRef string) (domain.Order, error) {
	ref := strings.TrimSpace(paymentRef)
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentReference", "==", ref).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.NewNotFound("orders.find_by_ref", fmt.Sprintf("payment reference %s not found", ref))
	}
	return decodeOrder(docs[0].ID, docs[0].Data), nil
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
