package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

// CartRepository reads live carts stored as carts/{buyerRef} documents.
type CartRepository struct {
	base *pfirestore.BaseRepository[cartDocument]
	now  func() time.Time
}

func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		base: pfirestore.NewBaseRepository[cartDocument](provider, cartsCollection),
		now:  time.Now,
	}, nil
}

// GetSnapshot freezes the buyer's cart. A buyer without a cart document gets an empty snapshot.
func (r *CartRepository) GetSnapshot(ctx context.Context, buyerRef string) (domain.CartSnapshot, error) {
	ref := strings.TrimSpace(buyerRef)
	doc, err := r.base.Get(ctx, docID(ref))
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return domain.Cart{BuyerRef: ref}.Snapshot(r.now().UTC()), nil
		}
		return domain.CartSnapshot{}, err
	}
	return decodeCart(ref, doc.Data).Snapshot(r.now().UTC()), nil
}

// Put replaces the buyer's cart document. Used by seeding tools and tests.
func (r *CartRepository) Put(ctx context.Context, cart domain.Cart) error {
	ref, err := r.base.DocumentRef(ctx, docID(cart.BuyerRef))
	if err != nil {
		return err
	}
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = r.now()
	}
	_, err = ref.Set(ctx, encodeCart(cart))
	return pfirestore.WrapError("carts.put", err)
}

var _ repositories.CartRepository = (*CartRepository)(nil)
