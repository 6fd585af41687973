package firestore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

// DownloadGrantRepository stores grants keyed by token.
type DownloadGrantRepository struct {
	base *pfirestore.BaseRepository[grantDocument]
}

func NewDownloadGrantRepository(provider *pfirestore.Provider) (*DownloadGrantRepository, error) {
	if provider == nil {
		return nil, errors.New("download grant repository requires firestore provider")
	}
	return &DownloadGrantRepository{base: pfirestore.NewBaseRepository[grantDocument](provider, grantsCollection)}, nil
}

// CreateBatch writes the missing (order, product) grants in one transaction so concurrent issuers
// cannot both create a grant for the same product.
func (r *DownloadGrantRepository) CreateBatch(ctx context.Context, orderID string, grants []domain.DownloadGrant) ([]domain.DownloadGrant, error) {
	coll, err := r.base.Collection(ctx)
	if err != nil {
		return nil, err
	}
	orderID = strings.TrimSpace(orderID)
	var stored []domain.DownloadGrant

	err = r.base.Provider().RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stored = stored[:0]
		existing, err := r.listTx(tx, coll.Where("orderId", "==", orderID))
		if err != nil {
			return err
		}
		products := make(map[string]struct{}, len(existing))
		for _, grant := range existing {
			products[grant.ProductID] = struct{}{}
		}
		stored = append(stored, existing...)
		for _, grant := range grants {
			if _, ok := products[grant.ProductID]; ok {
				continue
			}
			products[grant.ProductID] = struct{}{}
			grant.OrderID = orderID
			if err := tx.Create(coll.Doc(grant.Token), encodeGrant(grant)); err != nil {
				return err
			}
			stored = append(stored, grant)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *DownloadGrantRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.DownloadGrant, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", strings.TrimSpace(orderID))
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.DownloadGrant, 0, len(docs))
	for _, doc := range docs {
		out = append(out, decodeGrant(doc.ID, doc.Data))
	}
	slices.SortFunc(out, func(a, b domain.DownloadGrant) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return out, nil
}

func (r *DownloadGrantRepository) FindByToken(ctx context.Context, token string) (domain.DownloadGrant, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(token))
	if err != nil {
		return domain.DownloadGrant{}, err
	}
	return decodeGrant(doc.ID, doc.Data), nil
}

// Increment re-checks the grant inside the transaction; Firestore retries the closure on contention so
// the ceiling holds under concurrent redemptions.
func (r *DownloadGrantRepository) Increment(ctx context.Context, token string, now time.Time) (domain.DownloadGrant, error) {
	ref, err := r.base.DocumentRef(ctx, strings.TrimSpace(token))
	if err != nil {
		return domain.DownloadGrant{}, err
	}
	var (
		updated  domain.DownloadGrant
		rejected *repositories.GrantError
	)
	err = r.base.Provider().RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		rejected = nil
		doc, err := r.base.GetTx(tx, ref)
		if err != nil {
			return err
		}
		grant := decodeGrant(doc.ID, doc.Data)
		if rejection := repositories.CheckRedeemable(grant, now); rejection != nil {
			rejection.Op = "downloadGrants.increment"
			updated = repositories.RefuseRedemption(grant, rejection)
			if updated.IsActive == grant.IsActive {
				return rejection
			}
			// commit the expiry, then report the refusal
			rejected = rejection
			return tx.Update(ref, []firestore.Update{{Path: "isActive", Value: false}})
		}
		updated = repositories.ApplyRedemption(grant, now)
		return tx.Set(ref, encodeGrant(updated))
	})
	if err == nil && rejected != nil {
		return updated, rejected
	}
	if err != nil {
		var grantErr *repositories.GrantError
		if errors.As(err, &grantErr) {
			return updated, grantErr
		}
		return domain.DownloadGrant{}, err
	}
	return updated, nil
}

func (r *DownloadGrantRepository) DeactivateByOrder(ctx context.Context, orderID string) (int, error) {
	coll, err := r.base.Collection(ctx)
	if err != nil {
		return 0, err
	}
	orderID = strings.TrimSpace(orderID)
	changed := 0
	err = r.base.Provider().RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		changed = 0
		active, err := r.listTx(tx, coll.Where("orderId", "==", orderID).Where("isActive", "==", true))
		if err != nil {
			return err
		}
		for _, grant := range active {
			if err := tx.Update(coll.Doc(grant.Token), []firestore.Update{{Path: "isActive", Value: false}}); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

func (r *DownloadGrantRepository) listTx(tx *firestore.Transaction, query firestore.Query) ([]domain.DownloadGrant, error) {
	iter := tx.Documents(query)
	defer iter.Stop()
	var out []domain.DownloadGrant
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, pfirestore.WrapError("downloadGrants.list", err)
		}
		var doc grantDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("firestore: decode grant %s: %w", snap.Ref.ID, err)
		}
		out = append(out, decodeGrant(snap.Ref.ID, doc))
	}
}

var _ repositories.DownloadGrantRepository = (*DownloadGrantRepository)(nil)
