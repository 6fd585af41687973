package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document pairs a decoded record with its Firestore ID.
type Document[T any] struct {
	ID   string
	Data T
}

// QueryBuilder narrows a collection query.
type QueryBuilder func(query firestore.Query) firestore.Query

// BaseRepository provides typed access to one collection. Records are encoded with Firestore struct tags.
type BaseRepository[T any] struct {
	provider   *Provider
	collection string
}

func NewBaseRepository[T any](provider *Provider, collection string) *BaseRepository[T] {
	return &BaseRepository[T]{provider: provider, collection: strings.TrimSpace(collection)}
}

// Create inserts a new document and fails with a conflict when the ID already exists.
func (r *BaseRepository[T]) Create(ctx context.Context, id string, value T) error {
	doc, err := r.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := doc.Create(ctx, value); err != nil {
		return WrapError(r.op("create"), err)
	}
	return nil
}

// Get loads and decodes the document.
func (r *BaseRepository[T]) Get(ctx context.Context, id string) (Document[T], error) {
	doc, err := r.DocumentRef(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := doc.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(r.op("get"), err)
	}
	return decode[T](snap)
}

// GetTx loads the document inside a transaction.
func (r *BaseRepository[T]) GetTx(tx *firestore.Transaction, doc *firestore.DocumentRef) (Document[T], error) {
	snap, err := tx.Get(doc)
	if err != nil {
		return Document[T]{}, WrapError(r.op("tx_get"), err)
	}
	return decode[T](snap)
}

// Query runs the built query and decodes every result.
func (r *BaseRepository[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := r.Collection(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, WrapError(r.op("query"), err)
		}
		decoded, err := decode[T](snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, decoded)
	}
}

// Collection returns the collection reference.
func (r *BaseRepository[T]) Collection(ctx context.Context) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("firestore: provider is nil")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, WrapError(r.op("client"), err)
	}
	return client.Collection(r.collection), nil
}

// DocumentRef returns a reference for use in transactions.
func (r *BaseRepository[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%s: document id is required", r.op("document"))
	}
	coll, err := r.Collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// Provider exposes the backing provider for transactions spanning collections.
func (r *BaseRepository[T]) Provider() *Provider { return r.provider }

func (r *BaseRepository[T]) op(action string) string {
	return r.collection + "." + action
}

func decode[T any](snap *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snap.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode %s: %w", snap.Ref.ID, err)
	}
	return Document[T]{ID: snap.Ref.ID, Data: data}, nil
}
