// Package redis reads live carts from the Redis cart store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/config"
	"github.com/hanko-field/orders/internal/repositories"
)

const defaultKeyPrefix = "cart:"

type cartPayload struct {
	BuyerRef  string            `json:"buyerRef"`
	Currency  string            `json:"currency"`
	Items     []domain.CartItem `json:"items"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// CartRepository stores one JSON document per buyer under <prefix><buyerRef>.
type CartRepository struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewClient builds a go-redis client; connections open lazily.
func NewClient(cfg config.RedisConfig) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewCartRepository(client *goredis.Client, keyPrefix string) (*CartRepository, error) {
	if client == nil {
		return nil, errors.New("redis cart repository: client is required")
	}
	prefix := keyPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultKeyPrefix
	}
	return &CartRepository{client: client, prefix: prefix, now: time.Now}, nil
}

// GetSnapshot freezes the buyer's cart. A missing key yields an empty snapshot.
func (r *CartRepository) GetSnapshot(ctx context.Context, buyerRef string) (domain.CartSnapshot, error) {
	ref := strings.TrimSpace(buyerRef)
	data, err := r.client.Get(ctx, r.key(ref)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.Cart{BuyerRef: ref}.Snapshot(r.now().UTC()), nil
	}
	if err != nil {
		return domain.CartSnapshot{}, repositories.NewUnavailableError("carts.get", err)
	}

	var payload cartPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.CartSnapshot{}, repositories.NewUnavailableError("carts.get", fmt.Errorf("decode cart %s: %w", ref, err))
	}
	cart := domain.Cart{
		BuyerRef:  ref,
		Currency:  payload.Currency,
		Items:     payload.Items,
		UpdatedAt: payload.UpdatedAt,
	}
	return cart.Snapshot(r.now().UTC()), nil
}

// Put writes the buyer's cart. Used by fixtures and the local seeding tool.
func (r *CartRepository) Put(ctx context.Context, cart domain.Cart) error {
	ref := strings.TrimSpace(cart.BuyerRef)
	if ref == "" {
		return errors.New("redis cart repository: buyer ref is required")
	}
	updated := cart.UpdatedAt
	if updated.IsZero() {
		updated = r.now().UTC()
	}
	data, err := json.Marshal(cartPayload{
		BuyerRef:  ref,
		Currency:  cart.Currency,
		Items:     cart.Items,
		UpdatedAt: updated,
	})
	if err != nil {
		return fmt.Errorf("encode cart %s: %w", ref, err)
	}
	if err := r.client.Set(ctx, r.key(ref), data, r.ttl).Err(); err != nil {
		return repositories.NewUnavailableError("carts.put", err)
	}
	return nil
}

// Ping reports whether Redis answers.
func (r *CartRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *CartRepository) key(buyerRef string) string {
	return r.prefix + buyerRef
}

var _ repositories.CartRepository = (*CartRepository)(nil)
