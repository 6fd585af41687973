// Package firestore implements the repositories on Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

// Registry bundles the Firestore repositories around one shared provider.
type Registry struct {
	provider *pfirestore.Provider
	carts    *CartRepository
	orders   *OrderRepository
	events   *PaymentEventRepository
	grants   *DownloadGrantRepository
	counters *CounterRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every repository on provider. Extra checks are added to the readiness report next to
// the Firestore ping.
func NewRegistry(provider *pfirestore.Provider, extraChecks ...repositories.DependencyCheck) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}
	reg := &Registry{provider: provider}
	var err error
	if reg.carts, err = NewCartRepository(provider); err != nil {
		return nil, err
	}
	if reg.orders, err = NewOrderRepository(provider); err != nil {
		return nil, err
	}
	if reg.events, err = NewPaymentEventRepository(provider); err != nil {
		return nil, err
	}
	if reg.grants, err = NewDownloadGrantRepository(provider); err != nil {
		return nil, err
	}
	if reg.counters, err = NewCounterRepository(provider); err != nil {
		return nil, err
	}
	checks := append([]repositories.DependencyCheck{{
		Name:     "firestore",
		Critical: true,
		Timeout:  2 * time.Second,
		Check:    provider.Ping,
	}}, extraChecks...)
	if reg.health, err = repositories.NewDependencyHealthRepository(checks); err != nil {
		return nil, fmt.Errorf("firestore registry: %w", err)
	}
	return reg, nil
}

func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

func (r *Registry) Carts() repositories.CartRepository                   { return r.carts }
func (r *Registry) Orders() repositories.OrderRepository                 { return r.orders }
func (r *Registry) PaymentEvents() repositories.PaymentEventRepository   { return r.events }
func (r *Registry) DownloadGrants() repositories.DownloadGrantRepository { return r.grants }
func (r *Registry) Counters() repositories.CounterRepository             { return r.counters }
func (r *Registry) Health() repositories.HealthRepository                { return r.health }
