// Package memory holds process-local repository implementations for local development and tests.
package memory

import (
	"context"
	"time"

	"github.com/hanko-field/orders/internal/repositories"
)

// Registry bundles the in-memory repositories.
type Registry struct {
	carts    *CartRepository
	orders   *OrderRepository
	events   *PaymentEventRepository
	grants   *DownloadGrantRepository
	counters *CounterRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry returns an empty registry. The in-memory store always reports healthy; extra checks join
// it in the readiness report.
func NewRegistry(extraChecks ...repositories.DependencyCheck) *Registry {
	checks := append([]repositories.DependencyCheck{{
		Name:     "memory",
		Critical: true,
		Timeout:  time.Second,
		Check:    func(context.Context) error { return nil },
	}}, extraChecks...)
	health, _ := repositories.NewDependencyHealthRepository(checks)
	return &Registry{
		carts:    NewCartRepository(),
		orders:   NewOrderRepository(),
		events:   NewPaymentEventRepository(),
		grants:   NewDownloadGrantRepository(),
		counters: NewCounterRepository(),
		health:   health,
	}
}

func (r *Registry) Close(context.Context) error { return nil }

func (r *Registry) Carts() repositories.CartRepository                   { return r.carts }
func (r *Registry) Orders() repositories.OrderRepository                 { return r.orders }
func (r *Registry) PaymentEvents() repositories.PaymentEventRepository   { return r.events }
func (r *Registry) DownloadGrants() repositories.DownloadGrantRepository { return r.grants }
func (r *Registry) Counters() repositories.CounterRepository             { return r.counters }
func (r *Registry) Health() repositories.HealthRepository                { return r.health }

// CartStore exposes the concrete cart repository so local tooling can seed carts.
func (r *Registry) CartStore() *CartRepository { return r.carts }
