package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hanko-field/orders/internal/repositories"
)

// Registry bundles the PostgreSQL repositories. Carts live in a separate store and are passed in.
type Registry struct {
	db       *sql.DB
	carts    repositories.CartRepository
	orders   *OrderRepository
	events   *PaymentEventRepository
	grants   *DownloadGrantRepository
	counters *CounterRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

func NewRegistry(db *sql.DB, carts repositories.CartRepository, extraChecks ...repositories.DependencyCheck) (*Registry, error) {
	if db == nil {
		return nil, errors.New("postgres registry: db is required")
	}
	if carts == nil {
		return nil, errors.New("postgres registry: cart repository is required")
	}
	checks := append([]repositories.DependencyCheck{{
		Name:     "postgres",
		Critical: true,
		Timeout:  2 * time.Second,
		Check:    db.PingContext,
	}}, extraChecks...)
	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, fmt.Errorf("postgres registry: %w", err)
	}
	return &Registry{
		db:       db,
		carts:    carts,
		orders:   NewOrderRepository(db),
		events:   NewPaymentEventRepository(db),
		grants:   NewDownloadGrantRepository(db),
		counters: NewCounterRepository(db),
		health:   health,
	}, nil
}

func (r *Registry) Close(context.Context) error { return r.db.Close() }

func (r *Registry) Carts() repositories.CartRepository                   { return r.carts }
func (r *Registry) Orders() repositories.OrderRepository                 { return r.orders }
func (r *Registry) PaymentEvents() repositories.PaymentEventRepository   { return r.events }
func (r *Registry) DownloadGrants() repositories.DownloadGrantRepository { return r.grants }
func (r *Registry) Counters() repositories.CounterRepository             { return r.counters }
func (r *Registry) Health() repositories.HealthRepository                { return r.health }
