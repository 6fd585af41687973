//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/config"
	"github.com/hanko-field/orders/internal/repositories"
	"github.com/hanko-field/orders/internal/repositories/memory"
)

func setupTestDB(t *testing.T) *Registry {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("orders"),
		tcpostgres.WithUsername("orders"),
		tcpostgres.WithPassword("orders"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := Open(ctx, config.PostgresConfig{DSN: dsn, MaxOpenConns: 20})
	require.NoError(t, err)
	require.NoError(t, Migrate(db, ""))
	require.NoError(t, Migrate(db, ""), "migrations must be re-runnable")

	reg, err := NewRegistry(db, memory.NewCartRepository())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close(ctx) })
	return reg
}

func newTestOrder(id string) domain.Order {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:              id,
		OrderNumber:     "ORD-20250301-" + id,
		BuyerRef:        "buyer_1",
		Status:          domain.OrderStatusPending,
		Currency:        "USD",
		LineItems:       []domain.OrderLineItem{{ProductID: "prod_1", SellerID: "seller_1", UnitPrice: decimal.RequireFromString("100")}},
		Subtotal:        decimal.RequireFromString("100"),
		PlatformFeeRate: decimal.RequireFromString("0.10"),
		PlatformFee:     decimal.RequireFromString("10"),
		SellerAmount:    decimal.RequireFromString("90"),
		TotalAmount:     decimal.RequireFromString("110"),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestOrderRepositoryCompareAndSwap(t *testing.T) {
	reg := setupTestDB(t)
	ctx := context.Background()

	order := newTestOrder("ord_1")
	require.NoError(t, reg.Orders().Insert(ctx, order))
	assert.True(t, repositories.IsConflict(reg.Orders().Insert(ctx, order)))

	next := order
	next.Status = domain.OrderStatusProcessing
	next.PaymentProvider = "stripe"
	next.PaymentReference = "cs_1"
	next.Version = 2
	require.NoError(t, reg.Orders().Update(ctx, next, 1))
	assert.True(t, repositories.IsConflict(reg.Orders().Update(ctx, next, 1)))

	missing := newTestOrder("ord_missing")
	assert.True(t, repositories.IsNotFound(reg.Orders().Update(ctx, missing, 1)))

	found, err := reg.Orders().FindByPaymentReference(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, order.ID, found.ID)
	assert.Equal(t, domain.OrderStatusProcessing, found.Status)
	assert.True(t, found.TotalAmount.Equal(order.TotalAmount))
	require.Len(t, found.LineItems, 1)
	assert.True(t, found.LineItems[0].UnitPrice.Equal(decimal.RequireFromString("100")))
	assert.Nil(t, found.PaidAt)
}

func TestPaymentEventRepositoryLedger(t *testing.T) {
	reg := setupTestDB(t)
	ctx := context.Background()

	event := domain.PaymentEvent{ExternalEventID: "evt_1", Provider: "stripe", EventType: "payment_succeeded", ReceivedAt: time.Now()}
	require.NoError(t, reg.PaymentEvents().Insert(ctx, event))
	assert.True(t, repositories.IsConflict(reg.PaymentEvents().Insert(ctx, event)))

	stored, err := reg.PaymentEvents().Find(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, stored.Processed())

	require.NoError(t, reg.PaymentEvents().MarkProcessed(ctx, "evt_1", time.Now(), domain.PaymentEventOutcomeAnomaly, "amount mismatch"))
	stored, err = reg.PaymentEvents().Find(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, stored.Processed())
	assert.Equal(t, "amount mismatch", stored.Detail)

	_, err = reg.PaymentEvents().Find(ctx, "evt_missing")
	assert.True(t, repositories.IsNotFound(err))
}

func TestDownloadGrantRepositoryCeiling(t *testing.T) {
	reg := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, reg.Orders().Insert(ctx, newTestOrder("ord_1")))

	now := time.Now().UTC()
	grant := domain.DownloadGrant{
		Token: "tok_1", ProductID: "prod_1", BuyerRef: "buyer_1",
		DownloadLimit: 5, ExpiresAt: now.Add(time.Hour), IsActive: true, CreatedAt: now,
	}
	stored, err := reg.DownloadGrants().CreateBatch(ctx, "ord_1", []domain.DownloadGrant{grant})
	require.NoError(t, err)
	require.Len(t, stored, 1)

	dup := grant
	dup.Token = "tok_dup"
	stored, err = reg.DownloadGrants().CreateBatch(ctx, "ord_1", []domain.DownloadGrant{dup})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "tok_1", stored[0].Token)

	var (
		wg            sync.WaitGroup
		mu            sync.Mutex
		ok, exhausted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.DownloadGrants().Increment(ctx, "tok_1", now)
			mu.Lock()
			defer mu.Unlock()
			var grantErr *repositories.GrantError
			switch {
			case err == nil:
				ok++
			case errors.As(err, &grantErr) && grantErr.Code == repositories.GrantErrorExhausted:
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, ok)
	assert.Equal(t, 3, exhausted)

	spent, err := reg.DownloadGrants().FindByToken(ctx, "tok_1")
	require.NoError(t, err)
	assert.Equal(t, 5, spent.DownloadCount)
	assert.False(t, spent.IsActive)

	_, err = reg.DownloadGrants().Increment(ctx, "tok_missing", now)
	assert.True(t, repositories.IsNotFound(err))
}

func TestDownloadGrantRepositoryExpiryAndRevocation(t *testing.T) {
	reg := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, reg.Orders().Insert(ctx, newTestOrder("ord_1")))

	now := time.Now().UTC()
	_, err := reg.DownloadGrants().CreateBatch(ctx, "ord_1", []domain.DownloadGrant{
		{Token: "tok_a", ProductID: "prod_a", BuyerRef: "b", DownloadLimit: 5, ExpiresAt: now, IsActive: true, CreatedAt: now},
		{Token: "tok_b", ProductID: "prod_b", BuyerRef: "b", DownloadLimit: 5, ExpiresAt: now.Add(time.Hour), IsActive: true, CreatedAt: now},
	})
	require.NoError(t, err)

	_, err = reg.DownloadGrants().Increment(ctx, "tok_a", now)
	require.NoError(t, err, "a grant is valid up to its expiry instant")
	_, err = reg.DownloadGrants().Increment(ctx, "tok_a", now.Add(time.Second))
	var grantErr *repositories.GrantError
	require.True(t, errors.As(err, &grantErr))
	assert.Equal(t, repositories.GrantErrorExpired, grantErr.Code)

	count, err := reg.DownloadGrants().DeactivateByOrder(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	_, err = reg.DownloadGrants().Increment(ctx, "tok_b", now)
	require.True(t, errors.As(err, &grantErr))
	assert.Equal(t, repositories.GrantErrorInactive, grantErr.Code)
}

func TestCounterRepositoryUniqueUnderConcurrency(t *testing.T) {
	reg := setupTestDB(t)
	ctx := context.Background()

	const workers = 20
	seen := make(map[int64]bool, workers)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := reg.Counters().Next(ctx, "orders-20250301", 1)
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			mu.Lock()
			seen[value] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers)
	for i := int64(1); i <= workers; i++ {
		assert.True(t, seen[i], "missing value %d", i)
	}

	maxValue, start := int64(1), int64(0)
	require.NoError(t, reg.Counters().Configure(ctx, "bounded", repositories.CounterConfig{MaxValue: &maxValue, InitialValue: &start}))
	_, err := reg.Counters().Next(ctx, "bounded", 0)
	require.NoError(t, err)
	_, err = reg.Counters().Next(ctx, "bounded", 0)
	var counterErr *repositories.CounterError
	require.True(t, errors.As(err, &counterErr))
	assert.Equal(t, repositories.CounterErrorExhausted, counterErr.Code)
}
