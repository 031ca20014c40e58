package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gstpos/backend/internal/checkout"
	"gstpos/backend/internal/domain"
	"gstpos/backend/internal/store"
	"gstpos/backend/internal/store/memory"
)

var fixedNow = time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)

type mapCache struct {
	mu   sync.Mutex
	txs  map[string]domain.Transaction
	sets int
	gets int
}

func newMapCache() *mapCache {
	return &mapCache{txs: make(map[string]domain.Transaction)}
}

func (c *mapCache) Get(_ context.Context, id string) (*domain.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	tx, ok := c.txs[id]
	if !ok {
		return nil, false, nil
	}
	return &tx, true, nil
}

func (c *mapCache) Set(_ context.Context, tx *domain.Transaction, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.txs[tx.ID] = *tx
	return nil
}

func (c *mapCache) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.txs, id)
	return nil
}

func (c *mapCache) cached(id string) (domain.Transaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[id]
	return tx, ok
}

func newTestService(t *testing.T) (*Service, *memory.Store, *mapCache) {
	t.Helper()
	repo := memory.New()
	ctx := context.Background()
	for _, p := range []domain.Product{
		{ID: "P1", Name: "Tea", Category: "beverage", PriceCents: 100, Stock: 10, TaxRatePercent: 10, ReorderLevel: 2, Active: true},
		{ID: "P2", Name: "Rice", Category: "grocery", PriceCents: 200, Stock: 3, TaxRatePercent: 5, ReorderLevel: 5, Active: true},
	} {
		_, err := repo.CreateProduct(ctx, p)
		require.NoError(t, err)
	}
	_, err := repo.CreateCustomer(ctx, domain.Customer{ID: "C1", Name: "Asha", Phone: "9810000001"})
	require.NoError(t, err)

	clock := func() time.Time { return fixedNow }
	engine := checkout.New(repo, checkout.WithClock(clock))
	txCache := newMapCache()
	svc := New(repo, engine, WithClock(clock), WithTransactionCache(txCache, time.Minute))
	return svc, repo, txCache
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "kasir", Role: domain.RoleCashier})
}

func TestAdminOperationsRequireAdminRole(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateProduct(cashierCtx(), domain.ProductCreateRequest{Name: "Soap", Category: "household", PriceCents: 100})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = svc.ListLowStock(context.Background())
	require.ErrorIs(t, err, ErrForbidden)

	_, err = svc.CancelTransaction(cashierCtx(), "tx", "oops")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = svc.DailyReport(cashierCtx(), "")
	require.ErrorIs(t, err, ErrForbidden)
}

func TestCreateProductValidatesAndRecordsInitialStock(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := adminCtx()

	_, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{Name: "Soap", Category: "household", PriceCents: 100, TaxRatePercent: 101})
	require.ErrorIs(t, err, checkout.ErrInvalidRequest)

	_, err = svc.CreateProduct(ctx, domain.ProductCreateRequest{Name: " ", Category: "household", PriceCents: 100})
	require.ErrorIs(t, err, checkout.ErrInvalidRequest)

	_, err = svc.CreateProduct(ctx, domain.ProductCreateRequest{ID: "P1", Name: "Dup", Category: "x", PriceCents: 1})
	require.ErrorIs(t, err, store.ErrConflict)

	created, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		Name: " Soap ", Category: "household", PriceCents: 18000, TaxRatePercent: 18, InitialStock: 7,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Soap", created.Name)
	assert.True(t, created.Active)
	assert.Equal(t, 7, created.Stock)

	movements, err := repo.ListMovements(context.Background(), created.ID, 10)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, domain.MovementReasonInitial, movements[0].Reason)
}

func TestUpdateProductKeepsStock(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := adminCtx()

	price := int64(150)
	rate := 12.0
	inactive := false
	updated, err := svc.UpdateProduct(ctx, "P1", domain.ProductUpdateRequest{PriceCents: &price, TaxRatePercent: &rate, Active: &inactive})
	require.NoError(t, err)
	assert.Equal(t, int64(150), updated.PriceCents)
	assert.InDelta(t, 12.0, updated.TaxRatePercent, 0.0001)
	assert.False(t, updated.Active)
	assert.Equal(t, 10, updated.Stock)

	empty := ""
	_, err = svc.UpdateProduct(ctx, "P1", domain.ProductUpdateRequest{Name: &empty})
	require.ErrorIs(t, err, checkout.ErrInvalidRequest)

	_, err = svc.UpdateProduct(ctx, "missing", domain.ProductUpdateRequest{PriceCents: &price})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRestockAndLowStock(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := adminCtx()

	low, err := svc.ListLowStock(ctx)
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, "P2", low[0].ID)

	_, err = svc.RestockProduct(ctx, "P2", domain.RestockRequest{Qty: 0})
	require.ErrorIs(t, err, checkout.ErrInvalidRequest)

	product, err := svc.RestockProduct(ctx, "P2", domain.RestockRequest{Qty: 10, Reason: "supplier delivery"})
	require.NoError(t, err)
	assert.Equal(t, 13, product.Stock)

	low, err = svc.ListLowStock(ctx)
	require.NoError(t, err)
	assert.Empty(t, low)

	movements, err := svc.ListMovements(ctx, "P2", 0)
	require.NoError(t, err)
	require.NotEmpty(t, movements)
	assert.Equal(t, "supplier delivery", movements[0].Reason)
	assert.Equal(t, 10, movements[0].DeltaQty)
}

func TestCreateCustomerValidatesGSTIN(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := cashierCtx()

	_, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: "Kaveri", GSTIN: "XX123"})
	require.ErrorIs(t, err, checkout.ErrInvalidRequest)

	_, err = svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: "Other", Phone: "9810000001"})
	require.ErrorIs(t, err, store.ErrConflict)

	created, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: "Kaveri Traders", GSTIN: " 29aaack1234f1z5 "})
	require.NoError(t, err)
	assert.Equal(t, "29AAACK1234F1Z5", created.GSTIN)

	got, err := svc.GetCustomer(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Kaveri Traders", got.Name)
}

func TestCheckoutRecordsCashierAndWarmsCache(t *testing.T) {
	svc, _, txCache := newTestService(t)

	_, err := svc.Checkout(context.Background(), domain.SaleRequest{PaymentMethod: "cash", CartLines: []domain.CartLine{{ProductID: "P1", Qty: 1}}})
	require.ErrorIs(t, err, ErrForbidden)

	tx, err := svc.Checkout(cashierCtx(), domain.SaleRequest{
		IdempotencyKey: "idem-1",
		PaymentMethod:  "cash",
		CustomerID:     "C1",
		CartLines:      []domain.CartLine{{ProductID: "P1", Qty: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, "kasir", tx.CashierUsername)
	assert.Equal(t, int64(220), tx.TotalCents)

	cached, ok := txCache.cached(tx.ID)
	require.True(t, ok)
	assert.Equal(t, tx.InvoiceNumber, cached.InvoiceNumber)

	got, err := svc.GetTransaction(cashierCtx(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)

	again, err := svc.Checkout(cashierCtx(), domain.SaleRequest{
		IdempotencyKey: "idem-1",
		PaymentMethod:  "cash",
		CartLines:      []domain.CartLine{{ProductID: "P1", Qty: 2}},
	})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, tx.ID, again.ID)
}

func TestCancelRefreshesCachedTransaction(t *testing.T) {
	svc, repo, txCache := newTestService(t)

	tx, err := svc.Checkout(cashierCtx(), domain.SaleRequest{PaymentMethod: "upi", CartLines: []domain.CartLine{{ProductID: "P2", Qty: 3}}})
	require.NoError(t, err)

	_, err = svc.CancelTransaction(adminCtx(), tx.ID, " ")
	require.ErrorIs(t, err, checkout.ErrInvalidRequest)

	cancelled, err := svc.CancelTransaction(adminCtx(), tx.ID, "customer returned goods")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusCancelled, cancelled.Status)

	cached, ok := txCache.cached(tx.ID)
	require.True(t, ok)
	assert.Equal(t, domain.TxStatusCancelled, cached.Status)

	got, err := svc.GetTransaction(cashierCtx(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "customer returned goods", got.CancelReason)

	p2, err := repo.GetProduct(context.Background(), "P2")
	require.NoError(t, err)
	assert.Equal(t, 3, p2.Stock)

	_, err = svc.CancelTransaction(adminCtx(), tx.ID, "again")
	require.ErrorIs(t, err, checkout.ErrInvalidTransition)
}

func TestGetTransactionLoadsMissFromLedger(t *testing.T) {
	svc, _, txCache := newTestService(t)

	tx, err := svc.Checkout(cashierCtx(), domain.SaleRequest{PaymentMethod: "card", CartLines: []domain.CartLine{{ProductID: "P1", Qty: 1}}})
	require.NoError(t, err)
	require.NoError(t, txCache.Delete(context.Background(), tx.ID))

	got, err := svc.GetTransaction(cashierCtx(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.TotalCents, got.TotalCents)
	_, ok := txCache.cached(tx.ID)
	assert.True(t, ok)

	_, err = svc.GetTransaction(cashierCtx(), "tx-missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListTransactionsAndDailyReport(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := adminCtx()

	for _, qty := range []int{1, 2} {
		_, err := svc.Checkout(cashierCtx(), domain.SaleRequest{PaymentMethod: "cash", CartLines: []domain.CartLine{{ProductID: "P1", Qty: qty}}})
		require.NoError(t, err)
	}

	txs, err := svc.ListTransactions(ctx, "", "", 0)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	txs, err = svc.ListTransactions(ctx, "2026-03-13", "2026-03-14", 0)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	txs, err = svc.ListTransactions(ctx, "2026-03-15", "", 0)
	require.NoError(t, err)
	assert.Empty(t, txs)

	_, err = svc.ListTransactions(ctx, "2026-03-15", "2026-03-14", 0)
	require.ErrorIs(t, err, checkout.ErrInvalidRequest)

	_, err = svc.ListTransactions(ctx, "14/03/2026", "", 0)
	require.ErrorIs(t, err, checkout.ErrInvalidRequest)

	report, err := svc.DailyReport(ctx, "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14", report.Date)
	assert.Equal(t, int64(2), report.Transactions)
	assert.Equal(t, int64(3), report.ItemsSold)
	assert.Equal(t, int64(300), report.GrossSalesCents)
	assert.Equal(t, int64(330), report.NetSalesCents)
}

func TestQuoteDelegatesToEngine(t *testing.T) {
	svc, _, _ := newTestService(t)

	breakdown, err := svc.Quote(cashierCtx(), domain.QuoteRequest{
		TaxMode:   domain.TaxModeCrossRegion,
		CartLines: []domain.CartLine{{ProductID: "P1", Qty: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(20), breakdown.Component(domain.TaxComponentIGST))
	assert.Equal(t, int64(220), breakdown.TotalCents)
}
