package checkout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gstpos/backend/internal/domain"
	"gstpos/backend/internal/events"
	"gstpos/backend/internal/logging"
	"gstpos/backend/internal/store"
	"gstpos/backend/internal/store/memory"
)

var fixedNow = time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)

func seedStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	ctx := context.Background()
	for _, p := range []domain.Product{
		{ID: "P1", Name: "Tea", PriceCents: 100, Stock: 10, TaxRatePercent: 10, Active: true},
		{ID: "P2", Name: "Rice", PriceCents: 200, Stock: 1, TaxRatePercent: 5, Active: true},
		{ID: "P3", Name: "Last Unit", PriceCents: 300, Stock: 1, TaxRatePercent: 12, Active: true},
		{ID: "P4", Name: "Coffee", PriceCents: 50, Stock: 10, TaxRatePercent: 18, Active: true},
		{ID: "P5", Name: "Gold Coin", PriceCents: 25000, Stock: 10, TaxRatePercent: 0, Active: true},
		{ID: "OLD", Name: "Discontinued", PriceCents: 10, Stock: 10, TaxRatePercent: 0, Active: false},
	} {
		_, err := s.CreateProduct(ctx, p)
		require.NoError(t, err)
	}
	for _, c := range []domain.Customer{
		{ID: "C1", Name: "Asha"},
		{ID: "C-KA", Name: "Kaveri Traders", GSTIN: "29AAACK1234F1Z5"},
		{ID: "C-MH", Name: "Mumbai Mart", GSTIN: "27AABCU9603R1ZX"},
	} {
		_, err := s.CreateCustomer(ctx, c)
		require.NoError(t, err)
	}
	return s
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func newEngine(repo store.Repository, opts ...Option) *Engine {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(repo, opts...)
}

func sale(lines ...domain.CartLine) domain.SaleRequest {
	return domain.SaleRequest{PaymentMethod: domain.PaymentCash, TaxMode: domain.TaxModeSameRegion, CartLines: lines}
}

func stockOf(t *testing.T, s store.Catalog, id string) int {
	t.Helper()
	p, err := s.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func ledger(t *testing.T, s store.TransactionLedger) []domain.Transaction {
	t.Helper()
	txs, err := s.ListTransactions(context.Background(), time.Time{}, fixedNow.Add(time.Hour), 0)
	require.NoError(t, err)
	return txs
}

type snapshot struct {
	products  []domain.Product
	customers []domain.Customer
	txs       []domain.Transaction
}

func takeSnapshot(t *testing.T, s *memory.Store) snapshot {
	t.Helper()
	ctx := context.Background()
	products, err := s.ListProducts(ctx)
	require.NoError(t, err)
	customers, err := s.ListCustomers(ctx)
	require.NoError(t, err)
	return snapshot{products: products, customers: customers, txs: ledger(t, s)}
}

func TestCommitSaleHappyPath(t *testing.T) {
	s := seedStore(t)
	pub := &recordingPublisher{}
	e := newEngine(s, WithPublisher(pub))

	req := sale(domain.CartLine{ProductID: "P1", Qty: 2})
	req.CashierUsername = "cashier"
	tx, err := e.CommitSale(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(200), tx.SubtotalCents)
	assert.Equal(t, int64(10), tx.CGSTCents)
	assert.Equal(t, int64(10), tx.SGSTCents)
	assert.Zero(t, tx.IGSTCents)
	assert.Equal(t, int64(20), tx.TaxCents)
	assert.Equal(t, int64(220), tx.TotalCents)
	assert.Equal(t, domain.TxStatusCompleted, tx.Status)
	assert.Equal(t, "cashier", tx.CashierUsername)
	assert.Regexp(t, regexp.MustCompile(`^INV-20260314-[0-9A-F]{6}$`), tx.InvoiceNumber)
	require.Len(t, tx.Items, 1)
	assert.Equal(t, domain.TransactionLine{ProductID: "P1", Name: "Tea", UnitPriceCents: 100, TaxRatePercent: 10, Qty: 2, LineTotalCents: 200}, tx.Items[0])

	assert.Equal(t, 8, stockOf(t, s, "P1"))
	txs := ledger(t, s)
	require.Len(t, txs, 1)
	assert.Equal(t, tx.ID, txs[0].ID)

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.TypeSaleCompleted, pub.events[0].Type)
	assert.Equal(t, tx.ID, pub.events[0].TransactionID)
}

func TestCommitSaleCrossRegion(t *testing.T) {
	s := seedStore(t)
	e := newEngine(s)

	req := sale(domain.CartLine{ProductID: "P4", Qty: 1})
	req.TaxMode = domain.TaxModeCrossRegion
	tx, err := e.CommitSale(context.Background(), req)
	require.NoError(t, err)

	breakdown := tx.Breakdown()
	require.Len(t, breakdown.Components, 1)
	assert.Equal(t, domain.TaxComponentIGST, breakdown.Components[0].Name)
	assert.Equal(t, int64(9), tx.IGSTCents)
	assert.Zero(t, tx.CGSTCents)
	assert.Equal(t, int64(59), tx.TotalCents)
}

func TestCommitSaleInsufficientStock(t *testing.T) {
	s := seedStore(t)
	e := newEngine(s)

	_, err := e.CommitSale(context.Background(), sale(domain.CartLine{ProductID: "P2", Qty: 5}))
	require.ErrorIs(t, err, ErrInsufficientStock)

	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "P2", stockErr.ProductID)
	assert.Equal(t, 1, stockErr.Available)
	assert.Equal(t, 5, stockErr.Requested)

	assert.Equal(t, 1, stockOf(t, s, "P2"))
	assert.Empty(t, ledger(t, s))
}

func TestCommitSaleMergesDuplicateLinesBeforeStockCheck(t *testing.T) {
	s := seedStore(t)
	e := newEngine(s)

	_, err := e.CommitSale(context.Background(), sale(
		domain.CartLine{ProductID: "P2", Qty: 1},
		domain.CartLine{ProductID: "P2", Qty: 1},
	))
	require.ErrorIs(t, err, ErrInsufficientStock)

	tx, err := e.CommitSale(context.Background(), sale(
		domain.CartLine{ProductID: "P1", Qty: 1},
		domain.CartLine{ProductID: "P4", Qty: 1},
		domain.CartLine{ProductID: "P1", Qty: 2},
	))
	require.NoError(t, err)
	require.Len(t, tx.Items, 2)
	assert.Equal(t, "P1", tx.Items[0].ProductID)
	assert.Equal(t, 3, tx.Items[0].Qty)
	assert.Equal(t, 7, stockOf(t, s, "P1"))
}

func TestCommitSaleValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		req  domain.SaleRequest
		want error
	}{
		{"empty cart", sale(), ErrEmptyCart},
		{"all zero quantities", sale(domain.CartLine{ProductID: "P1", Qty: 0}), ErrEmptyCart},
		{"negative quantity", sale(domain.CartLine{ProductID: "P1", Qty: -1}), ErrInvalidRequest},
		{"unknown product", sale(domain.CartLine{ProductID: "NOPE", Qty: 1}), ErrUnknownProduct},
		{"inactive product", sale(domain.CartLine{ProductID: "OLD", Qty: 1}), ErrUnknownProduct},
		{"bad payment method", domain.SaleRequest{PaymentMethod: "cheque", CartLines: []domain.CartLine{{ProductID: "P1", Qty: 1}}}, ErrInvalidPaymentMethod},
		{"bad tax mode", domain.SaleRequest{PaymentMethod: "card", TaxMode: "offshore", CartLines: []domain.CartLine{{ProductID: "P1", Qty: 1}}}, ErrInvalidRequest},
		{"cash short", domain.SaleRequest{PaymentMethod: "cash", AmountReceivedCents: 100, CartLines: []domain.CartLine{{ProductID: "P1", Qty: 2}}}, ErrInsufficientPayment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seedStore(t)
			e := newEngine(s)
			before := takeSnapshot(t, s)

			_, err := e.CommitSale(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, takeSnapshot(t, s))
		})
	}
}

func TestCommitSaleUnknownProductNamesProduct(t *testing.T) {
	e := newEngine(seedStore(t))

	_, err := e.CommitSale(context.Background(), sale(domain.CartLine{ProductID: "P1", Qty: 1}, domain.CartLine{ProductID: "GHOST", Qty: 1}))
	var unknown *UnknownProductError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "GHOST", unknown.ProductID)
}

func TestCommitSaleInvalidCartIsRepeatable(t *testing.T) {
	s := seedStore(t)
	e := newEngine(s)
	before := takeSnapshot(t, s)
	req := sale(domain.CartLine{ProductID: "P1", Qty: 1}, domain.CartLine{ProductID: "P3", Qty: 2})

	_, first := e.CommitSale(context.Background(), req)
	_, second := e.CommitSale(context.Background(), req)

	require.ErrorIs(t, first, ErrInsufficientStock)
	require.ErrorIs(t, second, ErrInsufficientStock)
	assert.Equal(t, first.Error(), second.Error())
	assert.Equal(t, before, takeSnapshot(t, s))
}

// barrierRepo holds every caller of GetProducts until all of them have read
// the catalog, so the callers validate against the same stock.
type barrierRepo struct {
	store.Repository
	ready sync.WaitGroup
}

func (r *barrierRepo) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	products, err := r.Repository.GetProducts(ctx, ids)
	r.ready.Done()
	r.ready.Wait()
	return products, err
}

func TestCommitSaleConcurrentRace(t *testing.T) {
	s := seedStore(t)
	repo := &barrierRepo{Repository: s}
	repo.ready.Add(2)
	e := newEngine(repo)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.CommitSale(context.Background(), sale(domain.CartLine{ProductID: "P3", Qty: 1}))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrConcurrentStockConflict)
		var conflict *StockConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "P3", conflict.ProductID)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, stockOf(t, s, "P3"))
	assert.Len(t, ledger(t, s), 1)
}

func TestCommitSaleStockNeverNegativeUnderLoad(t *testing.T) {
	s := seedStore(t)
	e := newEngine(s)
	initial := map[string]int{"P1": 10, "P2": 1, "P3": 1, "P4": 10}
	ids := []string{"P1", "P2", "P3", "P4"}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			lines := []domain.CartLine{{ProductID: ids[rng.Intn(len(ids))], Qty: 1 + rng.Intn(3)}}
			if rng.Intn(2) == 0 {
				lines = append(lines, domain.CartLine{ProductID: ids[rng.Intn(len(ids))], Qty: 1})
			}
			_, err := e.CommitSale(context.Background(), sale(lines...))
			if err != nil && !errors.Is(err, ErrInsufficientStock) && !errors.Is(err, ErrConcurrentStockConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(i))
	}
	wg.Wait()

	sold := map[string]int{}
	for _, tx := range ledger(t, s) {
		for _, item := range tx.Items {
			sold[item.ProductID] += item.Qty
		}
		assert.Equal(t, tx.SubtotalCents+tx.CGSTCents+tx.SGSTCents+tx.IGSTCents, tx.TotalCents)
	}
	for _, id := range ids {
		stock := stockOf(t, s, id)
		assert.GreaterOrEqual(t, stock, 0, id)
		assert.Equal(t, initial[id]-sold[id], stock, id)
	}
}

func TestCommitSaleCreditsCustomer(t *testing.T) {
	s := seedStore(t)
	e := newEngine(s)

	req := sale(domain.CartLine{ProductID: "P5", Qty: 1})
	req.CustomerID = "C1"
	tx, err := e.CommitSale(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(25000), tx.TotalCents)
	assert.Equal(t, int64(2), tx.LoyaltyPointsEarned)
	assert.Equal(t, "C1", tx.CustomerID)

	customer, err := s.GetCustomer(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), customer.TotalOrders)
	assert.Equal(t, int64(25000), customer.TotalValueCents)
	assert.Equal(t, int64(2), customer.LoyaltyPoints)
}

func TestCommitSaleCustomLoyaltyUnit(t *testing.T) {
	s := seedStore(t)
	e := newEngine(s, WithLoyaltyUnit(1000))

	req := sale(domain.CartLine{ProductID: "P5", Qty: 1})
	req.CustomerID = "C1"
	tx, err := e.CommitSale(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(25), tx.LoyaltyPointsEarned)
}

func TestCommitSaleUnknownCustomerIsWalkIn(t *testing.T) {
	s := seedStore(t)
	e := newEngine(s)

	req := sale(domain.CartLine{ProductID: "P1", Qty: 1})
	req.CustomerID = "C-MISSING"
	tx, err := e.CommitSale(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, tx.CustomerID)
	assert.Zero(t, tx.LoyaltyPointsEarned)
}

func TestCommitSaleResolvesModeFromCustomerGSTIN(t *testing.T) {
	s := seedStore(t)
	e := newEngine(s, WithSellerStateCode("27"), WithDefaultTaxMode(domain.TaxModeSameRegion))

	interstate := domain.SaleRequest{PaymentMethod: domain.PaymentCard, CustomerID: "C-KA", CartLines: []domain.CartLine{{ProductID: "P4", Qty: 1}}}
	tx, err := e.CommitSale(context.Background(), interstate)
	require.NoError(t, err)
	assert.Equal(t, domain.TaxModeCrossRegion, tx.TaxMode)
	assert.Equal(t, int64(9), tx.IGSTCents)

	local := domain.SaleRequest{PaymentMethod: domain.PaymentCard, CustomerID: "C-MH", CartLines: []domain.CartLine{{ProductID: "P1", Qty: 2}}}
	tx, err = e.CommitSale(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, domain.TaxModeSameRegion, tx.TaxMode)

	walkIn := domain.SaleRequest{PaymentMethod: domain.PaymentUPI, CartLines: []domain.CartLine{{ProductID: "P1", Qty: 1}}}
	tx, err = e.CommitSale(context.Background(), walkIn)
	require.NoError(t, err)
	assert.Equal(t, domain.TaxModeSameRegion, tx.TaxMode)
}

func TestCommitSaleCashChange(t *testing.T) {
	e := newEngine(seedStore(t))

	req := sale(domain.CartLine{ProductID: "P1", Qty: 2})
	req.AmountReceivedCents = 500
	tx, err := e.CommitSale(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(500), tx.AmountReceivedCents)
	assert.Equal(t, int64(280), tx.ChangeCents)

	card := domain.SaleRequest{PaymentMethod: "CARD", TaxMode: domain.TaxModeSameRegion, AmountReceivedCents: 9999, CartLines: []domain.CartLine{{ProductID: "P1", Qty: 1}}}
	tx, err = e.CommitSale(context.Background(), card)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCard, tx.PaymentMethod)
	assert.Equal(t, tx.TotalCents, tx.AmountReceivedCents)
	assert.Zero(t, tx.ChangeCents)
}

func TestCommitSaleIdempotencyKeyReturnsOriginal(t *testing.T) {
	s := seedStore(t)
	e := newEngine(s)

	req := sale(domain.CartLine{ProductID: "P1", Qty: 2})
	req.IdempotencyKey = "terminal-1-0001"
	first, err := e.CommitSale(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := e.CommitSale(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 8, stockOf(t, s, "P1"))
	assert.Len(t, ledger(t, s), 1)
}

// racingKeyRepo simulates a second request with the same idempotency key
// committing between this request's lookup and its commit.
type racingKeyRepo struct {
	store.Repository
	winner domain.Transaction
}

func (r *racingKeyRepo) CommitSale(ctx context.Context, tx domain.Transaction, credit *domain.CustomerCredit) (*domain.Transaction, error) {
	if _, err := r.Repository.CommitSale(ctx, r.winner, nil); err != nil {
		return nil, err
	}
	return r.Repository.CommitSale(ctx, tx, credit)
}

func TestCommitSaleIdempotencyRaceReturnsWinner(t *testing.T) {
	s := seedStore(t)
	winner := domain.Transaction{
		ID: "tx-winner", IdempotencyKey: "dup", PaymentMethod: domain.PaymentCash, TaxMode: domain.TaxModeSameRegion,
		Status: domain.TxStatusCompleted, CreatedAt: fixedNow, Items: []domain.TransactionLine{{ProductID: "P1", Qty: 1}},
	}
	e := newEngine(&racingKeyRepo{Repository: s, winner: winner})

	req := sale(domain.CartLine{ProductID: "P1", Qty: 1})
	req.IdempotencyKey = "dup"
	tx, err := e.CommitSale(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, tx.Duplicate)
	assert.Equal(t, "tx-winner", tx.ID)
	assert.Equal(t, 9, stockOf(t, s, "P1"))
}

type failingCommitRepo struct {
	store.Repository
}

func (failingCommitRepo) CommitSale(context.Context, domain.Transaction, *domain.CustomerCredit) (*domain.Transaction, error) {
	return nil, fmt.Errorf("connection reset")
}

func TestCommitSaleStoreFailureIsWrapped(t *testing.T) {
	s := seedStore(t)
	pub := &recordingPublisher{}
	e := newEngine(failingCommitRepo{Repository: s}, WithPublisher(pub))

	_, err := e.CommitSale(context.Background(), sale(domain.CartLine{ProductID: "P1", Qty: 1}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit sale")
	assert.Empty(t, pub.events)
	assert.Equal(t, 10, stockOf(t, s, "P1"))
}

// invoiceCollisionRepo rejects the first collisions commits as if their
// invoice number were already taken.
type invoiceCollisionRepo struct {
	store.Repository
	collisions int
	seen       []string
}

func (r *invoiceCollisionRepo) CommitSale(ctx context.Context, tx domain.Transaction, credit *domain.CustomerCredit) (*domain.Transaction, error) {
	r.seen = append(r.seen, tx.InvoiceNumber)
	if len(r.seen) <= r.collisions {
		return nil, store.ErrDuplicateInvoice
	}
	return r.Repository.CommitSale(ctx, tx, credit)
}

func TestCommitSaleRetriesInvoiceCollision(t *testing.T) {
	s := seedStore(t)
	repo := &invoiceCollisionRepo{Repository: s, collisions: 1}
	e := newEngine(repo)

	req := sale(domain.CartLine{ProductID: "P1", Qty: 1})
	req.IdempotencyKey = "till-1-0001"
	tx, err := e.CommitSale(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, tx.Duplicate)
	require.Len(t, repo.seen, 2)
	assert.NotEqual(t, repo.seen[0], repo.seen[1])
	assert.Equal(t, repo.seen[1], tx.InvoiceNumber)
	assert.Equal(t, 9, stockOf(t, s, "P1"))
}

func TestCommitSaleGivesUpAfterRepeatedInvoiceCollisions(t *testing.T) {
	s := seedStore(t)
	repo := &invoiceCollisionRepo{Repository: s, collisions: maxInvoiceAttempts}
	e := newEngine(repo)

	req := sale(domain.CartLine{ProductID: "P1", Qty: 1})
	req.IdempotencyKey = "till-1-0002"
	_, err := e.CommitSale(context.Background(), req)
	require.ErrorIs(t, err, store.ErrDuplicateInvoice)
	assert.NotErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, repo.seen, maxInvoiceAttempts)
	assert.Equal(t, 10, stockOf(t, s, "P1"))
}

// keyConflictRepo reports an idempotency conflict without any stored sale
// behind the key.
type keyConflictRepo struct {
	store.Repository
}

func (keyConflictRepo) CommitSale(context.Context, domain.Transaction, *domain.CustomerCredit) (*domain.Transaction, error) {
	return nil, store.ErrConflict
}

func TestCommitSaleConflictWithoutStoredKeyIsNotAReplay(t *testing.T) {
	e := newEngine(keyConflictRepo{Repository: seedStore(t)})

	req := sale(domain.CartLine{ProductID: "P1", Qty: 1})
	req.IdempotencyKey = "till-1-0003"
	_, err := e.CommitSale(context.Background(), req)
	require.ErrorIs(t, err, store.ErrConflict)
	assert.NotErrorIs(t, err, store.ErrNotFound)
}

// blockingPublisher waits for its context to end, like a write to an
// unreachable broker.
type blockingPublisher struct {
	deadlineSet chan bool
}

func (p *blockingPublisher) Publish(ctx context.Context, _ events.Event) error {
	_, ok := ctx.Deadline()
	p.deadlineSet <- ok
	<-ctx.Done()
	return ctx.Err()
}

func (p *blockingPublisher) Close() error { return nil }

func TestCommitSaleDoesNotWaitOnStalledPublisher(t *testing.T) {
	s := seedStore(t)
	pub := &blockingPublisher{deadlineSet: make(chan bool, 1)}
	e := newEngine(s, WithPublisher(pub), WithPublishTimeout(50*time.Millisecond))

	// The request context has no deadline of its own.
	started := time.Now()
	tx, err := e.CommitSale(context.Background(), sale(domain.CartLine{ProductID: "P1", Qty: 1}))
	require.NoError(t, err)

	assert.Less(t, time.Since(started), 2*time.Second)
	assert.True(t, <-pub.deadlineSet)
	assert.Equal(t, domain.TxStatusCompleted, tx.Status)
	assert.Equal(t, 9, stockOf(t, s, "P1"))
}

func TestCommitSaleLogsComponentOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.Component(logging.NewWithWriter(&buf, "debug"), "checkout")
	e := newEngine(seedStore(t), WithLogger(logger))

	_, err := e.CommitSale(context.Background(), sale(domain.CartLine{ProductID: "P1", Qty: 1}))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"component"`), line)
		assert.Contains(t, line, `"component":"checkout"`)
	}
}

func TestQuoteDoesNotMutate(t *testing.T) {
	s := seedStore(t)
	e := newEngine(s)
	before := takeSnapshot(t, s)

	breakdown, err := e.Quote(context.Background(), domain.QuoteRequest{
		TaxMode:   domain.TaxModeSameRegion,
		CartLines: []domain.CartLine{{ProductID: "P1", Qty: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(220), breakdown.TotalCents)
	assert.Equal(t, before, takeSnapshot(t, s))

	_, err = e.Quote(context.Background(), domain.QuoteRequest{CartLines: []domain.CartLine{{ProductID: "P2", Qty: 3}}})
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestCancelSaleRestocksAndReverses(t *testing.T) {
	s := seedStore(t)
	pub := &recordingPublisher{}
	e := newEngine(s, WithPublisher(pub))

	req := sale(domain.CartLine{ProductID: "P5", Qty: 1}, domain.CartLine{ProductID: "P1", Qty: 3})
	req.CustomerID = "C1"
	tx, err := e.CommitSale(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 7, stockOf(t, s, "P1"))

	cancelled, err := e.CancelSale(context.Background(), tx.ID, "wrong items rung up")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusCancelled, cancelled.Status)
	assert.Equal(t, "wrong items rung up", cancelled.CancelReason)
	require.NotNil(t, cancelled.CancelledAt)

	assert.Equal(t, 10, stockOf(t, s, "P1"))
	assert.Equal(t, 10, stockOf(t, s, "P5"))
	customer, err := s.GetCustomer(context.Background(), "C1")
	require.NoError(t, err)
	assert.Zero(t, customer.TotalOrders)
	assert.Zero(t, customer.TotalValueCents)
	assert.Zero(t, customer.LoyaltyPoints)

	require.Len(t, pub.events, 2)
	assert.Equal(t, events.TypeSaleCancelled, pub.events[1].Type)

	_, err = e.CancelSale(context.Background(), tx.ID, "again")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 10, stockOf(t, s, "P1"))
}

func TestCancelSaleErrors(t *testing.T) {
	e := newEngine(seedStore(t))

	_, err := e.CancelSale(context.Background(), "tx-missing", "reason")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = e.CancelSale(context.Background(), "tx-1", "  ")
	require.ErrorIs(t, err, ErrInvalidRequest)
}
