// Package checkout implements the sale commit protocol: validate a cart
// against the catalog, price it, and hand the resulting transaction to the
// store's atomic commit.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gstpos/backend/internal/domain"
	"gstpos/backend/internal/events"
	"gstpos/backend/internal/store"
	"gstpos/backend/internal/tax"
	"gstpos/backend/internal/xid"
)

const DefaultLoyaltyUnitCents int64 = 10000

const (
	// maxInvoiceAttempts bounds how often a sale is retried with a fresh
	// invoice number after a collision.
	maxInvoiceAttempts = 3
	// DefaultPublishTimeout caps how long a committed sale waits on its event.
	DefaultPublishTimeout = 2 * time.Second
)

type Engine struct {
	repo      store.Repository
	publisher events.Publisher
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	publishTimeout   time.Duration
	sellerStateCode  string
	defaultTaxMode   domain.TaxMode
	loyaltyUnitCents int64
}

type Option func(*Engine)

func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPublishTimeout sets the deadline for publishing a sale event. The
// publish is detached from request cancellation.
func WithPublishTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.publishTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSellerStateCode sets the two-digit GST state code of the store, used to
// pick the jurisdiction from a customer's GSTIN.
func WithSellerStateCode(code string) Option {
	return func(e *Engine) { e.sellerStateCode = strings.TrimSpace(code) }
}

func WithDefaultTaxMode(mode domain.TaxMode) Option {
	return func(e *Engine) {
		if mode.Valid() {
			e.defaultTaxMode = mode
		}
	}
}

// WithLoyaltyUnit sets how many minor units of total earn one loyalty point.
func WithLoyaltyUnit(cents int64) Option {
	return func(e *Engine) {
		if cents > 0 {
			e.loyaltyUnitCents = cents
		}
	}
}

func New(repo store.Repository, opts ...Option) *Engine {
	e := &Engine{
		repo:             repo,
		publisher:        events.NoopPublisher{},
		logger:           zerolog.Nop(),
		tracer:           otel.Tracer("gstpos/backend/internal/checkout"),
		now:              func() time.Time { return time.Now().UTC() },
		publishTimeout:   DefaultPublishTimeout,
		defaultTaxMode:   domain.TaxModeSameRegion,
		loyaltyUnitCents: DefaultLoyaltyUnitCents,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CommitSale validates and prices the cart, then commits stock decrements,
// the ledger record and the customer credit as one atomic unit. Every error
// is returned before any durable write or after a full rollback.
func (e *Engine) CommitSale(ctx context.Context, req domain.SaleRequest) (_ *domain.Transaction, err error) {
	ctx, span := e.tracer.Start(ctx, "checkout.CommitSale")
	defer func() { endSpan(span, err) }()

	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey != "" {
		existing, findErr := e.repo.FindTransactionByIdempotency(ctx, req.IdempotencyKey)
		if findErr == nil {
			existing.Duplicate = true
			return existing, nil
		}
		if !errors.Is(findErr, store.ErrNotFound) {
			return nil, fmt.Errorf("lookup idempotency key: %w", findErr)
		}
	}

	paymentMethod, err := normalizePaymentMethod(req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	customer, err := e.resolveCustomer(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	mode, err := e.resolveMode(req.TaxMode, customer)
	if err != nil {
		return nil, err
	}

	lines, err := e.validateCart(ctx, req.CartLines)
	if err != nil {
		return nil, err
	}
	breakdown, err := tax.ComputeSnapshot(lines, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	received, change, err := tender(paymentMethod, req.AmountReceivedCents, breakdown.TotalCents)
	if err != nil {
		return nil, err
	}

	now := e.now()
	tx := domain.Transaction{
		ID:                  xid.New("tx"),
		InvoiceNumber:       xid.Invoice(now),
		IdempotencyKey:      req.IdempotencyKey,
		TerminalID:          strings.TrimSpace(req.TerminalID),
		CashierUsername:     req.CashierUsername,
		PaymentMethod:       paymentMethod,
		TaxMode:             mode,
		SubtotalCents:       breakdown.SubtotalCents,
		CGSTCents:           breakdown.Component(domain.TaxComponentCGST),
		SGSTCents:           breakdown.Component(domain.TaxComponentSGST),
		IGSTCents:           breakdown.Component(domain.TaxComponentIGST),
		TaxCents:            breakdown.TaxCents,
		TotalCents:          breakdown.TotalCents,
		AmountReceivedCents: received,
		ChangeCents:         change,
		Status:              domain.TxStatusCompleted,
		CreatedAt:           now,
		Items:               lines,
	}

	var credit *domain.CustomerCredit
	if customer != nil {
		tx.CustomerID = customer.ID
		tx.LoyaltyPointsEarned = store.LoyaltyPoints(tx.TotalCents, e.loyaltyUnitCents)
		credit = &domain.CustomerCredit{
			CustomerID:    customer.ID,
			Orders:        1,
			ValueCents:    tx.TotalCents,
			LoyaltyPoints: tx.LoyaltyPointsEarned,
		}
	}

	committed, err := e.commit(ctx, tx, credit)
	if err != nil {
		var conflict *store.StockConflictError
		switch {
		case errors.As(err, &conflict):
			e.logger.Warn().Str("product_id", conflict.ProductID).Str("transaction_id", tx.ID).Msg("stock conflict at commit")
			return nil, &StockConflictError{ProductID: conflict.ProductID}
		case errors.Is(err, store.ErrStockConflict):
			return nil, fmt.Errorf("%w: %v", ErrConcurrentStockConflict, err)
		case errors.Is(err, store.ErrConflict) && req.IdempotencyKey != "":
			existing, findErr := e.repo.FindTransactionByIdempotency(ctx, req.IdempotencyKey)
			if errors.Is(findErr, store.ErrNotFound) {
				// The conflict was not on the key; it is not a replay.
				return nil, fmt.Errorf("commit sale: %w", err)
			}
			if findErr != nil {
				return nil, fmt.Errorf("lookup idempotency key after conflict: %w", findErr)
			}
			existing.Duplicate = true
			return existing, nil
		default:
			return nil, fmt.Errorf("commit sale: %w", err)
		}
	}

	span.SetAttributes(
		attribute.String("transaction.id", committed.ID),
		attribute.Int64("transaction.total_cents", committed.TotalCents),
		attribute.String("transaction.tax_mode", string(committed.TaxMode)),
	)
	e.logger.Info().
		Str("transaction_id", committed.ID).
		Str("invoice", committed.InvoiceNumber).
		Str("cashier", committed.CashierUsername).
		Str("payment_method", committed.PaymentMethod).
		Int64("total_cents", committed.TotalCents).
		Int("lines", len(committed.Items)).
		Msg("sale committed")
	e.publish(ctx, events.TypeSaleCompleted, *committed)

	return committed, nil
}

// Quote runs the same validation and pricing as CommitSale without writing.
func (e *Engine) Quote(ctx context.Context, req domain.QuoteRequest) (_ domain.TaxBreakdown, err error) {
	ctx, span := e.tracer.Start(ctx, "checkout.Quote")
	defer func() { endSpan(span, err) }()

	customer, err := e.resolveCustomer(ctx, req.CustomerID)
	if err != nil {
		return domain.TaxBreakdown{}, err
	}
	mode, err := e.resolveMode(req.TaxMode, customer)
	if err != nil {
		return domain.TaxBreakdown{}, err
	}
	lines, err := e.validateCart(ctx, req.CartLines)
	if err != nil {
		return domain.TaxBreakdown{}, err
	}
	breakdown, err := tax.ComputeSnapshot(lines, mode)
	if err != nil {
		return domain.TaxBreakdown{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return breakdown, nil
}

// CancelSale moves a completed transaction to cancelled. The store restocks
// its items and reverses the customer credit in the same atomic unit.
func (e *Engine) CancelSale(ctx context.Context, transactionID string, reason string) (_ *domain.Transaction, err error) {
	ctx, span := e.tracer.Start(ctx, "checkout.CancelSale", trace.WithAttributes(attribute.String("transaction.id", transactionID)))
	defer func() { endSpan(span, err) }()

	transactionID = strings.TrimSpace(transactionID)
	reason = strings.TrimSpace(reason)
	if transactionID == "" || reason == "" {
		return nil, fmt.Errorf("%w: transaction id and reason are required", ErrInvalidRequest)
	}

	current, err := e.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, err)
	}
	if current.Status != domain.TxStatusCompleted {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, transactionID, current.Status)
	}

	cancelled, err := e.repo.CancelSale(ctx, transactionID, reason, e.now())
	if err != nil {
		if errors.Is(err, store.ErrNotCompleted) {
			return nil, fmt.Errorf("%w: %s is no longer completed", ErrInvalidTransition, transactionID)
		}
		return nil, fmt.Errorf("cancel sale %s: %w", transactionID, err)
	}

	e.logger.Info().
		Str("transaction_id", cancelled.ID).
		Str("reason", reason).
		Int64("total_cents", cancelled.TotalCents).
		Msg("sale cancelled")
	e.publish(ctx, events.TypeSaleCancelled, *cancelled)

	return cancelled, nil
}

// validateCart merges duplicate lines, checks every product exists, is active
// and has enough stock, and returns lines priced from that same snapshot.
func (e *Engine) validateCart(ctx context.Context, cart []domain.CartLine) ([]domain.TransactionLine, error) {
	merged, err := mergeLines(cart)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(merged))
	for _, line := range merged {
		ids = append(ids, line.ProductID)
	}
	products, err := e.repo.GetProducts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	for _, line := range merged {
		product, ok := products[line.ProductID]
		if !ok || !product.Active {
			return nil, &UnknownProductError{ProductID: line.ProductID}
		}
		if line.Qty > product.Stock {
			return nil, &InsufficientStockError{ProductID: line.ProductID, Available: product.Stock, Requested: line.Qty}
		}
	}

	lines, err := tax.Price(merged, tax.MapLookup(products))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return lines, nil
}

func (e *Engine) resolveCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, nil
	}
	customer, err := e.repo.GetCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Warn().Str("customer_id", customerID).Msg("unknown customer, treating sale as walk-in")
			return nil, nil
		}
		return nil, fmt.Errorf("load customer: %w", err)
	}
	return customer, nil
}

func (e *Engine) resolveMode(explicit domain.TaxMode, customer *domain.Customer) (domain.TaxMode, error) {
	if explicit != "" && !explicit.Valid() {
		return "", fmt.Errorf("%w: tax mode %q", ErrInvalidRequest, explicit)
	}
	gstin := ""
	if customer != nil {
		gstin = customer.GSTIN
	}
	return tax.ResolveMode(explicit, gstin, e.sellerStateCode, e.defaultTaxMode), nil
}

// commit hands tx to the store, drawing a new invoice number when the
// generated one is already taken.
func (e *Engine) commit(ctx context.Context, tx domain.Transaction, credit *domain.CustomerCredit) (*domain.Transaction, error) {
	for attempt := 1; ; attempt++ {
		committed, err := e.repo.CommitSale(ctx, tx, credit)
		if !errors.Is(err, store.ErrDuplicateInvoice) || attempt == maxInvoiceAttempts {
			return committed, err
		}
		e.logger.Warn().Str("invoice", tx.InvoiceNumber).Int("attempt", attempt).Msg("invoice number collision, retrying")
		tx.InvoiceNumber = xid.Invoice(tx.CreatedAt)
	}
}

// publish runs after the commit is durable, so a slow broker must not hold
// the response: it gets publishTimeout regardless of the request deadline.
func (e *Engine) publish(ctx context.Context, eventType string, tx domain.Transaction) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.publishTimeout)
	defer cancel()
	if err := e.publisher.Publish(ctx, events.FromTransaction(eventType, tx, e.now())); err != nil {
		e.logger.Error().Err(err).Str("transaction_id", tx.ID).Str("event", eventType).Msg("publish sale event")
	}
}

// mergeLines folds repeated product ids into one line, preserving first-seen
// order. Zero-quantity lines are dropped; a cart left with nothing is empty.
func mergeLines(cart []domain.CartLine) ([]domain.CartLine, error) {
	merged := make([]domain.CartLine, 0, len(cart))
	index := make(map[string]int, len(cart))
	for _, line := range cart {
		id := strings.TrimSpace(line.ProductID)
		if id == "" {
			return nil, fmt.Errorf("%w: cart line without product id", ErrInvalidRequest)
		}
		if line.Qty < 0 {
			return nil, fmt.Errorf("%w: negative quantity for %s", ErrInvalidRequest, id)
		}
		if line.Qty == 0 {
			continue
		}
		if i, ok := index[id]; ok {
			merged[i].Qty += line.Qty
			continue
		}
		index[id] = len(merged)
		merged = append(merged, domain.CartLine{ProductID: id, Qty: line.Qty})
	}
	if len(merged) == 0 {
		return nil, ErrEmptyCart
	}
	return merged, nil
}

func normalizePaymentMethod(method string) (string, error) {
	method = strings.ToLower(strings.TrimSpace(method))
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentUPI:
		return method, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, method)
	}
}

// tender returns the amount received and change. Cash may be tendered above
// the total; every other method is settled for the exact total.
func tender(method string, receivedCents int64, totalCents int64) (int64, int64, error) {
	if receivedCents < 0 {
		return 0, 0, fmt.Errorf("%w: negative amount received", ErrInvalidRequest)
	}
	if method != domain.PaymentCash || receivedCents == 0 {
		return totalCents, 0, nil
	}
	if receivedCents < totalCents {
		return 0, 0, fmt.Errorf("%w: received %d, total %d", ErrInsufficientPayment, receivedCents, totalCents)
	}
	return receivedCents, receivedCents - totalCents, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
