package store

import (
	"context"
	"errors"
	"time"

	"gstpos/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
	ErrInvalid  = errors.New("invalid record")
	// ErrStockConflict is returned by a commit whose conditional decrement
	// found less stock than requested.
	ErrStockConflict = errors.New("stock changed during commit")
	// ErrNotCompleted is returned when cancelling a transaction that is not
	// in the completed state.
	ErrNotCompleted = errors.New("transaction is not completed")
	// ErrDuplicateInvoice is returned by a commit whose invoice number is
	// already taken. Nothing was written; the caller may retry with a new one.
	ErrDuplicateInvoice = errors.New("invoice number already used")
)

// StockConflictError names the product whose decrement failed.
type StockConflictError struct {
	ProductID string
}

func (e *StockConflictError) Error() string {
	return "stock changed during commit: " + e.ProductID
}

func (e *StockConflictError) Is(target error) bool {
	return target == ErrStockConflict
}

type Catalog interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	// GetProducts returns the products that exist among ids, keyed by id.
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	Restock(ctx context.Context, productID string, qty int, reason string, at time.Time) (*domain.Product, error)
	ListLowStock(ctx context.Context) ([]domain.Product, error)
}

type CustomerLedger interface {
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
}

type TransactionLedger interface {
	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Transaction, error)
	GetDailyReport(ctx context.Context, from time.Time, to time.Time) (domain.DailyReport, error)
}

// Committer applies the durable side of a sale or a cancellation as a single
// atomic unit: either every write lands or none does.
type Committer interface {
	// CommitSale decrements stock for every item with a conditional
	// compare-and-decrement, appends tx to the ledger, records a sale movement
	// per item and applies credit when it is non-nil. A failed decrement
	// aborts the whole unit with a StockConflictError. A duplicate
	// idempotency key aborts with ErrConflict.
	CommitSale(ctx context.Context, tx domain.Transaction, credit *domain.CustomerCredit) (*domain.Transaction, error)
	// CancelSale flips a completed transaction to cancelled, restocks every
	// item and reverses the customer credit recorded by the sale, clamping
	// each counter at zero.
	CancelSale(ctx context.Context, id string, reason string, at time.Time) (*domain.Transaction, error)
}

type MovementLog interface {
	ListMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	Catalog
	CustomerLedger
	TransactionLedger
	Committer
	MovementLog
	UserStore
}

// LoyaltyPoints is floor(total / unit); a non-positive unit earns nothing.
func LoyaltyPoints(totalCents int64, unitCents int64) int64 {
	if unitCents <= 0 || totalCents <= 0 {
		return 0
	}
	return totalCents / unitCents
}
