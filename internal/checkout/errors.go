package checkout

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCart               = errors.New("cart is empty")
	ErrUnknownProduct          = errors.New("unknown product")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrConcurrentStockConflict = errors.New("stock changed by a concurrent sale")
	ErrInvalidPaymentMethod    = errors.New("invalid payment method")
	ErrInsufficientPayment     = errors.New("amount received is less than total")
	ErrInvalidTransition       = errors.New("invalid transaction status transition")
	ErrInvalidRequest          = errors.New("invalid request")
)

type UnknownProductError struct {
	ProductID string
}

func (e *UnknownProductError) Error() string {
	return fmt.Sprintf("unknown product %q", e.ProductID)
}

func (e *UnknownProductError) Is(target error) bool {
	return target == ErrUnknownProduct
}

// InsufficientStockError reports the stock seen at validation time.
type InsufficientStockError struct {
	ProductID string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %q: available %d, requested %d", e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// StockConflictError is returned when validation passed but the conditional
// decrement failed at commit. Nothing was written.
type StockConflictError struct {
	ProductID string
}

func (e *StockConflictError) Error() string {
	return fmt.Sprintf("stock for %q changed by a concurrent sale", e.ProductID)
}

func (e *StockConflictError) Is(target error) bool {
	return target == ErrConcurrentStockConflict
}
