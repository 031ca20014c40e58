package cache

import (
	"context"
	"time"

	"gstpos/backend/internal/domain"
)

// TransactionCache stores ledger records by transaction id. A miss is
// reported as (nil, false, nil).
type TransactionCache interface {
	Get(ctx context.Context, id string) (*domain.Transaction, bool, error)
	Set(ctx context.Context, tx *domain.Transaction, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

type NoopTransactionCache struct{}

func (NoopTransactionCache) Get(_ context.Context, _ string) (*domain.Transaction, bool, error) {
	return nil, false, nil
}

func (NoopTransactionCache) Set(_ context.Context, _ *domain.Transaction, _ time.Duration) error {
	return nil
}

func (NoopTransactionCache) Delete(_ context.Context, _ string) error {
	return nil
}
