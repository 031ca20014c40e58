package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"gstpos/backend/internal/domain"
)

// Loader reads a transaction from the ledger of record.
type Loader func(ctx context.Context, id string) (*domain.Transaction, error)

// ReadThrough serves transactions from cache, falling back to the ledger on a
// miss. Concurrent misses for the same id share one ledger read. Cache errors
// are logged and never fail the read.
type ReadThrough struct {
	cache  TransactionCache
	load   Loader
	ttl    time.Duration
	logger zerolog.Logger
	group  singleflight.Group
}

func NewReadThrough(c TransactionCache, load Loader, ttl time.Duration, logger zerolog.Logger) *ReadThrough {
	if c == nil {
		c = NoopTransactionCache{}
	}
	return &ReadThrough{
		cache:  c,
		load:   load,
		ttl:    ttl,
		logger: logger.With().Str("cache", "transactions").Logger(),
	}
}

func (r *ReadThrough) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	v, err, _ := r.group.Do(id, func() (any, error) {
		tx, ok, err := r.cache.Get(ctx, id)
		if err != nil {
			r.logger.Warn().Err(err).Str("transaction_id", id).Msg("cache get failed")
		}
		if ok {
			return tx, nil
		}

		tx, err = r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := r.cache.Set(ctx, tx, r.ttl); err != nil {
			r.logger.Warn().Err(err).Str("transaction_id", id).Msg("cache set failed")
		}
		return tx, nil
	})
	if err != nil {
		return nil, err
	}
	tx := *v.(*domain.Transaction)
	return &tx, nil
}

// Refresh replaces the cached copy after the record changed.
func (r *ReadThrough) Refresh(ctx context.Context, tx *domain.Transaction) {
	if err := r.cache.Set(ctx, tx, r.ttl); err != nil {
		r.logger.Warn().Err(err).Str("transaction_id", tx.ID).Msg("cache refresh failed")
		if err := r.cache.Delete(ctx, tx.ID); err != nil {
			r.logger.Error().Err(err).Str("transaction_id", tx.ID).Msg("cache invalidate failed")
		}
	}
}
