package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"gstpos/backend/internal/domain"
)

const transactionKeyPrefix = "gstpos:tx:"

type RedisTransactionCache struct {
	client *redis.Client
}

func NewRedisTransactionCache(addr string, password string, db int) *RedisTransactionCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisTransactionCache{client: client}
}

func (c *RedisTransactionCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisTransactionCache) Close() error {
	return c.client.Close()
}

func transactionKey(id string) string {
	return transactionKeyPrefix + id
}

func (c *RedisTransactionCache) Get(ctx context.Context, id string) (*domain.Transaction, bool, error) {
	val, err := c.client.Get(ctx, transactionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var tx domain.Transaction
	if err := json.Unmarshal(val, &tx); err != nil {
		return nil, false, err
	}
	return &tx, true, nil
}

func (c *RedisTransactionCache) Set(ctx context.Context, tx *domain.Transaction, ttl time.Duration) error {
	if tx == nil || tx.ID == "" {
		return nil
	}
	stored := *tx
	stored.Duplicate = false
	payload, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, transactionKey(tx.ID), payload, ttl).Err()
}

func (c *RedisTransactionCache) Delete(ctx context.Context, id string) error {
	return c.client.Del(ctx, transactionKey(id)).Err()
}
