package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/nathanyu/margin-trading/internal/domain"
)

const defaultRedisKey = "orderbook_snapshot"

// RedisRepository keeps the latest snapshot under one key and a short history list beside it.
type RedisRepository struct {
	client    *redis.Client
	key       string
	retention int64
}

func NewRedisRepository(client *redis.Client, key string) *RedisRepository {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisRepository{client: client, key: key, retention: DefaultRetention}
}

func (r *RedisRepository) Name() string { return "redis" }

func (r *RedisRepository) historyKey() string {
	return r.key + "_history"
}

// Save writes the snapshot and trims the history in one MULTI/EXEC.
func (r *RedisRepository) Save(ctx context.Context, snap *domain.OrderBookSnapshot) error {
	payload, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key, payload, 0)
		pipe.LPush(ctx, r.historyKey(), payload)
		pipe.LTrim(ctx, r.historyKey(), 0, r.retention-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot to redis: %w", err)
	}
	return nil
}

// Load returns the latest snapshot.
func (r *RedisRepository) Load(ctx context.Context) (*domain.OrderBookSnapshot, error) {
	payload, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot from redis: %w", err)
	}
	return decodeSnapshot(payload)
}
