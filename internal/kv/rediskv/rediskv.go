// Package rediskv stores keys as fields of a single Redis hash. Durability
// follows the server's persistence settings; run Redis with appendonly and
// appendfsync always when it backs the transaction store.
package rediskv

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/umit144/purchase-reconciler/internal/kv"
)

// maxUpdateAttempts bounds optimistic retries when another writer touches
// the hash between WATCH and EXEC.
const maxUpdateAttempts = 16

type Backend struct {
	client redis.UniversalClient
	hash   string
	logger *zap.Logger
}

func New(client redis.UniversalClient, hash string, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{client: client, hash: hash, logger: logger}
}

func (b *Backend) Set(ctx context.Context, key string, value []byte) error {
	if err := b.client.HSet(ctx, b.hash, key, value).Err(); err != nil {
		b.logger.Error("failed to write hash field", zap.Error(err), zap.String("hash", b.hash), zap.String("key", key))
		return fmt.Errorf("hset failed: %w", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := b.client.HGet(ctx, b.hash, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("hget failed: %w", err)
	}
	return value, nil
}

// Update watches the hash, computes the new value and commits it in a
// MULTI/EXEC block, retrying when another writer got there first.
func (b *Backend) Update(ctx context.Context, key string, fn kv.UpdateFunc) error {
	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, b.hash, key).Bytes()
		found := true
		if errors.Is(err, redis.Nil) {
			current, found = nil, false
		} else if err != nil {
			return fmt.Errorf("hget failed: %w", err)
		}

		next, err := fn(current, found)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.HDel(ctx, b.hash, key)
			} else {
				pipe.HSet(ctx, b.hash, key, next)
			}
			return nil
		})
		return err
	}

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		err := b.client.Watch(ctx, txf, b.hash)
		switch {
		case err == nil, errors.Is(err, kv.ErrNoChange):
			return nil
		case errors.Is(err, redis.TxFailedErr):
			b.logger.Debug("hash changed during update, retrying",
				zap.String("hash", b.hash),
				zap.String("key", key),
				zap.Int("attempt", attempt),
			)
			continue
		default:
			return err
		}
	}
	return fmt.Errorf("%w: %s", kv.ErrConflict, key)
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := b.client.HDel(ctx, b.hash, key).Err(); err != nil {
		return fmt.Errorf("hdel failed: %w", err)
	}
	return nil
}

func (b *Backend) Clear(ctx context.Context) error {
	if err := b.client.Del(ctx, b.hash).Err(); err != nil {
		return fmt.Errorf("del failed: %w", err)
	}
	return nil
}
