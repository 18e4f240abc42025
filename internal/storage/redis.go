package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each document as a hash with its bytes and content type.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore parses cfg.RedisURL and checks the connection.
func NewRedisStore(ctx context.Context, cfg *StorageConfig) (*RedisStore, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, NewConnectionError("failed to parse Redis URL", err)
	}
	opt.MaxRetries = cfg.MaxRetries

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, NewConnectionError("failed to connect to Redis", err)
	}
	return newRedisStore(client, cfg.RedisPrefix), nil
}

func newRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(key string) string {
	return r.prefix + "object:" + key
}

func (r *RedisStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	err := r.client.HSet(ctx, r.key(key), map[string]any{
		"data":        data,
		"contentType": contentType,
	}).Err()
	if err != nil {
		return NewQueryError(fmt.Sprintf("failed to store %s", key), err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.HGet(ctx, r.key(key), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, NewNotFoundError("object", key)
	}
	if err != nil {
		return nil, NewQueryError(fmt.Sprintf("failed to load %s", key), err)
	}
	return data, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
