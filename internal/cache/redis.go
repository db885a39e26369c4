package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 3 * time.Second

// Redis stores entries under "{prefix}{key}" with no expiry.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedis(redisURL, namespace string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, namespace, logger), nil
}

func NewRedisWithClient(client *redis.Client, namespace string, logger *slog.Logger) *Redis {
	if namespace == "" {
		namespace = "default"
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &Redis{
		client: client,
		prefix: "tasksync:" + namespace + ":",
		logger: logger.With("module", "cache", "backend", "redis"),
	}
}

func (r *Redis) key(key string) string {
	return r.prefix + key
}

func (r *Redis) Read(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		r.logger.Warn("cache read failed", "key", key, "err", err)
		return nil, false
	}
	if len(raw) == 0 {
		return nil, false
	}
	return raw, true
}

func (r *Redis) Write(key string, value []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		r.logger.Warn("cache write failed", "key", key, "bytes", len(value), "err", err)
	}
}

func (r *Redis) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		r.logger.Warn("cache delete failed", "key", key, "err", err)
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
