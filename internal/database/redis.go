package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"listen-room/internal/config"

	"github.com/redis/go-redis/v9"
)

type RedisClient struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisConnection connects to the Redis instance named by cfg.URL
// (redis://[:password@]host:port/db).
func NewRedisConnection(cfg *config.RedisConfig, logger *slog.Logger) (*RedisClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established successfully", "addr", opts.Addr)

	return &RedisClient{
		client: rdb,
		logger: logger,
	}, nil
}

func (r *RedisClient) GetClient() *redis.Client {
	return r.client
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
