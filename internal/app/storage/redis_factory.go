package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/partonomy/annotator/internal/config"
	"github.com/partonomy/annotator/internal/kv"
)

// RedisFactory creates a Redis-backed store. A single address connects to one
// node, several to a cluster, and a master name to a sentinel deployment.
type RedisFactory struct {
	client redis.UniversalClient
	store  *kv.RedisStore
	once   sync.Once
}

var _ Factory = (*RedisFactory)(nil)

// NewRedisFactory connects to Redis and verifies the connection.
func NewRedisFactory(ctx context.Context, cfg *config.Config) (*RedisFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Store.Redis == nil {
		return nil, fmt.Errorf("redis configuration is required for redis store type")
	}

	opts, err := redisOptions(cfg.Store.Redis)
	if err != nil {
		return nil, err
	}

	slog.Info("Creating Redis-backed shared store",
		"addresses", opts.Addrs,
		"master_name", opts.MasterName,
		"db", opts.DB,
	)

	client := redis.NewUniversalClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisFactory{
		client: client,
		store:  kv.NewRedisStore(client),
	}, nil
}

func redisOptions(rc *config.RedisConfig) (*redis.UniversalOptions, error) {
	password, err := rc.GetPassword()
	if err != nil {
		return nil, fmt.Errorf("failed to read redis password: %w", err)
	}

	return &redis.UniversalOptions{
		Addrs:      rc.GetAddresses(),
		MasterName: rc.MasterName,
		Username:   rc.Username,
		Password:   password,
		DB:         rc.DB,
		PoolSize:   rc.PoolSize,
	}, nil
}

// CreateStore implements Factory
func (r *RedisFactory) CreateStore(_ context.Context) (kv.Store, error) {
	return r.store, nil
}

// Cleanup implements Factory
func (r *RedisFactory) Cleanup() {
	r.once.Do(func() {
		slog.Info("Closing Redis client")
		if err := r.client.Close(); err != nil {
			slog.Warn("Error closing Redis client", "error", err)
		}
	})
}
