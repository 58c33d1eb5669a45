package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	redis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/internal/adapters/config"
	"github.com/selivandex/coin-resolver/pkg/logger"
)

// Client wraps RedLock manager for cluster-once jobs + standard Redis for the shared quote cache
type Client struct {
	lockManager *redlock.RedLock
	cache       *redis.Client
	quoteTTL    time.Duration
}

// New creates new Redis client with RedLock support + caching
func New(cfg *config.RedisConfig) (*Client, error) {
	addr := cfg.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// single instance; list more addresses for a fault-tolerant quorum
	redisAddrs := []string{"tcp://" + addr}
	lockManager, err := redlock.NewRedLock(ctx, redisAddrs)
	if err != nil {
		return nil, fmt.Errorf("failed to create redlock manager: %w", err)
	}

	logger.Info("redis redlock manager initialized",
		zap.Strings("addresses", redisAddrs),
	)

	cacheClient := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	if err := cacheClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis cache: %w", err)
	}

	logger.Info("redis cache client initialized",
		zap.String("address", addr),
		zap.Int("db", cfg.DB),
	)

	return &Client{
		lockManager: lockManager,
		cache:       cacheClient,
		quoteTTL:    cfg.QuoteTTL,
	}, nil
}

// Close closes redis connections
func (c *Client) Close() error {
	if c.cache != nil {
		logger.Info("closing redis cache client")
		if err := c.cache.Close(); err != nil {
			return fmt.Errorf("failed to close redis cache: %w", err)
		}
	}
	return nil
}

// Health checks redis health
func (c *Client) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.cache.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
