package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"lotscan/internal/logger"
	"lotscan/internal/model"
)

// RedisConfig holds configuration for RedisCache.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisCache is a LookupCache shared by the stations of one site. Lookups
// are stored as JSON under KeyPrefix and expire through Redis TTLs.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	log       *zap.Logger
}

var _ LookupCache = (*RedisCache)(nil)

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(cfg RedisConfig, log *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	c := newRedisCache(client, cfg.KeyPrefix, log)
	c.log.Info("redis cache ready", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB), zap.String("prefix", c.keyPrefix))
	return c, nil
}

func newRedisCache(client *redis.Client, prefix string, log *zap.Logger) *RedisCache {
	if prefix == "" {
		prefix = "lotscan:lookup"
	}
	return &RedisCache{client: client, keyPrefix: prefix, log: logger.OrNop(log).Named("cache")}
}

func (c *RedisCache) key(k Key) string {
	return c.keyPrefix + ":" + k.String()
}

// Get loads the lookup under k. An unreachable server is an error, not a miss.
func (c *RedisCache) Get(ctx context.Context, k Key) (*model.CachedLotLookup, error) {
	data, err := c.client.Get(ctx, c.key(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}

	var l model.CachedLotLookup
	if err := json.Unmarshal(data, &l); err != nil {
		c.log.Warn("dropping undecodable lookup", zap.String("key", c.key(k)), zap.Error(err))
		c.client.Del(ctx, c.key(k))
		return nil, ErrMiss
	}
	return &l, nil
}

// Put stores l as JSON.
func (c *RedisCache) Put(ctx context.Context, l *model.CachedLotLookup, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to encode lookup: %w", err)
	}
	return c.client.Set(ctx, c.key(KeyOf(l)), data, ttl).Err()
}

// Evict deletes the lookups under keys in one round trip.
func (c *RedisCache) Evict(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = c.key(k)
	}
	return c.client.Del(ctx, names...).Err()
}

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
