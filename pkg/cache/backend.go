package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Backend stores encoded entries.
type Backend interface {
	// Get returns the stored bytes or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores data for ttl.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Layer names the backend in metrics.
	Layer() string
}

// RedisBackend keeps entries in Redis.
type RedisBackend struct {
	redis *redis.Client
}

// NewRedisBackend creates a Redis backend.
func NewRedisBackend(redisClient *redis.Client) *RedisBackend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisBackend{redis: redisClient}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := b.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (b *RedisBackend) Layer() string { return "redis" }

// MemoryBackend keeps entries in process memory.
type MemoryBackend struct {
	items *gocache.Cache
}

// NewMemoryBackend creates a memory backend that purges expired entries every
// cleanupInterval.
func NewMemoryBackend(cleanupInterval time.Duration) *MemoryBackend {
	return &MemoryBackend{
		items: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := b.items.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return v.([]byte), nil
}

func (b *MemoryBackend) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	b.items.Set(key, data, ttl)
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.items.Delete(key)
	return nil
}

func (b *MemoryBackend) Layer() string { return "memory" }

// Len returns the number of stored entries, including expired ones not yet purged.
func (b *MemoryBackend) Len() int {
	return b.items.ItemCount()
}
