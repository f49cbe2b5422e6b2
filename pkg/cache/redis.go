package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Cache on a Redis server. It enables multi-instance
// deployments to share one prediction cache and one set of usage counters.
type Redis struct {
	client     *redis.Client
	defaultTTL time.Duration
	prefix     string
	mu         sync.Mutex
}

// NewRedis creates a Redis-backed cache.
//
//   - addr: Redis server address, e.g. "localhost:6379"
//   - password: empty string for no auth
//   - db: Redis database number
//   - defaultTTL: used when Set/Increment receive a non-positive TTL
//     (0 uses a default of 5 minutes)
//
// Returns an error if the connection cannot be established.
func NewRedis(addr, password string, db int, defaultTTL time.Duration) (*Redis, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &Redis{
		client:     client,
		defaultTTL: defaultTTL,
		prefix:     "retrainer:cache:",
	}, nil
}

// Get returns the value for key, treating redis.Nil as a miss.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, errors.New("cache key required")
	}

	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return data, true, nil
}

// Set stores value under key with the TTL.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("cache key required")
	}
	if ttl <= 0 {
		ttl = r.defaultTTL
	}

	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("cache key required")
	}

	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Increment bumps the counter at key, setting the TTL on creation.
func (r *Redis) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if key == "" {
		return 0, errors.New("cache key required")
	}
	if ttl <= 0 {
		ttl = r.defaultTTL
	}

	count, err := r.client.Incr(ctx, r.prefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, r.prefix+key, ttl).Err(); err != nil {
			return count, fmt.Errorf("redis expire: %w", err)
		}
	}
	return count, nil
}

// Close closes the Redis client connection. Safe to call multiple times.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	if err != nil && err.Error() == "redis: client is closed" {
		return nil
	}
	return err
}

// Ping checks the Redis connection health.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
