package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease key only when this instance still owns it,
// so an expired-and-reacquired lease is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
end
return 0
`)

// Redis implements Lease with SET NX and an owner token, coordinating
// retraining across multiple scheduler instances.
type Redis struct {
	client *redis.Client
	owner  string
	mu     sync.Mutex
	keys   map[string]bool
}

// NewRedis creates a Redis-backed lease using the given client.
func NewRedis(client *redis.Client) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	return &Redis{
		client: client,
		owner:  uuid.NewString(),
		keys:   make(map[string]bool),
	}, nil
}

// NewRedisFromAddr dials Redis and returns a lease over the connection.
func NewRedisFromAddr(addr, password string, db int) (*Redis, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return NewRedis(client)
}

func (r *Redis) leaseKey(key string) string {
	return "retrainer:lease:" + key
}

// Acquire takes the lease via SET NX with the TTL as expiry.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, errors.New("lease key required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	ok, err := r.client.SetNX(ctx, r.leaseKey(key), r.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		r.mu.Lock()
		r.keys[key] = true
		r.mu.Unlock()
	}
	return ok, nil
}

// Release drops the lease if this instance still owns it.
func (r *Redis) Release(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("lease key required")
	}

	r.mu.Lock()
	delete(r.keys, key)
	r.mu.Unlock()

	if err := releaseScript.Run(ctx, r.client, []string{r.leaseKey(key)}, r.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis lease release: %w", err)
	}
	return nil
}
