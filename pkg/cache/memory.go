package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

// Memory implements an in-memory TTL cache. It is safe for concurrent use by
// multiple goroutines.
//
// A background janitor goroutine removes expired entries periodically. For
// multi-instance deployments sharing one cache, use Redis instead.
type Memory struct {
	mu            sync.RWMutex
	entries       map[string]memoryEntry
	defaultTTL    time.Duration
	now           func() time.Time
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	stopped       bool
	stopMu        sync.Mutex
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemory creates an in-memory cache with the given default TTL and starts
// the background janitor. Stop must be called when the cache is no longer
// needed to prevent a goroutine leak.
func NewMemory(defaultTTL time.Duration) *Memory {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}

	c := &Memory{
		entries:       make(map[string]memoryEntry),
		defaultTTL:    defaultTTL,
		now:           time.Now,
		cleanupTicker: time.NewTicker(time.Minute),
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}

	go c.runCleanup()

	return c
}

// newMemoryWithClock is a test hook: no janitor, deterministic time.
func newMemoryWithClock(defaultTTL time.Duration, now func() time.Time) *Memory {
	return &Memory{
		entries:    make(map[string]memoryEntry),
		defaultTTL: defaultTTL,
		now:        now,
		stopped:    true,
	}
}

// Stop shuts down the janitor goroutine. Safe to call multiple times.
func (c *Memory) Stop() {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()

	if c.stopped || c.cleanupTicker == nil {
		return
	}

	close(c.stopCleanup)
	<-c.cleanupDone
	c.cleanupTicker.Stop()
	c.stopped = true
}

func (c *Memory) runCleanup() {
	defer close(c.cleanupDone)

	for {
		select {
		case <-c.cleanupTicker.C:
			c.removeExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *Memory) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// Get returns the value for key if present and unexpired. An expired entry is
// removed and treated as a miss.
func (c *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	default:
	}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}

	return e.value, true, nil
}

// Set stores value under key, replacing any existing entry.
func (c *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("cache key required")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: value, expiresAt: c.now().Add(ttl)}
	return nil
}

// Delete removes key.
func (c *Memory) Delete(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Increment bumps the counter at key, creating it with the TTL when absent
// or expired.
func (c *Memory) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if key == "" {
		return 0, errors.New("cache key required")
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var count int64
	if e, ok := c.entries[key]; ok && now.Before(e.expiresAt) {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, errors.New("cache: increment on non-counter value")
		}
		count = parsed + 1
		// Preserve the original expiry so a busy counter still resets.
		c.entries[key] = memoryEntry{value: []byte(strconv.FormatInt(count, 10)), expiresAt: e.expiresAt}
		return count, nil
	}

	count = 1
	c.entries[key] = memoryEntry{value: []byte("1"), expiresAt: now.Add(ttl)}
	return count, nil
}

// Len returns the number of live entries. Primarily useful for tests.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
