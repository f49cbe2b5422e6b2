// Package lease provides the mutual-exclusion primitive guarding retraining:
// at most one retraining job per model type at a time. A lease is acquired
// before a retrain starts and released on completion; the TTL bounds how long
// a crashed holder can block the next run.
package lease

import (
	"context"
	"sync"
	"time"
)

// Lease grants time-bounded exclusive holds on string keys.
type Lease interface {
	// Acquire attempts to take the lease for key. Returns false without
	// error when another holder has it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release gives up the lease for key. Releasing a lease this instance
	// does not hold is a no-op.
	Release(ctx context.Context, key string) error
}

// Memory implements Lease for single-process deployments and tests.
type Memory struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewMemory creates an in-process lease table.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]time.Time), now: time.Now}
}

// Acquire takes the lease unless an unexpired hold exists.
func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if expires, ok := m.held[key]; ok && m.now().Before(expires) {
		return false, nil
	}
	m.held[key] = m.now().Add(ttl)
	return true, nil
}

// Release drops the hold on key.
func (m *Memory) Release(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
	return nil
}
