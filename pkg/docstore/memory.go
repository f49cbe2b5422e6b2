package docstore

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process document store for tests and single-node setups.
type Memory struct {
	mu      sync.RWMutex
	configs map[string]*ModelConfig
}

// NewMemory creates an empty in-memory document store.
func NewMemory() *Memory {
	return &Memory{configs: make(map[string]*ModelConfig)}
}

// SetModelConfig stores or replaces the document for a model type.
func (m *Memory) SetModelConfig(cfg *ModelConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.ModelType] = cfg
}

// ModelConfig returns the stored document or ErrNotFound.
func (m *Memory) ModelConfig(ctx context.Context, modelType string) (*ModelConfig, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.configs[modelType]
	if !ok {
		return nil, fmt.Errorf("%s: %w", modelType, ErrNotFound)
	}
	out := *cfg
	return &out, nil
}
