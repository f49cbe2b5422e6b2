package extract

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StaticExtractor serves canned datasets keyed by model type. It backs tests
// and local development where no reporting API is reachable.
type StaticExtractor struct {
	mu       sync.RWMutex
	datasets map[string]*Dataset
}

// NewStaticExtractor creates an empty static extractor.
func NewStaticExtractor() *StaticExtractor {
	return &StaticExtractor{datasets: make(map[string]*Dataset)}
}

func (s *StaticExtractor) Name() string { return "static" }

// SetDataset registers the dataset returned for a model type.
func (s *StaticExtractor) SetDataset(modelType string, ds *Dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[modelType] = ds
}

// Extract returns the registered dataset for the model type, or an error if
// none was registered.
func (s *StaticExtractor) Extract(ctx context.Context, q Query) (*Dataset, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, ok := s.datasets[q.ModelType]
	if !ok {
		return nil, fmt.Errorf("static extractor: no dataset for model type %q", q.ModelType)
	}

	out := &Dataset{
		Rows:        ds.Rows,
		Target:      ds.Target,
		ExtractedAt: ds.ExtractedAt,
	}
	if out.ExtractedAt.IsZero() {
		out.ExtractedAt = time.Now().UTC()
	}
	return out, nil
}
