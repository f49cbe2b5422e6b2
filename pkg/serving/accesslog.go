package serving

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// AccessLog appends one JSON line per served prediction. It exists for
// offline analysis of prediction traffic; write failures are reported to the
// caller but must never fail a prediction.
type AccessLog struct {
	mu   sync.Mutex
	file *os.File
}

type accessRecord struct {
	Time           time.Time `json:"time"`
	Kind           string    `json:"kind"`
	ModelType      string    `json:"model_type"`
	ModelVersion   string    `json:"model_version,omitempty"`
	Value          float64   `json:"value"`
	Cached         bool      `json:"cached"`
	Fallback       bool      `json:"fallback"`
	ResponseTimeMs int64     `json:"response_time_ms"`
}

// OpenAccessLog opens (or creates) the access log file in append mode.
func OpenAccessLog(path string) (*AccessLog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open access log: %w", err)
	}
	return &AccessLog{file: f}, nil
}

func (l *AccessLog) record(p *Prediction) error {
	rec := accessRecord{
		Time:           p.GeneratedAt,
		Kind:           p.Kind,
		ModelType:      p.ModelType,
		ModelVersion:   p.ModelVersion,
		Value:          p.Value,
		Cached:         p.Cached,
		Fallback:       p.Fallback,
		ResponseTimeMs: p.ResponseTimeMs,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serialize access record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("append access record: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *AccessLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
