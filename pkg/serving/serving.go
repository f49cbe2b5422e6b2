// Package serving answers prediction requests with low latency. It resolves
// the promoted model version, caches results per normalized input with a
// kind-specific TTL, and degrades to naive historical estimates rather than
// failing a request.
package serving

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/motorbay/retrainer/pkg/cache"
	"github.com/motorbay/retrainer/pkg/extract"
	"github.com/motorbay/retrainer/pkg/storage"
)

// Prediction kinds. Each maps onto the model type of the same name.
const (
	KindRevenueForecast       = "revenue_forecast"
	KindMaintenancePrediction = "maintenance_prediction"
	KindPartsDemand           = "parts_demand"
)

// DefaultLatencyBudget is the computation time beyond which a result is
// still returned but not cached.
const DefaultLatencyBudget = 5 * time.Second

// fallbackWindowDays is the trailing window the naive estimate averages over.
const fallbackWindowDays = 30

type kindSpec struct {
	modelType string
	ttl       time.Duration
}

// Cache TTLs follow the volatility of each prediction kind: revenue
// forecasts move with the day's bookings, parts demand barely moves
// within a shift.
var kindSpecs = map[string]kindSpec{
	KindRevenueForecast:       {modelType: KindRevenueForecast, ttl: 5 * time.Minute},
	KindMaintenancePrediction: {modelType: KindMaintenancePrediction, ttl: time.Hour},
	KindPartsDemand:           {modelType: KindPartsDemand, ttl: 6 * time.Hour},
}

// Kinds lists the supported prediction kinds in stable order.
func Kinds() []string {
	out := make([]string, 0, len(kindSpecs))
	for k := range kindSpecs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Prediction is one served answer. Fallback marks heuristic estimates so
// callers can distinguish them from model-backed values.
type Prediction struct {
	Kind           string  `json:"kind"`
	ModelType      string  `json:"model_type"`
	Value          float64 `json:"value"`
	ModelVersion   string  `json:"model_version,omitempty"`
	Cached         bool    `json:"cached"`
	Fallback       bool    `json:"is_fallback"`
	ResponseTimeMs int64   `json:"response_time_ms"`

	GeneratedAt time.Time `json:"generated_at"`
}

// Observer receives instrumentation callbacks per served prediction.
type Observer interface {
	ObservePrediction(kind string, cached, fallback bool, elapsed time.Duration)
}

// Options configures a Service.
type Options struct {
	Store         storage.Store
	Cache         cache.Cache
	Extractor     extract.Extractor
	Usage         *Usage
	AccessLog     *AccessLog
	Logger        *slog.Logger
	LatencyBudget time.Duration
	Observer      Observer
}

// Service is the prediction-serving layer.
type Service struct {
	store         storage.Store
	cache         cache.Cache
	extractor     extract.Extractor
	usage         *Usage
	accessLog     *AccessLog
	logger        *slog.Logger
	latencyBudget time.Duration
	observer      Observer
	now           func() time.Time
}

// New creates a Service. Store, Cache, and Extractor are required; Usage and
// AccessLog are optional.
func New(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Cache == nil || opts.Extractor == nil {
		return nil, fmt.Errorf("serving requires store, cache, and extractor")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LatencyBudget <= 0 {
		opts.LatencyBudget = DefaultLatencyBudget
	}
	return &Service{
		store:         opts.Store,
		cache:         opts.Cache,
		extractor:     opts.Extractor,
		usage:         opts.Usage,
		accessLog:     opts.AccessLog,
		logger:        opts.Logger,
		latencyBudget: opts.LatencyBudget,
		observer:      opts.Observer,
		now:           time.Now,
	}, nil
}

// Predict answers one request. Unknown kinds are the only error; for known
// kinds every failure path degrades to a heuristic estimate instead.
func (s *Service) Predict(ctx context.Context, kind string, params map[string]float64) (*Prediction, error) {
	spec, ok := kindSpecs[kind]
	if !ok {
		return nil, fmt.Errorf("unknown prediction kind %q", kind)
	}

	start := s.now()
	key := cacheKey(kind, params)

	if p := s.cached(ctx, key); p != nil {
		p.Cached = true
		p.ResponseTimeMs = s.now().Sub(start).Milliseconds()
		s.finish(ctx, p)
		return p, nil
	}

	p := &Prediction{
		Kind:        kind,
		ModelType:   spec.modelType,
		GeneratedAt: s.now().UTC(),
	}

	value, version, err := s.modelValue(ctx, spec.modelType, params)
	if err != nil {
		s.logger.Warn("model prediction failed, serving fallback",
			"kind", kind, "model_type", spec.modelType, "error", err)
		p.Value = s.fallbackValue(ctx, spec.modelType)
		p.Fallback = true
	} else {
		p.Value = value
		p.ModelVersion = version
	}

	elapsed := s.now().Sub(start)
	p.ResponseTimeMs = elapsed.Milliseconds()

	// Slow computations are answered but not cached, so a degraded path
	// cannot entrench itself as the common case. Fallbacks stay uncached
	// too: the next request should retry the real model.
	if !p.Fallback && elapsed <= s.latencyBudget {
		s.cacheWrite(ctx, key, p, spec.ttl)
	} else if elapsed > s.latencyBudget {
		s.logger.Warn("prediction exceeded latency budget, not caching",
			"kind", kind, "elapsed_ms", elapsed.Milliseconds())
	}

	s.finish(ctx, p)
	return p, nil
}

// modelValue loads the promoted version and scores the request parameters.
func (s *Service) modelValue(ctx context.Context, modelType string, params map[string]float64) (float64, string, error) {
	m, meta, err := s.store.LoadModel(ctx, modelType, storage.VersionPromoted)
	if err != nil {
		return 0, "", fmt.Errorf("load serving model: %w", err)
	}

	row := make(extract.Row, len(params))
	for k, v := range params {
		row[k] = v
	}
	value, err := m.PredictRow(row)
	if err != nil {
		return 0, "", fmt.Errorf("score request: %w", err)
	}
	return value, meta.Version, nil
}

// fallbackValue is the trailing average of the target column over the recent
// window. If even that fails there is genuinely no signal, and zero is the
// honest answer.
func (s *Service) fallbackValue(ctx context.Context, modelType string) float64 {
	ds, err := s.extractor.Extract(ctx, extract.Query{ModelType: modelType, WindowDays: fallbackWindowDays})
	if err != nil || len(ds.Rows) == 0 {
		if err != nil {
			s.logger.Warn("fallback extraction failed", "model_type", modelType, "error", err)
		}
		return 0
	}

	sum, n := 0.0, 0
	for _, row := range ds.Rows {
		if v, ok := row[ds.Target]; ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (s *Service) cached(ctx context.Context, key string) *Prediction {
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache read failed", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var p Prediction
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("evicting malformed cache entry", "key", key, "error", err)
		_ = s.cache.Delete(ctx, key)
		return nil
	}
	return &p
}

func (s *Service) cacheWrite(ctx context.Context, key string, p *Prediction, ttl time.Duration) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, ttl); err != nil {
		s.logger.Warn("cache write failed", "error", err)
	}
}

// finish records instrumentation, usage counters, and the access log entry.
// None may fail the request.
func (s *Service) finish(ctx context.Context, p *Prediction) {
	if s.observer != nil {
		s.observer.ObservePrediction(p.Kind, p.Cached, p.Fallback, time.Duration(p.ResponseTimeMs)*time.Millisecond)
	}
	if s.usage != nil {
		if err := s.usage.Record(ctx, p.ModelType); err != nil {
			s.logger.Warn("usage recording failed", "model_type", p.ModelType, "error", err)
		}
	}
	if s.accessLog != nil {
		if err := s.accessLog.record(p); err != nil {
			s.logger.Warn("access log write failed", "error", err)
		}
	}
}

// cacheKey hashes the kind plus the sorted parameters, so equivalent
// requests share an entry regardless of parameter order.
func cacheKey(kind string, params map[string]float64) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(kind)
	for _, name := range names {
		b.WriteByte('|')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(params[name], 'g', -1, 64))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return "predict:" + hex.EncodeToString(sum[:])
}
