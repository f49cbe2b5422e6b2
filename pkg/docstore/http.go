package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/motorbay/retrainer/pkg/mlmodel"
)

// HTTPStore fetches configuration documents from a REST record store. The
// endpoint is expected to return one JSON document per model type; a 404
// maps to ErrNotFound so callers fall back to defaults.
type HTTPStore struct {
	// BaseURL is the document endpoint; "{modelType}" in the path is
	// replaced per request, otherwise the model type is appended.
	BaseURL string

	// Headers are sent verbatim on every request (auth tokens etc.).
	Headers map[string]string

	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client
}

// ModelConfig fetches and decodes the document for a model type. Fields
// absent from the document keep the hardcoded default for that model type,
// so partial documents only override what they mention.
func (h *HTTPStore) ModelConfig(ctx context.Context, modelType string) (*ModelConfig, error) {
	if h.BaseURL == "" {
		return nil, errors.New("docstore: base URL required")
	}

	url := h.BaseURL
	if strings.Contains(url, "{modelType}") {
		url = strings.ReplaceAll(url, "{modelType}", modelType)
	} else {
		url = strings.TrimRight(url, "/") + "/" + modelType
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}

	cli := h.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", modelType, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	cfg := Defaults(modelType)

	if v := gjson.GetBytes(body, "max_age_days"); v.Exists() {
		cfg.MaxAgeDays = int(v.Int())
	}
	if v := gjson.GetBytes(body, "drift_threshold"); v.Exists() {
		cfg.DriftThreshold = v.Float()
	}
	if v := gjson.GetBytes(body, "min_training_rows"); v.Exists() {
		cfg.MinTrainingRows = int(v.Int())
	}
	if v := gjson.GetBytes(body, "data_growth_factor"); v.Exists() {
		cfg.DataGrowthFactor = v.Float()
	}
	if v := gjson.GetBytes(body, "keep_versions"); v.Exists() {
		cfg.KeepVersions = int(v.Int())
	}
	if v := gjson.GetBytes(body, "window_days"); v.Exists() {
		cfg.WindowDays = int(v.Int())
	}
	if v := gjson.GetBytes(body, "manual_retrain"); v.Exists() {
		cfg.ManualRetrain = v.Bool()
	}
	if v := gjson.GetBytes(body, "features"); v.IsArray() {
		cfg.Features = nil
		for _, f := range v.Array() {
			cfg.Features = append(cfg.Features, f.String())
		}
	}
	if v := gjson.GetBytes(body, "task_kind"); v.Exists() {
		if err := applyTaskKind(cfg, v.String(), body); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// applyTaskKind overrides the default task from the document, keeping the
// tagged-union shape consistent with the kind.
func applyTaskKind(cfg *ModelConfig, kind string, body []byte) error {
	hyper := map[string]float64{}
	if h := gjson.GetBytes(body, "hyper"); h.IsObject() {
		h.ForEach(func(key, value gjson.Result) bool {
			hyper[key.String()] = value.Float()
			return true
		})
	}
	if len(hyper) == 0 {
		hyper = nil
	}

	switch mlmodel.TaskKind(kind) {
	case mlmodel.TaskClassification:
		cfg.Task = mlmodel.Task{
			Kind:           mlmodel.TaskClassification,
			Classification: &mlmodel.ClassificationParams{},
			Hyper:          hyper,
		}
	case mlmodel.TaskRegression:
		cfg.Task = mlmodel.Task{
			Kind:       mlmodel.TaskRegression,
			Regression: &mlmodel.RegressionParams{},
			Hyper:      hyper,
		}
	case mlmodel.TaskTimeSeries:
		cfg.Task = mlmodel.Task{
			Kind:       mlmodel.TaskTimeSeries,
			TimeSeries: &mlmodel.TimeSeriesParams{},
			Hyper:      hyper,
		}
	default:
		return fmt.Errorf("docstore: unknown task_kind %q for %s", kind, cfg.ModelType)
	}
	return nil
}
