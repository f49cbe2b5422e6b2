package docstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/motorbay/retrainer/pkg/mlmodel"
)

func TestDefaults(t *testing.T) {
	tests := []struct {
		modelType  string
		kind       mlmodel.TaskKind
		maxAgeDays int
	}{
		{"revenue_forecast", mlmodel.TaskTimeSeries, 14},
		{"maintenance_prediction", mlmodel.TaskClassification, 30},
		{"parts_demand", mlmodel.TaskRegression, 21},
		{"some_new_task", mlmodel.TaskRegression, 30},
	}

	for _, tt := range tests {
		t.Run(tt.modelType, func(t *testing.T) {
			cfg := Defaults(tt.modelType)
			if cfg.ModelType != tt.modelType {
				t.Errorf("ModelType = %q, want %q", cfg.ModelType, tt.modelType)
			}
			if cfg.Task.Kind != tt.kind {
				t.Errorf("Task.Kind = %q, want %q", cfg.Task.Kind, tt.kind)
			}
			if cfg.MaxAgeDays != tt.maxAgeDays {
				t.Errorf("MaxAgeDays = %d, want %d", cfg.MaxAgeDays, tt.maxAgeDays)
			}
			if cfg.MinTrainingRows <= 0 || cfg.DataGrowthFactor <= 1 || cfg.DriftThreshold <= 0 {
				t.Errorf("implausible defaults: %+v", cfg)
			}
		})
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.ModelConfig(ctx, "parts_demand"); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty store error = %v, want ErrNotFound", err)
	}

	stored := Defaults("parts_demand")
	stored.MaxAgeDays = 7
	m.SetModelConfig(stored)

	got, err := m.ModelConfig(ctx, "parts_demand")
	if err != nil {
		t.Fatalf("ModelConfig() error = %v", err)
	}
	if got.MaxAgeDays != 7 {
		t.Errorf("MaxAgeDays = %d, want 7", got.MaxAgeDays)
	}

	// The returned document is a copy; mutating it must not leak back.
	got.MaxAgeDays = 99
	again, _ := m.ModelConfig(ctx, "parts_demand")
	if again.MaxAgeDays != 7 {
		t.Error("ModelConfig() returned a shared document")
	}
}

func TestHTTPStore_PartialOverride(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"max_age_days": 10, "manual_retrain": true, "features": ["mileage", "age_months"]}`))
	}))
	defer srv.Close()

	store := &HTTPStore{
		BaseURL: srv.URL + "/configs",
		Headers: map[string]string{"Authorization": "Bearer sesame"},
	}

	cfg, err := store.ModelConfig(context.Background(), "parts_demand")
	if err != nil {
		t.Fatalf("ModelConfig() error = %v", err)
	}

	if gotPath != "/configs/parts_demand" {
		t.Errorf("request path = %q, want model type appended", gotPath)
	}
	if gotAuth != "Bearer sesame" {
		t.Errorf("Authorization = %q, want configured header", gotAuth)
	}

	if cfg.MaxAgeDays != 10 {
		t.Errorf("MaxAgeDays = %d, want overridden 10", cfg.MaxAgeDays)
	}
	if !cfg.ManualRetrain {
		t.Error("ManualRetrain not overridden")
	}
	if len(cfg.Features) != 2 || cfg.Features[0] != "mileage" {
		t.Errorf("Features = %v, want the documented list", cfg.Features)
	}

	// Fields absent from the document keep the per-type default.
	if cfg.DataGrowthFactor != 1.3 {
		t.Errorf("DataGrowthFactor = %v, want default 1.3", cfg.DataGrowthFactor)
	}
	if cfg.Task.Kind != mlmodel.TaskRegression {
		t.Errorf("Task.Kind = %q, want the parts_demand default", cfg.Task.Kind)
	}
}

func TestHTTPStore_PathTemplate(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	store := &HTTPStore{BaseURL: srv.URL + "/api/{modelType}/config"}
	if _, err := store.ModelConfig(context.Background(), "revenue_forecast"); err != nil {
		t.Fatalf("ModelConfig() error = %v", err)
	}
	if gotPath != "/api/revenue_forecast/config" {
		t.Errorf("request path = %q, want placeholder substituted", gotPath)
	}
}

func TestHTTPStore_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	store := &HTTPStore{BaseURL: srv.URL}
	_, err := store.ModelConfig(context.Background(), "parts_demand")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("404 error = %v, want ErrNotFound", err)
	}
}

func TestHTTPStore_TaskKindOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"task_kind": "classification", "hyper": {"learning_rate": 0.2}}`))
	}))
	defer srv.Close()

	store := &HTTPStore{BaseURL: srv.URL}
	cfg, err := store.ModelConfig(context.Background(), "parts_demand")
	if err != nil {
		t.Fatalf("ModelConfig() error = %v", err)
	}
	if cfg.Task.Kind != mlmodel.TaskClassification {
		t.Errorf("Task.Kind = %q, want classification override", cfg.Task.Kind)
	}
	if cfg.Task.Hyper["learning_rate"] != 0.2 {
		t.Errorf("Hyper = %v, want learning_rate 0.2", cfg.Task.Hyper)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"task_kind": "clustering"}`))
	}))
	defer bad.Close()

	store = &HTTPStore{BaseURL: bad.URL}
	if _, err := store.ModelConfig(context.Background(), "parts_demand"); err == nil {
		t.Error("unknown task_kind accepted")
	}
}
