package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/motorbay/retrainer/pkg/cache"
	"github.com/motorbay/retrainer/pkg/docstore"
	"github.com/motorbay/retrainer/pkg/evaluate"
	"github.com/motorbay/retrainer/pkg/extract"
	"github.com/motorbay/retrainer/pkg/mlmodel"
	"github.com/motorbay/retrainer/pkg/scheduler"
	"github.com/motorbay/retrainer/pkg/serving"
	"github.com/motorbay/retrainer/pkg/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func newTestMux(t *testing.T) (*http.ServeMux, *storage.FSStore) {
	t.Helper()
	logger := testLogger()

	store, err := storage.NewFSStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}

	extractor := extract.NewStaticExtractor()
	ds := &extract.Dataset{Target: "y"}
	for i := 0; i < 60; i++ {
		x := float64(i % 9)
		ds.Rows = append(ds.Rows, extract.Row{"x": x, "y": 2*x + 1})
	}
	extractor.SetDataset("parts_demand", ds)

	sched, err := scheduler.New(scheduler.Options{
		Store:      store,
		Docs:       docstore.NewMemory(),
		Extractor:  extractor,
		Evaluator:  evaluate.New(store, extractor, logger),
		Logger:     logger,
		LogDir:     t.TempDir(),
		ModelTypes: []string{"parts_demand"},
	})
	if err != nil {
		t.Fatalf("scheduler.New() error = %v", err)
	}

	kv := cache.NewMemory(time.Minute)
	t.Cleanup(kv.Stop)
	svc, err := serving.New(serving.Options{
		Store:     store,
		Cache:     kv,
		Extractor: extractor,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("serving.New() error = %v", err)
	}

	mux := SetupRoutes(Options{
		Scheduler:  sched,
		Store:      store,
		Serving:    svc,
		ModelTypes: []string{"parts_demand"},
		Logger:     logger,
	})
	return mux, store
}

func seedModel(t *testing.T, store *storage.FSStore) {
	t.Helper()
	ds := &extract.Dataset{Target: "y"}
	for i := 0; i < 40; i++ {
		x := float64(i % 8)
		ds.Rows = append(ds.Rows, extract.Row{"x": x, "y": 2*x + 1})
	}
	m := mlmodel.NewRidgeModel([]string{"x"}, mlmodel.RegressionParams{})
	if err := m.Train(context.Background(), ds); err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	if _, err := store.SaveModel(context.Background(), m, storage.SaveOptions{ModelType: "parts_demand", CreatedBy: "test"}); err != nil {
		t.Fatalf("SaveModel() error = %v", err)
	}
}

func TestHealthz(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", rec.Code)
	}
}

func TestSchedule(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/retraining/schedule", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /retraining/schedule = %d, want 202", rec.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if resp["status"] != "scheduled" {
		t.Errorf("status = %q, want scheduled", resp["status"])
	}
}

func TestRetrainModel_Validation(t *testing.T) {
	mux, _ := newTestMux(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid", `{"model_type": "parts_demand"}`, http.StatusAccepted},
		{"invalid json", `{model_type}`, http.StatusBadRequest},
		{"path traversal", `{"model_type": "../../etc"}`, http.StatusBadRequest},
		{"empty", `{"model_type": ""}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/retraining/model", strings.NewReader(tt.body))
			mux.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("POST /retraining/model = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/retraining/status?history=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /retraining/status = %d, want 200", rec.Code)
	}

	var resp struct {
		Running  bool              `json:"running"`
		Sessions []json.RawMessage `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if resp.Running {
		t.Error("idle scheduler reported as running")
	}
}

func TestListModels(t *testing.T) {
	mux, store := newTestMux(t)
	seedModel(t, store)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/models?type=parts_demand", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /models = %d, want 200", rec.Code)
	}

	var resp struct {
		Models map[string]struct {
			Versions []storage.ModelVersion `json:"versions"`
			Promoted string                 `json:"promoted"`
		} `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if len(resp.Models["parts_demand"].Versions) != 1 {
		t.Errorf("listed %d versions, want 1", len(resp.Models["parts_demand"].Versions))
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/models?type=..%2Fsecrets", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("GET /models with bad type = %d, want 400", rec.Code)
	}
}

func TestCleanup(t *testing.T) {
	mux, store := newTestMux(t)
	for i := 0; i < 4; i++ {
		seedModel(t, store)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/models/cleanup", strings.NewReader(`{"model_type": "parts_demand", "keep": 2}`))
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /models/cleanup = %d, want 200", rec.Code)
	}

	var resp struct {
		Removed int `json:"removed"`
		Kept    int `json:"kept"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if resp.Removed != 2 || resp.Kept != 2 {
		t.Errorf("cleanup removed %d kept %d, want 2 and 2", resp.Removed, resp.Kept)
	}
}

func TestPredict(t *testing.T) {
	mux, store := newTestMux(t)
	seedModel(t, store)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"model backed", "/predict?kind=parts_demand&x=3", http.StatusOK},
		{"missing kind", "/predict?x=3", http.StatusBadRequest},
		{"unknown kind", "/predict?kind=weather&x=3", http.StatusBadRequest},
		{"non-numeric param", "/predict?kind=parts_demand&x=three", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			if rec.Code != tt.want {
				t.Fatalf("GET %s = %d, want %d", tt.target, rec.Code, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}

			var p serving.Prediction
			if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
				t.Fatalf("response not JSON: %v", err)
			}
			if p.Kind != "parts_demand" || p.Fallback {
				t.Errorf("prediction = %+v, want model-backed parts_demand", p)
			}
		})
	}
}
