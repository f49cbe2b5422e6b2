package serving

import (
	"context"
	"log/slog"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/motorbay/retrainer/pkg/cache"
	"github.com/motorbay/retrainer/pkg/extract"
	"github.com/motorbay/retrainer/pkg/mlmodel"
	"github.com/motorbay/retrainer/pkg/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// newTestService wires a Service over a filesystem store and an in-memory
// cache. The returned store starts empty; seed it per test.
func newTestService(t *testing.T, extractor extract.Extractor) (*Service, *storage.FSStore, *cache.Memory) {
	t.Helper()
	store, err := storage.NewFSStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	kv := cache.NewMemory(time.Minute)
	t.Cleanup(kv.Stop)

	svc, err := New(Options{
		Store:     store,
		Cache:     kv,
		Extractor: extractor,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc, store, kv
}

// seedModel trains y = 4x + 2 and saves it as the only version.
func seedModel(t *testing.T, store *storage.FSStore, modelType string) {
	t.Helper()
	ds := &extract.Dataset{Target: "y"}
	for i := 0; i < 40; i++ {
		x := float64(i % 8)
		ds.Rows = append(ds.Rows, extract.Row{"x": x, "y": 4*x + 2})
	}
	m := mlmodel.NewRidgeModel([]string{"x"}, mlmodel.RegressionParams{})
	if err := m.Train(context.Background(), ds); err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	if _, err := store.SaveModel(context.Background(), m, storage.SaveOptions{
		ModelType: modelType,
		CreatedBy: "test",
	}); err != nil {
		t.Fatalf("SaveModel() error = %v", err)
	}
}

func TestPredict_ModelBacked(t *testing.T) {
	extractor := extract.NewStaticExtractor()
	svc, store, _ := newTestService(t, extractor)
	seedModel(t, store, KindPartsDemand)

	p, err := svc.Predict(context.Background(), KindPartsDemand, map[string]float64{"x": 3})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if p.Fallback {
		t.Error("model-backed prediction marked as fallback")
	}
	if p.Cached {
		t.Error("first request should not be a cache hit")
	}
	if p.ModelVersion == "" {
		t.Error("model-backed prediction missing model version")
	}
	if math.Abs(p.Value-14) > 1.5 {
		t.Errorf("Value = %v, want about 14 for x=3 on y=4x+2", p.Value)
	}
}

func TestPredict_SecondRequestHitsCache(t *testing.T) {
	extractor := extract.NewStaticExtractor()
	svc, store, _ := newTestService(t, extractor)
	seedModel(t, store, KindPartsDemand)

	params := map[string]float64{"x": 5, "warehouse": 2}
	first, err := svc.Predict(context.Background(), KindPartsDemand, params)
	if err != nil {
		t.Fatalf("first Predict() error = %v", err)
	}
	second, err := svc.Predict(context.Background(), KindPartsDemand, params)
	if err != nil {
		t.Fatalf("second Predict() error = %v", err)
	}

	if !second.Cached {
		t.Error("second identical request should hit the cache")
	}
	if second.Value != first.Value {
		t.Errorf("cached Value = %v, want %v", second.Value, first.Value)
	}
	if second.ModelVersion != first.ModelVersion {
		t.Errorf("cached ModelVersion = %q, want %q", second.ModelVersion, first.ModelVersion)
	}
}

func TestPredict_FallbackWithoutModel(t *testing.T) {
	extractor := extract.NewStaticExtractor()
	ds := &extract.Dataset{Target: "y"}
	for i := 0; i < 30; i++ {
		ds.Rows = append(ds.Rows, extract.Row{"y": float64(10 + i%2*10)}) // alternates 10, 20
	}
	extractor.SetDataset(KindRevenueForecast, ds)

	svc, _, _ := newTestService(t, extractor)

	p, err := svc.Predict(context.Background(), KindRevenueForecast, map[string]float64{"day": 1})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if !p.Fallback {
		t.Error("prediction without any model should be a fallback")
	}
	if p.ModelVersion != "" {
		t.Errorf("fallback carries model version %q", p.ModelVersion)
	}
	if math.Abs(p.Value-15) > 1e-9 {
		t.Errorf("Value = %v, want 15 (trailing mean of alternating 10/20)", p.Value)
	}

	// Fallbacks must not entrench in the cache.
	again, err := svc.Predict(context.Background(), KindRevenueForecast, map[string]float64{"day": 1})
	if err != nil {
		t.Fatalf("repeat Predict() error = %v", err)
	}
	if again.Cached {
		t.Error("fallback result must not be served from cache")
	}
}

func TestPredict_FallbackWithoutData(t *testing.T) {
	extractor := extract.NewStaticExtractor()
	svc, _, _ := newTestService(t, extractor)

	p, err := svc.Predict(context.Background(), KindMaintenancePrediction, nil)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if !p.Fallback || p.Value != 0 {
		t.Errorf("got Fallback=%v Value=%v, want zero-valued fallback with no model and no data", p.Fallback, p.Value)
	}
}

func TestPredict_UnknownKind(t *testing.T) {
	extractor := extract.NewStaticExtractor()
	svc, _, _ := newTestService(t, extractor)

	_, err := svc.Predict(context.Background(), "weather_forecast", nil)
	if err == nil {
		t.Fatal("Predict() accepted an unknown kind")
	}
	if !strings.Contains(err.Error(), "unknown prediction kind") {
		t.Errorf("error = %v, want unknown-kind message", err)
	}
}

func TestPredict_OverBudgetNotCached(t *testing.T) {
	extractor := extract.NewStaticExtractor()
	svc, store, _ := newTestService(t, extractor)
	seedModel(t, store, KindPartsDemand)

	// A clock that jumps 3s per reading makes every computation overshoot
	// the 5s budget without sleeping.
	base := time.Now()
	calls := 0
	svc.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 3 * time.Second)
	}

	params := map[string]float64{"x": 7}
	first, err := svc.Predict(context.Background(), KindPartsDemand, params)
	if err != nil {
		t.Fatalf("first Predict() error = %v", err)
	}
	if first.Fallback {
		t.Fatal("slow prediction should still serve the model value")
	}

	second, err := svc.Predict(context.Background(), KindPartsDemand, params)
	if err != nil {
		t.Fatalf("second Predict() error = %v", err)
	}
	if second.Cached {
		t.Error("over-budget prediction must not have been cached")
	}
}

func TestCacheKey(t *testing.T) {
	a := cacheKey("parts_demand", map[string]float64{"x": 1, "warehouse": 2})
	b := cacheKey("parts_demand", map[string]float64{"warehouse": 2, "x": 1})
	if a != b {
		t.Error("cache key depends on parameter order")
	}

	c := cacheKey("parts_demand", map[string]float64{"x": 1, "warehouse": 3})
	if a == c {
		t.Error("different parameter values share a cache key")
	}

	d := cacheKey("revenue_forecast", map[string]float64{"x": 1, "warehouse": 2})
	if a == d {
		t.Error("different kinds share a cache key")
	}

	if !strings.HasPrefix(a, "predict:") {
		t.Errorf("key %q missing predict: prefix", a)
	}
}

func TestUsage_RecordAndVolume(t *testing.T) {
	kv := cache.NewMemory(time.Minute)
	t.Cleanup(kv.Stop)

	u := NewUsage(kv)
	day := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	u.now = func() time.Time { return day }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := u.Record(ctx, "parts_demand"); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	// A counter from two days ago still falls inside the trailing week.
	u.now = func() time.Time { return day.AddDate(0, 0, -2) }
	if err := u.Record(ctx, "parts_demand"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	u.now = func() time.Time { return day }

	got, err := u.Volume(ctx, "parts_demand")
	if err != nil {
		t.Fatalf("Volume() error = %v", err)
	}
	if got != 4 {
		t.Errorf("Volume() = %d, want 4", got)
	}

	other, err := u.Volume(ctx, "revenue_forecast")
	if err != nil {
		t.Fatalf("Volume() error = %v", err)
	}
	if other != 0 {
		t.Errorf("Volume() for untouched type = %d, want 0", other)
	}
}

func TestKinds(t *testing.T) {
	kinds := Kinds()
	if len(kinds) != 3 {
		t.Fatalf("Kinds() returned %d entries, want 3", len(kinds))
	}
	for i := 1; i < len(kinds); i++ {
		if kinds[i-1] >= kinds[i] {
			t.Errorf("Kinds() not sorted: %v", kinds)
		}
	}
}
