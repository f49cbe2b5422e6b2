package evaluate

import (
	"context"
	"log/slog"
	"math"
	"os"
	"testing"

	"github.com/motorbay/retrainer/pkg/extract"
	"github.com/motorbay/retrainer/pkg/mlmodel"
	"github.com/motorbay/retrainer/pkg/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func newEvaluator(t *testing.T, extractor extract.Extractor) (*Evaluator, storage.Store) {
	t.Helper()
	store, err := storage.NewFSStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	return New(store, extractor, testLogger()), store
}

func linearDataset(n int, noise func(i int) float64) *extract.Dataset {
	ds := &extract.Dataset{Target: "y"}
	for i := 0; i < n; i++ {
		x := float64(i % 11)
		ds.Rows = append(ds.Rows, extract.Row{"x": x, "y": 3*x + 5 + noise(i)})
	}
	return ds
}

func saveTrained(t *testing.T, store storage.Store, modelType string, ds *extract.Dataset, metrics map[string]float64) *storage.ModelVersion {
	t.Helper()
	m := mlmodel.NewRidgeModel([]string{"x"}, mlmodel.RegressionParams{})
	if err := m.Train(context.Background(), ds); err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	entry, err := store.SaveModel(context.Background(), m, storage.SaveOptions{
		ModelType: modelType,
		Metrics:   metrics,
		TaskKind:  mlmodel.TaskRegression,
		Features:  []string{"x"},
	})
	if err != nil {
		t.Fatalf("SaveModel() error = %v", err)
	}
	return entry
}

func TestMetricFunctions(t *testing.T) {
	predicted := []float64{1, 2, 3, 4}
	actual := []float64{1, 2, 2, 4}

	if got := MAE(predicted, actual); math.Abs(got-0.25) > 1e-9 {
		t.Errorf("MAE() = %v, want 0.25", got)
	}
	if got := MSE(predicted, actual); math.Abs(got-0.25) > 1e-9 {
		t.Errorf("MSE() = %v, want 0.25", got)
	}
	if got := R2(actual, actual); math.Abs(got-1) > 1e-9 {
		t.Errorf("R2() on perfect fit = %v, want 1", got)
	}
	if got := R2([]float64{5, 5, 5}, []float64{7, 7, 7}); got != 0 {
		t.Errorf("R2() on constant actuals = %v, want 0", got)
	}

	labels := []float64{1, 0, 1, 1}
	preds := []float64{0.9, 0.1, 0.2, 0.8}
	if got := Accuracy(preds, labels); math.Abs(got-0.75) > 1e-9 {
		t.Errorf("Accuracy() = %v, want 0.75", got)
	}
}

func TestCurrentPerformance(t *testing.T) {
	extractor := extract.NewStaticExtractor()
	ev, store := newEvaluator(t, extractor)

	train := linearDataset(60, func(int) float64 { return 0 })
	saveTrained(t, store, "parts_demand", train, nil)
	extractor.SetDataset("parts_demand", train)

	task := mlmodel.Task{Kind: mlmodel.TaskRegression}
	metrics, err := ev.CurrentPerformance(context.Background(), "parts_demand", task, 90)
	if err != nil {
		t.Fatalf("CurrentPerformance() error = %v", err)
	}
	if metrics["r2"] < 0.99 {
		t.Errorf("r2 = %v on the training distribution, want near 1", metrics["r2"])
	}
	if metrics["samples"] == 0 {
		t.Error("samples metric missing")
	}
}

func TestCurrentPerformance_InsufficientData(t *testing.T) {
	extractor := extract.NewStaticExtractor()
	ev, store := newEvaluator(t, extractor)

	saveTrained(t, store, "parts_demand", linearDataset(40, func(int) float64 { return 0 }), nil)
	extractor.SetDataset("parts_demand", linearDataset(5, func(int) float64 { return 0 }))

	metrics, err := ev.CurrentPerformance(context.Background(), "parts_demand", mlmodel.Task{Kind: mlmodel.TaskRegression}, 90)
	if err != nil {
		t.Fatalf("CurrentPerformance() error = %v, insufficient data must not be an error", err)
	}
	if len(metrics) != 0 {
		t.Errorf("metrics = %v, want empty map on insufficient data", metrics)
	}
}

func TestDetectDrift(t *testing.T) {
	tests := []struct {
		name      string
		rows      int
		shift     float64
		evaluated bool
		hasDrift  bool
	}{
		{"too few samples", 30, 100, false, false},
		{"no shift", 100, 0, true, false},
		{"strong shift", 100, 50, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			extractor := extract.NewStaticExtractor()
			ev, _ := newEvaluator(t, extractor)

			// First half centered at 0, second half shifted.
			ds := &extract.Dataset{Target: "y"}
			for i := 0; i < tt.rows; i++ {
				v := float64(i%10) - 4.5
				if i >= tt.rows/2 {
					v += tt.shift
				}
				ds.Rows = append(ds.Rows, extract.Row{"f": v, "y": 1})
			}
			extractor.SetDataset("maintenance_prediction", ds)

			report, err := ev.DetectDrift(context.Background(), "maintenance_prediction", 90)
			if err != nil {
				t.Fatalf("DetectDrift() error = %v", err)
			}
			if report.Evaluated != tt.evaluated {
				t.Errorf("Evaluated = %v, want %v", report.Evaluated, tt.evaluated)
			}
			if report.HasDrift != tt.hasDrift {
				t.Errorf("HasDrift = %v (score %v), want %v", report.HasDrift, report.DriftScore, tt.hasDrift)
			}
		})
	}
}

func TestDetectDrift_ScoreMonotonicInShift(t *testing.T) {
	score := func(shift float64) float64 {
		extractor := extract.NewStaticExtractor()
		ev, _ := newEvaluator(t, extractor)

		ds := &extract.Dataset{Target: "y"}
		for i := 0; i < 120; i++ {
			v := float64(i%10) - 4.5
			if i >= 60 {
				v += shift
			}
			ds.Rows = append(ds.Rows, extract.Row{"f": v, "y": 1})
		}
		extractor.SetDataset("parts_demand", ds)

		report, err := ev.DetectDrift(context.Background(), "parts_demand", 90)
		if err != nil {
			t.Fatalf("DetectDrift() error = %v", err)
		}
		return report.DriftScore
	}

	small, large := score(1), score(10)
	if small >= large {
		t.Errorf("drift score should grow with the shift: score(1)=%v, score(10)=%v", small, large)
	}
}

func TestMeanShift_ZeroVarianceGuard(t *testing.T) {
	old := []float64{5, 5, 5, 5}
	moved := []float64{9, 9, 9}

	if got := meanShift(old, moved); got != 1.0 {
		t.Errorf("meanShift() with zero historical variance = %v, want capped 1.0", got)
	}
	if got := meanShift(old, old); got != 0 {
		t.Errorf("meanShift() with identical halves = %v, want 0", got)
	}
}

func TestCompareVersions(t *testing.T) {
	extractor := extract.NewStaticExtractor()
	ev, store := newEvaluator(t, extractor)
	task := mlmodel.Task{Kind: mlmodel.TaskRegression}
	ds := linearDataset(40, func(int) float64 { return 0 })

	current := saveTrained(t, store, "parts_demand", ds, map[string]float64{"r2": 0.80})
	if err := store.SetPromoted("parts_demand", current.Version); err != nil {
		t.Fatalf("SetPromoted() error = %v", err)
	}

	tests := []struct {
		name       string
		candidateR float64
		wantBetter bool
	}{
		{"candidate stronger", 0.90, true},
		{"candidate weaker", 0.70, false},
		{"candidate equal", 0.80, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidate := saveTrained(t, store, "parts_demand", ds, map[string]float64{"r2": tt.candidateR})

			cmp, err := ev.CompareVersions(context.Background(), "parts_demand", task, candidate.Version)
			if err != nil {
				t.Fatalf("CompareVersions() error = %v", err)
			}
			if cmp.IsBetter != tt.wantBetter {
				t.Errorf("IsBetter = %v (candidate %v vs current %v), want %v",
					cmp.IsBetter, cmp.CandidateScore, cmp.CurrentScore, tt.wantBetter)
			}
			if cmp.Metric != "r2" {
				t.Errorf("Metric = %q, want r2", cmp.Metric)
			}
		})
	}
}

func TestCompareVersions_LoneCandidateWins(t *testing.T) {
	extractor := extract.NewStaticExtractor()
	ev, store := newEvaluator(t, extractor)
	ds := linearDataset(40, func(int) float64 { return 0 })

	only := saveTrained(t, store, "parts_demand", ds, map[string]float64{"r2": 0.5})

	cmp, err := ev.CompareVersions(context.Background(), "parts_demand", mlmodel.Task{Kind: mlmodel.TaskRegression}, only.Version)
	if err != nil {
		t.Fatalf("CompareVersions() error = %v", err)
	}
	if !cmp.IsBetter {
		t.Error("a lone candidate with no current version should win by default")
	}
}
