// Package evaluate recomputes live model performance against recent data and
// detects statistical feature drift between two time windows. Its outputs are
// retraining signals, not verdicts: an evaluation that cannot run (too little
// data) is a normal outcome, reported as "cannot evaluate" rather than error.
package evaluate

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/motorbay/retrainer/pkg/extract"
	"github.com/motorbay/retrainer/pkg/mlmodel"
	"github.com/motorbay/retrainer/pkg/storage"
)

const (
	// MinEvalSamples below which performance cannot be evaluated.
	MinEvalSamples = 10

	// MinDriftSamples below which drift cannot be evaluated.
	MinDriftSamples = 50

	// DriftScoreThreshold on the mean normalized mean-shift statistic.
	DriftScoreThreshold = 0.5

	// holdoutFraction of the sample reserved for scoring.
	holdoutFraction = 0.7
)

// DriftReport is the outcome of a feature-drift check.
//
// The statistic is |mean_new - mean_old| / std_old per feature, averaged.
// This is a cheap approximation of a two-sample distributional distance, not
// a calibrated statistical test; swap in a proper two-sample test (e.g.
// Kolmogorov-Smirnov) behind the same interface if rigor matters more than
// latency.
type DriftReport struct {
	Evaluated     bool               `json:"evaluated"`
	HasDrift      bool               `json:"has_drift"`
	DriftScore    float64            `json:"drift_score"`
	FeatureScores map[string]float64 `json:"per_feature_scores,omitempty"`
	SampleCount   int                `json:"sample_count"`
}

// Comparison is the outcome of scoring a candidate version against the
// currently promoted one on the task's primary metric.
type Comparison struct {
	IsBetter       bool    `json:"is_better"`
	Metric         string  `json:"metric"`
	HigherBetter   bool    `json:"higher_better"`
	CandidateScore float64 `json:"candidate_score"`
	CurrentScore   float64 `json:"current_score"`
	CurrentVersion string  `json:"current_version"`
}

// Evaluator scores stored models against fresh data.
type Evaluator struct {
	store     storage.Store
	extractor extract.Extractor
	logger    *slog.Logger
}

// New creates an Evaluator.
func New(store storage.Store, extractor extract.Extractor, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{store: store, extractor: extractor, logger: logger}
}

// CurrentPerformance loads the latest model, pulls a fresh sample, and scores
// the holdout 30% with task-appropriate metrics. Fewer than MinEvalSamples
// rows returns an empty metric map and nil error: insufficient data is a
// "cannot evaluate" signal, not a failure.
func (e *Evaluator) CurrentPerformance(ctx context.Context, modelType string, task mlmodel.Task, windowDays int) (map[string]float64, error) {
	m, _, err := e.store.LoadModel(ctx, modelType, storage.VersionLatest)
	if err != nil {
		return nil, fmt.Errorf("load latest model: %w", err)
	}

	ds, err := e.extractor.Extract(ctx, extract.Query{ModelType: modelType, WindowDays: windowDays})
	if err != nil {
		return nil, fmt.Errorf("extract evaluation sample: %w", err)
	}

	if len(ds.Rows) < MinEvalSamples {
		e.logger.Debug("too few samples to evaluate performance",
			"model_type", modelType, "rows", len(ds.Rows))
		return map[string]float64{}, nil
	}

	_, holdout := ds.Split(holdoutFraction)
	return Score(m, holdout, task.Kind), nil
}

// DetectDrift splits the sample temporally in half and computes the
// normalized mean-shift statistic per feature. Fewer than MinDriftSamples
// rows yields an unevaluated report.
func (e *Evaluator) DetectDrift(ctx context.Context, modelType string, windowDays int) (*DriftReport, error) {
	ds, err := e.extractor.Extract(ctx, extract.Query{ModelType: modelType, WindowDays: windowDays})
	if err != nil {
		return nil, fmt.Errorf("extract drift sample: %w", err)
	}

	report := &DriftReport{SampleCount: len(ds.Rows)}
	if len(ds.Rows) < MinDriftSamples {
		return report, nil
	}

	old, recent := ds.Split(0.5)

	report.Evaluated = true
	report.FeatureScores = make(map[string]float64)

	total := 0.0
	counted := 0
	for _, name := range ds.FeatureNames() {
		oldVals := old.Feature(name)
		newVals := recent.Feature(name)
		if len(oldVals) < 2 || len(newVals) < 1 {
			continue
		}

		score := meanShift(oldVals, newVals)
		report.FeatureScores[name] = score
		total += score
		counted++
	}

	if counted > 0 {
		report.DriftScore = total / float64(counted)
	}
	report.HasDrift = report.DriftScore > DriftScoreThreshold

	if report.HasDrift {
		e.logger.Info("feature drift detected",
			"model_type", modelType,
			"drift_score", report.DriftScore,
			"features", counted,
		)
	}

	return report, nil
}

// CompareVersions scores a candidate version against the currently promoted
// one (latest when nothing is promoted) on the task's primary metric, using
// the metrics recorded at save time. IsBetter requires a strict improvement.
func (e *Evaluator) CompareVersions(ctx context.Context, modelType string, task mlmodel.Task, candidateVersion string) (*Comparison, error) {
	versions := e.store.ListModels(modelType)
	if len(versions) == 0 {
		return nil, fmt.Errorf("%s has no stored versions", modelType)
	}

	var candidate *storage.ModelVersion
	for i := range versions {
		if versions[i].Version == candidateVersion {
			candidate = &versions[i]
			break
		}
	}
	if candidate == nil {
		return nil, fmt.Errorf("candidate %s/%s: %w", modelType, candidateVersion, storage.ErrNotFound)
	}

	currentVersion, ok := e.store.Promoted(modelType)
	if !ok {
		// Nothing promoted yet: compare against the newest version other
		// than the candidate, if any. A lone candidate wins by default.
		currentVersion = ""
		for i := range versions {
			if versions[i].Version != candidateVersion {
				currentVersion = versions[i].Version
				break
			}
		}
	}

	metric, higherBetter := PrimaryMetric(task, candidate.Metrics)
	cmp := &Comparison{
		Metric:         metric,
		HigherBetter:   higherBetter,
		CandidateScore: candidate.Metrics[metric],
		CurrentVersion: currentVersion,
	}

	if currentVersion == "" {
		cmp.IsBetter = true
		return cmp, nil
	}

	var current *storage.ModelVersion
	for i := range versions {
		if versions[i].Version == currentVersion {
			current = &versions[i]
			break
		}
	}
	if current == nil {
		return nil, fmt.Errorf("current %s/%s: %w", modelType, currentVersion, storage.ErrNotFound)
	}

	cmp.CurrentScore = current.Metrics[metric]
	if higherBetter {
		cmp.IsBetter = cmp.CandidateScore > cmp.CurrentScore
	} else {
		cmp.IsBetter = cmp.CandidateScore < cmp.CurrentScore
	}
	return cmp, nil
}

// Score computes the task-appropriate metrics for a model on a holdout set:
// accuracy for classification; MSE, MAE, and R² for regression tasks.
func Score(m mlmodel.Model, holdout *extract.Dataset, kind mlmodel.TaskKind) map[string]float64 {
	var predicted, actual []float64
	for _, row := range holdout.Rows {
		y, ok := row[holdout.Target]
		if !ok {
			continue
		}
		p, err := m.PredictRow(row)
		if err != nil {
			continue
		}
		predicted = append(predicted, p)
		actual = append(actual, y)
	}

	if len(actual) == 0 {
		return map[string]float64{}
	}

	if kind == mlmodel.TaskClassification {
		return map[string]float64{
			"accuracy": Accuracy(predicted, actual),
			"samples":  float64(len(actual)),
		}
	}

	return map[string]float64{
		"mse":     MSE(predicted, actual),
		"mae":     MAE(predicted, actual),
		"r2":      R2(predicted, actual),
		"samples": float64(len(actual)),
	}
}

// Accuracy is the fraction of matching labels (both sides rounded to 0/1).
func Accuracy(predicted, actual []float64) float64 {
	if len(actual) == 0 {
		return 0
	}
	correct := 0
	for i := range actual {
		p, a := 0.0, 0.0
		if predicted[i] > 0.5 {
			p = 1
		}
		if actual[i] > 0.5 {
			a = 1
		}
		if p == a {
			correct++
		}
	}
	return float64(correct) / float64(len(actual))
}

// MSE is the mean squared error.
func MSE(predicted, actual []float64) float64 {
	if len(actual) == 0 {
		return 0
	}
	sum := 0.0
	for i := range actual {
		d := predicted[i] - actual[i]
		sum += d * d
	}
	return sum / float64(len(actual))
}

// MAE is the mean absolute error.
func MAE(predicted, actual []float64) float64 {
	if len(actual) == 0 {
		return 0
	}
	sum := 0.0
	for i := range actual {
		sum += math.Abs(predicted[i] - actual[i])
	}
	return sum / float64(len(actual))
}

// R2 is the coefficient of determination. A constant actual series yields 0.
func R2(predicted, actual []float64) float64 {
	if len(actual) == 0 {
		return 0
	}
	mean := 0.0
	for _, a := range actual {
		mean += a
	}
	mean /= float64(len(actual))

	ssTot, ssRes := 0.0, 0.0
	for i := range actual {
		ssTot += (actual[i] - mean) * (actual[i] - mean)
		ssRes += (actual[i] - predicted[i]) * (actual[i] - predicted[i])
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - ssRes/ssTot
}

// meanShift is the normalized mean-shift statistic for one feature:
// |mean_new - mean_old| / std_old, guarding against zero variance.
func meanShift(oldVals, newVals []float64) float64 {
	oldMean, oldStd := meanStd(oldVals)
	newMean, _ := meanStd(newVals)

	shift := math.Abs(newMean - oldMean)
	if shift == 0 {
		return 0
	}
	if oldStd < 1e-9 {
		// Zero historical variance: any shift is maximal relative to it.
		// Cap instead of dividing by ~0.
		return 1.0
	}
	return shift / oldStd
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	if len(values) < 2 {
		return mean, 0
	}
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(variance / float64(len(values)-1))
}

// PrimaryMetric selects the metric that decides promotion. Classification
// uses accuracy; regression prefers R² but falls back to MSE (lower is
// better) when R² was not recorded.
func PrimaryMetric(task mlmodel.Task, metrics map[string]float64) (string, bool) {
	name, higherBetter := task.PrimaryMetric()
	if _, ok := metrics[name]; ok {
		return name, higherBetter
	}
	if task.Kind != mlmodel.TaskClassification {
		if _, ok := metrics["mse"]; ok {
			return "mse", false
		}
	}
	return name, higherBetter
}
