package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/motorbay/retrainer/pkg/docstore"
	"github.com/motorbay/retrainer/pkg/evaluate"
)

// MinPredictionVolume is the trailing prediction count below which a purely
// performance-based retraining reason is suppressed. Too few predictions is
// too little evidence to justify retraining churn.
const MinPredictionVolume = 100

// Priority weights per reason. Degradation and drift rank highest because
// they mean the serving model is actively wrong; age alone ranks lowest.
const (
	weightNoModel     = 45
	weightDegradation = 40
	weightDrift       = 30
	weightManual      = 25
	weightDataGrowth  = 15
	weightAge         = 10
)

// Decision is the per-model-type outcome of one evaluation sweep. It lives
// only for the sweep that produced it; the session log records what was
// acted on.
type Decision struct {
	ModelType       string   `json:"model_type"`
	NeedsRetraining bool     `json:"needs_retraining"`
	Reasons         []string `json:"reasons,omitempty"`
	Priority        int      `json:"priority"`
	AgeDays         float64  `json:"age_days"`

	config *docstore.ModelConfig
}

// Evaluate gathers retraining reasons for one model type and scores them
// into a priority. Evaluator failures on individual signals are logged and
// skipped; only config and registry access errors propagate.
func (s *Scheduler) Evaluate(ctx context.Context, modelType string) (*Decision, error) {
	cfg, err := s.modelConfig(ctx, modelType)
	if err != nil {
		return nil, err
	}

	d := &Decision{ModelType: modelType, config: cfg}

	versions := s.store.ListModels(modelType)
	if len(versions) == 0 {
		d.NeedsRetraining = true
		d.Reasons = []string{"no trained model available"}
		d.Priority = weightNoModel
		d.AgeDays = float64(cfg.MaxAgeDays)
		return d, nil
	}

	latest := versions[0]
	d.AgeDays = s.now().Sub(latest.CreatedAt).Hours() / 24

	if d.AgeDays > float64(cfg.MaxAgeDays) {
		d.Reasons = append(d.Reasons,
			fmt.Sprintf("model age %.0f days exceeds limit of %d days", d.AgeDays, cfg.MaxAgeDays))
		d.Priority += weightAge
	}

	if reason, ok := s.degradationReason(ctx, modelType, cfg, latest.Metrics); ok {
		if s.predictionVolume(ctx, modelType) < MinPredictionVolume {
			s.logger.Debug("suppressing performance-based reason on low prediction volume",
				"model_type", modelType)
		} else {
			d.Reasons = append(d.Reasons, reason)
			d.Priority += weightDegradation
		}
	}

	drift, err := s.evaluator.DetectDrift(ctx, modelType, cfg.WindowDays)
	if err != nil {
		s.logger.Warn("drift detection failed", "model_type", modelType, "error", err)
		drift = &evaluate.DriftReport{}
	}
	if drift.Evaluated && s.observer != nil {
		s.observer.ObserveDrift(modelType, drift.DriftScore)
	}
	if drift.Evaluated && drift.HasDrift {
		d.Reasons = append(d.Reasons,
			fmt.Sprintf("feature drift score %.2f exceeds threshold %.2f",
				drift.DriftScore, evaluate.DriftScoreThreshold))
		d.Priority += weightDrift
	}

	if latest.TrainingRows > 0 && drift.SampleCount > 0 {
		threshold := float64(latest.TrainingRows) * cfg.DataGrowthFactor
		if float64(drift.SampleCount) > threshold {
			d.Reasons = append(d.Reasons,
				fmt.Sprintf("training data grew from %d to %d rows", latest.TrainingRows, drift.SampleCount))
			d.Priority += weightDataGrowth
		}
	}

	if cfg.ManualRetrain {
		d.Reasons = append(d.Reasons, "manual retraining requested")
		d.Priority += weightManual
	}

	d.NeedsRetraining = len(d.Reasons) > 0
	return d, nil
}

// degradationReason compares the primary metric recorded at training time
// against a fresh evaluation. Returns false when performance cannot be
// evaluated or the relative drop stays inside the configured threshold.
func (s *Scheduler) degradationReason(ctx context.Context, modelType string, cfg *docstore.ModelConfig, original map[string]float64) (string, bool) {
	metric, higherBetter := evaluate.PrimaryMetric(cfg.Task, original)
	origScore, ok := original[metric]
	if !ok || origScore == 0 {
		return "", false
	}

	current, err := s.evaluator.CurrentPerformance(ctx, modelType, cfg.Task, cfg.WindowDays)
	if err != nil {
		s.logger.Warn("performance evaluation failed", "model_type", modelType, "error", err)
		return "", false
	}
	if len(current) == 0 {
		return "", false
	}
	curScore, ok := current[metric]
	if !ok {
		return "", false
	}

	var drop float64
	if higherBetter {
		drop = (origScore - curScore) / origScore
	} else {
		drop = (curScore - origScore) / origScore
	}
	if drop <= cfg.DriftThreshold {
		return "", false
	}
	return fmt.Sprintf("%s degraded %.1f%% against the score at training time", metric, drop*100), true
}

func (s *Scheduler) predictionVolume(ctx context.Context, modelType string) int64 {
	if s.usage == nil {
		return MinPredictionVolume
	}
	volume, err := s.usage.Volume(ctx, modelType)
	if err != nil {
		s.logger.Warn("usage lookup failed", "model_type", modelType, "error", err)
		return MinPredictionVolume
	}
	return volume
}

// modelConfig fetches the configuration document for a model type, falling
// back to hardcoded defaults when no document exists.
func (s *Scheduler) modelConfig(ctx context.Context, modelType string) (*docstore.ModelConfig, error) {
	cfg, err := s.docs.ModelConfig(ctx, modelType)
	if errors.Is(err, docstore.ErrNotFound) {
		return docstore.Defaults(modelType), nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch config for %s: %w", modelType, err)
	}
	return cfg, nil
}

// rankCandidates orders decisions that need retraining by priority, breaking
// ties by model age so the staler model goes first.
func rankCandidates(decisions []*Decision) []*Decision {
	var candidates []*Decision
	for _, d := range decisions {
		if d.NeedsRetraining {
			candidates = append(candidates, d)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].AgeDays > candidates[j].AgeDays
	})
	return candidates
}
