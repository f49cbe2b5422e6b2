// Package docstore reads per-model-type configuration documents from the
// ERP's record store. A missing document is a normal condition: callers fall
// back to the hardcoded defaults for the known prediction tasks.
package docstore

import (
	"context"
	"errors"

	"github.com/motorbay/retrainer/pkg/mlmodel"
)

// ErrNotFound reports that no configuration document exists for a model type.
// Callers should treat it as "use defaults", not as a failure.
var ErrNotFound = errors.New("model configuration not found")

// ModelConfig is the retraining policy for one model type.
type ModelConfig struct {
	ModelType string `json:"model_type"`

	// Task selects the algorithm and its typed parameters.
	Task mlmodel.Task `json:"-"`

	// MaxAgeDays is the training age past which a model is a retraining
	// candidate regardless of its performance.
	MaxAgeDays int `json:"max_age_days"`

	// DriftThreshold is the relative performance-degradation ratio that
	// flags a model for retraining.
	DriftThreshold float64 `json:"drift_threshold"`

	// MinTrainingRows below which training is skipped as insufficient.
	MinTrainingRows int `json:"min_training_rows"`

	// DataGrowthFactor: retrain when available rows exceed the rows at
	// training time by this factor (1.3 = 30% growth).
	DataGrowthFactor float64 `json:"data_growth_factor"`

	// KeepVersions is the retention count for cleanup sweeps.
	KeepVersions int `json:"keep_versions"`

	// WindowDays bounds the extraction window for training data.
	WindowDays int `json:"window_days"`

	// ManualRetrain forces the next sweep to retrain this model type.
	ManualRetrain bool `json:"manual_retrain"`

	// Features lists the columns fed to the model. Empty means every
	// column the extractor returns.
	Features []string `json:"features,omitempty"`
}

// Store fetches configuration documents.
type Store interface {
	// ModelConfig returns the configuration for a model type, or
	// ErrNotFound when no document exists.
	ModelConfig(ctx context.Context, modelType string) (*ModelConfig, error)
}

// Defaults returns the hardcoded configuration for the known model types,
// used when no configuration document exists. Unknown model types get a
// conservative regression default.
func Defaults(modelType string) *ModelConfig {
	cfg := &ModelConfig{
		ModelType:        modelType,
		MaxAgeDays:       30,
		DriftThreshold:   0.15,
		MinTrainingRows:  10,
		DataGrowthFactor: 1.3,
		KeepVersions:     5,
		WindowDays:       180,
	}

	switch modelType {
	case "revenue_forecast":
		cfg.Task = mlmodel.Task{
			Kind:       mlmodel.TaskTimeSeries,
			TimeSeries: &mlmodel.TimeSeriesParams{SeasonLength: 7},
		}
		cfg.MaxAgeDays = 14
		cfg.WindowDays = 365

	case "maintenance_prediction":
		cfg.Task = mlmodel.Task{
			Kind:           mlmodel.TaskClassification,
			Classification: &mlmodel.ClassificationParams{LearningRate: 0.1, Epochs: 300},
		}

	case "parts_demand":
		cfg.Task = mlmodel.Task{
			Kind:       mlmodel.TaskRegression,
			Regression: &mlmodel.RegressionParams{L2: 1.0},
		}
		cfg.MaxAgeDays = 21

	default:
		cfg.Task = mlmodel.Task{Kind: mlmodel.TaskRegression}
	}

	return cfg
}

// KnownModelTypes lists the prediction tasks evaluated by a scheduler sweep
// when no configuration documents enumerate them.
func KnownModelTypes() []string {
	return []string{"revenue_forecast", "maintenance_prediction", "parts_demand"}
}
