// Package mlmodel provides the trainable model implementations behind the
// retraining pipeline. Models implement a common Train/PredictRow/Marshal
// interface; the storage layer persists them as opaque bytes and restores
// them through Unmarshal using the algorithm name recorded in the version
// metadata.
package mlmodel

import (
	"context"
	"fmt"

	"github.com/motorbay/retrainer/pkg/extract"
)

// Model is a trainable, serializable prediction model.
//
// Train must tolerate being called more than once; each call refits from
// scratch. PredictRow scores a single observation and must not mutate the
// model, so a loaded model is safe for concurrent reads.
type Model interface {
	// Name returns the algorithm identifier, e.g. "ridge".
	Name() string

	// Train fits the model on the dataset. It must respect context
	// cancellation on long fits.
	Train(ctx context.Context, ds *extract.Dataset) error

	// PredictRow scores one observation.
	PredictRow(row extract.Row) (float64, error)

	// Marshal serializes the fitted state for persistence.
	Marshal() ([]byte, error)
}

// NewForTask creates an untrained model appropriate for the task.
func NewForTask(task Task, features []string) (Model, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}

	switch task.Kind {
	case TaskRegression:
		var p RegressionParams
		if task.Regression != nil {
			p = *task.Regression
		}
		if v, ok := task.Hyper["l2"]; ok {
			p.L2 = v
		}
		return NewRidgeModel(features, p), nil

	case TaskClassification:
		var p ClassificationParams
		if task.Classification != nil {
			p = *task.Classification
		}
		if v, ok := task.Hyper["learning_rate"]; ok {
			p.LearningRate = v
		}
		if v, ok := task.Hyper["epochs"]; ok {
			p.Epochs = int(v)
		}
		return NewLogisticModel(features, p), nil

	case TaskTimeSeries:
		var p TimeSeriesParams
		if task.TimeSeries != nil {
			p = *task.TimeSeries
		}
		return NewSeasonalTrendModel(p), nil
	}

	return nil, fmt.Errorf("unknown task kind %q", task.Kind)
}

// Unmarshal restores a persisted model from its algorithm name and bytes.
func Unmarshal(algorithm string, data []byte) (Model, error) {
	switch algorithm {
	case "ridge":
		return unmarshalRidge(data)
	case "logistic":
		return unmarshalLogistic(data)
	case "seasonal_trend":
		return unmarshalSeasonalTrend(data)
	}
	return nil, fmt.Errorf("unknown model algorithm %q", algorithm)
}
