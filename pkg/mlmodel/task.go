package mlmodel

import "fmt"

// TaskKind identifies the class of prediction task a model solves. It decides
// which algorithm is trained and which metrics score it.
type TaskKind string

const (
	TaskClassification TaskKind = "classification"
	TaskRegression     TaskKind = "regression"
	TaskTimeSeries     TaskKind = "timeseries"
)

// ClassificationParams configures binary classification training.
type ClassificationParams struct {
	// LearningRate for gradient descent. Defaults to 0.1 when zero.
	LearningRate float64

	// Epochs over the training set. Defaults to 200 when zero.
	Epochs int

	// Threshold converts the predicted probability to a class label.
	// Defaults to 0.5 when zero.
	Threshold float64
}

// RegressionParams configures least-squares regression training.
type RegressionParams struct {
	// L2 is the ridge regularization strength. Defaults to 1.0 when zero.
	L2 float64
}

// TimeSeriesParams configures seasonal trend forecasting.
type TimeSeriesParams struct {
	// SeasonLength is the number of buckets in one seasonal cycle
	// (7 for day-of-week patterns). Defaults to 7 when zero.
	SeasonLength int
}

// Task is a tagged union over the known prediction task kinds. Exactly one of
// the parameter structs matching Kind should be set; zero values fall back to
// algorithm defaults. Hyper is an opaque escape hatch for algorithm-specific
// knobs that only the training boundary interprets.
type Task struct {
	Kind           TaskKind
	Classification *ClassificationParams
	Regression     *RegressionParams
	TimeSeries     *TimeSeriesParams
	Hyper          map[string]float64
}

// Validate checks that the task kind is known and the parameters match it.
func (t Task) Validate() error {
	switch t.Kind {
	case TaskClassification, TaskRegression, TaskTimeSeries:
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}

	if t.Classification != nil && t.Kind != TaskClassification {
		return fmt.Errorf("classification params set on %s task", t.Kind)
	}
	if t.Regression != nil && t.Kind != TaskRegression {
		return fmt.Errorf("regression params set on %s task", t.Kind)
	}
	if t.TimeSeries != nil && t.Kind != TaskTimeSeries {
		return fmt.Errorf("timeseries params set on %s task", t.Kind)
	}

	return nil
}

// PrimaryMetric names the metric that decides whether one version beats
// another, and whether a higher value is better.
func (t Task) PrimaryMetric() (name string, higherBetter bool) {
	switch t.Kind {
	case TaskClassification:
		return "accuracy", true
	default:
		return "r2", true
	}
}
