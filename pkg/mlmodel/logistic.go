package mlmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/motorbay/retrainer/pkg/extract"
)

// LogisticModel fits a binary classifier by logistic regression with
// full-batch gradient descent. Targets are interpreted as labels: anything
// above 0.5 counts as the positive class.
type LogisticModel struct {
	names     []string
	weights   []float64 // len(names)+1, last is the intercept
	rate      float64
	epochs    int
	threshold float64
	trainRows int
}

type logisticState struct {
	Names     []string  `json:"names"`
	Weights   []float64 `json:"weights"`
	Rate      float64   `json:"rate"`
	Epochs    int       `json:"epochs"`
	Threshold float64   `json:"threshold"`
	TrainRows int       `json:"train_rows"`
}

// NewLogisticModel creates an untrained logistic classifier over the named
// features.
func NewLogisticModel(names []string, p ClassificationParams) *LogisticModel {
	rate := p.LearningRate
	if rate <= 0 {
		rate = 0.1
	}
	epochs := p.Epochs
	if epochs <= 0 {
		epochs = 200
	}
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = 0.5
	}
	return &LogisticModel{
		names:     append([]string(nil), names...),
		rate:      rate,
		epochs:    epochs,
		threshold: threshold,
	}
}

func (m *LogisticModel) Name() string { return "logistic" }

// Train runs gradient descent on the cross-entropy loss. Features are
// standardized implicitly by the learning rate; callers with wildly scaled
// columns should normalize upstream.
func (m *LogisticModel) Train(ctx context.Context, ds *extract.Dataset) error {
	if ds == nil || len(ds.Rows) == 0 {
		return fmt.Errorf("logistic: training dataset is empty")
	}
	if ds.Target == "" {
		return fmt.Errorf("logistic: dataset has no target column")
	}

	if len(m.names) == 0 {
		m.names = ds.FeatureNames()
	}

	d := len(m.names) + 1

	type sample struct {
		x []float64
		y float64
	}
	samples := make([]sample, 0, len(ds.Rows))
	for _, row := range ds.Rows {
		yRaw, ok := row[ds.Target]
		if !ok {
			continue
		}
		y := 0.0
		if yRaw > 0.5 {
			y = 1.0
		}
		x := make([]float64, d)
		for j, name := range m.names {
			x[j] = row[name]
		}
		x[d-1] = 1.0
		samples = append(samples, sample{x: x, y: y})
	}

	if len(samples) == 0 {
		return fmt.Errorf("logistic: no rows carry target %q", ds.Target)
	}

	w := make([]float64, d)
	grad := make([]float64, d)
	n := float64(len(samples))

	for epoch := 0; epoch < m.epochs; epoch++ {
		// Check for cancellation between epochs, not per sample.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for i := range grad {
			grad[i] = 0
		}
		for _, s := range samples {
			p := sigmoid(dot(w, s.x))
			diff := p - s.y
			for i := range grad {
				grad[i] += diff * s.x[i]
			}
		}
		for i := range w {
			w[i] -= m.rate * grad[i] / n
		}
	}

	m.weights = w
	m.trainRows = len(samples)
	return nil
}

// PredictRow returns the class label (0 or 1) for one observation, applying
// the configured probability threshold.
func (m *LogisticModel) PredictRow(row extract.Row) (float64, error) {
	p, err := m.Probability(row)
	if err != nil {
		return 0, err
	}
	if p >= m.threshold {
		return 1, nil
	}
	return 0, nil
}

// Probability returns the raw positive-class probability for one observation.
func (m *LogisticModel) Probability(row extract.Row) (float64, error) {
	if len(m.weights) == 0 {
		return 0, fmt.Errorf("logistic: model is not trained")
	}

	sum := m.weights[len(m.weights)-1]
	for j, name := range m.names {
		sum += m.weights[j] * row[name]
	}
	return sigmoid(sum), nil
}

// Marshal serializes the fitted weights.
func (m *LogisticModel) Marshal() ([]byte, error) {
	if len(m.weights) == 0 {
		return nil, fmt.Errorf("logistic: cannot marshal untrained model")
	}
	return json.Marshal(logisticState{
		Names:     m.names,
		Weights:   m.weights,
		Rate:      m.rate,
		Epochs:    m.epochs,
		Threshold: m.threshold,
		TrainRows: m.trainRows,
	})
}

func unmarshalLogistic(data []byte) (*LogisticModel, error) {
	var st logisticState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("logistic: decode state: %w", err)
	}
	if len(st.Weights) != len(st.Names)+1 {
		return nil, fmt.Errorf("logistic: state has %d weights for %d features", len(st.Weights), len(st.Names))
	}
	threshold := st.Threshold
	if threshold <= 0 {
		threshold = 0.5
	}
	return &LogisticModel{
		names:     st.Names,
		weights:   st.Weights,
		rate:      st.Rate,
		epochs:    st.Epochs,
		threshold: threshold,
		trainRows: st.TrainRows,
	}, nil
}

// FeatureNames returns the feature columns the model was built over.
func (m *LogisticModel) FeatureNames() []string {
	return append([]string(nil), m.names...)
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
