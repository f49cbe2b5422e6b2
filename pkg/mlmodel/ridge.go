package mlmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/motorbay/retrainer/pkg/extract"
)

// RidgeModel fits a linear model by regularized least squares (ridge
// regression). The normal equations (XᵀX + λI)w = Xᵀy are solved directly by
// Gaussian elimination, which is cheap at the feature counts seen here
// (tens of columns, not thousands).
type RidgeModel struct {
	names     []string
	weights   []float64 // len(names)+1, last is the intercept
	l2        float64
	trainRows int
}

type ridgeState struct {
	Names     []string  `json:"names"`
	Weights   []float64 `json:"weights"`
	L2        float64   `json:"l2"`
	TrainRows int       `json:"train_rows"`
}

// NewRidgeModel creates an untrained ridge regression over the named features.
func NewRidgeModel(names []string, p RegressionParams) *RidgeModel {
	l2 := p.L2
	if l2 <= 0 {
		l2 = 1.0
	}
	return &RidgeModel{names: append([]string(nil), names...), l2: l2}
}

func (m *RidgeModel) Name() string { return "ridge" }

// Train solves the regularized normal equations on the dataset. Rows missing
// the target or any feature column contribute zeros for the absent values.
func (m *RidgeModel) Train(ctx context.Context, ds *extract.Dataset) error {
	if ds == nil || len(ds.Rows) == 0 {
		return fmt.Errorf("ridge: training dataset is empty")
	}
	if ds.Target == "" {
		return fmt.Errorf("ridge: dataset has no target column")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if len(m.names) == 0 {
		m.names = ds.FeatureNames()
	}

	d := len(m.names) + 1 // plus intercept

	// Accumulate XᵀX and Xᵀy.
	xtx := make([][]float64, d)
	for i := range xtx {
		xtx[i] = make([]float64, d)
	}
	xty := make([]float64, d)

	x := make([]float64, d)
	rows := 0
	for _, row := range ds.Rows {
		y, ok := row[ds.Target]
		if !ok {
			continue
		}
		for j, name := range m.names {
			x[j] = row[name]
		}
		x[d-1] = 1.0

		for i := 0; i < d; i++ {
			for j := 0; j < d; j++ {
				xtx[i][j] += x[i] * x[j]
			}
			xty[i] += x[i] * y
		}
		rows++
	}

	if rows == 0 {
		return fmt.Errorf("ridge: no rows carry target %q", ds.Target)
	}

	// Regularize everything but the intercept.
	for i := 0; i < d-1; i++ {
		xtx[i][i] += m.l2
	}

	weights, err := solveLinearSystem(xtx, xty)
	if err != nil {
		return fmt.Errorf("ridge: %w", err)
	}

	m.weights = weights
	m.trainRows = rows
	return nil
}

// PredictRow computes the linear combination for one observation. Missing
// feature columns contribute zero.
func (m *RidgeModel) PredictRow(row extract.Row) (float64, error) {
	if len(m.weights) == 0 {
		return 0, fmt.Errorf("ridge: model is not trained")
	}

	sum := m.weights[len(m.weights)-1] // intercept
	for j, name := range m.names {
		sum += m.weights[j] * row[name]
	}
	return sum, nil
}

// Marshal serializes the fitted weights.
func (m *RidgeModel) Marshal() ([]byte, error) {
	if len(m.weights) == 0 {
		return nil, fmt.Errorf("ridge: cannot marshal untrained model")
	}
	return json.Marshal(ridgeState{
		Names:     m.names,
		Weights:   m.weights,
		L2:        m.l2,
		TrainRows: m.trainRows,
	})
}

func unmarshalRidge(data []byte) (*RidgeModel, error) {
	var st ridgeState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("ridge: decode state: %w", err)
	}
	if len(st.Weights) != len(st.Names)+1 {
		return nil, fmt.Errorf("ridge: state has %d weights for %d features", len(st.Weights), len(st.Names))
	}
	return &RidgeModel{
		names:     st.Names,
		weights:   st.Weights,
		l2:        st.L2,
		trainRows: st.TrainRows,
	}, nil
}

// FeatureNames returns the feature columns the model was built over.
func (m *RidgeModel) FeatureNames() []string {
	return append([]string(nil), m.names...)
}

// solveLinearSystem solves Aw = b in place by Gaussian elimination with
// partial pivoting.
func solveLinearSystem(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)

	for col := 0; col < n; col++ {
		// Find the pivot row.
		pivot := col
		maxAbs := math.Abs(a[col][col])
		for r := col + 1; r < n; r++ {
			if abs := math.Abs(a[r][col]); abs > maxAbs {
				maxAbs = abs
				pivot = r
			}
		}
		if maxAbs < 1e-12 {
			return nil, fmt.Errorf("singular system at column %d", col)
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		for r := col + 1; r < n; r++ {
			factor := a[r][col] / a[col][col]
			if factor == 0 {
				continue
			}
			for c := col; c < n; c++ {
				a[r][c] -= factor * a[col][c]
			}
			b[r] -= factor * b[col]
		}
	}

	w := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		sum := b[r]
		for c := r + 1; c < n; c++ {
			sum -= a[r][c] * w[c]
		}
		w[r] = sum / a[r][r]
	}

	return w, nil
}
