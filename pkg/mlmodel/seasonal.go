package mlmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/motorbay/retrainer/pkg/extract"
)

// SeasonalTrendModel forecasts a daily business series by combining:
//   - Linear trend detection (slope from recent history)
//   - Momentum detection (acceleration/deceleration)
//   - Seasonal buckets over a fixed cycle (day-of-week by default)
//
// It fits daily revenue and demand series well: recurring weekly patterns
// with a drifting level. Pattern buckets need at least 2 observations to be
// trusted. Forecast = level + trend·t + ½·momentum·t², blended with the
// seasonal bucket mean using adaptive weighting, clamped to non-negative.
type SeasonalTrendModel struct {
	seasonLength int
	buckets      map[int]*seasonalBucket
	level        float64
	trend        float64
	momentum     float64
	trainRows    int
}

// seasonalBucket holds the statistical summary for one position in the cycle.
type seasonalBucket struct {
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Count  int     `json:"count"`
	StdDev float64 `json:"stddev"`
}

type seasonalState struct {
	SeasonLength int                     `json:"season_length"`
	Buckets      map[int]*seasonalBucket `json:"buckets"`
	Level        float64                 `json:"level"`
	Trend        float64                 `json:"trend"`
	Momentum     float64                 `json:"momentum"`
	TrainRows    int                     `json:"train_rows"`
}

// NewSeasonalTrendModel creates an untrained seasonal trend forecaster.
func NewSeasonalTrendModel(p TimeSeriesParams) *SeasonalTrendModel {
	seasonLength := p.SeasonLength
	if seasonLength <= 0 {
		seasonLength = 7
	}
	return &SeasonalTrendModel{
		seasonLength: seasonLength,
		buckets:      make(map[int]*seasonalBucket),
	}
}

func (m *SeasonalTrendModel) Name() string { return "seasonal_trend" }

// Train learns seasonal buckets and the recent trend from the dataset. Rows
// must carry the target column; the "season" column (e.g. day-of-week 0-6)
// assigns each row to its bucket and is optional.
func (m *SeasonalTrendModel) Train(ctx context.Context, ds *extract.Dataset) error {
	if ds == nil || len(ds.Rows) == 0 {
		return fmt.Errorf("seasonal_trend: training dataset is empty")
	}
	if ds.Target == "" {
		return fmt.Errorf("seasonal_trend: dataset has no target column")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	values := make([]float64, 0, len(ds.Rows))
	bucketValues := make(map[int][]float64)

	for _, row := range ds.Rows {
		v, ok := row[ds.Target]
		if !ok {
			continue
		}
		values = append(values, v)

		if season, ok := row["season"]; ok {
			b := int(season) % m.seasonLength
			if b < 0 {
				b += m.seasonLength
			}
			bucketValues[b] = append(bucketValues[b], v)
		}
	}

	if len(values) == 0 {
		return fmt.Errorf("seasonal_trend: no rows carry target %q", ds.Target)
	}

	m.buckets = make(map[int]*seasonalBucket)
	for b, vals := range bucketValues {
		if len(vals) >= 2 {
			m.buckets[b] = summarizeBucket(vals)
		}
	}

	m.level = values[len(values)-1]
	m.trend = detectTrend(values)
	m.momentum = detectMomentum(values)
	m.trainRows = len(values)

	return nil
}

// PredictRow forecasts one point. The row may carry:
//   - "season": the cycle position of the forecast target (bucket lookup)
//   - "steps_ahead": how many steps past the last training point (default 1)
func (m *SeasonalTrendModel) PredictRow(row extract.Row) (float64, error) {
	if m.trainRows == 0 {
		return 0, fmt.Errorf("seasonal_trend: model is not trained")
	}

	steps := 1.0
	if v, ok := row["steps_ahead"]; ok && v > 0 {
		steps = v
	}

	base := m.level + m.trend*steps + 0.5*m.momentum*steps*steps

	var seasonal float64
	hasSeasonal := false
	if season, ok := row["season"]; ok {
		b := int(season) % m.seasonLength
		if b < 0 {
			b += m.seasonLength
		}
		if bucket, ok := m.buckets[b]; ok {
			seasonal = bucket.Mean
			if m.momentum > 0 && bucket.Max > bucket.Mean {
				// Upward momentum: lean toward the bucket's high end.
				seasonal = 0.7*bucket.Mean + 0.3*bucket.Max
			}
			hasSeasonal = true
		}
	}

	value := base
	if hasSeasonal {
		// Trust the seasonal bucket more when it disagrees sharply with
		// the trend extrapolation; agreement blends evenly.
		ratio := seasonal / (base + 1.0)
		switch {
		case ratio > 1.5:
			value = 0.2*base + 0.8*seasonal
		case ratio > 1.2:
			value = 0.3*base + 0.7*seasonal
		case ratio < 0.8:
			value = 0.4*base + 0.6*seasonal
		default:
			value = 0.5*base + 0.5*seasonal
		}
	}

	if value < 0 {
		value = 0
	}
	return value, nil
}

// Marshal serializes the fitted state.
func (m *SeasonalTrendModel) Marshal() ([]byte, error) {
	if m.trainRows == 0 {
		return nil, fmt.Errorf("seasonal_trend: cannot marshal untrained model")
	}
	return json.Marshal(seasonalState{
		SeasonLength: m.seasonLength,
		Buckets:      m.buckets,
		Level:        m.level,
		Trend:        m.trend,
		Momentum:     m.momentum,
		TrainRows:    m.trainRows,
	})
}

func unmarshalSeasonalTrend(data []byte) (*SeasonalTrendModel, error) {
	var st seasonalState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("seasonal_trend: decode state: %w", err)
	}
	if st.SeasonLength <= 0 {
		st.SeasonLength = 7
	}
	if st.Buckets == nil {
		st.Buckets = make(map[int]*seasonalBucket)
	}
	return &SeasonalTrendModel{
		seasonLength: st.SeasonLength,
		buckets:      st.Buckets,
		level:        st.Level,
		trend:        st.Trend,
		momentum:     st.Momentum,
		trainRows:    st.TrainRows,
	}, nil
}

// summarizeBucket computes the statistical summary for one bucket's values.
func summarizeBucket(values []float64) *seasonalBucket {
	sum := 0.0
	min := values[0]
	max := values[0]
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	stddev := 0.0
	if len(values) > 1 {
		stddev = math.Sqrt(variance / float64(len(values)-1))
	}

	return &seasonalBucket{Mean: mean, Min: min, Max: max, Count: len(values), StdDev: stddev}
}

// detectTrend computes the slope per step from the most recent window of
// values using simple linear regression.
func detectTrend(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	windowSize := 10
	if len(values) < windowSize {
		windowSize = len(values)
	}
	window := values[len(values)-windowSize:]

	n := float64(len(window))
	sumX, sumY, sumXY, sumX2 := 0.0, 0.0, 0.0, 0.0
	for i, y := range window {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}

	denominator := n*sumX2 - sumX*sumX
	if denominator == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denominator
}

// detectMomentum approximates the second derivative by comparing the recent
// half's trend to the older half's trend.
func detectMomentum(values []float64) float64 {
	if len(values) < 6 {
		return 0
	}

	mid := len(values) / 2
	return detectTrend(values[mid:]) - detectTrend(values[:mid])
}
