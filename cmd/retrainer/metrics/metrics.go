// Package metrics provides Prometheus instrumentation for the retrainer.
//
// Metrics exposed:
//   - retrainer_retrain_duration_seconds: Histogram of retraining job duration
//   - retrainer_retrain_total: Counter of retraining outcomes by model type and result
//   - retrainer_drift_score: Gauge of the latest drift score per model type
//   - retrainer_prediction_seconds: Histogram of prediction serving latency
//   - retrainer_predictions_total: Counter of served predictions by kind and source
//   - retrainer_errors_total: Counter of errors by component and reason
//
// All metrics are served on the /metrics endpoint for Prometheus scraping.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the retrainer.
type Metrics struct {
	RetrainDurationSeconds *prometheus.HistogramVec
	RetrainTotal           *prometheus.CounterVec
	DriftScore             *prometheus.GaugeVec
	PredictionSeconds      *prometheus.HistogramVec
	PredictionsTotal       *prometheus.CounterVec
	ErrorsTotal            *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		RetrainDurationSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retrainer_retrain_duration_seconds",
			Help:    "Time spent on one retraining job, extraction included",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"model_type"}),

		RetrainTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "retrainer_retrain_total",
			Help: "Retraining outcomes by model type and result",
		}, []string{"model_type", "result"}),

		DriftScore: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "retrainer_drift_score",
			Help: "Latest feature drift score per model type",
		}, []string{"model_type"}),

		PredictionSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retrainer_prediction_seconds",
			Help:    "Prediction serving latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),

		PredictionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "retrainer_predictions_total",
			Help: "Served predictions by kind and source (model, cache, fallback)",
		}, []string{"kind", "source"}),

		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "retrainer_errors_total",
			Help: "Total number of errors by component and reason",
		}, []string{"component", "reason"}),
	}
}

// ObserveDrift implements the scheduler observer.
func (m *Metrics) ObserveDrift(modelType string, score float64) {
	m.DriftScore.WithLabelValues(modelType).Set(score)
}

// ObserveRetrain implements the scheduler observer.
func (m *Metrics) ObserveRetrain(modelType string, success, promoted bool, duration time.Duration) {
	m.RetrainDurationSeconds.WithLabelValues(modelType).Observe(duration.Seconds())

	result := "failed"
	switch {
	case success && promoted:
		result = "promoted"
	case success:
		result = "not_promoted"
	}
	m.RetrainTotal.WithLabelValues(modelType, result).Inc()
}

// ObservePrediction implements the serving observer.
func (m *Metrics) ObservePrediction(kind string, cached, fallback bool, elapsed time.Duration) {
	m.PredictionSeconds.WithLabelValues(kind).Observe(elapsed.Seconds())

	source := "model"
	switch {
	case cached:
		source = "cache"
	case fallback:
		source = "fallback"
	}
	m.PredictionsTotal.WithLabelValues(kind, source).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}
