// Package extract provides data-extraction connectors that pull training and
// scoring records for a prediction task from external systems (the workshop
// ERP's reporting API, a warehouse export, or canned fixtures) and normalize
// them into a common Dataset structure.
//
// Each extractor implements the Extractor interface and is plugged into the
// evaluator, the retraining scheduler, and the serving layer. Extractors are
// intentionally lightweight: they fetch raw records, shape them into numeric
// rows, and leave training and scoring to the upper layers.
package extract

import (
	"context"
	"time"
)

// Row is a single observation: feature name (or the target column) to value.
type Row map[string]float64

// Dataset is tabular data returned by an extractor for one prediction task.
type Dataset struct {
	Rows        []Row
	Target      string
	ExtractedAt time.Time
}

// Query describes what an extractor should fetch.
type Query struct {
	// ModelType names the prediction task, e.g. "revenue_forecast".
	ModelType string

	// WindowDays bounds how far back records are fetched.
	WindowDays int
}

// Extractor fetches records for a prediction task.
//
// Extract is synchronous and must respect context cancellation and deadlines.
// It can take seconds on large windows, so callers run it off the serving
// path wherever possible.
type Extractor interface {
	Extract(ctx context.Context, q Query) (*Dataset, error)
	Name() string
}

// Feature returns the values of one column across all rows, skipping rows
// that do not carry it.
func (d *Dataset) Feature(name string) []float64 {
	out := make([]float64, 0, len(d.Rows))
	for _, row := range d.Rows {
		if v, ok := row[name]; ok {
			out = append(out, v)
		}
	}
	return out
}

// FeatureNames returns every column name other than the target, in no
// particular order.
func (d *Dataset) FeatureNames() []string {
	seen := map[string]bool{}
	for _, row := range d.Rows {
		for name := range row {
			if name != d.Target {
				seen[name] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	return names
}

// Split partitions the dataset row-wise at the given fraction, preserving
// order. Used for train/holdout evaluation splits.
func (d *Dataset) Split(frac float64) (*Dataset, *Dataset) {
	if frac <= 0 {
		frac = 0.7
	}
	cut := int(float64(len(d.Rows)) * frac)
	if cut < 1 {
		cut = 1
	}
	if cut > len(d.Rows) {
		cut = len(d.Rows)
	}
	head := &Dataset{Rows: d.Rows[:cut], Target: d.Target, ExtractedAt: d.ExtractedAt}
	tail := &Dataset{Rows: d.Rows[cut:], Target: d.Target, ExtractedAt: d.ExtractedAt}
	return head, tail
}
