// Package main implements the retraining control loop orchestration.
//
// The Retrainer runs the scheduler sweep at a fixed interval via Run(). Each
// sweep evaluates every managed model type, retrains the candidates in
// priority order, and records the session. Sweep failures are logged and
// counted but never stop the loop.
package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/motorbay/retrainer/cmd/retrainer/metrics"
	"github.com/motorbay/retrainer/pkg/scheduler"
)

// Retrainer drives periodic evaluation sweeps.
type Retrainer struct {
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewRetrainer creates a Retrainer.
func NewRetrainer(sched *scheduler.Scheduler, logger *slog.Logger, m *metrics.Metrics) *Retrainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrainer{scheduler: sched, logger: logger, metrics: m}
}

// Run executes one sweep immediately, then on every interval tick until the
// context is cancelled.
func (r *Retrainer) Run(ctx context.Context, interval time.Duration) error {
	r.logger.Info("retraining loop started", "interval", interval)

	r.sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("retraining loop stopped")
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Retrainer) sweep(ctx context.Context) {
	session, err := r.scheduler.RunOnce(ctx)
	if err != nil {
		r.logger.Error("evaluation sweep failed", "error", err)
		if r.metrics != nil {
			r.metrics.RecordError("scheduler", "sweep_failed")
		}
		return
	}

	retrained := 0
	for _, result := range session.Results {
		if result.Success {
			retrained++
		}
	}
	r.logger.Info("evaluation sweep complete",
		"session_id", session.ID,
		"evaluated", session.Evaluated,
		"retrained", retrained,
	)
}
