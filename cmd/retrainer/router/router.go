// Package router configures the retrainer's HTTP API.
//
// Routes configured:
//   - POST /retraining/schedule - Start an evaluation sweep in the background
//   - POST /retraining/model - Retrain one model type immediately
//   - GET  /retraining/status - Scheduler state and recent sessions
//   - GET  /models?type=<name> - Registry listing, optionally one model type
//   - POST /models/cleanup - Remove old versions beyond the retention count
//   - GET  /predict?kind=<kind>&<param>=<value>... - Serve a prediction
//   - GET  /healthz - Health check endpoint
//   - GET  /metrics - Prometheus metrics endpoint
//
// Retraining work runs in background goroutines; request handlers only
// validate, dispatch, and answer. Prediction serving is synchronous since it
// is cached and budgeted to stay fast.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/motorbay/retrainer/cmd/retrainer/metrics"
	"github.com/motorbay/retrainer/pkg/httpx"
	"github.com/motorbay/retrainer/pkg/scheduler"
	"github.com/motorbay/retrainer/pkg/serving"
	"github.com/motorbay/retrainer/pkg/storage"
)

var modelTypeRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_-]{0,62}[a-zA-Z0-9])?$`)

// Options carries the collaborators the routes need.
type Options struct {
	Scheduler  *scheduler.Scheduler
	Store      storage.Store
	Serving    *serving.Service
	ModelTypes []string
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// SetupRoutes configures the HTTP endpoints.
func SetupRoutes(opts Options) *http.ServeMux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	mux.Handle("GET /healthz", httpx.HealthHandler(nil))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /retraining/schedule", handleSchedule(opts, logger))
	mux.HandleFunc("POST /retraining/model", handleRetrainModel(opts, logger))
	mux.HandleFunc("GET /retraining/status", handleStatus(opts))
	mux.HandleFunc("GET /models", handleListModels(opts))
	mux.HandleFunc("POST /models/cleanup", handleCleanup(opts, logger))
	mux.HandleFunc("GET /predict", handlePredict(opts, logger))

	return mux
}

// handleSchedule kicks off a full evaluation sweep in the background.
func handleSchedule(opts Options, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if opts.Scheduler.Status().Running {
			httpx.WriteErrorMessage(w, http.StatusConflict, "a scheduler run is already in progress")
			return
		}

		go func() {
			if _, err := opts.Scheduler.RunOnce(context.Background()); err != nil {
				logger.Error("scheduled sweep failed", "error", err)
				if opts.Metrics != nil {
					opts.Metrics.RecordError("scheduler", "sweep_failed")
				}
			}
		}()

		if err := httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"}); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

type retrainRequest struct {
	ModelType string `json:"model_type"`
}

// handleRetrainModel retrains one model type in the background.
func handleRetrainModel(opts Options, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req retrainRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if !modelTypeRegex.MatchString(req.ModelType) {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid model_type format")
			return
		}

		go func() {
			result, err := opts.Scheduler.RetrainModel(context.Background(), req.ModelType)
			if err != nil {
				logger.Error("manual retraining failed", "model_type", req.ModelType, "error", err)
				if opts.Metrics != nil {
					opts.Metrics.RecordError("scheduler", "manual_retrain_failed")
				}
				return
			}
			logger.Info("manual retraining finished",
				"model_type", req.ModelType,
				"success", result.Success,
				"new_version", result.NewVersion,
				"promoted", result.Promoted,
			)
		}()

		resp := map[string]string{"status": "scheduled", "model_type": req.ModelType}
		if err := httpx.WriteJSON(w, http.StatusAccepted, resp); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// handleStatus reports scheduler state plus recent session logs.
func handleStatus(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history := 5
		if v := r.URL.Query().Get("history"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 50 {
				history = n
			}
		}

		status := opts.Scheduler.Status()
		resp := map[string]any{
			"running":      status.Running,
			"last_session": status.LastSession,
			"sessions":     opts.Scheduler.RecentSessions(history),
		}
		if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
			slog.Error("failed to write JSON response", "error", err)
		}
	}
}

// handleListModels returns the registry contents, optionally for one type.
func handleListModels(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		modelType := r.URL.Query().Get("type")
		if modelType != "" && !modelTypeRegex.MatchString(modelType) {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid type format")
			return
		}

		types := opts.ModelTypes
		if modelType != "" {
			types = []string{modelType}
		}

		models := make(map[string]any, len(types))
		for _, t := range types {
			versions := opts.Store.ListModels(t)
			promoted, _ := opts.Store.Promoted(t)
			models[t] = map[string]any{
				"versions": versions,
				"promoted": promoted,
			}
		}

		if err := httpx.WriteJSON(w, http.StatusOK, map[string]any{"models": models}); err != nil {
			slog.Error("failed to write JSON response", "error", err)
		}
	}
}

type cleanupRequest struct {
	ModelType string `json:"model_type"`
	Keep      int    `json:"keep"`
}

// handleCleanup removes versions beyond the retention count for one type.
func handleCleanup(opts Options, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cleanupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if !modelTypeRegex.MatchString(req.ModelType) {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid model_type format")
			return
		}
		if req.Keep <= 0 {
			req.Keep = 5
		}

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		removed, err := opts.Store.CleanupOldModels(ctx, req.ModelType, req.Keep)
		if err != nil {
			logger.Error("cleanup failed", "model_type", req.ModelType, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}

		resp := map[string]any{"model_type": req.ModelType, "removed": removed, "kept": req.Keep}
		if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// handlePredict serves one prediction. Every query parameter other than
// "kind" is parsed as a numeric model input.
func handlePredict(opts Options, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		kind := query.Get("kind")
		if kind == "" {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "kind parameter required")
			return
		}

		params := make(map[string]float64)
		for name, values := range query {
			if name == "kind" || len(values) == 0 {
				continue
			}
			v, err := strconv.ParseFloat(values[0], 64)
			if err != nil {
				httpx.WriteErrorMessage(w, http.StatusBadRequest,
					fmt.Sprintf("parameter %q is not numeric", name))
				return
			}
			params[name] = v
		}

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		prediction, err := opts.Serving.Predict(ctx, kind, params)
		if err != nil {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, err.Error())
			return
		}

		if err := httpx.WriteJSON(w, http.StatusOK, prediction); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}
