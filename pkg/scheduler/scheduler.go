// Package scheduler decides which model types need retraining, orders the
// candidates by priority, and drives retraining and promotion sequentially.
// Each run is recorded in an immutable session log and summarized through a
// notifier.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/motorbay/retrainer/pkg/docstore"
	"github.com/motorbay/retrainer/pkg/evaluate"
	"github.com/motorbay/retrainer/pkg/extract"
	"github.com/motorbay/retrainer/pkg/lease"
	"github.com/motorbay/retrainer/pkg/mlmodel"
	"github.com/motorbay/retrainer/pkg/notify"
	"github.com/motorbay/retrainer/pkg/storage"
)

// DefaultJobTimeout bounds a single retraining job, extraction included.
const DefaultJobTimeout = 3600 * time.Second

const holdoutFraction = 0.7

// UsageReader reports recent prediction volume per model type.
type UsageReader interface {
	Volume(ctx context.Context, modelType string) (int64, error)
}

// Observer receives instrumentation callbacks from the control loop.
type Observer interface {
	ObserveDrift(modelType string, score float64)
	ObserveRetrain(modelType string, success, promoted bool, duration time.Duration)
}

// ModelResult is the per-model outcome within one session.
type ModelResult struct {
	ModelType  string   `json:"model_type"`
	Reasons    []string `json:"reasons,omitempty"`
	Priority   int      `json:"priority"`
	Success    bool     `json:"success"`
	Skipped    bool     `json:"skipped,omitempty"`
	NewVersion string   `json:"new_version,omitempty"`
	Promoted   bool     `json:"promoted"`
	Error      string   `json:"error,omitempty"`
	DurationMs int64    `json:"duration_ms"`
}

// Session is the append-only record of one scheduler run. Once written to
// disk it is never mutated.
type Session struct {
	ID         string        `json:"session_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Evaluated  int           `json:"evaluated"`
	Results    []ModelResult `json:"results"`
}

// Status describes the scheduler to callers of the status endpoint.
type Status struct {
	Running     bool     `json:"running"`
	LastSession *Session `json:"last_session,omitempty"`
}

// Options configures a Scheduler.
type Options struct {
	Store      storage.Store
	Docs       docstore.Store
	Extractor  extract.Extractor
	Evaluator  *evaluate.Evaluator
	Lease      lease.Lease
	Usage      UsageReader
	Notifier   notify.Notifier
	Logger     *slog.Logger
	LogDir     string
	ModelTypes []string
	JobTimeout time.Duration
	Observer   Observer
}

// Scheduler owns the retraining control loop state.
type Scheduler struct {
	store      storage.Store
	docs       docstore.Store
	extractor  extract.Extractor
	evaluator  *evaluate.Evaluator
	lease      lease.Lease
	usage      UsageReader
	notifier   notify.Notifier
	logger     *slog.Logger
	logDir     string
	modelTypes []string
	jobTimeout time.Duration
	observer   Observer
	now        func() time.Time

	mu          sync.Mutex
	running     bool
	lastSession *Session
}

// New creates a Scheduler. Store, Docs, Extractor, and Evaluator are
// required; the rest fall back to safe defaults.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil || opts.Docs == nil || opts.Extractor == nil || opts.Evaluator == nil {
		return nil, fmt.Errorf("scheduler requires store, docs, extractor, and evaluator")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Lease == nil {
		opts.Lease = lease.NewMemory()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLogNotifier(opts.Logger)
	}
	if len(opts.ModelTypes) == 0 {
		opts.ModelTypes = docstore.KnownModelTypes()
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create session log directory: %w", err)
		}
	}
	return &Scheduler{
		store:      opts.Store,
		docs:       opts.Docs,
		extractor:  opts.Extractor,
		evaluator:  opts.Evaluator,
		lease:      opts.Lease,
		usage:      opts.Usage,
		notifier:   opts.Notifier,
		logger:     opts.Logger,
		logDir:     opts.LogDir,
		modelTypes: opts.ModelTypes,
		jobTimeout: opts.JobTimeout,
		observer:   opts.Observer,
		now:        time.Now,
	}, nil
}

// RunOnce evaluates every known model type, retrains the candidates in
// priority order, and writes one immutable session log. One model's failure
// never halts the others; only a sweep-level fault (such as config store
// access failing for every type) surfaces as an error.
func (s *Scheduler) RunOnce(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("a scheduler run is already in progress")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	session := &Session{ID: uuid.NewString(), StartedAt: s.now().UTC()}
	s.logger.Info("scheduler run started", "session_id", session.ID, "model_types", len(s.modelTypes))

	var decisions []*Decision
	failures := 0
	for _, modelType := range s.modelTypes {
		d, err := s.Evaluate(ctx, modelType)
		if err != nil {
			failures++
			s.logger.Error("evaluation failed", "model_type", modelType, "error", err)
			session.Results = append(session.Results, ModelResult{
				ModelType: modelType,
				Error:     fmt.Sprintf("evaluate: %v", err),
			})
			continue
		}
		decisions = append(decisions, d)
	}
	session.Evaluated = len(s.modelTypes)
	if failures == len(s.modelTypes) {
		session.FinishedAt = s.now().UTC()
		s.finishSession(ctx, session)
		return session, fmt.Errorf("evaluation failed for all %d model types", failures)
	}

	// Candidates retrain strictly in priority order, sequentially. Registry
	// state observed during ranking is the state at run start.
	for _, d := range rankCandidates(decisions) {
		session.Results = append(session.Results, s.retrainOne(ctx, d))
	}

	session.FinishedAt = s.now().UTC()
	s.finishSession(ctx, session)
	return session, nil
}

// RetrainModel retrains one model type immediately, bypassing the decision
// sweep. Used by the manual trigger endpoint.
func (s *Scheduler) RetrainModel(ctx context.Context, modelType string) (*ModelResult, error) {
	cfg, err := s.modelConfig(ctx, modelType)
	if err != nil {
		return nil, err
	}
	d := &Decision{
		ModelType:       modelType,
		NeedsRetraining: true,
		Reasons:         []string{"manual retraining requested"},
		Priority:        weightManual,
		config:          cfg,
	}
	result := s.retrainOne(ctx, d)
	return &result, nil
}

// retrainOne runs a single retraining job under the job timeout and a
// per-model-type lease. All failures are captured in the result.
func (s *Scheduler) retrainOne(ctx context.Context, d *Decision) ModelResult {
	start := s.now()
	result := ModelResult{
		ModelType: d.ModelType,
		Reasons:   d.Reasons,
		Priority:  d.Priority,
	}
	defer func() {
		duration := s.now().Sub(start)
		result.DurationMs = duration.Milliseconds()
		if s.observer != nil && !result.Skipped {
			s.observer.ObserveRetrain(d.ModelType, result.Success, result.Promoted, duration)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	leaseKey := "retrain:" + d.ModelType
	ok, err := s.lease.Acquire(ctx, leaseKey, s.jobTimeout)
	if err != nil {
		result.Error = fmt.Sprintf("acquire lease: %v", err)
		return result
	}
	if !ok {
		result.Skipped = true
		result.Error = "another retraining job holds the lease"
		s.logger.Info("skipping retraining, lease held elsewhere", "model_type", d.ModelType)
		return result
	}
	defer func() {
		if err := s.lease.Release(context.WithoutCancel(ctx), leaseKey); err != nil {
			s.logger.Warn("lease release failed", "model_type", d.ModelType, "error", err)
		}
	}()

	cfg := d.config
	ds, err := s.extractor.Extract(ctx, extract.Query{ModelType: d.ModelType, WindowDays: cfg.WindowDays})
	if err != nil {
		result.Error = fmt.Sprintf("extract training data: %v", err)
		return result
	}
	if len(ds.Rows) < cfg.MinTrainingRows {
		result.Error = fmt.Sprintf("insufficient training data: %d rows, need %d", len(ds.Rows), cfg.MinTrainingRows)
		return result
	}

	// Back up whatever is currently serving before the registry changes.
	if current, ok := s.store.Promoted(d.ModelType); ok {
		if _, err := s.store.CreateBackup(ctx, d.ModelType, current); err != nil {
			s.logger.Warn("backup of serving version failed", "model_type", d.ModelType, "version", current, "error", err)
		}
	}

	features := cfg.Features
	if len(features) == 0 {
		features = ds.FeatureNames()
	}
	m, err := mlmodel.NewForTask(cfg.Task, features)
	if err != nil {
		result.Error = fmt.Sprintf("build model: %v", err)
		return result
	}

	trainSet, holdout := ds.Split(holdoutFraction)
	if err := m.Train(ctx, trainSet); err != nil {
		result.Error = fmt.Sprintf("train: %v", err)
		return result
	}
	metrics := evaluate.Score(m, holdout, cfg.Task.Kind)

	entry, err := s.store.SaveModel(ctx, m, storage.SaveOptions{
		ModelType:    d.ModelType,
		CreatedBy:    "scheduler",
		TrainingRows: len(trainSet.Rows),
		Metrics:      metrics,
		TaskKind:     cfg.Task.Kind,
		Features:     features,
		Hyper:        cfg.Task.Hyper,
	})
	if err != nil {
		result.Error = fmt.Sprintf("save model: %v", err)
		return result
	}
	result.Success = true
	result.NewVersion = entry.Version

	cmp, err := s.evaluator.CompareVersions(ctx, d.ModelType, cfg.Task, entry.Version)
	if err != nil {
		s.logger.Warn("version comparison failed, keeping current promotion",
			"model_type", d.ModelType, "version", entry.Version, "error", err)
	} else if cmp.IsBetter {
		if err := s.store.SetPromoted(d.ModelType, entry.Version); err != nil {
			s.logger.Error("promotion failed", "model_type", d.ModelType, "version", entry.Version, "error", err)
		} else {
			result.Promoted = true
			s.logger.Info("promoted new version",
				"model_type", d.ModelType,
				"version", entry.Version,
				"metric", cmp.Metric,
				"candidate_score", cmp.CandidateScore,
				"current_score", cmp.CurrentScore,
			)
		}
	} else {
		s.logger.Info("new version not promoted",
			"model_type", d.ModelType,
			"version", entry.Version,
			"metric", cmp.Metric,
			"candidate_score", cmp.CandidateScore,
			"current_score", cmp.CurrentScore,
		)
	}

	if cfg.KeepVersions > 0 {
		if removed, err := s.store.CleanupOldModels(ctx, d.ModelType, cfg.KeepVersions); err != nil {
			s.logger.Warn("version cleanup failed", "model_type", d.ModelType, "error", err)
		} else if removed > 0 {
			s.logger.Info("cleaned up old versions", "model_type", d.ModelType, "removed", removed)
		}
	}

	return result
}

// finishSession persists the session log, updates status, and sends the
// summary notification. None of these stop the scheduler.
func (s *Scheduler) finishSession(ctx context.Context, session *Session) {
	s.mu.Lock()
	s.lastSession = session
	s.mu.Unlock()

	if err := s.writeSessionLog(session); err != nil {
		s.logger.Error("session log write failed", "session_id", session.ID, "error", err)
	}

	succeeded, failed := 0, 0
	var lines []string
	for _, r := range session.Results {
		switch {
		case r.Success:
			succeeded++
			lines = append(lines, fmt.Sprintf("%s: ok (version %s, promoted=%t)", r.ModelType, r.NewVersion, r.Promoted))
		case r.Skipped:
			lines = append(lines, fmt.Sprintf("%s: skipped (%s)", r.ModelType, r.Error))
		default:
			failed++
			lines = append(lines, fmt.Sprintf("%s: failed (%s)", r.ModelType, r.Error))
		}
	}

	ev := notify.Event{
		Type:    "retraining_session",
		Subject: fmt.Sprintf("retraining session %s: %d succeeded, %d failed", session.ID, succeeded, failed),
		Message: strings.Join(lines, "\n"),
		Fields: map[string]any{
			"session_id": session.ID,
			"evaluated":  session.Evaluated,
			"retrained":  succeeded,
			"failed":     failed,
		},
		At: session.FinishedAt,
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("session notification failed", "session_id", session.ID, "error", err)
	}

	s.logger.Info("scheduler run finished",
		"session_id", session.ID,
		"evaluated", session.Evaluated,
		"retrained", succeeded,
		"failed", failed,
		"duration_ms", session.FinishedAt.Sub(session.StartedAt).Milliseconds(),
	)
}

func (s *Scheduler) writeSessionLog(session *Session) error {
	if s.logDir == "" {
		return nil
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize session: %w", err)
	}
	name := fmt.Sprintf("%s-%s.json", session.StartedAt.Format("20060102T150405Z"), session.ID)
	path := filepath.Join(s.logDir, name)

	// O_EXCL keeps the log append-only at the file level: a session file is
	// written once and never rewritten.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create session log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write session log: %w", err)
	}
	return nil
}

// RecentSessions loads up to n session logs, newest first. Unreadable files
// are skipped.
func (s *Scheduler) RecentSessions(n int) []Session {
	if s.logDir == "" || n <= 0 {
		return nil
	}
	entries, err := os.ReadDir(s.logDir)
	if err != nil {
		s.logger.Warn("session log directory unreadable", "dir", s.logDir, "error", err)
		return nil
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	var sessions []Session
	for _, name := range names {
		if len(sessions) == n {
			break
		}
		data, err := os.ReadFile(filepath.Join(s.logDir, name))
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			s.logger.Warn("skipping malformed session log", "file", name, "error", err)
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions
}

// Status reports whether a run is in flight and the last completed session.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Running: s.running, LastSession: s.lastSession}
}
