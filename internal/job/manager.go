package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultMaxConcurrent is the number of jobs executed at once.
	DefaultMaxConcurrent = 2
	// DefaultGracePeriod is how long a terminal job stays queryable.
	DefaultGracePeriod = 60 * time.Second
	// TracerName identifies spans created by this package.
	TracerName = "videovault/job"
)

// Reserved progress ranges. Job-local progress never reaches 100 before
// the job is actually completed.
const (
	progressPreparing  = 2
	progressResolving  = 5
	progressDownloadLo = 10
	progressDownloadHi = 90
	progressProcessHi  = 99
	progressFinalizing = 99
)

const shutdownFailMessage = "Service is shutting down"

// Config tunes a Manager.
type Config struct {
	MaxConcurrent int
	GracePeriod   time.Duration
	PollInterval  time.Duration
	// MaxFileSize is the payload ceiling in bytes; zero disables the check.
	MaxFileSize int64
}

// ArtifactStore answers whether a produced file is present.
type ArtifactStore interface {
	Exists(name string) bool
}

// HistoryStore persists terminal jobs.
type HistoryStore interface {
	Save(ctx context.Context, rec Record) error
}

// Submission is returned to the submitter of a job.
type Submission struct {
	ID            string `json:"id"`
	QueuePosition int    `json:"queue_position"`
}

// QueueStatus is the aggregate view of the queue.
type QueueStatus struct {
	Waiting       int `json:"waiting"`
	Processing    int `json:"processing"`
	MaxConcurrent int `json:"max_concurrent"`
	Total         int `json:"total"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithTracerProvider enables execution spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		if tp != nil {
			m.tracer = tp.Tracer(TracerName)
		}
	}
}

// WithArtifacts enables the post-run check that the produced file exists.
func WithArtifacts(store ArtifactStore) Option {
	return func(m *Manager) {
		m.artifacts = store
	}
}

// WithHistory records every terminal job in store.
func WithHistory(store HistoryStore) Option {
	return func(m *Manager) {
		m.history = store
	}
}

// Manager is the orchestration core: admission, scheduling, progress
// fan-out and reclamation of jobs executed by a Runner.
type Manager struct {
	cfg       Config
	runner    Runner
	reg       *Registry
	notifier  *Notifier
	sweeper   *Sweeper
	sched     *Scheduler
	artifacts ArtifactStore
	history   HistoryStore
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer

	// admitMu orders admissions against Stop so no job is admitted after
	// the waiting ones have been failed.
	admitMu sync.RWMutex
	stopped bool
}

// NewManager wires a registry, notifier, scheduler and sweeper around runner.
func NewManager(runner Runner, cfg Config, opts ...Option) *Manager {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	m := &Manager{
		cfg:     cfg,
		runner:  runner,
		reg:     NewRegistry(),
		logger:  slog.Default(),
		metrics: NewMetrics(nil),
		tracer:  tracenoop.NewTracerProvider().Tracer(TracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.notifier = NewNotifier(m.reg)
	m.sweeper = NewSweeper(m.reclaim)
	m.sched = NewScheduler(m.reg, cfg.MaxConcurrent, cfg.PollInterval, m.execute, m.logger)
	return m
}

// SetLogger replaces the logger. It must be called before Start.
func (m *Manager) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	m.logger = logger
	m.sched.logger = logger
}

// Start begins dispatching jobs.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("job scheduler starting",
		"max_concurrent", m.cfg.MaxConcurrent,
		"grace_period", m.cfg.GracePeriod,
	)
	return m.sched.Start(ctx)
}

// Stop shuts the scheduler down. Running jobs are cancelled and given until
// ctx expires to finish; jobs still waiting are failed; pending
// reclamations are dropped and every listener is disconnected.
func (m *Manager) Stop(ctx context.Context) error {
	m.admitMu.Lock()
	m.stopped = true
	m.admitMu.Unlock()

	err := m.sched.Stop(ctx)
	if ids := m.reg.FailWaiting(shutdownFailMessage); len(ids) > 0 {
		m.logger.Info("failed queued jobs on shutdown", "count", len(ids))
	}
	m.sweeper.Stop()
	for _, rec := range m.reg.SnapshotAll() {
		m.notifier.CloseAll(rec.ID)
	}
	return err
}

// Submit validates p against the formats the runner resolves and admits a
// new job. Validation failures are returned before any record exists.
func (m *Manager) Submit(ctx context.Context, p Params) (Submission, error) {
	if m.isStopped() {
		return Submission{}, ErrShuttingDown
	}
	p.URL = strings.TrimSpace(p.URL)
	p.FormatID = strings.TrimSpace(p.FormatID)
	if err := validateParams(p); err != nil {
		m.metrics.recordRejected(ctx, "invalid")
		return Submission{}, err
	}

	res, err := m.runner.Resolve(ctx, p)
	if err != nil {
		m.metrics.recordRejected(ctx, "resolve")
		return Submission{}, fmt.Errorf("resolve formats: %w", err)
	}
	if p.FormatID != "" {
		if _, ok := res.Find(p.FormatID); !ok {
			m.metrics.recordRejected(ctx, "format")
			return Submission{}, fmt.Errorf("%w: %q", ErrUnknownFormat, p.FormatID)
		}
	}

	m.admitMu.RLock()
	if m.stopped {
		m.admitMu.RUnlock()
		return Submission{}, ErrShuttingDown
	}
	snap := m.reg.Admit(p)
	m.admitMu.RUnlock()

	m.metrics.recordSubmitted(ctx)
	m.sched.Wake()
	m.logger.Info("job admitted", "id", snap.ID, "url", p.URL, "format", p.FormatID, "position", snap.Position)
	return Submission{ID: snap.ID, QueuePosition: snap.Position}, nil
}

func (m *Manager) isStopped() bool {
	m.admitMu.RLock()
	defer m.admitMu.RUnlock()
	return m.stopped
}

func validateParams(p Params) error {
	if p.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidParams)
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: invalid url %q", ErrInvalidParams, p.URL)
	}
	if p.FormatID == "" && !p.AudioOnly {
		return fmt.Errorf("%w: format id is required", ErrInvalidParams)
	}
	return nil
}

// Formats lists what the runner can fetch for rawURL.
func (m *Manager) Formats(ctx context.Context, rawURL string) (Resolution, error) {
	p := Params{URL: strings.TrimSpace(rawURL), AudioOnly: true}
	if err := validateParams(p); err != nil {
		return Resolution{}, err
	}
	return m.runner.Resolve(ctx, p)
}

// Status returns the current snapshot of id, or ErrNotFound.
func (m *Manager) Status(id string) (Snapshot, error) {
	s, ok := m.reg.Get(id)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s, nil
}

// QueueStatus summarises the registry.
func (m *Manager) QueueStatus() QueueStatus {
	qs := QueueStatus{MaxConcurrent: m.sched.MaxConcurrent()}
	for _, rec := range m.reg.SnapshotAll() {
		switch rec.Status {
		case StatusWaiting:
			qs.Waiting++
		case StatusActive:
			qs.Processing++
		}
		qs.Total++
	}
	return qs
}

// Subscribe attaches a live listener to id. The current snapshot is the
// first value delivered. Callers must pair it with Unsubscribe.
func (m *Manager) Subscribe(id string) (*Subscription, error) {
	return m.notifier.Subscribe(id)
}

// Unsubscribe detaches a listener; safe to repeat.
func (m *Manager) Unsubscribe(sub *Subscription) {
	m.notifier.Unsubscribe(sub)
}

// Cancel removes a job that has not started, or reclaims a terminal job
// ahead of its grace period. Running jobs cannot be cancelled.
func (m *Manager) Cancel(id string) error {
	rec, ok := m.reg.RemoveIf(id, func(r Record) bool {
		return r.Status == StatusActive
	})
	if !ok {
		return ErrNotFound
	}
	if rec.Status == StatusActive {
		return ErrJobActive
	}
	m.sweeper.Cancel(id)
	m.notifier.CloseAll(id)
	m.logger.Info("job removed", "id", id, "status", rec.Status)
	return nil
}

func (m *Manager) reclaim(id string) {
	if m.reg.Remove(id) {
		m.metrics.recordReclaimed(context.Background())
		m.logger.Debug("job reclaimed", "id", id)
	}
	m.notifier.CloseAll(id)
	m.reg.RecomputePositions()
}

// execute is the per-job execution unit. Every failure ends as a terminal
// failed record; nothing escapes to the scheduler loop.
func (m *Manager) execute(ctx context.Context, s Snapshot) {
	id := s.ID
	rec, ok := m.reg.Record(id)
	if !ok {
		return
	}
	started := time.Now()
	m.metrics.recordDispatched(ctx)

	ctx, span := m.tracer.Start(ctx, "job.execute", trace.WithAttributes(
		attribute.String("job.id", id),
		attribute.String("job.url", rec.Params.URL),
		attribute.String("job.format", rec.Params.FormatID),
	))
	defer span.End()

	artifact, err := m.runSafely(ctx, id, rec.Params)

	status := StatusCompleted
	if err != nil {
		status = StatusFailed
		msg := err.Error()
		if ctx.Err() != nil {
			msg = shutdownFailMessage
		}
		m.reg.Update(id, failedDelta(msg))
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		m.logger.Warn("job failed", "id", id, "error", err)
	} else {
		m.reg.Update(id, completedDelta(artifact.Filename, "Download completed"))
		m.logger.Info("job completed", "id", id, "file", artifact.Filename, "elapsed", time.Since(started))
	}
	m.metrics.recordFinished(ctx, status, time.Since(started))
	m.sched.Wake()

	if m.history != nil {
		if final, ok := m.reg.Record(id); ok {
			if err := m.history.Save(context.WithoutCancel(ctx), final); err != nil {
				m.logger.Error("failed to record job history", "id", id, "error", err)
			}
		}
	}
	m.sweeper.Schedule(id, m.cfg.GracePeriod)
}

func (m *Manager) runSafely(ctx context.Context, id string, p Params) (artifact Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panic: %v", r)
		}
	}()
	return m.run(ctx, id, p)
}

func (m *Manager) run(ctx context.Context, id string, p Params) (Artifact, error) {
	m.progress(id, progressPreparing, "Preparing")
	m.progress(id, progressResolving, "Resolving formats")

	res, err := m.runner.Resolve(ctx, p)
	if err != nil {
		return Artifact{}, err
	}
	if p.FormatID != "" {
		if _, ok := res.Find(p.FormatID); !ok {
			return Artifact{}, fmt.Errorf("%w: %q", ErrUnknownFormat, p.FormatID)
		}
	}
	if limit := m.cfg.MaxFileSize; limit > 0 {
		if size := res.TotalSize(p); size > limit {
			return Artifact{}, fmt.Errorf("%w: %s exceeds the %s limit",
				ErrSizeLimit, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(limit)))
		}
	}

	m.progress(id, progressDownloadLo, "Downloading: 0.0%")
	artifact, err := m.runner.Execute(ctx, p, func(pr Progress) {
		m.reportProgress(id, pr)
	})
	if err != nil {
		return Artifact{}, err
	}
	if artifact.Filename == "" {
		return Artifact{}, errors.New("runner finished without producing a file")
	}

	m.progress(id, progressFinalizing, "Finalizing")
	if m.artifacts != nil && !m.artifacts.Exists(artifact.Filename) {
		return Artifact{}, fmt.Errorf("%w: %s", ErrArtifactMissing, artifact.Filename)
	}
	return artifact, nil
}

func (m *Manager) progress(id string, value float64, message string) {
	m.reg.Update(id, progressDelta(value, message))
}

// reportProgress maps a stage-local percentage into the stage's reserved
// slice of the overall progress range.
func (m *Manager) reportProgress(id string, pr Progress) {
	pct := clamp(pr.Percent, 0, 100)
	switch pr.Stage {
	case StageProcessing:
		value := progressDownloadHi + pct*(progressProcessHi-progressDownloadHi)/100
		m.progress(id, clamp(value, progressDownloadHi, progressProcessHi), fmt.Sprintf("Processing: %.0f%%", pct))
	default:
		value := progressDownloadLo + pct*(progressDownloadHi-progressDownloadLo)/100
		m.progress(id, clamp(value, progressDownloadLo, progressDownloadHi), fmt.Sprintf("Downloading: %.1f%%", pct))
	}
}
