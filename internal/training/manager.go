// Package training runs model training jobs as dedicated child processes.
//
// At most one job runs per project key. Each job's output stream is classified
// line by line into log, progress, validation, error and completion events
// that drive a small state machine: running, then exactly one of completed,
// failed or stopped.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"segmentd/internal/apperrors"
	"segmentd/internal/process"
	"segmentd/internal/ring"
)

// MetricsRecorder is an optional interface for recording training metrics.
type MetricsRecorder interface {
	RecordTrainingStarted(ctx context.Context)
	RecordTrainingFinished(ctx context.Context, status string, durationSeconds float64)
}

// Observer receives job lifecycle notifications. Calls are made from the
// job's supervising goroutine and must not block.
type Observer interface {
	JobStarted(job Job)
	JobProgress(job Job)
	JobExited(job Job)
}

// ManagerConfig configures the job manager.
type ManagerConfig struct {
	Command     []string          // trainer executable and leading arguments
	Dir         string            // trainer working directory
	Env         map[string]string // extra trainer environment
	OutputRoot  string            // jobs write to <OutputRoot>/<key>/<jobID>
	LogCapacity int               // log entries kept per job
	StopGrace   time.Duration     // time between terminate and kill on Stop
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.OutputRoot == "" {
		c.OutputRoot = filepath.Join("data", "training")
	}
	if c.LogCapacity <= 0 {
		c.LogCapacity = 1000
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	return c
}

// Manager owns the job table.
type Manager struct {
	launcher process.Launcher
	cfg      ManagerConfig
	grammar  *Grammar
	observer Observer
	metrics  MetricsRecorder
	logger   *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*jobRun // nil while a start is in progress

	wg sync.WaitGroup
}

// jobRun is the mutable state behind one Job.
type jobRun struct {
	mu            sync.Mutex
	job           Job
	logs          *ring.Buffer[LogEntry]
	proc          process.Process
	stopRequested bool
	errorSeen     bool
	finished      chan struct{}
}

// NewManager creates a job manager. observer and metrics may be nil.
func NewManager(launcher process.Launcher, cfg ManagerConfig, observer Observer, metrics MetricsRecorder) (*Manager, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, apperrors.Validation("command", "trainer command is required")
	}
	root, err := filepath.Abs(cfg.OutputRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve output root: %w", err)
	}
	cfg.OutputRoot = root

	grammar, err := NewGrammar()
	if err != nil {
		return nil, err
	}

	return &Manager{
		launcher: launcher,
		cfg:      cfg,
		grammar:  grammar,
		observer: observer,
		metrics:  metrics,
		logger:   slog.With("component", "training"),
		jobs:     make(map[string]*jobRun),
	}, nil
}

// Start spawns a training job for key and returns its id without waiting for
// it to finish. It fails with ErrJobAlreadyRunning, before touching any
// process, if a job for key is running. A terminal job for key is replaced.
func (m *Manager) Start(ctx context.Context, key string, cfg Config) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	previous, err := m.reserve(key)
	if err != nil {
		return "", err
	}

	run, err := m.spawn(ctx, key, cfg)
	if err != nil {
		m.restore(key, previous)
		return "", err
	}
	m.commit(key, run)

	job := run.snapshot()
	m.logger.Info("Training job started",
		"key", key,
		"jobId", job.ID,
		"pid", run.proc.PID(),
		"epochs", cfg.Epochs,
		"outputDir", job.OutputDir)
	if m.metrics != nil {
		m.metrics.RecordTrainingStarted(ctx)
	}
	if m.observer != nil {
		m.observer.JobStarted(job)
	}

	m.wg.Add(1)
	go m.supervise(run)
	return job.ID, nil
}

// reserve claims key for a new job, returning the terminal job it replaces.
func (m *Manager) reserve(key string) (*jobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, exists := m.jobs[key]
	if exists && (run == nil || !run.terminal()) {
		return nil, apperrors.JobAlreadyRunning(key)
	}
	m.jobs[key] = nil
	return run, nil
}

func (m *Manager) commit(key string, run *jobRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[key] = run
}

func (m *Manager) restore(key string, previous *jobRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if previous != nil {
		m.jobs[key] = previous
	} else {
		delete(m.jobs, key)
	}
}

func (m *Manager) spawn(ctx context.Context, key string, cfg Config) (*jobRun, error) {
	id := uuid.NewString()
	outputDir := filepath.Join(m.cfg.OutputRoot, key, id)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, apperrors.Internal("training.start", err)
	}

	args := append(slices.Clone(m.cfg.Command[1:]), cfg.Args(outputDir)...)
	proc, err := m.launcher.Spawn(ctx, process.Spec{
		Name:    "trainer/" + key,
		Command: m.cfg.Command[0],
		Args:    args,
		Env:     m.cfg.Env,
		Dir:     m.cfg.Dir,
	})
	if err != nil {
		_ = os.Remove(outputDir)
		return nil, err
	}

	return &jobRun{
		job: Job{
			ID:        id,
			Key:       key,
			Status:    StatusRunning,
			Config:    cfg,
			Progress:  Progress{Total: cfg.Epochs},
			OutputDir: outputDir,
			StartTime: time.Now(),
		},
		logs:     ring.New[LogEntry](m.cfg.LogCapacity),
		proc:     proc,
		finished: make(chan struct{}),
	}, nil
}

// supervise consumes the job's output until it exits, then finalizes it.
func (m *Manager) supervise(run *jobRun) {
	defer m.wg.Done()

	proc := run.proc
	for line := range proc.Lines() {
		m.handleLine(run, line)
	}
	<-proc.Done()
	m.finalize(run, proc.ExitStatus())
}

func (m *Manager) handleLine(run *jobRun, line process.Line) {
	now := time.Now()
	if line.Stream == process.Stderr {
		run.mu.Lock()
		run.appendLog(LogEntry{Time: now, Type: EventInfo, Stream: string(process.Stderr), Message: line.Text})
		run.mu.Unlock()
		return
	}

	ev := m.grammar.Parse(line.Text)

	run.mu.Lock()
	progressed := false
	switch ev.Type {
	case EventProgress:
		progressed = run.job.Progress.advance(ev.Epoch, ev.TotalEpochs)
	case EventValidation:
		run.job.Metrics = ev.Metrics
	case EventError:
		run.errorSeen = true
		if run.job.Error == "" {
			run.job.Error = ev.Message
		}
	case EventComplete:
		run.job.Result = ev.Result
		if len(ev.Result.Metrics) > 0 {
			run.job.Metrics = ev.Result.Metrics
		}
		if !ev.Result.Success {
			run.errorSeen = true
		}
	}
	run.appendLog(LogEntry{
		Time:    now,
		Type:    ev.Type,
		Stream:  string(process.Stdout),
		Message: ev.Message,
		Data:    ev.Raw,
	})
	key := run.job.Key
	var job Job
	if progressed {
		job = run.snapshotLocked()
	}
	run.mu.Unlock()

	if ev.Type == EventError {
		m.logger.Warn("Training job reported error", "key", key, "message", ev.Message)
	}
	if progressed && m.observer != nil {
		m.observer.JobProgress(job)
	}
}

// finalize records the terminal state. Status is decided in order: an explicit
// stop wins, then a non-zero exit or reported error fails the job.
func (m *Manager) finalize(run *jobRun, exit process.ExitStatus) {
	run.mu.Lock()
	status := StatusCompleted
	switch {
	case run.stopRequested:
		status = StatusStopped
	case !exit.Success() || run.errorSeen:
		status = StatusFailed
	}
	outputDir, result := run.job.OutputDir, run.job.Result
	run.mu.Unlock()

	var found []Artifact
	var missing []string
	if status == StatusCompleted {
		found, missing = discoverArtifacts(outputDir, m.cfg.Dir, result)
	}

	run.mu.Lock()
	end := time.Now()
	code := exit.Code
	run.job.Status = status
	run.job.EndTime = &end
	run.job.ExitCode = &code
	if status == StatusFailed && run.job.Error == "" {
		run.job.Error = "trainer exited with " + exit.String()
	}
	run.job.Artifacts = found
	run.job.MissingArtifacts = missing
	run.proc = nil
	job := run.snapshotLocked()
	run.mu.Unlock()
	close(run.finished)

	m.logger.Info("Training job finished",
		"key", job.Key,
		"jobId", job.ID,
		"status", job.Status,
		"exitCode", code,
		"exit", exit.String(),
		"duration", job.Duration(),
		"artifacts", len(found),
		"missingArtifacts", strings.Join(missing, ","))
	if m.metrics != nil {
		m.metrics.RecordTrainingFinished(context.Background(), string(status), job.Duration().Seconds())
	}
	if m.observer != nil {
		m.observer.JobExited(job)
	}
}

// Status returns a snapshot of key's job, or an idle job if there is none.
func (m *Manager) Status(key string) Job {
	run := m.get(key)
	if run == nil {
		return idleJob(key)
	}
	return run.snapshot()
}

// Logs returns up to limit of the most recent log entries, oldest first.
// limit <= 0 returns none.
func (m *Manager) Logs(key string, limit int) []LogEntry {
	run := m.get(key)
	if run == nil {
		return []LogEntry{}
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.logs.Last(limit)
}

// Stop terminates key's running job, killing it if it has not exited after
// the stop grace period, and waits until it is finalized as stopped. The
// terminate and kill sequence belongs to the job: if ctx ends first, Stop
// returns ctx.Err() and the job is still stopped in the background.
func (m *Manager) Stop(ctx context.Context, key string) error {
	run := m.get(key)
	if run == nil {
		return apperrors.NoJobRunning(key)
	}

	run.mu.Lock()
	if run.job.Status != StatusRunning || run.proc == nil {
		run.mu.Unlock()
		return apperrors.NoJobRunning(key)
	}
	first := !run.stopRequested
	run.stopRequested = true
	proc := run.proc
	id := run.job.ID
	run.mu.Unlock()

	if first {
		m.wg.Add(1)
		go m.enforceStop(run, proc, key, id)
	}

	select {
	case <-run.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enforceStop sends terminate, then kill once the grace period passes
// without the job finishing.
func (m *Manager) enforceStop(run *jobRun, proc process.Process, key, id string) {
	defer m.wg.Done()

	m.logger.Info("Stopping training job", "key", key, "jobId", id)
	if err := proc.Terminate(); err != nil {
		m.logger.Warn("Failed to terminate training job", "key", key, "error", err)
	}

	grace := time.NewTimer(m.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-run.finished:
		return
	case <-grace.C:
	}

	m.logger.Warn("Training job did not exit after terminate, killing", "key", key, "jobId", id)
	if err := proc.Kill(); err != nil {
		m.logger.Warn("Failed to kill training job", "key", key, "error", err)
	}
}

// Wait blocks until key's current job is terminal and returns its snapshot.
func (m *Manager) Wait(ctx context.Context, key string) (Job, error) {
	run := m.get(key)
	if run == nil {
		return idleJob(key), nil
	}
	select {
	case <-run.finished:
		return run.snapshot(), nil
	case <-ctx.Done():
		return run.snapshot(), ctx.Err()
	}
}

// Clear removes key's job if it is terminal. It reports whether a job was removed.
func (m *Manager) Clear(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, exists := m.jobs[key]
	if !exists || run == nil || !run.terminal() {
		return false
	}
	delete(m.jobs, key)
	m.logger.Info("Training job cleared", "key", key, "jobId", run.snapshot().ID)
	return true
}

// List returns snapshots of every job, ordered by key.
func (m *Manager) List() []Job {
	m.mu.RLock()
	runs := make([]*jobRun, 0, len(m.jobs))
	for _, run := range m.jobs {
		if run != nil {
			runs = append(runs, run)
		}
	}
	m.mu.RUnlock()

	jobs := make([]Job, 0, len(runs))
	for _, run := range runs {
		jobs = append(jobs, run.snapshot())
	}
	slices.SortFunc(jobs, func(a, b Job) int { return strings.Compare(a.Key, b.Key) })
	return jobs
}

// Artifacts lists the artifacts of key's completed job.
func (m *Manager) Artifacts(key string) ([]Artifact, error) {
	run := m.get(key)
	if run == nil {
		return nil, apperrors.NotFound("training job", key)
	}
	job := run.snapshot()
	if job.Status != StatusCompleted {
		return nil, apperrors.Conflict("training job", key, fmt.Sprintf("job is %s, not completed", job.Status))
	}
	return job.Artifacts, nil
}

// Artifact returns one artifact of key's completed job by format.
func (m *Manager) Artifact(key, format string) (Artifact, error) {
	artifacts, err := m.Artifacts(key)
	if err != nil {
		return Artifact{}, err
	}
	for _, a := range artifacts {
		if a.Format == format {
			return a, nil
		}
	}
	return Artifact{}, apperrors.NotFound("artifact", key+"/"+format)
}

// Shutdown stops every running job and waits for all supervisors to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, job := range m.List() {
		if job.Status != StatusRunning {
			continue
		}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if err := m.Stop(ctx, key); err != nil && !errors.Is(err, apperrors.ErrNoJobRunning) {
				m.logger.Warn("Failed to stop training job on shutdown", "key", key, "error", err)
			}
		}(job.Key)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) get(key string) *jobRun {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[key]
}

func (r *jobRun) appendLog(e LogEntry) {
	e.Seq = r.logs.Total() + 1
	r.logs.Push(e)
}

func (r *jobRun) terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Status.Terminal()
}

func (r *jobRun) snapshot() Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *jobRun) snapshotLocked() Job {
	job := r.job.clone()
	job.LogCount = r.logs.Len()
	job.LogsDropped = r.logs.Dropped()
	return job
}
