// Package bridge multiplexes many callers onto one persistent segmentation
// worker process speaking a newline-delimited JSON protocol.
//
// The worker answers commands strictly in order and carries no request ids, so
// the bridge keeps at most one command in flight and matches every response to
// that command. A single goroutine owns the worker handle and the FIFO queue;
// callers reach it only through channels.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"segmentd/internal/apperrors"
	"segmentd/internal/process"
)

// Request outcomes reported to metrics.
const (
	OutcomeOK          = "ok"
	OutcomeFailed      = "failed"
	OutcomeTimeout     = "timeout"
	OutcomeUnavailable = "unavailable"
	OutcomeCancelled   = "cancelled"
)

// MetricsRecorder is an optional interface for recording bridge metrics.
type MetricsRecorder interface {
	RecordWorkerRequest(ctx context.Context, command, outcome string, durationSeconds float64)
	RecordWorkerQueueDepth(ctx context.Context, depth int64)
	RecordWorkerReady(ctx context.Context, ready bool)
	RecordWorkerStaleResponse(ctx context.Context)
}

// Config configures the bridge.
type Config struct {
	Worker         process.Spec
	RequestTimeout time.Duration // per dispatched command
	CloseGrace     time.Duration // time the worker gets to exit after stdin closes
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 5 * time.Second
	}
	if c.Worker.Name == "" {
		c.Worker.Name = "worker"
	}
	return c
}

// Stats is a point-in-time view of the bridge.
type Stats struct {
	Ready       bool   `json:"ready"`
	Alive       bool   `json:"alive"`
	PID         int    `json:"pid,omitempty"`
	QueueDepth  int    `json:"queueDepth"` // queued plus dispatched
	Dispatched  bool   `json:"dispatched"`
	LastExit    string `json:"lastExit,omitempty"`
	Submitted   uint64 `json:"submitted"`
	Resolved    uint64 `json:"resolved"`
	TimedOut    uint64 `json:"timedOut"`
	Unavailable uint64 `json:"unavailable"`
	Cancelled   uint64 `json:"cancelled"`
	Stale       uint64 `json:"staleResponses"`
	Restarts    uint64 `json:"restarts"`
}

type result struct {
	resp Response
	err  error
}

// pending is one caller's command; done receives exactly one result.
type pending struct {
	kind         string
	line         string
	enqueuedAt   time.Time
	dispatchedAt time.Time
	done         chan result
}

type restartRequest struct {
	ctx   context.Context
	reply chan error
}

// Bridge owns the persistent worker process.
type Bridge struct {
	launcher process.Launcher
	cfg      Config
	metrics  MetricsRecorder
	logger   *slog.Logger

	submitCh  chan *pending
	cancelCh  chan *pending
	restartCh chan restartRequest
	statsCh   chan chan Stats
	closeCh   chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	ready atomic.Bool
	final Stats // written by the loop before loopDone closes
}

// New spawns the worker and starts serving commands. Commands submitted before
// the worker signals readiness wait in the queue.
func New(ctx context.Context, launcher process.Launcher, cfg Config, metrics MetricsRecorder) (*Bridge, error) {
	cfg = cfg.withDefaults()
	b := &Bridge{
		launcher:  launcher,
		cfg:       cfg,
		metrics:   metrics,
		logger:    slog.With("component", "bridge"),
		submitCh:  make(chan *pending),
		cancelCh:  make(chan *pending),
		restartCh: make(chan restartRequest),
		statsCh:   make(chan chan Stats),
		closeCh:   make(chan struct{}),
		loopDone:  make(chan struct{}),
	}

	l := &loop{b: b}
	if err := l.spawn(ctx); err != nil {
		return nil, err
	}
	go l.run()
	return b, nil
}

// Submit queues cmd and waits for the worker's reply.
//
// A reply with success=false is still returned as a Response; only transport
// outcomes are errors: ErrRequestTimeout when the worker did not answer in
// time and ErrWorkerUnavailable when it is not running. Cancelling ctx removes
// a still-queued command; a dispatched command runs to completion and its
// reply is discarded.
func (b *Bridge) Submit(ctx context.Context, cmd Command) (Response, error) {
	if err := Validate(cmd); err != nil {
		return Response{}, err
	}
	line, err := EncodeCommand(cmd)
	if err != nil {
		return Response{}, apperrors.Validation("command", err.Error())
	}

	p := &pending{
		kind:       cmd.Kind(),
		line:       line,
		enqueuedAt: time.Now(),
		done:       make(chan result, 1),
	}

	select {
	case b.submitCh <- p:
	case <-b.loopDone:
		return Response{}, apperrors.WorkerUnavailable("bridge closed")
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case r := <-p.done:
		return r.resp, r.err
	case <-ctx.Done():
		select {
		case b.cancelCh <- p:
		case <-b.loopDone:
		}
		return Response{}, ctx.Err()
	}
}

// IsReady reports whether the worker is running and has signalled readiness.
func (b *Bridge) IsReady() bool {
	return b.ready.Load()
}

// Ready implements health.ReadinessChecker.
func (b *Bridge) Ready(_ context.Context) error {
	if !b.ready.Load() {
		return apperrors.WorkerUnavailable("worker not ready")
	}
	return nil
}

// Stats returns queue and counter state.
func (b *Bridge) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case b.statsCh <- reply:
		return <-reply
	case <-b.loopDone:
		return b.final
	}
}

// Restart spawns a new worker after the previous one exited. It fails with
// ErrConflict while a worker is still running.
func (b *Bridge) Restart(ctx context.Context) error {
	req := restartRequest{ctx: ctx, reply: make(chan error, 1)}
	select {
	case b.restartCh <- req:
	case <-b.loopDone:
		return apperrors.WorkerUnavailable("bridge closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close fails every pending command, closes the worker's input and kills it if
// it has not exited within the close grace period.
func (b *Bridge) Close(ctx context.Context) error {
	b.closeOnce.Do(func() { close(b.closeCh) })
	select {
	case <-b.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop is the state owned by the bridge goroutine.
type loop struct {
	b *Bridge

	proc  process.Process
	lines <-chan process.Line
	exit  <-chan struct{}
	alive bool
	ready bool

	queue    []*pending
	inflight *pending
	stale    int // replies still owed for timed-out commands
	timer    *time.Timer
	timeout  <-chan time.Time

	stats Stats
}

func (l *loop) spawn(ctx context.Context) error {
	proc, err := l.b.launcher.Spawn(ctx, l.b.cfg.Worker)
	if err != nil {
		return err
	}
	l.proc = proc
	l.lines = proc.Lines()
	l.exit = proc.Done()
	l.alive = true
	l.ready = false
	l.stale = 0
	l.stats.PID = proc.PID()
	l.b.logger.Info("Worker started", "pid", proc.PID(), "command", l.b.cfg.Worker.Command)
	return nil
}

func (l *loop) run() {
	defer close(l.b.loopDone)

	for {
		select {
		case p := <-l.b.submitCh:
			l.submit(p)

		case p := <-l.b.cancelCh:
			l.cancel(p)

		case line, ok := <-l.lines:
			if !ok {
				l.lines = nil
				continue
			}
			l.handleLine(line)

		case <-l.exit:
			l.handleExit()

		case <-l.timeout:
			l.handleTimeout()

		case req := <-l.b.restartCh:
			req.reply <- l.restart(req.ctx)

		case reply := <-l.b.statsCh:
			reply <- l.snapshot()

		case <-l.b.closeCh:
			l.shutdown()
			l.b.final = l.snapshot()
			return
		}
	}
}

func (l *loop) submit(p *pending) {
	l.stats.Submitted++
	if !l.alive {
		l.resolve(p, result{err: apperrors.WorkerUnavailable("worker is not running")}, OutcomeUnavailable)
		return
	}
	l.queue = append(l.queue, p)
	l.recordDepth()
	l.dispatch()
}

func (l *loop) cancel(p *pending) {
	for i, q := range l.queue {
		if q == p {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			l.resolve(p, result{err: context.Canceled}, OutcomeCancelled)
			l.recordDepth()
			return
		}
	}
}

// dispatch writes the queue head to the worker when it is ready and idle.
func (l *loop) dispatch() {
	for l.alive && l.ready && l.inflight == nil && len(l.queue) > 0 {
		p := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]

		if err := l.proc.WriteLine(p.line); err != nil {
			l.b.logger.Warn("Failed to write command", "command", p.kind, "error", err)
			l.resolve(p, result{err: apperrors.WorkerUnavailable(err.Error())}, OutcomeUnavailable)
			continue
		}

		p.dispatchedAt = time.Now()
		l.inflight = p
		l.startTimer()
		l.b.logger.Debug("Command dispatched",
			"command", p.kind,
			"queueDepth", l.depth(),
			"queued", p.dispatchedAt.Sub(p.enqueuedAt))
	}
	l.recordDepth()
}

func (l *loop) handleLine(line process.Line) {
	if line.Stream == process.Stderr {
		l.b.logger.Debug("Worker output", "stream", "stderr", "line", line.Text)
		return
	}

	kind, resp := parseLine(line.Text)
	switch kind {
	case lineReady:
		if l.ready {
			l.b.logger.Warn("Duplicate readiness signal discarded")
			return
		}
		l.ready = true
		l.b.ready.Store(true)
		if l.b.metrics != nil {
			l.b.metrics.RecordWorkerReady(context.Background(), true)
		}
		l.b.logger.Info("Worker ready", "pid", l.proc.PID(), "queueDepth", l.depth())
		l.dispatch()

	case lineResponse:
		l.handleResponse(resp)

	default:
		l.b.logger.Debug("Discarding non-protocol line", "line", line.Text)
	}
}

func (l *loop) handleResponse(resp Response) {
	if l.stale > 0 {
		l.stale--
		l.discardStale("late reply to timed-out command")
		return
	}
	if l.inflight == nil {
		l.discardStale("reply with no dispatched command")
		return
	}

	p := l.inflight
	l.inflight = nil
	l.stopTimer()

	outcome := OutcomeOK
	if !resp.Success {
		outcome = OutcomeFailed
	}
	l.stats.Resolved++
	l.resolve(p, result{resp: resp}, outcome)
	l.dispatch()
}

func (l *loop) discardStale(reason string) {
	l.stats.Stale++
	if l.b.metrics != nil {
		l.b.metrics.RecordWorkerStaleResponse(context.Background())
	}
	l.b.logger.Warn("Stale worker response discarded", "reason", reason)
}

func (l *loop) handleTimeout() {
	l.timeout = nil
	p := l.inflight
	if p == nil {
		return
	}
	l.inflight = nil
	// The worker still owes a reply for p and answers in order.
	l.stale++
	l.stats.TimedOut++
	l.resolve(p, result{err: apperrors.RequestTimeout(p.kind, l.b.cfg.RequestTimeout)}, OutcomeTimeout)
	l.dispatch()
}

func (l *loop) handleExit() {
	l.alive = false

	// Lines is closed before Done, so everything the worker wrote is buffered.
	if l.lines != nil {
		for line := range l.lines {
			l.handleLine(line)
		}
		l.lines = nil
	}

	status := l.proc.ExitStatus()
	l.exit = nil
	l.ready = false
	l.b.ready.Store(false)
	l.stale = 0
	l.stats.LastExit = status.String()
	if l.b.metrics != nil {
		l.b.metrics.RecordWorkerReady(context.Background(), false)
	}

	l.b.logger.Error("Worker exited",
		"pid", l.proc.PID(),
		"status", status.String(),
		"pending", l.depth())
	l.failAll("worker exited: " + status.String())
}

func (l *loop) restart(ctx context.Context) error {
	if l.alive {
		return apperrors.Conflict("worker", fmt.Sprint(l.proc.PID()), "worker is still running")
	}
	if err := l.spawn(ctx); err != nil {
		l.b.logger.Error("Worker restart failed", "error", err)
		return err
	}
	l.stats.Restarts++
	return nil
}

// shutdown runs once on Close.
func (l *loop) shutdown() {
	l.failAll("bridge closed")
	if !l.alive {
		return
	}

	l.b.ready.Store(false)
	if err := l.proc.CloseInput(); err != nil {
		l.b.logger.Debug("Failed to close worker input", "error", err)
	}
	if !l.awaitExit(l.b.cfg.CloseGrace) {
		l.b.logger.Warn("Worker did not exit after input closed, killing", "pid", l.proc.PID())
		if err := l.proc.Kill(); err != nil {
			l.b.logger.Warn("Failed to kill worker", "error", err)
		}
		l.awaitExit(l.b.cfg.CloseGrace)
	}
	l.alive = false
	l.stats.LastExit = l.proc.ExitStatus().String()
	l.b.logger.Info("Worker stopped", "status", l.stats.LastExit)
}

// awaitExit drains output until the worker exits or d elapses.
func (l *loop) awaitExit(d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	for {
		select {
		case _, ok := <-l.lines:
			if !ok {
				l.lines = nil
			}
		case <-l.exit:
			return true
		case <-deadline.C:
			return false
		}
	}
}

func (l *loop) failAll(reason string) {
	l.stopTimer()
	if l.inflight != nil {
		p := l.inflight
		l.inflight = nil
		l.resolve(p, result{err: apperrors.WorkerUnavailable(reason)}, OutcomeUnavailable)
	}
	for _, p := range l.queue {
		l.resolve(p, result{err: apperrors.WorkerUnavailable(reason)}, OutcomeUnavailable)
	}
	l.queue = nil
	l.recordDepth()
}

func (l *loop) resolve(p *pending, r result, outcome string) {
	p.done <- r

	switch outcome {
	case OutcomeUnavailable:
		l.stats.Unavailable++
	case OutcomeCancelled:
		l.stats.Cancelled++
	}

	latency := time.Since(p.enqueuedAt)
	if l.b.metrics != nil {
		l.b.metrics.RecordWorkerRequest(context.Background(), p.kind, outcome, latency.Seconds())
	}
	l.b.logger.Info("Command resolved",
		"command", p.kind,
		"outcome", outcome,
		"latency", latency,
		"queueDepth", l.depth())
}

func (l *loop) startTimer() {
	if l.timer == nil {
		l.timer = time.NewTimer(l.b.cfg.RequestTimeout)
	} else {
		l.timer.Reset(l.b.cfg.RequestTimeout)
	}
	l.timeout = l.timer.C
}

func (l *loop) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timeout = nil
}

func (l *loop) depth() int {
	n := len(l.queue)
	if l.inflight != nil {
		n++
	}
	return n
}

func (l *loop) recordDepth() {
	if l.b.metrics != nil {
		l.b.metrics.RecordWorkerQueueDepth(context.Background(), int64(l.depth()))
	}
}

func (l *loop) snapshot() Stats {
	s := l.stats
	s.Ready = l.ready
	s.Alive = l.alive
	s.QueueDepth = l.depth()
	s.Dispatched = l.inflight != nil
	return s
}
