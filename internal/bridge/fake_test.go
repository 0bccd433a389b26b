package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"segmentd/internal/apperrors"
	"segmentd/internal/process"
)

// fakeWorker is an in-memory process.Process driven by the test.
type fakeWorker struct {
	pid   int
	lines chan process.Line
	done  chan struct{}
	input chan string

	mu          sync.Mutex
	exited      bool
	inputClosed bool
	status      process.ExitStatus
	writeErr    error

	outstanding atomic.Int32 // commands written but not yet answered
	overlap     atomic.Bool  // set if a command was written while another was outstanding
}

func newFakeWorker(pid int) *fakeWorker {
	return &fakeWorker{
		pid:   pid,
		lines: make(chan process.Line, 256),
		done:  make(chan struct{}),
		input: make(chan string, 256),
	}
}

func (w *fakeWorker) PID() int { return w.pid }

func (w *fakeWorker) WriteLine(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return w.writeErr
	}
	if w.exited || w.inputClosed {
		return apperrors.BrokenPipe(w.pid, errors.New("closed"))
	}
	if w.outstanding.Add(1) > 1 {
		w.overlap.Store(true)
	}
	w.input <- text
	return nil
}

func (w *fakeWorker) CloseInput() error {
	w.mu.Lock()
	w.inputClosed = true
	w.mu.Unlock()
	w.exit(0)
	return nil
}

func (w *fakeWorker) Lines() <-chan process.Line      { return w.lines }
func (w *fakeWorker) Done() <-chan struct{}           { return w.done }
func (w *fakeWorker) Terminate() error                { w.exitSignal("terminated"); return nil }
func (w *fakeWorker) Kill() error                     { w.exitSignal("killed"); return nil }
func (w *fakeWorker) ExitStatus() process.ExitStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *fakeWorker) emit(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exited {
		return
	}
	w.lines <- process.Line{Stream: process.Stdout, Text: text}
}

func (w *fakeWorker) emitStderr(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exited {
		return
	}
	w.lines <- process.Line{Stream: process.Stderr, Text: text}
}

func (w *fakeWorker) ready() { w.emit(`{"status": "ready"}`) }

// reply answers the oldest outstanding command.
func (w *fakeWorker) reply(v any) {
	b, _ := json.Marshal(v)
	w.outstanding.Add(-1)
	w.emit(string(b))
}

func (w *fakeWorker) exit(code int) {
	w.finish(process.ExitStatus{Code: code})
}

func (w *fakeWorker) exitSignal(sig string) {
	w.finish(process.ExitStatus{Code: -1, Signal: sig})
}

func (w *fakeWorker) finish(status process.ExitStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exited {
		return
	}
	w.exited = true
	w.status = status
	close(w.lines)
	close(w.done)
}

// next returns the next command written to the worker, decoded.
func (w *fakeWorker) next(timeout time.Duration) (map[string]any, bool) {
	select {
	case line := <-w.input:
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			return nil, false
		}
		return m, true
	case <-time.After(timeout):
		return nil, false
	}
}

// echo answers every command in order, echoing its session id after delay(sessionID).
func (w *fakeWorker) echo(delay func(session string) time.Duration) {
	go func() {
		for {
			select {
			case line := <-w.input:
				var m map[string]any
				_ = json.Unmarshal([]byte(line), &m)
				session, _ := m["session_id"].(string)
				if delay != nil {
					time.Sleep(delay(session))
				}
				w.reply(map[string]any{"success": true, "session_id": session, "command": m["command"]})
			case <-w.done:
				return
			}
		}
	}()
}

// fakeLauncher hands out fakeWorkers and records each spawn.
type fakeLauncher struct {
	mu       sync.Mutex
	workers  []*fakeWorker
	spawnErr error
	specs    []process.Spec
}

func (l *fakeLauncher) Spawn(_ context.Context, spec process.Spec) (process.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.spawnErr != nil {
		return nil, apperrors.Spawn(spec.Label(), l.spawnErr)
	}
	w := newFakeWorker(1000 + len(l.workers))
	l.workers = append(l.workers, w)
	l.specs = append(l.specs, spec)
	return w, nil
}

func (l *fakeLauncher) worker(i int) *fakeWorker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.workers[i]
}

func (l *fakeLauncher) spawns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.workers)
}

// recordingMetrics counts bridge metric calls.
type recordingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	stale    int
	ready    []bool
}

func (m *recordingMetrics) RecordWorkerRequest(_ context.Context, _ string, outcome string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[outcome]++
}

func (m *recordingMetrics) RecordWorkerQueueDepth(context.Context, int64) {}

func (m *recordingMetrics) RecordWorkerReady(_ context.Context, ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = append(m.ready, ready)
}

func (m *recordingMetrics) RecordWorkerStaleResponse(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale++
}

func (m *recordingMetrics) outcome(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[name]
}
