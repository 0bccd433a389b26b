package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"segmentd/internal/apperrors"
	"segmentd/internal/process"
	"segmentd/internal/testutil"
)

func newTestBridge(t *testing.T, timeout time.Duration) (*Bridge, *fakeLauncher, *recordingMetrics) {
	t.Helper()
	launcher := &fakeLauncher{}
	metrics := &recordingMetrics{}
	b, err := New(context.Background(), launcher, Config{
		Worker:         process.Spec{Name: "sam", Command: "python3", Args: []string{"sam3_service.py"}},
		RequestTimeout: timeout,
		CloseGrace:     100 * time.Millisecond,
	}, metrics)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Close(ctx)
	})
	return b, launcher, metrics
}

type submitResult struct {
	resp Response
	err  error
}

func submitAsync(b *Bridge, ctx context.Context, cmd Command) <-chan submitResult {
	ch := make(chan submitResult, 1)
	go func() {
		resp, err := b.Submit(ctx, cmd)
		ch <- submitResult{resp, err}
	}()
	return ch
}

func waitResult(t *testing.T, ch <-chan submitResult) submitResult {
	t.Helper()
	return testutil.MustReceive(t, ch, testutil.WithTimeout(5*time.Second))
}

func sessionOf(t *testing.T, r submitResult) string {
	t.Helper()
	if r.err != nil {
		t.Fatalf("Submit failed: %v", r.err)
	}
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := r.resp.Decode(&body); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return body.SessionID
}

func TestNew_SpawnError(t *testing.T) {
	launcher := &fakeLauncher{spawnErr: errors.New("executable file not found")}
	_, err := New(context.Background(), launcher, Config{Worker: process.Spec{Command: "missing"}}, nil)
	if !errors.Is(err, apperrors.ErrSpawn) {
		t.Fatalf("err = %v, want ErrSpawn", err)
	}
}

func TestBridge_WaitsForReadiness(t *testing.T) {
	b, launcher, _ := newTestBridge(t, time.Second)
	w := launcher.worker(0)

	if b.IsReady() {
		t.Fatal("bridge ready before readiness signal")
	}
	if err := b.Ready(context.Background()); !errors.Is(err, apperrors.ErrWorkerUnavailable) {
		t.Fatalf("Ready() = %v, want ErrWorkerUnavailable", err)
	}

	res := submitAsync(b, context.Background(), PingCommand{})
	testutil.MustWaitFor(t, func() bool { return b.Stats().QueueDepth == 1 })

	if _, ok := w.next(50 * time.Millisecond); ok {
		t.Fatal("command written before worker was ready")
	}

	w.emitStderr("Loading SAM3 model...")
	w.emit("Using device cuda")
	w.ready()

	cmd, ok := w.next(time.Second)
	if !ok || cmd["command"] != "ping" {
		t.Fatalf("worker received %v, want ping", cmd)
	}
	w.reply(map[string]any{"success": true, "message": "pong"})

	r := waitResult(t, res)
	if r.err != nil || !r.resp.Success {
		t.Fatalf("Submit = %+v, %v", r.resp, r.err)
	}
	if !b.IsReady() {
		t.Error("IsReady() = false after readiness signal")
	}
}

func TestBridge_FIFOOrder(t *testing.T) {
	b, launcher, _ := newTestBridge(t, 5*time.Second)
	w := launcher.worker(0)
	w.ready()
	testutil.MustWaitFor(t, b.IsReady)

	// Later commands finish faster inside the worker; replies must still follow submission order.
	w.echo(func(session string) time.Duration {
		if session == "A" {
			return 30 * time.Millisecond
		}
		return time.Millisecond
	})

	sessions := []string{"A", "B", "C", "D", "E", "F"}
	results := make([]<-chan submitResult, len(sessions))
	for i, s := range sessions {
		results[i] = submitAsync(b, context.Background(), ClearSessionCommand{SessionID: s})
		// Enqueue strictly in order.
		want := uint64(i + 1)
		testutil.MustWaitFor(t, func() bool { return b.Stats().Submitted == want },
			testutil.WithInterval(time.Millisecond))
	}

	for i, s := range sessions {
		if got := sessionOf(t, waitResult(t, results[i])); got != s {
			t.Errorf("caller %s received reply for %s", s, got)
		}
	}
	if w.overlap.Load() {
		t.Error("more than one command was in flight")
	}
}

func TestBridge_ConcurrentSubmitsAreMatched(t *testing.T) {
	b, launcher, _ := newTestBridge(t, 5*time.Second)
	w := launcher.worker(0)
	w.ready()
	w.echo(nil)

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session := fmt.Sprintf("s-%d", i)
			resp, err := b.Submit(context.Background(), ClearSessionCommand{SessionID: session})
			if err != nil {
				errs <- err
				return
			}
			var body struct {
				SessionID string `json:"session_id"`
			}
			_ = resp.Decode(&body)
			if body.SessionID != session {
				errs <- fmt.Errorf("caller %s got reply for %s", session, body.SessionID)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if w.overlap.Load() {
		t.Error("more than one command was in flight")
	}
	if s := b.Stats(); s.Resolved != n || s.QueueDepth != 0 {
		t.Errorf("Stats = %+v, want %d resolved and empty queue", s, n)
	}
}

func TestBridge_TimeoutThenContinues(t *testing.T) {
	b, launcher, metrics := newTestBridge(t, 200*time.Millisecond)
	w := launcher.worker(0)
	w.ready()
	testutil.MustWaitFor(t, b.IsReady)

	// The worker is slow on "slow" and answers everything in order.
	w.echo(func(session string) time.Duration {
		if session == "slow" {
			return 300 * time.Millisecond
		}
		return 0
	})

	slow := submitAsync(b, context.Background(), ClearSessionCommand{SessionID: "slow"})
	testutil.MustWaitFor(t, func() bool { return b.Stats().Dispatched })
	next := submitAsync(b, context.Background(), ClearSessionCommand{SessionID: "next"})

	r := waitResult(t, slow)
	if !errors.Is(r.err, apperrors.ErrRequestTimeout) {
		t.Fatalf("slow err = %v, want ErrRequestTimeout", r.err)
	}
	if errors.Is(r.err, apperrors.ErrWorkerUnavailable) {
		t.Fatal("timeout must be distinguishable from worker unavailable")
	}

	// The late reply to "slow" is discarded; "next" receives its own reply.
	if got := sessionOf(t, waitResult(t, next)); got != "next" {
		t.Fatalf("next received reply for %q", got)
	}

	s := b.Stats()
	if s.TimedOut != 1 || s.Stale != 1 {
		t.Errorf("Stats = %+v, want 1 timed out and 1 stale", s)
	}
	if metrics.outcome(OutcomeTimeout) != 1 || metrics.outcome(OutcomeOK) != 1 {
		t.Errorf("outcomes = %v", metrics.outcomes)
	}
	if launcher.spawns() != 1 {
		t.Errorf("spawns = %d, timeout must not restart the worker", launcher.spawns())
	}
}

func TestBridge_WorkerExitFailsAllPending(t *testing.T) {
	b, launcher, _ := newTestBridge(t, 5*time.Second)
	w := launcher.worker(0)
	w.ready()
	testutil.MustWaitFor(t, b.IsReady)

	const k = 3
	results := make([]<-chan submitResult, k)
	for i := range k {
		results[i] = submitAsync(b, context.Background(), ClearSessionCommand{SessionID: fmt.Sprint(i)})
	}
	testutil.MustWaitFor(t, func() bool { return b.Stats().QueueDepth == k })

	w.exit(1)

	for i := range k {
		r := waitResult(t, results[i])
		if !errors.Is(r.err, apperrors.ErrWorkerUnavailable) {
			t.Errorf("request %d err = %v, want ErrWorkerUnavailable", i, r.err)
		}
	}

	s := b.Stats()
	if s.QueueDepth != 0 || s.Alive || s.Ready {
		t.Errorf("Stats = %+v, want empty queue and dead worker", s)
	}
	if s.LastExit != "exit code 1" {
		t.Errorf("LastExit = %q", s.LastExit)
	}
	if b.IsReady() {
		t.Error("IsReady() = true after exit")
	}

	// No auto-respawn; new commands fail immediately.
	_, err := b.Submit(context.Background(), PingCommand{})
	if !errors.Is(err, apperrors.ErrWorkerUnavailable) {
		t.Errorf("Submit after exit = %v, want ErrWorkerUnavailable", err)
	}
	if launcher.spawns() != 1 {
		t.Errorf("spawns = %d, want 1", launcher.spawns())
	}
}

func TestBridge_ResponseBeforeExitIsDelivered(t *testing.T) {
	b, launcher, _ := newTestBridge(t, 5*time.Second)
	w := launcher.worker(0)
	w.ready()
	testutil.MustWaitFor(t, b.IsReady)

	res := submitAsync(b, context.Background(), PingCommand{})
	if _, ok := w.next(time.Second); !ok {
		t.Fatal("ping not dispatched")
	}
	w.reply(map[string]any{"success": true, "message": "pong"})
	w.exit(0)

	if r := waitResult(t, res); r.err != nil {
		t.Fatalf("Submit = %v, want reply written before exit", r.err)
	}
}

func TestBridge_Restart(t *testing.T) {
	b, launcher, _ := newTestBridge(t, 5*time.Second)
	w := launcher.worker(0)
	w.ready()
	testutil.MustWaitFor(t, b.IsReady)

	if err := b.Restart(context.Background()); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("Restart while running = %v, want ErrConflict", err)
	}

	w.exit(2)
	testutil.MustWaitFor(t, func() bool { return !b.Stats().Alive })

	if err := b.Restart(context.Background()); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if launcher.spawns() != 2 {
		t.Fatalf("spawns = %d, want 2", launcher.spawns())
	}

	w2 := launcher.worker(1)
	w2.ready()
	w2.echo(nil)
	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("Ping after restart failed: %v", err)
	}
	if s := b.Stats(); s.Restarts != 1 || s.PID != w2.PID() {
		t.Errorf("Stats = %+v", s)
	}
}

func TestBridge_CancelQueuedRequest(t *testing.T) {
	b, launcher, metrics := newTestBridge(t, 5*time.Second)
	w := launcher.worker(0)
	w.ready()
	testutil.MustWaitFor(t, b.IsReady)

	first := submitAsync(b, context.Background(), ClearSessionCommand{SessionID: "first"})
	if _, ok := w.next(time.Second); !ok {
		t.Fatal("first command not dispatched")
	}

	ctx, cancel := context.WithCancel(context.Background())
	second := submitAsync(b, ctx, ClearSessionCommand{SessionID: "second"})
	testutil.MustWaitFor(t, func() bool { return b.Stats().QueueDepth == 2 })

	cancel()
	if r := waitResult(t, second); !errors.Is(r.err, context.Canceled) {
		t.Fatalf("cancelled err = %v, want context.Canceled", r.err)
	}
	testutil.MustWaitFor(t, func() bool { return b.Stats().QueueDepth == 1 })

	w.reply(map[string]any{"success": true, "session_id": "first"})
	if got := sessionOf(t, waitResult(t, first)); got != "first" {
		t.Fatalf("first received %q", got)
	}
	if cmd, ok := w.next(50 * time.Millisecond); ok {
		t.Fatalf("cancelled command was dispatched: %v", cmd)
	}
	if metrics.outcome(OutcomeCancelled) != 1 {
		t.Errorf("cancelled outcomes = %d, want 1", metrics.outcome(OutcomeCancelled))
	}
}

func TestBridge_DuplicateReadinessAndNoise(t *testing.T) {
	b, launcher, _ := newTestBridge(t, 5*time.Second)
	w := launcher.worker(0)
	w.ready()
	w.ready()
	w.emit("not json at all")
	w.emit("[1, 2, 3]")
	w.echo(nil)

	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if s := b.Stats(); s.Stale != 0 {
		t.Errorf("Stale = %d, noise must not count as a reply", s.Stale)
	}
}

func TestBridge_UnmatchedReplyIsDiscarded(t *testing.T) {
	b, launcher, _ := newTestBridge(t, 5*time.Second)
	w := launcher.worker(0)
	w.ready()
	w.emit(`{"success": true, "session_id": "ghost"}`)
	testutil.MustWaitFor(t, func() bool { return b.Stats().Stale == 1 })

	w.echo(nil)
	resp, err := b.Submit(context.Background(), ClearSessionCommand{SessionID: "real"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := sessionOf(t, submitResult{resp: resp}); got != "real" {
		t.Errorf("received reply for %q", got)
	}
}

func TestBridge_WriteFailureIsUnavailable(t *testing.T) {
	b, launcher, _ := newTestBridge(t, 5*time.Second)
	w := launcher.worker(0)
	w.mu.Lock()
	w.writeErr = apperrors.BrokenPipe(w.pid, errors.New("broken pipe"))
	w.mu.Unlock()
	w.ready()

	_, err := b.Submit(context.Background(), PingCommand{})
	if !errors.Is(err, apperrors.ErrWorkerUnavailable) {
		t.Fatalf("err = %v, want ErrWorkerUnavailable", err)
	}
}

func TestBridge_ValidationRejectedBeforeQueue(t *testing.T) {
	b, _, _ := newTestBridge(t, time.Second)

	_, err := b.Submit(context.Background(), PredictClickCommand{SessionID: "s"})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if s := b.Stats(); s.Submitted != 0 {
		t.Errorf("Submitted = %d, invalid commands must not be queued", s.Submitted)
	}
}

func TestBridge_Close(t *testing.T) {
	b, launcher, _ := newTestBridge(t, 5*time.Second)
	w := launcher.worker(0)
	w.ready()
	testutil.MustWaitFor(t, b.IsReady)

	pending := submitAsync(b, context.Background(), PingCommand{})
	testutil.MustWaitFor(t, func() bool { return b.Stats().Dispatched })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if r := waitResult(t, pending); !errors.Is(r.err, apperrors.ErrWorkerUnavailable) {
		t.Errorf("pending err = %v, want ErrWorkerUnavailable", r.err)
	}
	select {
	case <-w.Done():
	default:
		t.Error("worker still running after Close")
	}
	if _, err := b.Submit(context.Background(), PingCommand{}); !errors.Is(err, apperrors.ErrWorkerUnavailable) {
		t.Errorf("Submit after Close = %v, want ErrWorkerUnavailable", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Errorf("second Close = %v", err)
	}
}
