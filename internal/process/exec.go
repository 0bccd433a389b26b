package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"segmentd/internal/apperrors"
)

// defaultWaitDelay bounds how long output copying may continue after the
// process exited (e.g. when a grandchild still holds the pipes open).
const defaultWaitDelay = 5 * time.Second

// ExecLauncher spawns local OS processes.
type ExecLauncher struct {
	WaitDelay time.Duration
	logger    *slog.Logger
}

// NewExecLauncher creates a launcher for local processes.
func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{
		WaitDelay: defaultWaitDelay,
		logger:    slog.With("component", "process"),
	}
}

// Spawn starts the process described by spec. The context is only used for
// the spawn itself; the process outlives it.
func (l *ExecLauncher) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if spec.Command == "" {
		return nil, apperrors.Validation("command", "command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Spawn(spec.Label(), err)
	}

	path, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, apperrors.Spawn(spec.Label(), err)
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}
	configureCommand(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.Spawn(spec.Label(), err)
	}
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return nil, apperrors.Spawn(spec.Label(), err)
	}

	p := &execProcess{
		cmd:   cmd,
		stdin: stdin,
		lines: NewLineChannel(),
		done:  make(chan struct{}),
	}

	l.logger.Info("Process started", "name", spec.Label(), "pid", cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Add(2)
	go ForwardLines(stdoutR, Stdout, p.lines, &wg)
	go ForwardLines(stderrR, Stderr, p.lines, &wg)

	go func() {
		waitErr := cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		wg.Wait()

		p.mu.Lock()
		p.status = exitStatusOf(cmd.ProcessState, waitErr)
		p.inputClosed = true
		p.mu.Unlock()

		l.logger.Info("Process exited", "name", spec.Label(), "pid", cmd.Process.Pid, "status", p.status.String())
		close(p.lines)
		close(p.done)
	}()

	return p, nil
}

// mergeEnv overlays extra on base, with extra taking precedence.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[k]; !overridden {
			env = append(env, kv)
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan Line
	done  chan struct{}

	mu          sync.Mutex
	inputClosed bool
	status      ExitStatus
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) WriteLine(text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return apperrors.Validation("line", "line must not contain newlines")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inputClosed {
		return apperrors.BrokenPipe(p.PID(), os.ErrClosed)
	}
	if _, err := io.WriteString(p.stdin, text+"\n"); err != nil {
		return apperrors.BrokenPipe(p.PID(), err)
	}
	return nil
}

func (p *execProcess) CloseInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inputClosed {
		return nil
	}
	p.inputClosed = true
	return p.stdin.Close()
}

func (p *execProcess) Lines() <-chan Line {
	return p.lines
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *execProcess) Terminate() error {
	return p.signal(terminateSignal)
}

func (p *execProcess) Kill() error {
	return p.signal(os.Kill)
}

func (p *execProcess) signal(sig os.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := signalProcess(p.cmd.Process, sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

var _ Launcher = (*ExecLauncher)(nil)
