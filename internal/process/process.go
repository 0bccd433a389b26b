// Package process supervises external child processes with line-oriented I/O.
//
// It spawns a command, exposes its output streams as a channel of lines, accepts
// one line at a time on its input and reports exit status. It carries no
// recovery policy: retries, restarts and timeouts belong to callers.
package process

import (
	"context"
	"fmt"
)

// Stream identifies the output stream a line was read from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one newline-delimited line of process output, without the terminator.
type Line struct {
	Stream Stream
	Text   string
}

// Spec describes a process to spawn.
type Spec struct {
	Name    string            // label used in logs (defaults to Command)
	Command string            // executable name or path
	Args    []string          // arguments, excluding the executable
	Env     map[string]string // added on top of the supervisor's environment
	Dir     string            // working directory (empty = current)
}

// Label returns a display name for the spec.
func (s Spec) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Command
}

// ExitStatus describes how a process terminated.
type ExitStatus struct {
	Code   int    // exit code, -1 if killed by a signal or unknown
	Signal string // terminating signal name, empty if the process exited normally
	Err    error  // wait error not explained by the exit code, if any
}

// Success reports a clean zero exit.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == ""
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "signal: " + s.Signal
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Process is a running child process.
//
// Lines must be drained by the owner: output is not buffered without bound and
// an unread channel eventually blocks the child on write. The Lines channel is
// closed only after the process has exited and both streams are fully read, so
// a closed channel implies ExitStatus is final.
type Process interface {
	// PID returns an identifier for logs (OS pid, or a container-derived id).
	PID() int

	// WriteLine writes text plus a trailing newline to the process input.
	// Returns an apperrors.ErrBrokenPipe error once the input is closed or the process exited.
	WriteLine(text string) error

	// CloseInput closes the process input stream.
	CloseInput() error

	// Lines returns the merged stdout/stderr line stream.
	Lines() <-chan Line

	// Done is closed after the process exited and its output was drained.
	Done() <-chan struct{}

	// ExitStatus returns the final status. Only meaningful after Done is closed.
	ExitStatus() ExitStatus

	// Terminate asks the process to exit (SIGTERM).
	Terminate() error

	// Kill forcibly terminates the process (SIGKILL).
	Kill() error
}

// Launcher spawns processes. Spawn fails with an apperrors.ErrSpawn error when
// the executable cannot be located or started.
type Launcher interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// Wait blocks until p exits or ctx is done.
func Wait(ctx context.Context, p Process) (ExitStatus, error) {
	select {
	case <-p.Done():
		return p.ExitStatus(), nil
	case <-ctx.Done():
		return ExitStatus{Code: -1}, ctx.Err()
	}
}
