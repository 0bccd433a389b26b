//go:build !unix

package process

import (
	"errors"
	"os"
	"os/exec"
)

var terminateSignal = os.Kill

func configureCommand(cmd *exec.Cmd) {}

func signalProcess(p *os.Process, sig os.Signal) error {
	return p.Signal(sig)
}

func exitStatusOf(state *os.ProcessState, waitErr error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Err: waitErr}
	}
	status := ExitStatus{Code: state.ExitCode()}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		status.Err = waitErr
	}
	return status
}
