package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestValidation(t *testing.T) {
	t.Parallel()
	err := Validation("epochs", "epochs must be positive")

	if !errors.Is(err, ErrValidation) {
		t.Error("expected error to match ErrValidation")
	}
	if err.Error() != "epochs must be positive" {
		t.Errorf("expected message 'epochs must be positive', got %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Field != "epochs" {
		t.Errorf("expected field 'epochs', got %q", appErr.Field)
	}
}

func TestSpawn(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("executable file not found in $PATH")
	err := Spawn("python3", cause)

	if !errors.Is(err, ErrSpawn) {
		t.Error("expected error to match ErrSpawn")
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Cause != cause {
		t.Error("expected cause to be preserved")
	}
	if appErr.Op != "process.spawn" {
		t.Errorf("expected op 'process.spawn', got %q", appErr.Op)
	}
}

func TestTimeoutAndUnavailableAreDistinct(t *testing.T) {
	t.Parallel()
	timeout := RequestTimeout("predict_click", 60*time.Second)
	down := WorkerUnavailable("worker exited")

	if !errors.Is(timeout, ErrRequestTimeout) || errors.Is(timeout, ErrWorkerUnavailable) {
		t.Errorf("timeout misclassified: %v", timeout)
	}
	if !errors.Is(down, ErrWorkerUnavailable) || errors.Is(down, ErrRequestTimeout) {
		t.Errorf("unavailable misclassified: %v", down)
	}
	if timeout.Error() != "predict_click: no worker response within 1m0s" {
		t.Errorf("unexpected message: %q", timeout.Error())
	}
}

func TestJobPreconditionsAreConflicts(t *testing.T) {
	t.Parallel()
	running := JobAlreadyRunning("proj-1")
	idle := NoJobRunning("proj-1")

	if !errors.Is(running, ErrJobAlreadyRunning) || !errors.Is(running, ErrConflict) {
		t.Errorf("expected JobAlreadyRunning to match both sentinels: %v", running)
	}
	if !errors.Is(idle, ErrNoJobRunning) || !errors.Is(idle, ErrConflict) {
		t.Errorf("expected NoJobRunning to match both sentinels: %v", idle)
	}
	if errors.Is(running, ErrNoJobRunning) {
		t.Error("JobAlreadyRunning must not match ErrNoJobRunning")
	}
}

func TestInternal(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("disk full")
	err := Internal("training.mkdir", cause)

	if !errors.Is(err, ErrInternal) {
		t.Error("expected error to match ErrInternal")
	}
	if err.Error() != "training.mkdir: disk full" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", Validation("id", "required"), http.StatusBadRequest},
		{"not found", NotFound("job", "123"), http.StatusNotFound},
		{"conflict", Conflict("job", "123", "exists"), http.StatusConflict},
		{"already running", JobAlreadyRunning("p"), http.StatusConflict},
		{"no job running", NoJobRunning("p"), http.StatusConflict},
		{"timeout", RequestTimeout("ping", time.Second), http.StatusGatewayTimeout},
		{"unavailable", WorkerUnavailable("exited"), http.StatusServiceUnavailable},
		{"broken pipe", BrokenPipe(42, fmt.Errorf("closed")), http.StatusServiceUnavailable},
		{"command failed", CommandFailed("load_image", "bad path"), http.StatusUnprocessableEntity},
		{"spawn", Spawn("python3", fmt.Errorf("missing")), http.StatusInternalServerError},
		{"internal", Internal("op", fmt.Errorf("fail")), http.StatusInternalServerError},
		{"wrapped validation", fmt.Errorf("wrap: %w", Validation("f", "m")), http.StatusBadRequest},
		{"unknown error", fmt.Errorf("unknown"), http.StatusInternalServerError},
		{"nil error", nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HTTPStatus(tt.err)
			if got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}
