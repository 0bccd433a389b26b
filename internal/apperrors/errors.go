// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")

	// Process supervision.
	ErrSpawn      = errors.New("process could not be spawned")
	ErrBrokenPipe = errors.New("process input closed")

	// Interactive worker.
	ErrRequestTimeout    = errors.New("worker request timed out")
	ErrWorkerUnavailable = errors.New("worker unavailable")
	ErrCommandFailed     = errors.New("worker command failed")

	// Training jobs. Both are precondition violations and also match ErrConflict.
	ErrJobAlreadyRunning = fmt.Errorf("%w: job already running", ErrConflict)
	ErrNoJobRunning      = fmt.Errorf("%w: no job running", ErrConflict)
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "epochs", "command")
	Resource string // For not found/conflict (e.g., "training job")
	Op       string // Operation that failed (e.g., "process.spawn")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Spawn reports that a child process could not be created.
func Spawn(name string, cause error) error {
	return &Error{
		Sentinel: ErrSpawn,
		Message:  fmt.Sprintf("spawn %s: %v", name, cause),
		Op:       "process.spawn",
		Cause:    cause,
	}
}

// BrokenPipe reports a write to a process whose input is no longer open.
func BrokenPipe(pid int, cause error) error {
	return &Error{
		Sentinel: ErrBrokenPipe,
		Message:  fmt.Sprintf("write to process %d: %v", pid, cause),
		Op:       "process.write",
		Cause:    cause,
	}
}

// RequestTimeout reports a worker command that received no response in time.
func RequestTimeout(command string, after time.Duration) error {
	return &Error{
		Sentinel: ErrRequestTimeout,
		Message:  fmt.Sprintf("%s: no worker response within %s", command, after),
		Op:       "bridge.submit",
	}
}

// WorkerUnavailable reports that the worker process is not running.
func WorkerUnavailable(reason string) error {
	return &Error{
		Sentinel: ErrWorkerUnavailable,
		Message:  "worker unavailable: " + reason,
		Op:       "bridge.submit",
	}
}

// CommandFailed reports an in-band failure returned by the worker.
func CommandFailed(command, reason string) error {
	return &Error{
		Sentinel: ErrCommandFailed,
		Message:  fmt.Sprintf("%s failed: %s", command, reason),
		Op:       "bridge." + command,
	}
}

// JobAlreadyRunning rejects a start while a job for key is running.
func JobAlreadyRunning(key string) error {
	return &Error{
		Sentinel: ErrJobAlreadyRunning,
		Message:  fmt.Sprintf("training job for %s is already running", key),
		Resource: "training job",
	}
}

// NoJobRunning rejects a stop when nothing is running for key.
func NoJobRunning(key string) error {
	return &Error{
		Sentinel: ErrNoJobRunning,
		Message:  fmt.Sprintf("no training job running for %s", key),
		Resource: "training job",
	}
}
