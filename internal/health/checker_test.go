package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker()

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_NoChecks(t *testing.T) {
	t.Parallel()
	checker := NewChecker()

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
	if _, ok := response.Checks["config"]; !ok {
		t.Fatal("Expected config check to be present")
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	ok := ReadinessFunc(func(context.Context) error { return nil })
	down := ReadinessFunc(func(context.Context) error { return errors.New("worker not ready") })

	tests := []struct {
		name    string
		checker *Checker
		want    Status
		ready   bool
	}{
		{"all healthy", NewChecker().Require("worker", ok).Optional("docker", ok), StatusHealthy, true},
		{"required down", NewChecker().Require("worker", down).Optional("docker", ok), StatusUnhealthy, false},
		{"optional down", NewChecker().Require("worker", ok).Optional("docker", down), StatusDegraded, true},
		{"both down", NewChecker().Require("worker", down).Optional("docker", down), StatusUnhealthy, false},
		{"nil checker", NewChecker().Require("worker", nil), StatusUnhealthy, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := tt.checker.Readiness(context.Background())
			if response.Status != tt.want {
				t.Errorf("Status = %s, want %s (checks %v)", response.Status, tt.want, response.Checks)
			}
			if response.IsReady() != tt.ready {
				t.Errorf("IsReady() = %v, want %v", response.IsReady(), tt.ready)
			}
		})
	}
}

func TestChecker_Readiness_Message(t *testing.T) {
	t.Parallel()
	checker := NewChecker().Require("worker", ReadinessFunc(func(context.Context) error {
		return errors.New("worker exited")
	}))

	response := checker.Readiness(context.Background())

	if got := response.Checks["worker"]; got.Status != StatusUnhealthy || got.Message != "worker exited" {
		t.Errorf("worker check = %+v", got)
	}
}

func TestChecker_Readiness_Cached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	checker := NewChecker().Require("worker", ReadinessFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())

	if calls.Load() != 1 {
		t.Errorf("checks ran %d times, want 1 within the cache window", calls.Load())
	}
}

func TestChecker_SetShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker().Require("worker", ReadinessFunc(func(context.Context) error { return nil }))
	checker.Readiness(context.Background())

	checker.SetShuttingDown()
	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy after shutdown, got %s", response.Status)
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("Expected shutdown check to be present")
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
