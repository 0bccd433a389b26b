// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"maps"
	"sync"
	"time"
)

// ReadinessChecker is the interface for readiness checks.
// Implemented by the worker bridge and the container launcher.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// ReadinessFunc adapts a function to ReadinessChecker.
type ReadinessFunc func(ctx context.Context) error

// Ready implements ReadinessChecker.
func (f ReadinessFunc) Ready(ctx context.Context) error { return f(ctx) }

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

type check struct {
	name     string
	checker  ReadinessChecker
	optional bool
}

// Checker performs health checks on dependencies.
type Checker struct {
	checks  []check
	timeout time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a new health checker with no dependencies registered.
func NewChecker() *Checker {
	return &Checker{
		timeout: 5 * time.Second,
	}
}

// Require registers a dependency whose failure makes the service unready.
func (c *Checker) Require(name string, checker ReadinessChecker) *Checker {
	c.checks = append(c.checks, check{name: name, checker: checker})
	return c
}

// Optional registers a dependency whose failure only degrades the service.
func (c *Checker) Optional(name string, checker ReadinessChecker) *Checker {
	c.checks = append(c.checks, check{name: name, checker: checker, optional: true})
	return c
}

// Liveness returns true if the service is alive.
// This should be a lightweight check that doesn't depend on external services.
// Failing this probe should trigger a container restart.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks if the service is ready to accept traffic.
// Required checks failing make it unhealthy, optional ones degraded.
// Failing this probe should remove the instance from load balancer rotation.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	// Return unhealthy immediately if shutting down
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	// Use cached result if recent (avoid hammering the worker and daemon)
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	if len(c.checks) == 0 {
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"config": {Status: StatusUnhealthy, Message: "no readiness checks configured"},
			},
		}
	}

	checks := make(map[string]CheckResult, len(c.checks))
	overallStatus := StatusHealthy
	for _, chk := range c.checks {
		result := c.run(ctx, chk.checker)
		if result.Status != StatusHealthy {
			if chk.optional {
				result.Status = StatusDegraded
				if overallStatus == StatusHealthy {
					overallStatus = StatusDegraded
				}
			} else {
				overallStatus = StatusUnhealthy
			}
		}
		checks[chk.name] = result
	}

	response := &Response{
		Status: overallStatus,
		Checks: checks,
	}

	// Cache the result
	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return cloneResponse(response)
}

// run executes one readiness check under the checker timeout.
func (c *Checker) run(ctx context.Context, checker ReadinessChecker) CheckResult {
	if checker == nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := checker.Ready(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}

	return CheckResult{
		Status: StatusHealthy,
	}
}

func cloneResponse(r *Response) *Response {
	return &Response{Status: r.Status, Checks: maps.Clone(r.Checks)}
}

// IsReady reports whether the service should receive traffic.
// A degraded service is still ready.
func (r *Response) IsReady() bool {
	return r.Status == StatusHealthy || r.Status == StatusDegraded
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil // Clear cache to ensure immediate effect
}
