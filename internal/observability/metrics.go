package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests, worker commands and training runs take
// - Traffic: Request and command throughput
// - Errors: Rate of failures and timeouts
// - Saturation: Worker queue depth and active training jobs
//
// Metrics implements the recorder interfaces of the bridge, training and
// notify packages.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Worker metrics (Latency, Traffic, Errors, Saturation)
	WorkerRequestDuration metric.Float64Histogram
	WorkerRequestsTotal   metric.Int64Counter
	WorkerQueueDepth      metric.Int64Gauge
	WorkerReady           metric.Int64Gauge
	WorkerStaleResponses  metric.Int64Counter

	// Training metrics (Latency, Traffic, Errors, Saturation)
	TrainingDuration      metric.Float64Histogram
	TrainingJobsTotal     metric.Int64Counter
	TrainingFailuresTotal metric.Int64Counter
	TrainingJobsActive    metric.Int64UpDownCounter

	// Notify metrics (Latency, Traffic, Errors)
	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("segmentd")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Worker metrics
	m.WorkerRequestDuration, err = meter.Float64Histogram(
		"worker_request_duration_seconds",
		metric.WithDescription("Worker command latency in seconds, queueing included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WorkerRequestsTotal, err = meter.Int64Counter(
		"worker_requests_total",
		metric.WithDescription("Total worker commands by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WorkerQueueDepth, err = meter.Int64Gauge(
		"worker_queue_depth",
		metric.WithDescription("Commands waiting for or holding the worker (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WorkerReady, err = meter.Int64Gauge(
		"worker_ready",
		metric.WithDescription("1 when the worker has signalled readiness and is alive"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WorkerStaleResponses, err = meter.Int64Counter(
		"worker_stale_responses_total",
		metric.WithDescription("Worker responses discarded after their request timed out"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Training metrics
	m.TrainingDuration, err = meter.Float64Histogram(
		"training_job_duration_seconds",
		metric.WithDescription("Training job duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 300, 600, 1800, 3600, 7200, 14400, 43200),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TrainingJobsTotal, err = meter.Int64Counter(
		"training_jobs_total",
		metric.WithDescription("Total number of training jobs started"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TrainingFailuresTotal, err = meter.Int64Counter(
		"training_job_failures_total",
		metric.WithDescription("Total number of failed training jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TrainingJobsActive, err = meter.Int64UpDownCounter(
		"training_jobs_active",
		metric.WithDescription("Number of currently running training jobs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notify metrics
	m.NotifyDuration, err = meter.Float64Histogram(
		"notify_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds, retries included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDelivered, err = meter.Int64Counter(
		"notify_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyFailed, err = meter.Int64Counter(
		"notify_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDropped, err = meter.Int64Counter(
		"notify_dropped_total",
		metric.WithDescription("Total events dropped because the buffer was full"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordWorkerRequest records one resolved worker command.
func (m *Metrics) RecordWorkerRequest(ctx context.Context, command, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(commandAttr(command), outcomeAttr(outcome))
	m.WorkerRequestsTotal.Add(ctx, 1, attrs)
	m.WorkerRequestDuration.Record(ctx, durationSeconds, metric.WithAttributes(commandAttr(command)))
}

// RecordWorkerQueueDepth records the current number of pending commands.
func (m *Metrics) RecordWorkerQueueDepth(ctx context.Context, depth int64) {
	m.WorkerQueueDepth.Record(ctx, depth)
}

// RecordWorkerReady records worker readiness.
func (m *Metrics) RecordWorkerReady(ctx context.Context, ready bool) {
	var v int64
	if ready {
		v = 1
	}
	m.WorkerReady.Record(ctx, v)
}

// RecordWorkerStaleResponse records a discarded late response.
func (m *Metrics) RecordWorkerStaleResponse(ctx context.Context) {
	m.WorkerStaleResponses.Add(ctx, 1)
}

// RecordTrainingStarted records a training job entering running.
func (m *Metrics) RecordTrainingStarted(ctx context.Context) {
	m.TrainingJobsTotal.Add(ctx, 1)
	m.TrainingJobsActive.Add(ctx, 1)
}

// RecordTrainingFinished records a training job reaching a terminal status.
func (m *Metrics) RecordTrainingFinished(ctx context.Context, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(finalStatusAttr(status))
	m.TrainingDuration.Record(ctx, durationSeconds, attrs)
	m.TrainingJobsActive.Add(ctx, -1)

	if status == "failed" {
		m.TrainingFailuresTotal.Add(ctx, 1)
	}
}

// RecordNotifyDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a failed event delivery.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped event.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}
