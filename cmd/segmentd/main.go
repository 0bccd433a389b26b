// segmentd is the HTTP service that fronts the interactive segmentation
// worker and runs training jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"segmentd/internal/api"
	"segmentd/internal/bridge"
	"segmentd/internal/config"
	"segmentd/internal/health"
	"segmentd/internal/notify"
	"segmentd/internal/observability"
	"segmentd/internal/process"
	"segmentd/internal/process/docker"
	"segmentd/internal/training"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg, err := config.LoadServiceConfig()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(svcCfg.LogLevel),
	})))

	if len(svcCfg.WorkerCommand) == 0 || len(svcCfg.TrainerCommand) == 0 {
		return errors.New("WORKER_COMMAND and TRAINER_COMMAND must not be empty")
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Start the interactive worker
	worker, err := bridge.New(ctx, process.NewExecLauncher(), bridge.Config{
		Worker: process.Spec{
			Name:    "worker",
			Command: svcCfg.WorkerCommand[0],
			Args:    svcCfg.WorkerCommand[1:],
			Env:     svcCfg.WorkerEnv,
			Dir:     svcCfg.WorkerDir,
		},
		RequestTimeout: svcCfg.WorkerRequestTimeout,
	}, metrics)
	if err != nil {
		return err
	}

	// A round trip through the queue; slow while a long command is in flight.
	healthChecker := health.NewChecker().
		Require("worker", worker).
		Optional("worker-ping", health.ReadinessFunc(worker.Ping))

	// Pick the training backend
	var trainerLauncher process.Launcher = process.NewExecLauncher()
	switch svcCfg.TrainingRuntime {
	case "exec":
	case "docker":
		containers, err := docker.NewLauncher(docker.LoadConfigFromEnv())
		if err != nil {
			closeWorker(worker)
			return err
		}
		defer containers.Close()
		trainerLauncher = containers
		healthChecker.Optional("docker", containers)
		slog.Info("Training jobs run in containers")
	default:
		closeWorker(worker)
		return fmt.Errorf("unknown TRAINING_RUNTIME %q (want exec or docker)", svcCfg.TrainingRuntime)
	}

	// Optional lifecycle webhooks
	var (
		observer training.Observer
		notifier *notify.Dispatcher
	)
	if svcCfg.TrainingCallbackURL != "" {
		notifyCfg := notify.LoadConfigFromEnv()
		notifyCfg.URL = svcCfg.TrainingCallbackURL
		notifyCfg.SigningKey = svcCfg.TrainingCallbackKey
		notifier = notify.NewDispatcher(notifyCfg, metrics)
		observer = notifier
	}

	manager, err := training.NewManager(trainerLauncher, training.ManagerConfig{
		Command:     svcCfg.TrainerCommand,
		OutputRoot:  svcCfg.TrainingOutputRoot,
		LogCapacity: svcCfg.TrainingLogCapacity,
		StopGrace:   svcCfg.TrainingStopGrace,
	}, observer, metrics)
	if err != nil {
		closeWorker(worker)
		return err
	}

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Worker:        worker,
		Trainer:       manager,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server. WriteTimeout covers worker commands that wait out the
	// request timeout and stop calls that wait out the stop grace.
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: max(svcCfg.WorkerRequestTimeout, svcCfg.TrainingStopGrace) + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)

		// Phase 1: Mark service as unhealthy for load balancer draining
		healthChecker.SetShuttingDown()

		// Wait for load balancers to stop sending traffic
		if svcCfg.ShutdownDrainWait > 0 {
			slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
			time.Sleep(svcCfg.ShutdownDrainWait)
		}

		// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
		slog.Info("Starting graceful shutdown")
		shutdown(25 * time.Second)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		runErr = err
	}

	// Phase 3: Stop child processes. Training jobs are owned by this service
	// and do not outlive it.
	slog.Info("Stopping training jobs")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), svcCfg.TrainingStopGrace+10*time.Second)
	defer stopCancel()
	if err := manager.Shutdown(stopCtx); err != nil {
		slog.Warn("Training shutdown error", "error", err)
	}

	closeWorker(worker)

	// Phase 4: Drain webhook notifications, exit events included
	if notifier != nil {
		slog.Info("Draining notifier")
		notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer notifyCancel()
		if err := notifier.Close(notifyCtx); err != nil {
			slog.Warn("Notifier shutdown error", "error", err)
		}

		stats := notifier.Stats()
		slog.Info("Notifier stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	slog.Info("Shutdown complete")
	return runErr
}

// closeWorker closes the worker's stdin and waits for it to exit.
func closeWorker(worker *bridge.Bridge) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := worker.Close(ctx); err != nil {
		slog.Warn("Worker shutdown error", "error", err)
	}
	stats := worker.Stats()
	slog.Info("Worker stats",
		"resolved", stats.Resolved,
		"timedOut", stats.TimedOut,
		"unavailable", stats.Unavailable,
		"staleResponses", stats.Stale,
	)
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
