// Package api provides the HTTP API handlers and routing for segmentd.
//
// Handlers translate requests into calls on the worker bridge and the training
// manager and map their errors with apperrors.HTTPStatus. Request validation
// lives in those components, not here.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"segmentd/internal/apperrors"
	"segmentd/internal/bridge"
	"segmentd/internal/health"
	"segmentd/internal/training"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Worker is the interactive worker surface used by the handlers.
type Worker interface {
	Submit(ctx context.Context, cmd bridge.Command) (bridge.Response, error)
	Stats() bridge.Stats
	Restart(ctx context.Context) error
}

// Trainer is the training job surface used by the handlers.
type Trainer interface {
	Start(ctx context.Context, key string, cfg training.Config) (string, error)
	Status(key string) training.Job
	Logs(key string, limit int) []training.LogEntry
	Stop(ctx context.Context, key string) error
	Clear(key string) bool
	List() []training.Job
	Artifacts(key string) ([]training.Artifact, error)
	Artifact(key, format string) (training.Artifact, error)
	Infer(ctx context.Context, req training.InferRequest) (*training.InferResult, error)
}

// Handler contains HTTP handlers for the segmentd API
type Handler struct {
	worker  Worker
	trainer Trainer
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(worker Worker, trainer Trainer, healthChecker *health.Checker) *Handler {
	return &Handler{
		worker:  worker,
		trainer: trainer,
		health:  healthChecker,
	}
}

// SubmitCommand handles POST /v1/worker/commands.
// The worker's reply is returned verbatim; success:false replies use 422.
func (h *Handler) SubmitCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	cmd, err := bridge.DecodeCommand(raw)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp, err := h.worker.Submit(r.Context(), cmd)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	status := http.StatusOK
	if !resp.Success {
		status = http.StatusUnprocessableEntity
	}
	h.writeJSON(w, status, resp)
}

// WorkerStats handles GET /v1/worker
func (h *Handler) WorkerStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.worker.Stats())
}

// RestartWorker handles POST /v1/worker/restart
func (h *Handler) RestartWorker(w http.ResponseWriter, r *http.Request) {
	if err := h.worker.Restart(r.Context()); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, h.worker.Stats())
}

// StartTraining handles POST /v1/projects/{key}/training
func (h *Handler) StartTraining(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var cfg training.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	key := chi.URLParam(r, "key")
	if _, err := h.trainer.Start(r.Context(), key, cfg); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, h.trainer.Status(key))
}

// GetTraining handles GET /v1/projects/{key}/training
func (h *Handler) GetTraining(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.trainer.Status(chi.URLParam(r, "key")))
}

// ListTraining handles GET /v1/projects
func (h *Handler) ListTraining(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": h.trainer.List()})
}

// TrainingLogs handles GET /v1/projects/{key}/training/logs?limit=N.
// Without a limit every retained entry is returned.
func (h *Handler) TrainingLogs(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var limit int
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	} else {
		limit = h.trainer.Status(key).LogCount
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"key":  key,
		"logs": h.trainer.Logs(key, limit),
	})
}

// StopTraining handles POST /v1/projects/{key}/training/stop.
// It returns once the job is finalized.
func (h *Handler) StopTraining(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.trainer.Stop(r.Context(), key); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.trainer.Status(key))
}

// ClearTraining handles DELETE /v1/projects/{key}/training
func (h *Handler) ClearTraining(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if h.trainer.Clear(key) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if h.trainer.Status(key).Status == training.StatusRunning {
		h.handleError(w, r, apperrors.Conflict("training job", key, "job is running"))
		return
	}
	h.handleError(w, r, apperrors.NotFound("training job", key))
}

// TrainingArtifacts handles GET /v1/projects/{key}/training/artifacts
func (h *Handler) TrainingArtifacts(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	artifacts, err := h.trainer.Artifacts(key)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	job := h.trainer.Status(key)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"key":              key,
		"jobId":            job.ID,
		"artifacts":        artifacts,
		"missingArtifacts": job.MissingArtifacts,
	})
}

// DownloadArtifact handles GET /v1/projects/{key}/training/artifacts/{format}.
// Files are served as is; directories are streamed as tar.gz.
func (h *Handler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.trainer.Artifact(chi.URLParam(r, "key"), chi.URLParam(r, "format"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	name := filepath.Base(artifact.Path)
	if artifact.Dir {
		w.Header().Set("Content-Type", "application/gzip")
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`.tar.gz"`)
		if err := training.WriteArchive(w, artifact); err != nil {
			// Headers are already sent.
			slog.Error("Failed to stream artifact", "error", err, "path", artifact.Path)
		}
		return
	}

	file, err := os.Open(artifact.Path)
	if err != nil {
		h.handleError(w, r, apperrors.NotFound("artifact file", artifact.Path))
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		h.handleError(w, r, apperrors.Internal("stat artifact", err))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, info.ModTime(), file)
}

// Infer handles POST /v1/inference
func (h *Handler) Infer(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req training.InferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	result, err := h.trainer.Infer(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic, degraded included.
// Returns 503 if a required dependency (the worker) is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the bridge and manager with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
