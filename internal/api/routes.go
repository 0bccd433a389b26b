package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"segmentd/internal/health"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Worker        Worker
	Trainer       Trainer
	Metrics       MetricsRecorder
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Worker, cfg.Trainer, cfg.HealthChecker)

	r := chi.NewRouter()

	// Middleware chain (order matters: outermost first)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware())
	r.Use(ContentTypeMiddleware())

	// Health check endpoints (liveness/readiness probes) - no auth required
	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKey))

		r.Route("/worker", func(r chi.Router) {
			r.Get("/", handler.WorkerStats)
			r.Post("/commands", handler.SubmitCommand)
			r.Post("/restart", handler.RestartWorker)
		})

		r.Get("/projects", handler.ListTraining)
		r.Route("/projects/{key}/training", func(r chi.Router) {
			r.Post("/", handler.StartTraining)
			r.Get("/", handler.GetTraining)
			r.Delete("/", handler.ClearTraining)
			r.Get("/logs", handler.TrainingLogs)
			r.Post("/stop", handler.StopTraining)
			r.Get("/artifacts", handler.TrainingArtifacts)
			r.Get("/artifacts/{format}", handler.DownloadArtifact)
		})

		r.Post("/inference", handler.Infer)
	})

	return r
}
