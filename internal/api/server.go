package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/goharvest/internal/config"
	"github.com/JakeFAU/goharvest/internal/harvest"
	"github.com/JakeFAU/goharvest/internal/metrics"
	"github.com/JakeFAU/goharvest/internal/scheduler"
)

// JobService is the job lifecycle surface the API drives.
type JobService interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (string, error)
	GetStatus(ctx context.Context, jobID string) (harvest.StatusView, error)
	GetResult(ctx context.Context, jobID string) (harvest.Result, error)
	Retry(ctx context.Context, jobID, actor string) (harvest.StatusView, error)
	Cancel(ctx context.Context, jobID, actor string) (harvest.StatusView, error)
	Export(ctx context.Context, jobID, format string) (scheduler.ExportOutput, error)
	ArchiveBytes(ctx context.Context, jobID string) ([]byte, error)
	Audit(ctx context.Context, jobID string) ([]harvest.AuditEntry, error)
}

// TechDetector runs the robots gate and fingerprinting for one URL.
type TechDetector interface {
	Detect(ctx context.Context, url string) (harvest.TechReport, error)
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the scheduler and detector.
type Server struct {
	router  chi.Router
	jobs    JobService
	tech    TechDetector
	checks  map[string]ReadinessCheck
	logger  *zap.Logger
	cfg     config.Config
	maxBody int64
}

// NewServer constructs a Server with middleware and routes. checks may be nil.
func NewServer(
	jobs JobService,
	tech TechDetector,
	checks map[string]ReadinessCheck,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:    jobs,
		tech:    tech,
		checks:  checks,
		logger:  logger.Named("api"),
		cfg:     cfg,
		maxBody: 1 << 20,
	}

	timeout := time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/v1", func(r chi.Router) {
			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", s.submitJob)
				r.Route("/{job_id}", func(r chi.Router) {
					r.Get("/", s.getJobStatus)
					r.Get("/result", s.getJobResult)
					r.Get("/export", s.exportJob)
					r.Get("/archive", s.downloadArchive)
					r.Get("/audit", s.listAudit)
					r.Post("/retry", s.retryJob)
					r.Post("/cancel", s.cancelJob)
				})
			})
			r.Get("/tech", s.detectTech)
			r.Post("/tech", s.detectTech)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failing := map[string]string{}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			failing[name] = "unavailable"
		}
	}
	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "checks": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
