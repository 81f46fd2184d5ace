package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/goharvest/internal/harvest"
	"github.com/JakeFAU/goharvest/internal/scheduler"
)

type submitJobRequest struct {
	URL            string            `json:"url"`
	Mode           string            `json:"mode"`
	Depth          int               `json:"depth"`
	ExtractMedia   bool              `json:"extract_media"`
	Priority       int               `json:"priority"`
	Tags           map[string]string `json:"tags"`
	Owner          string            `json:"owner"`
	ScheduledAt    *time.Time        `json:"scheduled_at"`
	MaxRetries     *int              `json:"max_retries"`
	IsRecurring    bool              `json:"is_recurring"`
	CronExpression string            `json:"cron_expression"`
}

type techRequest struct {
	URL string `json:"url"`
}

type techResponse struct {
	URL               string             `json:"url"`
	Technologies      harvest.TechReport `json:"technologies"`
	FrontendFramework string             `json:"frontend_framework,omitempty"`
	CSSFramework      string             `json:"css_framework,omitempty"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	mode := req.Mode
	if mode == "" {
		mode = s.cfg.Harvest.DefaultMode
	}
	jobID, err := s.jobs.Submit(r.Context(), scheduler.SubmitRequest{
		URL:            req.URL,
		Options:        harvest.Options{Mode: harvest.Mode(mode), Depth: req.Depth, ExtractMedia: req.ExtractMedia},
		Priority:       req.Priority,
		Tags:           req.Tags,
		Owner:          req.Owner,
		ScheduledAt:    req.ScheduledAt,
		MaxRetries:     req.MaxRetries,
		IsRecurring:    req.IsRecurring,
		CronExpression: req.CronExpression,
		Actor:          actor(r),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status := harvest.StatusPending
	if view, err := s.jobs.GetStatus(r.Context(), jobID); err == nil {
		status = view.Status
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": string(status)})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.jobs.GetStatus(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.jobs.GetResult(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) exportJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	out, err := s.jobs.Export(r.Context(), jobID, r.URL.Query().Get("format"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if out.Format == scheduler.FormatReport {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(out.Report)); err != nil {
			s.logger.Warn("write report failed", zap.String("job_id", jobID), zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) downloadArchive(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	data, err := s.jobs.ArchiveBytes(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".zip"))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write archive failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.jobs.Audit(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.jobs.Retry(r.Context(), chi.URLParam(r, "job_id"), actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "job_id"), actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) detectTech(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if r.Method == http.MethodPost && target == "" {
		var req techRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		target = req.URL
	}
	if strings.TrimSpace(target) == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	report, err := s.tech.Detect(r.Context(), target)
	if err != nil {
		var perm *harvest.PermanentError
		switch {
		case errors.Is(err, harvest.ErrPolicyViolation):
			writeError(w, http.StatusForbidden, "robots policy disallows url")
		case errors.As(err, &perm):
			writeError(w, http.StatusBadRequest, "invalid url")
		default:
			s.logger.Warn("technology detection failed", zap.String("url", target), zap.Error(err))
			writeError(w, http.StatusBadGateway, "failed to fetch url")
		}
		return
	}
	writeJSON(w, http.StatusOK, techResponse{
		URL:               target,
		Technologies:      report,
		FrontendFramework: report.Primary(harvest.CategoryFrameworks),
		CSSFramework:      report.Primary(harvest.CategoryCSSFrameworks),
	})
}

// writeServiceError maps lifecycle errors to status codes without exposing
// internal causes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var terr *harvest.TransitionError
	switch {
	case errors.As(err, &terr):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  fmt.Sprintf("cannot move job from %s to %s", terr.Current, terr.Target),
			"status": string(terr.Current),
		})
	case errors.Is(err, harvest.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, scheduler.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, harvest.ErrNotReady):
		writeError(w, http.StatusConflict, "result not ready")
	case errors.Is(err, harvest.ErrStaleState):
		writeError(w, http.StatusConflict, "job changed concurrently, retry the request")
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func actor(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(headerActor)); v != "" {
		return v
	}
	return "api"
}
