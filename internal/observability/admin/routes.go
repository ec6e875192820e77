package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mailcast/internal/models"
	"mailcast/internal/observability/metrics"
	"mailcast/internal/storage"
	"mailcast/internal/task/scheduler"
	logx "mailcast/pkg/logx"
)

// Deps are the read-only views the admin API serves. Nil members disable
// their routes (404).
type Deps struct {
	// Health returns nil while every supervised loop is healthy.
	Health   func() error
	Triggers interface{ Snapshot() scheduler.Snapshot }
	Attempts interface {
		ListByCampaign(ctx context.Context, campaignID int64) ([]models.Attempt, error)
		Summary(ctx context.Context, campaignID int64) (models.AttemptSummary, error)
	}
}

// Handler builds the router. Exposed for tests and for embedding.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Mount("/debug", middleware.Profiler())

	r.Route("/api", func(r chi.Router) {
		if s.deps.Triggers != nil {
			r.Get("/triggers", s.triggers)
		}
		if s.deps.Attempts != nil {
			r.Get("/campaigns/{id}/attempts", s.attempts)
		}
	})
	return r
}

func (s *Service) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.AdminRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		s.log.Debug("admin request",
			logx.String("method", r.Method),
			logx.String("route", route),
			logx.Int("status", status),
			logx.Duration("dur", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Service) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) triggers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Triggers.Snapshot())
}

type attemptsResponse struct {
	Summary  models.AttemptSummary `json:"summary"`
	Attempts []models.Attempt      `json:"attempts"`
}

func (s *Service) attempts(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	list, err := s.deps.Attempts.ListByCampaign(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, "failed to list attempts")
		return
	}
	sum, err := s.deps.Attempts.Summary(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to summarize attempts")
		return
	}
	if list == nil {
		list = []models.Attempt{}
	}
	writeJSON(w, http.StatusOK, attemptsResponse{Summary: sum, Attempts: list})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
