package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/policyspider/spiderd/internal/control"
	"github.com/policyspider/spiderd/internal/metrics"
	"github.com/policyspider/spiderd/internal/spider"
)

// Config controls server middleware behavior.
type Config struct {
	RequestTimeout time.Duration
	AuthEnabled    bool
	APIKey         string
}

// Server wires HTTP handlers to the control manager.
type Server struct {
	router  chi.Router
	manager *control.Manager
	store   spider.Store
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The metrics
// endpoint serves the supplied registry; a nil registry falls back to
// the default gatherer.
func NewServer(manager *control.Manager, store spider.Store, registry *prometheus.Registry, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{manager: manager, store: store, logger: logger}

	var metricsHandler http.Handler
	if registry != nil {
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	} else {
		metricsHandler = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.AuthEnabled {
		r.Use(s.apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/spiders", func(r chi.Router) {
			r.Get("/", s.listSpiders)
			r.Route("/{target}", func(r chi.Router) {
				r.Post("/start", s.startSpider)
				r.Post("/stop", s.stopSpider)
				r.Post("/pause", s.pauseSpider)
				r.Post("/resume", s.resumeSpider)
				r.Post("/reset", s.resetSpider)
				r.Delete("/", s.purgeSpider)
				r.Get("/status", s.spiderStatus)
				r.Get("/errors", s.spiderErrors)
				r.Get("/progress", s.spiderProgress)
			})
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
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listSpiders(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.manager.StatusAll(r.Context())
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"spiders": snaps})
}

type startRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) startSpider(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	mode := spider.ModeBackfill
	if r.Body != nil && r.ContentLength != 0 {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		switch req.Mode {
		case "", string(spider.ModeBackfill):
		case string(spider.ModeRefresh):
			mode = spider.ModeRefresh
		default:
			s.writeError(w, http.StatusBadRequest, "unknown mode "+strconv.Quote(req.Mode))
			return
		}
	}
	if err := s.manager.Start(r.Context(), target, mode); err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"target": target, "status": string(spider.StatusStarting)})
}

func (s *Server) stopSpider(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	if err := s.manager.Stop(r.Context(), target); err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"target": target, "status": string(spider.StatusStopping)})
}

func (s *Server) pauseSpider(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	if err := s.manager.Pause(r.Context(), target); err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"target": target, "status": string(spider.StatusPausing)})
}

func (s *Server) resumeSpider(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	if err := s.manager.Resume(r.Context(), target); err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"target": target, "status": string(spider.StatusRunning)})
}

func (s *Server) resetSpider(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	if err := s.manager.Reset(r.Context(), target); err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"target": target, "status": string(spider.StatusIdle)})
}

func (s *Server) purgeSpider(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	if err := s.manager.Purge(r.Context(), target); err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"target": target, "status": string(spider.StatusIdle)})
}

func (s *Server) spiderStatus(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	snap, err := s.manager.Status(r.Context(), target)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) spiderErrors(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	limit := int64(20)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	recs, err := s.manager.Errors(r.Context(), target, limit)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"target": target, "errors": recs})
}

func (s *Server) spiderProgress(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	p, cursors, err := s.manager.Progress(r.Context(), target)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"target":     target,
		"progress":   p,
		"pagination": cursors,
	})
}

// writeControlError maps domain errors onto HTTP statuses.
func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, spider.ErrTargetNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, spider.ErrAlreadyRunning), errors.Is(err, spider.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
