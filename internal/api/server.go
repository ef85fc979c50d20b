package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/config"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/logging"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/metrics"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 1000
	maxSubmitURLs          = 500
	backendTimeout         = 3 * time.Second
	requestTimeout         = 60 * time.Second
)

// Submitter enqueues a task for a URL.
type Submitter interface {
	Submit(ctx context.Context, rawURL string) (extract.Task, error)
}

// ProxySnapshotter reports proxy health.
type ProxySnapshotter interface {
	Snapshot() []extract.ProxyStatus
}

// DomainSnapshotter reports per-domain rate state.
type DomainSnapshotter interface {
	Snapshot() []extract.DomainStatus
}

// Deps are the services behind the routes. A nil dependency makes its routes
// answer 503.
type Deps struct {
	Submitter   Submitter
	DeadLetters extract.DeadLetterStore
	Records     extract.RecordReader
	Proxies     ProxySnapshotter
	Domains     DomainSnapshotter
	// Checks are pinged by /readyz, keyed by a name shown on failure.
	Checks map[string]extract.Pinger
}

// Server wires HTTP handlers to the pipeline's services.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, auth config.AuthConfig, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger)
	s := &Server{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if auth.Enabled {
			r.Use(apiKeyMiddleware(auth.APIKey))
		}
		r.Get("/proxies", s.listProxies)
		r.Get("/domains", s.listDomains)
		r.Get("/stats", s.queueStats)
		r.Post("/tasks", s.submitTasks)
		r.Get("/deadletter", s.listDeadLetters)
		r.Post("/deadletter/replay", s.replayDeadLetters)
		r.Get("/records/{domain}/{external_id}", s.getRecord)
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
	ctx, cancel := context.WithTimeout(r.Context(), backendTimeout)
	defer cancel()

	var failed []string
	for name, check := range s.deps.Checks {
		if err := check.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listProxies(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Proxies == nil {
		writeError(w, http.StatusServiceUnavailable, "proxy pool unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxies": s.deps.Proxies.Snapshot()})
}

func (s *Server) listDomains(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Domains == nil {
		writeError(w, http.StatusServiceUnavailable, "rate controller unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": s.deps.Domains.Snapshot()})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetters == nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), backendTimeout)
	defer cancel()
	stats, err := s.deps.DeadLetters.Stats(ctx)
	if err != nil {
		s.backendError(w, "queue stats failed", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type submitRequest struct {
	URLs []string `json:"urls"`
}

type submittedTask struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Domain string `json:"domain"`
}

// submitTasks validates every URL before enqueuing any, so a bad entry
// rejects the whole batch.
func (s *Server) submitTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if len(req.URLs) > maxSubmitURLs {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d urls per request", maxSubmitURLs))
		return
	}
	for _, u := range req.URLs {
		if _, err := extract.DomainOf(u); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), backendTimeout)
	defer cancel()
	out := make([]submittedTask, 0, len(req.URLs))
	var duplicates []string
	for _, u := range req.URLs {
		u = strings.TrimSpace(u)
		task, err := s.deps.Submitter.Submit(ctx, u)
		if errors.Is(err, extract.ErrDuplicate) {
			duplicates = append(duplicates, u)
			continue
		}
		if err != nil {
			s.logger.Error("submit task failed", zap.Int("submitted", len(out)), zap.Error(err))
			writeJSON(w, statusFor(err), map[string]any{"error": "enqueue failed", "tasks": out})
			return
		}
		out = append(out, submittedTask{ID: task.ID, URL: task.TargetURL, Domain: task.Domain})
	}
	resp := map[string]any{"tasks": out}
	if len(duplicates) > 0 {
		resp["duplicates"] = duplicates
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetters == nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	limit, err := parseLimit(r, defaultDeadLetterLimit, maxDeadLetterLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), backendTimeout)
	defer cancel()
	entries, err := s.deps.DeadLetters.ListDeadLetters(ctx, limit)
	if err != nil {
		s.backendError(w, "list dead letters failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) replayDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetters == nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	limit, err := parseLimit(r, defaultDeadLetterLimit, maxDeadLetterLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), backendTimeout)
	defer cancel()
	n, err := s.deps.DeadLetters.Replay(ctx, limit)
	if err != nil {
		s.backendError(w, "replay dead letters failed", err)
		return
	}
	s.logger.Info("dead letters replayed", zap.Int("count", n), zap.String("request_id", RequestID(r.Context())))
	writeJSON(w, http.StatusOK, map[string]int{"replayed": n})
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeError(w, http.StatusServiceUnavailable, "record store unavailable")
		return
	}
	domain := strings.ToLower(chi.URLParam(r, "domain"))
	externalID := chi.URLParam(r, "external_id")
	ctx, cancel := context.WithTimeout(r.Context(), backendTimeout)
	defer cancel()
	rec, err := s.deps.Records.GetRecord(ctx, domain, externalID)
	if err != nil {
		if errors.Is(err, extract.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		s.backendError(w, "get record failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) backendError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	writeError(w, statusFor(err), msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, extract.ErrQueueUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
