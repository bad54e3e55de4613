package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Logicbevers/AI-Voice/internal/apperrors"
	"github.com/Logicbevers/AI-Voice/internal/models"
	"github.com/Logicbevers/AI-Voice/internal/orchestrator"
	"github.com/Logicbevers/AI-Voice/internal/ratelimit"
	"github.com/Logicbevers/AI-Voice/internal/store"
	"github.com/Logicbevers/AI-Voice/internal/telemetry"
	"github.com/Logicbevers/AI-Voice/internal/worker"
)

// Store is the persistence the API reads and writes directly. Job state changes go
// through the orchestrator.
type Store interface {
	CreateWorkItem(ctx context.Context, p store.CreateWorkItemParams) (models.WorkItem, error)
	GetWorkItem(ctx context.Context, id string) (models.WorkItem, error)
	ListJobEvents(ctx context.Context, jobID string) ([]models.JobEvent, error)
	Ping(ctx context.Context) error
}

// Limiter throttles generation requests per tenant.
type Limiter interface {
	Allow(ctx context.Context, tenant string) (ratelimit.Decision, error)
}

// Options configures optional server behaviour.
type Options struct {
	APIKey  string
	Limiter Limiter
	Logger  zerolog.Logger
}

// Server wires HTTP handlers for the public API.
type Server struct {
	store      Store
	orch       *orchestrator.Orchestrator
	reconciler *worker.Reconciler
	limiter    Limiter
	apiKey     string
	log        zerolog.Logger
}

// New constructs the API server.
func New(st Store, orch *orchestrator.Orchestrator, rec *worker.Reconciler, opts Options) *Server {
	return &Server{
		store:      st,
		orch:       orch,
		reconciler: rec,
		limiter:    opts.Limiter,
		apiKey:     opts.APIKey,
		log:        opts.Logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware(s.apiKey))
		r.Use(tenantScope)

		r.Post("/projects", s.handleCreateProject)
		r.Get("/projects/{id}", s.handleGetProject)
		r.Post("/projects/{id}/generate", s.handleGenerate)
		r.Get("/projects/{id}/status", s.handleStatus)
		r.Post("/projects/{id}/check-status", s.handleCheckStatus)

		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/events", s.handleJobEvents)
		r.Post("/jobs/{id}/reconcile", s.handleReconcile)
	})
	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createProjectRequest struct {
	Title    string `json:"title"`
	Script   string `json:"script"`
	AvatarID string `json:"avatarId"`
	VoiceID  string `json:"voiceId"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperrors.Validation("body", "invalid json"))
		return
	}
	wi, err := s.store.CreateWorkItem(r.Context(), store.CreateWorkItemParams{
		TenantID: orchestrator.TenantFrom(r.Context()),
		Title:    strings.TrimSpace(req.Title),
		Script:   req.Script,
		AvatarID: strings.TrimSpace(req.AvatarID),
		VoiceID:  strings.TrimSpace(req.VoiceID),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wi)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wi, err := s.store.GetWorkItem(r.Context(), id)
	if err == nil && wi.TenantID != orchestrator.TenantFrom(r.Context()) {
		err = apperrors.NotFound("project", id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wi)
}

// handleGenerate answers 202 once the provider accepted the job and 502 when it did not;
// both bodies carry the job.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		tenant := orchestrator.TenantFrom(r.Context())
		d, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			s.writeError(w, r, apperrors.Internal("rate limit", err))
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
			}
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many generation requests", Code: "rate_limited"})
			return
		}
	}

	res, err := s.orch.Enqueue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code := http.StatusAccepted
	if res.Status == models.JobFailed {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.reconciler.CheckLatest(r.Context(), chi.URLParam(r, "id"))
	s.writeResult(w, r, res, err)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.reconciler.CheckNow(r.Context(), chi.URLParam(r, "id"))
	s.writeResult(w, r, res, err)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.store.ListJobEvents(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []models.JobEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": job.ID, "events": events})
}

// writeResult reports a reconcile outcome. A transient provider error keeps the job's
// current state in the body next to the error.
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, res orchestrator.Result, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if errors.Is(err, apperrors.ErrTransient) && res.JobID != "" {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Error: "provider status is temporarily unavailable, try again shortly",
			Code:  "transient",
			Job:   &res,
		})
		return
	}
	s.writeError(w, r, err)
}

type errorBody struct {
	Error string               `json:"error"`
	Code  string               `json:"code"`
	Field string               `json:"field,omitempty"`
	Job   *orchestrator.Result `json:"job,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	body := errorBody{Error: err.Error(), Code: errorCode(err)}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		body.Field = appErr.Field
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusGatewayTimeout {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return "validation"
	case errors.Is(err, apperrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperrors.ErrConflict):
		return "conflict"
	case errors.Is(err, apperrors.ErrTransient):
		return "transient"
	case errors.Is(err, apperrors.ErrTimeout):
		return "timeout"
	default:
		return "internal"
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
