package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tessera-ai/control-plane/internal/admission"
	"github.com/tessera-ai/control-plane/internal/config"
	"github.com/tessera-ai/control-plane/internal/domain"
	"github.com/tessera-ai/control-plane/internal/registry"
)

// Server aggregates the dependencies every handler needs. Grounded on the
// teacher's httpserver.Server: one struct holding config plus the
// usecase-layer ports, constructed once in main and closed over by the
// router.
type Server struct {
	Cfg       config.Config
	Admission *admission.Service
	Jobs      domain.JobRepository
	Users     domain.UserRepository
	Plans     domain.PlanRepository
	Artifacts domain.ArtifactRepository
	Usage     domain.UsageRepository
	Registry  *registry.Registry

	DBCheck         func(ctx domain.Context) error
	DispatcherCheck func(ctx domain.Context) error
	ReaperCheck     func(ctx domain.Context) error
}

// NewServer constructs the HTTP server aggregate.
func NewServer(cfg config.Config, adm *admission.Service, jobs domain.JobRepository, users domain.UserRepository, plans domain.PlanRepository, artifacts domain.ArtifactRepository, usage domain.UsageRepository, reg *registry.Registry, dbCheck, dispatcherCheck, reaperCheck func(domain.Context) error) *Server {
	return &Server{
		Cfg:             cfg,
		Admission:       adm,
		Jobs:            jobs,
		Users:           users,
		Plans:           plans,
		Artifacts:       artifacts,
		Usage:           usage,
		Registry:        reg,
		DBCheck:         dbCheck,
		DispatcherCheck: dispatcherCheck,
		ReaperCheck:     reaperCheck,
	}
}

// authenticate resolves the caller's user from the Authorization: Bearer
// <key> header (§6.1). It never creates a user — only the admission
// pipeline's Admit does that, for platform-identity callers without an
// API key yet.
func (s *Server) authenticate(r *http.Request) (domain.User, error) {
	key := bearerToken(r)
	if key == "" {
		return domain.User{}, domain.ErrUnauthenticated
	}
	user, err := s.Users.GetByAPIKey(r.Context(), key)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	return user, nil
}

// CreateJobHandler handles POST /api/v1/jobs.
func (s *Server) CreateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req domain.JobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: decoding body: %v", domain.ErrInvalidParams, err), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err), nil)
			return
		}

		in := admission.Input{Request: req}
		if apiKey := bearerToken(r); apiKey != "" {
			in.APIKey = apiKey
		} else {
			in.Platform = domain.Platform(r.Header.Get("X-Tessera-Platform"))
			in.PlatformUserID = r.Header.Get("X-Tessera-Platform-User-Id")
			if in.Platform == "" || in.PlatformUserID == "" {
				writeError(w, r, fmt.Errorf("%w: missing bearer token or platform identity headers", domain.ErrUnauthenticated), nil)
				return
			}
		}
		in.IP = clientIP(r)

		result, err := s.Admission.Admit(ctx, in)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		s.stampRateLimitHeaders(w, ctx, in)
		writeJSON(w, http.StatusCreated, createJobResponse{
			JobID:                result.JobID,
			Status:               result.Status,
			EstimatedTimeSeconds: result.EstimatedTimeSeconds,
			CostTokens:           result.CostTokens,
			QueuePosition:        result.QueuePosition,
			CreatedAt:            result.CreatedAt,
		})
	}
}

type createJobResponse struct {
	JobID                string           `json:"job_id"`
	Status               domain.JobStatus `json:"status"`
	EstimatedTimeSeconds float64          `json:"estimated_time_seconds"`
	CostTokens           float64          `json:"cost_tokens"`
	QueuePosition        int              `json:"queue_position"`
	CreatedAt            time.Time        `json:"created_at"`
}

// GetJobHandler handles GET /api/v1/jobs/{id}.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if res := ValidateJobID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidParams), res.Errors)
			return
		}

		job, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrNotFound, err), nil)
			return
		}
		writeJSON(w, http.StatusOK, s.jobEnvelope(r, job))
	}
}

// jobEnvelope builds the job status response body (§6.1): artifacts are
// attached only once the job reaches COMPLETED.
func (s *Server) jobEnvelope(r *http.Request, job domain.Job) jobResponse {
	resp := jobResponse{
		JobID:                job.ID,
		Status:               job.Status,
		Capability:           job.Capability,
		CostTokens:           job.CostTokens,
		CreatedAt:            job.CreatedAt,
		QueuedAt:             job.QueuedAt,
		StartedAt:            job.StartedAt,
		EndedAt:              job.EndedAt,
		ExecutionTimeSeconds: job.ExecutionTimeSeconds,
	}
	if job.Status == domain.JobCompleted {
		artifacts, err := s.Artifacts.ListByJob(r.Context(), job.ID)
		if err == nil {
			resp.Artifacts = artifacts
		}
	}
	if job.Error != nil {
		resp.Error = &jobErrorResponse{
			Code:           job.Error.Code,
			Message:        job.Error.Message,
			RetryAvailable: job.Metadata.RetryCount < domain.MaxRetries,
		}
	}
	return resp
}

type jobResponse struct {
	JobID                string            `json:"job_id"`
	Status               domain.JobStatus  `json:"status"`
	Capability           domain.Capability `json:"capability"`
	CostTokens           float64           `json:"cost_tokens"`
	CreatedAt            time.Time         `json:"created_at"`
	QueuedAt             *time.Time        `json:"queued_at,omitempty"`
	StartedAt            *time.Time        `json:"started_at,omitempty"`
	EndedAt              *time.Time        `json:"ended_at,omitempty"`
	ExecutionTimeSeconds *float64          `json:"execution_time_seconds,omitempty"`
	Artifacts            []domain.Artifact `json:"artifacts,omitempty"`
	Error                *jobErrorResponse `json:"error,omitempty"`
}

type jobErrorResponse struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	RetryAvailable bool   `json:"retry_available"`
}

// CancelJobHandler handles DELETE /api/v1/jobs/{id} (§5 cancellation).
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := chi.URLParam(r, "id")
		if res := ValidateJobID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidParams), res.Errors)
			return
		}

		job, err := s.Jobs.Get(ctx, id)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrNotFound, err), nil)
			return
		}
		if job.Status.Terminal() {
			writeError(w, r, fmt.Errorf("%w: job %s already in terminal state %s", domain.ErrStateConflict, id, job.Status), nil)
			return
		}

		now := time.Now()
		var ok bool
		for _, from := range []domain.JobStatus{domain.JobQueued, domain.JobRunning, domain.JobCreated} {
			ok, err = s.Jobs.TransitionStatus(ctx, id, from, domain.JobCancelled, func(j *domain.Job) {
				j.EndedAt = &now
			})
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInternal, err), nil)
				return
			}
			if ok {
				break
			}
		}
		if !ok {
			writeError(w, r, fmt.Errorf("%w: job %s was moved by a racing transition", domain.ErrStateConflict, id), nil)
			return
		}
		if job.WorkerID != nil {
			s.Registry.RecordOutcome(*job.WorkerID, nil)
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "status": domain.JobCancelled})
	}
}

// ListJobsHandler handles GET /api/v1/jobs (§ Supplemented Feature 2:
// status/capability/since/limit/offset filters).
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		user, err := s.authenticate(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		q := r.URL.Query()
		if res := ValidatePagination(q.Get("page"), q.Get("limit")); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid pagination", domain.ErrInvalidParams), res.Errors)
			return
		}
		if res := ValidateStatus(q.Get("status")); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid status", domain.ErrInvalidParams), res.Errors)
			return
		}

		filter := domain.JobFilter{
			UserID:     user.ID,
			Status:     domain.JobStatus(q.Get("status")),
			Capability: domain.Capability(q.Get("capability")),
			Limit:      100,
		}
		if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 && limit <= 100 {
			filter.Limit = limit
		}
		if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset > 0 {
			filter.Offset = offset
		}
		if since := q.Get("since"); since != "" {
			if t, err := time.Parse(time.RFC3339, since); err == nil {
				filter.Since = &t
			}
		}

		jobs, err := s.Jobs.List(ctx, filter)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInternal, err), nil)
			return
		}
		total, err := s.Jobs.Count(ctx, filter)
		if err != nil {
			total = len(jobs)
		}
		out := make([]jobResponse, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, s.jobEnvelope(r, j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "total": total, "limit": filter.Limit, "offset": filter.Offset})
	}
}

// MeHandler handles GET /api/v1/user/me.
func (s *Server) MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authenticate(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		usedToday, err := s.Usage.TokensUsedToday(r.Context(), user.ID, time.Now())
		if err != nil {
			usedToday = 0
		}
		plan, err := s.Plans.Get(r.Context(), user.PlanTier)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInternal, err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":                user.ID,
			"platform":          user.Platform,
			"plan_tier":         user.PlanTier,
			"created_at":        user.CreatedAt,
			"last_active_at":    user.LastActiveAt,
			"daily_token_limit": plan.DailyTokenLimit,
			"tokens_used_today": usedToday,
		})
	}
}

// UsageHandler handles GET /api/v1/user/usage.
func (s *Server) UsageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authenticate(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		date := time.Now()
		if d := r.URL.Query().Get("date"); d != "" {
			if t, err := time.Parse("2006-01-02", d); err == nil {
				date = t
			}
		}
		usage, err := s.Usage.Get(r.Context(), user.ID, date)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInternal, err), nil)
			return
		}
		writeJSON(w, http.StatusOK, usage)
	}
}

// ModelsHandler handles GET /api/v1/models (§ Supplemented Feature 1).
func (s *Server) ModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"models": s.Registry.Models(time.Now())})
	}
}

// heartbeatRequest is the worker's self-report body (§4.5, §6.2).
type heartbeatRequest struct {
	WorkerID      string               `json:"worker_id" validate:"required"`
	BaseURL       string               `json:"base_url" validate:"required"`
	State         registry.WorkerState `json:"state" validate:"required,oneof=idle busy"`
	Capabilities  []domain.Capability  `json:"capabilities"`
	LoadedModels  []string             `json:"loaded_models"`
	GPUMemoryUsed int64                `json:"gpu_memory_used"`
	UptimeSeconds float64              `json:"uptime_seconds"`
	JobsCompleted int64                `json:"jobs_completed"`
}

// HeartbeatHandler handles POST /api/internal/heartbeat (§6.2).
func (s *Server) HeartbeatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req heartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: decoding body: %v", domain.ErrInvalidParams, err), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err), nil)
			return
		}
		s.Registry.Upsert(registry.Heartbeat{
			WorkerID:      req.WorkerID,
			BaseURL:       req.BaseURL,
			State:         req.State,
			Capabilities:  req.Capabilities,
			LoadedModels:  req.LoadedModels,
			GPUMemoryUsed: req.GPUMemoryUsed,
			UptimeSeconds: req.UptimeSeconds,
			JobsCompleted: req.JobsCompleted,
		}, time.Now())
		writeJSON(w, http.StatusOK, map[string]any{"ack": true, "dispatcher_version": dispatcherVersion})
	}
}

// dispatcherVersion is reported back to workers on every heartbeat ack so
// fleets can detect a control-plane rollout mid-flight.
const dispatcherVersion = "1"

// ReadyzHandler handles GET /readyz: DB connectivity plus dispatcher and
// reaper liveness (§ Supplemented Feature 5), replacing the teacher's
// qdrant/tika probes which have no equivalent in this control plane.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		checks := map[string]string{}
		healthy := true

		run := func(name string, check func(domain.Context) error) {
			if check == nil {
				return
			}
			if err := check(ctx); err != nil {
				checks[name] = err.Error()
				healthy = false
				return
			}
			checks[name] = "ok"
		}
		run("db", s.DBCheck)
		run("dispatcher", s.DispatcherCheck)
		run("reaper", s.ReaperCheck)

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"status": statusLabel(healthy), "checks": checks})
	}
}

func statusLabel(healthy bool) string {
	if healthy {
		return "ready"
	}
	return "not_ready"
}

// HealthzHandler handles GET /healthz: a liveness-only probe with no
// dependency checks, distinct from ReadyzHandler's dependency sweep.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

// stampRateLimitHeaders sets X-RateLimit-* (§6.1) from the resolved
// caller's plan and the admission limiter's current standing.
func (s *Server) stampRateLimitHeaders(w http.ResponseWriter, ctx domain.Context, in admission.Input) {
	var user domain.User
	var err error
	if in.APIKey != "" {
		user, err = s.Users.GetByAPIKey(ctx, in.APIKey)
	} else {
		user, err = s.Users.GetByPlatformIdentity(ctx, in.Platform, in.PlatformUserID)
	}
	if err != nil {
		return
	}
	plan, err := s.Plans.Get(ctx, user.PlanTier)
	if err != nil {
		return
	}
	remaining, reset := s.Admission.Limiter().Peek(user.ID, plan.RequestsPerMinute, time.Now())
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(plan.RequestsPerMinute))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}

// RateLimitHeaders is middleware applying stampRateLimitHeaders to every
// bearer-authenticated request on the public API surface, not only job
// creation.
func (s *Server) RateLimitHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey := bearerToken(r); apiKey != "" {
			s.stampRateLimitHeaders(w, r.Context(), admission.Input{APIKey: apiKey})
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}

// clientIP extracts the caller's address for new-user bookkeeping,
// preferring a proxy-set forwarded header over the raw remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}

var sharedValidator *validator.Validate

// getValidator returns the package's single validator instance.
func getValidator() *validator.Validate {
	if sharedValidator == nil {
		sharedValidator = validator.New()
	}
	return sharedValidator
}
