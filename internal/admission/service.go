package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tessera-ai/control-plane/internal/adapter/observability"
	"github.com/tessera-ai/control-plane/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// RateLimitWindow is the sliding window evaluated by the per-user limiter
// (§4.2 step 3).
const RateLimitWindow = 60 * time.Second

// ModelWarmChecker reports whether a model is currently loaded on an idle
// worker, for the §4.2 step 10 time estimate's cold-start heuristic.
type ModelWarmChecker interface {
	IsWarm(capability domain.Capability, model string) bool
}

// Service runs the admission pipeline (§4.2): resolve user, load plan,
// rate limit, concurrency check, validate, cost, quota, enqueue, estimate.
// Grounded on the teacher's usecase.EvaluateUsecase.Enqueue (single
// orchestrating method composing repository calls under one logical
// transaction, returning a client-facing acknowledgment).
type Service struct {
	plans   domain.PlanRepository
	users   domain.UserRepository
	jobs    domain.JobRepository
	usage   domain.UsageRepository
	limiter *RateLimiter
	warm    ModelWarmChecker
}

// NewService constructs an admission Service.
func NewService(plans domain.PlanRepository, users domain.UserRepository, jobs domain.JobRepository, usage domain.UsageRepository, limiter *RateLimiter, warm ModelWarmChecker) *Service {
	return &Service{plans: plans, users: users, jobs: jobs, usage: usage, limiter: limiter, warm: warm}
}

// Limiter exposes the service's rate limiter for the HTTP layer's
// X-RateLimit-* response headers (§6.1); the pipeline itself reaches it
// through s.limiter directly.
func (s *Service) Limiter() *RateLimiter { return s.limiter }

// Input identifies the caller and carries the job request body.
type Input struct {
	Platform       domain.Platform
	PlatformUserID string
	IP             string
	APIKey         string
	Request        domain.JobRequest
}

// Result is the admission acknowledgment (§4.2 contract).
type Result struct {
	JobID                string
	Status               domain.JobStatus
	QueuePosition         int
	EstimatedTimeSeconds  float64
	CostTokens            float64
	CreatedAt             time.Time
}

// RateLimitError carries the retry-after hint for a RATE_LIMITED failure.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Unwrap lets callers match domain.ErrRateLimited via errors.Is.
func (e *RateLimitError) Unwrap() error { return domain.ErrRateLimited }

// Admit runs the full §4.2 pipeline and either enqueues the job or
// returns one of domain.ErrInvalidParams, ErrInvalidPrompt, ErrRateLimited
// (possibly wrapped in *RateLimitError), ErrQuotaExceeded, ErrModelNotFound.
func (s *Service) Admit(ctx context.Context, in Input) (Result, error) {
	tracer := otel.Tracer("admission.service")
	ctx, span := tracer.Start(ctx, "Service.Admit")
	defer span.End()
	span.SetAttributes(attribute.String("job.capability", string(in.Request.Capability)))

	now := time.Now()

	// Step 1: resolve user.
	user, err := s.resolveUser(ctx, in, now)
	if err != nil {
		return Result{}, fmt.Errorf("op=admission.Admit: %w", err)
	}

	// Step 2: load plan.
	plan, err := s.plans.Get(ctx, user.PlanTier)
	if err != nil {
		observability.RecordAdmissionOutcome(string(in.Request.Capability), "invalid_params")
		return Result{}, fmt.Errorf("op=admission.Admit: %w: plan %q: %v", domain.ErrInvalidParams, user.PlanTier, err)
	}

	// Step 3: rate limit.
	if allowed, retryAfter := s.limiter.Allow(user.ID, plan.RequestsPerMinute, now); !allowed {
		observability.RecordAdmissionOutcome(string(in.Request.Capability), "rate_limited")
		return Result{}, fmt.Errorf("op=admission.Admit: %w", &RateLimitError{RetryAfter: retryAfter})
	}

	// Step 4: concurrency check.
	active, err := s.jobs.CountActiveForUser(ctx, user.ID)
	if err != nil {
		return Result{}, fmt.Errorf("op=admission.Admit: %w: %v", domain.ErrInternal, err)
	}
	if active >= plan.MaxConcurrentJobs {
		observability.RecordAdmissionOutcome(string(in.Request.Capability), "rate_limited")
		return Result{}, fmt.Errorf("op=admission.Admit: %w: %d active jobs >= plan limit %d", domain.ErrRateLimited, active, plan.MaxConcurrentJobs)
	}

	// Step 5: parameter validation.
	v, err := validateParams(in.Request.Capability, in.Request.Params, plan)
	if err != nil {
		observability.RecordAdmissionOutcome(string(in.Request.Capability), "invalid_params")
		return Result{}, err
	}

	// Step 6: cost calculation.
	cost := costOf(v)
	span.SetAttributes(attribute.Float64("job.cost_tokens", cost))

	// Step 7: quota check.
	usedToday, err := s.usage.TokensUsedToday(ctx, user.ID, now)
	if err != nil {
		return Result{}, fmt.Errorf("op=admission.Admit: %w: %v", domain.ErrInternal, err)
	}
	if usedToday+cost > plan.DailyTokenLimit {
		observability.RecordAdmissionOutcome(string(in.Request.Capability), "quota_exceeded")
		return Result{}, fmt.Errorf("op=admission.Admit: %w: %.2f + %.2f > %.2f", domain.ErrQuotaExceeded, usedToday, cost, plan.DailyTokenLimit)
	}

	// Step 8: insert job, already QUEUED — the CREATED state is internal
	// to the repository's single transaction (§4.2: "executed under a
	// single storage transaction that commits only if every step
	// succeeds"), so no externally observable CREATED row ever exists.
	job := domain.Job{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		Frontend:   in.Request.Frontend,
		BotID:      in.Request.BotID,
		Capability: in.Request.Capability,
		Status:     domain.JobQueued,
		Priority:   plan.Priority,
		Params:     in.Request.Params,
		WorkflowID: in.Request.WorkflowID,
		CostTokens: cost,
		CreatedAt:  now,
		QueuedAt:   &now,
		Metadata: domain.JobMetadata{
			ReplyContext: in.Request.ReplyContext,
			WebhookURL:   in.Request.WebhookURL,
		},
	}
	jobID, err := s.jobs.Create(ctx, job)
	if err != nil {
		return Result{}, fmt.Errorf("op=admission.Admit: %w: %v", domain.ErrInternal, err)
	}

	// Step 9: queue position.
	position, err := s.jobs.QueuePosition(ctx, job.Priority, now)
	if err != nil {
		position = 0
	}

	// Step 10: time estimate.
	warm := s.warm != nil && s.warm.IsWarm(job.Capability, v.model)
	estimate := estimateSeconds(job.Capability, position, warm)

	observability.RecordAdmissionOutcome(string(in.Request.Capability), "queued")
	return Result{
		JobID:                jobID,
		Status:                domain.JobQueued,
		QueuePosition:         position,
		EstimatedTimeSeconds:  estimate,
		CostTokens:            cost,
		CreatedAt:             now,
	}, nil
}

func (s *Service) resolveUser(ctx context.Context, in Input, now time.Time) (domain.User, error) {
	var user domain.User
	var err error
	if in.APIKey != "" {
		user, err = s.users.GetByAPIKey(ctx, in.APIKey)
	} else {
		user, err = s.users.GetByPlatformIdentity(ctx, in.Platform, in.PlatformUserID)
	}

	if err != nil {
		if in.APIKey != "" {
			return domain.User{}, fmt.Errorf("%w: unknown api key", domain.ErrUnauthenticated)
		}
		user = domain.User{
			ID:             uuid.NewString(),
			Platform:       in.Platform,
			PlatformUserID: in.PlatformUserID,
			PlanTier:       domain.PlanFree,
			CreatedAt:      now,
			LastActiveAt:   now,
		}
		if in.IP != "" {
			user.IP = &in.IP
		}
		id, cerr := s.users.Create(ctx, user)
		if cerr != nil {
			return domain.User{}, fmt.Errorf("%w: creating user: %v", domain.ErrInternal, cerr)
		}
		user.ID = id
		return user, nil
	}

	if err := s.users.UpdateLastActive(ctx, user.ID, now); err != nil {
		return domain.User{}, fmt.Errorf("%w: updating last_active_at: %v", domain.ErrInternal, err)
	}
	return user, nil
}
