// Package completion processes worker replies and dispatch exceptions,
// applying the job-outcome rules in §4.4.
package completion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tessera-ai/control-plane/internal/adapter/observability"
	"github.com/tessera-ai/control-plane/internal/dispatcher"
	"github.com/tessera-ai/control-plane/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// retriableCodes are worker failure codes eligible for requeue while
// retry_count < domain.MaxRetries (§4.4).
var retriableCodes = map[string]bool{
	"WORKER_TIMEOUT": true,
	"WORKER_ERROR":   true,
}

// Handler implements dispatcher.CompletionHandler, applying §4.4's
// completed/failed/retry rules and firing the registered webhook.
// Grounded on the teacher's usecase layer's post-AI-call result handling
// in spirit (persist result, update job status, notify), generalized from
// a single terminal write into the completed/retry/failed three-way split
// spec.md requires.
type Handler struct {
	jobs      domain.JobRepository
	artifacts domain.ArtifactRepository
	usage     domain.UsageRepository
	webhooks  domain.WebhookSender
}

// NewHandler constructs a completion Handler.
func NewHandler(jobs domain.JobRepository, artifacts domain.ArtifactRepository, usage domain.UsageRepository, webhooks domain.WebhookSender) *Handler {
	return &Handler{jobs: jobs, artifacts: artifacts, usage: usage, webhooks: webhooks}
}

// HandleReply implements dispatcher.CompletionHandler.
func (h *Handler) HandleReply(ctx context.Context, job domain.Job, reply *dispatcher.RunJobReply, dispatchErr error) {
	tracer := otel.Tracer("completion.handler")
	ctx, span := tracer.Start(ctx, "Handler.HandleReply")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", job.ID))

	if dispatchErr != nil {
		h.handleFailure(ctx, job, "WORKER_ERROR", dispatchErr.Error())
		return
	}

	switch reply.Status {
	case "completed":
		h.handleCompleted(ctx, job, reply)
	case "failed":
		code, msg := "WORKER_ERROR", "worker reported failure"
		if reply.Error != nil {
			code, msg = reply.Error.Code, reply.Error.Message
		}
		h.handleFailure(ctx, job, code, msg)
	default:
		h.handleFailure(ctx, job, "WORKER_ERROR", fmt.Sprintf("unrecognized worker status %q", reply.Status))
	}
}

func (h *Handler) handleCompleted(ctx context.Context, job domain.Job, reply *dispatcher.RunJobReply) {
	now := time.Now()
	var artifactIDs []string
	for _, a := range reply.Artifacts {
		artifact := domain.Artifact{
			ID:              uuid.NewString(),
			JobID:           job.ID,
			Type:            a.Type,
			Format:          a.Format,
			Path:            a.Path,
			URL:             a.URL,
			Width:           a.Width,
			Height:          a.Height,
			DurationSeconds: a.DurationSeconds,
			FileSizeBytes:   a.FileSizeBytes,
			Metadata:        a.Metadata,
			CreatedAt:       now,
		}
		id, err := h.artifacts.Create(ctx, artifact)
		if err != nil {
			slog.Error("completion failed to persist artifact", slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		artifactIDs = append(artifactIDs, id)
	}

	execSeconds := reply.ExecutionTimeSeconds
	ok, err := h.jobs.TransitionStatus(ctx, job.ID, domain.JobRunning, domain.JobCompleted, func(j *domain.Job) {
		j.EndedAt = &now
		j.ExecutionTimeSeconds = &execSeconds
		j.Metadata.ArtifactIDs = artifactIDs
	})
	if err != nil {
		slog.Error("completion failed to mark job completed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if !ok {
		// Lost the CAS race to a cancel; the worker's success is discarded
		// per §5's cancellation rule, no usage increment.
		return
	}

	if err := h.usage.IncrementUsage(ctx, job.UserID, now, job.Capability, job.CostTokens, true, false); err != nil {
		slog.Error("completion failed to increment usage", slog.String("job_id", job.ID), slog.Any("error", err))
	}

	job.Status = domain.JobCompleted
	job.EndedAt = &now
	job.Metadata.ArtifactIDs = artifactIDs
	h.sendWebhook(ctx, job)
}

func (h *Handler) handleFailure(ctx context.Context, job domain.Job, code, message string) {
	if retriableCodes[code] && job.Metadata.RetryCount < domain.MaxRetries {
		ok, err := h.jobs.TransitionStatus(ctx, job.ID, domain.JobRunning, domain.JobQueued, func(j *domain.Job) {
			j.Metadata.RetryCount++
			j.WorkerID = nil
			j.StartedAt = nil
			now := time.Now()
			j.QueuedAt = &now
		})
		if err != nil {
			slog.Error("completion failed to requeue job", slog.String("job_id", job.ID), slog.Any("error", err))
			return
		}
		if ok {
			observability.RecordReaperRequeue("completion_retry")
		}
		return
	}

	now := time.Now()
	jobErr := domain.JobError{Code: code, Message: message, Timestamp: now}
	ok, err := h.jobs.TransitionStatus(ctx, job.ID, domain.JobRunning, domain.JobFailed, func(j *domain.Job) {
		j.Error = &jobErr
		j.EndedAt = &now
	})
	if err != nil {
		slog.Error("completion failed to mark job failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if !ok {
		return
	}

	if err := h.usage.IncrementUsage(ctx, job.UserID, now, job.Capability, 0, false, true); err != nil {
		slog.Error("completion failed to increment failure usage", slog.String("job_id", job.ID), slog.Any("error", err))
	}

	job.Status = domain.JobFailed
	job.Error = &jobErr
	job.EndedAt = &now
	h.sendWebhook(ctx, job)
}

func (h *Handler) sendWebhook(ctx context.Context, job domain.Job) {
	if h.webhooks == nil || job.Metadata.WebhookURL == "" {
		return
	}
	if err := h.webhooks.Send(ctx, job.Metadata.WebhookURL, job); err != nil {
		slog.Error("webhook delivery exhausted retries", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}
