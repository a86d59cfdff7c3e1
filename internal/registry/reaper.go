package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tessera-ai/control-plane/internal/adapter/observability"
	"github.com/tessera-ai/control-plane/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Reaper periodically detects dead workers and timed-out RUNNING jobs,
// requeuing or failing them per §4.4's retry rules. Grounded on the
// teacher's StuckJobSweeper: a ticker loop, one sweep per tick, paginated
// storage scans, no held transaction across the scan.
type Reaper struct {
	jobs         domain.JobRepository
	workers      *Registry
	interval     time.Duration
	runningGrace time.Duration

	lastSweepUnixNano atomic.Int64
}

// staleCandidateBatch bounds how many of the oldest RUNNING jobs are
// pulled per sweep for per-job deadline checking.
const staleCandidateBatch = 100

// LastSweep reports when the reaper last completed a sweep, for the
// readiness endpoint's liveness check (§ Supplemented Feature 5).
func (r *Reaper) LastSweep() time.Time {
	ns := r.lastSweepUnixNano.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// NewReaper constructs a Reaper. interval is the sweep period (§4.5: 10s);
// runningGrace is added on top of each job's own params.timeout_seconds
// deadline before it's considered stale.
func NewReaper(jobs domain.JobRepository, workers *Registry, interval, runningGrace time.Duration) *Reaper {
	return &Reaper{
		jobs:         jobs,
		workers:      workers,
		interval:     interval,
		runningGrace: runningGrace,
	}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopping", slog.String("component", "reaper"))
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("registry.reaper")
	ctx, span := tracer.Start(ctx, "Reaper.sweepOnce")
	defer func() {
		r.lastSweepUnixNano.Store(time.Now().UnixNano())
		span.End()
	}()

	now := time.Now()
	r.workers.ReportLivenessMetrics(now)

	deadWorkers := r.workers.DeadWorkers(now)
	span.SetAttributes(attribute.Int("reaper.dead_workers", len(deadWorkers)))
	for _, w := range deadWorkers {
		r.requeueJobsOnWorker(ctx, w.ID, "dead_worker")
	}
	r.workers.EvictForensics(now)

	candidates, err := r.jobs.FindStaleRunning(ctx, now, staleCandidateBatch)
	if err != nil {
		span.RecordError(err)
		slog.Error("reaper failed to scan stale running jobs", slog.Any("error", err), slog.String("component", "reaper"))
		return
	}
	stale := 0
	for _, j := range candidates {
		if j.StartedAt == nil {
			continue
		}
		deadline := j.StartedAt.Add(time.Duration(domain.JobTimeoutSeconds(j.Params))*time.Second + r.runningGrace)
		if now.Before(deadline) {
			continue
		}
		stale++
		r.timeoutJob(ctx, j)
	}
	span.SetAttributes(attribute.Int("reaper.stale_running", stale))
}

// requeueJobsOnWorker applies §4.4's retry rule to every RUNNING job
// attributed to a worker just declared dead.
func (r *Reaper) requeueJobsOnWorker(ctx context.Context, workerID, reason string) {
	jobs, err := r.jobs.FindRunningOnWorker(ctx, workerID)
	if err != nil {
		slog.Error("reaper failed to list jobs on dead worker", slog.String("worker_id", workerID), slog.Any("error", err))
		return
	}
	for _, j := range jobs {
		r.requeueOrFail(ctx, j, domain.JobError{Code: "WORKER_ERROR", Message: "worker stopped sending heartbeats", Timestamp: time.Now()}, reason)
	}
}

// timeoutJob applies §4.4's retry rule to a RUNNING job whose deadline
// plus grace has elapsed.
func (r *Reaper) timeoutJob(ctx context.Context, j domain.Job) {
	r.requeueOrFail(ctx, j, domain.JobError{Code: "WORKER_TIMEOUT", Message: "job exceeded its running deadline", Timestamp: time.Now()}, "timeout")
}

// requeueOrFail implements the shared §4.4 rule: retry_count < MaxRetries
// requeues to QUEUED, otherwise the job fails terminally.
func (r *Reaper) requeueOrFail(ctx context.Context, j domain.Job, jobErr domain.JobError, reason string) {
	if j.Status != domain.JobRunning {
		return // already moved on by a racing completion/cancel; CAS below would no-op anyway
	}

	if j.Metadata.RetryCount < domain.MaxRetries {
		ok, err := r.jobs.TransitionStatus(ctx, j.ID, domain.JobRunning, domain.JobQueued, func(job *domain.Job) {
			job.Metadata.RetryCount++
			job.WorkerID = nil
			job.StartedAt = nil
			job.QueuedAt = ptrTime(time.Now())
		})
		if err != nil {
			slog.Error("reaper failed to requeue job", slog.String("job_id", j.ID), slog.Any("error", err))
			return
		}
		if ok {
			observability.RecordReaperRequeue(reason)
			if j.WorkerID != nil {
				r.workers.RecordOutcome(*j.WorkerID, fmt.Errorf("op=reaper.requeue reason=%s", reason))
			}
		}
		return
	}

	ok, err := r.jobs.TransitionStatus(ctx, j.ID, domain.JobRunning, domain.JobFailed, func(job *domain.Job) {
		job.Error = &jobErr
		job.EndedAt = ptrTime(time.Now())
	})
	if err != nil {
		slog.Error("reaper failed to fail job", slog.String("job_id", j.ID), slog.Any("error", err))
		return
	}
	if ok {
		observability.RecordReaperRequeue(reason + "_exhausted")
		if j.WorkerID != nil {
			r.workers.RecordOutcome(*j.WorkerID, fmt.Errorf("op=reaper.fail reason=%s", reason))
		}
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
