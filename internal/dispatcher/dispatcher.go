package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tessera-ai/control-plane/internal/adapter/observability"
	"github.com/tessera-ai/control-plane/internal/domain"
	"github.com/tessera-ai/control-plane/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// CompletionHandler processes a worker's reply (or a dispatch exception)
// for a job that was just running, applying §4.4's outcome rules. The
// dispatcher depends on this narrow interface rather than the concrete
// completion package to avoid a dispatcher<->completion import cycle.
type CompletionHandler interface {
	HandleReply(ctx context.Context, job domain.Job, reply *RunJobReply, dispatchErr error)
}

// Dispatcher is the single background coordination loop pairing idle
// workers to queued jobs (§4.3). Grounded on the teacher's
// StuckJobSweeper/CleanupService ticker-loop shape: one goroutine, one
// ticker, one span per tick, no held transaction across network calls.
type Dispatcher struct {
	jobs       domain.JobRepository
	workers    *registry.Registry
	client     *Client
	completion CompletionHandler

	interval  time.Duration
	batchSize int

	mu         sync.Mutex
	starvation map[string]int

	lastTickUnixNano atomic.Int64
}

// LastTick reports when the dispatcher last completed a tick, for the
// readiness endpoint's liveness check (§ Supplemented Feature 5).
func (d *Dispatcher) LastTick() time.Time {
	ns := d.lastTickUnixNano.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// New constructs a Dispatcher. interval is the tick period; batchSize
// bounds how many QUEUED jobs are pulled from storage per tick.
func New(jobs domain.JobRepository, workers *registry.Registry, client *Client, completion CompletionHandler, interval time.Duration, batchSize int) *Dispatcher {
	return &Dispatcher{
		jobs:       jobs,
		workers:    workers,
		client:     client,
		completion: completion,
		interval:   interval,
		batchSize:  batchSize,
		starvation: make(map[string]int),
	}
}

// Run blocks, ticking every d.interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopping", slog.String("component", "dispatcher"))
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	tracer := otel.Tracer("dispatcher")
	ctx, span := tracer.Start(ctx, "Dispatcher.tick")
	start := time.Now()
	defer func() {
		d.lastTickUnixNano.Store(time.Now().UnixNano())
		dur := time.Since(start)
		observability.DispatchTickDuration.Observe(dur.Seconds())
		span.End()
	}()

	now := time.Now()
	idle := d.workers.IdleHealthy(now)
	if len(idle) == 0 {
		return
	}

	candidates, err := d.jobs.DequeueNext(ctx, nil, d.batchSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("dispatcher failed to dequeue candidates", slog.Any("error", err), slog.String("component", "dispatcher"))
		return
	}
	span.SetAttributes(
		attribute.Int("dispatcher.idle_workers", len(idle)),
		attribute.Int("dispatcher.candidates", len(candidates)),
	)
	if len(candidates) == 0 {
		return
	}
	reportQueueDepth(candidates)

	assigned := make(map[string]bool, len(candidates))
	remaining := func() []domain.Job {
		out := candidates[:0:0]
		for _, j := range candidates {
			if !assigned[j.ID] {
				out = append(out, j)
			}
		}
		return out
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, w := range idle {
		sel, ok := selectForWorker(w, remaining(), d.starvation)
		if !ok {
			continue
		}

		won := d.transitionBatch(ctx, w.ID, sel.jobs)
		if len(won) == 0 {
			continue
		}
		for _, j := range won {
			assigned[j.ID] = true
		}

		d.workers.MarkBusy(w.ID, jobIDs(won))
		observability.DispatchAssignedTotal.WithLabelValues(boolLabel(sel.batched && len(won) > 1)).Add(float64(len(won)))

		worker := w
		go d.dispatchAndAwait(context.WithoutCancel(ctx), worker, won)
	}
}

// transitionBatch atomically transitions each member to RUNNING; members
// stolen by a racing cancel/dispatch are dropped per §4.3 step 4.
func (d *Dispatcher) transitionBatch(ctx context.Context, workerID string, jobs []domain.Job) []domain.Job {
	now := time.Now()
	var won []domain.Job
	for _, j := range jobs {
		ok, err := d.jobs.TransitionStatus(ctx, j.ID, domain.JobQueued, domain.JobRunning, func(job *domain.Job) {
			job.StartedAt = &now
			job.WorkerID = &workerID
		})
		if err != nil {
			slog.Error("dispatcher failed to transition job to running", slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		if ok {
			j.StartedAt = &now
			j.WorkerID = &workerID
			won = append(won, j)
		}
	}
	return won
}

// dispatchAndAwait performs the network call and hands the outcome to the
// completion handler, run in its own goroutine so the tick loop never
// blocks on worker I/O (§4.3 step 5).
func (d *Dispatcher) dispatchAndAwait(ctx context.Context, w registry.Worker, jobs []domain.Job) {
	defer d.workers.MarkIdle(w.ID)

	for _, j := range jobs {
		j := j
		reply, err := d.client.RunJob(ctx, w.BaseURL, j)
		d.workers.RecordOutcome(w.ID, dispatchOutcomeErr(reply, err))
		if d.completion != nil {
			if err != nil {
				d.completion.HandleReply(ctx, j, nil, err)
			} else {
				d.completion.HandleReply(ctx, j, &reply, nil)
			}
		}
	}
}

func dispatchOutcomeErr(reply RunJobReply, err error) error {
	if err != nil {
		return err
	}
	if reply.Status == "failed" {
		return domain.ErrWorkerError
	}
	return nil
}

func jobIDs(jobs []domain.Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}

// reportQueueDepth publishes a coarse per-priority snapshot of the
// candidate pool sampled this tick (not the full QUEUED table, which the
// dispatcher never scans in full).
func reportQueueDepth(candidates []domain.Job) {
	counts := map[int]int{}
	for _, j := range candidates {
		counts[j.Priority]++
	}
	for priority, n := range counts {
		observability.QueueDepth.WithLabelValues(priorityLabel(priority)).Set(float64(n))
	}
}

func priorityLabel(p int) string {
	switch p {
	case 0:
		return "0"
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3"
	default:
		return "unknown"
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
