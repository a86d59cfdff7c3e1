// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tessera-ai/control-plane/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
// Grounded on the teacher's JobRepo: same pool abstraction, same
// explicit-transaction-with-ReadCommitted pattern for status writes,
// generalized from a single UpdateStatus into the CAS TransitionStatus the
// lifecycle state machine requires (§4.1).
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts a new job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
	)
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	params, err := json.Marshal(j.Params)
	if err != nil {
		return "", fmt.Errorf("op=job.create.marshal_params: %w", err)
	}
	metadata, err := json.Marshal(j.Metadata)
	if err != nil {
		return "", fmt.Errorf("op=job.create.marshal_metadata: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, user_id, frontend, bot_id, capability, status, priority, params, workflow_id,
		cost_tokens, worker_id, created_at, queued_at, started_at, ended_at, execution_time_seconds, error, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`
	_, err = r.Pool.Exec(ctx, q, id, j.UserID, j.Frontend, j.BotID, j.Capability, j.Status, j.Priority, params,
		j.WorkflowID, j.CostTokens, j.WorkerID, now, j.QueuedAt, j.StartedAt, j.EndedAt, j.ExecutionTimeSeconds,
		nullJobError(j.Error), metadata)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

const jobColumns = `id, user_id, frontend, bot_id, capability, status, priority, params, workflow_id,
	cost_tokens, worker_id, created_at, queued_at, started_at, ended_at, execution_time_seconds, error, metadata`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var params, metadata []byte
	var jobErr []byte
	if err := row.Scan(&j.ID, &j.UserID, &j.Frontend, &j.BotID, &j.Capability, &j.Status, &j.Priority, &params,
		&j.WorkflowID, &j.CostTokens, &j.WorkerID, &j.CreatedAt, &j.QueuedAt, &j.StartedAt, &j.EndedAt,
		&j.ExecutionTimeSeconds, &jobErr, &metadata); err != nil {
		return domain.Job{}, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Params); err != nil {
			return domain.Job{}, fmt.Errorf("op=job.scan.unmarshal_params: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &j.Metadata); err != nil {
			return domain.Job{}, fmt.Errorf("op=job.scan.unmarshal_metadata: %w", err)
		}
	}
	if len(jobErr) > 0 {
		var e domain.JobError
		if err := json.Unmarshal(jobErr, &e); err != nil {
			return domain.Job{}, fmt.Errorf("op=job.scan.unmarshal_error: %w", err)
		}
		j.Error = &e
	}
	return j, nil
}

func nullJobError(e *domain.JobError) []byte {
	if e == nil {
		return nil
	}
	b, _ := json.Marshal(e)
	return b
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// TransitionStatus moves a job from expectedFrom to to with explicit
// transaction management, mirroring the teacher's UpdateStatus: begin a
// ReadCommitted transaction, read-modify-write under it, verify the CAS
// condition holds at commit time via RowsAffected, log each phase.
func (r *JobRepo) TransitionStatus(ctx domain.Context, id string, expectedFrom, to domain.JobStatus, mutate func(*domain.Job)) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.TransitionStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
		attribute.String("job.id", id),
		attribute.String("job.from", string(expectedFrom)),
		attribute.String("job.to", string(to)),
	)

	slog.Info("starting job status transition with explicit transaction",
		slog.String("job_id", id), slog.String("from", string(expectedFrom)), slog.String("to", string(to)))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		slog.Error("failed to begin transaction for job status transition",
			slog.String("job_id", id), slog.Any("error", err))
		return false, fmt.Errorf("op=job.transition.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
				slog.Error("failed to rollback transaction", slog.String("job_id", id), slog.Any("error", rbErr))
			}
		}
	}()

	selectQ := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1 FOR UPDATE`
	j, err := scanJob(tx.QueryRow(ctx, selectQ, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, fmt.Errorf("op=job.transition.select: %w", domain.ErrNotFound)
		}
		return false, fmt.Errorf("op=job.transition.select: %w", err)
	}
	if j.Status != expectedFrom {
		slog.Info("job status transition CAS mismatch",
			slog.String("job_id", id), slog.String("expected", string(expectedFrom)), slog.String("actual", string(j.Status)))
		return false, nil
	}

	if mutate != nil {
		mutate(&j)
	}
	j.Status = to

	params, err := json.Marshal(j.Params)
	if err != nil {
		return false, fmt.Errorf("op=job.transition.marshal_params: %w", err)
	}
	metadata, err := json.Marshal(j.Metadata)
	if err != nil {
		return false, fmt.Errorf("op=job.transition.marshal_metadata: %w", err)
	}

	updateQ := `UPDATE jobs SET status=$2, priority=$3, params=$4, worker_id=$5, queued_at=$6, started_at=$7,
		ended_at=$8, execution_time_seconds=$9, error=$10, metadata=$11, cost_tokens=$12 WHERE id=$1 AND status=$13`
	updateStart := time.Now()
	result, err := tx.Exec(ctx, updateQ, id, j.Status, j.Priority, params, j.WorkerID, j.QueuedAt, j.StartedAt,
		j.EndedAt, j.ExecutionTimeSeconds, nullJobError(j.Error), metadata, j.CostTokens, expectedFrom)
	updateDuration := time.Since(updateStart)
	if err != nil {
		slog.Error("failed to execute job status transition",
			slog.String("job_id", id), slog.Duration("update_duration", updateDuration), slog.Any("error", err))
		return false, fmt.Errorf("op=job.transition.exec: %w", err)
	}

	rowsAffected := result.RowsAffected()
	if rowsAffected == 0 {
		// Another writer moved the row between our SELECT ... FOR UPDATE and
		// this UPDATE's WHERE check; the lock should prevent this, but the
		// CAS predicate stays as defense in depth.
		slog.Warn("job status transition lost the CAS race", slog.String("job_id", id))
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		slog.Error("failed to commit job status transition", slog.String("job_id", id), slog.Any("error", err))
		return false, fmt.Errorf("op=job.transition.commit: %w", err)
	}
	committed = true

	slog.Info("job status transition committed",
		slog.String("job_id", id), slog.String("to", string(to)), slog.Duration("update_duration", updateDuration))
	return true, nil
}

// DequeueNext selects up to limit QUEUED jobs ordered priority desc,
// queued_at asc, restricted to capabilities when non-empty.
func (r *JobRepo) DequeueNext(ctx domain.Context, capabilities []domain.Capability, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DequeueNext")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status=$1`
	args := []any{domain.JobQueued}
	if len(capabilities) > 0 {
		q += ` AND capability = ANY($2)`
		caps := make([]string, len(capabilities))
		for i, c := range capabilities {
			caps[i] = string(c)
		}
		args = append(args, caps)
	}
	q += fmt.Sprintf(` ORDER BY priority DESC, queued_at ASC, id ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.dequeue_next: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows, "job.dequeue_next")
}

func collectJobs(rows pgx.Rows, op string) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=%s_scan: %w", op, err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s_rows: %w", op, err)
	}
	return jobs, nil
}

// CountActiveForUser counts a user's non-terminal jobs.
func (r *JobRepo) CountActiveForUser(ctx domain.Context, userID string) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountActiveForUser")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "COUNT"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT COUNT(*) FROM jobs WHERE user_id=$1 AND status IN ($2,$3,$4)`
	row := r.Pool.QueryRow(ctx, q, userID, domain.JobCreated, domain.JobQueued, domain.JobRunning)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("op=job.count_active_for_user: %w", err)
	}
	return count, nil
}

// QueuePosition counts QUEUED jobs ordered ahead of a candidate with the
// given priority/queuedAt: higher priority, or same priority queued
// earlier (§4.2 step 9).
func (r *JobRepo) QueuePosition(ctx domain.Context, priority int, queuedAt time.Time) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.QueuePosition")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "COUNT"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT COUNT(*) FROM jobs WHERE status=$1 AND (priority > $2 OR (priority = $2 AND queued_at < $3))`
	row := r.Pool.QueryRow(ctx, q, domain.JobQueued, priority, queuedAt)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("op=job.queue_position: %w", err)
	}
	return count, nil
}

// FindStaleRunning returns the oldest-started RUNNING jobs as of asOf, for
// the reaper to check against each job's own timeout_seconds deadline
// (§4.5); the per-job deadline isn't expressible as a single column
// comparison here, so this only narrows candidates by age.
func (r *JobRepo) FindStaleRunning(ctx domain.Context, asOf time.Time, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindStaleRunning")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status=$1 AND started_at < $2 ORDER BY started_at ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, domain.JobRunning, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.find_stale_running: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows, "job.find_stale_running")
}

// FindRunningOnWorker returns RUNNING jobs assigned to workerID.
func (r *JobRepo) FindRunningOnWorker(ctx domain.Context, workerID string) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindRunningOnWorker")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status=$1 AND worker_id=$2`
	rows, err := r.Pool.Query(ctx, q, domain.JobRunning, workerID)
	if err != nil {
		return nil, fmt.Errorf("op=job.find_running_on_worker: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows, "job.find_running_on_worker")
}

// List returns jobs matching f, generalizing the teacher's
// ListWithFilters dynamic-WHERE-builder to JobFilter's field set.
func (r *JobRepo) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	where, args := buildJobFilter(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM jobs` + where
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, f.Offset)

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows, "job.list")
}

// Count returns the total number of jobs matching f.
func (r *JobRepo) Count(ctx domain.Context, f domain.JobFilter) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Count")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "COUNT"),
		attribute.String("db.sql.table", "jobs"),
	)
	where, args := buildJobFilter(f)
	q := `SELECT COUNT(*) FROM jobs` + where
	row := r.Pool.QueryRow(ctx, q, args...)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("op=job.count: %w", err)
	}
	return count, nil
}

func buildJobFilter(f domain.JobFilter) (string, []any) {
	var clauses []string
	var args []any
	argIndex := 1

	if f.UserID != "" {
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", argIndex))
		args = append(args, f.UserID)
		argIndex++
	}
	if f.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, f.Status)
		argIndex++
	}
	if f.Capability != "" {
		clauses = append(clauses, fmt.Sprintf("capability = $%d", argIndex))
		args = append(args, f.Capability)
		argIndex++
	}
	if f.Since != nil {
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", argIndex))
		args = append(args, *f.Since)
		argIndex++
	}

	if len(clauses) == 0 {
		return "", args
	}
	where := " WHERE "
	for i, c := range clauses {
		if i > 0 {
			where += " AND "
		}
		where += c
	}
	return where, args
}

// DeleteTerminalOlderThan deletes terminal jobs past the retention cutoff;
// their artifacts cascade via the jobs->artifacts foreign key.
func (r *JobRepo) DeleteTerminalOlderThan(ctx domain.Context, cutoff time.Time) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DeleteTerminalOlderThan")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "DELETE"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `DELETE FROM jobs WHERE status IN ($1,$2,$3) AND created_at < $4`
	result, err := r.Pool.Exec(ctx, q, domain.JobCompleted, domain.JobFailed, domain.JobCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=job.delete_terminal_older_than: %w", err)
	}
	return int(result.RowsAffected()), nil
}
