package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tessera-ai/control-plane/internal/domain"
)

// ArtifactRepo persists and loads job output artifacts.
// Grounded on the teacher's ResultRepo's Upsert/GetByJobID shape,
// generalized from a one-result-per-job relation to many-per-job.
type ArtifactRepo struct{ Pool PgxPool }

// NewArtifactRepo constructs an ArtifactRepo with the given pool.
func NewArtifactRepo(p PgxPool) *ArtifactRepo { return &ArtifactRepo{Pool: p} }

const artifactColumns = `id, job_id, type, format, path, url, width, height, duration_seconds,
	file_size_bytes, metadata, expires_at, created_at`

func scanArtifact(row pgx.Row) (domain.Artifact, error) {
	var a domain.Artifact
	var metadata []byte
	if err := row.Scan(&a.ID, &a.JobID, &a.Type, &a.Format, &a.Path, &a.URL, &a.Width, &a.Height,
		&a.DurationSeconds, &a.FileSizeBytes, &metadata, &a.ExpiresAt, &a.CreatedAt); err != nil {
		return domain.Artifact{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return domain.Artifact{}, fmt.Errorf("op=artifact.scan.unmarshal_metadata: %w", err)
		}
	}
	return a, nil
}

// Create stores a new artifact and returns its id.
func (r *ArtifactRepo) Create(ctx domain.Context, a domain.Artifact) (string, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "artifacts"),
	)
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return "", fmt.Errorf("op=artifact.create.marshal_metadata: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO artifacts (id, job_id, type, format, path, url, width, height, duration_seconds,
		file_size_bytes, metadata, expires_at, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err = r.Pool.Exec(ctx, q, id, a.JobID, a.Type, a.Format, a.Path, a.URL, a.Width, a.Height,
		a.DurationSeconds, a.FileSizeBytes, metadata, a.ExpiresAt, now)
	if err != nil {
		return "", fmt.Errorf("op=artifact.create: %w", err)
	}
	return id, nil
}

// ListByJob loads all artifacts produced by jobID, oldest first.
func (r *ArtifactRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.Artifact, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.ListByJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "artifacts"),
	)
	q := `SELECT ` + artifactColumns + ` FROM artifacts WHERE job_id=$1 ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=artifact.list_by_job: %w", err)
	}
	defer rows.Close()

	var artifacts []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("op=artifact.list_by_job_scan: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=artifact.list_by_job_rows: %w", err)
	}
	return artifacts, nil
}

// DeleteExpired removes artifacts whose ExpiresAt has passed asOf.
func (r *ArtifactRepo) DeleteExpired(ctx domain.Context, asOf time.Time) (int, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.DeleteExpired")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "DELETE"),
		attribute.String("db.sql.table", "artifacts"),
	)
	q := `DELETE FROM artifacts WHERE expires_at IS NOT NULL AND expires_at < $1`
	result, err := r.Pool.Exec(ctx, q, asOf)
	if err != nil {
		return 0, fmt.Errorf("op=artifact.delete_expired: %w", err)
	}
	return int(result.RowsAffected()), nil
}
