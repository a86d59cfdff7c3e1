package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tessera-ai/control-plane/internal/domain"
)

// PlanRepo reads plan policy rows; plans are seeded out-of-band and never
// written by the control plane at runtime.
type PlanRepo struct{ Pool PgxPool }

// NewPlanRepo constructs a PlanRepo with the given pool.
func NewPlanRepo(p PgxPool) *PlanRepo { return &PlanRepo{Pool: p} }

const planColumns = `tier, daily_token_limit, requests_per_minute, max_concurrent_jobs, priority,
	max_resolution, max_audio_duration, allowed_models, price_cents, description`

func scanPlan(row pgx.Row) (domain.Plan, error) {
	var p domain.Plan
	var models []byte
	if err := row.Scan(&p.Tier, &p.DailyTokenLimit, &p.RequestsPerMinute, &p.MaxConcurrentJobs, &p.Priority,
		&p.MaxResolution, &p.MaxAudioDuration, &models, &p.PriceCents, &p.Description); err != nil {
		return domain.Plan{}, err
	}
	if len(models) > 0 {
		if err := json.Unmarshal(models, &p.AllowedModels); err != nil {
			return domain.Plan{}, fmt.Errorf("op=plan.scan.unmarshal_models: %w", err)
		}
	}
	return p, nil
}

// Get loads a plan by tier.
func (r *PlanRepo) Get(ctx domain.Context, tier domain.PlanTier) (domain.Plan, error) {
	tracer := otel.Tracer("repo.plans")
	ctx, span := tracer.Start(ctx, "plans.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "plans"),
	)
	q := `SELECT ` + planColumns + ` FROM plans WHERE tier=$1`
	p, err := scanPlan(r.Pool.QueryRow(ctx, q, tier))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Plan{}, fmt.Errorf("op=plan.get: %w", domain.ErrNotFound)
		}
		return domain.Plan{}, fmt.Errorf("op=plan.get: %w", err)
	}
	return p, nil
}

// List returns every plan, ordered by ascending priority.
func (r *PlanRepo) List(ctx domain.Context) ([]domain.Plan, error) {
	tracer := otel.Tracer("repo.plans")
	ctx, span := tracer.Start(ctx, "plans.List")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "plans"),
	)
	q := `SELECT ` + planColumns + ` FROM plans ORDER BY priority ASC`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=plan.list: %w", err)
	}
	defer rows.Close()

	var plans []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("op=plan.list_scan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=plan.list_rows: %w", err)
	}
	return plans, nil
}
