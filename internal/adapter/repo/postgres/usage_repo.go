package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tessera-ai/control-plane/internal/domain"
)

// UsageRepo tracks the daily per-user usage ledger, one row per (user, UTC
// date). Grounded on the teacher's ResultRepo upsert-on-conflict shape,
// wrapped in an explicit transaction so the tokens-by-capability merge
// reads its own write.
type UsageRepo struct{ Pool PgxPool }

// NewUsageRepo constructs a UsageRepo with the given pool.
func NewUsageRepo(p PgxPool) *UsageRepo { return &UsageRepo{Pool: p} }

func truncDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// IncrementUsage upserts today's row for userID, adding tokens to the
// capability's bucket and bumping the completed/failed counters.
func (r *UsageRepo) IncrementUsage(ctx domain.Context, userID string, date time.Time, capability domain.Capability, tokens float64, completed, failed bool) error {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.IncrementUsage")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "daily_usage"),
	)
	day := truncDay(date)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=usage.increment.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var byCapRaw []byte
	row := tx.QueryRow(ctx, `SELECT tokens_by_capability FROM daily_usage WHERE user_id=$1 AND date=$2 FOR UPDATE`, userID, day)
	byCap := map[domain.Capability]float64{}
	switch err := row.Scan(&byCapRaw); err {
	case nil:
		if len(byCapRaw) > 0 {
			if err := json.Unmarshal(byCapRaw, &byCap); err != nil {
				return fmt.Errorf("op=usage.increment.unmarshal: %w", err)
			}
		}
	case pgx.ErrNoRows:
		// first row for this user/day; insert below.
	default:
		return fmt.Errorf("op=usage.increment.select: %w", err)
	}
	byCap[capability] += tokens
	byCapJSON, err := json.Marshal(byCap)
	if err != nil {
		return fmt.Errorf("op=usage.increment.marshal: %w", err)
	}

	completedDelta, failedDelta := 0, 0
	if completed {
		completedDelta = 1
	}
	if failed {
		failedDelta = 1
	}

	q := `INSERT INTO daily_usage (user_id, date, tokens_used, jobs_completed, jobs_failed, tokens_by_capability)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (user_id, date)
		DO UPDATE SET tokens_used = daily_usage.tokens_used + EXCLUDED.tokens_used,
			jobs_completed = daily_usage.jobs_completed + EXCLUDED.jobs_completed,
			jobs_failed = daily_usage.jobs_failed + EXCLUDED.jobs_failed,
			tokens_by_capability = EXCLUDED.tokens_by_capability`
	if _, err := tx.Exec(ctx, q, userID, day, tokens, completedDelta, failedDelta, byCapJSON); err != nil {
		return fmt.Errorf("op=usage.increment.exec: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=usage.increment.commit: %w", err)
	}
	committed = true
	return nil
}

// TokensUsedToday returns the user's running token total for date's UTC day.
func (r *UsageRepo) TokensUsedToday(ctx domain.Context, userID string, date time.Time) (float64, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.TokensUsedToday")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "daily_usage"),
	)
	q := `SELECT tokens_used FROM daily_usage WHERE user_id=$1 AND date=$2`
	row := r.Pool.QueryRow(ctx, q, userID, truncDay(date))
	var tokens float64
	if err := row.Scan(&tokens); err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("op=usage.tokens_used_today: %w", err)
	}
	return tokens, nil
}

// Get loads the full daily usage row for (userID, date), returning a
// zero-value row (no error) when none exists yet.
func (r *UsageRepo) Get(ctx domain.Context, userID string, date time.Time) (domain.DailyUsage, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "daily_usage"),
	)
	day := truncDay(date)
	q := `SELECT user_id, date, tokens_used, jobs_completed, jobs_failed, tokens_by_capability
		FROM daily_usage WHERE user_id=$1 AND date=$2`
	row := r.Pool.QueryRow(ctx, q, userID, day)
	var u domain.DailyUsage
	var byCapRaw []byte
	if err := row.Scan(&u.UserID, &u.Date, &u.TokensUsed, &u.JobsCompleted, &u.JobsFailed, &byCapRaw); err != nil {
		if err == pgx.ErrNoRows {
			return domain.DailyUsage{UserID: userID, Date: day, TokensByCapability: map[domain.Capability]float64{}}, nil
		}
		return domain.DailyUsage{}, fmt.Errorf("op=usage.get: %w", err)
	}
	u.TokensByCapability = map[domain.Capability]float64{}
	if len(byCapRaw) > 0 {
		if err := json.Unmarshal(byCapRaw, &u.TokensByCapability); err != nil {
			return domain.DailyUsage{}, fmt.Errorf("op=usage.get.unmarshal: %w", err)
		}
	}
	return u, nil
}
