package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tessera-ai/control-plane/internal/domain"
)

// UserRepo persists and loads users using a minimal pgx pool.
// Grounded on the teacher's UploadRepo's Create/Get shape.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

const userColumns = `id, platform, platform_user_id, plan_tier, email, display_name, ip, api_key,
	api_key_created_at, created_at, last_active_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Platform, &u.PlatformUserID, &u.PlanTier, &u.Email, &u.DisplayName, &u.IP,
		&u.APIKey, &u.APIKeyCreatedAt, &u.CreatedAt, &u.LastActiveAt); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// Create stores a new user and returns its id (generates one if empty).
func (r *UserRepo) Create(ctx domain.Context, u domain.User) (string, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "users"),
	)
	id := u.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO users (id, platform, platform_user_id, plan_tier, email, display_name, ip, api_key,
		api_key_created_at, created_at, last_active_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.Pool.Exec(ctx, q, id, u.Platform, u.PlatformUserID, u.PlanTier, u.Email, u.DisplayName, u.IP,
		u.APIKey, u.APIKeyCreatedAt, now, now)
	if err != nil {
		return "", fmt.Errorf("op=user.create: %w", err)
	}
	return id, nil
}

// Get loads a user by id.
func (r *UserRepo) Get(ctx domain.Context, id string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "users"),
	)
	q := `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	u, err := scanUser(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get: %w", err)
	}
	return u, nil
}

// GetByPlatformIdentity loads a user by (platform, platformUserID), the
// natural key for inbound bot traffic.
func (r *UserRepo) GetByPlatformIdentity(ctx domain.Context, platform domain.Platform, platformUserID string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.GetByPlatformIdentity")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "users"),
	)
	q := `SELECT ` + userColumns + ` FROM users WHERE platform=$1 AND platform_user_id=$2`
	u, err := scanUser(r.Pool.QueryRow(ctx, q, platform, platformUserID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.User{}, fmt.Errorf("op=user.get_by_platform_identity: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get_by_platform_identity: %w", err)
	}
	return u, nil
}

// GetByAPIKey loads a user by their API key, the natural key for
// first-party web/API traffic.
func (r *UserRepo) GetByAPIKey(ctx domain.Context, apiKey string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.GetByAPIKey")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "users"),
	)
	q := `SELECT ` + userColumns + ` FROM users WHERE api_key=$1`
	u, err := scanUser(r.Pool.QueryRow(ctx, q, apiKey))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.User{}, fmt.Errorf("op=user.get_by_api_key: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get_by_api_key: %w", err)
	}
	return u, nil
}

// UpdateLastActive bumps the user's last-active timestamp.
func (r *UserRepo) UpdateLastActive(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.UpdateLastActive")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "users"),
	)
	q := `UPDATE users SET last_active_at=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, at); err != nil {
		return fmt.Errorf("op=user.update_last_active: %w", err)
	}
	return nil
}

// UpdatePlan changes the user's plan tier.
func (r *UserRepo) UpdatePlan(ctx domain.Context, id string, tier domain.PlanTier) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.UpdatePlan")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "users"),
	)
	q := `UPDATE users SET plan_tier=$2 WHERE id=$1`
	result, err := r.Pool.Exec(ctx, q, id, tier)
	if err != nil {
		return fmt.Errorf("op=user.update_plan: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("op=user.update_plan: %w", domain.ErrNotFound)
	}
	return nil
}
