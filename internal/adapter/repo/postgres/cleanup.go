package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/tessera-ai/control-plane/internal/domain"
)

// CleanupService enforces the data-retention policy: terminal jobs (and
// their artifacts, via cascade) past the retention window are deleted;
// expired artifacts are deleted independently of their job's age;
// daily_usage rows are never touched here — the billing ledger is kept
// forever. Grounded on the teacher's CleanupService ticker-loop shape,
// retargeted from raw SQL onto the JobRepository/ArtifactRepository ports
// so the deletion predicates live in one place (jobs_repo.go,
// artifacts_repo.go) instead of being duplicated here.
type CleanupService struct {
	Jobs          domain.JobRepository
	Artifacts     domain.ArtifactRepository
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(jobs domain.JobRepository, artifacts domain.ArtifactRepository, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Jobs: jobs, Artifacts: artifacts, RetentionDays: retentionDays}
}

// CleanupOldData removes terminal jobs older than the retention window and
// artifacts whose expiry time has already passed.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -s.RetentionDays)

	deletedJobs, err := s.Jobs.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("cleanup failed to delete terminal jobs", slog.Any("error", err))
		return err
	}

	deletedArtifacts, err := s.Artifacts.DeleteExpired(ctx, now)
	if err != nil {
		slog.Error("cleanup failed to delete expired artifacts", slog.Any("error", err))
		return err
	}

	slog.Info("data cleanup completed",
		slog.Int("deleted_jobs", deletedJobs),
		slog.Int("deleted_artifacts", deletedArtifacts),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs CleanupOldData once immediately, then every interval
// until ctx is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping", slog.String("component", "cleanup"))
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
