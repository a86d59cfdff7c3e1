package domain

import "time"

// JobFilter narrows List/Count queries over jobs; zero-value fields are
// unconstrained. Generalizes the teacher's (search, status) filter pair to
// Tessera's (status, capability, since, user) set (§ Supplemented Features).
type JobFilter struct {
	UserID     string
	Status     JobStatus
	Capability Capability
	Since      *time.Time
	Limit      int
	Offset     int
}

//go:generate mockery --name=PlanRepository --with-expecter --filename=plan_repository_mock.go
//go:generate mockery --name=UserRepository --with-expecter --filename=user_repository_mock.go
//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
//go:generate mockery --name=ArtifactRepository --with-expecter --filename=artifact_repository_mock.go
//go:generate mockery --name=UsageRepository --with-expecter --filename=usage_repository_mock.go
//go:generate mockery --name=WebhookSender --with-expecter --filename=webhook_sender_mock.go

// PlanRepository reads plan policy rows. Plans are seeded out-of-band
// (migration or admin tooling); the control plane only ever reads them.
type PlanRepository interface {
	Get(ctx Context, tier PlanTier) (Plan, error)
	List(ctx Context) ([]Plan, error)
}

// UserRepository manages user identities, keyed by platform identity or by
// opaque id.
type UserRepository interface {
	Create(ctx Context, u User) (string, error)
	Get(ctx Context, id string) (User, error)
	GetByPlatformIdentity(ctx Context, platform Platform, platformUserID string) (User, error)
	GetByAPIKey(ctx Context, apiKey string) (User, error)
	UpdateLastActive(ctx Context, id string, at time.Time) error
	UpdatePlan(ctx Context, id string, tier PlanTier) error
}

// JobRepository manages job rows and the lifecycle transitions over them.
//
// Transition writes must be conditional on the expected current status
// (compare-and-swap) so two racing writers — e.g. the dispatcher and the
// reaper — can never both believe they advanced the same job.
type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)

	// TransitionStatus moves a job from expectedFrom to to, applying mutate
	// to the row inside the same statement, and reports whether the CAS
	// matched (no match means someone else already moved the job).
	TransitionStatus(ctx Context, id string, expectedFrom, to JobStatus, mutate func(*Job)) (bool, error)

	// DequeueNext selects up to limit QUEUED jobs a dispatcher tick should
	// consider, ordered by priority (desc), then queued_at (asc), then id
	// (asc), restricted
	// to rows whose capability is in capabilities when non-empty.
	DequeueNext(ctx Context, capabilities []Capability, limit int) ([]Job, error)

	// CountActiveForUser counts a user's non-terminal jobs, for the
	// concurrent-job-limit admission check.
	CountActiveForUser(ctx Context, userID string) (int, error)

	// QueuePosition counts QUEUED jobs ordered ahead of a candidate with
	// the given priority/queuedAt, per §4.2 step 9: priority > this OR
	// (priority == this AND queued_at < this).
	QueuePosition(ctx Context, priority int, queuedAt time.Time) (int, error)

	// FindStaleRunning returns up to limit RUNNING jobs ordered by
	// StartedAt ascending, for the reaper's timeout sweep. Each job's own
	// deadline (StartedAt + its params.timeout_seconds + grace) is a
	// per-job value the caller must apply itself (§4.5); this only narrows
	// the candidate set to the oldest RUNNING rows as of asOf.
	FindStaleRunning(ctx Context, asOf time.Time, limit int) ([]Job, error)

	// FindRunningOnWorker returns RUNNING jobs assigned to workerID, for
	// reassignment when a worker is declared dead.
	FindRunningOnWorker(ctx Context, workerID string) ([]Job, error)

	List(ctx Context, f JobFilter) ([]Job, error)
	Count(ctx Context, f JobFilter) (int, error)

	// DeleteTerminalOlderThan deletes terminal jobs (and cascades their
	// artifacts) past the retention cutoff, returning the count removed.
	DeleteTerminalOlderThan(ctx Context, cutoff time.Time) (int, error)
}

// ArtifactRepository manages job output records.
type ArtifactRepository interface {
	Create(ctx Context, a Artifact) (string, error)
	ListByJob(ctx Context, jobID string) ([]Artifact, error)
	DeleteExpired(ctx Context, asOf time.Time) (int, error)
}

// UsageRepository tracks the daily per-user usage ledger.
type UsageRepository interface {
	// IncrementUsage upserts today's row for userID, adding tokens to the
	// capability's bucket and incrementing the completed/failed counters.
	IncrementUsage(ctx Context, userID string, date time.Time, capability Capability, tokens float64, completed, failed bool) error

	// TokensUsedToday returns the user's running token total for date's
	// UTC day, for the daily-quota admission check.
	TokensUsedToday(ctx Context, userID string, date time.Time) (float64, error)

	Get(ctx Context, userID string, date time.Time) (DailyUsage, error)
}

// WebhookSender delivers a terminal job's outcome to its caller-supplied
// callback URL.
type WebhookSender interface {
	Send(ctx Context, url string, job Job) error
}
