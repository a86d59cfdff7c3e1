// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"time"
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// Platform identifies the frontend origin of a user.
type Platform string

// Supported platforms.
const (
	PlatformTelegram Platform = "telegram"
	PlatformDiscord  Platform = "discord"
	PlatformWeb      Platform = "web"
)

// PlanTier is the unique tier identifier of a Plan.
type PlanTier string

// Canonical plan tiers, ordered by ascending priority.
const (
	PlanFree    PlanTier = "free"
	PlanStarter PlanTier = "starter"
	PlanPro     PlanTier = "pro"
	PlanAdmin   PlanTier = "admin"
)

// ModelWildcard denotes "all models allowed" in Plan.AllowedModels.
const ModelWildcard = "*"

// Plan is an immutable policy record describing a subscription tier.
//
// Priority values are distinct per tier in the canonical ordering
// admin(3) > pro(2) > starter(1) > free(0); the dispatcher and admission
// pipeline only ever see the Priority snapshot stamped onto a Job.
type Plan struct {
	Tier              PlanTier
	DailyTokenLimit   float64
	RequestsPerMinute int
	MaxConcurrentJobs int
	Priority          int     // 0..3
	MaxResolution     int     // longest edge, pixels
	MaxAudioDuration  float64 // seconds (§4.2 step 5)
	AllowedModels     []string
	PriceCents        int
	Description       string
}

// Allows reports whether the plan permits the given model id.
func (p Plan) Allows(model string) bool {
	for _, m := range p.AllowedModels {
		if m == ModelWildcard || m == model {
			return true
		}
	}
	return false
}

// User is an identity on a single frontend platform.
//
// (Platform, PlatformUserID) is unique. A User row is created on first
// contact and never deleted; a plan change is the only way to deactivate.
type User struct {
	ID              string
	Platform        Platform
	PlatformUserID  string
	PlanTier        PlanTier
	Email           *string
	DisplayName     *string
	IP              *string
	APIKey          *string
	APIKeyCreatedAt *time.Time
	CreatedAt       time.Time
	LastActiveAt    time.Time
}

// Capability is the kind of generation work a job requests.
type Capability string

// Supported capabilities.
const (
	CapabilityImage Capability = "image"
	CapabilityVideo Capability = "video"
	CapabilityText  Capability = "text"
	CapabilityAudio Capability = "audio"
)

// JobStatus captures the lifecycle state of a job.
type JobStatus string

// Job status values; see the state machine in §4.1.
const (
	JobCreated   JobStatus = "created"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether status is one from which no further transition occurs.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// MaxRetries bounds recoverable-failure requeues (§4.1, RUNNING -> QUEUED).
const MaxRetries = 2

// JobError is the structured error recorded on a failed job.
type JobError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// JobMetadata is the job's free-form bookkeeping bag (§3).
type JobMetadata struct {
	RetryCount   int            `json:"retry_count"`
	ReplyContext map[string]any `json:"reply_context,omitempty"`
	ArtifactIDs  []string       `json:"artifact_ids,omitempty"`
	WebhookURL   string         `json:"webhook_url,omitempty"`
}

// BatchKey groups jobs eligible for co-execution on one worker (§4.3).
type BatchKey struct {
	Engine     string
	Model      string
	Resolution string
	Steps      int
	Precision  string
}

// Job is the central entity whose state evolves through the lifecycle
// machine.
//
// QueuedAt >= CreatedAt, StartedAt >= QueuedAt, EndedAt >= StartedAt
// whenever each is non-nil. WorkerID is non-nil from the moment dispatch
// assigns the job and is retained after completion for audit. CostTokens
// is fixed at admission and never recomputed.
type Job struct {
	ID         string
	UserID     string
	Frontend   string
	BotID      *string
	Capability Capability
	Status     JobStatus
	Priority   int // snapshot of the user's plan priority at admission
	Params     map[string]any
	WorkflowID *string
	CostTokens float64

	WorkerID *string

	CreatedAt time.Time
	QueuedAt  *time.Time
	StartedAt *time.Time
	EndedAt   *time.Time

	ExecutionTimeSeconds *float64
	Error                *JobError
	Metadata             JobMetadata
}

// BatchKeyOf derives the job's batch key from its params; ok is false for
// capabilities/params that don't carry enough shape to batch.
func (j Job) BatchKeyOf() (key BatchKey, ok bool) {
	model, _ := j.Params["model"].(string)
	if model == "" {
		return BatchKey{}, false
	}
	engine, _ := j.Params["engine"].(string)
	resolution, _ := j.Params["resolution"].(string)
	precision, _ := j.Params["precision"].(string)
	var steps int
	switch v := j.Params["steps"].(type) {
	case int:
		steps = v
	case float64:
		steps = int(v)
	}
	return BatchKey{Engine: engine, Model: model, Resolution: resolution, Steps: steps, Precision: precision}, true
}

// Artifact is an output produced by a completed job.
//
// Becomes publicly visible only once the parent job reaches
// Status == JobCompleted. Deleting the parent job cascades to its artifacts.
type Artifact struct {
	ID              string
	JobID           string
	Type            string
	Format          string
	Path            string
	URL             string
	Width           *int
	Height          *int
	DurationSeconds *float64
	FileSizeBytes   *int64
	Metadata        map[string]any
	ExpiresAt       *time.Time
	CreatedAt       time.Time
}

// DailyUsage is one row per (user, UTC date); the billing ledger. It is
// never deleted by the retention sweep, unlike jobs and artifacts.
//
// TokensUsed always equals the sum of TokensByCapability.
type DailyUsage struct {
	UserID             string
	Date               time.Time // UTC midnight
	TokensUsed         float64
	JobsCompleted      int
	JobsFailed         int
	TokensByCapability map[Capability]float64
}
