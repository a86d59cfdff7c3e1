package completion_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/tessera-ai/control-plane/internal/completion"
	"github.com/tessera-ai/control-plane/internal/dispatcher"
	"github.com/tessera-ai/control-plane/internal/domain"
	"github.com/tessera-ai/control-plane/internal/domain/mocks"
)

func runningJob() domain.Job {
	now := time.Now()
	return domain.Job{
		ID:         "job-1",
		UserID:     "user-1",
		Capability: domain.CapabilityImage,
		Status:     domain.JobRunning,
		CostTokens: 1.5,
		StartedAt:  &now,
	}
}

func TestHandleReply_Completed_PersistsArtifactsAndUsage(t *testing.T) {
	t.Parallel()
	jobRepo := &mocks.MockJobRepository{}
	artifacts := &mocks.MockArtifactRepository{}
	usage := &mocks.MockUsageRepository{}
	webhooks := &mocks.MockWebhookSender{}

	artifacts.On("Create", mock.Anything, mock.AnythingOfType("domain.Artifact")).Return("artifact-1", nil)
	jobRepo.On("TransitionStatus", mock.Anything, "job-1", domain.JobRunning, domain.JobCompleted, mock.Anything).
		Return(true, nil)
	usage.On("IncrementUsage", mock.Anything, "user-1", mock.Anything, domain.CapabilityImage, 1.5, true, false).Return(nil)

	job := runningJob()
	job.Metadata.WebhookURL = ""

	h := completion.NewHandler(jobRepo, artifacts, usage, webhooks)
	reply := &dispatcher.RunJobReply{
		Status:               "completed",
		JobID:                 job.ID,
		ExecutionTimeSeconds:  2.5,
		Artifacts:             []dispatcher.ReplyArtifact{{Type: "image", Format: "png", URL: "https://cdn/a.png"}},
	}
	h.HandleReply(context.Background(), job, reply, nil)

	jobRepo.AssertExpectations(t)
	artifacts.AssertExpectations(t)
	usage.AssertExpectations(t)
	webhooks.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleReply_Completed_LostCASRaceSkipsUsage(t *testing.T) {
	t.Parallel()
	jobRepo := &mocks.MockJobRepository{}
	artifacts := &mocks.MockArtifactRepository{}
	usage := &mocks.MockUsageRepository{}
	webhooks := &mocks.MockWebhookSender{}

	artifacts.On("Create", mock.Anything, mock.AnythingOfType("domain.Artifact")).Return("artifact-1", nil)
	jobRepo.On("TransitionStatus", mock.Anything, "job-1", domain.JobRunning, domain.JobCompleted, mock.Anything).
		Return(false, nil) // job was already cancelled

	h := completion.NewHandler(jobRepo, artifacts, usage, webhooks)
	reply := &dispatcher.RunJobReply{Status: "completed", JobID: "job-1", ExecutionTimeSeconds: 2.5}
	h.HandleReply(context.Background(), runningJob(), reply, nil)

	usage.AssertNotCalled(t, "IncrementUsage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	webhooks.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleReply_DispatchError_RequeuesWhenRetriesRemain(t *testing.T) {
	t.Parallel()
	jobRepo := &mocks.MockJobRepository{}
	usage := &mocks.MockUsageRepository{}

	jobRepo.On("TransitionStatus", mock.Anything, "job-1", domain.JobRunning, domain.JobQueued, mock.Anything).
		Return(true, nil)

	h := completion.NewHandler(jobRepo, &mocks.MockArtifactRepository{}, usage, &mocks.MockWebhookSender{})
	job := runningJob()
	job.Metadata.RetryCount = 0

	h.HandleReply(context.Background(), job, nil, errors.New("connection refused"))

	jobRepo.AssertExpectations(t)
	usage.AssertNotCalled(t, "IncrementUsage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleReply_DispatchError_FailsTerminallyWhenRetriesExhausted(t *testing.T) {
	t.Parallel()
	jobRepo := &mocks.MockJobRepository{}
	usage := &mocks.MockUsageRepository{}
	webhooks := &mocks.MockWebhookSender{}

	jobRepo.On("TransitionStatus", mock.Anything, "job-1", domain.JobRunning, domain.JobFailed, mock.Anything).
		Return(true, nil)
	usage.On("IncrementUsage", mock.Anything, "user-1", mock.Anything, domain.CapabilityImage, 0.0, false, true).Return(nil)
	webhooks.On("Send", mock.Anything, "https://hooks/cb", mock.AnythingOfType("domain.Job")).Return(nil)

	h := completion.NewHandler(jobRepo, &mocks.MockArtifactRepository{}, usage, webhooks)
	job := runningJob()
	job.Metadata.RetryCount = domain.MaxRetries
	job.Metadata.WebhookURL = "https://hooks/cb"

	h.HandleReply(context.Background(), job, nil, errors.New("connection refused"))

	jobRepo.AssertExpectations(t)
	usage.AssertExpectations(t)
	webhooks.AssertExpectations(t)
}

func TestHandleReply_WorkerReportedFailure_NonRetriableCodeFailsImmediately(t *testing.T) {
	t.Parallel()
	jobRepo := &mocks.MockJobRepository{}
	usage := &mocks.MockUsageRepository{}

	jobRepo.On("TransitionStatus", mock.Anything, "job-1", domain.JobRunning, domain.JobFailed, mock.Anything).
		Return(true, nil)
	usage.On("IncrementUsage", mock.Anything, "user-1", mock.Anything, domain.CapabilityImage, 0.0, false, true).Return(nil)

	h := completion.NewHandler(jobRepo, &mocks.MockArtifactRepository{}, usage, &mocks.MockWebhookSender{})
	reply := &dispatcher.RunJobReply{Status: "failed", JobID: "job-1", Error: &dispatcher.ReplyError{Code: "INVALID_PROMPT", Message: "nsfw content"}}
	h.HandleReply(context.Background(), runningJob(), reply, nil)

	jobRepo.AssertExpectations(t)
	usage.AssertExpectations(t)
}
