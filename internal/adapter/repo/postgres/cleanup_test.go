package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/tessera-ai/control-plane/internal/adapter/repo/postgres"
	"github.com/tessera-ai/control-plane/internal/domain/mocks"
)

func TestNewCleanupService_DefaultsNonPositiveRetention(t *testing.T) {
	t.Parallel()
	svc := postgres.NewCleanupService(&mocks.MockJobRepository{}, &mocks.MockArtifactRepository{}, 0)
	assert.Equal(t, 90, svc.RetentionDays)
}

func TestNewCleanupService_KeepsPositiveRetention(t *testing.T) {
	t.Parallel()
	svc := postgres.NewCleanupService(&mocks.MockJobRepository{}, &mocks.MockArtifactRepository{}, 30)
	assert.Equal(t, 30, svc.RetentionDays)
}

func TestCleanupOldData_DeletesTerminalJobsAndExpiredArtifacts(t *testing.T) {
	t.Parallel()
	jobs := &mocks.MockJobRepository{}
	artifacts := &mocks.MockArtifactRepository{}
	jobs.On("DeleteTerminalOlderThan", mock.Anything, mock.AnythingOfType("time.Time")).Return(3, nil)
	artifacts.On("DeleteExpired", mock.Anything, mock.AnythingOfType("time.Time")).Return(5, nil)

	svc := postgres.NewCleanupService(jobs, artifacts, 90)
	err := svc.CleanupOldData(context.Background())

	assert.NoError(t, err)
	jobs.AssertExpectations(t)
	artifacts.AssertExpectations(t)
}

func TestCleanupOldData_StopsOnJobDeletionError(t *testing.T) {
	t.Parallel()
	jobs := &mocks.MockJobRepository{}
	artifacts := &mocks.MockArtifactRepository{}
	jobs.On("DeleteTerminalOlderThan", mock.Anything, mock.AnythingOfType("time.Time")).Return(0, assert.AnError)

	svc := postgres.NewCleanupService(jobs, artifacts, 90)
	err := svc.CleanupOldData(context.Background())

	assert.Error(t, err)
	artifacts.AssertNotCalled(t, "DeleteExpired", mock.Anything, mock.Anything)
}

func TestCleanupOldData_CutoffRespectsRetentionDays(t *testing.T) {
	t.Parallel()
	jobs := &mocks.MockJobRepository{}
	artifacts := &mocks.MockArtifactRepository{}

	var gotCutoff time.Time
	jobs.On("DeleteTerminalOlderThan", mock.Anything, mock.AnythingOfType("time.Time")).
		Run(func(args mock.Arguments) { gotCutoff = args.Get(1).(time.Time) }).
		Return(0, nil)
	artifacts.On("DeleteExpired", mock.Anything, mock.AnythingOfType("time.Time")).Return(0, nil)

	svc := postgres.NewCleanupService(jobs, artifacts, 7)
	before := time.Now().UTC().AddDate(0, 0, -7)
	_ = svc.CleanupOldData(context.Background())
	assert.WithinDuration(t, before, gotCutoff, 5*time.Second)
}
