// Hand-written in the shape of mockery's generated mocks.

package mocks

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/tessera-ai/control-plane/internal/domain"
)

// MockJobRepository is an autogenerated mock type for the JobRepository type.
type MockJobRepository struct {
	mock.Mock
}

func (m *MockJobRepository) Create(ctx domain.Context, j domain.Job) (string, error) {
	args := m.Called(ctx, j)
	return args.String(0), args.Error(1)
}

func (m *MockJobRepository) Get(ctx domain.Context, id string) (domain.Job, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.Job), args.Error(1)
}

func (m *MockJobRepository) TransitionStatus(ctx domain.Context, id string, expectedFrom, to domain.JobStatus, mutate func(*domain.Job)) (bool, error) {
	args := m.Called(ctx, id, expectedFrom, to, mutate)
	return args.Bool(0), args.Error(1)
}

func (m *MockJobRepository) DequeueNext(ctx domain.Context, capabilities []domain.Capability, limit int) ([]domain.Job, error) {
	args := m.Called(ctx, capabilities, limit)
	if v := args.Get(0); v != nil {
		return v.([]domain.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockJobRepository) CountActiveForUser(ctx domain.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *MockJobRepository) QueuePosition(ctx domain.Context, priority int, queuedAt time.Time) (int, error) {
	args := m.Called(ctx, priority, queuedAt)
	return args.Int(0), args.Error(1)
}

func (m *MockJobRepository) FindStaleRunning(ctx domain.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	args := m.Called(ctx, olderThan, limit)
	if v := args.Get(0); v != nil {
		return v.([]domain.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockJobRepository) FindRunningOnWorker(ctx domain.Context, workerID string) ([]domain.Job, error) {
	args := m.Called(ctx, workerID)
	if v := args.Get(0); v != nil {
		return v.([]domain.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockJobRepository) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	args := m.Called(ctx, f)
	if v := args.Get(0); v != nil {
		return v.([]domain.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockJobRepository) Count(ctx domain.Context, f domain.JobFilter) (int, error) {
	args := m.Called(ctx, f)
	return args.Int(0), args.Error(1)
}

func (m *MockJobRepository) DeleteTerminalOlderThan(ctx domain.Context, cutoff time.Time) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}
