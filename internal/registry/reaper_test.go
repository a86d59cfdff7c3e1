package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/tessera-ai/control-plane/internal/domain"
	"github.com/tessera-ai/control-plane/internal/domain/mocks"
)

func newTestRegistry() *Registry {
	return New(DefaultHealthyWindow, DefaultStaleWindow, DefaultForensicRetain, NewCircuitBreakerManager(3, time.Minute))
}

func runningJob(id string, retryCount int, workerID *string) domain.Job {
	return domain.Job{
		ID:       id,
		Status:   domain.JobRunning,
		WorkerID: workerID,
		Metadata: domain.JobMetadata{RetryCount: retryCount},
	}
}

func TestReaper_LastSweep_ZeroBeforeFirstSweep(t *testing.T) {
	t.Parallel()
	jobs := &mocks.MockJobRepository{}
	r := NewReaper(jobs, newTestRegistry(), time.Second, time.Second)
	assert.True(t, r.LastSweep().IsZero())
}

func TestReaper_RequeueOrFail_RetriesWhenBudgetRemains(t *testing.T) {
	t.Parallel()
	jobs := &mocks.MockJobRepository{}
	worker := "w1"
	j := runningJob("job-1", 0, &worker)

	jobs.On("TransitionStatus", mock.Anything, "job-1", domain.JobRunning, domain.JobQueued, mock.Anything).
		Return(true, nil)

	r := NewReaper(jobs, newTestRegistry(), time.Second, time.Second)
	r.requeueOrFail(context.Background(), j, domain.JobError{Code: "WORKER_TIMEOUT", Message: "x"}, "timeout")

	jobs.AssertExpectations(t)
	jobs.AssertNotCalled(t, "TransitionStatus", mock.Anything, "job-1", domain.JobRunning, domain.JobFailed, mock.Anything)
}

func TestReaper_RequeueOrFail_FailsWhenRetriesExhausted(t *testing.T) {
	t.Parallel()
	jobs := &mocks.MockJobRepository{}
	j := runningJob("job-1", domain.MaxRetries, nil)

	jobs.On("TransitionStatus", mock.Anything, "job-1", domain.JobRunning, domain.JobFailed, mock.Anything).
		Return(true, nil)

	r := NewReaper(jobs, newTestRegistry(), time.Second, time.Second)
	r.requeueOrFail(context.Background(), j, domain.JobError{Code: "WORKER_TIMEOUT", Message: "x"}, "timeout")

	jobs.AssertExpectations(t)
}

func TestReaper_RequeueOrFail_SkipsJobAlreadyMovedOn(t *testing.T) {
	t.Parallel()
	jobs := &mocks.MockJobRepository{}
	j := runningJob("job-1", 0, nil)
	j.Status = domain.JobCompleted

	r := NewReaper(jobs, newTestRegistry(), time.Second, time.Second)
	r.requeueOrFail(context.Background(), j, domain.JobError{Code: "WORKER_TIMEOUT", Message: "x"}, "timeout")

	jobs.AssertNotCalled(t, "TransitionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReaper_RequeueOrFail_RecordsWorkerOutcomeOnSuccess(t *testing.T) {
	t.Parallel()
	jobs := &mocks.MockJobRepository{}
	worker := "w1"
	j := runningJob("job-1", 0, &worker)
	jobs.On("TransitionStatus", mock.Anything, "job-1", domain.JobRunning, domain.JobQueued, mock.Anything).
		Return(true, nil)

	reg := newTestRegistry()
	reg.Upsert(Heartbeat{WorkerID: worker, BaseURL: "http://w1", State: WorkerBusy}, time.Now())

	r := NewReaper(jobs, reg, time.Second, time.Second)
	r.requeueOrFail(context.Background(), j, domain.JobError{Code: "WORKER_TIMEOUT", Message: "x"}, "timeout")

	_, _, ok := reg.Get(worker, time.Now())
	assert.True(t, ok)
	assert.Equal(t, 1, reg.breakers.GetOrCreate(worker).failures)
}

func TestReaper_RequeueJobsOnWorker_RequeuesEachRunningJob(t *testing.T) {
	t.Parallel()
	jobs := &mocks.MockJobRepository{}
	worker := "w1"
	running := []domain.Job{runningJob("job-1", 0, &worker), runningJob("job-2", 0, &worker)}
	jobs.On("FindRunningOnWorker", mock.Anything, worker).Return(running, nil)
	jobs.On("TransitionStatus", mock.Anything, "job-1", domain.JobRunning, domain.JobQueued, mock.Anything).Return(true, nil)
	jobs.On("TransitionStatus", mock.Anything, "job-2", domain.JobRunning, domain.JobQueued, mock.Anything).Return(true, nil)

	r := NewReaper(jobs, newTestRegistry(), time.Second, time.Second)
	r.requeueJobsOnWorker(context.Background(), worker, "dead_worker")

	jobs.AssertExpectations(t)
}

func TestReaper_TimeoutJob_DelegatesToRequeueOrFail(t *testing.T) {
	t.Parallel()
	jobs := &mocks.MockJobRepository{}
	j := runningJob("job-1", 0, nil)
	jobs.On("TransitionStatus", mock.Anything, "job-1", domain.JobRunning, domain.JobQueued, mock.Anything).Return(true, nil)

	r := NewReaper(jobs, newTestRegistry(), time.Second, time.Second)
	r.timeoutJob(context.Background(), j)

	jobs.AssertExpectations(t)
}

func TestReaper_SweepOnce_StampsLastSweepEvenWithNoWork(t *testing.T) {
	t.Parallel()
	jobs := &mocks.MockJobRepository{}
	jobs.On("FindStaleRunning", mock.Anything, mock.Anything, 100).Return([]domain.Job(nil), nil)

	r := NewReaper(jobs, newTestRegistry(), time.Second, time.Second)
	assert.True(t, r.LastSweep().IsZero())

	r.sweepOnce(context.Background())

	assert.False(t, r.LastSweep().IsZero())
	jobs.AssertExpectations(t)
}

func TestReaper_SweepOnce_TimesOutStaleRunningJobs(t *testing.T) {
	t.Parallel()
	jobs := &mocks.MockJobRepository{}
	started := time.Now().Add(-20 * time.Minute)
	j := runningJob("job-1", 0, nil)
	j.StartedAt = &started
	j.Params = map[string]any{"timeout_seconds": 300}
	stale := []domain.Job{j}
	jobs.On("FindStaleRunning", mock.Anything, mock.Anything, 100).Return(stale, nil)
	jobs.On("TransitionStatus", mock.Anything, "job-1", domain.JobRunning, domain.JobQueued, mock.Anything).Return(true, nil)

	r := NewReaper(jobs, newTestRegistry(), time.Second, time.Second)
	r.sweepOnce(context.Background())

	jobs.AssertExpectations(t)
}

func TestReaper_SweepOnce_SkipsCandidateWithinItsOwnDeadline(t *testing.T) {
	t.Parallel()
	jobs := &mocks.MockJobRepository{}
	started := time.Now().Add(-1 * time.Minute)
	j := runningJob("job-1", 0, nil)
	j.StartedAt = &started
	j.Params = map[string]any{"timeout_seconds": 600}
	jobs.On("FindStaleRunning", mock.Anything, mock.Anything, 100).Return([]domain.Job{j}, nil)

	r := NewReaper(jobs, newTestRegistry(), time.Second, time.Second)
	r.sweepOnce(context.Background())

	jobs.AssertExpectations(t)
	jobs.AssertNotCalled(t, "TransitionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
