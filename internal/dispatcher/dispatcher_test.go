package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/control-plane/internal/domain"
	"github.com/tessera-ai/control-plane/internal/domain/mocks"
	"github.com/tessera-ai/control-plane/internal/registry"
)

type fakeCompletionHandler struct {
	mu    sync.Mutex
	calls []domain.Job
	done  chan struct{}
}

func newFakeCompletionHandler() *fakeCompletionHandler {
	return &fakeCompletionHandler{done: make(chan struct{}, 8)}
}

func (f *fakeCompletionHandler) HandleReply(ctx context.Context, job domain.Job, reply *RunJobReply, dispatchErr error) {
	f.mu.Lock()
	f.calls = append(f.calls, job)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func TestDispatcher_LastTick_ZeroBeforeFirstTick(t *testing.T) {
	t.Parallel()
	jobRepo := &mocks.MockJobRepository{}
	breakers := registry.NewCircuitBreakerManager(3, 30*time.Second)
	workers := registry.New(registry.DefaultHealthyWindow, registry.DefaultStaleWindow, registry.DefaultForensicRetain, breakers)
	d := New(jobRepo, workers, NewClient(), nil, time.Second, 10)
	assert.True(t, d.LastTick().IsZero())
}

func TestDispatcher_Tick_AssignsJobAndDeliversReply(t *testing.T) {
	t.Parallel()
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RunJobReply{Status: "completed", JobID: "job-1", ExecutionTimeSeconds: 1.5})
	}))
	defer worker.Close()

	breakers := registry.NewCircuitBreakerManager(3, 30*time.Second)
	workers := registry.New(registry.DefaultHealthyWindow, registry.DefaultStaleWindow, registry.DefaultForensicRetain, breakers)
	now := time.Now()
	workers.Upsert(registry.Heartbeat{
		WorkerID:     "w1",
		BaseURL:      worker.URL,
		State:        registry.WorkerIdle,
		Capabilities: []domain.Capability{domain.CapabilityImage},
	}, now)

	job := domain.Job{ID: "job-1", Priority: 0, Capability: domain.CapabilityImage, Params: map[string]any{"model": "sdxl"}, QueuedAt: &now}

	jobRepo := &mocks.MockJobRepository{}
	jobRepo.On("DequeueNext", mock.Anything, mock.Anything, mock.Anything).Return([]domain.Job{job}, nil)
	jobRepo.On("TransitionStatus", mock.Anything, "job-1", domain.JobQueued, domain.JobRunning, mock.Anything).Return(true, nil)

	completion := newFakeCompletionHandler()
	d := New(jobRepo, workers, NewClient(), completion, time.Hour, 10)

	d.tick(context.Background())

	select {
	case <-completion.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion handler")
	}

	completion.mu.Lock()
	defer completion.mu.Unlock()
	require.Len(t, completion.calls, 1)
	assert.Equal(t, "job-1", completion.calls[0].ID)
	assert.False(t, d.LastTick().IsZero())

	jobRepo.AssertExpectations(t)
}

func TestDispatcher_Tick_NoIdleWorkersSkipsDequeue(t *testing.T) {
	t.Parallel()
	breakers := registry.NewCircuitBreakerManager(3, 30*time.Second)
	workers := registry.New(registry.DefaultHealthyWindow, registry.DefaultStaleWindow, registry.DefaultForensicRetain, breakers)
	jobRepo := &mocks.MockJobRepository{}
	d := New(jobRepo, workers, NewClient(), nil, time.Hour, 10)

	d.tick(context.Background())

	jobRepo.AssertNotCalled(t, "DequeueNext", mock.Anything, mock.Anything, mock.Anything)
	assert.False(t, d.LastTick().IsZero(), "LastTick stamps even a no-op tick")
}
