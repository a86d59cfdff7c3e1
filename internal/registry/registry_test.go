package registry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/control-plane/internal/domain"
	"github.com/tessera-ai/control-plane/internal/registry"
)

func TestLiveness_Boundaries(t *testing.T) {
	t.Parallel()
	base := time.Now()
	cases := []struct {
		name string
		age  time.Duration
		want registry.LivenessState
	}{
		{"59s_healthy", 59 * time.Second, registry.LivenessHealthy},
		{"60s_still_healthy", 60 * time.Second, registry.LivenessHealthy},
		{"61s_stale", 61 * time.Second, registry.LivenessStale},
		{"180s_still_stale", 180 * time.Second, registry.LivenessStale},
		{"181s_dead", 181 * time.Second, registry.LivenessDead},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			last := base.Add(-tc.age)
			got := registry.Liveness(last, base, registry.DefaultHealthyWindow, registry.DefaultStaleWindow)
			assert.Equal(t, tc.want, got)
		})
	}
}

func newTestRegistry() *registry.Registry {
	breakers := registry.NewCircuitBreakerManager(3, 30*time.Second)
	return registry.New(registry.DefaultHealthyWindow, registry.DefaultStaleWindow, registry.DefaultForensicRetain, breakers)
}

func TestRegistry_UpsertAndGet(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()
	now := time.Now()

	r.Upsert(registry.Heartbeat{
		WorkerID:     "w1",
		BaseURL:      "http://w1:9000",
		State:        registry.WorkerIdle,
		Capabilities: []domain.Capability{domain.CapabilityImage},
		LoadedModels: []string{"sdxl"},
	}, now)

	w, liveness, ok := r.Get("w1", now)
	require.True(t, ok)
	assert.Equal(t, registry.LivenessHealthy, liveness)
	assert.Equal(t, registry.WorkerIdle, w.State)
	assert.Equal(t, "http://w1:9000", w.BaseURL)

	_, _, ok = r.Get("missing", now)
	assert.False(t, ok)
}

func TestRegistry_IdleHealthy_ExcludesBusyStaleAndQuarantined(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()
	now := time.Now()

	r.Upsert(registry.Heartbeat{WorkerID: "idle-healthy", State: registry.WorkerIdle}, now)
	r.Upsert(registry.Heartbeat{WorkerID: "busy", State: registry.WorkerBusy}, now)
	r.Upsert(registry.Heartbeat{WorkerID: "stale", State: registry.WorkerIdle}, now.Add(-90*time.Second))
	r.Upsert(registry.Heartbeat{WorkerID: "quarantined", State: registry.WorkerIdle}, now)
	r.RecordOutcome("quarantined", assert.AnError)
	r.RecordOutcome("quarantined", assert.AnError)
	r.RecordOutcome("quarantined", assert.AnError)

	out := r.IdleHealthy(now)
	require.Len(t, out, 1)
	assert.Equal(t, "idle-healthy", out[0].ID)
}

func TestRegistry_MarkBusyThenIdle(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()
	now := time.Now()
	r.Upsert(registry.Heartbeat{WorkerID: "w1", State: registry.WorkerIdle}, now)

	r.MarkBusy("w1", []string{"job-1"})
	w, _, _ := r.Get("w1", now)
	assert.Equal(t, registry.WorkerBusy, w.State)
	assert.Equal(t, []string{"job-1"}, w.CurrentJobIDs)

	r.MarkIdle("w1")
	w, _, _ = r.Get("w1", now)
	assert.Equal(t, registry.WorkerIdle, w.State)
	assert.Empty(t, w.CurrentJobIDs)
}

func TestRegistry_DeadWorkersAndEvictForensics(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()
	now := time.Now()
	r.Upsert(registry.Heartbeat{WorkerID: "dead"}, now.Add(-200*time.Second))
	r.Upsert(registry.Heartbeat{WorkerID: "alive"}, now)

	dead := r.DeadWorkers(now)
	require.Len(t, dead, 1)
	assert.Equal(t, "dead", dead[0].ID)

	_, _, ok := r.Get("dead", now.Add(-200*time.Second+registry.DefaultStaleWindow+registry.DefaultForensicRetain+time.Second))
	assert.True(t, ok, "not yet evicted before EvictForensics runs")

	r.EvictForensics(now.Add(-200*time.Second + registry.DefaultStaleWindow + registry.DefaultForensicRetain + time.Second))
	_, _, ok = r.Get("dead", now)
	assert.False(t, ok)
	_, _, ok = r.Get("alive", now)
	assert.True(t, ok)
}

func TestRegistry_IsWarm(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()
	now := time.Now()
	r.Upsert(registry.Heartbeat{
		WorkerID:     "w1",
		State:        registry.WorkerIdle,
		Capabilities: []domain.Capability{domain.CapabilityImage},
		LoadedModels: []string{"sdxl"},
	}, now)

	assert.True(t, r.IsWarm(domain.CapabilityImage, "sdxl"))
	assert.False(t, r.IsWarm(domain.CapabilityImage, "flux"))
	assert.False(t, r.IsWarm(domain.CapabilityVideo, "sdxl"))
}

func TestRegistry_Models_DedupesAndFlagsWarm(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()
	now := time.Now()
	r.Upsert(registry.Heartbeat{
		WorkerID:     "busy-worker",
		State:        registry.WorkerBusy,
		Capabilities: []domain.Capability{domain.CapabilityImage},
		LoadedModels: []string{"sdxl"},
	}, now)
	r.Upsert(registry.Heartbeat{
		WorkerID:     "idle-worker",
		State:        registry.WorkerIdle,
		Capabilities: []domain.Capability{domain.CapabilityImage},
		LoadedModels: []string{"sdxl"},
	}, now)

	models := r.Models(now)
	require.Len(t, models, 1)
	assert.Equal(t, "sdxl", models[0].Model)
	assert.True(t, models[0].Warm)
}
