package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/tessera-ai/control-plane/internal/adapter/observability"
	"github.com/tessera-ai/control-plane/internal/domain"
)

// LivenessState classifies a worker by heartbeat recency (§4.5).
type LivenessState string

// Liveness states.
const (
	LivenessHealthy LivenessState = "healthy"
	LivenessStale   LivenessState = "stale"
	LivenessDead    LivenessState = "dead"
)

// Default liveness thresholds; overridable via Registry construction to
// match configured values.
const (
	DefaultHealthyWindow = 60 * time.Second
	DefaultStaleWindow   = 180 * time.Second
	DefaultForensicRetain = 10 * time.Minute
)

// WorkerState reports a worker's busy/idle status, as carried in heartbeats.
type WorkerState string

// Worker states.
const (
	WorkerIdle WorkerState = "idle"
	WorkerBusy WorkerState = "busy"
)

// Worker is the registry's in-memory view of one GPU worker process,
// rebuilt entirely from heartbeats — nothing about a worker is persisted.
type Worker struct {
	ID             string
	BaseURL        string
	State          WorkerState
	Capabilities   []domain.Capability
	LoadedModels   []string
	GPUMemoryUsed  int64
	UptimeSeconds  float64
	JobsCompleted  int64
	LastHeartbeat  time.Time
	CurrentJobIDs  []string
}

// Heartbeat is the payload a worker reports (§4.5).
type Heartbeat struct {
	WorkerID      string
	BaseURL       string
	State         WorkerState
	Capabilities  []domain.Capability
	LoadedModels  []string
	GPUMemoryUsed int64
	UptimeSeconds float64
	JobsCompleted int64
}

// Registry tracks worker liveness, purely in memory, re-derivable entirely
// from the next round of heartbeats — nothing here is the system of
// record. Grounded on the teacher's StuckJobSweeper's "entirely derived
// from storage, rebuildable on restart" pattern applied to workers instead
// of jobs.
type Registry struct {
	mu           sync.RWMutex
	workers      map[string]*Worker
	healthyAfter time.Duration
	staleAfter   time.Duration
	retainDead   time.Duration
	breakers     *CircuitBreakerManager
}

// New creates a Registry using the given liveness thresholds and a
// circuit breaker manager for worker quarantine.
func New(healthyAfter, staleAfter, retainDead time.Duration, breakers *CircuitBreakerManager) *Registry {
	return &Registry{
		workers:      make(map[string]*Worker),
		healthyAfter: healthyAfter,
		staleAfter:   staleAfter,
		retainDead:   retainDead,
		breakers:     breakers,
	}
}

// Upsert records a heartbeat. Re-delivering an identical heartbeat is
// idempotent: the map entry is simply overwritten with the same values.
func (r *Registry) Upsert(hb Heartbeat, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[hb.WorkerID]
	if !exists {
		w = &Worker{ID: hb.WorkerID}
		r.workers[hb.WorkerID] = w
		if r.breakers != nil {
			r.breakers.GetOrCreate(hb.WorkerID).Reset()
		}
	}
	w.BaseURL = hb.BaseURL
	w.State = hb.State
	w.Capabilities = hb.Capabilities
	w.LoadedModels = hb.LoadedModels
	w.GPUMemoryUsed = hb.GPUMemoryUsed
	w.UptimeSeconds = hb.UptimeSeconds
	w.JobsCompleted = hb.JobsCompleted
	w.LastHeartbeat = at
}

// Liveness classifies a worker's state at instant `at` given its last
// heartbeat (§4.5, boundary behavior: 59s healthy, 61s stale, 181s dead).
func Liveness(lastHeartbeat, at time.Time, healthyAfter, staleAfter time.Duration) LivenessState {
	age := at.Sub(lastHeartbeat)
	switch {
	case age <= healthyAfter:
		return LivenessHealthy
	case age <= staleAfter:
		return LivenessStale
	default:
		return LivenessDead
	}
}

// Get returns a snapshot of one worker and its liveness.
func (r *Registry) Get(id string, at time.Time) (Worker, LivenessState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, "", false
	}
	return *w, Liveness(w.LastHeartbeat, at, r.healthyAfter, r.staleAfter), true
}

// IdleHealthy returns idle, healthy, non-quarantined workers in
// deterministic order (stable by worker id), as the dispatcher's
// candidate pool for step 1 of a tick.
func (r *Registry) IdleHealthy(at time.Time) []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if w.State != WorkerIdle {
			continue
		}
		if Liveness(w.LastHeartbeat, at, r.healthyAfter, r.staleAfter) != LivenessHealthy {
			continue
		}
		if r.breakers != nil && r.breakers.IsQuarantined(w.ID) {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkBusy flips a worker to busy with the given assigned job ids, once
// the dispatcher has committed the RUNNING transition.
func (r *Registry) MarkBusy(id string, jobIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.State = WorkerBusy
		w.CurrentJobIDs = jobIDs
	}
}

// MarkIdle releases a worker back to the idle pool after a job finishes.
func (r *Registry) MarkIdle(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.State = WorkerIdle
		w.CurrentJobIDs = nil
	}
}

// DeadWorkers returns workers classified dead at instant `at`, for the
// reaper's requeue sweep. Dead entries are retained for forensic
// visibility (not evicted here) for r.retainDead past the dead threshold.
func (r *Registry) DeadWorkers(at time.Time) []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Worker
	for _, w := range r.workers {
		if Liveness(w.LastHeartbeat, at, r.healthyAfter, r.staleAfter) == LivenessDead {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EvictForensics drops dead worker entries whose last heartbeat is older
// than the forensic retention window.
func (r *Registry) EvictForensics(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, w := range r.workers {
		if at.Sub(w.LastHeartbeat) > r.staleAfter+r.retainDead {
			delete(r.workers, id)
			if r.breakers != nil {
				r.breakers.Remove(id)
			}
		}
	}
}

// RecordOutcome feeds a dispatch/completion outcome into the worker's
// circuit breaker. err non-nil records a failure.
func (r *Registry) RecordOutcome(workerID string, err error) {
	if r.breakers == nil {
		return
	}
	r.breakers.GetOrCreate(workerID).RecordResult(err)
}

// LivenessCounts summarizes worker counts by state, for metrics/readiness.
func (r *Registry) LivenessCounts(at time.Time) map[LivenessState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := map[LivenessState]int{LivenessHealthy: 0, LivenessStale: 0, LivenessDead: 0}
	for _, w := range r.workers {
		counts[Liveness(w.LastHeartbeat, at, r.healthyAfter, r.staleAfter)]++
	}
	return counts
}

// ReportLivenessMetrics publishes the current liveness breakdown to
// Prometheus; called once per reaper tick.
func (r *Registry) ReportLivenessMetrics(at time.Time) {
	counts := r.LivenessCounts(at)
	for state, n := range counts {
		observability.WorkerLivenessGauge.WithLabelValues(string(state)).Set(float64(n))
	}
}

// IsWarm implements admission.ModelWarmChecker: model is warm if any idle,
// healthy worker currently reports it loaded.
func (r *Registry) IsWarm(capability domain.Capability, model string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	for _, w := range r.workers {
		if w.State != WorkerIdle {
			continue
		}
		if Liveness(w.LastHeartbeat, now, r.healthyAfter, r.staleAfter) != LivenessHealthy {
			continue
		}
		hasCapability := false
		for _, c := range w.Capabilities {
			if c == capability {
				hasCapability = true
				break
			}
		}
		if !hasCapability {
			continue
		}
		for _, m := range w.LoadedModels {
			if m == model {
				return true
			}
		}
	}
	return false
}

// ModelCatalog lists (capability, model) pairs currently reported by
// healthy workers, flagging a model "warm" when loaded on ≥1 idle worker
// (Supplemented Feature 1 / GET /api/v1/models).
type ModelCatalog struct {
	Capability domain.Capability
	Model      string
	Warm       bool
}

// Models returns the union of (capability, model) pairs across healthy
// workers.
func (r *Registry) Models(at time.Time) []ModelCatalog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type key struct {
		cap   domain.Capability
		model string
	}
	seen := make(map[key]bool)
	var out []ModelCatalog
	for _, w := range r.workers {
		if Liveness(w.LastHeartbeat, at, r.healthyAfter, r.staleAfter) != LivenessHealthy {
			continue
		}
		warm := w.State == WorkerIdle
		for _, cap := range w.Capabilities {
			for _, model := range w.LoadedModels {
				k := key{cap, model}
				if seen[k] {
					if warm {
						for i := range out {
							if out[i].Capability == cap && out[i].Model == model {
								out[i].Warm = true
							}
						}
					}
					continue
				}
				seen[k] = true
				out = append(out, ModelCatalog{Capability: cap, Model: model, Warm: warm})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Capability != out[j].Capability {
			return out[i].Capability < out[j].Capability
		}
		return out[i].Model < out[j].Model
	})
	return out
}
