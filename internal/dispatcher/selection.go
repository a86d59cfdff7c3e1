package dispatcher

import (
	"sort"
	"time"

	"github.com/tessera-ai/control-plane/internal/domain"
	"github.com/tessera-ai/control-plane/internal/registry"
)

// AffinityStarvationLimit bounds how many times a non-affinity job may be
// skipped in favor of an affinity match at the same priority before it is
// preferred over affinity (§4.3 ordering guarantees, §9).
const AffinityStarvationLimit = 10

// MaxBatchJobs bounds batch assembly (§4.3 step 3).
const MaxBatchJobs = 4

// byPriorityThenQueuedThenID sorts candidates priority desc, queued_at asc,
// job id asc — the tie-break chain in §4.3.
func byPriorityThenQueuedThenID(jobs []domain.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		at, bt := queuedAtOrZero(a), queuedAtOrZero(b)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		return a.ID < b.ID
	})
}

func queuedAtOrZero(j domain.Job) time.Time {
	if j.QueuedAt != nil {
		return *j.QueuedAt
	}
	return time.Time{}
}

func capabilitySupported(w registry.Worker, cap domain.Capability) bool {
	for _, c := range w.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

func modelLoaded(w registry.Worker, model string) bool {
	for _, m := range w.LoadedModels {
		if m == model {
			return true
		}
	}
	return false
}

// selection is what step 2 (and step 3 when a batch forms) produces for
// one worker in one tick.
type selection struct {
	jobs    []domain.Job
	batched bool
}

// selectForWorker implements §4.3 steps 2-3 for a single idle worker
// against the current pool of QUEUED candidates. starvation tracks, per
// job id, how many times that job has been passed over for an affinity
// match at the same priority.
func selectForWorker(w registry.Worker, candidates []domain.Job, starvation map[string]int) (selection, bool) {
	var supported []domain.Job
	for _, j := range candidates {
		if capabilitySupported(w, j.Capability) {
			supported = append(supported, j)
		}
	}
	if len(supported) == 0 {
		return selection{}, false
	}
	byPriorityThenQueuedThenID(supported)

	fifoJob := supported[0]

	var affinityJob domain.Job
	haveAffinity := false
	for _, j := range supported {
		model, _ := j.Params["model"].(string)
		if model != "" && modelLoaded(w, model) {
			affinityJob = j
			haveAffinity = true
			break // supported is already priority/FIFO ordered
		}
	}

	chosen := fifoJob
	if haveAffinity && affinityJob.ID != fifoJob.ID && affinityJob.Priority >= fifoJob.Priority {
		if affinityJob.Priority == fifoJob.Priority && starvation[fifoJob.ID] >= AffinityStarvationLimit {
			chosen = fifoJob
			delete(starvation, fifoJob.ID)
		} else {
			chosen = affinityJob
			if affinityJob.Priority == fifoJob.Priority {
				starvation[fifoJob.ID]++
			}
		}
	}

	batch := assembleBatch(chosen, supported)
	return selection{jobs: batch, batched: len(batch) > 1}, true
}

// assembleBatch implements §4.3 step 3: group up to MaxBatchJobs QUEUED
// jobs sharing chosen's batch key, sorted (priority desc, queued_at asc).
// Returns just []domain.Job{chosen} if fewer than 2 jobs share the key.
func assembleBatch(chosen domain.Job, pool []domain.Job) []domain.Job {
	key, ok := chosen.BatchKeyOf()
	if !ok {
		return []domain.Job{chosen}
	}

	var matches []domain.Job
	for _, j := range pool {
		if j.ID == chosen.ID {
			continue
		}
		if k, ok := j.BatchKeyOf(); ok && k == key {
			matches = append(matches, j)
		}
	}
	if len(matches) == 0 {
		return []domain.Job{chosen}
	}

	all := append([]domain.Job{chosen}, matches...)
	byPriorityThenQueuedThenID(all)
	if len(all) > MaxBatchJobs {
		all = all[:MaxBatchJobs]
	}
	if len(all) < 2 {
		return []domain.Job{chosen}
	}
	return all
}
