// Package admission implements the synchronous job admission pipeline:
// user/plan resolution, rate limiting, quota, validation, cost
// calculation, and enqueue (§4.2).
package admission

import (
	"sync"
	"time"
)

// RateLimiter is an in-process, per-user sliding window over the last 60s
// of requests. Grounded on the teacher's Redis Lua token-bucket limiter,
// retargeted to live entirely in process memory per spec.md's explicit
// design note that rate-limit state is advisory and need not be
// persisted (§4.2 step 3, §9) — the sliding-window-of-timestamps shape is
// kept, the Redis/Lua transport is dropped.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	users  map[string][]time.Time
}

// NewRateLimiter builds a limiter evaluating a sliding window of the given
// duration (§4.2 step 3: 60s).
func NewRateLimiter(window time.Duration) *RateLimiter {
	return &RateLimiter{
		window: window,
		users:  make(map[string][]time.Time),
	}
}

// Allow evaluates whether userID may make another request right now given
// limit requests per window. On rejection it returns the seconds until
// the oldest request in the window ages out (retry_after).
func (rl *RateLimiter) Allow(userID string, limit int, at time.Time) (allowed bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := at.Add(-rl.window)
	times := rl.users[userID]

	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		retryAfter = kept[0].Add(rl.window).Sub(at)
		if retryAfter < 0 {
			retryAfter = 0
		}
		rl.users[userID] = kept
		return false, retryAfter
	}

	kept = append(kept, at)
	rl.users[userID] = kept
	return true, 0
}

// Peek reports userID's current standing against limit without recording
// a new request, for the X-RateLimit-* response headers (§6.1).
func (rl *RateLimiter) Peek(userID string, limit int, at time.Time) (remaining int, reset time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := at.Add(-rl.window)
	var kept int
	oldest := at
	for _, t := range rl.users[userID] {
		if t.After(cutoff) {
			kept++
			if t.Before(oldest) {
				oldest = t
			}
		}
	}
	remaining = limit - kept
	if remaining < 0 {
		remaining = 0
	}
	if kept == 0 {
		return remaining, at.Add(rl.window)
	}
	return remaining, oldest.Add(rl.window)
}

// Sweep drops users with no requests left in the window, bounding map
// growth for users who stop making requests. Call periodically (e.g. from
// the reaper tick) rather than on every request.
func (rl *RateLimiter) Sweep(at time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := at.Add(-rl.window)
	for id, times := range rl.users {
		kept := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(rl.users, id)
		} else {
			rl.users[id] = kept
		}
	}
}
