// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"context"
	"fmt"
	"time"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns the three checks behind /readyz (§
// Supplemented Feature 5): DB connectivity, and the dispatcher/reaper
// background loops ticking within maxStaleness of now. A loop that has
// never ticked (zero time) is reported not-ready rather than silently
// passing, since a liveness check that can't fail on startup defeats its
// purpose.
func BuildReadinessChecks(pool Pinger, lastDispatchTick, lastReaperSweep func() time.Time, maxStaleness time.Duration) (
	dbCheck func(ctx context.Context) error,
	dispatcherCheck func(ctx context.Context) error,
	reaperCheck func(ctx context.Context) error,
) {
	dbCheck = func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	dispatcherCheck = func(ctx context.Context) error {
		return checkTickAge("dispatcher", lastDispatchTick(), maxStaleness)
	}
	reaperCheck = func(ctx context.Context) error {
		return checkTickAge("reaper", lastReaperSweep(), maxStaleness)
	}
	return dbCheck, dispatcherCheck, reaperCheck
}

func checkTickAge(name string, last time.Time, maxStaleness time.Duration) error {
	if last.IsZero() {
		return fmt.Errorf("%s has not completed a pass yet", name)
	}
	if age := time.Since(last); age > maxStaleness {
		return fmt.Errorf("%s last ran %s ago, exceeds %s", name, age, maxStaleness)
	}
	return nil
}
