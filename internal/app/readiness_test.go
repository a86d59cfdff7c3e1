package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tessera-ai/control-plane/internal/app"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestBuildReadinessChecks_DBCheckDelegatesToPinger(t *testing.T) {
	t.Parallel()
	dbCheck, _, _ := app.BuildReadinessChecks(fakePinger{}, func() time.Time { return time.Now() }, func() time.Time { return time.Now() }, time.Minute)
	assert.NoError(t, dbCheck(context.Background()))

	dbCheck, _, _ = app.BuildReadinessChecks(fakePinger{err: assert.AnError}, func() time.Time { return time.Now() }, func() time.Time { return time.Now() }, time.Minute)
	assert.Error(t, dbCheck(context.Background()))
}

func TestBuildReadinessChecks_NilPoolFailsClosed(t *testing.T) {
	t.Parallel()
	dbCheck, _, _ := app.BuildReadinessChecks(nil, func() time.Time { return time.Now() }, func() time.Time { return time.Now() }, time.Minute)
	assert.Error(t, dbCheck(context.Background()))
}

func TestBuildReadinessChecks_NeverTickedFailsClosed(t *testing.T) {
	t.Parallel()
	_, dispatcherCheck, reaperCheck := app.BuildReadinessChecks(fakePinger{}, func() time.Time { return time.Time{} }, func() time.Time { return time.Time{} }, time.Minute)
	assert.Error(t, dispatcherCheck(context.Background()))
	assert.Error(t, reaperCheck(context.Background()))
}

func TestBuildReadinessChecks_RecentTickPasses(t *testing.T) {
	t.Parallel()
	now := time.Now()
	_, dispatcherCheck, _ := app.BuildReadinessChecks(fakePinger{}, func() time.Time { return now }, func() time.Time { return now }, time.Minute)
	assert.NoError(t, dispatcherCheck(context.Background()))
}

func TestBuildReadinessChecks_StaleTickFails(t *testing.T) {
	t.Parallel()
	stale := time.Now().Add(-2 * time.Minute)
	_, dispatcherCheck, reaperCheck := app.BuildReadinessChecks(fakePinger{}, func() time.Time { return stale }, func() time.Time { return stale }, time.Minute)
	assert.Error(t, dispatcherCheck(context.Background()))
	assert.Error(t, reaperCheck(context.Background()))
}
