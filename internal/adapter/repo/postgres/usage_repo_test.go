package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTruncDay_DropsTimeOfDayAndNormalizesToUTC(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC-5", -5*60*60)
	in := time.Date(2026, 3, 15, 23, 30, 0, 0, loc) // 2026-03-16 04:30 UTC
	got := truncDay(in)
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), got)
}

func TestTruncDay_AlreadyMidnightUTCIsUnchanged(t *testing.T) {
	t.Parallel()
	in := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, in, truncDay(in))
}
