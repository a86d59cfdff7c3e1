package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/control-plane/internal/domain"
)

func TestCostOfImage(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name                      string
		width, height, steps int
		want                      float64
	}{
		{"1024x1024_20steps", 1024, 1024, 20, 1.0},
		{"512x512_20steps", 512, 512, 20, 0.25},
		{"tiny_floors_to_min", 8, 8, 1, domain.MinBillableCost},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, domain.CostOfImage(tc.width, tc.height, tc.steps))
		})
	}
}

func TestCostOfVideo(t *testing.T) {
	t.Parallel()
	cost, err := domain.CostOfVideo(10, "720p")
	require.NoError(t, err)
	assert.Equal(t, 6.0, cost)

	cost, err = domain.CostOfVideo(10, "480p")
	require.NoError(t, err)
	assert.Equal(t, 3.0, cost)

	_, err = domain.CostOfVideo(10, "4k")
	require.Error(t, err)
}

func TestCostOfText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1.0, domain.CostOfText(1000))
	assert.Equal(t, domain.MinBillableCost, domain.CostOfText(1))
}

func TestCostOfAudio(t *testing.T) {
	t.Parallel()
	assert.Equal(t, domain.DefaultAudioCost, domain.CostOfAudio())
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()
	assert.True(t, domain.JobCompleted.Terminal())
	assert.True(t, domain.JobFailed.Terminal())
	assert.True(t, domain.JobCancelled.Terminal())
	assert.False(t, domain.JobQueued.Terminal())
	assert.False(t, domain.JobRunning.Terminal())
}

func TestPlanAllows(t *testing.T) {
	t.Parallel()
	wildcard := domain.Plan{AllowedModels: []string{domain.ModelWildcard}}
	assert.True(t, wildcard.Allows("anything"))

	limited := domain.Plan{AllowedModels: []string{"sdxl"}}
	assert.True(t, limited.Allows("sdxl"))
	assert.False(t, limited.Allows("flux"))
}

func TestJobBatchKeyOf(t *testing.T) {
	t.Parallel()
	j := domain.Job{Params: map[string]any{
		"model": "sdxl", "engine": "comfy", "resolution": "1024x1024", "steps": 20, "precision": "fp16",
	}}
	key, ok := j.BatchKeyOf()
	require.True(t, ok)
	assert.Equal(t, domain.BatchKey{Engine: "comfy", Model: "sdxl", Resolution: "1024x1024", Steps: 20, Precision: "fp16"}, key)

	noModel := domain.Job{Params: map[string]any{}}
	_, ok = noModel.BatchKeyOf()
	assert.False(t, ok)
}
