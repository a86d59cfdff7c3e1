package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/control-plane/internal/domain"
)

func TestValidateParams_Image(t *testing.T) {
	t.Parallel()
	plan := domain.Plan{MaxResolution: 1024, AllowedModels: []string{"sdxl"}}

	v, err := validateParams(domain.CapabilityImage, map[string]any{
		"prompt": "a cat", "model": "sdxl", "resolution": "512x512", "steps": 20,
	}, plan)
	require.NoError(t, err)
	assert.Equal(t, "sdxl", v.model)
	assert.Equal(t, 512, v.image.Width)

	_, err = validateParams(domain.CapabilityImage, map[string]any{
		"prompt": "a cat", "model": "sdxl", "resolution": "2048x2048", "steps": 20,
	}, plan)
	assert.ErrorIs(t, err, domain.ErrInvalidParams, "over plan's max resolution")

	_, err = validateParams(domain.CapabilityImage, map[string]any{
		"prompt": "a cat", "model": "flux", "resolution": "512x512", "steps": 20,
	}, plan)
	assert.ErrorIs(t, err, domain.ErrModelNotFound)

	_, err = validateParams(domain.CapabilityImage, map[string]any{
		"prompt": "", "model": "sdxl", "resolution": "512x512", "steps": 20,
	}, plan)
	assert.ErrorIs(t, err, domain.ErrInvalidPrompt)

	_, err = validateParams(domain.CapabilityImage, map[string]any{
		"prompt": "a cat", "model": "sdxl", "resolution": "not-a-resolution", "steps": 20,
	}, plan)
	assert.ErrorIs(t, err, domain.ErrInvalidParams, "malformed resolution string")
}

func TestValidateParams_Video(t *testing.T) {
	t.Parallel()
	plan := domain.Plan{MaxResolution: 1280, AllowedModels: []string{domain.ModelWildcard}}

	v, err := validateParams(domain.CapabilityVideo, map[string]any{
		"prompt": "a dog running", "model": "svd", "duration": 5.0, "fps": 24, "resolution": "720p",
	}, plan)
	require.NoError(t, err)
	assert.Equal(t, "svd", v.model)

	_, err = validateParams(domain.CapabilityVideo, map[string]any{
		"prompt": "a dog running", "model": "svd", "duration": 5.0, "fps": 24, "resolution": "1080p",
	}, plan)
	assert.ErrorIs(t, err, domain.ErrInvalidParams, "1080p exceeds plan's 1280px max")
}

func TestValidateParams_Text(t *testing.T) {
	t.Parallel()
	plan := domain.Plan{AllowedModels: []string{domain.ModelWildcard}}

	v, err := validateParams(domain.CapabilityText, map[string]any{
		"prompt": "write a poem", "model": "gpt", "max_tokens": 512,
	}, plan)
	require.NoError(t, err)
	assert.Equal(t, "gpt", v.model)

	_, err = validateParams(domain.CapabilityText, map[string]any{
		"prompt": "write a poem", "model": "gpt", "max_tokens": 999999,
	}, plan)
	assert.ErrorIs(t, err, domain.ErrInvalidParams, "exceeds the 4096 token ceiling")
}

func TestValidateParams_Audio(t *testing.T) {
	t.Parallel()
	plan := domain.Plan{AllowedModels: []string{"voice-1"}}

	v, err := validateParams(domain.CapabilityAudio, map[string]any{
		"prompt": "hello there", "voice_id": "voice-1", "duration": 3.0,
	}, plan)
	require.NoError(t, err)
	assert.Equal(t, "voice-1", v.model)

	_, err = validateParams(domain.CapabilityAudio, map[string]any{
		"prompt": "hello there", "voice_id": "voice-2", "duration": 3.0,
	}, plan)
	assert.ErrorIs(t, err, domain.ErrModelNotFound)
}

func TestValidateParams_Audio_RejectsDurationOverPlanLimit(t *testing.T) {
	t.Parallel()
	plan := domain.Plan{MaxAudioDuration: 30, AllowedModels: []string{"voice-1"}}

	_, err := validateParams(domain.CapabilityAudio, map[string]any{
		"prompt": "hello there", "voice_id": "voice-1", "duration": 31.0,
	}, plan)
	assert.ErrorIs(t, err, domain.ErrInvalidParams)

	v, err := validateParams(domain.CapabilityAudio, map[string]any{
		"prompt": "hello there", "voice_id": "voice-1", "duration": 30.0,
	}, plan)
	require.NoError(t, err)
	assert.Equal(t, "voice-1", v.model)
}

func TestValidateParams_UnknownCapability(t *testing.T) {
	t.Parallel()
	_, err := validateParams(domain.Capability("holographic"), map[string]any{}, domain.Plan{})
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
}

func TestParseResolution(t *testing.T) {
	t.Parallel()
	w, h, err := parseResolution("1024x768")
	require.NoError(t, err)
	assert.Equal(t, 1024, w)
	assert.Equal(t, 768, h)

	_, _, err = parseResolution("garbage")
	assert.Error(t, err)
}
