package admission

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tessera-ai/control-plane/internal/domain"
)

var validate = validator.New()

// videoResolutionPixels maps a preset to its longest-edge pixel count, for
// comparison against plan.max_resolution.
var videoResolutionPixels = map[string]int{
	"480p":  854,
	"720p":  1280,
	"1080p": 1920,
}

// validated is the outcome of per-capability parameter validation: the
// parsed params plus the model id used for the allowed-models/affinity
// checks (audio has no model id).
type validated struct {
	capability domain.Capability
	model      string
	image      *domain.ImageParams
	video      *domain.VideoParams
	text       *domain.TextParams
	audio      *domain.AudioParams
}

// validateParams applies §4.2 step 5's per-capability rules against plan,
// returning domain.ErrInvalidParams, domain.ErrModelNotFound, or
// domain.ErrInvalidPrompt on violation.
func validateParams(cap domain.Capability, raw map[string]any, plan domain.Plan) (validated, error) {
	switch cap {
	case domain.CapabilityImage:
		return validateImage(raw, plan)
	case domain.CapabilityVideo:
		return validateVideo(raw, plan)
	case domain.CapabilityText:
		return validateText(raw, plan)
	case domain.CapabilityAudio:
		return validateAudio(raw, plan)
	default:
		return validated{}, fmt.Errorf("op=admission.validateParams: %w: unknown capability %q", domain.ErrInvalidParams, cap)
	}
}

func validateImage(raw map[string]any, plan domain.Plan) (validated, error) {
	p := domain.ImageParams{
		Prompt:     str(raw["prompt"]),
		Model:      str(raw["model"]),
		Resolution: str(raw["resolution"]),
		Steps:      intOf(raw["steps"]),
	}
	if p.Prompt == "" {
		return validated{}, fmt.Errorf("op=admission.validateImage: %w: empty prompt", domain.ErrInvalidPrompt)
	}
	w, h, err := parseResolution(p.Resolution)
	if err != nil {
		return validated{}, fmt.Errorf("op=admission.validateImage: %w: %v", domain.ErrInvalidParams, err)
	}
	p.Width, p.Height = w, h

	if err := validate.Struct(p); err != nil {
		return validated{}, fmt.Errorf("op=admission.validateImage: %w: %v", domain.ErrInvalidParams, err)
	}
	if w > plan.MaxResolution || h > plan.MaxResolution {
		return validated{}, fmt.Errorf("op=admission.validateImage: %w: resolution %s exceeds plan max %d", domain.ErrInvalidParams, p.Resolution, plan.MaxResolution)
	}
	if !plan.Allows(p.Model) {
		return validated{}, fmt.Errorf("op=admission.validateImage: %w: model %q", domain.ErrModelNotFound, p.Model)
	}
	return validated{capability: domain.CapabilityImage, model: p.Model, image: &p}, nil
}

func validateVideo(raw map[string]any, plan domain.Plan) (validated, error) {
	p := domain.VideoParams{
		Prompt:     str(raw["prompt"]),
		Model:      str(raw["model"]),
		Duration:   floatOf(raw["duration"]),
		FPS:        intOf(raw["fps"]),
		Resolution: str(raw["resolution"]),
	}
	if p.Prompt == "" {
		return validated{}, fmt.Errorf("op=admission.validateVideo: %w: empty prompt", domain.ErrInvalidPrompt)
	}
	if err := validate.Struct(p); err != nil {
		return validated{}, fmt.Errorf("op=admission.validateVideo: %w: %v", domain.ErrInvalidParams, err)
	}
	if px := videoResolutionPixels[p.Resolution]; px > plan.MaxResolution {
		return validated{}, fmt.Errorf("op=admission.validateVideo: %w: resolution %s exceeds plan limit", domain.ErrInvalidParams, p.Resolution)
	}
	if !plan.Allows(p.Model) {
		return validated{}, fmt.Errorf("op=admission.validateVideo: %w: model %q", domain.ErrModelNotFound, p.Model)
	}
	return validated{capability: domain.CapabilityVideo, model: p.Model, video: &p}, nil
}

func validateText(raw map[string]any, plan domain.Plan) (validated, error) {
	p := domain.TextParams{
		Prompt:    str(raw["prompt"]),
		Model:     str(raw["model"]),
		MaxTokens: intOf(raw["max_tokens"]),
	}
	if p.Prompt == "" {
		return validated{}, fmt.Errorf("op=admission.validateText: %w: empty prompt", domain.ErrInvalidPrompt)
	}
	if err := validate.Struct(p); err != nil {
		return validated{}, fmt.Errorf("op=admission.validateText: %w: %v", domain.ErrInvalidParams, err)
	}
	if !plan.Allows(p.Model) {
		return validated{}, fmt.Errorf("op=admission.validateText: %w: model %q", domain.ErrModelNotFound, p.Model)
	}
	return validated{capability: domain.CapabilityText, model: p.Model, text: &p}, nil
}

func validateAudio(raw map[string]any, plan domain.Plan) (validated, error) {
	p := domain.AudioParams{
		Prompt:   str(raw["prompt"]),
		VoiceID:  str(raw["voice_id"]),
		Duration: floatOf(raw["duration"]),
	}
	if err := validate.Struct(p); err != nil {
		return validated{}, fmt.Errorf("op=admission.validateAudio: %w: %v", domain.ErrInvalidParams, err)
	}
	if plan.MaxAudioDuration > 0 && p.Duration > plan.MaxAudioDuration {
		return validated{}, fmt.Errorf("op=admission.validateAudio: %w: duration %.0fs exceeds plan max %.0fs", domain.ErrInvalidParams, p.Duration, plan.MaxAudioDuration)
	}
	if !plan.Allows(p.VoiceID) {
		return validated{}, fmt.Errorf("op=admission.validateAudio: %w: voice %q", domain.ErrModelNotFound, p.VoiceID)
	}
	return validated{capability: domain.CapabilityAudio, model: p.VoiceID, audio: &p}, nil
}

func parseResolution(s string) (w, h int, err error) {
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("resolution must be WxH, got %q", s)
	}
	w, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid width in %q", s)
	}
	h, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid height in %q", s)
	}
	return w, h, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func intOf(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case float64:
		return int(t)
	default:
		return 0
	}
}

func floatOf(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	default:
		return 0
	}
}
