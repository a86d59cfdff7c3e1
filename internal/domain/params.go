package domain

import (
	"fmt"
	"math"
)

// JobRequest is the inbound shape for job admission (§4.2 contract).
type JobRequest struct {
	Frontend     string         `json:"frontend" validate:"required"`
	BotID        *string        `json:"bot_id,omitempty"`
	Capability   Capability     `json:"capability" validate:"required,oneof=image video text audio"`
	WorkflowID   *string        `json:"workflow_id,omitempty"`
	Params       map[string]any `json:"params" validate:"required"`
	ReplyContext map[string]any `json:"reply_context,omitempty"`
	WebhookURL   string         `json:"webhook_url,omitempty" validate:"omitempty,url"`
}

// ImageParams validates image capability params (§4.2 step 5).
type ImageParams struct {
	Prompt     string `validate:"required,max=2048"`
	Model      string `validate:"required"`
	Resolution string `validate:"required"` // "WxH"
	Steps      int    `validate:"required,min=1,max=100"`
	Width      int    `validate:"-"`
	Height     int    `validate:"-"`
}

// VideoResolutionMultiplier maps a video resolution preset to its cost
// multiplier (§4.2 step 6).
var VideoResolutionMultiplier = map[string]float64{
	"480p":  0.5,
	"720p":  1.0,
	"1080p": 2.0,
}

// VideoParams validates video capability params.
type VideoParams struct {
	Prompt     string  `validate:"required,max=2048"`
	Model      string  `validate:"required"`
	Duration   float64 `validate:"required,min=1,max=30"`
	FPS        int     `validate:"required,min=8,max=60"`
	Resolution string  `validate:"required,oneof=480p 720p 1080p"`
}

// TextParams validates text capability params.
type TextParams struct {
	Prompt    string `validate:"required,max=2048"`
	Model     string `validate:"required"`
	MaxTokens int    `validate:"required,min=1,max=4096"`
}

// AudioParams validates audio capability params.
type AudioParams struct {
	Prompt   string  `validate:"required,max=2048"`
	VoiceID  string  `validate:"required"`
	Duration float64 `validate:"required,min=0"`
}

// MinBillableCost is the cost floor applied after computation (§4.2 step 6).
const MinBillableCost = 0.01

// DefaultJobTimeoutSeconds is applied when a job's params carries no
// timeout_seconds (§5: "Per-job: params.timeout_seconds (default 300, max 600)").
const DefaultJobTimeoutSeconds = 300

// MaxJobTimeoutSeconds bounds a caller-supplied timeout_seconds.
const MaxJobTimeoutSeconds = 600

// JobTimeoutSeconds reads params["timeout_seconds"], clamping to
// [1, MaxJobTimeoutSeconds] and defaulting when absent or malformed. Both
// the dispatch RPC deadline (§4.3 step 5) and the reaper's per-job stale
// deadline (§4.5) derive from this same value.
func JobTimeoutSeconds(params map[string]any) int {
	v, ok := params["timeout_seconds"]
	if !ok {
		return DefaultJobTimeoutSeconds
	}
	var n int
	switch t := v.(type) {
	case int:
		n = t
	case float64:
		n = int(t)
	default:
		return DefaultJobTimeoutSeconds
	}
	if n <= 0 {
		return DefaultJobTimeoutSeconds
	}
	if n > MaxJobTimeoutSeconds {
		return MaxJobTimeoutSeconds
	}
	return n
}

// roundCents rounds v to 2 decimal places, the job's billing granularity.
func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// CostOfImage computes (W*H/1024^2) * (steps/20), rounded to 2dp, floored at
// MinBillableCost.
func CostOfImage(width, height, steps int) float64 {
	cost := (float64(width) * float64(height) / (1024 * 1024)) * (float64(steps) / 20)
	return applyFloor(cost)
}

// CostOfVideo computes duration*3/5 scaled by the resolution multiplier.
func CostOfVideo(durationSeconds float64, resolution string) (float64, error) {
	mult, ok := VideoResolutionMultiplier[resolution]
	if !ok {
		return 0, fmt.Errorf("cost: unknown video resolution %q", resolution)
	}
	cost := durationSeconds * 3 / 5 * mult
	return applyFloor(cost), nil
}

// CostOfText computes maxTokens/1000.
func CostOfText(maxTokens int) float64 {
	return applyFloor(float64(maxTokens) / 1000)
}

// DefaultAudioCost is the flat per-request cost for audio jobs (§4.2 step 6).
const DefaultAudioCost = 0.5

// CostOfAudio is the flat per-request audio cost.
func CostOfAudio() float64 {
	return applyFloor(DefaultAudioCost)
}

func applyFloor(cost float64) float64 {
	cost = roundCents(cost)
	if cost < MinBillableCost {
		return MinBillableCost
	}
	return cost
}
