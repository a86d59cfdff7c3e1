package admission

import "github.com/tessera-ai/control-plane/internal/domain"

// costOf applies §4.2 step 6's deterministic cost formulas.
func costOf(v validated) float64 {
	switch v.capability {
	case domain.CapabilityImage:
		return domain.CostOfImage(v.image.Width, v.image.Height, v.image.Steps)
	case domain.CapabilityVideo:
		cost, err := domain.CostOfVideo(v.video.Duration, v.video.Resolution)
		if err != nil {
			return domain.MinBillableCost
		}
		return cost
	case domain.CapabilityText:
		return domain.CostOfText(v.text.MaxTokens)
	case domain.CapabilityAudio:
		return domain.CostOfAudio()
	default:
		return domain.MinBillableCost
	}
}

// capabilityAvgSeconds is the §4.2 step 10 tunable per-capability average
// execution time used for the queue time estimate.
var capabilityAvgSeconds = map[domain.Capability]float64{
	domain.CapabilityImage: 20,
	domain.CapabilityVideo: 30,
	domain.CapabilityText:  5,
	domain.CapabilityAudio: 10,
}

// coldStartAdjustment applies 30s if the model is unlikely to be resident
// on any idle worker, else 5s (§4.2 step 10).
func coldStartAdjustment(modelWarm bool) float64 {
	if modelWarm {
		return 5
	}
	return 30
}

// estimateSeconds computes position*capability_avg_seconds + cold_start_adjustment.
func estimateSeconds(cap domain.Capability, position int, modelWarm bool) float64 {
	return float64(position)*capabilityAvgSeconds[cap] + coldStartAdjustment(modelWarm)
}
