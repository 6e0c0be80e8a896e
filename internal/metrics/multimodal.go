package metrics

import (
	"fmt"
	"math"
	"sort"

	"atelier/internal/apperr"
)

// Canonical blend weights per modality. Renormalized over whichever
// modalities a request actually provides.
var defaultModalityWeights = map[string]float64{
	"visual":    0.4,
	"narrative": 0.3,
	"audio":     0.15,
	"video":     0.15,
}

const defaultProviderReliability = 0.8

// reliabilityAdjustmentCap bounds how far provider reliability can move
// the blended score, keeping cross-provider drift for identical inputs
// within three points.
const reliabilityAdjustmentCap = 1.5

// MultimodalScore is the blended result of a multi-provider scoring pass.
type MultimodalScore struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// CalculateMultimodalGlowUp blends per-modality scores into a single
// 0-100 score with an attached confidence. Scores must be finite values
// in [0,100]; unknown modalities and out-of-range values fail validation
// naming the offending field. Confidence reflects both the scoring
// provider's reliability and how much of the modality space was covered.
func (e Engine) CalculateMultimodalGlowUp(scores map[string]float64, provider string) (MultimodalScore, error) {
	if len(scores) == 0 {
		return MultimodalScore{}, apperr.New(apperr.CodeValidation, "scores must include at least one modality")
	}
	weights := e.modalityWeights()

	// Deterministic validation order regardless of map iteration.
	modalities := make([]string, 0, len(scores))
	for m := range scores {
		modalities = append(modalities, m)
	}
	sort.Strings(modalities)

	var weighted, totalWeight float64
	for _, m := range modalities {
		w, ok := weights[m]
		if !ok {
			return MultimodalScore{}, apperr.New(apperr.CodeValidation, fmt.Sprintf("unknown modality %q", m))
		}
		v := scores[m]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return MultimodalScore{}, apperr.New(apperr.CodeValidation, fmt.Sprintf("scores.%s must be a finite number", m))
		}
		if v < 0 || v > 100 {
			return MultimodalScore{}, apperr.New(apperr.CodeValidation, fmt.Sprintf("scores.%s must lie in [0,100]", m))
		}
		weighted += v * w
		totalWeight += w
	}
	blended := weighted / totalWeight

	// Reliability nudges the score within a tight band rather than
	// scaling it, so providers with different reliability ratings stay
	// within the drift tolerance on identical inputs.
	reliability := e.providerReliability(provider)
	adjustment := (reliability - defaultProviderReliability) / (1 - defaultProviderReliability) * reliabilityAdjustmentCap
	adjustment = clamp(adjustment, -reliabilityAdjustmentCap, reliabilityAdjustmentCap)
	score := clamp(blended+adjustment, 0, 100)

	var fullWeight float64
	for _, w := range weights {
		fullWeight += w
	}
	coverage := totalWeight / fullWeight

	return MultimodalScore{
		Score:      score,
		Confidence: clamp(reliability*coverage, 0, 1),
	}, nil
}

func (e Engine) modalityWeights() map[string]float64 {
	if e.Config != nil && len(e.Config.Multimodal.Weights) > 0 {
		return e.Config.Multimodal.Weights
	}
	return defaultModalityWeights
}

func (e Engine) providerReliability(provider string) float64 {
	if e.Config != nil {
		if rel, ok := e.Config.Multimodal.ProviderReliability[provider]; ok {
			return rel
		}
	}
	return defaultProviderReliability
}
