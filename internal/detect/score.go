package detect

import "math"

// Score maps a cluster's evidence volume and mean signal confidence to a
// bounded event confidence. Strength saturates with count: one signal is
// weak (~0.18), three ~0.45, five ~0.63, ten ~0.86, approaching 1 as
// corroboration piles up.
func Score(count int, avgConfidence float64) float64 {
	if count <= 0 {
		return 0
	}
	strength := 1.0 - math.Exp(-float64(count)/5.0)
	confidence := avgConfidence * strength
	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}
