// Package scoring implements the three parcel scores: the weighted distress
// score, the historical-slope distress composite, and the conviction fusion.
package scoring

import (
	"math"

	"github.com/banshee-data/distress.report/internal/flags"
)

// SignalWeights maps signal codes to their distress-score weights.
var SignalWeights = map[string]float64{
	flags.CodeOvergrowth:  2.0,
	flags.CodeNeglect:     1.5,
	flags.CodeFloodRisk:   1.5,
	flags.CodeStructural:  2.5,
	flags.CodeUSPSVacancy: 2.5,
}

// DistressScore sums weight x confidence over the triggered flags, clamped
// to [0, 10]. Unknown codes weigh 1.0.
func DistressScore(triggered []flags.Flag) float64 {
	score := 0.0
	for _, f := range triggered {
		w, ok := SignalWeights[f.Code]
		if !ok {
			w = 1.0
		}
		score += w * f.Confidence
	}
	return round2(clamp(score, 0, 10))
}

// FloodRiskNormalized maps a flood tier to the [0, 1] factor used in the
// distress composite: high 1.0, moderate 0.5, low 0.1, none 0.
func FloodRiskNormalized(tier string) float64 {
	switch tier {
	case "high":
		return 1.0
	case "moderate":
		return 0.5
	case "low":
		return 0.1
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
