// Package flags holds the distress-flag evaluators. Each evaluator is a
// pure function from an evidence bundle to a flag with a confidence in
// [0, 1]; nothing here touches the network or the database.
package flags

import "math"

// Signal codes written to the parcel row and the signal registry.
const (
	CodeOvergrowth  = "vegetation_overgrowth"
	CodeNeglect     = "vegetation_neglect"
	CodeFloodRisk   = "flood_risk"
	CodeStructural  = "structural_change"
	CodeUSPSVacancy = "usps_vacancy"
)

// Evaluator thresholds.
const (
	neglectMinNDVI = 0.10
	neglectMaxNDVI = 0.30

	overgrowthModerateNDVI = 0.50
	overgrowthStrongNDVI   = 0.65
	overgrowthDeltaMin     = 0.15
	trendIncreasingSlope   = 0.005

	structuralDropMin = 0.20

	floodHighConfidence     = 1.0
	floodModerateConfidence = 0.6

	agreementBoost = 0.2
)

// AerialEvidence is the aerial NDVI bundle consumed by the vegetation
// evaluators. HistoricalMean is nil when the parcel has no baseline.
type AerialEvidence struct {
	CurrentNDVI    *float64
	HistoricalMean *float64
	Err            string
}

// SatelliteEvidence is the monthly satellite trend bundle.
type SatelliteEvidence struct {
	TrendSlope     *float64
	TrendDirection string // rising | falling | stable | insufficient
	LatestNDVI     *float64
	EarliestNDVI   *float64
	Err            string
}

// FloodEvidence is the flood-zone bundle. RiskTier is one of
// high | moderate | low | none.
type FloodEvidence struct {
	Zone        string
	ZoneSubtype string
	RiskTier    string
	SFHA        bool
	Err         string
}

// VacancyEvidence is the carrier-vacancy bundle. Vacant and DPVConfirmed
// are tri-state: nil means the upstream did not report the field.
type VacancyEvidence struct {
	Vacant          *bool
	DPVConfirmed    *bool
	AddressMismatch bool
	Address         string
	City            string
	Zip             string
	CarrierRoute    string
}

// Flag is one triggered distress signal.
type Flag struct {
	Code       string
	Confidence float64
	Evidence   map[string]any
}

func validNDVI(v float64) bool {
	return !math.IsNaN(v) && v >= -1 && v <= 1
}

// EvaluateOvergrowth detects vegetation overgrowth from aerial baseline and
// satellite trend. Two aerial tiers: strong (NDVI at or above 0.65, fires
// even without history at confidence 0.6) and moderate (0.50 to 0.65, needs
// a historical delta above 0.15). Agreement between sources boosts
// confidence additively.
func EvaluateOvergrowth(aerial *AerialEvidence, sat *SatelliteEvidence) (Flag, bool) {
	f := Flag{Code: CodeOvergrowth, Evidence: map[string]any{}}

	var aerialHit, satHit bool
	var aerialConf, satConf float64
	noHistoryStrong := false

	if aerial != nil && aerial.Err == "" && aerial.CurrentNDVI != nil && validNDVI(*aerial.CurrentNDVI) {
		current := *aerial.CurrentNDVI
		switch {
		case current >= overgrowthStrongNDVI:
			if aerial.HistoricalMean != nil && current > *aerial.HistoricalMean+overgrowthDeltaMin {
				aerialHit = true
				aerialConf = math.Min((current-*aerial.HistoricalMean)/0.3, 1.0)
				f.Evidence["aerial_delta"] = round4(current - *aerial.HistoricalMean)
				f.Evidence["tier"] = "strong"
			} else if aerial.HistoricalMean == nil {
				aerialHit = true
				aerialConf = 0.6
				noHistoryStrong = true
				f.Evidence["tier"] = "strong"
				f.Evidence["note"] = "no_historical_baseline"
			}
		case current >= overgrowthModerateNDVI:
			if aerial.HistoricalMean != nil && current > *aerial.HistoricalMean+overgrowthDeltaMin {
				aerialHit = true
				aerialConf = math.Min((current-*aerial.HistoricalMean)/0.3, 0.8)
				f.Evidence["aerial_delta"] = round4(current - *aerial.HistoricalMean)
				f.Evidence["tier"] = "moderate"
			}
		}
		if aerialHit {
			f.Evidence["aerial_ndvi"] = current
		}
	}

	if sat != nil && sat.Err == "" && sat.TrendSlope != nil && sat.TrendDirection == "rising" {
		if sat.LatestNDVI != nil && *sat.LatestNDVI > overgrowthModerateNDVI {
			satHit = true
			satConf = math.Min(*sat.TrendSlope/0.02, 1.0)
			f.Evidence["satellite_slope"] = *sat.TrendSlope
			f.Evidence["satellite_latest_ndvi"] = *sat.LatestNDVI
		}
	}

	switch {
	case aerialHit && satHit:
		f.Confidence = math.Min(math.Max(aerialConf, satConf)+agreementBoost, 1.0)
		f.Evidence["agreement"] = "aerial_and_satellite"
	case aerialHit:
		if noHistoryStrong {
			// Already conservative; no single-source discount.
			f.Confidence = aerialConf
		} else {
			f.Confidence = aerialConf * 0.8
		}
		f.Evidence["source"] = "aerial_only"
	case satHit:
		f.Confidence = satConf * 0.7
		f.Evidence["source"] = "satellite_only"
	default:
		return Flag{}, false
	}
	return f, true
}

// EvaluateNeglect detects minimal vegetation in the 0.10–0.30 NDVI band.
// Confidence maps linearly from 1.0 at the low edge to 0.0 at the high
// edge; a high or moderate flood tier adds 0.15, capped at 1.0. Combining
// is always max-based so a legitimate 0.0 confidence is never treated as
// absent.
func EvaluateNeglect(aerial *AerialEvidence, flood *FloodEvidence) (Flag, bool) {
	if aerial == nil || aerial.Err != "" || aerial.CurrentNDVI == nil || !validNDVI(*aerial.CurrentNDVI) {
		return Flag{}, false
	}
	current := *aerial.CurrentNDVI
	if current < neglectMinNDVI || current > neglectMaxNDVI {
		return Flag{}, false
	}

	f := Flag{Code: CodeNeglect, Evidence: map[string]any{"aerial_ndvi": current}}
	f.Confidence = 1.0 - (current-neglectMinNDVI)/(neglectMaxNDVI-neglectMinNDVI)

	if flood != nil && flood.Err == "" {
		if flood.RiskTier == "high" || flood.RiskTier == "moderate" {
			f.Confidence = math.Min(f.Confidence+0.15, 1.0)
			f.Evidence["flood_boost"] = true
			f.Evidence["flood_tier"] = flood.RiskTier
		}
	}
	f.Confidence = round2(f.Confidence)
	return f, true
}

// EvaluateFloodRisk maps the flood tier to a flag: high tier (or SFHA)
// confidence 1.0, moderate 0.6, otherwise no flag.
func EvaluateFloodRisk(flood *FloodEvidence) (Flag, bool) {
	if flood == nil || flood.Err != "" {
		return Flag{}, false
	}

	f := Flag{Code: CodeFloodRisk, Evidence: map[string]any{}}
	switch {
	case flood.RiskTier == "high" || flood.SFHA:
		f.Confidence = floodHighConfidence
	case flood.RiskTier == "moderate":
		f.Confidence = floodModerateConfidence
	default:
		return Flag{}, false
	}

	f.Evidence["flood_zone"] = flood.Zone
	f.Evidence["risk_tier"] = flood.RiskTier
	f.Evidence["sfha"] = flood.SFHA
	if flood.ZoneSubtype != "" {
		f.Evidence["zone_subtype"] = flood.ZoneSubtype
	}
	return f, true
}

// EvaluateStructural detects demolition/fire/clearing: an NDVI drop > 0.20
// from the historical baseline, or a falling satellite trend with a matching
// earliest→latest drop. Agreement boosts confidence.
func EvaluateStructural(aerial *AerialEvidence, sat *SatelliteEvidence) (Flag, bool) {
	f := Flag{Code: CodeStructural, Evidence: map[string]any{}}

	var aerialHit, satHit bool
	var aerialConf, satConf float64

	if aerial != nil && aerial.Err == "" && aerial.CurrentNDVI != nil && aerial.HistoricalMean != nil {
		if validNDVI(*aerial.CurrentNDVI) {
			drop := *aerial.HistoricalMean - *aerial.CurrentNDVI
			if drop > structuralDropMin {
				aerialHit = true
				aerialConf = math.Min(drop/0.4, 1.0)
				f.Evidence["aerial_drop"] = round4(drop)
				f.Evidence["aerial_ndvi"] = *aerial.CurrentNDVI
			}
		}
	}

	if sat != nil && sat.Err == "" && sat.TrendSlope != nil && sat.TrendDirection == "falling" {
		if sat.EarliestNDVI != nil && sat.LatestNDVI != nil &&
			*sat.EarliestNDVI-*sat.LatestNDVI > structuralDropMin {
			satHit = true
			satConf = math.Min(math.Abs(*sat.TrendSlope)/0.02, 1.0)
			f.Evidence["satellite_slope"] = *sat.TrendSlope
			f.Evidence["satellite_drop"] = round4(*sat.EarliestNDVI - *sat.LatestNDVI)
		}
	}

	switch {
	case aerialHit && satHit:
		f.Confidence = math.Min(math.Max(aerialConf, satConf)+agreementBoost, 1.0)
		f.Evidence["agreement"] = "aerial_and_satellite"
	case aerialHit:
		f.Confidence = aerialConf * 0.8
		f.Evidence["source"] = "aerial_only"
	case satHit:
		f.Confidence = satConf * 0.7
		f.Evidence["source"] = "satellite_only"
	default:
		return Flag{}, false
	}
	return f, true
}

// EvaluateVacancy maps a carrier-vacancy record to a flag. Confidence 0.90
// when vacant and DPV-confirmed, 0.75 when DPV is unknown or failed, capped
// at 0.70 whenever the carrier corrected the input address.
func EvaluateVacancy(v *VacancyEvidence) (Flag, bool) {
	if v == nil || v.Vacant == nil || !*v.Vacant {
		return Flag{}, false
	}

	conf := 0.75
	if v.DPVConfirmed != nil && *v.DPVConfirmed {
		conf = 0.90
	}
	if v.AddressMismatch {
		conf = math.Min(conf, 0.70)
	}

	return Flag{
		Code:       CodeUSPSVacancy,
		Confidence: conf,
		Evidence: map[string]any{
			"vacant":           true,
			"dpv_confirmed":    v.DPVConfirmed,
			"address_mismatch": v.AddressMismatch,
			"carrier_address":  v.Address,
			"carrier_city":     v.City,
			"carrier_zip":      v.Zip,
			"carrier_route":    v.CarrierRoute,
		},
	}, true
}

// Bundle groups the evidence for one parcel. Any member may be nil.
type Bundle struct {
	Aerial    *AerialEvidence
	Satellite *SatelliteEvidence
	Flood     *FloodEvidence
	Vacancy   *VacancyEvidence
}

// EvaluateAll runs every evaluator and returns the triggered flags.
func EvaluateAll(b Bundle) []Flag {
	out := []Flag{}
	if f, ok := EvaluateOvergrowth(b.Aerial, b.Satellite); ok {
		out = append(out, f)
	}
	if f, ok := EvaluateNeglect(b.Aerial, b.Flood); ok {
		out = append(out, f)
	}
	if f, ok := EvaluateFloodRisk(b.Flood); ok {
		out = append(out, f)
	}
	if f, ok := EvaluateStructural(b.Aerial, b.Satellite); ok {
		out = append(out, f)
	}
	if f, ok := EvaluateVacancy(b.Vacancy); ok {
		out = append(out, f)
	}
	return out
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
