package flags

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }
func b(v bool) *bool         { return &v }

func TestOvergrowthStrongNoHistory(t *testing.T) {
	flag, ok := EvaluateOvergrowth(&AerialEvidence{CurrentNDVI: f64(0.72)}, nil)
	require.True(t, ok)
	assert.Equal(t, CodeOvergrowth, flag.Code)
	// No-history strong tier keeps its conservative 0.6, no single-source
	// discount.
	assert.Equal(t, 0.6, flag.Confidence)
}

func TestOvergrowthStrongBoundary(t *testing.T) {
	_, ok := EvaluateOvergrowth(&AerialEvidence{CurrentNDVI: f64(0.6499)}, nil)
	assert.False(t, ok, "just below the strong threshold with no history must not fire")

	flag, ok := EvaluateOvergrowth(&AerialEvidence{CurrentNDVI: f64(0.65)}, nil)
	require.True(t, ok, "exactly 0.65 is strong tier")
	assert.Equal(t, 0.6, flag.Confidence)
}

func TestOvergrowthModerateNeedsDelta(t *testing.T) {
	// 0.55 with no history: moderate tier requires a confirmed delta.
	_, ok := EvaluateOvergrowth(&AerialEvidence{CurrentNDVI: f64(0.55)}, nil)
	assert.False(t, ok)

	flag, ok := EvaluateOvergrowth(&AerialEvidence{
		CurrentNDVI:    f64(0.55),
		HistoricalMean: f64(0.30),
	}, nil)
	require.True(t, ok)
	// delta 0.25 / 0.3 = 0.833 capped at moderate 0.8, then the aerial-only
	// discount.
	assert.InDelta(t, 0.8*0.8, flag.Confidence, 1e-9)
}

func TestOvergrowthAgreementBoost(t *testing.T) {
	aerial := &AerialEvidence{CurrentNDVI: f64(0.70), HistoricalMean: f64(0.40)}
	sat := &SatelliteEvidence{
		TrendSlope:     f64(0.01),
		TrendDirection: "rising",
		LatestNDVI:     f64(0.68),
	}
	flag, ok := EvaluateOvergrowth(aerial, sat)
	require.True(t, ok)
	// aerial conf = min(0.3/0.3, 1.0) = 1.0; boost is capped at 1.0.
	assert.Equal(t, 1.0, flag.Confidence)
	assert.Equal(t, "aerial_and_satellite", flag.Evidence["agreement"])
}

func TestNeglectLinearBand(t *testing.T) {
	flag, ok := EvaluateNeglect(&AerialEvidence{CurrentNDVI: f64(0.20)}, nil)
	require.True(t, ok)
	assert.InDelta(t, 0.50, flag.Confidence, 1e-9)

	flag, ok = EvaluateNeglect(&AerialEvidence{CurrentNDVI: f64(0.10)}, nil)
	require.True(t, ok)
	assert.InDelta(t, 1.0, flag.Confidence, 1e-9)

	_, ok = EvaluateNeglect(&AerialEvidence{CurrentNDVI: f64(0.09)}, nil)
	assert.False(t, ok, "below the band is impervious surface, not neglect")
	_, ok = EvaluateNeglect(&AerialEvidence{CurrentNDVI: f64(0.31)}, nil)
	assert.False(t, ok)
}

func TestNeglectFloodBoost(t *testing.T) {
	flood := &FloodEvidence{Zone: "AE", RiskTier: "high", SFHA: true}
	flag, ok := EvaluateNeglect(&AerialEvidence{CurrentNDVI: f64(0.20)}, flood)
	require.True(t, ok)
	assert.InDelta(t, 0.65, flag.Confidence, 1e-9)
}

// Replacing a legitimate 0.0-confidence input with an absent one must never
// increase the result: combination is max-based, not truthiness-based.
func TestNeglectZeroConfidenceNotFalsy(t *testing.T) {
	// NDVI exactly at the top of the band gives confidence 0.0 but still
	// flags; the flood boost applies to the 0.0, not to a discarded value.
	flood := &FloodEvidence{Zone: "X", RiskTier: "moderate"}
	withZero, ok := EvaluateNeglect(&AerialEvidence{CurrentNDVI: f64(0.30)}, flood)
	require.True(t, ok)

	without, ok2 := EvaluateNeglect(&AerialEvidence{CurrentNDVI: f64(0.30)}, nil)
	require.True(t, ok2)

	assert.GreaterOrEqual(t, withZero.Confidence, without.Confidence)
	assert.InDelta(t, 0.15, withZero.Confidence, 1e-9)
}

func TestFloodRiskTiers(t *testing.T) {
	flag, ok := EvaluateFloodRisk(&FloodEvidence{Zone: "AE", RiskTier: "high", SFHA: true})
	require.True(t, ok)
	assert.Equal(t, 1.0, flag.Confidence)

	flag, ok = EvaluateFloodRisk(&FloodEvidence{Zone: "X", ZoneSubtype: "0.2 PCT ANNUAL CHANCE FLOOD HAZARD", RiskTier: "moderate"})
	require.True(t, ok)
	assert.Equal(t, 0.6, flag.Confidence)

	_, ok = EvaluateFloodRisk(&FloodEvidence{Zone: "X", RiskTier: "low"})
	assert.False(t, ok)
	_, ok = EvaluateFloodRisk(&FloodEvidence{RiskTier: "none"})
	assert.False(t, ok)
}

func TestStructuralDrop(t *testing.T) {
	flag, ok := EvaluateStructural(&AerialEvidence{
		CurrentNDVI:    f64(0.15),
		HistoricalMean: f64(0.55),
	}, nil)
	require.True(t, ok)
	// drop 0.40 / 0.4 = 1.0 with the aerial-only discount.
	assert.InDelta(t, 0.8, flag.Confidence, 1e-9)

	_, ok = EvaluateStructural(&AerialEvidence{
		CurrentNDVI:    f64(0.40),
		HistoricalMean: f64(0.55),
	}, nil)
	assert.False(t, ok, "a 0.15 drop is below the structural threshold")
}

func TestVacancyConfidenceLadder(t *testing.T) {
	flag, ok := EvaluateVacancy(&VacancyEvidence{Vacant: b(true), DPVConfirmed: b(true)})
	require.True(t, ok)
	assert.Equal(t, 0.90, flag.Confidence)

	flag, ok = EvaluateVacancy(&VacancyEvidence{Vacant: b(true)})
	require.True(t, ok)
	assert.Equal(t, 0.75, flag.Confidence)

	flag, ok = EvaluateVacancy(&VacancyEvidence{Vacant: b(true), DPVConfirmed: b(false)})
	require.True(t, ok)
	assert.Equal(t, 0.75, flag.Confidence)

	// Mismatch caps at 0.70 regardless of DPV.
	flag, ok = EvaluateVacancy(&VacancyEvidence{
		Vacant: b(true), DPVConfirmed: b(true), AddressMismatch: true,
	})
	require.True(t, ok)
	assert.Equal(t, 0.70, flag.Confidence)

	_, ok = EvaluateVacancy(&VacancyEvidence{Vacant: b(false)})
	assert.False(t, ok)
	_, ok = EvaluateVacancy(&VacancyEvidence{})
	assert.False(t, ok)
}

func TestEvaluateAllScenario(t *testing.T) {
	// NDVI 0.20, zone AE, no history: neglect 0.65 and flood 1.0.
	got := EvaluateAll(Bundle{
		Aerial: &AerialEvidence{CurrentNDVI: f64(0.20)},
		Flood:  &FloodEvidence{Zone: "AE", RiskTier: "high", SFHA: true},
	})
	require.Len(t, got, 2)
	byCode := map[string]float64{}
	for _, f := range got {
		byCode[f.Code] = f.Confidence
	}
	assert.InDelta(t, 0.65, byCode[CodeNeglect], 1e-9)
	assert.Equal(t, 1.0, byCode[CodeFloodRisk])
}

func TestInvalidNDVISkipsEvaluator(t *testing.T) {
	_, ok := EvaluateNeglect(&AerialEvidence{CurrentNDVI: f64(1.7)}, nil)
	assert.False(t, ok)
	_, ok = EvaluateOvergrowth(&AerialEvidence{CurrentNDVI: f64(-2.0)}, nil)
	assert.False(t, ok)
}
