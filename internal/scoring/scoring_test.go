package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/distress.report/internal/flags"
)

func f64(v float64) *float64 { return &v }

func TestDistressScoreScenarioOne(t *testing.T) {
	// Overgrowth at 0.6 with no other flags: 2.0 * 0.6 = 1.2.
	got := DistressScore([]flags.Flag{
		{Code: flags.CodeOvergrowth, Confidence: 0.6},
	})
	assert.Equal(t, 1.2, got)
}

func TestDistressScoreScenarioTwo(t *testing.T) {
	// Neglect 0.65 + flood 1.0: 1.5*0.65 + 1.5*1.0 = 2.475 -> 2.48.
	got := DistressScore([]flags.Flag{
		{Code: flags.CodeNeglect, Confidence: 0.65},
		{Code: flags.CodeFloodRisk, Confidence: 1.0},
	})
	assert.InDelta(t, 2.48, got, 1e-9)
}

func TestDistressScoreClamped(t *testing.T) {
	got := DistressScore([]flags.Flag{
		{Code: flags.CodeOvergrowth, Confidence: 1.0},
		{Code: flags.CodeNeglect, Confidence: 1.0},
		{Code: flags.CodeFloodRisk, Confidence: 1.0},
		{Code: flags.CodeStructural, Confidence: 1.0},
		{Code: flags.CodeUSPSVacancy, Confidence: 1.0},
		{Code: flags.CodeUSPSVacancy, Confidence: 1.0},
	})
	assert.Equal(t, 10.0, got)
}

func TestNDVISlope(t *testing.T) {
	slope, ok := NDVISlope([]VintagePoint{
		{Year: 2014, NDVI: 0.35},
		{Year: 2020, NDVI: 0.53},
	})
	require.True(t, ok)
	assert.InDelta(t, 0.03, slope, 1e-9)

	_, ok = NDVISlope([]VintagePoint{{Year: 2020, NDVI: 0.4}})
	assert.False(t, ok, "one point has no slope")

	_, ok = NDVISlope([]VintagePoint{
		{Year: 2020, NDVI: 0.4},
		{Year: 2020, NDVI: 0.6},
	})
	assert.False(t, ok, "degenerate year spread")
}

func TestNDVISlopeFlat(t *testing.T) {
	slope, ok := NDVISlope([]VintagePoint{
		{Year: 2012, NDVI: 0.42},
		{Year: 2016, NDVI: 0.42},
		{Year: 2022, NDVI: 0.42},
	})
	require.True(t, ok)
	assert.Equal(t, 0.0, slope)
}

func TestComposite(t *testing.T) {
	// 0.70 * 0.9 + 0.30 * 1.0 = 0.93 -> 9.3.
	assert.Equal(t, 9.3, Composite(0.9, 1.0, 0.70, 0.30))
	assert.Equal(t, 0.0, Composite(0, 0, 0.70, 0.30))
	assert.Equal(t, 10.0, Composite(1.0, 1.0, 0.70, 0.30))
}

func TestConvictionBothComponents(t *testing.T) {
	// ds_comp 0.8, mc_comp 0.5, vacant with DPV confidence 0.90.
	res := Conviction(ConvictionInput{
		DistressComposite: f64(8.0),
		MCRawScore:        3.5,
		MCSignalCount:     2,
		FlagVacancy:       true,
		VacancyConfidence: f64(0.90),
	})
	require.NotNil(t, res.Score)
	assert.InDelta(t, 6.40, *res.Base, 1e-9)
	assert.InDelta(t, 2.25, res.VacancyBonus, 1e-9)
	assert.InDelta(t, 8.65, *res.Score, 1e-9)
	assert.Equal(t, []string{"DS", "MC", "VAC"}, res.Components)
}

func TestConvictionDSOnlyPassesThrough(t *testing.T) {
	res := Conviction(ConvictionInput{DistressComposite: f64(7.59)})
	require.NotNil(t, res.Score)
	assert.InDelta(t, 7.59, *res.Score, 1e-9)
	assert.Equal(t, []string{"DS"}, res.Components)
}

func TestConvictionMCOnly(t *testing.T) {
	res := Conviction(ConvictionInput{MCRawScore: 3.5, MCSignalCount: 3})
	require.NotNil(t, res.Score)
	assert.InDelta(t, 5.0, *res.Score, 1e-9)
}

func TestConvictionMissingIsNotZero(t *testing.T) {
	// A present-but-zero MC component must drag the average down; an absent
	// one must not.
	absent := Conviction(ConvictionInput{DistressComposite: f64(8.0)})
	zero := Conviction(ConvictionInput{
		DistressComposite: f64(8.0),
		MCRawScore:        0,
		MCSignalCount:     1,
	})
	require.NotNil(t, absent.Score)
	require.NotNil(t, zero.Score)
	assert.Greater(t, *absent.Score, *zero.Score)
}

func TestConvictionNotRankable(t *testing.T) {
	res := Conviction(ConvictionInput{
		FlagVacancy:       true,
		VacancyConfidence: f64(0.75),
	})
	assert.Nil(t, res.Score)
	assert.Nil(t, res.Base)
	assert.InDelta(t, 2.5*0.75, res.VacancyBonus, 1e-9)
}

func TestConvictionVacancyErrorSuppressesBonus(t *testing.T) {
	res := Conviction(ConvictionInput{
		DistressComposite: f64(8.0),
		FlagVacancy:       true,
		VacancyConfidence: f64(0.90),
		VacancyError:      "rate_limited",
	})
	require.NotNil(t, res.Score)
	assert.Equal(t, 0.0, res.VacancyBonus)
	assert.InDelta(t, 8.0, *res.Score, 1e-9)
}

func TestConvictionClamp(t *testing.T) {
	res := Conviction(ConvictionInput{
		DistressComposite: f64(10.0),
		MCRawScore:        9.0,
		MCSignalCount:     4,
		FlagVacancy:       true,
		VacancyConfidence: f64(1.0),
	})
	require.NotNil(t, res.Score)
	assert.Equal(t, 10.0, *res.Score)
}

func TestFloodRiskNormalized(t *testing.T) {
	assert.Equal(t, 1.0, FloodRiskNormalized("high"))
	assert.Equal(t, 0.5, FloodRiskNormalized("moderate"))
	assert.Equal(t, 0.1, FloodRiskNormalized("low"))
	assert.Equal(t, 0.0, FloodRiskNormalized("none"))
	assert.Equal(t, 0.0, FloodRiskNormalized(""))
}
