package satellite

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/distress.report/internal/httputil"
)

func month(y int, m time.Month) time.Time {
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

func obsSeries(vals ...float64) []Observation {
	out := make([]Observation, len(vals))
	for i, v := range vals {
		out[i] = Observation{Month: month(2025, time.Month(i+1)), MeanNDVI: v, ValidPct: 1}
	}
	return out
}

func TestComputeTrendDirections(t *testing.T) {
	assert.Equal(t, TrendFalling, ComputeTrend(obsSeries(0.60, 0.55, 0.50, 0.45)).Direction)
	assert.Equal(t, TrendRising, ComputeTrend(obsSeries(0.30, 0.36, 0.42, 0.48)).Direction)
	assert.Equal(t, TrendStable, ComputeTrend(obsSeries(0.42, 0.421, 0.419, 0.42)).Direction)
}

func TestComputeTrendInsufficient(t *testing.T) {
	tr := ComputeTrend(obsSeries(0.4, 0.5))
	assert.Equal(t, TrendInsufficient, tr.Direction)
	assert.Equal(t, 0.0, tr.Slope)
	assert.Equal(t, 0.4, tr.Earliest)
	assert.Equal(t, 0.5, tr.Latest)

	ev := tr.Evidence()
	assert.Nil(t, ev.TrendSlope)
	assert.Equal(t, TrendInsufficient, ev.TrendDirection)
}

func TestComputeTrendSlope(t *testing.T) {
	// 0.01 NDVI per month, well above the stability threshold.
	tr := ComputeTrend(obsSeries(0.40, 0.41, 0.42, 0.43, 0.44, 0.45))
	assert.InDelta(t, 0.01, tr.Slope, 0.001)
	assert.Equal(t, TrendRising, tr.Direction)
	assert.Equal(t, 0.40, tr.Earliest)
	assert.Equal(t, 0.45, tr.Latest)

	ev := tr.Evidence()
	require.NotNil(t, ev.TrendSlope)
	assert.InDelta(t, 0.01, *ev.TrendSlope, 0.001)
}

func statsBody(t *testing.T, means []float64, noData int) string {
	t.Helper()
	type stats struct {
		Mean        float64 `json:"mean"`
		StDev       float64 `json:"stDev"`
		SampleCount int     `json:"sampleCount"`
		NoDataCount int     `json:"noDataCount"`
	}
	data := []map[string]any{}
	for i, m := range means {
		from := month(2025, time.Month(i+1)).Format(time.RFC3339)
		data = append(data, map[string]any{
			"interval": map[string]string{"from": from},
			"outputs": map[string]any{
				"ndvi": map[string]any{
					"bands": map[string]any{
						"B0": map[string]any{
							"stats": stats{Mean: m, SampleCount: 2500, NoDataCount: noData},
						},
					},
				},
			},
		})
	}
	body, err := json.Marshal(map[string]any{"data": data})
	require.NoError(t, err)
	return string(body)
}

func TestMonthlyNDVI(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, statsBody(t, []float64{0.51, 0.48, 0.44}, 100))

	c := NewClientWithHTTP(mock, 0)
	obs, err := c.MonthlyNDVI(context.Background(), 35.2, -80.8, 12)
	require.NoError(t, err)
	require.Len(t, obs, 3)
	assert.Equal(t, 0.51, obs[0].MeanNDVI)
	assert.InDelta(t, 2400.0/2500.0, obs[0].ValidPct, 1e-9)

	req := mock.GetRequest(0)
	require.NotNil(t, req)
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(body, &parsed))
	agg := parsed["aggregation"].(map[string]any)
	assert.Equal(t, "P1M", agg["aggregationInterval"].(map[string]any)["of"])
	assert.Equal(t, float64(50), agg["width"])
	assert.Equal(t, float64(50), agg["height"])
	assert.Contains(t, agg["evalscript"], "dataMask")
}

func TestMonthlyNDVIDropsMaskedMonths(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	// Second month entirely no-data.
	mock.AddResponse(200, statsBody(t, []float64{0.5}, 2500))

	obs, err := NewClientWithHTTP(mock, 0).MonthlyNDVI(context.Background(), 35.2, -80.8, 6)
	require.NoError(t, err)
	assert.Empty(t, obs)
}

func TestMonthlyNDVIRateLimited(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(429, `{"error": "throttled"}`)

	_, err := NewClientWithHTTP(mock, 0).MonthlyNDVI(context.Background(), 35.2, -80.8, 6)
	assert.True(t, errors.Is(err, ErrRateLimited))
}

func TestParseLandsatNDVI(t *testing.T) {
	// Band order: coastal, blue, green, red, NIR, ...
	ndvi, err := parseLandsatNDVI("8000, 8200, 9000, 10000, 20000, 15000, 12000")
	require.NoError(t, err)
	require.NotNil(t, ndvi)
	assert.InDelta(t, (20000.0-10000.0)/(20000.0+10000.0), *ndvi, 1e-9)

	ndvi, err = parseLandsatNDVI("NoData")
	require.NoError(t, err)
	assert.Nil(t, ndvi)

	_, err = parseLandsatNDVI("1, 2, 3")
	assert.Error(t, err)
}

func TestChartPNG(t *testing.T) {
	tr := ComputeTrend(obsSeries(0.50, 0.47, 0.44, 0.41))
	png, err := ChartPNG(tr)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])

	_, err = ChartPNG(Trend{})
	assert.Error(t, err)
}
