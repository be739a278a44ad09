package satellite

import (
	"bytes"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/distress.report/internal/flags"
)

// Trend direction vocabulary.
const (
	TrendRising       = "rising"
	TrendFalling      = "falling"
	TrendStable       = "stable"
	TrendInsufficient = "insufficient"
)

// SlopeThreshold separates a real monthly NDVI drift from seasonal noise.
const SlopeThreshold = 0.005

// MinObservations is the fewest months a regression is trusted on.
const MinObservations = 3

// Trend is the fitted monthly NDVI trajectory at a point.
type Trend struct {
	Slope        float64       `json:"slope"`
	Intercept    float64       `json:"-"`
	Direction    string        `json:"direction"`
	Latest       float64       `json:"latest_ndvi"`
	Earliest     float64       `json:"earliest_ndvi"`
	Observations []Observation `json:"observations,omitempty"`
}

// ComputeTrend fits a least-squares line over monthly observations. Slope is
// NDVI per month. Fewer than MinObservations yields TrendInsufficient with a
// zero slope.
func ComputeTrend(obs []Observation) Trend {
	if len(obs) < MinObservations {
		t := Trend{Direction: TrendInsufficient, Observations: obs}
		if len(obs) > 0 {
			t.Earliest = obs[0].MeanNDVI
			t.Latest = obs[len(obs)-1].MeanNDVI
		}
		return t
	}

	xs := make([]float64, len(obs))
	ys := make([]float64, len(obs))
	origin := obs[0].Month
	for i, o := range obs {
		xs[i] = o.Month.Sub(origin).Hours() / (24 * 30.44)
		ys[i] = o.MeanNDVI
	}
	intercept, slope := stat.LinearRegression(xs, ys, nil, false)

	direction := TrendStable
	switch {
	case slope > SlopeThreshold:
		direction = TrendRising
	case slope < -SlopeThreshold:
		direction = TrendFalling
	}
	return Trend{
		Slope:        slope,
		Intercept:    intercept,
		Direction:    direction,
		Earliest:     obs[0].MeanNDVI,
		Latest:       obs[len(obs)-1].MeanNDVI,
		Observations: obs,
	}
}

// Evidence converts a trend to the form the signal evaluators consume.
func (t Trend) Evidence() flags.SatelliteEvidence {
	ev := flags.SatelliteEvidence{TrendDirection: t.Direction}
	if t.Direction == TrendInsufficient {
		return ev
	}
	slope, latest, earliest := t.Slope, t.Latest, t.Earliest
	ev.TrendSlope = &slope
	ev.LatestNDVI = &latest
	ev.EarliestNDVI = &earliest
	return ev
}

// ChartPNG renders the observation series with its fitted line, for the
// per-parcel artifact store.
func ChartPNG(t Trend) ([]byte, error) {
	if len(t.Observations) == 0 {
		return nil, fmt.Errorf("trend chart: no observations")
	}

	p := plot.New()
	p.Title.Text = "Monthly NDVI"
	p.X.Label.Text = "Month"
	p.Y.Label.Text = "NDVI"
	p.X.Tick.Marker = plot.TimeTicks{Format: "2006-01"}

	pts := make(plotter.XYs, len(t.Observations))
	for i, o := range t.Observations {
		pts[i].X = float64(o.Month.Unix())
		pts[i].Y = o.MeanNDVI
	}
	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return nil, fmt.Errorf("trend chart: %w", err)
	}
	p.Add(line, points)

	if t.Direction != TrendInsufficient {
		origin := t.Observations[0].Month
		fit := plotter.NewFunction(func(x float64) float64 {
			months := time.Unix(int64(x), 0).Sub(origin).Hours() / (24 * 30.44)
			return t.Intercept + t.Slope*months
		})
		fit.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(fit)
	}

	w, err := p.WriterTo(6*vg.Inch, 3*vg.Inch, "png")
	if err != nil {
		return nil, fmt.Errorf("trend chart: %w", err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("trend chart: %w", err)
	}
	return buf.Bytes(), nil
}
