package scoring

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// VintagePoint is one (year, NDVI) observation from the aerial archive.
type VintagePoint struct {
	Year int
	NDVI float64
}

// NDVISlope fits an ordinary least-squares line through the vintage points
// and returns the slope in NDVI per year, rounded to 6 places. Returns
// (0, false) with fewer than two points or a degenerate year spread.
// Positive slope means thickening vegetation, negative means clearing.
func NDVISlope(points []VintagePoint) (float64, bool) {
	if len(points) < 2 {
		return 0, false
	}

	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i] = float64(p.Year)
		ys[i] = p.NDVI
	}

	_, slope := stat.LinearRegression(xs, ys, nil, false)
	if math.IsNaN(slope) || math.IsInf(slope, 0) {
		// All points share a year.
		return 0, false
	}
	return math.Round(slope*1e6) / 1e6, true
}

// Composite blends the county percentile rank of the NDVI slope with the
// normalized flood factor and scales to [0, 10]. slopePctile must already be
// a [0, 1] rank.
func Composite(slopePctile, floodNorm, slopeWeight, floodWeight float64) float64 {
	c := slopeWeight*slopePctile + floodWeight*floodNorm
	return round2(clamp(c*10, 0, 10))
}
