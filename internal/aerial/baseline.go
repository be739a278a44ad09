package aerial

import (
	"github.com/banshee-data/distress.report/internal/monitoring"
)

// VegetationCategory buckets an NDVI value for quick triage.
func VegetationCategory(ndvi float64) string {
	switch {
	case ndvi < 0.10:
		return "bare"
	case ndvi < 0.30:
		return "minimal"
	case ndvi < 0.50:
		return "sparse"
	case ndvi < 0.65:
		return "moderate"
	default:
		return "dense"
	}
}

// FastNDVI is the single-request scan primitive: current NDVI plus its
// category, no historical probes.
type FastNDVI struct {
	Reading
	Category string `json:"category,omitempty"`
}

// FastNDVIAtPoint reads the latest vintage only.
func (c *Client) FastNDVIAtPoint(lat, lng float64) FastNDVI {
	r := c.NDVIAtPoint(lat, lng)
	out := FastNDVI{Reading: r}
	if r.NDVI != nil {
		out.Category = VegetationCategory(*r.NDVI)
	}
	return out
}

// Baseline is a multi-vintage NDVI history at a point.
type Baseline struct {
	Current        Reading         `json:"current"`
	Vintages       map[int]Reading `json:"vintages"`
	HistoricalMean *float64        `json:"historical_mean"`
	Delta          *float64        `json:"delta"`
}

// BaselineAtPoint reads the current vintage plus each requested historical
// year. Years with no coverage are omitted from the result; the mean is
// taken over whatever vintages answered.
func (c *Client) BaselineAtPoint(lat, lng float64, years []int) Baseline {
	b := Baseline{
		Current:  c.NDVIAtPoint(lat, lng),
		Vintages: map[int]Reading{},
	}

	sum := 0.0
	n := 0
	for _, year := range years {
		r := c.NDVIForYear(lat, lng, year)
		if r.NDVI == nil {
			monitoring.Logf("aerial: no %d coverage at %.6f,%.6f (%s)", year, lat, lng, r.Err)
			continue
		}
		b.Vintages[year] = r
		sum += *r.NDVI
		n++
	}
	if n > 0 {
		mean := sum / float64(n)
		b.HistoricalMean = &mean
		if b.Current.NDVI != nil {
			delta := *b.Current.NDVI - mean
			b.Delta = &delta
		}
	}
	return b
}
