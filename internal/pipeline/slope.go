package pipeline

import (
	"context"
	"fmt"

	"github.com/banshee-data/distress.report/internal/db"
	"github.com/banshee-data/distress.report/internal/monitoring"
	"github.com/banshee-data/distress.report/internal/scoring"
)

// SlopeStats summarizes one pass 1.5 run.
type SlopeStats struct {
	Processed      int `json:"processed"`
	WithSlope      int `json:"with_slope"`
	TooFewVintages int `json:"too_few_vintages"`
	Composites     int `json:"composites_updated"`
}

// RunSlope executes pass 1.5: multi-vintage NDVI regression per parcel,
// then the county-wide composite recalculation. Vintage discovery goes
// through the catalog so a parcel with three coverage years costs three
// imagery reads, not nine probes.
func (p *Pipeline) RunSlope(ctx context.Context, county, state string, limit int) (*SlopeStats, error) {
	parcels, err := p.DB.ParcelsNeedingSlope(ctx, county, state, limit)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("slope: %d parcels queued for %s, %s", len(parcels), county, state)

	tuning := p.tuning()
	stats := &SlopeStats{}
	buffer := []db.SlopeUpdate{}

	flush := func() error {
		if len(buffer) == 0 || p.DryRun {
			buffer = buffer[:0]
			return nil
		}
		if _, err := p.DB.BulkUpdateSlope(ctx, buffer); err != nil {
			return fmt.Errorf("slope flush: %w", err)
		}
		buffer = buffer[:0]
		return nil
	}

	for _, parcel := range parcels {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		update := db.SlopeUpdate{ParcelID: parcel.ID, County: parcel.County, State: parcel.State}
		points := p.vintagePoints(parcel.Lat, parcel.Lng)
		update.VintageCount = len(points)
		update.YearSpan = vintageSpan(points)

		if slope, ok := scoring.NDVISlope(points); ok {
			update.Slope = &slope
			stats.WithSlope++
		} else {
			stats.TooFewVintages++
		}
		stats.Processed++

		buffer = append(buffer, update)
		if len(buffer) >= tuning.GetFlushEvery() {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}

	if !p.DryRun {
		n, err := p.DB.ComputeComposites(ctx, county, state,
			tuning.GetSlopeWeight(), tuning.GetFloodWeight())
		if err != nil {
			return stats, err
		}
		stats.Composites = n
	}
	monitoring.Logf("slope: done, %d processed (%d with slope, %d composites)",
		stats.Processed, stats.WithSlope, stats.Composites)
	return stats, nil
}

// vintagePoints reads one NDVI per available coverage year at a point,
// oldest first, the order the regression consumes them in.
func (p *Pipeline) vintagePoints(lat, lng float64) []scoring.VintagePoint {
	points := []scoring.VintagePoint{}

	years := []int{}
	if p.Archive != nil {
		it, err := p.Archive.Iterate(lat, lng)
		if err != nil {
			monitoring.Logf("slope: vintage discovery failed at %.5f,%.5f: %v", lat, lng, err)
		} else {
			for {
				v, ok := it.Next()
				if !ok {
					break
				}
				years = append(years, v.Year)
			}
		}
	}
	if len(years) == 0 {
		// Catalog gap: fall back to probing the configured vintages.
		years = p.tuning().GetHistoricalYears()
	}

	for _, year := range years {
		r := p.Aerial.NDVIForYear(lat, lng, year)
		if r.NDVI == nil {
			continue
		}
		points = append(points, scoring.VintagePoint{Year: year, NDVI: *r.NDVI})
	}
	return points
}

// vintageSpan is the year distance between the oldest and newest readings.
func vintageSpan(points []scoring.VintagePoint) int {
	if len(points) == 0 {
		return 0
	}
	lo, hi := points[0].Year, points[0].Year
	for _, pt := range points[1:] {
		if pt.Year < lo {
			lo = pt.Year
		}
		if pt.Year > hi {
			hi = pt.Year
		}
	}
	return hi - lo
}
