package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/distress.report/internal/artifacts"
	"github.com/banshee-data/distress.report/internal/db"
	"github.com/banshee-data/distress.report/internal/flags"
	"github.com/banshee-data/distress.report/internal/monitoring"
	"github.com/banshee-data/distress.report/internal/satellite"
	"github.com/banshee-data/distress.report/internal/scoring"
)

// SentinelStats summarizes one pass 1.5b run.
type SentinelStats struct {
	Enriched     int `json:"enriched"`
	Insufficient int `json:"insufficient"`
	Fallbacks    int `json:"landsat_fallbacks"`
	Throttled    int `json:"throttled"`
	Errors       int `json:"errors"`
}

// Adaptive pacing around the hard limiter: shrink the delay while the
// service answers, grow it when throttled.
const (
	paceInitial = time.Second
	paceMax     = 10 * time.Second
)

// RunSentinelEnrich executes pass 1.5b: monthly satellite NDVI trends for
// sentinel-worthy parcels, with a landsat fallback when the primary
// constellation has too few usable months. Enriched parcels advance to
// pass 2.
func (p *Pipeline) RunSentinelEnrich(ctx context.Context, county, state string, limit int) (*SentinelStats, error) {
	parcels, err := p.DB.SentinelWorthyParcels(ctx, county, state, limit)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("sentinel: %d parcels queued for %s, %s", len(parcels), county, state)

	tuning := p.tuning()
	stats := &SentinelStats{}
	buffer := []db.SatelliteUpdate{}
	pace := paceInitial

	flush := func() error {
		if len(buffer) == 0 || p.DryRun {
			buffer = buffer[:0]
			return nil
		}
		if _, err := p.DB.BulkUpdateSatellite(ctx, buffer); err != nil {
			return fmt.Errorf("sentinel flush: %w", err)
		}
		buffer = buffer[:0]
		return nil
	}

	for _, parcel := range parcels {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		obs, err := p.Satellite.MonthlyNDVI(ctx, parcel.Lat, parcel.Lng, tuning.GetSentinelMonths())
		if errors.Is(err, satellite.ErrRateLimited) {
			stats.Throttled++
			pace = min(pace*2, paceMax)
			monitoring.Logf("sentinel: throttled, pacing up to %s", pace)
			time.Sleep(pace)
			continue // parcel stays selected for the next run
		}
		if err != nil {
			stats.Errors++
			monitoring.Logf("sentinel: %s: %v", parcel.ID, err)
			continue
		}
		pace = max(time.Duration(float64(pace)*0.9), paceInitial)

		source := "sentinel"
		if len(obs) < satellite.MinObservations && p.Landsat != nil {
			fallback, err := p.Landsat.MonthlyNDVI(ctx, parcel.Lat, parcel.Lng, tuning.GetSentinelMonths())
			if err == nil && len(fallback) > len(obs) {
				obs = fallback
				source = "landsat"
				stats.Fallbacks++
			}
		}

		update := p.enrichOne(parcel, obs, source)
		if update.TrendDirection == satellite.TrendInsufficient {
			stats.Insufficient++
		} else {
			stats.Enriched++
		}
		buffer = append(buffer, update)
		if len(buffer) >= tuning.GetFlushEvery() {
			if err := flush(); err != nil {
				return stats, err
			}
		}
		time.Sleep(pace)
	}
	if err := flush(); err != nil {
		return stats, err
	}
	monitoring.Logf("sentinel: done, %d enriched (%d insufficient, %d fallbacks, %d throttled)",
		stats.Enriched, stats.Insufficient, stats.Fallbacks, stats.Throttled)
	return stats, nil
}

func (p *Pipeline) enrichOne(parcel db.Parcel, obs []satellite.Observation, source string) db.SatelliteUpdate {
	trend := satellite.ComputeTrend(obs)
	update := db.SatelliteUpdate{
		ParcelID:         parcel.ID,
		County:           parcel.County,
		State:            parcel.State,
		TrendDirection:   trend.Direction,
		ObservationCount: len(obs),
		Source:           source,
	}
	if trend.Direction != satellite.TrendInsufficient {
		slope, latest, earliest := trend.Slope, trend.Latest, trend.Earliest
		update.TrendSlope = &slope
		update.LatestNDVI = &latest
		update.EarliestNDVI = &earliest
	}

	satEv := trend.Evidence()
	triggered := flags.EvaluateAll(flags.Bundle{Satellite: &satEv})
	if len(triggered) > 0 {
		update.Flags = triggered
		score := scoring.DistressScore(triggered)
		update.DistressScore = &score
	}
	if conf, ok := vegConfidence(triggered); ok {
		update.VegConfidence = &conf
	}

	if p.Artifacts != nil && len(obs) > 0 {
		if png, err := satellite.ChartPNG(trend); err == nil {
			key := artifacts.MakeKey(parcel.County, parcel.State, parcel.ID, "ndvi_trend.png")
			if url, err := p.Artifacts.Put(key, png); err == nil {
				update.ChartURL = url
			}
		}
	}
	return update
}

// vegConfidence is the strongest vegetation-flag confidence, used as the
// parcel's headline vegetation signal.
func vegConfidence(triggered []flags.Flag) (float64, bool) {
	best := 0.0
	found := false
	for _, f := range triggered {
		if f.Code == flags.CodeOvergrowth || f.Code == flags.CodeNeglect {
			found = true
			if f.Confidence > best {
				best = f.Confidence
			}
		}
	}
	return best, found
}
