package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/distress.report/internal/aerial"
	"github.com/banshee-data/distress.report/internal/db"
	"github.com/banshee-data/distress.report/internal/flags"
	"github.com/banshee-data/distress.report/internal/monitoring"
	"github.com/banshee-data/distress.report/internal/scoring"
)

// ScanStats summarizes one pass 1 run.
type ScanStats struct {
	Scanned        int `json:"scanned"`
	Flagged        int `json:"flagged"`
	SentinelWorthy int `json:"sentinel_worthy"`
	Errors         int `json:"errors"`
	Flushes        int `json:"flushes"`
}

// baselineYears is how many historical vintages pass 1 reads per parcel.
// The full vintage set belongs to pass 1.5; two is enough for a delta.
const baselineYears = 2

// RunScan executes pass 1 over a county: current NDVI plus a short
// baseline, flood zone, flag evaluation, and distress score. Parcels whose
// imagery lookup fails are still marked scanned with the error recorded, so
// the pass converges instead of rescanning dead points forever.
func (p *Pipeline) RunScan(ctx context.Context, county, state string, limit int) (*ScanStats, error) {
	parcels, err := p.DB.UnscannedParcels(ctx, county, state, limit)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("scan: %d parcels queued for %s, %s", len(parcels), county, state)

	tuning := p.tuning()
	years := tuning.GetHistoricalYears()
	if len(years) > baselineYears {
		years = years[:baselineYears]
	}

	stats := &ScanStats{}
	var mu sync.Mutex
	buffer := []db.ScanUpdate{}

	flush := func() error {
		if len(buffer) == 0 || p.DryRun {
			buffer = buffer[:0]
			return nil
		}
		n, err := p.DB.BulkMarkScanned(ctx, buffer)
		if err != nil {
			return fmt.Errorf("scan flush: %w", err)
		}
		for _, u := range buffer {
			if len(u.Flags) > 0 {
				if err := p.DB.InsertSignals(ctx, u.ParcelID, u.County, u.State, u.Flags); err != nil {
					monitoring.Logf("scan: signal insert %s: %v", u.ParcelID, err)
				}
			}
		}
		stats.Flushes++
		monitoring.Logf("scan: flushed %d rows", n)
		buffer = buffer[:0]
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tuning.GetPass1Workers())

	for _, parcel := range parcels {
		parcel := parcel
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			update := p.scanOne(parcel, years)

			mu.Lock()
			defer mu.Unlock()
			stats.Scanned++
			if update.ScanError != "" {
				stats.Errors++
			}
			if len(update.Flags) > 0 {
				stats.Flagged++
			}
			if update.SentinelWorthy {
				stats.SentinelWorthy++
			}
			buffer = append(buffer, update)
			if len(buffer) >= tuning.GetFlushEvery() {
				return flush()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	mu.Lock()
	defer mu.Unlock()
	if err := flush(); err != nil {
		return stats, err
	}
	monitoring.Logf("scan: done, %d scanned (%d flagged, %d sentinel-worthy, %d errors)",
		stats.Scanned, stats.Flagged, stats.SentinelWorthy, stats.Errors)
	return stats, nil
}

func (p *Pipeline) scanOne(parcel db.Parcel, years []int) db.ScanUpdate {
	update := db.ScanUpdate{ParcelID: parcel.ID, County: parcel.County, State: parcel.State}

	baseline := p.Aerial.BaselineAtPoint(parcel.Lat, parcel.Lng, years)
	floodEv := p.Flood.Assess(parcel.Lat, parcel.Lng)

	update.FloodZone = floodEv.Zone
	update.FloodRisk = floodEv.RiskTier

	if baseline.Current.NDVI == nil {
		update.ScanError = baseline.Current.Err
		// Flood evidence alone can still flag the parcel.
		if f, ok := flags.EvaluateFloodRisk(&floodEv); ok {
			update.Flags = []flags.Flag{f}
			score := scoring.DistressScore(update.Flags)
			update.DistressScore = &score
		}
		update.SentinelWorthy = sentinelWorthy(nil, nil, update.Flags, floodEv.RiskTier)
		return update
	}

	update.NDVI = baseline.Current.NDVI
	update.NDVIDate = baseline.Current.AcquisitionDate
	update.HistoricalMean = baseline.HistoricalMean
	update.Delta = baseline.Delta
	update.Assessment = aerial.VegetationCategory(*baseline.Current.NDVI)

	aerialEv := flags.AerialEvidence{
		CurrentNDVI:    baseline.Current.NDVI,
		HistoricalMean: baseline.HistoricalMean,
	}
	update.Flags = flags.EvaluateAll(flags.Bundle{Aerial: &aerialEv, Flood: &floodEv})
	if len(update.Flags) > 0 {
		score := scoring.DistressScore(update.Flags)
		update.DistressScore = &score
	}
	update.SentinelWorthy = sentinelWorthy(baseline.Current.NDVI, baseline.Delta, update.Flags, floodEv.RiskTier)
	return update
}

// sentinelWorthy decides whether pass 1.5b should spend a satellite request
// on this parcel: meaningful vegetation, any triggered flag, a sharp NDVI
// decline, or real flood exposure.
func sentinelWorthy(ndvi, delta *float64, triggered []flags.Flag, floodTier string) bool {
	if ndvi != nil && *ndvi > 0.50 {
		return true
	}
	if len(triggered) > 0 {
		return true
	}
	if delta != nil && *delta < -0.20 {
		return true
	}
	return floodTier == "high" || floodTier == "moderate"
}
