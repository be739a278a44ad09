// Package pipeline orchestrates the enrichment passes over a county:
// bulk scan (pass 1), historical slope and composite (1.5), satellite
// trend enrichment (1.5b), carrier vacancy (2), and conviction fusion
// (2.5). Each pass selects its own candidates from the database, so passes
// are independently resumable and re-runnable.
package pipeline

import (
	"github.com/banshee-data/distress.report/internal/aerial"
	"github.com/banshee-data/distress.report/internal/artifacts"
	"github.com/banshee-data/distress.report/internal/config"
	"github.com/banshee-data/distress.report/internal/db"
	"github.com/banshee-data/distress.report/internal/flood"
	"github.com/banshee-data/distress.report/internal/geocode"
	"github.com/banshee-data/distress.report/internal/highres"
	"github.com/banshee-data/distress.report/internal/satellite"
	"github.com/banshee-data/distress.report/internal/stacarchive"
	"github.com/banshee-data/distress.report/internal/vacancy"
)

// Pipeline bundles the clients and configuration the passes share. Any
// client a given pass does not use may be nil.
type Pipeline struct {
	DB        *db.DB
	Aerial    *aerial.Client
	Flood     *flood.Client
	Archive   *stacarchive.Client
	Satellite *satellite.Client
	Landsat   *satellite.LandsatClient
	HighRes   *highres.Client
	Geocoder  *geocode.Client
	Checker   *vacancy.Checker
	Artifacts *artifacts.Store
	Tuning    *config.TuningConfig

	// DryRun computes everything but skips database writebacks.
	DryRun bool
}

func (p *Pipeline) tuning() *config.TuningConfig {
	if p.Tuning == nil {
		return config.EmptyTuningConfig()
	}
	return p.Tuning
}
