package pipeline

import (
	"context"

	"github.com/banshee-data/distress.report/internal/artifacts"
	"github.com/banshee-data/distress.report/internal/db"
	"github.com/banshee-data/distress.report/internal/highres"
	"github.com/banshee-data/distress.report/internal/monitoring"
)

// HighResStats summarizes one refinement run.
type HighResStats struct {
	Compared   int `json:"compared"`
	Skipped    int `json:"skipped_cooldown"`
	NoCoverage int `json:"no_coverage"`
	Errors     int `json:"errors"`
}

// DefaultHighResMinConviction is the conviction floor for spending a
// commercial scene comparison on a parcel.
const DefaultHighResMinConviction = 6.0

// RunHighRes refines the conviction shortlist with commercial imagery: a
// recent and a six-month-old scene per parcel, compared for brightness
// change. Each parcel costs paid quota, so the cooldown guard is consulted
// before any request and marked after, success or not.
func (p *Pipeline) RunHighRes(ctx context.Context, county, state string, limit int, force bool) (*HighResStats, error) {
	cooldownDays := int(highres.DefaultCooldown.Hours() / 24)
	parcels, err := p.DB.TopConvictionParcels(ctx, county, state,
		DefaultHighResMinConviction, cooldownDays, limit, force)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("highres: %d parcels shortlisted for %s, %s", len(parcels), county, state)

	stats := &HighResStats{}
	for _, parcel := range parcels {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if p.HighRes.Cooldown != nil && !p.HighRes.Cooldown.Allow(parcel.Lat, parcel.Lng, force) {
			stats.Skipped++
			continue
		}

		cmp, err := p.HighRes.Compare(parcel.Lat, parcel.Lng)
		if p.HighRes.Cooldown != nil {
			p.HighRes.Cooldown.Mark(parcel.Lat, parcel.Lng)
		}
		if err != nil {
			if highres.IsNoCoverage(err) {
				stats.NoCoverage++
			} else {
				stats.Errors++
				monitoring.Logf("highres: %s: %v", parcel.ID, err)
			}
			continue
		}

		stats.Compared++
		if p.DryRun {
			continue
		}
		update := db.HighResUpdate{
			ParcelID:     parcel.ID,
			County:       parcel.County,
			State:        parcel.State,
			ChangeScore:  cmp.ChangeScore,
			SceneCount:   cmp.SceneCount,
			SpanDays:     cmp.SpanDays(),
			Earliest:     cmp.HistoricalAcquired,
			Latest:       cmp.RecentAcquired,
			RecentID:     cmp.RecentID,
			HistoricalID: cmp.HistoricalID,
		}
		update.RecentThumbURL, update.HistoricalThumbURL = p.archiveThumbs(parcel, cmp)
		if err := p.DB.UpdateHighRes(ctx, update); err != nil {
			monitoring.Logf("highres: writeback %s: %v", parcel.ID, err)
		}
	}
	monitoring.Logf("highres: done, %d compared (%d skipped, %d without coverage)",
		stats.Compared, stats.Skipped, stats.NoCoverage)
	return stats, nil
}

// archiveThumbs stores the before/after thumbnail pair and returns their
// URLs. Upload failures only cost the links, never the comparison.
func (p *Pipeline) archiveThumbs(parcel db.Parcel, cmp *highres.Comparison) (recent, historical string) {
	if p.Artifacts == nil {
		return "", ""
	}
	if len(cmp.RecentThumb) > 0 {
		key := artifacts.MakeKey(parcel.County, parcel.State, parcel.ID, "highres_recent.png")
		if url, err := p.Artifacts.Put(key, cmp.RecentThumb); err == nil {
			recent = url
		} else {
			monitoring.Logf("highres: thumb archive %s: %v", parcel.ID, err)
		}
	}
	if len(cmp.HistoricalThumb) > 0 {
		key := artifacts.MakeKey(parcel.County, parcel.State, parcel.ID, "highres_baseline.png")
		if url, err := p.Artifacts.Put(key, cmp.HistoricalThumb); err == nil {
			historical = url
		} else {
			monitoring.Logf("highres: thumb archive %s: %v", parcel.ID, err)
		}
	}
	return recent, historical
}
