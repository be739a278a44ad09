package pipeline

import (
	"context"
	"encoding/json"

	"github.com/banshee-data/distress.report/internal/db"
	"github.com/banshee-data/distress.report/internal/monitoring"
	"github.com/banshee-data/distress.report/internal/scoring"
)

// ConvictionStats summarizes one pass 2.5 run.
type ConvictionStats struct {
	MotivationRows int      `json:"motivation_rows"`
	Scored         int      `json:"scored"`
	Rankable       int      `json:"rankable"`
	TopScore       *float64 `json:"top_score,omitempty"`
}

// RunConviction executes pass 2.5 over a county: rebuild the motivation
// aggregates, fetch every parcel with its components, fuse them in memory,
// and write the scores back in chunks. The whole county is rescored every
// run so weight changes propagate without a backfill.
func (p *Pipeline) RunConviction(ctx context.Context, county, state string) (*ConvictionStats, error) {
	stats := &ConvictionStats{}

	if !p.DryRun {
		n, err := p.DB.RefreshMotivationScores(ctx, county, state)
		if err != nil {
			return nil, err
		}
		stats.MotivationRows = n
		monitoring.Logf("conviction: refreshed %d motivation rows for %s, %s", n, county, state)
	}

	rows, err := p.DB.ConvictionRows(ctx, county, state)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("conviction: scoring %d parcels", len(rows))

	updates := make([]db.ConvictionUpdate, 0, len(rows))
	for _, row := range rows {
		in := convictionInput(row)
		result := scoring.Conviction(in)
		update := db.ConvictionUpdate{
			ParcelID:     row.ParcelID,
			County:       row.County,
			State:        row.State,
			Score:        result.Score,
			Base:         result.Base,
			VacancyBonus: result.VacancyBonus,
			Components:   componentsJSON(in, result),
			ModelVersion: scoring.ConvictionModelVersion,
		}
		if row.MCSignalCount.Valid {
			mc := row.MCRawScore.Float64
			n := int(row.MCSignalCount.Int64)
			update.MCScore = &mc
			update.MCSignals = &n
			update.MCCodes = row.MCSignalCodes.String
		}
		updates = append(updates, update)
		stats.Scored++
		if result.Score != nil {
			stats.Rankable++
			if stats.TopScore == nil || *result.Score > *stats.TopScore {
				s := *result.Score
				stats.TopScore = &s
			}
		}
	}

	if !p.DryRun {
		if _, err := p.DB.BulkUpdateConviction(ctx, updates); err != nil {
			return stats, err
		}
	}
	monitoring.Logf("conviction: done, %d scored (%d rankable)", stats.Scored, stats.Rankable)
	return stats, nil
}

// componentsJSON is the compact fusion-input record stored next to the
// score, so a ranked row explains itself without re-running the model.
func componentsJSON(in scoring.ConvictionInput, result scoring.ConvictionResult) string {
	doc := struct {
		Present  []string `json:"present"`
		DS       *float64 `json:"ds,omitempty"`
		MCRaw    *float64 `json:"mc_raw,omitempty"`
		VacBonus float64  `json:"vac_bonus,omitempty"`
	}{Present: result.Components, DS: in.DistressComposite, VacBonus: result.VacancyBonus}
	if in.MCSignalCount > 0 {
		mc := in.MCRawScore
		doc.MCRaw = &mc
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(data)
}

// convictionInput maps a joined row onto the fusion inputs, preserving the
// null/absent distinction the reweighting depends on.
func convictionInput(row db.ConvictionRow) scoring.ConvictionInput {
	in := scoring.ConvictionInput{}
	if row.DistressComposite.Valid {
		v := row.DistressComposite.Float64
		in.DistressComposite = &v
	}
	if row.MCSignalCount.Valid {
		in.MCSignalCount = int(row.MCSignalCount.Int64)
		in.MCRawScore = row.MCRawScore.Float64
	}
	in.FlagVacancy = row.FlagVacancy.Valid && row.FlagVacancy.Bool
	if row.VacancyConfidence.Valid {
		v := row.VacancyConfidence.Float64
		in.VacancyConfidence = &v
	}
	if row.USPSError.Valid {
		in.VacancyError = row.USPSError.String
	}
	return in
}
