// Package report renders a county summary page: pass coverage and the
// conviction leaderboard, as a self-contained HTML document.
package report

import (
	"context"
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/distress.report/internal/db"
)

// TopParcelCount bounds the leaderboard chart.
const TopParcelCount = 25

type Builder struct {
	DB *db.DB
}

// Render writes the county summary HTML to w.
func (b *Builder) Render(ctx context.Context, w io.Writer, county, state string) error {
	progress, err := b.DB.Progress(ctx, county, state)
	if err != nil {
		return err
	}

	minConviction := 0.01
	top, err := b.DB.QueryParcels(ctx, db.ParcelFilter{
		County:        county,
		State:         state,
		MinConviction: &minConviction,
		Limit:         TopParcelCount,
	})
	if err != nil {
		return err
	}

	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("%s, %s distress report", county, state)
	page.AddCharts(coverageChart(progress), leaderboardChart(top))
	return page.Render(w)
}

// coverageChart shows how far each pass has gotten through the county.
func coverageChart(p *db.CountyProgress) *charts.Bar {
	x := []string{"Parcels", "Scanned", "Slope", "Sentinel-worthy", "Enriched", "Vacancy checked", "Conviction"}
	y := []opts.BarData{
		{Value: p.Total},
		{Value: p.Scanned},
		{Value: p.SlopeDone},
		{Value: p.SentinelWorthy},
		{Value: p.Enriched},
		{Value: p.VacancyChecked},
		{Value: p.ConvictionDone},
	}

	subtitle := fmt.Sprintf("%d parcels", p.Total)
	if p.MaxConviction != nil {
		subtitle = fmt.Sprintf("%d parcels, top conviction %.2f", p.Total, *p.MaxConviction)
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("%s, %s pass coverage", p.County, p.State),
			Subtitle: subtitle,
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("coverage", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	return bar
}

// leaderboardChart shows the highest-conviction parcels with their score
// decomposition stacked: base score plus vacancy bonus.
func leaderboardChart(parcels []db.ParcelRecord) *charts.Bar {
	x := make([]string, 0, len(parcels))
	base := make([]opts.BarData, 0, len(parcels))
	bonus := make([]opts.BarData, 0, len(parcels))
	for _, p := range parcels {
		if p.Conviction == nil || p.Conviction.Score == nil {
			continue
		}
		x = append(x, p.ParcelID)
		b := 0.0
		if p.Conviction.Base != nil {
			b = *p.Conviction.Base
		}
		base = append(base, opts.BarData{Value: b})
		vb := 0.0
		if p.Conviction.VacancyBonus != nil {
			vb = *p.Conviction.VacancyBonus
		}
		bonus = append(bonus, opts.BarData{Value: vb})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Conviction leaderboard",
			Subtitle: fmt.Sprintf("top %d rankable parcels", len(x)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("base", base).
		AddSeries("vacancy bonus", bonus)
	bar.XYReversal()
	return bar
}
