package report

import (
	"bytes"
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/distress.report/internal/db"
)

func TestRender(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\),`).
		WithArgs("MECKLENBURG", "NC").
		WillReturnRows(sqlmock.NewRows([]string{
			"count", "scanned", "slope_done", "sentinel_worthy",
			"enriched", "vacancy_checked", "conviction_done", "max",
		}).AddRow(5000, 5000, 4800, 900, 850, 120, 5000, 9.1))

	cols := []string{
		"parcel_id", "county", "state", "situs_address", "latitude", "longitude",
		"scan_pass", "ndvi", "vegetation_assessment", "flood_zone", "flood_risk",
		"distress_score", "sentinel_worthy", "scan_error",
		"ndvi_slope", "slope_pctile", "flood_norm", "composite_score", "vintage_count",
		"sat_trend_slope", "sat_trend_direction", "veg_confidence", "sat_source", "trend_chart_url",
		"flag_vacancy", "vacancy_confidence", "usps_dpv_confirmed", "usps_business",
		"usps_address", "usps_city", "usps_zip", "usps_zip4",
		"usps_address_mismatch", "usps_carrier_route", "usps_error",
		"conviction_score", "conviction_base", "vacancy_bonus",
		"conviction_mc_score", "conviction_mc_signals", "conviction_mc_codes",
		"conviction_components", "conviction_model_version",
	}
	mock.ExpectQuery(`FROM gis_parcels_core`).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"P-1", "MECKLENBURG", "NC", "1420 OAKDALE RD", 35.2, -80.8,
			2, 0.62, "moderate", "AE", "high",
			5.5, true, nil,
			-0.011, 0.93, 1.0, 8.1, 5,
			-0.008, "falling", 0.8, "sentinel", nil,
			true, 0.9, true, false,
			"1420 OAKDALE RD", "CHARLOTTE", "28216", "4410",
			false, "R012", nil,
			9.1, 6.6, 2.25,
			4.0, 2, "absentee_owner,tax_delinquent",
			`{"present":["DS","MC","VAC"],"ds":8.1,"mc_raw":4.0,"vac_bonus":2.25}`, "v1.0",
		))

	b := &Builder{DB: db.NewFromSQL(sqlDB)}
	var buf bytes.Buffer
	require.NoError(t, b.Render(context.Background(), &buf, "MECKLENBURG", "NC"))

	html := buf.String()
	assert.Contains(t, html, "pass coverage")
	assert.Contains(t, html, "Conviction leaderboard")
	assert.Contains(t, html, "P-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}
