package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/distress.report/internal/flags"
	"github.com/banshee-data/distress.report/internal/monitoring"
)

// ScanUpdate is one parcel's pass 1 result.
type ScanUpdate struct {
	ParcelID       string
	County         string
	State          string
	NDVI           *float64
	NDVIDate       string
	HistoricalMean *float64
	Delta          *float64
	Assessment     string
	FloodZone      string
	FloodRisk      string
	DistressScore  *float64
	Flags          []flags.Flag
	SentinelWorthy bool
	ScanError      string
}

// BulkMarkScanned writes a batch of pass 1 results in one transaction.
// Error rows are still marked scanned so the pass converges. The returned
// count is the batch size, not driver-reported rows: the update is keyed on
// the primary key, so a missing row is a bug worth surfacing in the caller's
// totals rather than silently shrinking them.
func (db *DB) BulkMarkScanned(ctx context.Context, updates []ScanUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("scan flush begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE gis_parcels_core SET
			scan_pass = GREATEST(COALESCE(scan_pass, 0), 1),
			ndvi = $4, ndvi_date = $5,
			ndvi_historical_mean = $6, ndvi_delta = $7,
			vegetation_assessment = $8,
			flood_zone = $9, flood_risk = $10,
			distress_score = $11, distress_flags = $12,
			sentinel_worthy = $13, scan_error = NULLIF($14, ''),
			scan_date = now()
		WHERE parcel_id = $1 AND county = $2 AND state = $3`)
	if err != nil {
		return 0, fmt.Errorf("scan flush prepare: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		flagsJSON, err := json.Marshal(u.Flags)
		if err != nil {
			return 0, fmt.Errorf("scan flush marshal flags: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			u.ParcelID, u.County, u.State,
			u.NDVI, nullEmpty(u.NDVIDate), u.HistoricalMean, u.Delta,
			nullEmpty(u.Assessment), nullEmpty(u.FloodZone), nullEmpty(u.FloodRisk),
			u.DistressScore, string(flagsJSON),
			u.SentinelWorthy, u.ScanError); err != nil {
			return 0, fmt.Errorf("scan flush %s: %w", u.ParcelID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("scan flush commit: %w", err)
	}
	return len(updates), nil
}

// SlopeUpdate is one parcel's pass 1.5 regression result.
type SlopeUpdate struct {
	ParcelID     string
	County       string
	State        string
	Slope        *float64
	VintageCount int
	YearSpan     int
}

// BulkUpdateSlope writes slope results. Parcels with too few vintages get a
// null slope and a vintage count, which keeps them out of reselection.
func (db *DB) BulkUpdateSlope(ctx context.Context, updates []SlopeUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("slope flush begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE gis_parcels_core SET
			ndvi_slope = $4, vintage_count = $5, vintage_year_span = $6,
			slope_computed_at = now()
		WHERE parcel_id = $1 AND county = $2 AND state = $3`)
	if err != nil {
		return 0, fmt.Errorf("slope flush prepare: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.ParcelID, u.County, u.State, u.Slope, u.VintageCount, u.YearSpan); err != nil {
			return 0, fmt.Errorf("slope flush %s: %w", u.ParcelID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("slope flush commit: %w", err)
	}
	return len(updates), nil
}

// SatelliteUpdate is one parcel's pass 1.5b enrichment.
type SatelliteUpdate struct {
	ParcelID         string
	County           string
	State            string
	TrendSlope       *float64
	TrendDirection   string
	LatestNDVI       *float64
	EarliestNDVI     *float64
	ObservationCount int
	Source           string
	VegConfidence    *float64
	ChartURL         string
	DistressScore    *float64
	Flags            []flags.Flag
}

// BulkUpdateSatellite writes enrichment results and advances the parcels to
// pass 2.
func (db *DB) BulkUpdateSatellite(ctx context.Context, updates []SatelliteUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("satellite flush begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE gis_parcels_core SET
			scan_pass = GREATEST(COALESCE(scan_pass, 0), 2),
			sat_trend_slope = $4, sat_trend_direction = $5,
			sat_latest_ndvi = $6, sat_earliest_ndvi = $7,
			sat_observation_count = $8, sat_source = NULLIF($9, ''),
			veg_confidence = $10, trend_chart_url = NULLIF($11, ''),
			distress_score = COALESCE($12, distress_score),
			distress_flags = COALESCE($13::jsonb, distress_flags),
			sat_enriched_at = now()
		WHERE parcel_id = $1 AND county = $2 AND state = $3`)
	if err != nil {
		return 0, fmt.Errorf("satellite flush prepare: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		var flagsJSON any
		if u.Flags != nil {
			data, err := json.Marshal(u.Flags)
			if err != nil {
				return 0, fmt.Errorf("satellite flush marshal flags: %w", err)
			}
			flagsJSON = string(data)
		}
		if _, err := stmt.ExecContext(ctx,
			u.ParcelID, u.County, u.State,
			u.TrendSlope, nullEmpty(u.TrendDirection),
			u.LatestNDVI, u.EarliestNDVI,
			u.ObservationCount, u.Source,
			u.VegConfidence, u.ChartURL,
			u.DistressScore, flagsJSON); err != nil {
			return 0, fmt.Errorf("satellite flush %s: %w", u.ParcelID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("satellite flush commit: %w", err)
	}
	return len(updates), nil
}

// VacancyUpdate is one parcel's pass 2 result. Transient failures commit
// the error for visibility but leave the check date unset so the parcel is
// reselected on the next run.
type VacancyUpdate struct {
	ParcelID        string
	County          string
	State           string
	FlagVacancy     *bool
	Confidence      *float64
	DPVConfirmed    *bool
	Business        *bool
	ErrCode         string
	Transient       bool
	AddressMismatch bool
	CarrierRoute    string
	MatchedAddress  string
	MatchedCity     string
	MatchedZip      string
	MatchedZip4     string
	ResolvedCity    string
	ResolvedZip     string
}

// UpdateVacancy writes one check. Vacancy commits per parcel rather than in
// batches: checks are minutes apart and a crash must not lose an hour of
// quota.
func (db *DB) UpdateVacancy(ctx context.Context, u VacancyUpdate) error {
	var err error
	if u.Transient {
		_, err = db.ExecContext(ctx, `
			UPDATE gis_parcels_core SET
				usps_error = NULLIF($4, ''),
				resolved_city = COALESCE(NULLIF($5, ''), resolved_city),
				resolved_zip = COALESCE(NULLIF($6, ''), resolved_zip)
			WHERE parcel_id = $1 AND county = $2 AND state = $3`,
			u.ParcelID, u.County, u.State, u.ErrCode, u.ResolvedCity, u.ResolvedZip)
	} else {
		_, err = db.ExecContext(ctx, `
			UPDATE gis_parcels_core SET
				flag_vacancy = $4, vacancy_confidence = $5,
				usps_dpv_confirmed = $6, usps_business = $7,
				usps_error = NULLIF($8, ''),
				usps_address_mismatch = $9, usps_carrier_route = NULLIF($10, ''),
				usps_address = NULLIF($11, ''), usps_city = NULLIF($12, ''),
				usps_zip = NULLIF($13, ''), usps_zip4 = NULLIF($14, ''),
				resolved_city = COALESCE(NULLIF($15, ''), resolved_city),
				resolved_zip = COALESCE(NULLIF($16, ''), resolved_zip),
				usps_check_date = now()
			WHERE parcel_id = $1 AND county = $2 AND state = $3`,
			u.ParcelID, u.County, u.State,
			u.FlagVacancy, u.Confidence, u.DPVConfirmed, u.Business, u.ErrCode,
			u.AddressMismatch, u.CarrierRoute,
			u.MatchedAddress, u.MatchedCity, u.MatchedZip, u.MatchedZip4,
			u.ResolvedCity, u.ResolvedZip)
	}
	if err != nil {
		return fmt.Errorf("vacancy update %s: %w", u.ParcelID, err)
	}
	return nil
}

// HighResUpdate records a refinement comparison.
type HighResUpdate struct {
	ParcelID           string
	County             string
	State              string
	ChangeScore        float64
	SceneCount         int
	SpanDays           int
	Earliest           time.Time
	Latest             time.Time
	RecentID           string
	HistoricalID       string
	RecentThumbURL     string
	HistoricalThumbURL string
}

func (db *DB) UpdateHighRes(ctx context.Context, u HighResUpdate) error {
	_, err := db.ExecContext(ctx, `
		UPDATE gis_parcels_core SET
			change_score = $4, highres_scene_count = $5, highres_span_days = $6,
			highres_earliest = $7, highres_latest = $8,
			highres_recent_id = $9, highres_historical_id = $10,
			highres_recent_thumb_url = NULLIF($11, ''),
			highres_historical_thumb_url = NULLIF($12, ''),
			highres_checked_at = now()
		WHERE parcel_id = $1 AND county = $2 AND state = $3`,
		u.ParcelID, u.County, u.State, u.ChangeScore, u.SceneCount, u.SpanDays,
		u.Earliest, u.Latest, u.RecentID, u.HistoricalID,
		u.RecentThumbURL, u.HistoricalThumbURL)
	if err != nil {
		return fmt.Errorf("highres update %s: %w", u.ParcelID, err)
	}
	return nil
}

// ConvictionUpdate is one parcel's fused score. Components is a compact
// JSON object describing the fusion inputs.
type ConvictionUpdate struct {
	ParcelID     string
	County       string
	State        string
	Score        *float64
	Base         *float64
	VacancyBonus float64
	MCScore      *float64
	MCSignals    *int
	MCCodes      string
	Components   string
	ModelVersion string
}

// ConvictionChunkSize bounds one flush transaction. County runs touch
// hundreds of thousands of rows; one giant transaction holds locks too long.
const ConvictionChunkSize = 5000

// BulkUpdateConviction writes fused scores in chunks, each in its own
// transaction over a fresh connection.
func (db *DB) BulkUpdateConviction(ctx context.Context, updates []ConvictionUpdate) (int, error) {
	written := 0
	for start := 0; start < len(updates); start += ConvictionChunkSize {
		end := start + ConvictionChunkSize
		if end > len(updates) {
			end = len(updates)
		}
		if err := db.flushConvictionChunk(ctx, updates[start:end]); err != nil {
			return written, err
		}
		written += end - start
		monitoring.Logf("conviction: flushed %d/%d", written, len(updates))
	}
	return written, nil
}

func (db *DB) flushConvictionChunk(ctx context.Context, chunk []ConvictionUpdate) error {
	// Fresh connection per chunk: the scoring loop before a late chunk can
	// outlive the pooled connection's idle window on managed hosts.
	conn, err := db.Reopen()
	if err != nil {
		return err
	}
	if conn != db {
		defer conn.Close()
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("conviction flush begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE gis_parcels_core SET
			conviction_score = $4, conviction_base = $5, vacancy_bonus = $6,
			conviction_mc_score = $7, conviction_mc_signals = $8,
			conviction_mc_codes = NULLIF($9, ''),
			conviction_components = $10, conviction_model_version = $11,
			conviction_scored_at = now()
		WHERE parcel_id = $1 AND county = $2 AND state = $3`)
	if err != nil {
		return fmt.Errorf("conviction flush prepare: %w", err)
	}
	defer stmt.Close()

	for _, u := range chunk {
		if _, err := stmt.ExecContext(ctx,
			u.ParcelID, u.County, u.State,
			u.Score, u.Base, u.VacancyBonus,
			u.MCScore, u.MCSignals, u.MCCodes,
			nullEmpty(u.Components), u.ModelVersion); err != nil {
			return fmt.Errorf("conviction flush %s: %w", u.ParcelID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("conviction flush commit: %w", err)
	}
	return nil
}

// InsertSignals appends evaluator flags to the signal ledger.
func (db *DB) InsertSignals(ctx context.Context, parcelID, county, state string, fs []flags.Flag) error {
	if len(fs) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert signals begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO parcel_signals (parcel_id, county, state, signal_code, confidence, evidence)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("insert signals prepare: %w", err)
	}
	defer stmt.Close()

	for _, f := range fs {
		evidence, err := json.Marshal(f.Evidence)
		if err != nil {
			return fmt.Errorf("insert signals marshal: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, parcelID, county, state, f.Code, f.Confidence, string(evidence)); err != nil {
			return fmt.Errorf("insert signal %s: %w", f.Code, err)
		}
	}
	return tx.Commit()
}

// RefreshMotivationScores rebuilds a county's motivation aggregates from
// the signal ledger. Delete-then-insert inside one transaction: the table
// is derived data and partial updates would mix model versions.
func (db *DB) RefreshMotivationScores(ctx context.Context, county, state string) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("motivation refresh begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM motivation_scores WHERE county = $1 AND state = $2`,
		county, state); err != nil {
		return 0, fmt.Errorf("motivation refresh delete: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO motivation_scores (parcel_id, county, state, raw_score, signal_count, signal_codes)
		SELECT s.parcel_id, s.county, s.state,
		       SUM(t.weight * LEAST(GREATEST(s.confidence, 0), 1)),
		       COUNT(*),
		       string_agg(DISTINCT s.signal_code, ',')
		FROM parcel_signals s
		JOIN signal_types t ON t.code = s.signal_code
		WHERE s.county = $1 AND s.state = $2
		GROUP BY s.parcel_id, s.county, s.state`,
		county, state)
	if err != nil {
		return 0, fmt.Errorf("motivation refresh insert: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("motivation refresh commit: %w", err)
	}
	return int(n), nil
}

func nullEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
