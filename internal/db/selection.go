package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Parcel is the core identity plus location for a scan candidate.
type Parcel struct {
	ID      string
	County  string
	State   string
	Situs   string
	Mailing string
	Lat     float64
	Lng     float64
}

// UnscannedParcels returns pass 1 candidates: parcels with coordinates that
// have never completed a scan. Errors from a prior run (scan_error set but
// scan_pass null) come back too.
func (db *DB) UnscannedParcels(ctx context.Context, county, state string, limit int) ([]Parcel, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT parcel_id, county, state,
		       COALESCE(situs_address, ''), COALESCE(mailing_address, ''),
		       latitude, longitude
		FROM gis_parcels_core
		WHERE county = $1 AND state = $2
		  AND latitude IS NOT NULL AND longitude IS NOT NULL
		  AND (scan_pass IS NULL OR scan_pass < 1)
		ORDER BY parcel_id
		LIMIT $3`,
		county, state, limit)
	if err != nil {
		return nil, fmt.Errorf("select unscanned: %w", err)
	}
	return scanParcels(rows)
}

// ParcelsNeedingSlope returns pass 1.5 candidates. Ordering by a hash of
// the parcel id spreads consecutive batches across the county instead of
// walking it street by street, so partial runs still sample evenly.
func (db *DB) ParcelsNeedingSlope(ctx context.Context, county, state string, limit int) ([]Parcel, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT parcel_id, county, state,
		       COALESCE(situs_address, ''), COALESCE(mailing_address, ''),
		       latitude, longitude
		FROM gis_parcels_core
		WHERE county = $1 AND state = $2
		  AND scan_pass >= 1
		  AND ndvi_slope IS NULL
		  AND latitude IS NOT NULL AND longitude IS NOT NULL
		ORDER BY md5(parcel_id)
		LIMIT $3`,
		county, state, limit)
	if err != nil {
		return nil, fmt.Errorf("select needing slope: %w", err)
	}
	return scanParcels(rows)
}

// SentinelWorthyParcels returns pass 1.5b candidates: parcels pass 1 marked
// as worth a satellite look and that have not been enriched yet.
func (db *DB) SentinelWorthyParcels(ctx context.Context, county, state string, limit int) ([]Parcel, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT parcel_id, county, state,
		       COALESCE(situs_address, ''), COALESCE(mailing_address, ''),
		       latitude, longitude
		FROM gis_parcels_core
		WHERE county = $1 AND state = $2
		  AND sentinel_worthy
		  AND (scan_pass IS NULL OR scan_pass < 2)
		ORDER BY md5(parcel_id)
		LIMIT $3`,
		county, state, limit)
	if err != nil {
		return nil, fmt.Errorf("select sentinel worthy: %w", err)
	}
	return scanParcels(rows)
}

func scanParcels(rows *sql.Rows) ([]Parcel, error) {
	defer rows.Close()
	var out []Parcel
	for rows.Next() {
		var p Parcel
		if err := rows.Scan(&p.ID, &p.County, &p.State, &p.Situs, &p.Mailing, &p.Lat, &p.Lng); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// VacancyCandidate carries everything the vacancy pass needs to build a
// postal query, including any locality resolved on a previous run.
type VacancyCandidate struct {
	Parcel
	ResolvedCity string
	ResolvedZip  string
}

// ParcelsNeedingVacancyCheck returns pass 2 candidates: composite at or
// above the floor, not checked within the cache window. A parcel whose last
// check failed transiently has no check date and is picked up again.
func (db *DB) ParcelsNeedingVacancyCheck(ctx context.Context, county, state string, minComposite float64, cacheDays, limit int) ([]VacancyCandidate, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT parcel_id, county, state,
		       COALESCE(situs_address, ''), COALESCE(mailing_address, ''),
		       latitude, longitude,
		       COALESCE(resolved_city, ''), COALESCE(resolved_zip, '')
		FROM gis_parcels_core
		WHERE county = $1 AND state = $2
		  AND composite_score >= $3
		  AND situs_address IS NOT NULL
		  AND (usps_check_date IS NULL
		       OR usps_check_date < now() - make_interval(days => $4))
		ORDER BY composite_score DESC
		LIMIT $5`,
		county, state, minComposite, cacheDays, limit)
	if err != nil {
		return nil, fmt.Errorf("select needing vacancy: %w", err)
	}
	defer rows.Close()

	var out []VacancyCandidate
	for rows.Next() {
		var c VacancyCandidate
		if err := rows.Scan(&c.ID, &c.County, &c.State, &c.Situs, &c.Mailing,
			&c.Lat, &c.Lng, &c.ResolvedCity, &c.ResolvedZip); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TopConvictionParcels returns the refinement shortlist: highest conviction
// first, skipping parcels refined within the cooldown window. force drops
// the cooldown filter so recently checked parcels come back too.
func (db *DB) TopConvictionParcels(ctx context.Context, county, state string, minScore float64, cooldownDays, limit int, force bool) ([]Parcel, error) {
	if force {
		rows, err := db.QueryContext(ctx, `
			SELECT parcel_id, county, state,
			       COALESCE(situs_address, ''), COALESCE(mailing_address, ''),
			       latitude, longitude
			FROM gis_parcels_core
			WHERE county = $1 AND state = $2
			  AND conviction_score >= $3
			  AND latitude IS NOT NULL AND longitude IS NOT NULL
			ORDER BY conviction_score DESC
			LIMIT $4`,
			county, state, minScore, limit)
		if err != nil {
			return nil, fmt.Errorf("select top conviction: %w", err)
		}
		return scanParcels(rows)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT parcel_id, county, state,
		       COALESCE(situs_address, ''), COALESCE(mailing_address, ''),
		       latitude, longitude
		FROM gis_parcels_core
		WHERE county = $1 AND state = $2
		  AND conviction_score >= $3
		  AND latitude IS NOT NULL AND longitude IS NOT NULL
		  AND (highres_checked_at IS NULL
		       OR highres_checked_at < now() - make_interval(days => $4))
		ORDER BY conviction_score DESC
		LIMIT $5`,
		county, state, minScore, cooldownDays, limit)
	if err != nil {
		return nil, fmt.Errorf("select top conviction: %w", err)
	}
	return scanParcels(rows)
}

// ConvictionRow is the fusion input joined from parcels and motivation
// scores on the full compound key.
type ConvictionRow struct {
	ParcelID          string
	County            string
	State             string
	DistressComposite sql.NullFloat64
	MCRawScore        sql.NullFloat64
	MCSignalCount     sql.NullInt64
	MCSignalCodes     sql.NullString
	FlagVacancy       sql.NullBool
	VacancyConfidence sql.NullFloat64
	USPSError         sql.NullString
}

// ConvictionRows fetches every parcel in a county with its motivation
// aggregate. The join must carry county and state: parcel ids repeat
// across counties and a bare-id join silently cross-pollinates them.
func (db *DB) ConvictionRows(ctx context.Context, county, state string) ([]ConvictionRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT p.parcel_id, p.county, p.state,
		       p.composite_score,
		       m.raw_score, m.signal_count, m.signal_codes,
		       p.flag_vacancy, p.vacancy_confidence, p.usps_error
		FROM gis_parcels_core p
		LEFT JOIN motivation_scores m
		  ON m.parcel_id = p.parcel_id
		 AND m.county = p.county
		 AND m.state = p.state
		WHERE p.county = $1 AND p.state = $2`,
		county, state)
	if err != nil {
		return nil, fmt.Errorf("select conviction rows: %w", err)
	}
	defer rows.Close()

	var out []ConvictionRow
	for rows.Next() {
		var r ConvictionRow
		if err := rows.Scan(&r.ParcelID, &r.County, &r.State,
			&r.DistressComposite, &r.MCRawScore, &r.MCSignalCount, &r.MCSignalCodes,
			&r.FlagVacancy, &r.VacancyConfidence, &r.USPSError); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
