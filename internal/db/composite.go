package db

import (
	"context"
	"fmt"
)

// ComputeComposites recalculates slope percentiles and the slope/flood
// composite for a county in one statement. Percentiles are county-scoped:
// a slope unremarkable statewide can still be the steepest on its block.
// slopeWeight and floodWeight come from tuning and must sum to 1.
func (db *DB) ComputeComposites(ctx context.Context, county, state string, slopeWeight, floodWeight float64) (int, error) {
	res, err := db.ExecContext(ctx, `
		WITH ranked AS (
			SELECT parcel_id, county, state,
			       PERCENT_RANK() OVER (
			           PARTITION BY county, state ORDER BY ndvi_slope
			       ) AS pct
			FROM gis_parcels_core
			WHERE county = $1 AND state = $2 AND ndvi_slope IS NOT NULL
		)
		UPDATE gis_parcels_core p SET
			slope_pctile = r.pct,
			flood_norm = CASE lower(COALESCE(p.flood_risk, 'none'))
				WHEN 'high' THEN 1.0
				WHEN 'moderate' THEN 0.5
				WHEN 'low' THEN 0.1
				ELSE 0.0
			END,
			composite_score = ROUND((LEAST(GREATEST(
				$3 * r.pct +
				$4 * CASE lower(COALESCE(p.flood_risk, 'none'))
					WHEN 'high' THEN 1.0
					WHEN 'moderate' THEN 0.5
					WHEN 'low' THEN 0.1
					ELSE 0.0
				END, 0), 1) * 10)::numeric, 2),
			composite_date = now()
		FROM ranked r
		WHERE p.parcel_id = r.parcel_id
		  AND p.county = r.county
		  AND p.state = r.state`,
		county, state, slopeWeight, floodWeight)
	if err != nil {
		return 0, fmt.Errorf("compute composites: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
