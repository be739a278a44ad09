package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ParcelFilter narrows the read API's parcel listing. Zero values mean no
// constraint; County and State are required.
type ParcelFilter struct {
	County        string
	State         string
	MinDistress   *float64
	MinComposite  *float64
	MinConviction *float64
	VacantOnly    bool
	MinPass       int
	Limit         int
}

// ParcelRecord is the full read model, grouped the way consumers think
// about it: identity, then one sub-record per pass.
type ParcelRecord struct {
	ParcelID string   `json:"parcel_id"`
	County   string   `json:"county"`
	State    string   `json:"state"`
	Situs    string   `json:"situs_address,omitempty"`
	Lat      *float64 `json:"latitude,omitempty"`
	Lng      *float64 `json:"longitude,omitempty"`

	Scan       *ScanRecord       `json:"scan,omitempty"`
	Slope      *SlopeRecord      `json:"slope,omitempty"`
	Satellite  *SatelliteRecord  `json:"satellite,omitempty"`
	Vacancy    *VacancyRecord    `json:"vacancy,omitempty"`
	Conviction *ConvictionRecord `json:"conviction,omitempty"`
}

type ScanRecord struct {
	Pass           int      `json:"pass"`
	NDVI           *float64 `json:"ndvi,omitempty"`
	Assessment     string   `json:"vegetation_assessment,omitempty"`
	FloodZone      string   `json:"flood_zone,omitempty"`
	FloodRisk      string   `json:"flood_risk,omitempty"`
	DistressScore  *float64 `json:"distress_score,omitempty"`
	SentinelWorthy bool     `json:"sentinel_worthy,omitempty"`
	Error          string   `json:"error,omitempty"`
}

type SlopeRecord struct {
	Slope        *float64 `json:"ndvi_slope,omitempty"`
	Pctile       *float64 `json:"slope_pctile,omitempty"`
	FloodNorm    *float64 `json:"flood_norm,omitempty"`
	Composite    *float64 `json:"composite_score,omitempty"`
	VintageCount *int     `json:"vintage_count,omitempty"`
}

type SatelliteRecord struct {
	TrendSlope    *float64 `json:"trend_slope,omitempty"`
	Direction     string   `json:"trend_direction,omitempty"`
	VegConfidence *float64 `json:"veg_confidence,omitempty"`
	Source        string   `json:"source,omitempty"`
	ChartURL      string   `json:"chart_url,omitempty"`
}

// VacancyRecord keys keep the usps_ prefix so consumers can tell carrier
// data from model output. Address fields are the carrier-normalized forms,
// not the situs the check was built from.
type VacancyRecord struct {
	Vacant       *bool    `json:"usps_vacant,omitempty"`
	Confidence   *float64 `json:"usps_confidence,omitempty"`
	DPVConfirmed *bool    `json:"usps_dpv_confirmed,omitempty"`
	Business     *bool    `json:"usps_business,omitempty"`
	Address      string   `json:"usps_address,omitempty"`
	City         string   `json:"usps_city,omitempty"`
	Zip          string   `json:"usps_zip,omitempty"`
	Zip4         string   `json:"usps_zip4,omitempty"`
	Mismatch     *bool    `json:"usps_address_mismatch,omitempty"`
	CarrierRoute string   `json:"usps_carrier_route,omitempty"`
	Error        string   `json:"usps_error,omitempty"`
}

type ConvictionRecord struct {
	Score        *float64        `json:"score,omitempty"`
	Base         *float64        `json:"base,omitempty"`
	VacancyBonus *float64        `json:"vacancy_bonus,omitempty"`
	MCScore      *float64        `json:"mc_score,omitempty"`
	MCSignals    *int            `json:"mc_signals,omitempty"`
	MCCodes      []string        `json:"mc_codes,omitempty"`
	Components   json.RawMessage `json:"components,omitempty"`
	ModelVersion string          `json:"model_version,omitempty"`
}

// QueryParcels lists parcels under a filter, conviction-ranked.
func (db *DB) QueryParcels(ctx context.Context, f ParcelFilter) ([]ParcelRecord, error) {
	if f.County == "" || f.State == "" {
		return nil, fmt.Errorf("query parcels: county and state are required")
	}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}

	where := []string{"county = $1", "state = $2"}
	args := []any{f.County, f.State}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.MinDistress != nil {
		where = append(where, "distress_score >= "+arg(*f.MinDistress))
	}
	if f.MinComposite != nil {
		where = append(where, "composite_score >= "+arg(*f.MinComposite))
	}
	if f.MinConviction != nil {
		where = append(where, "conviction_score >= "+arg(*f.MinConviction))
	}
	if f.VacantOnly {
		where = append(where, "flag_vacancy")
	}
	if f.MinPass > 0 {
		where = append(where, "scan_pass >= "+arg(f.MinPass))
	}

	query := fmt.Sprintf(`
		SELECT parcel_id, county, state, situs_address, latitude, longitude,
		       scan_pass, ndvi, vegetation_assessment, flood_zone, flood_risk,
		       distress_score, sentinel_worthy, scan_error,
		       ndvi_slope, slope_pctile, flood_norm, composite_score, vintage_count,
		       sat_trend_slope, sat_trend_direction, veg_confidence, sat_source, trend_chart_url,
		       flag_vacancy, vacancy_confidence, usps_dpv_confirmed, usps_business,
		       usps_address, usps_city, usps_zip, usps_zip4,
		       usps_address_mismatch, usps_carrier_route, usps_error,
		       conviction_score, conviction_base, vacancy_bonus,
		       conviction_mc_score, conviction_mc_signals, conviction_mc_codes,
		       conviction_components, conviction_model_version
		FROM gis_parcels_core
		WHERE %s
		ORDER BY conviction_score DESC NULLS LAST, composite_score DESC NULLS LAST
		LIMIT %s`,
		strings.Join(where, " AND "), arg(f.Limit))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query parcels: %w", err)
	}
	defer rows.Close()

	var out []ParcelRecord
	for rows.Next() {
		var (
			rec                                 ParcelRecord
			situs, assessment, fzone, frisk     *string
			scanPass                            *int
			scanErr                             *string
			sentinelWorthy                      *bool
			ndvi, distress                      *float64
			slope, pctile, floodNorm, composite *float64
			vintages                            *int
			satSlope, vegConf                   *float64
			satDir, satSource, chartURL         *string
			vacant, dpv, business, mismatch     *bool
			vacConf                             *float64
			uspsAddr, uspsCity                  *string
			uspsZip, uspsZip4                   *string
			route, uspsErr                      *string
			convScore, convBase, vacBonus       *float64
			mcScore                             *float64
			mcSignals                           *int
			mcCodes                             *string
			convComponents, convModel           *string
		)
		if err := rows.Scan(&rec.ParcelID, &rec.County, &rec.State, &situs, &rec.Lat, &rec.Lng,
			&scanPass, &ndvi, &assessment, &fzone, &frisk,
			&distress, &sentinelWorthy, &scanErr,
			&slope, &pctile, &floodNorm, &composite, &vintages,
			&satSlope, &satDir, &vegConf, &satSource, &chartURL,
			&vacant, &vacConf, &dpv, &business,
			&uspsAddr, &uspsCity, &uspsZip, &uspsZip4,
			&mismatch, &route, &uspsErr,
			&convScore, &convBase, &vacBonus,
			&mcScore, &mcSignals, &mcCodes,
			&convComponents, &convModel); err != nil {
			return nil, err
		}
		rec.Situs = deref(situs)

		if scanPass != nil {
			rec.Scan = &ScanRecord{
				Pass:           *scanPass,
				NDVI:           ndvi,
				Assessment:     deref(assessment),
				FloodZone:      deref(fzone),
				FloodRisk:      deref(frisk),
				DistressScore:  distress,
				SentinelWorthy: sentinelWorthy != nil && *sentinelWorthy,
				Error:          deref(scanErr),
			}
		}
		if slope != nil || composite != nil {
			rec.Slope = &SlopeRecord{
				Slope: slope, Pctile: pctile, FloodNorm: floodNorm,
				Composite: composite, VintageCount: vintages,
			}
		}
		if satDir != nil {
			rec.Satellite = &SatelliteRecord{
				TrendSlope: satSlope, Direction: deref(satDir),
				VegConfidence: vegConf, Source: deref(satSource), ChartURL: deref(chartURL),
			}
		}
		if vacant != nil || uspsErr != nil {
			rec.Vacancy = &VacancyRecord{
				Vacant: vacant, Confidence: vacConf,
				DPVConfirmed: dpv, Business: business,
				Address: deref(uspsAddr), City: deref(uspsCity),
				Zip: deref(uspsZip), Zip4: deref(uspsZip4),
				Mismatch:     mismatch,
				CarrierRoute: deref(route), Error: deref(uspsErr),
			}
		}
		if convScore != nil || vacBonus != nil {
			conv := &ConvictionRecord{
				Score: convScore, Base: convBase, VacancyBonus: vacBonus,
				MCScore: mcScore, MCSignals: mcSignals,
				ModelVersion: deref(convModel),
			}
			if mcCodes != nil && *mcCodes != "" {
				conv.MCCodes = strings.Split(*mcCodes, ",")
			}
			if convComponents != nil && *convComponents != "" {
				conv.Components = json.RawMessage(*convComponents)
			}
			rec.Conviction = conv
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// CountyProgress summarizes pass coverage for one county.
type CountyProgress struct {
	County         string  `json:"county"`
	State          string  `json:"state"`
	Total          int     `json:"total"`
	Scanned        int     `json:"scanned"`
	SlopeDone      int     `json:"slope_done"`
	SentinelWorthy int     `json:"sentinel_worthy"`
	Enriched       int     `json:"enriched"`
	VacancyChecked int     `json:"vacancy_checked"`
	ConvictionDone int     `json:"conviction_done"`
	MaxConviction  *float64 `json:"max_conviction,omitempty"`
}

// Progress reports pass coverage counts for a county in one scan.
func (db *DB) Progress(ctx context.Context, county, state string) (*CountyProgress, error) {
	p := &CountyProgress{County: county, State: state}
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE scan_pass >= 1),
		       COUNT(*) FILTER (WHERE ndvi_slope IS NOT NULL),
		       COUNT(*) FILTER (WHERE sentinel_worthy),
		       COUNT(*) FILTER (WHERE scan_pass >= 2),
		       COUNT(*) FILTER (WHERE usps_check_date IS NOT NULL),
		       COUNT(*) FILTER (WHERE conviction_scored_at IS NOT NULL),
		       MAX(conviction_score)
		FROM gis_parcels_core
		WHERE county = $1 AND state = $2`,
		county, state).Scan(&p.Total, &p.Scanned, &p.SlopeDone, &p.SentinelWorthy,
		&p.Enriched, &p.VacancyChecked, &p.ConvictionDone, &p.MaxConviction)
	if err != nil {
		return nil, fmt.Errorf("progress: %w", err)
	}
	return p, nil
}
