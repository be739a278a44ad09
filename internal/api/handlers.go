package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/distress.report/internal/db"
	"github.com/banshee-data/distress.report/internal/httputil"
)

// countyParams pulls the county/state pair every endpoint needs.
func countyParams(r *http.Request) (county, state string, err error) {
	county = r.URL.Query().Get("county")
	state = r.URL.Query().Get("state")
	if county == "" || state == "" {
		return "", "", fmt.Errorf("'county' and 'state' parameters are required")
	}
	return county, state, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid '%s' parameter", name)
	}
	return v, nil
}

func floatParam(r *http.Request, name string) (*float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid '%s' parameter", name)
	}
	return &v, nil
}

func (s *Server) listParcels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	county, state, err := countyParams(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	filter := db.ParcelFilter{County: county, State: state}

	if filter.MinDistress, err = floatParam(r, "min_distress"); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if filter.MinComposite, err = floatParam(r, "min_composite"); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if filter.MinConviction, err = floatParam(r, "min_conviction"); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if filter.MinPass, err = intParam(r, "min_pass", 0); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if filter.Limit, err = intParam(r, "limit", 0); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	filter.VacantOnly = r.URL.Query().Get("vacant_only") == "true"

	parcels, err := s.db.QueryParcels(r.Context(), filter)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to query parcels: %v", err))
		return
	}
	httputil.WriteJSONOK(w, parcels)
}

func (s *Server) showProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	county, state, err := countyParams(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	progress, err := s.db.Progress(r.Context(), county, state)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to read progress: %v", err))
		return
	}
	httputil.WriteJSONOK(w, progress)
}

func (s *Server) lookupFlood(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	lat, err := floatParam(r, "lat")
	if err != nil || lat == nil {
		httputil.BadRequest(w, "'lat' parameter is required")
		return
	}
	lng, err := floatParam(r, "lng")
	if err != nil || lng == nil {
		httputil.BadRequest(w, "'lng' parameter is required")
		return
	}

	evidence := s.pipeline.Flood.Assess(*lat, *lng)
	response := map[string]any{
		"zone":      evidence.Zone,
		"risk_tier": evidence.RiskTier,
		"sfha":      evidence.SFHA,
	}
	if evidence.ZoneSubtype != "" {
		response["zone_subtype"] = evidence.ZoneSubtype
	}
	if evidence.Err != "" {
		response["error"] = evidence.Err
	}
	httputil.WriteJSONOK(w, response)
}

// passFunc runs one pipeline pass and returns its stats payload.
type passFunc func(r *http.Request, county, state string, limit int) (any, error)

// runPass wraps a pass trigger with the shared method check, parameter
// parsing, and single-run guard.
func (s *Server) runPass(fn passFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		county, state, err := countyParams(r)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		limit, err := intParam(r, "limit", 1000)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}

		if !s.runMu.TryLock() {
			httputil.WriteJSONError(w, http.StatusConflict, "another pass is already running")
			return
		}
		defer s.runMu.Unlock()

		stats, err := fn(r, county, state, limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Pass failed: %v", err))
			return
		}
		httputil.WriteJSONOK(w, stats)
	}
}

func (s *Server) triggerScan(r *http.Request, county, state string, limit int) (any, error) {
	return s.pipeline.RunScan(r.Context(), county, state, limit)
}

func (s *Server) triggerSlope(r *http.Request, county, state string, limit int) (any, error) {
	return s.pipeline.RunSlope(r.Context(), county, state, limit)
}

func (s *Server) triggerSentinel(r *http.Request, county, state string, limit int) (any, error) {
	return s.pipeline.RunSentinelEnrich(r.Context(), county, state, limit)
}

func (s *Server) triggerVacancy(r *http.Request, county, state string, limit int) (any, error) {
	return s.pipeline.RunVacancy(r.Context(), county, state, s.workDir, limit)
}

func (s *Server) triggerConviction(r *http.Request, county, state string, limit int) (any, error) {
	return s.pipeline.RunConviction(r.Context(), county, state)
}

func (s *Server) triggerHighRes(r *http.Request, county, state string, limit int) (any, error) {
	force := r.URL.Query().Get("force") == "true"
	return s.pipeline.RunHighRes(r.Context(), county, state, limit, force)
}
