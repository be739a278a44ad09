// Package flood queries the national flood hazard layer for the zone at a
// point and maps it to a coarse risk tier. Zone geometry changes rarely, so
// responses are cached for thirty days.
package flood

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/banshee-data/distress.report/internal/flags"
	"github.com/banshee-data/distress.report/internal/httputil"
	"github.com/banshee-data/distress.report/internal/respcache"
)

// DefaultBaseURL is the flood hazard MapServer; layer 28 holds the flood
// hazard zone polygons.
const DefaultBaseURL = "https://hazards.fema.gov/arcgis/rest/services/public/NFHL/MapServer/28/query"

// CacheTTL is the disk cache lifetime for zone lookups.
const CacheTTL = 30 * 24 * time.Hour

// highRiskZones are the special flood hazard area designations that map to
// the high tier regardless of subtype.
var highRiskZones = map[string]bool{
	"A":  true,
	"AE": true,
	"AO": true,
	"VE": true,
	"V":  true,
}

// Client queries flood zones at points.
type Client struct {
	BaseURL string
	HTTP    httputil.HTTPClient
	Cache   *respcache.Cache
}

func NewClient(h httputil.HTTPClient, cacheDir string) *Client {
	if h == nil {
		h = httputil.NewStandardClient(&http.Client{Timeout: 30 * time.Second})
	}
	return &Client{
		BaseURL: DefaultBaseURL,
		HTTP:    h,
		Cache:   respcache.New(cacheDir, CacheTTL),
	}
}

type queryResponse struct {
	Features []struct {
		Attributes struct {
			FldZone   string   `json:"FLD_ZONE"`
			SFHATF    string   `json:"SFHA_TF"`
			ZoneSubty string   `json:"ZONE_SUBTY"`
			FldARID   string   `json:"FLD_AR_ID"`
			StaticBFE *float64 `json:"STATIC_BFE"`
		} `json:"attributes"`
	} `json:"features"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// RiskTier maps a zone designation and subtype to high, moderate, low, or
// none. Zone X splits on subtype: the shaded 0.2 pct annual chance band is
// moderate, the minimal-hazard band is low.
func RiskTier(zone, subtype string, sfha bool) string {
	zone = strings.ToUpper(strings.TrimSpace(zone))
	if zone == "" {
		return "none"
	}
	if highRiskZones[zone] || sfha {
		return "high"
	}
	if zone == "X" {
		sub := strings.ToUpper(subtype)
		if strings.Contains(sub, "0.2") || strings.Contains(sub, "500") {
			return "moderate"
		}
		if strings.Contains(sub, "MINIMAL") {
			return "low"
		}
		return "low"
	}
	if zone == "D" {
		return "low"
	}
	return "low"
}

// Assess looks up the flood zone at a point. Upstream failures come back in
// the evidence Err field so a scan can record them without aborting.
func (c *Client) Assess(lat, lng float64) flags.FloodEvidence {
	params := respcache.PointParams(lat, lng)
	key := respcache.Key("floodzone", params)

	var resp queryResponse
	if !c.Cache.GetJSON(key, &resp) {
		fetched, err := c.query(lat, lng)
		if err != nil {
			return flags.FloodEvidence{RiskTier: "none", Err: err.Error()}
		}
		resp = *fetched
		c.Cache.PutJSON(key, &resp)
	}

	if resp.Error != nil {
		return flags.FloodEvidence{RiskTier: "none", Err: "flood query: " + resp.Error.Message}
	}
	if len(resp.Features) == 0 {
		return flags.FloodEvidence{RiskTier: "none"}
	}

	attrs := resp.Features[0].Attributes
	sfha := strings.EqualFold(attrs.SFHATF, "T")
	return flags.FloodEvidence{
		Zone:        strings.ToUpper(strings.TrimSpace(attrs.FldZone)),
		ZoneSubtype: attrs.ZoneSubty,
		SFHA:        sfha,
		RiskTier:    RiskTier(attrs.FldZone, attrs.ZoneSubty, sfha),
	}
}

func (c *Client) query(lat, lng float64) (*queryResponse, error) {
	q := url.Values{}
	q.Set("geometry", fmt.Sprintf("%g,%g", lng, lat))
	q.Set("geometryType", "esriGeometryPoint")
	q.Set("inSR", "4326")
	q.Set("spatialRel", "esriSpatialRelIntersects")
	q.Set("outFields", "FLD_ZONE,SFHA_TF,ZONE_SUBTY,FLD_AR_ID,STATIC_BFE")
	q.Set("returnGeometry", "false")
	q.Set("f", "json")

	req, err := http.NewRequest(http.MethodGet, c.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httputil.DoWithRetry(c.HTTP, req, httputil.DefaultRetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("flood query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("flood query: status %d", resp.StatusCode)
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("flood query decode: %w", err)
	}
	return &out, nil
}
