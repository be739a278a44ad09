// Package aerial reads 1 m RGB+NIR imagery from the national aerial
// ImageServer: point identification with band values, per-vintage queries
// via mosaic rules, and PNG tile export. Free and unkeyed; responses are
// cached on disk for seven days.
package aerial

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/distress.report/internal/httputil"
	"github.com/banshee-data/distress.report/internal/monitoring"
	"github.com/banshee-data/distress.report/internal/respcache"
)

// DefaultBaseURL is the national aerial imagery ImageServer.
const DefaultBaseURL = "https://imagery.nationalmap.gov/arcgis/rest/services/USGSNAIPPlus/ImageServer"

// CacheTTL is the disk cache lifetime for identify/export responses.
const CacheTTL = 7 * 24 * time.Hour

// VintageYears are the coverage cycles probed for historical data, most
// recent first. Coverage rotates on a 2-3 year cycle per state so not every
// year has data at every point.
var VintageYears = []int{2023, 2022, 2021, 2020, 2019, 2018, 2016, 2014, 2012}

// Client talks to the aerial ImageServer. One Client (and its underlying
// HTTP client) is shared across workers; only GETs are issued.
type Client struct {
	BaseURL string
	HTTP    httputil.HTTPClient
	Cache   *respcache.Cache
}

// NewClient builds a Client with the default endpoint and a disk cache
// under cacheDir.
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

// Reading is one NDVI observation at a point.
type Reading struct {
	NDVI            *float64           `json:"ndvi"`
	Bands           map[string]float64 `json:"bands,omitempty"`
	AcquisitionDate string             `json:"acquisition_date,omitempty"`
	Err             string             `json:"error,omitempty"`
}

// identifyResponse is the subset of the ArcGIS identify payload we read.
type identifyResponse struct {
	Value        string `json:"value"`
	CatalogItems struct {
		Features []struct {
			Attributes map[string]any `json:"attributes"`
		} `json:"features"`
	} `json:"catalogItems"`
}

type mosaicRule struct {
	MosaicMethod string `json:"mosaicMethod"`
	SortField    string `json:"sortField"`
	SortValue    string `json:"sortValue"`
	Ascending    bool   `json:"ascending"`
	Where        string `json:"where,omitempty"`
}

func yearRule(year int) *mosaicRule {
	return &mosaicRule{
		MosaicMethod: "esriMosaicAttribute",
		SortField:    "Year",
		SortValue:    strconv.Itoa(year),
		Ascending:    true,
		Where:        fmt.Sprintf("Year = %d AND Category = 1", year),
	}
}

func (c *Client) identify(lat, lng float64, rule *mosaicRule) (*identifyResponse, error) {
	params := map[string]string{
		"geometry":           fmt.Sprintf(`{"x":%g,"y":%g,"spatialReference":{"wkid":4326}}`, lng, lat),
		"geometryType":       "esriGeometryPoint",
		"returnCatalogItems": "true",
		"returnGeometry":     "false",
		"f":                  "json",
	}
	cacheParams := respcache.PointParams(lat, lng)
	if rule != nil {
		ruleJSON, err := json.Marshal(rule)
		if err != nil {
			return nil, err
		}
		params["mosaicRule"] = string(ruleJSON)
		cacheParams["mosaic"] = string(ruleJSON)
	} else {
		cacheParams["mosaic"] = "default"
	}

	key := respcache.Key("identify", cacheParams)
	var cached identifyResponse
	if c.Cache.GetJSON(key, &cached) {
		return &cached, nil
	}

	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+"/identify?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := httputil.DoWithRetry(c.HTTP, req, httputil.DefaultRetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("aerial identify: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("aerial identify: status %d", resp.StatusCode)
	}

	var out identifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("aerial identify decode: %w", err)
	}
	c.Cache.PutJSON(key, &out)
	return &out, nil
}

// parseBands parses the identify pixel value ("185, 178, 169, 157":
// red, green, blue, NIR) and computes NDVI. A zero denominator yields 0.0.
func parseBands(value string) Reading {
	r := Reading{}
	if value == "" || value == "NoData" || value == "Pixel value is NoData" {
		r.Err = "no_imagery_at_location"
		return r
	}

	fields := strings.Fields(strings.ReplaceAll(value, ",", " "))
	vals := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			r.Err = "band_parse_failure: " + f
			return r
		}
		vals = append(vals, v)
	}

	switch {
	case len(vals) >= 4:
		red, green, blue, nir := vals[0], vals[1], vals[2], vals[3]
		r.Bands = map[string]float64{"red": red, "green": green, "blue": blue, "nir": nir}
		if nir+red == 0 {
			ndvi := 0.0
			r.NDVI = &ndvi
		} else {
			ndvi := (nir - red) / (nir + red)
			r.NDVI = &ndvi
		}
	case len(vals) == 3:
		r.Bands = map[string]float64{"red": vals[0], "green": vals[1], "blue": vals[2]}
		r.Err = "no_nir_band"
	default:
		r.Err = fmt.Sprintf("unexpected_band_count: %d", len(vals))
	}
	return r
}

// catalogDate extracts the acquisition date from catalog items, preferring
// primary-resolution tiles (Category 1). The date attribute is lowercase
// and epoch milliseconds.
func catalogDate(resp *identifyResponse) string {
	for _, feat := range resp.CatalogItems.Features {
		cat, _ := feat.Attributes["Category"].(float64)
		if cat != 1 {
			continue
		}
		if acq, ok := feat.Attributes["acquisition_date"].(float64); ok && acq > 1e10 {
			return time.UnixMilli(int64(acq)).UTC().Format("2006-01-02")
		}
	}
	for _, feat := range resp.CatalogItems.Features {
		if year, ok := feat.Attributes["Year"].(float64); ok && year > 0 {
			return fmt.Sprintf("%04d-01-01", int(year))
		}
	}
	return ""
}

// NDVIAtPoint returns the most recent NDVI reading at a point.
func (c *Client) NDVIAtPoint(lat, lng float64) Reading {
	resp, err := c.identify(lat, lng, nil)
	if err != nil {
		return Reading{Err: err.Error()}
	}
	r := parseBands(resp.Value)
	r.AcquisitionDate = catalogDate(resp)
	return r
}

// NDVIForYear returns the NDVI reading for a specific vintage year.
func (c *Client) NDVIForYear(lat, lng float64, year int) Reading {
	resp, err := c.identify(lat, lng, yearRule(year))
	if err != nil {
		return Reading{Err: err.Error()}
	}
	r := parseBands(resp.Value)
	if r.AcquisitionDate = catalogDate(resp); r.AcquisitionDate == "" {
		r.AcquisitionDate = fmt.Sprintf("%04d-01-01", year)
	}
	return r
}

// AvailableYears probes each vintage and returns those with data at the
// point, ascending.
func (c *Client) AvailableYears(lat, lng float64) []int {
	years := []int{}
	for _, year := range VintageYears {
		resp, err := c.identify(lat, lng, yearRule(year))
		if err != nil {
			monitoring.Logf("aerial: vintage %d probe failed: %v", year, err)
			continue
		}
		if resp.Value != "" && resp.Value != "NoData" && resp.Value != "Pixel value is NoData" {
			years = append(years, year)
		}
	}
	for i, j := 0, len(years)-1; i < j; i, j = i+1, j-1 {
		years[i], years[j] = years[j], years[i]
	}
	return years
}

// BBox is (minLng, minLat, maxLng, maxLat) in EPSG:4326.
type BBox [4]float64

// MakeBBox builds a box around a point. 50 m buffer is roughly one parcel.
func MakeBBox(lat, lng, bufferMeters float64) BBox {
	latOff := bufferMeters / 111000
	lngOff := bufferMeters / (111000 * math.Cos(lat*math.Pi/180))
	return BBox{lng - lngOff, lat - latOff, lng + lngOff, lat + latOff}
}

// ExportImage returns a PNG tile for a bounding box, or nil when the
// service responds with something other than an image.
func (c *Client) ExportImage(box BBox, width, height int) ([]byte, error) {
	params := map[string]string{
		"bbox":    fmt.Sprintf("%g,%g,%g,%g", box[0], box[1], box[2], box[3]),
		"bboxSR":  "4326",
		"imageSR": "4326",
		"size":    fmt.Sprintf("%d,%d", width, height),
		"format":  "png",
		"f":       "image",
	}
	key := respcache.Key("export", params)
	if data, ok := c.Cache.GetBytes(key, "png"); ok {
		return data, nil
	}

	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+"/exportImage?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httputil.DoWithRetry(c.HTTP, req, httputil.DefaultRetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("aerial export: %w", err)
	}
	defer resp.Body.Close()

	if !strings.Contains(resp.Header.Get("Content-Type"), "image") {
		return nil, fmt.Errorf("aerial export: unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	c.Cache.PutBytes(key, "png", data)
	return data, nil
}
