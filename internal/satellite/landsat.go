package satellite

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/distress.report/internal/httputil"
	"github.com/banshee-data/distress.report/internal/monitoring"
)

// LandsatBaseURL is the public landsat ImageServer used when the primary
// constellation has no usable observations at a point. 30 m pixels, so a
// reading covers the parcel and some of its neighbors.
const LandsatBaseURL = "https://landsatlook.usgs.gov/arcgis/rest/services/LandsatC2L2/ImageServer"

// LandsatClient reads monthly NDVI from the landsat archive through the
// same identify call the aerial source uses, windowed by acquisition time.
type LandsatClient struct {
	BaseURL string
	HTTP    httputil.HTTPClient
}

func NewLandsatClient(h httputil.HTTPClient) *LandsatClient {
	if h == nil {
		h = httputil.NewStandardClient(&http.Client{Timeout: 30 * time.Second})
	}
	return &LandsatClient{BaseURL: LandsatBaseURL, HTTP: h}
}

type landsatIdentify struct {
	Value string `json:"value"`
}

// MonthlyNDVI samples one reading per month over the trailing window,
// oldest first. Months with no acquisition or cloud-masked pixels are
// skipped; landsat revisit is 16 days so roughly half the months answer.
func (c *LandsatClient) MonthlyNDVI(ctx context.Context, lat, lng float64, months int) ([]Observation, error) {
	now := time.Now().UTC()
	obs := []Observation{}
	for i := months; i >= 1; i-- {
		start := now.AddDate(0, -i, 0)
		end := start.AddDate(0, 1, 0)
		ndvi, err := c.ndviInWindow(ctx, lat, lng, start, end)
		if err != nil {
			monitoring.Logf("landsat: window %s failed: %v", start.Format("2006-01"), err)
			continue
		}
		if ndvi == nil {
			continue
		}
		obs = append(obs, Observation{
			Month:    time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC),
			MeanNDVI: *ndvi,
			ValidPct: 1.0,
		})
	}
	return obs, nil
}

func (c *LandsatClient) ndviInWindow(ctx context.Context, lat, lng float64, start, end time.Time) (*float64, error) {
	q := url.Values{}
	q.Set("geometry", fmt.Sprintf(`{"x":%g,"y":%g,"spatialReference":{"wkid":4326}}`, lng, lat))
	q.Set("geometryType", "esriGeometryPoint")
	q.Set("time", fmt.Sprintf("%d,%d", start.UnixMilli(), end.UnixMilli()))
	q.Set("returnCatalogItems", "false")
	q.Set("returnGeometry", "false")
	q.Set("f", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/identify?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httputil.DoWithRetry(c.HTTP, req, httputil.DefaultRetryPolicy)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("landsat identify: status %d", resp.StatusCode)
	}

	var out landsatIdentify
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("landsat identify decode: %w", err)
	}
	return parseLandsatNDVI(out.Value)
}

// parseLandsatNDVI reads the multiband pixel value. Surface reflectance
// band order puts red at index 3 and NIR at index 4.
func parseLandsatNDVI(value string) (*float64, error) {
	if value == "" || value == "NoData" || value == "Pixel value is NoData" {
		return nil, nil
	}
	fields := strings.Fields(strings.ReplaceAll(value, ",", " "))
	if len(fields) < 5 {
		return nil, fmt.Errorf("landsat bands: expected >=5 values, got %d", len(fields))
	}
	red, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return nil, fmt.Errorf("landsat red band: %w", err)
	}
	nir, err := strconv.ParseFloat(fields[4], 64)
	if err != nil {
		return nil, fmt.Errorf("landsat nir band: %w", err)
	}
	if nir+red == 0 {
		zero := 0.0
		return &zero, nil
	}
	ndvi := (nir - red) / (nir + red)
	return &ndvi, nil
}
