// Package satellite reads monthly NDVI statistics from the Copernicus Data
// Space Statistical API, with a coarser landsat fallback for points the
// primary constellation cannot answer. Observations feed the trend model in
// trends.go.
package satellite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/banshee-data/distress.report/internal/httputil"
)

const (
	// DefaultTokenURL is the CDSE identity endpoint for the client
	// credentials grant.
	DefaultTokenURL = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"

	// DefaultBaseURL fronts the Sentinel Hub compatible APIs.
	DefaultBaseURL = "https://sh.dataspace.copernicus.eu"

	// DefaultRatePerMin caps statistics requests. The service allows more,
	// but a full county scan runs for hours and must not starve other users
	// of the shared account.
	DefaultRatePerMin = 300
)

// ndviEvalscript computes per-pixel NDVI with a data mask so cloudy and
// no-data pixels are excluded from the aggregated statistics.
const ndviEvalscript = `//VERSION=3
function setup() {
  return {
    input: [{bands: ["B04", "B08", "dataMask"]}],
    output: [
      {id: "ndvi", bands: 1},
      {id: "dataMask", bands: 1}
    ]
  };
}
function evaluatePixel(sample) {
  let ndvi = (sample.B08 - sample.B04) / (sample.B08 + sample.B04);
  return {ndvi: [ndvi], dataMask: [sample.dataMask]};
}`

// Observation is one aggregated month of NDVI over a parcel-sized box.
type Observation struct {
	Month    time.Time `json:"month"`
	MeanNDVI float64   `json:"mean_ndvi"`
	ValidPct float64   `json:"valid_pct"`
	StdDev   float64   `json:"std_dev"`
}

// Client calls the Statistical API. The HTTP client carries the OAuth2
// transport in production; tests inject a mock directly.
type Client struct {
	BaseURL string
	HTTP    httputil.HTTPClient
	limiter *rate.Limiter
}

// NewClient builds a Client using the client credentials grant against the
// CDSE identity service.
func NewClient(ctx context.Context, clientID, clientSecret string, ratePerMin int) *Client {
	conf := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     DefaultTokenURL,
	}
	return &Client{
		BaseURL: DefaultBaseURL,
		HTTP:    httputil.NewStandardClient(conf.Client(ctx)),
		limiter: newLimiter(ratePerMin),
	}
}

// NewClientWithHTTP builds a Client over an existing HTTP client.
func NewClientWithHTTP(h httputil.HTTPClient, ratePerMin int) *Client {
	return &Client{BaseURL: DefaultBaseURL, HTTP: h, limiter: newLimiter(ratePerMin)}
}

func newLimiter(perMin int) *rate.Limiter {
	if perMin <= 0 {
		perMin = DefaultRatePerMin
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 1)
}

type statsRequest struct {
	Input struct {
		Bounds struct {
			BBox       [4]float64 `json:"bbox"`
			Properties struct {
				CRS string `json:"crs"`
			} `json:"properties"`
		} `json:"bounds"`
		Data []struct {
			Type       string `json:"type"`
			DataFilter struct {
				MaxCloudCoverage int `json:"maxCloudCoverage"`
			} `json:"dataFilter"`
		} `json:"data"`
	} `json:"input"`
	Aggregation struct {
		TimeRange struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"timeRange"`
		AggregationInterval struct {
			Of string `json:"of"`
		} `json:"aggregationInterval"`
		Evalscript string `json:"evalscript"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
	} `json:"aggregation"`
	Calculations map[string]any `json:"calculations"`
}

type statsResponse struct {
	Data []struct {
		Interval struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"interval"`
		Outputs struct {
			NDVI struct {
				Bands struct {
					B0 struct {
						Stats struct {
							Mean        float64 `json:"mean"`
							StDev       float64 `json:"stDev"`
							SampleCount int     `json:"sampleCount"`
							NoDataCount int     `json:"noDataCount"`
						} `json:"stats"`
					} `json:"B0"`
				} `json:"bands"`
			} `json:"ndvi"`
		} `json:"outputs"`
	} `json:"data"`
}

// pointBBox is a roughly 100 m box around a point, matching the aggregation
// grid of 50x50 cells at 2 m.
func pointBBox(lat, lng float64) [4]float64 {
	latOff := 50.0 / 111000
	lngOff := 50.0 / (111000 * math.Cos(lat*math.Pi/180))
	return [4]float64{lng - lngOff, lat - latOff, lng + lngOff, lat + latOff}
}

// MonthlyNDVI returns per-month NDVI aggregates for the last months months
// at a point, oldest first. Months where every pixel was masked out are
// dropped.
func (c *Client) MonthlyNDVI(ctx context.Context, lat, lng float64, months int) ([]Observation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var reqBody statsRequest
	reqBody.Input.Bounds.BBox = pointBBox(lat, lng)
	reqBody.Input.Bounds.Properties.CRS = "http://www.opengis.net/def/crs/EPSG/0/4326"
	reqBody.Input.Data = make([]struct {
		Type       string `json:"type"`
		DataFilter struct {
			MaxCloudCoverage int `json:"maxCloudCoverage"`
		} `json:"dataFilter"`
	}, 1)
	reqBody.Input.Data[0].Type = "sentinel-2-l2a"
	reqBody.Input.Data[0].DataFilter.MaxCloudCoverage = 50
	reqBody.Aggregation.TimeRange.From = now.AddDate(0, -months, 0).Format(time.RFC3339)
	reqBody.Aggregation.TimeRange.To = now.Format(time.RFC3339)
	reqBody.Aggregation.AggregationInterval.Of = "P1M"
	reqBody.Aggregation.Evalscript = ndviEvalscript
	reqBody.Aggregation.Width = 50
	reqBody.Aggregation.Height = 50
	reqBody.Calculations = map[string]any{"default": map[string]any{}}

	payload, err := json.Marshal(&reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/v1/statistics", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("satellite statistics: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("satellite statistics: status %d", resp.StatusCode)
	}

	var out statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("satellite statistics decode: %w", err)
	}

	obs := []Observation{}
	for _, d := range out.Data {
		stats := d.Outputs.NDVI.Bands.B0.Stats
		valid := stats.SampleCount - stats.NoDataCount
		if stats.SampleCount == 0 || valid == 0 {
			continue
		}
		month, err := time.Parse(time.RFC3339, d.Interval.From)
		if err != nil {
			continue
		}
		obs = append(obs, Observation{
			Month:    month,
			MeanNDVI: stats.Mean,
			ValidPct: float64(valid) / float64(stats.SampleCount),
			StdDev:   stats.StDev,
		})
	}
	sort.Slice(obs, func(i, j int) bool { return obs[i].Month.Before(obs[j].Month) })
	return obs, nil
}

// ErrRateLimited marks a 429 from the statistics endpoint so callers can
// back off adaptively instead of failing the parcel.
var ErrRateLimited = fmt.Errorf("satellite statistics: rate limited")
