// Package geocode resolves the city and ZIP for a coordinate through the
// public Nominatim service. Its usage policy caps clients at one request
// per second, enforced here so callers cannot accidentally exceed it.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/banshee-data/distress.report/internal/httputil"
)

// DefaultBaseURL is the public reverse-geocoding endpoint.
const DefaultBaseURL = "https://nominatim.openstreetmap.org/reverse"

// UserAgent identifies this tool per the service's usage policy.
const UserAgent = "distress-report/1.0"

// Place is the resolved locality for a point.
type Place struct {
	City  string `json:"city"`
	State string `json:"state"`
	Zip   string `json:"zip"`
}

// Client reverse-geocodes points, one request per second.
type Client struct {
	BaseURL string
	HTTP    httputil.HTTPClient
	limiter *rate.Limiter
}

func NewClient(h httputil.HTTPClient) *Client {
	if h == nil {
		h = httputil.NewStandardClient(&http.Client{Timeout: 30 * time.Second})
	}
	return &Client{
		BaseURL: DefaultBaseURL,
		HTTP:    h,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

type reverseResponse struct {
	Address struct {
		City     string `json:"city"`
		Town     string `json:"town"`
		Village  string `json:"village"`
		Hamlet   string `json:"hamlet"`
		State    string `json:"state"`
		Postcode string `json:"postcode"`
	} `json:"address"`
	Error string `json:"error"`
}

// Resolve returns the locality at a point. Nominatim reports the place
// under whichever admin level applies; the first of city, town, village,
// hamlet wins.
func (c *Client) Resolve(ctx context.Context, lat, lng float64) (*Place, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%.6f", lat))
	q.Set("lon", fmt.Sprintf("%.6f", lng))
	q.Set("format", "jsonv2")
	q.Set("zoom", "18")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := httputil.DoWithRetry(c.HTTP, req, httputil.DefaultRetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("geocode: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocode: status %d", resp.StatusCode)
	}

	var out reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("geocode decode: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("geocode: %s", out.Error)
	}

	city := out.Address.City
	if city == "" {
		city = out.Address.Town
	}
	if city == "" {
		city = out.Address.Village
	}
	if city == "" {
		city = out.Address.Hamlet
	}
	return &Place{City: city, State: out.Address.State, Zip: out.Address.Postcode}, nil
}
