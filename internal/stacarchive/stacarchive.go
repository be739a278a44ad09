// Package stacarchive discovers which aerial imagery vintages exist at a
// point by querying a STAC search endpoint, instead of probing the
// ImageServer year by year. One search answers for all years at once.
package stacarchive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/banshee-data/distress.report/internal/httputil"
)

// DefaultSearchURL is the public STAC search endpoint carrying the aerial
// collection.
const DefaultSearchURL = "https://planetarycomputer.microsoft.com/api/stac/v1/search"

// Vintage is one imagery acquisition at a point.
type Vintage struct {
	Year     int
	Datetime time.Time
	ItemID   string
}

// Client searches the STAC catalog. Results are memoized in an LRU keyed by
// rounded coordinates; misses (empty vintage lists) are cached too so dead
// points are not re-queried.
type Client struct {
	SearchURL string
	HTTP      httputil.HTTPClient
	cache     *lru.Cache[string, []Vintage]
}

func NewClient(h httputil.HTTPClient) *Client {
	if h == nil {
		h = httputil.NewStandardClient(&http.Client{Timeout: 30 * time.Second})
	}
	cache, _ := lru.New[string, []Vintage](4096)
	return &Client{
		SearchURL: DefaultSearchURL,
		HTTP:      h,
		cache:     cache,
	}
}

type searchRequest struct {
	Collections []string       `json:"collections"`
	Intersects  map[string]any `json:"intersects"`
	Limit       int            `json:"limit"`
	SortBy      []sortField    `json:"sortby"`
}

type sortField struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

type searchResponse struct {
	Features []struct {
		ID         string `json:"id"`
		Properties struct {
			Datetime string          `json:"datetime"`
			Year     json.RawMessage `json:"naip:year"`
		} `json:"properties"`
	} `json:"features"`
}

// parseYear handles the catalog's inconsistent year typing: some items carry
// it as a string, others as a number.
func parseYear(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if y, err := strconv.Atoi(s); err == nil {
			return y, true
		}
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		return int(n), true
	}
	return 0, false
}

// Vintages returns the acquisition years available at a point, most recent
// first, one entry per year (the newest item in each year wins).
func (c *Client) Vintages(lat, lng float64) ([]Vintage, error) {
	key := fmt.Sprintf("%.5f,%.5f", lat, lng)
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	reqBody := searchRequest{
		Collections: []string{"naip"},
		Intersects: map[string]any{
			"type":        "Point",
			"coordinates": []float64{lng, lat},
		},
		Limit:  20,
		SortBy: []sortField{{Field: "properties.datetime", Direction: "desc"}},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.SearchURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stac search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stac search: status %d", resp.StatusCode)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("stac search decode: %w", err)
	}

	seenYears := map[int]bool{}
	vintages := []Vintage{}
	for _, feat := range out.Features {
		year, ok := parseYear(feat.Properties.Year)
		if !ok {
			if t, err := time.Parse(time.RFC3339, feat.Properties.Datetime); err == nil {
				year = t.Year()
				ok = true
			}
		}
		if !ok || seenYears[year] {
			continue
		}
		seenYears[year] = true
		v := Vintage{Year: year, ItemID: feat.ID}
		if t, err := time.Parse(time.RFC3339, feat.Properties.Datetime); err == nil {
			v.Datetime = t
		}
		vintages = append(vintages, v)
	}
	sort.Slice(vintages, func(i, j int) bool { return vintages[i].Year > vintages[j].Year })

	c.cache.Add(key, vintages)
	return vintages, nil
}

// VintageIterator walks the vintages at a point oldest first, which is the
// order slope regression consumes them in.
type VintageIterator struct {
	vintages []Vintage
	idx      int
}

// Iterate fetches the vintages at a point and returns an iterator over them
// in ascending year order.
func (c *Client) Iterate(lat, lng float64) (*VintageIterator, error) {
	vintages, err := c.Vintages(lat, lng)
	if err != nil {
		return nil, err
	}
	asc := make([]Vintage, len(vintages))
	copy(asc, vintages)
	sort.Slice(asc, func(i, j int) bool { return asc[i].Year < asc[j].Year })
	return &VintageIterator{vintages: asc}, nil
}

// Next returns the next vintage, or false when exhausted.
func (it *VintageIterator) Next() (Vintage, bool) {
	if it.idx >= len(it.vintages) {
		return Vintage{}, false
	}
	v := it.vintages[it.idx]
	it.idx++
	return v, true
}

// Len reports the total number of vintages.
func (it *VintageIterator) Len() int { return len(it.vintages) }
