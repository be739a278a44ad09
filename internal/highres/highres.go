// Package highres refines satellite findings with metered high-resolution
// imagery. Each refinement compares a recent capture against one from six
// months to a year earlier and scores the brightness change; calls are
// metered, so a per-point cooldown keeps repeat scans from burning quota.
package highres

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/banshee-data/distress.report/internal/httputil"
	"github.com/banshee-data/distress.report/internal/respcache"
)

const (
	// DefaultBaseURL is the imagery data API root.
	DefaultBaseURL = "https://api.planet.com/data/v1"

	// ItemType is the 3 m daily-revisit scene product.
	ItemType = "PSScene"

	// RecentWindow bounds the "current" capture search.
	RecentWindow = 31 * 24 * time.Hour

	// HistoricalMinAge and HistoricalMaxAge bound the comparison capture
	// relative to the latest one. Closer than six months and seasonal
	// variation dominates; older than a year and the comparison is stale.
	HistoricalMinAge = 180 * 24 * time.Hour
	HistoricalMaxAge = 365 * 24 * time.Hour

	// HistoricalMaxCloud filters the comparison search. The recent search is
	// unfiltered so a point with only cloudy recent coverage still answers.
	HistoricalMaxCloud = 0.20

	// DefaultCooldown is the refinement spacing per point.
	DefaultCooldown = 60 * 24 * time.Hour
)

// Item is one searchable scene.
type Item struct {
	ID         string
	Acquired   time.Time
	CloudCover float64
}

// Comparison is a scored before/after pair at a point. SceneCount is the
// total number of scenes the two window searches returned; the thumbnail
// bytes are carried so callers can archive the pair.
type Comparison struct {
	RecentID             string    `json:"recent_id"`
	RecentAcquired       time.Time `json:"recent_acquired"`
	RecentBrightness     float64   `json:"recent_brightness"`
	HistoricalID         string    `json:"historical_id"`
	HistoricalAcquired   time.Time `json:"historical_acquired"`
	HistoricalBrightness float64   `json:"historical_brightness"`
	ChangeScore          float64   `json:"change_score"`
	SceneCount           int       `json:"scene_count"`

	RecentThumb     []byte `json:"-"`
	HistoricalThumb []byte `json:"-"`
}

// SpanDays is the whole-day distance between the two captures.
func (c *Comparison) SpanDays() int {
	return int(c.RecentAcquired.Sub(c.HistoricalAcquired).Hours() / 24)
}

// Client searches scenes and fetches thumbnails. APIKey rides the
// Authorization header with the api-key scheme on every request.
type Client struct {
	BaseURL  string
	APIKey   string
	HTTP     httputil.HTTPClient
	Cooldown *CooldownGuard
}

func NewClient(h httputil.HTTPClient, apiKey, cacheDir string) *Client {
	if h == nil {
		h = httputil.NewStandardClient(&http.Client{Timeout: 60 * time.Second})
	}
	return &Client{
		BaseURL:  DefaultBaseURL,
		APIKey:   apiKey,
		HTTP:     h,
		Cooldown: NewCooldownGuard(filepath.Join(cacheDir, "highres"), DefaultCooldown),
	}
}

func pointFilter(lat, lng float64) map[string]any {
	return map[string]any{
		"type":       "GeometryFilter",
		"field_name": "geometry",
		"config": map[string]any{
			"type":        "Point",
			"coordinates": []float64{lng, lat},
		},
	}
}

func dateFilter(from, to time.Time) map[string]any {
	return map[string]any{
		"type":       "DateRangeFilter",
		"field_name": "acquired",
		"config": map[string]string{
			"gte": from.UTC().Format(time.RFC3339),
			"lte": to.UTC().Format(time.RFC3339),
		},
	}
}

func cloudFilter(max float64) map[string]any {
	return map[string]any{
		"type":       "RangeFilter",
		"field_name": "cloud_cover",
		"config":     map[string]float64{"lte": max},
	}
}

type searchResponse struct {
	Features []struct {
		ID         string `json:"id"`
		Properties struct {
			Acquired   string  `json:"acquired"`
			CloudCover float64 `json:"cloud_cover"`
		} `json:"properties"`
	} `json:"features"`
}

func (c *Client) search(filters []map[string]any, limit int) ([]Item, error) {
	body := map[string]any{
		"item_types": []string{ItemType},
		"filter": map[string]any{
			"type":   "AndFilter",
			"config": filters,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/quick-search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "api-key "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("highres search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("highres search: status %d", resp.StatusCode)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("highres search decode: %w", err)
	}

	items := []Item{}
	for _, f := range out.Features {
		item := Item{ID: f.ID, CloudCover: f.Properties.CloudCover}
		if t, err := time.Parse(time.RFC3339, f.Properties.Acquired); err == nil {
			item.Acquired = t
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Acquired.After(items[j].Acquired) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// SearchRecent returns the newest scenes at a point from the trailing month.
func (c *Client) SearchRecent(lat, lng float64) ([]Item, error) {
	now := time.Now().UTC()
	return c.search([]map[string]any{
		pointFilter(lat, lng),
		dateFilter(now.Add(-RecentWindow), now),
	}, 5)
}

// SearchHistorical returns low-cloud scenes six months to a year before the
// given capture.
func (c *Client) SearchHistorical(lat, lng float64, latest time.Time) ([]Item, error) {
	return c.search([]map[string]any{
		pointFilter(lat, lng),
		dateFilter(latest.Add(-HistoricalMaxAge), latest.Add(-HistoricalMinAge)),
		cloudFilter(HistoricalMaxCloud),
	}, 5)
}

// Thumbnail fetches the scene preview image.
func (c *Client) Thumbnail(itemID string) ([]byte, error) {
	url := fmt.Sprintf("%s/item-types/%s/items/%s/thumb", c.BaseURL, ItemType, itemID)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "api-key "+c.APIKey)

	resp, err := httputil.DoWithRetry(c.HTTP, req, httputil.DefaultRetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("highres thumbnail: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("highres thumbnail: status %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Brightness is the mean luma of an encoded image, on the 0-255 scale.
func Brightness(data []byte) (float64, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("highres decode: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return 0, fmt.Errorf("highres decode: empty image")
	}

	var sum float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			luma := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
			sum += luma / 257.0
		}
	}
	n := float64(bounds.Dx() * bounds.Dy())
	return sum / n, nil
}

// ChangeScore normalizes a brightness delta to [0, 1]. A 20-point luma shift
// on parcel-sized thumbnails is saturating change.
func ChangeScore(recent, historical float64) float64 {
	score := math.Min(math.Abs(recent-historical)/20.0, 1.0)
	return math.Round(score*1000) / 1000
}

// ErrNoCoverage means the archive has no usable scene for one of the two
// comparison windows. Not a fault, just a gap.
var ErrNoCoverage = errors.New("no scene coverage")

// IsNoCoverage reports whether an error is a coverage gap.
func IsNoCoverage(err error) bool { return errors.Is(err, ErrNoCoverage) }

// Compare runs the full refinement at a point: newest recent scene, best
// historical counterpart, thumbnail brightness delta.
func (c *Client) Compare(lat, lng float64) (*Comparison, error) {
	recent, err := c.SearchRecent(lat, lng)
	if err != nil {
		return nil, err
	}
	if len(recent) == 0 {
		return nil, fmt.Errorf("highres compare recent: %w", ErrNoCoverage)
	}
	latest := recent[0]

	historical, err := c.SearchHistorical(lat, lng, latest.Acquired)
	if err != nil {
		return nil, err
	}
	if len(historical) == 0 {
		return nil, fmt.Errorf("highres compare historical: %w", ErrNoCoverage)
	}
	baseline := historical[0]

	recentThumb, err := c.Thumbnail(latest.ID)
	if err != nil {
		return nil, err
	}
	histThumb, err := c.Thumbnail(baseline.ID)
	if err != nil {
		return nil, err
	}
	recentB, err := Brightness(recentThumb)
	if err != nil {
		return nil, err
	}
	histB, err := Brightness(histThumb)
	if err != nil {
		return nil, err
	}

	return &Comparison{
		RecentID:             latest.ID,
		RecentAcquired:       latest.Acquired,
		RecentBrightness:     recentB,
		HistoricalID:         baseline.ID,
		HistoricalAcquired:   baseline.Acquired,
		HistoricalBrightness: histB,
		ChangeScore:          ChangeScore(recentB, histB),
		SceneCount:           len(recent) + len(historical),
		RecentThumb:          recentThumb,
		HistoricalThumb:      histThumb,
	}, nil
}

// CooldownGuard spaces refinements per point using marker files.
type CooldownGuard struct {
	Dir    string
	Period time.Duration
}

func NewCooldownGuard(dir string, period time.Duration) *CooldownGuard {
	return &CooldownGuard{Dir: dir, Period: period}
}

func (g *CooldownGuard) markerPath(lat, lng float64) string {
	return filepath.Join(g.Dir, respcache.Key("highres-cooldown", respcache.PointParams(lat, lng))+".mark")
}

// Allow reports whether a point is outside its cooldown. force bypasses the
// guard but still refreshes the marker on Mark.
func (g *CooldownGuard) Allow(lat, lng float64, force bool) bool {
	if force {
		return true
	}
	info, err := os.Stat(g.markerPath(lat, lng))
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > g.Period
}

// Mark records a refinement at a point.
func (g *CooldownGuard) Mark(lat, lng float64) error {
	if err := os.MkdirAll(g.Dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(g.markerPath(lat, lng), []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
}
