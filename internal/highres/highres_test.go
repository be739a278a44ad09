package highres

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/distress.report/internal/httputil"
)

func grayPNG(t *testing.T, v uint8) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.String()
}

func TestChangeScore(t *testing.T) {
	assert.Equal(t, 0.0, ChangeScore(100, 100))
	assert.Equal(t, 0.5, ChangeScore(100, 110))
	assert.Equal(t, 0.5, ChangeScore(110, 100))
	assert.Equal(t, 1.0, ChangeScore(100, 130), "delta clamps at 20 points")
	assert.Equal(t, 0.123, ChangeScore(100, 102.46))
}

func TestBrightness(t *testing.T) {
	b, err := Brightness([]byte(grayPNG(t, 100)))
	require.NoError(t, err)
	assert.InDelta(t, 100, b, 1.0)

	_, err = Brightness([]byte("not an image"))
	assert.Error(t, err)
}

func TestSearchRecentRequestShape(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `{"features": []}`)

	c := NewClient(mock, "pk-test", t.TempDir())
	_, err := c.SearchRecent(35.2, -80.8)
	require.NoError(t, err)

	req := mock.GetRequest(0)
	require.NotNil(t, req)
	assert.Equal(t, "api-key pk-test", req.Header.Get("Authorization"))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.Equal(t, []any{"PSScene"}, parsed["item_types"])
	filter := parsed["filter"].(map[string]any)
	assert.Equal(t, "AndFilter", filter["type"])
	assert.Len(t, filter["config"], 2, "recent search has no cloud filter")
}

func TestSearchHistoricalCloudFilter(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `{"features": []}`)

	c := NewClient(mock, "pk-test", t.TempDir())
	_, err := c.SearchHistorical(35.2, -80.8, time.Now())
	require.NoError(t, err)

	body, err := io.ReadAll(mock.GetRequest(0).Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"cloud_cover"`)
	assert.Contains(t, string(body), `"lte":0.2`)
}

func TestCompare(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `{"features": [
		{"id": "recent1", "properties": {"acquired": "2026-08-01T15:00:00Z", "cloud_cover": 0.05}},
		{"id": "recent0", "properties": {"acquired": "2026-07-20T15:00:00Z", "cloud_cover": 0.01}}
	]}`)
	mock.AddResponse(200, `{"features": [
		{"id": "hist1", "properties": {"acquired": "2025-10-01T15:00:00Z", "cloud_cover": 0.10}}
	]}`)
	mock.AddResponse(200, grayPNG(t, 90))  // recent thumbnail
	mock.AddResponse(200, grayPNG(t, 120)) // historical thumbnail

	c := NewClient(mock, "pk-test", t.TempDir())
	cmp, err := c.Compare(35.2, -80.8)
	require.NoError(t, err)
	assert.Equal(t, "recent1", cmp.RecentID, "newest acquisition wins")
	assert.Equal(t, "hist1", cmp.HistoricalID)
	assert.InDelta(t, 90, cmp.RecentBrightness, 1.0)
	assert.InDelta(t, 120, cmp.HistoricalBrightness, 1.0)
	assert.InDelta(t, 1.0, cmp.ChangeScore, 0.06, "30-point delta saturates")
	assert.Equal(t, 3, cmp.SceneCount)
	assert.Equal(t, 304, cmp.SpanDays())
	assert.NotEmpty(t, cmp.RecentThumb)
	assert.NotEmpty(t, cmp.HistoricalThumb)
}

func TestCompareNoCoverage(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `{"features": []}`)

	_, err := NewClient(mock, "pk-test", t.TempDir()).Compare(35.2, -80.8)
	assert.True(t, IsNoCoverage(err))
}

func TestCooldownGuard(t *testing.T) {
	g := NewCooldownGuard(t.TempDir(), time.Hour)

	assert.True(t, g.Allow(35.2, -80.8, false), "no marker yet")
	require.NoError(t, g.Mark(35.2, -80.8))
	assert.False(t, g.Allow(35.2, -80.8, false), "inside cooldown")
	assert.True(t, g.Allow(35.2, -80.8, true), "force bypasses")
	assert.True(t, g.Allow(36.0, -81.0, false), "other points unaffected")
}
