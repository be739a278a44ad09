// Package respcache is a content-addressed disk cache for upstream
// responses. Keys are derived from a stable hash of the request parameters;
// entries expire by file mtime. Reads are safe for concurrent use; writes
// are last-wins.
package respcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/distress.report/internal/monitoring"
)

// Cache stores JSON and binary payloads under a directory with a TTL.
type Cache struct {
	Dir string
	TTL time.Duration
}

// New creates a cache rooted at dir. The directory is created on first
// write.
func New(dir string, ttl time.Duration) *Cache {
	return &Cache{Dir: dir, TTL: ttl}
}

// Key builds a deterministic cache key from an endpoint name and parameter
// map: sha256 of the sorted key=value form, truncated to 16 hex chars.
func Key(endpoint string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(endpoint)
	for _, k := range keys {
		b.WriteByte(':')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// GetJSON unmarshals a cached entry into out. Returns false on miss,
// expiry, or decode failure (expired and corrupt entries are removed).
func (c *Cache) GetJSON(key string, out any) bool {
	data, ok := c.read(key + ".json")
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		os.Remove(filepath.Join(c.Dir, key+".json"))
		return false
	}
	return true
}

// PutJSON stores a JSON-encodable value. Write failures are logged, not
// returned: the cache is an optimization.
func (c *Cache) PutJSON(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		monitoring.Logf("respcache: marshal %s: %v", key, err)
		return
	}
	c.write(key+".json", data)
}

// GetBytes returns a cached binary entry (image tiles).
func (c *Cache) GetBytes(key, ext string) ([]byte, bool) {
	return c.read(key + "." + ext)
}

// PutBytes stores a binary entry.
func (c *Cache) PutBytes(key, ext string, data []byte) {
	c.write(key+"."+ext, data)
}

func (c *Cache) read(name string) ([]byte, bool) {
	path := filepath.Join(c.Dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if c.TTL > 0 && time.Since(info.ModTime()) > c.TTL {
		os.Remove(path)
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *Cache) write(name string, data []byte) {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		monitoring.Logf("respcache: mkdir %s: %v", c.Dir, err)
		return
	}
	path := filepath.Join(c.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		monitoring.Logf("respcache: write %s: %v", path, err)
	}
}

// PointParams is a helper for the common lat/lng parameter pair.
func PointParams(lat, lng float64) map[string]string {
	return map[string]string{
		"lat": fmt.Sprintf("%.6f", lat),
		"lng": fmt.Sprintf("%.6f", lng),
	}
}
