// Package artifacts stores generated files (trend charts, imagery tiles,
// county reports) under a keyed directory layout, returning either a local
// path or a public URL when the store is fronted by a web server.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store writes artifacts under Dir. When PublicURL is set, Put returns
// PublicURL/<key> instead of the filesystem path.
type Store struct {
	Dir       string
	PublicURL string
}

func NewStore(dir, publicURL string) *Store {
	return &Store{Dir: dir, PublicURL: strings.TrimRight(publicURL, "/")}
}

// MakeKey builds the per-parcel layout: <county>_<state>/<parcel>/<date>/<name>.
func MakeKey(county, state, parcelID, name string) string {
	date := time.Now().UTC().Format("2006-01-02")
	return filepath.ToSlash(filepath.Join(
		sanitize(county)+"_"+sanitize(state), sanitize(parcelID), date, name))
}

// MakePointKey builds the layout for artifacts tied to a coordinate rather
// than a parcel: points/<lat>_<lng>/<date>/<name>.
func MakePointKey(lat, lng float64, name string) string {
	date := time.Now().UTC().Format("2006-01-02")
	return filepath.ToSlash(filepath.Join(
		"points", fmt.Sprintf("%.6f_%.6f", lat, lng), date, name))
}

func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	return s
}

// Put writes data under key and returns its URL or path.
func (s *Store) Put(key string, data []byte) (string, error) {
	path := filepath.Join(s.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("artifact mkdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("artifact write: %w", err)
	}
	if s.PublicURL != "" {
		return s.PublicURL + "/" + key, nil
	}
	return path, nil
}

// Open reads an artifact back by key.
func (s *Store) Open(key string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.Dir, filepath.FromSlash(key)))
}
