package artifacts

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeKey(t *testing.T) {
	key := MakeKey("Mecklenburg", "NC", "04513111", "trend.png")
	date := time.Now().UTC().Format("2006-01-02")
	assert.Equal(t, "mecklenburg_nc/04513111/"+date+"/trend.png", key)
}

func TestMakePointKey(t *testing.T) {
	key := MakePointKey(35.2271, -80.8431, "tile.png")
	assert.True(t, strings.HasPrefix(key, "points/35.227100_-80.843100/"))
	assert.True(t, strings.HasSuffix(key, "/tile.png"))
}

func TestPutAndOpen(t *testing.T) {
	s := NewStore(t.TempDir(), "")
	ref, err := s.Put("a/b/c.txt", []byte("hello"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(ref, "c.txt"))

	data, err := s.Open("a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestPutPublicURL(t *testing.T) {
	s := NewStore(t.TempDir(), "https://artifacts.example.com/")
	ref, err := s.Put("x/y.png", []byte{1})
	require.NoError(t, err)
	assert.Equal(t, "https://artifacts.example.com/x/y.png", ref)
}
