package metainfo

import (
	"crypto/rand"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcheviron/lanswarm/cmd/lanswarm/bencode"
)

func writeTempFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func TestBuildAndGeometry(t *testing.T) {
	path, data := writeTempFile(t, 300_000)

	m, err := Build(path, "http://localhost:8000/announce", 262144)
	require.NoError(t, err)

	assert.Equal(t, "blob.bin", m.Name)
	assert.Equal(t, 300_000, m.TotalLength)
	assert.Equal(t, 2, m.NumPieces())
	assert.Equal(t, 262144, m.PieceSize(0))
	assert.Equal(t, 300_000-262144, m.PieceSize(1))

	assert.Equal(t, sha1.Sum(data[:262144]), m.Pieces[0])
	assert.Equal(t, sha1.Sum(data[262144:]), m.Pieces[1])
}

func TestBuildExactMultiple(t *testing.T) {
	path, _ := writeTempFile(t, 4*32768)

	m, err := Build(path, "http://t/announce", 32768)
	require.NoError(t, err)
	assert.Equal(t, 4, m.NumPieces())
	assert.Equal(t, 32768, m.PieceSize(3))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path, _ := writeTempFile(t, 70_000)

	built, err := Build(path, "http://localhost:8000/announce", 32768)
	require.NoError(t, err)

	torrentPath := filepath.Join(t.TempDir(), "blob.torrent")
	require.NoError(t, built.Save(torrentPath))

	loaded, err := Load(torrentPath)
	require.NoError(t, err)
	assert.Equal(t, built, loaded)
}

func TestInfoHashUsesOriginalBytes(t *testing.T) {
	// A descriptor whose info dictionary carries an extra key another tool
	// added: the hash must cover the info span exactly as serialized.
	info := map[string]any{
		"length":       9,
		"name":         "x",
		"piece length": 16,
		"pieces":       string(make([]byte, 20)),
		"private":      1,
	}
	data, err := bencode.Encode(map[string]any{
		"announce": "http://t/announce",
		"info":     info,
	})
	require.NoError(t, err)

	rawInfo, err := bencode.RawValue(data, "info")
	require.NoError(t, err)

	m, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, sha1.Sum(rawInfo), m.InfoHash)
}

func TestParseRejectsMalformed(t *testing.T) {
	valid := func() map[string]any {
		return map[string]any{
			"announce": "http://t/announce",
			"info": map[string]any{
				"length":       9,
				"name":         "x",
				"piece length": 16,
				"pieces":       string(make([]byte, 20)),
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing announce", func(d map[string]any) { delete(d, "announce") }},
		{"missing name", func(d map[string]any) { delete(d["info"].(map[string]any), "name") }},
		{"zero piece length", func(d map[string]any) { d["info"].(map[string]any)["piece length"] = 0 }},
		{"zero length", func(d map[string]any) { d["info"].(map[string]any)["length"] = 0 }},
		{"ragged pieces", func(d map[string]any) { d["info"].(map[string]any)["pieces"] = "short" }},
		{"wrong piece count", func(d map[string]any) {
			d["info"].(map[string]any)["pieces"] = string(make([]byte, 40))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dict := valid()
			tt.mutate(dict)
			data, err := bencode.Encode(dict)
			require.NoError(t, err)

			_, err = Parse(data)
			assert.ErrorIs(t, err, ErrMalformedMetainfo)
		})
	}

	_, err := Parse([]byte("not bencode"))
	assert.ErrorIs(t, err, ErrMalformedMetainfo)
}
