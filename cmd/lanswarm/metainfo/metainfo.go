// Package metainfo parses, validates and builds .torrent descriptors.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-viper/mapstructure/v2"
	"github.com/mcheviron/lanswarm/cmd/lanswarm/bencode"
)

// DefaultPieceLength is used by Build when the caller does not choose one.
const DefaultPieceLength = 262144 // 256 KiB

// ErrMalformedMetainfo covers both bencode-level and structural failures.
var ErrMalformedMetainfo = errors.New("malformed metainfo")

// Metainfo is an immutable torrent descriptor. InfoHash is the SHA-1 of the
// info dictionary exactly as it appeared in the source bytes, so descriptors
// produced by other tools keep their identity even with non-canonical quirks.
type Metainfo struct {
	Announce    string
	Name        string
	PieceLength int
	TotalLength int
	Pieces      [][20]byte
	InfoHash    [20]byte
}

type torrentFile struct {
	Announce string   `mapstructure:"announce"`
	Info     infoDict `mapstructure:"info"`
}

type infoDict struct {
	Name        string `mapstructure:"name"`
	PieceLength int    `mapstructure:"piece length"`
	Length      int    `mapstructure:"length"`
	Pieces      string `mapstructure:"pieces"`
}

// Load reads and parses a .torrent file.
func Load(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a bencoded torrent descriptor.
func Parse(data []byte) (*Metainfo, error) {
	decoded, _, err := bencode.Decode[map[string]any](data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMetainfo, err)
	}

	var tf torrentFile
	if err := mapstructure.Decode(decoded, &tf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMetainfo, err)
	}

	m := &Metainfo{
		Announce:    tf.Announce,
		Name:        tf.Info.Name,
		PieceLength: tf.Info.PieceLength,
		TotalLength: tf.Info.Length,
	}

	switch {
	case m.Announce == "":
		return nil, fmt.Errorf("%w: missing announce URL", ErrMalformedMetainfo)
	case m.Name == "":
		return nil, fmt.Errorf("%w: missing name", ErrMalformedMetainfo)
	case m.PieceLength <= 0:
		return nil, fmt.Errorf("%w: piece length %d", ErrMalformedMetainfo, m.PieceLength)
	case m.TotalLength <= 0:
		return nil, fmt.Errorf("%w: length %d", ErrMalformedMetainfo, m.TotalLength)
	case len(tf.Info.Pieces)%sha1.Size != 0:
		return nil, fmt.Errorf("%w: pieces not a multiple of %d bytes", ErrMalformedMetainfo, sha1.Size)
	}

	pieces := []byte(tf.Info.Pieces)
	m.Pieces = make([][20]byte, len(pieces)/sha1.Size)
	for i := range m.Pieces {
		copy(m.Pieces[i][:], pieces[i*sha1.Size:])
	}

	wantPieces := (m.TotalLength + m.PieceLength - 1) / m.PieceLength
	if len(m.Pieces) != wantPieces {
		return nil, fmt.Errorf("%w: %d piece digests for %d pieces",
			ErrMalformedMetainfo, len(m.Pieces), wantPieces)
	}

	rawInfo, err := bencode.RawValue(data, "info")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMetainfo, err)
	}
	m.InfoHash = sha1.Sum(rawInfo)

	return m, nil
}

// NumPieces returns how many pieces the file divides into.
func (m *Metainfo) NumPieces() int {
	return len(m.Pieces)
}

// PieceSize returns the byte length of piece i. Only the last piece may be
// shorter than PieceLength.
func (m *Metainfo) PieceSize(i int) int {
	if i == len(m.Pieces)-1 {
		if rem := m.TotalLength % m.PieceLength; rem != 0 {
			return rem
		}
	}
	return m.PieceLength
}

// Marshal re-encodes the descriptor canonically.
func (m *Metainfo) Marshal() ([]byte, error) {
	var pieces bytes.Buffer
	for _, h := range m.Pieces {
		pieces.Write(h[:])
	}
	return bencode.Encode(map[string]any{
		"announce": m.Announce,
		"info": map[string]any{
			"name":         m.Name,
			"piece length": m.PieceLength,
			"length":       m.TotalLength,
			"pieces":       pieces.Bytes(),
		},
	})
}

// Build hashes the file at path into a descriptor pointing at announce.
// pieceLength <= 0 selects DefaultPieceLength.
func Build(path, announce string, pieceLength int) (*Metainfo, error) {
	if pieceLength <= 0 {
		pieceLength = DefaultPieceLength
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, fmt.Errorf("%w: cannot build a torrent for an empty file", ErrMalformedMetainfo)
	}

	m := &Metainfo{
		Announce:    announce,
		Name:        filepath.Base(path),
		PieceLength: pieceLength,
		TotalLength: int(fi.Size()),
	}

	buf := make([]byte, pieceLength)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			m.Pieces = append(m.Pieces, sha1.Sum(buf[:n]))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	info, err := bencode.Encode(map[string]any{
		"name":         m.Name,
		"piece length": m.PieceLength,
		"length":       m.TotalLength,
		"pieces":       piecesBlob(m.Pieces),
	})
	if err != nil {
		return nil, err
	}
	m.InfoHash = sha1.Sum(info)

	return m, nil
}

// Save writes the canonical bencoding of m to path.
func (m *Metainfo) Save(path string) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func piecesBlob(pieces [][20]byte) []byte {
	blob := make([]byte, 0, len(pieces)*sha1.Size)
	for _, h := range pieces {
		blob = append(blob, h[:]...)
	}
	return blob
}
