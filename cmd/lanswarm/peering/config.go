package peering

import (
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// BlockSize is the request/transfer unit within a piece.
const BlockSize = 16384

// clientPrefix is the Azureus-style prefix of generated peer ids.
const clientPrefix = "-LS0001-"

// Config carries every tunable of the engine. It is built once and threaded
// through construction; no component changes it afterwards.
type Config struct {
	PeerID     [20]byte
	ListenPort int // 0 picks an ephemeral port
	DataDir    string

	MaxPeers    int
	MaxPipeline int // outstanding requests per peer

	KeepAliveInterval time.Duration
	IdleTimeout       time.Duration // inbound silence before teardown
	AnnounceInterval  time.Duration // fallback when the tracker gives none
	DialTimeout       time.Duration
	RequestTimeout    time.Duration // block re-reservation threshold
	TrackerTimeout    time.Duration

	UploadRate rate.Limit // rate.Inf disables limiting
}

// DefaultConfig returns the standard tunables with a fresh peer id.
func DefaultConfig() Config {
	return Config{
		PeerID:            NewPeerID(),
		ListenPort:        0,
		DataDir:           ".",
		MaxPeers:          40,
		MaxPipeline:       5,
		KeepAliveInterval: 120 * time.Second,
		IdleTimeout:       240 * time.Second,
		AnnounceInterval:  120 * time.Second,
		DialTimeout:       5 * time.Second,
		RequestTimeout:    60 * time.Second,
		TrackerTimeout:    30 * time.Second,
		UploadRate:        rate.Inf,
	}
}

// NewPeerID generates a per-run peer id: client prefix plus random digits.
func NewPeerID() [20]byte {
	var id [20]byte
	copy(id[:], clientPrefix)
	for i := len(clientPrefix); i < len(id); i++ {
		id[i] = byte('0' + rand.IntN(10))
	}
	return id
}
