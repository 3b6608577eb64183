package peering

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mcheviron/lanswarm/cmd/lanswarm/bencode"
	"github.com/mcheviron/lanswarm/cmd/lanswarm/metainfo"
)

// AnnounceEvent is the tracker event parameter.
type AnnounceEvent string

const (
	EventNone      AnnounceEvent = ""
	EventStarted   AnnounceEvent = "started"
	EventCompleted AnnounceEvent = "completed"
	EventStopped   AnnounceEvent = "stopped"
)

// PeerAddr is a peer endpoint learned from the tracker.
type PeerAddr struct {
	IP   net.IP
	Port int
}

func (p PeerAddr) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(p.Port))
}

// Announcer speaks the tracker announce protocol for one torrent.
type Announcer struct {
	cfg    Config
	meta   *metainfo.Metainfo
	port   int // our advertised listen port
	client *http.Client
	log    *zap.Logger
	stats  func() (uploaded, downloaded, left int64)
}

func newAnnouncer(cfg Config, meta *metainfo.Metainfo, port int,
	stats func() (int64, int64, int64), log *zap.Logger) *Announcer {

	return &Announcer{
		cfg:    cfg,
		meta:   meta,
		port:   port,
		client: &http.Client{Timeout: cfg.TrackerTimeout},
		log:    log,
		stats:  stats,
	}
}

// Announce reports our state and returns the tracker's peer list and
// advisory re-announce interval.
func (a *Announcer) Announce(ctx context.Context, event AnnounceEvent) ([]PeerAddr, time.Duration, error) {
	uploaded, downloaded, left := a.stats()

	params := url.Values{
		"info_hash":  []string{string(a.meta.InfoHash[:])},
		"peer_id":    []string{string(a.cfg.PeerID[:])},
		"port":       []string{strconv.Itoa(a.port)},
		"uploaded":   []string{strconv.FormatInt(uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(downloaded, 10)},
		"left":       []string{strconv.FormatInt(left, 10)},
		"compact":    []string{"1"},
	}
	if event != EventNone {
		params.Set("event", string(event))
	}

	fullURL := fmt.Sprintf("%s?%s", a.meta.Announce, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to contact tracker: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read tracker response: %w", err)
	}

	decoded, _, err := bencode.Decode[map[string]any](body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode tracker response: %w", err)
	}

	if reason, ok := decoded["failure reason"].(string); ok {
		return nil, 0, fmt.Errorf("tracker refused announce: %s", reason)
	}

	interval := a.cfg.AnnounceInterval
	if secs, ok := decoded["interval"].(int); ok && secs > 0 {
		interval = time.Duration(secs) * time.Second
	}

	peers, err := parsePeerList(decoded["peers"])
	if err != nil {
		return nil, 0, err
	}

	a.log.Debug("Announced to tracker",
		zap.String("event", string(event)),
		zap.Int64("left", left),
		zap.Int("peers", len(peers)))
	return peers, interval, nil
}

// parsePeerList accepts both response forms: a packed 6-bytes-per-peer
// string (compact) and a list of dictionaries.
func parsePeerList(v any) ([]PeerAddr, error) {
	switch peers := v.(type) {
	case nil:
		return nil, nil

	case string:
		if len(peers)%6 != 0 {
			return nil, fmt.Errorf("compact peer list of %d bytes", len(peers))
		}
		out := make([]PeerAddr, 0, len(peers)/6)
		for i := 0; i+6 <= len(peers); i += 6 {
			out = append(out, PeerAddr{
				IP:   net.IP([]byte(peers[i : i+4])),
				Port: int(binary.BigEndian.Uint16([]byte(peers[i+4 : i+6]))),
			})
		}
		return out, nil

	case []any:
		out := make([]PeerAddr, 0, len(peers))
		for _, entry := range peers {
			dict, ok := entry.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("peer entry is not a dictionary")
			}
			ipStr, _ := dict["ip"].(string)
			port, _ := dict["port"].(int)
			ip := net.ParseIP(ipStr)
			if ip == nil || port <= 0 || port > 65535 {
				return nil, fmt.Errorf("invalid peer entry %q:%d", ipStr, port)
			}
			out = append(out, PeerAddr{IP: ip, Port: port})
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unexpected peers type %T", v)
	}
}
