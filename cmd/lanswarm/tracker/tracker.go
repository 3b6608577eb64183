// Package tracker implements the announce/stats HTTP service that peers use
// as their rendezvous point.
package tracker

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/mcheviron/lanswarm/cmd/lanswarm/bencode"
)

// Config carries the tracker's timing knobs.
type Config struct {
	AnnounceInterval time.Duration // advertised to peers
	PeerTimeout      time.Duration // eviction threshold
	SweepInterval    time.Duration // stale-peer sweep cadence
}

// DefaultConfig returns the standard intervals.
func DefaultConfig() Config {
	return Config{
		AnnounceInterval: 120 * time.Second,
		PeerTimeout:      180 * time.Second,
		SweepInterval:    30 * time.Second,
	}
}

type peerRecord struct {
	peerID     string
	ip         net.IP
	port       int
	lastSeen   time.Time
	left       int64
	uploaded   int64
	downloaded int64
}

// Server maintains the info-hash to peer-set tables behind one mutex. All
// holds are short; response rendering happens on snapshots outside the lock.
type Server struct {
	cfg Config
	log *zap.Logger
	now func() time.Time // swappable for eviction tests

	mu       sync.Mutex
	torrents map[[20]byte]map[string]*peerRecord // keyed by "ip:port"
}

// NewServer creates an empty tracker.
func NewServer(cfg Config, log *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		torrents: make(map[[20]byte]map[string]*peerRecord),
	}
}

// Handler returns the HTTP surface: /announce and /stats.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/announce", s.handleAnnounce)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

// Run sweeps stale peers until ctx is canceled.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

type announceQuery struct {
	infoHash   [20]byte
	peerID     string
	port       int
	uploaded   int64
	downloaded int64
	left       int64
	event      string
	compact    bool
}

func parseAnnounce(r *http.Request) (*announceQuery, error) {
	// Query values arrive URL-decoded, so the two digests are raw bytes
	// held in strings.
	query := r.URL.Query()

	infoHash := query.Get("info_hash")
	if len(infoHash) != 20 {
		return nil, fmt.Errorf("info_hash must be 20 bytes, got %d", len(infoHash))
	}
	peerID := query.Get("peer_id")
	if len(peerID) != 20 {
		return nil, fmt.Errorf("peer_id must be 20 bytes, got %d", len(peerID))
	}
	port, err := strconv.Atoi(query.Get("port"))
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid port %q", query.Get("port"))
	}

	q := &announceQuery{
		peerID:     peerID,
		port:       port,
		uploaded:   parseInt64(query.Get("uploaded")),
		downloaded: parseInt64(query.Get("downloaded")),
		left:       parseInt64(query.Get("left")),
		compact:    query.Get("compact") == "1",
	}
	copy(q.infoHash[:], infoHash)

	// Unknown event values are treated as a plain refresh.
	switch e := query.Get("event"); e {
	case "started", "completed", "stopped":
		q.event = e
	}
	return q, nil
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	q, err := parseAnnounce(r)
	if err != nil {
		s.writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		s.writeFailure(w, http.StatusBadRequest, "unparseable client address")
		return
	}

	peers := s.update(q, ip)

	response := map[string]any{
		"interval": int(s.cfg.AnnounceInterval.Seconds()),
	}
	if q.compact {
		response["peers"] = compactPeers(peers)
	} else {
		list := make([]any, 0, len(peers))
		for _, p := range peers {
			list = append(list, map[string]any{
				"peer id": p.peerID,
				"ip":      p.ip.String(),
				"port":    p.port,
			})
		}
		response["peers"] = list
	}

	body, err := bencode.Encode(response)
	if err != nil {
		s.writeFailure(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write(body)
}

// update applies one announce and returns the peer list to hand back,
// excluding the requester.
func (s *Server) update(q *announceQuery, ip net.IP) []*peerRecord {
	key := net.JoinHostPort(ip.String(), strconv.Itoa(q.port))

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.torrents[q.infoHash]

	if q.event == "stopped" {
		if bucket != nil {
			delete(bucket, key)
			if len(bucket) == 0 {
				delete(s.torrents, q.infoHash)
			}
			s.log.Info("Peer stopped",
				zap.String("peer", key),
				zap.String("torrent", shortHash(q.infoHash)))
		}
		return nil
	}

	if bucket == nil {
		bucket = make(map[string]*peerRecord)
		s.torrents[q.infoHash] = bucket
	}
	bucket[key] = &peerRecord{
		peerID:     q.peerID,
		ip:         ip,
		port:       q.port,
		lastSeen:   s.now(),
		left:       q.left,
		uploaded:   q.uploaded,
		downloaded: q.downloaded,
	}

	s.log.Info("Peer announced",
		zap.String("peer", key),
		zap.String("torrent", shortHash(q.infoHash)),
		zap.String("event", q.event),
		zap.Int64("left", q.left))

	peers := make([]*peerRecord, 0, len(bucket))
	for k, p := range bucket {
		if k == key {
			continue
		}
		peers = append(peers, p)
	}
	return peers
}

// compactPeers packs IPv4 peers as 6 bytes each: address then port, both
// big-endian. Non-IPv4 peers are skipped in compact form.
func compactPeers(peers []*peerRecord) []byte {
	packed := make([]byte, 0, len(peers)*6)
	for _, p := range peers {
		ip4 := p.ip.To4()
		if ip4 == nil {
			continue
		}
		packed = append(packed, ip4...)
		packed = binary.BigEndian.AppendUint16(packed, uint16(p.port))
	}
	return packed
}

func (s *Server) writeFailure(w http.ResponseWriter, status int, reason string) {
	body, err := bencode.Encode(map[string]any{"failure reason": reason})
	if err != nil {
		http.Error(w, reason, status)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	w.Write(body)
}

// sweep evicts peers that have not announced within PeerTimeout and drops
// empty buckets.
func (s *Server) sweep() {
	cutoff := s.now().Add(-s.cfg.PeerTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	for hash, bucket := range s.torrents {
		for key, p := range bucket {
			if p.lastSeen.Before(cutoff) {
				delete(bucket, key)
				s.log.Info("Evicted stale peer",
					zap.String("peer", key),
					zap.String("torrent", shortHash(hash)))
			}
		}
		if len(bucket) == 0 {
			delete(s.torrents, hash)
		}
	}
}

type torrentStats struct {
	hash       string
	peers      int
	seeders    int
	leechers   int
	uploaded   int64
	downloaded int64
}

func (s *Server) snapshotStats() []torrentStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]torrentStats, 0, len(s.torrents))
	for hash, bucket := range s.torrents {
		st := torrentStats{hash: shortHash(hash), peers: len(bucket)}
		for _, p := range bucket {
			if p.left == 0 {
				st.seeders++
			} else {
				st.leechers++
			}
			st.uploaded += p.uploaded
			st.downloaded += p.downloaded
		}
		stats = append(stats, st)
	}
	return stats
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.snapshotStats()
	sort.Slice(stats, func(i, j int) bool { return stats[i].hash < stats[j].hash })

	var b strings.Builder
	b.WriteString("<html><head><title>Tracker Stats</title></head><body>")
	b.WriteString("<h1>Tracker Statistics</h1>")
	fmt.Fprintf(&b, "<p>Active torrents: %d</p>", len(stats))
	b.WriteString("<table border='1'><tr><th>Info Hash</th><th>Peers</th><th>Seeders</th>" +
		"<th>Leechers</th><th>Uploaded</th><th>Downloaded</th></tr>")
	for _, st := range stats {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%d</td><td>%d</td><td>%d</td><td>%s</td><td>%s</td></tr>",
			st.hash, st.peers, st.seeders, st.leechers,
			humanize.Bytes(uint64(st.uploaded)), humanize.Bytes(uint64(st.downloaded)))
	}
	b.WriteString("</table></body></html>")

	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, b.String())
}

func shortHash(hash [20]byte) string {
	return hex.EncodeToString(hash[:8])
}
