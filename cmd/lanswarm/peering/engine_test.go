package peering

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcheviron/lanswarm/cmd/lanswarm/metainfo"
	"github.com/mcheviron/lanswarm/cmd/lanswarm/tracker"
)

// startTracker serves a real tracker over loopback HTTP.
func startTracker(t *testing.T) string {
	t.Helper()
	srv := tracker.NewServer(tracker.DefaultConfig(), zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL + "/announce"
}

func startEngine(t *testing.T, meta *metainfo.Metainfo, dataDir string) (*Engine, context.CancelFunc, chan error) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = dataDir

	engine, err := NewEngine(meta, cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- engine.Run(ctx) }()
	return engine, cancel, errCh
}

// Two-node transfer: a fresh leecher pulls a 300000-byte file from a seeder
// over loopback and finishes with identical bytes and left == 0.
func TestTwoNodeTransfer(t *testing.T) {
	announce := startTracker(t)

	seederDir := t.TempDir()
	data := randomData(t, 300_000)
	require.NoError(t, os.WriteFile(filepath.Join(seederDir, "blob.bin"), data, 0o644))

	meta, err := metainfo.Build(filepath.Join(seederDir, "blob.bin"), announce, 262144)
	require.NoError(t, err)
	require.Equal(t, 2, meta.NumPieces())

	seeder, cancelSeeder, seederErr := startEngine(t, meta, seederDir)
	require.True(t, seeder.Complete())

	// Let the seeder's started announce land before the leecher asks for
	// peers; the first announce is the only one inside the test window.
	time.Sleep(500 * time.Millisecond)

	leecherDir := t.TempDir()
	leecher, cancelLeecher, leecherErr := startEngine(t, meta, leecherDir)

	require.Eventually(t, leecher.Complete, 10*time.Second, 50*time.Millisecond,
		"leecher did not finish the download")

	got, err := os.ReadFile(filepath.Join(leecherDir, "blob.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, downloaded, left := leecher.Stats()
	assert.Equal(t, int64(0), left)
	assert.Equal(t, int64(300_000), downloaded)

	assert.Eventually(t, func() bool {
		uploaded, _, _ := seeder.Stats()
		return uploaded == 300_000
	}, 2*time.Second, 10*time.Millisecond, "seeder upload counter should reach the file size")

	cancelLeecher()
	assert.NoError(t, <-leecherErr)
	cancelSeeder()
	assert.NoError(t, <-seederErr)
}

// A malformed handshake (pstrlen != 19) is rejected without disturbing the
// engine; a well-formed probe on the same listener still succeeds.
func TestMalformedHandshakeLeavesEngineLive(t *testing.T) {
	announce := startTracker(t)

	dir := t.TempDir()
	data := randomData(t, BlockSize)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob.bin"), data, 0o644))
	meta, err := metainfo.Build(filepath.Join(dir, "blob.bin"), announce, BlockSize)
	require.NoError(t, err)

	engine, cancel, errCh := startEngine(t, meta, dir)
	addr := fmt.Sprintf("127.0.0.1:%d", engine.Port())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	probe := Handshake{InfoHash: meta.InfoHash, PeerID: NewPeerID()}.Marshal()
	probe[0] = 20
	_, err = conn.Write(probe)
	require.NoError(t, err)

	// The engine closes the socket within one read cycle.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err)
	conn.Close()

	remoteID, err := ProbeHandshake(addr, meta.InfoHash, NewPeerID(), 3*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, [20]byte{}, remoteID)

	cancel()
	assert.NoError(t, <-errCh)
}

// A dialed handshake for a torrent we do not serve terminates without any
// payload messages crossing the wire.
func TestHandshakeInfoHashMismatchClosesConnection(t *testing.T) {
	announce := startTracker(t)

	dir := t.TempDir()
	data := randomData(t, BlockSize)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob.bin"), data, 0o644))
	meta, err := metainfo.Build(filepath.Join(dir, "blob.bin"), announce, BlockSize)
	require.NoError(t, err)

	engine, cancel, errCh := startEngine(t, meta, dir)

	otherHash := meta.InfoHash
	otherHash[0] ^= 0xFF
	_, err = ProbeHandshake(fmt.Sprintf("127.0.0.1:%d", engine.Port()), otherHash, NewPeerID(), 3*time.Second)
	assert.Error(t, err)

	cancel()
	assert.NoError(t, <-errCh)
}
