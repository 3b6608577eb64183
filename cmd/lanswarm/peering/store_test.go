package peering

import (
	"crypto/rand"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcheviron/lanswarm/cmd/lanswarm/metainfo"
)

// testMeta builds a descriptor for in-memory data without touching disk.
func testMeta(t *testing.T, data []byte, pieceLength int) *metainfo.Metainfo {
	t.Helper()
	m := &metainfo.Metainfo{
		Announce:    "http://localhost:8000/announce",
		Name:        "blob.bin",
		PieceLength: pieceLength,
		TotalLength: len(data),
	}
	for off := 0; off < len(data); off += pieceLength {
		end := min(off+pieceLength, len(data))
		m.Pieces = append(m.Pieces, sha1.Sum(data[off:end]))
	}
	return m
}

func randomData(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func openTestStore(t *testing.T, meta *metainfo.Metainfo, dir string) *Store {
	t.Helper()
	s, err := OpenStore(meta, dir, time.Minute, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesFileOfExactSize(t *testing.T) {
	data := randomData(t, 3*BlockSize)
	meta := testMeta(t, data, 2*BlockSize)
	dir := t.TempDir()

	s := openTestStore(t, meta, dir)

	fi, err := os.Stat(filepath.Join(dir, "blob.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), fi.Size())

	assert.False(t, s.Complete())
	assert.Equal(t, int64(len(data)), s.Left())
	assert.True(t, s.Bitfield().Empty())
}

func TestDepositVerifiesAndFlushes(t *testing.T) {
	data := randomData(t, 3*BlockSize)
	meta := testMeta(t, data, 2*BlockSize) // piece 0: two blocks, piece 1: one
	dir := t.TempDir()
	s := openTestStore(t, meta, dir)

	outcome, err := s.DepositBlock(0, 0, data[:BlockSize])
	require.NoError(t, err)
	assert.Equal(t, DepositAccepted, outcome)
	assert.False(t, s.Have(0))

	outcome, err = s.DepositBlock(0, BlockSize, data[BlockSize:2*BlockSize])
	require.NoError(t, err)
	assert.Equal(t, DepositCompleted, outcome)
	assert.True(t, s.Have(0))
	assert.Equal(t, 0, <-s.Completions())

	// Invariant: the on-disk bytes of a complete piece hash to its digest.
	onDisk, err := os.ReadFile(filepath.Join(dir, "blob.bin"))
	require.NoError(t, err)
	assert.Equal(t, meta.Pieces[0], sha1.Sum(onDisk[:2*BlockSize]))

	block, err := s.ReadBlock(0, BlockSize, 100)
	require.NoError(t, err)
	assert.Equal(t, data[BlockSize:BlockSize+100], block)

	// A duplicate deposit is ignored, not double-counted.
	outcome, err = s.DepositBlock(0, 0, data[:BlockSize])
	require.NoError(t, err)
	assert.Equal(t, DepositIgnored, outcome)
}

func TestDepositCorruptAllowsRetry(t *testing.T) {
	data := randomData(t, BlockSize)
	meta := testMeta(t, data, BlockSize)
	s := openTestStore(t, meta, t.TempDir())

	bad := append([]byte(nil), data...)
	bad[7] ^= 0xFF

	outcome, err := s.DepositBlock(0, 0, bad)
	require.NoError(t, err)
	assert.Equal(t, DepositCorrupt, outcome)
	assert.False(t, s.Have(0))

	// The piece went back to absent; a clean retry completes it.
	outcome, err = s.DepositBlock(0, 0, data)
	require.NoError(t, err)
	assert.Equal(t, DepositCompleted, outcome)
	assert.True(t, s.Have(0))
	assert.True(t, s.Complete())
}

func TestReadBlockErrors(t *testing.T) {
	data := randomData(t, 2*BlockSize)
	meta := testMeta(t, data, BlockSize)
	s := openTestStore(t, meta, t.TempDir())

	_, err := s.ReadBlock(0, 0, 100)
	assert.ErrorIs(t, err, ErrPieceNotAvailable)

	_, err = s.ReadBlock(5, 0, 100)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = s.ReadBlock(0, BlockSize-10, 100)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = s.ReadBlock(0, 0, 0)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestNextRequestPolicy(t *testing.T) {
	data := randomData(t, 3*BlockSize)
	meta := testMeta(t, data, 2*BlockSize)
	s := openTestStore(t, meta, t.TempDir())

	remote := NewBitfield(2)
	remote.Set(0)
	remote.Set(1)

	// Ascending index, lowest offset first.
	ref, ok := s.NextRequest(remote, "a", 10)
	require.True(t, ok)
	assert.Equal(t, BlockRef{Index: 0, Begin: 0, Length: BlockSize}, ref)

	// The in-flight piece is finished before a new one is started, even
	// for a different session.
	ref, ok = s.NextRequest(remote, "b", 10)
	require.True(t, ok)
	assert.Equal(t, BlockRef{Index: 0, Begin: BlockSize, Length: BlockSize}, ref)

	ref, ok = s.NextRequest(remote, "a", 10)
	require.True(t, ok)
	assert.Equal(t, BlockRef{Index: 1, Begin: 0, Length: BlockSize}, ref)

	// Everything is reserved now.
	_, ok = s.NextRequest(remote, "c", 10)
	assert.False(t, ok)

	// Released reservations become requestable again.
	s.ReleaseSession("a")
	ref, ok = s.NextRequest(remote, "c", 10)
	require.True(t, ok)
	assert.Equal(t, BlockRef{Index: 0, Begin: 0, Length: BlockSize}, ref)
}

func TestNextRequestRespectsRemoteBitfieldAndCap(t *testing.T) {
	data := randomData(t, 4*BlockSize)
	meta := testMeta(t, data, BlockSize)
	s := openTestStore(t, meta, t.TempDir())

	remote := NewBitfield(4)
	remote.Set(2)

	ref, ok := s.NextRequest(remote, "a", 10)
	require.True(t, ok)
	assert.Equal(t, 2, ref.Index)

	// One outstanding reservation and a pipeline budget of one: no more.
	_, ok = s.NextRequest(remote, "a", 1)
	assert.False(t, ok)

	// A peer with nothing yields nothing.
	_, ok = s.NextRequest(NewBitfield(4), "b", 10)
	assert.False(t, ok)
}

func TestNextRequestSkipsCompletePieces(t *testing.T) {
	data := randomData(t, 2*BlockSize)
	meta := testMeta(t, data, BlockSize)
	s := openTestStore(t, meta, t.TempDir())

	_, err := s.DepositBlock(0, 0, data[:BlockSize])
	require.NoError(t, err)
	<-s.Completions()

	remote := NewBitfield(2)
	remote.Set(0)
	remote.Set(1)

	ref, ok := s.NextRequest(remote, "a", 10)
	require.True(t, ok)
	assert.Equal(t, 1, ref.Index)
}

func TestReserveBlockIdempotentPerSession(t *testing.T) {
	data := randomData(t, BlockSize*2)
	meta := testMeta(t, data, 2*BlockSize)
	s := openTestStore(t, meta, t.TempDir())

	require.NoError(t, s.ReserveBlock(0, 0, BlockSize, "a"))
	require.NoError(t, s.ReserveBlock(0, 0, BlockSize, "a"))
	assert.ErrorIs(t, s.ReserveBlock(0, 0, BlockSize, "b"), ErrAlreadyReserved)

	_, err := s.DepositBlock(0, 0, data[:BlockSize])
	require.NoError(t, err)
	assert.ErrorIs(t, s.ReserveBlock(0, 0, BlockSize, "a"), ErrAlreadyReserved)

	assert.ErrorIs(t, s.ReserveBlock(9, 0, BlockSize, "a"), ErrOutOfRange)
}

func TestStaleReservationIsReassigned(t *testing.T) {
	data := randomData(t, BlockSize)
	meta := testMeta(t, data, BlockSize)

	s, err := OpenStore(meta, t.TempDir(), time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	remote := NewBitfield(1)
	remote.Set(0)

	_, ok := s.NextRequest(remote, "a", 10)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	// Session a went quiet; the block is handed out again.
	ref, ok := s.NextRequest(remote, "b", 10)
	require.True(t, ok)
	assert.Equal(t, 0, ref.Index)
}

func TestResumeRehashesExistingFile(t *testing.T) {
	data := randomData(t, 3*BlockSize)
	meta := testMeta(t, data, 2*BlockSize)
	dir := t.TempDir()

	// First run: piece 0 lands, piece 1 never arrives.
	s := openTestStore(t, meta, dir)
	_, err := s.DepositBlock(0, 0, data[:BlockSize])
	require.NoError(t, err)
	_, err = s.DepositBlock(0, BlockSize, data[BlockSize:2*BlockSize])
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Restart: rehash finds piece 0 complete, only piece 1 is wanted.
	resumed := openTestStore(t, meta, dir)
	assert.True(t, resumed.Have(0))
	assert.False(t, resumed.Have(1))
	assert.Equal(t, int64(BlockSize), resumed.Left())

	remote := NewBitfield(2)
	remote.Set(0)
	remote.Set(1)
	ref, ok := resumed.NextRequest(remote, "a", 10)
	require.True(t, ok)
	assert.Equal(t, 1, ref.Index)

	_, err = resumed.DepositBlock(1, 0, data[2*BlockSize:])
	require.NoError(t, err)
	assert.True(t, resumed.Complete())

	onDisk, err := os.ReadFile(filepath.Join(dir, "blob.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
}
