package peering

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcheviron/lanswarm/cmd/lanswarm/metainfo"
)

var (
	// ErrPieceNotAvailable is returned when reading from a piece that is
	// not complete locally.
	ErrPieceNotAvailable = errors.New("piece not available")
	// ErrOutOfRange is returned when a block reference escapes its piece.
	ErrOutOfRange = errors.New("block out of range")
	// ErrAlreadyReserved is returned when another live session holds the
	// block.
	ErrAlreadyReserved = errors.New("block already reserved")
)

// DepositOutcome describes what a DepositBlock call did.
type DepositOutcome int

const (
	// DepositAccepted: block stored, piece still assembling.
	DepositAccepted DepositOutcome = iota
	// DepositCompleted: the block finished the piece, the digest matched
	// and the piece was flushed to disk.
	DepositCompleted
	// DepositCorrupt: the digest did not match; the piece was reset to
	// absent.
	DepositCorrupt
	// DepositIgnored: duplicate block or piece already complete.
	DepositIgnored
)

type pieceState uint8

const (
	pieceAbsent pieceState = iota
	pieceInFlight
	pieceComplete
)

type reservation struct {
	session string
	at      time.Time
}

// assembly buffers exist only while a piece is in flight.
type pieceBuffer struct {
	data     []byte
	received map[int]bool // begin offsets deposited
	reserved map[int]reservation
	got      int // bytes deposited so far
}

// Store is the single source of truth for piece state and persisted bytes.
// One mutex guards the state vector and buffers; file writes happen under it
// (positioned, disjoint offsets), reads of complete pieces happen outside.
type Store struct {
	meta *metainfo.Metainfo
	path string
	log  *zap.Logger

	requestTimeout time.Duration

	mu      sync.Mutex
	file    *os.File
	states  []pieceState
	buffers map[int]*pieceBuffer
	left    int64
	ioErr   error

	completions chan int
}

// OpenStore creates or opens the backing file at dataDir/name with exact size
// total_length. An existing file of matching size is rehashed piece by piece
// so a restarted download resumes where it left off.
func OpenStore(meta *metainfo.Metainfo, dataDir string, requestTimeout time.Duration, log *zap.Logger) (*Store, error) {
	path := filepath.Join(dataDir, meta.Name)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	s := &Store{
		meta:           meta,
		path:           path,
		log:            log,
		requestTimeout: requestTimeout,
		file:           file,
		states:         make([]pieceState, meta.NumPieces()),
		buffers:        make(map[int]*pieceBuffer),
		completions:    make(chan int, meta.NumPieces()),
	}

	if fi.Size() == int64(meta.TotalLength) {
		if err := s.rehash(); err != nil {
			file.Close()
			return nil, err
		}
	} else if err := file.Truncate(int64(meta.TotalLength)); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to size data file: %w", err)
	}

	for i := range s.states {
		if s.states[i] != pieceComplete {
			s.left += int64(meta.PieceSize(i))
		}
	}

	return s, nil
}

func (s *Store) rehash() error {
	buf := make([]byte, s.meta.PieceLength)
	resumed := 0
	for i := 0; i < s.meta.NumPieces(); i++ {
		size := s.meta.PieceSize(i)
		if _, err := s.file.ReadAt(buf[:size], int64(i)*int64(s.meta.PieceLength)); err != nil {
			return fmt.Errorf("failed to rehash piece %d: %w", i, err)
		}
		if sha1.Sum(buf[:size]) == s.meta.Pieces[i] {
			s.states[i] = pieceComplete
			resumed++
		}
	}
	if resumed > 0 {
		s.log.Info("Resumed from existing data file",
			zap.Int("complete", resumed),
			zap.Int("total", s.meta.NumPieces()))
	}
	return nil
}

// Have reports whether piece index is complete.
func (s *Store) Have(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return index >= 0 && index < len(s.states) && s.states[index] == pieceComplete
}

// Bitfield returns a snapshot of completion.
func (s *Store) Bitfield() Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()

	bf := NewBitfield(len(s.states))
	for i, st := range s.states {
		if st == pieceComplete {
			bf.Set(i)
		}
	}
	return bf
}

// Complete reports whether every piece is complete.
func (s *Store) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.left == 0
}

// Left returns the number of bytes still missing, as announced to trackers.
func (s *Store) Left() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.left
}

// Err returns the first unrecoverable I/O error, if any.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ioErr
}

// Completions delivers the index of every piece that verifies, in completion
// order.
func (s *Store) Completions() <-chan int {
	return s.completions
}

// ReadBlock reads a verified block for upload.
func (s *Store) ReadBlock(index, begin, length int) ([]byte, error) {
	if err := s.checkRange(index, begin, length); err != nil {
		return nil, err
	}

	s.mu.Lock()
	complete := s.states[index] == pieceComplete
	s.mu.Unlock()
	if !complete {
		return nil, fmt.Errorf("%w: piece %d", ErrPieceNotAvailable, index)
	}

	// Complete is a terminal state, so reading outside the lock is safe.
	block := make([]byte, length)
	if _, err := s.file.ReadAt(block, int64(index)*int64(s.meta.PieceLength)+int64(begin)); err != nil {
		return nil, err
	}
	return block, nil
}

// ReserveBlock records an in-flight request for session. Re-reserving a block
// the same session already holds is a no-op; a block held by another live
// session fails with ErrAlreadyReserved.
func (s *Store) ReserveBlock(index, begin, length int, session string) error {
	if err := s.checkRange(index, begin, length); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states[index] == pieceComplete {
		return fmt.Errorf("%w: piece %d already complete", ErrAlreadyReserved, index)
	}

	buf := s.ensureBufferLocked(index)
	if buf.received[begin] {
		return fmt.Errorf("%w: block %d/%d already deposited", ErrAlreadyReserved, index, begin)
	}
	if res, ok := buf.reserved[begin]; ok && res.session != session && time.Since(res.at) <= s.requestTimeout {
		return fmt.Errorf("%w: block %d/%d held by %s", ErrAlreadyReserved, index, begin, res.session)
	}

	buf.reserved[begin] = reservation{session: session, at: time.Now()}
	return nil
}

// DepositBlock stores a received block, releasing its reservation. When the
// last block of a piece arrives the piece is verified against its digest:
// a match flushes it to disk and reports DepositCompleted, a mismatch drops
// the assembly buffer and reports DepositCorrupt.
func (s *Store) DepositBlock(index, begin int, data []byte) (DepositOutcome, error) {
	if err := s.checkRange(index, begin, len(data)); err != nil {
		return DepositIgnored, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states[index] == pieceComplete {
		return DepositIgnored, nil
	}

	buf := s.ensureBufferLocked(index)
	if buf.received[begin] {
		return DepositIgnored, nil
	}

	copy(buf.data[begin:], data)
	buf.received[begin] = true
	buf.got += len(data)
	delete(buf.reserved, begin)

	size := s.meta.PieceSize(index)
	if buf.got < size {
		return DepositAccepted, nil
	}

	// Last block landed; verify the whole piece.
	if sha1.Sum(buf.data) != s.meta.Pieces[index] {
		delete(s.buffers, index)
		s.states[index] = pieceAbsent
		s.log.Warn("Piece failed verification", zap.Int("piece", index))
		return DepositCorrupt, nil
	}

	if _, err := s.file.WriteAt(buf.data, int64(index)*int64(s.meta.PieceLength)); err != nil {
		// Disk trouble is fatal to the engine, not just this piece.
		s.ioErr = err
		delete(s.buffers, index)
		s.states[index] = pieceAbsent
		return DepositIgnored, err
	}

	delete(s.buffers, index)
	s.states[index] = pieceComplete
	s.left -= int64(size)
	s.completions <- index
	return DepositCompleted, nil
}

// NextRequest chooses and reserves the next block to request from a peer
// holding remote. Pieces already in flight are finished before new ones are
// started; scans are in ascending index and offset order. Reservations older
// than the request timeout are treated as abandoned and handed out again.
func (s *Store) NextRequest(remote Bitfield, session string, maxInFlight int) (BlockRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.countReservedLocked(session) >= maxInFlight {
		return BlockRef{}, false
	}

	// Finish partially assembled pieces first.
	for index, st := range s.states {
		if st != pieceInFlight || !remote.Has(index) {
			continue
		}
		if ref, ok := s.reserveInPieceLocked(index, session); ok {
			return ref, true
		}
	}

	for index, st := range s.states {
		if st != pieceAbsent || !remote.Has(index) {
			continue
		}
		if ref, ok := s.reserveInPieceLocked(index, session); ok {
			return ref, true
		}
	}

	return BlockRef{}, false
}

// ReleaseSession frees every reservation held by a departed session.
func (s *Store) ReleaseSession(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, buf := range s.buffers {
		for begin, res := range buf.reserved {
			if res.session == session {
				delete(buf.reserved, begin)
			}
		}
	}
}

// Close flushes and closes the backing file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

func (s *Store) checkRange(index, begin, length int) error {
	if index < 0 || index >= s.meta.NumPieces() {
		return fmt.Errorf("%w: piece %d of %d", ErrOutOfRange, index, s.meta.NumPieces())
	}
	if begin < 0 || length <= 0 || begin+length > s.meta.PieceSize(index) {
		return fmt.Errorf("%w: %d+%d in piece %d of %d bytes",
			ErrOutOfRange, begin, length, index, s.meta.PieceSize(index))
	}
	return nil
}

// ensureBufferLocked transitions an absent piece to in flight.
func (s *Store) ensureBufferLocked(index int) *pieceBuffer {
	if buf, ok := s.buffers[index]; ok {
		return buf
	}
	buf := &pieceBuffer{
		data:     make([]byte, s.meta.PieceSize(index)),
		received: make(map[int]bool),
		reserved: make(map[int]reservation),
	}
	s.buffers[index] = buf
	s.states[index] = pieceInFlight
	return buf
}

func (s *Store) reserveInPieceLocked(index int, session string) (BlockRef, bool) {
	size := s.meta.PieceSize(index)
	buf := s.ensureBufferLocked(index)

	for begin := 0; begin < size; begin += BlockSize {
		if buf.received[begin] {
			continue
		}
		if res, ok := buf.reserved[begin]; ok && time.Since(res.at) <= s.requestTimeout {
			continue
		}
		buf.reserved[begin] = reservation{session: session, at: time.Now()}
		length := min(BlockSize, size-begin)
		return BlockRef{Index: index, Begin: begin, Length: length}, true
	}
	return BlockRef{}, false
}

func (s *Store) countReservedLocked(session string) int {
	count := 0
	for _, buf := range s.buffers {
		for _, res := range buf.reserved {
			if res.session == session {
				count++
			}
		}
	}
	return count
}
