package peering

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Counters aggregates transfer totals across sessions for tracker announces.
type Counters struct {
	Uploaded   atomic.Int64
	Downloaded atomic.Int64
}

type frame struct {
	id      MessageID
	payload []byte
}

// Session drives one peer connection after a successful handshake. Receive
// and send run as separate goroutines sharing the socket, so keep-alives and
// uploads are never stalled behind a large inbound piece.
type Session struct {
	id       string // remote endpoint, "ip:port"
	conn     net.Conn
	cfg      Config
	store    *Store
	limiter  *rate.Limiter
	counters *Counters
	log      *zap.Logger

	remoteID [20]byte

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	remote         Bitfield
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	inflight       map[BlockRef]time.Time
	uploadQueue    []BlockRef
	outbox         []frame // control frames staged under mu, sent by flush

	out        chan frame
	uploadKick chan struct{}
	closeOnce  sync.Once

	downloaded atomic.Int64
	uploaded   atomic.Int64
}

func newSession(parent context.Context, conn net.Conn, remoteID [20]byte, cfg Config,
	store *Store, limiter *rate.Limiter, counters *Counters, log *zap.Logger) *Session {

	ctx, cancel := context.WithCancel(parent)
	id := conn.RemoteAddr().String()
	return &Session{
		id:          id,
		conn:        conn,
		cfg:         cfg,
		store:       store,
		limiter:     limiter,
		counters:    counters,
		log:         log.With(zap.String("peer", id)),
		remoteID:    remoteID,
		ctx:         ctx,
		cancel:      cancel,
		remote:      NewBitfield(store.meta.NumPieces()),
		amChoking:   true,
		peerChoking: true,
		inflight:    make(map[BlockRef]time.Time),
		out:         make(chan frame, 32),
		uploadKick:  make(chan struct{}, 1),
	}
}

// run blocks until the session ends, then releases everything the session
// held. Errors never escape: any failure is contained here.
func (s *Session) run() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()

	s.opening()
	err := s.readLoop()

	s.Close()
	wg.Wait()
	s.store.ReleaseSession(s.id)
	s.logClose(err)
}

// Close tears the session down; safe to call from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close()
	})
}

// NotifyHave announces a freshly completed piece to this peer.
func (s *Session) NotifyHave(index int) {
	s.send(MsgHave, formatHave(index))
	s.mu.Lock()
	s.updateInterestLocked()
	s.mu.Unlock()
	s.flush()
}

// Downloaded returns bytes of block payload received over this session.
func (s *Session) Downloaded() int64 { return s.downloaded.Load() }

// Uploaded returns bytes of block payload served over this session.
func (s *Session) Uploaded() int64 { return s.uploaded.Load() }

// opening sends our bitfield (when we hold at least one piece) and unchokes.
// The engine runs an unchoke-all policy.
func (s *Session) opening() {
	s.mu.Lock()
	if bf := s.store.Bitfield(); !bf.Empty() {
		s.queueLocked(MsgBitfield, bf.Bytes())
	}
	s.queueLocked(MsgUnchoke, nil)
	s.amChoking = false
	s.mu.Unlock()
	s.flush()
}

func (s *Session) readLoop() error {
	maxPayload := s.store.meta.PieceLength + 9
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return err
		}
		msg, err := ReadMessage(s.conn, maxPayload)
		if err != nil {
			return err
		}
		if msg == nil { // keep-alive
			continue
		}
		if err := s.handle(msg); err != nil {
			return err
		}
	}
}

func (s *Session) handle(msg *Message) error {
	switch msg.ID {
	case MsgChoke:
		s.mu.Lock()
		s.peerChoking = true
		// No Cancels are sent; dropping the bookkeeping and our store
		// reservations lets the blocks be re-issued after a future
		// unchoke.
		s.inflight = make(map[BlockRef]time.Time)
		s.mu.Unlock()
		s.store.ReleaseSession(s.id)
		return nil

	case MsgUnchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.pumpLocked()
		s.mu.Unlock()
		s.flush()
		return nil

	case MsgInterested, MsgNotInterested:
		s.mu.Lock()
		s.peerInterested = msg.ID == MsgInterested
		s.mu.Unlock()
		return nil

	case MsgHave:
		index, err := parseHave(msg.Payload)
		if err != nil {
			return err
		}
		if index >= s.store.meta.NumPieces() {
			return fmt.Errorf("%w: have for piece %d of %d", ErrProtocolViolation, index, s.store.meta.NumPieces())
		}
		s.mu.Lock()
		s.remote.Set(index)
		s.updateInterestLocked()
		s.pumpLocked()
		s.mu.Unlock()
		s.flush()
		return nil

	case MsgBitfield:
		bf, err := BitfieldFromBytes(msg.Payload, s.store.meta.NumPieces())
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.remote = bf
		s.updateInterestLocked()
		s.pumpLocked()
		s.mu.Unlock()
		s.flush()
		return nil

	case MsgRequest:
		ref, err := parseRequest(msg.Payload)
		if err != nil {
			return err
		}
		return s.handleRequest(ref)

	case MsgPiece:
		index, begin, block, err := parsePiece(msg.Payload)
		if err != nil {
			return err
		}
		return s.handlePiece(index, begin, block)

	case MsgCancel:
		ref, err := parseRequest(msg.Payload)
		if err != nil {
			return err
		}
		s.mu.Lock()
		for i, queued := range s.uploadQueue {
			if queued == ref {
				s.uploadQueue = append(s.uploadQueue[:i], s.uploadQueue[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		return nil

	default:
		// Unknown message ids are ignored; the framer already drained
		// the payload.
		s.log.Debug("Ignoring unknown message", zap.Uint8("id", byte(msg.ID)))
		return nil
	}
}

func (s *Session) handleRequest(ref BlockRef) error {
	if ref.Length > 2*BlockSize {
		return fmt.Errorf("%w: request for %d bytes", ErrProtocolViolation, ref.Length)
	}
	if err := s.store.checkRange(ref.Index, ref.Begin, ref.Length); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	s.mu.Lock()
	choking := s.amChoking
	s.mu.Unlock()
	if choking {
		return nil
	}
	if !s.store.Have(ref.Index) {
		s.log.Debug("Dropping request for piece we lack", zap.Int("piece", ref.Index))
		return nil
	}

	s.mu.Lock()
	s.uploadQueue = append(s.uploadQueue, ref)
	s.mu.Unlock()
	select {
	case s.uploadKick <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) handlePiece(index, begin int, block []byte) error {
	ref := BlockRef{Index: index, Begin: begin, Length: len(block)}

	s.mu.Lock()
	_, wanted := s.inflight[ref]
	delete(s.inflight, ref)
	s.mu.Unlock()

	if !wanted {
		// Unsolicited or stale block; not worth tearing the session down.
		s.log.Debug("Dropping unsolicited block", zap.Stringer("block", ref))
		return nil
	}

	s.downloaded.Add(int64(len(block)))
	s.counters.Downloaded.Add(int64(len(block)))

	outcome, err := s.store.DepositBlock(index, begin, block)
	if err != nil {
		return err
	}
	if outcome == DepositCompleted {
		s.log.Info("Completed piece", zap.Int("piece", index))
	}

	s.mu.Lock()
	s.updateInterestLocked()
	s.pumpLocked()
	s.mu.Unlock()
	s.flush()
	return nil
}

// pumpLocked tops the request pipeline up while the peer lets us download.
// Requests outstanding past the timeout are forgotten here and re-reserved
// through the store.
func (s *Session) pumpLocked() {
	now := time.Now()
	for ref, at := range s.inflight {
		if now.Sub(at) > s.cfg.RequestTimeout {
			delete(s.inflight, ref)
		}
	}

	if s.peerChoking || !s.amInterested {
		return
	}

	for len(s.inflight) < s.cfg.MaxPipeline {
		ref, ok := s.store.NextRequest(s.remote, s.id, s.cfg.MaxPipeline)
		if !ok {
			return
		}
		s.inflight[ref] = now
		s.queueLocked(MsgRequest, formatRequest(ref))
	}
}

// updateInterestLocked keeps am_interested equal to "the peer holds a piece
// we lack", transmitting the flag only on change.
func (s *Session) updateInterestLocked() {
	local := s.store.Bitfield()
	interested := false
	for i := 0; i < s.remote.Len(); i++ {
		if s.remote.Has(i) && !local.Has(i) {
			interested = true
			break
		}
	}

	if interested == s.amInterested {
		return
	}
	s.amInterested = interested
	if interested {
		s.queueLocked(MsgInterested, nil)
	} else {
		s.queueLocked(MsgNotInterested, nil)
	}
}

// queueLocked stages a control frame while mu is held; flush transmits it
// after the lock is released, so nothing ever blocks on the send channel
// with the state lock taken.
func (s *Session) queueLocked(id MessageID, payload []byte) {
	s.outbox = append(s.outbox, frame{id: id, payload: payload})
}

func (s *Session) flush() {
	s.mu.Lock()
	staged := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	for _, f := range staged {
		s.send(f.id, f.payload)
	}
}

func (s *Session) send(id MessageID, payload []byte) {
	select {
	case s.out <- frame{id: id, payload: payload}:
	case <-s.ctx.Done():
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval / 2)
	defer ticker.Stop()
	lastWrite := time.Now()

	write := func(emit func() error) bool {
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.KeepAliveInterval))
		if err := emit(); err != nil {
			s.Close()
			return false
		}
		lastWrite = time.Now()
		return true
	}

	for {
		select {
		case <-s.ctx.Done():
			return

		case f := <-s.out:
			if !write(func() error { return WriteMessage(s.conn, f.id, f.payload) }) {
				return
			}

		case <-s.uploadKick:
			for {
				ref, ok := s.popUpload()
				if !ok {
					break
				}
				block, err := s.store.ReadBlock(ref.Index, ref.Begin, ref.Length)
				if err != nil {
					s.log.Warn("Failed to read block for upload", zap.Stringer("block", ref), zap.Error(err))
					continue
				}
				if err := s.limiter.WaitN(s.ctx, ref.Length); err != nil {
					return
				}
				if !write(func() error { return WriteMessage(s.conn, MsgPiece, formatPiece(ref.Index, ref.Begin, block)) }) {
					return
				}
				s.uploaded.Add(int64(ref.Length))
				s.counters.Uploaded.Add(int64(ref.Length))
			}

		case <-ticker.C:
			if time.Since(lastWrite) >= s.cfg.KeepAliveInterval/2 {
				if !write(func() error { return WriteKeepAlive(s.conn) }) {
					return
				}
			}
		}
	}
}

func (s *Session) popUpload() (BlockRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.uploadQueue) == 0 {
		return BlockRef{}, false
	}
	ref := s.uploadQueue[0]
	s.uploadQueue = s.uploadQueue[1:]
	return ref, true
}

func (s *Session) logClose(err error) {
	switch {
	case err == nil, errors.Is(err, ErrPeerClosed), errors.Is(err, net.ErrClosed):
		s.log.Info("Peer disconnected",
			zap.Int64("downloaded", s.downloaded.Load()),
			zap.Int64("uploaded", s.uploaded.Load()))
	case errors.Is(err, ErrProtocolViolation):
		s.log.Warn("Closing session on protocol violation", zap.Error(err))
	default:
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			s.log.Info("Closing idle session")
			return
		}
		s.log.Warn("Session ended", zap.Error(err))
	}
}
