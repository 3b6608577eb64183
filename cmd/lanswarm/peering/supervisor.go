package peering

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mcheviron/lanswarm/cmd/lanswarm/metainfo"
)

// dialState tracks retry pacing for one endpoint. A forbidden endpoint is
// ourselves and is never redialed.
type dialState struct {
	bo        *backoff.ExponentialBackOff
	next      time.Time
	forbidden bool
}

// Supervisor owns the live session set: it accepts inbound connections,
// dials tracker-reported peers with capped exponential back-off, and fans
// piece completions out to every session. Sessions are keyed by remote
// endpoint; they hold no pointer back here.
type Supervisor struct {
	cfg      Config
	meta     *metainfo.Metainfo
	store    *Store
	limiter  *rate.Limiter
	counters *Counters
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	dials    map[string]*dialState
	dialing  map[string]bool
	closed   bool

	wg sync.WaitGroup
}

func newSupervisor(cfg Config, meta *metainfo.Metainfo, store *Store,
	limiter *rate.Limiter, counters *Counters, log *zap.Logger) *Supervisor {

	return &Supervisor{
		cfg:      cfg,
		meta:     meta,
		store:    store,
		limiter:  limiter,
		counters: counters,
		log:      log,
		sessions: make(map[string]*Session),
		dials:    make(map[string]*dialState),
		dialing:  make(map[string]bool),
	}
}

// Serve accepts inbound connections until ctx is canceled.
func (v *Supervisor) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			v.log.Warn("Accept failed", zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		go v.handleInbound(ctx, conn)
	}
}

// handleInbound runs the responder handshake and promotes the connection to
// a session. A bad handshake closes only this socket; the listener lives on.
func (v *Supervisor) handleInbound(ctx context.Context, conn net.Conn) {
	conn.SetDeadline(time.Now().Add(v.cfg.DialTimeout))
	theirs, err := respondHandshake(conn, v.meta.InfoHash, v.cfg.PeerID)
	if err != nil {
		v.log.Warn("Rejected inbound handshake",
			zap.String("peer", conn.RemoteAddr().String()),
			zap.Error(err))
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	if theirs.PeerID == v.cfg.PeerID {
		// Connected to ourselves; drop silently.
		conn.Close()
		return
	}

	v.register(ctx, conn, theirs.PeerID)
}

// Reconcile dials every tracker-reported peer we are not already connected
// to, respecting the connection cap and per-endpoint back-off.
func (v *Supervisor) Reconcile(ctx context.Context, peers []PeerAddr) {
	now := time.Now()
	for _, p := range peers {
		addr := p.String()

		v.mu.Lock()
		busy := v.closed ||
			v.sessions[addr] != nil ||
			v.dialing[addr] ||
			len(v.sessions) >= v.cfg.MaxPeers
		if !busy {
			if ds := v.dials[addr]; ds != nil && (ds.forbidden || now.Before(ds.next)) {
				busy = true
			}
		}
		if !busy {
			v.dialing[addr] = true
		}
		v.mu.Unlock()

		if !busy {
			go v.dial(ctx, addr)
		}
	}
}

func (v *Supervisor) dial(ctx context.Context, addr string) {
	defer func() {
		v.mu.Lock()
		delete(v.dialing, addr)
		v.mu.Unlock()
	}()

	conn, err := net.DialTimeout("tcp", addr, v.cfg.DialTimeout)
	if err != nil {
		v.log.Debug("Dial failed", zap.String("peer", addr), zap.Error(err))
		v.dialFailed(addr)
		return
	}

	conn.SetDeadline(time.Now().Add(v.cfg.DialTimeout))
	theirs, err := initiateHandshake(conn, v.meta.InfoHash, v.cfg.PeerID)
	if err != nil {
		v.log.Warn("Outbound handshake failed", zap.String("peer", addr), zap.Error(err))
		conn.Close()
		v.dialFailed(addr)
		return
	}
	conn.SetDeadline(time.Time{})

	if theirs.PeerID == v.cfg.PeerID {
		conn.Close()
		v.mu.Lock()
		v.dials[addr] = &dialState{forbidden: true}
		v.mu.Unlock()
		return
	}

	v.mu.Lock()
	delete(v.dials, addr) // success resets back-off
	v.mu.Unlock()

	v.register(ctx, conn, theirs.PeerID)
}

func (v *Supervisor) dialFailed(addr string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ds := v.dials[addr]
	if ds == nil || ds.bo == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Second
		bo.MaxInterval = time.Minute
		bo.MaxElapsedTime = 0
		ds = &dialState{bo: bo}
		v.dials[addr] = ds
	}
	ds.next = time.Now().Add(ds.bo.NextBackOff())
}

func (v *Supervisor) register(ctx context.Context, conn net.Conn, remoteID [20]byte) {
	s := newSession(ctx, conn, remoteID, v.cfg, v.store, v.limiter, v.counters, v.log)

	v.mu.Lock()
	if v.closed || len(v.sessions) >= v.cfg.MaxPeers || v.sessions[s.id] != nil {
		v.mu.Unlock()
		conn.Close()
		return
	}
	v.sessions[s.id] = s
	v.wg.Add(1)
	v.mu.Unlock()

	v.log.Info("Peer session started", zap.String("peer", s.id))
	go func() {
		defer v.wg.Done()
		s.run()
		v.mu.Lock()
		delete(v.sessions, s.id)
		v.mu.Unlock()
	}()
}

// BroadcastHave fans a completed piece out to every live session. Delivery
// order across sessions is unspecified; duplicate Haves are harmless.
func (v *Supervisor) BroadcastHave(index int) {
	for _, s := range v.snapshot() {
		go s.NotifyHave(index)
	}
}

// SessionCount returns the number of live sessions.
func (v *Supervisor) SessionCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.sessions)
}

// Close tears every session down and waits for them to finish.
func (v *Supervisor) Close() {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()

	for _, s := range v.snapshot() {
		s.Close()
	}
	v.wg.Wait()
}

func (v *Supervisor) snapshot() []*Session {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]*Session, 0, len(v.sessions))
	for _, s := range v.sessions {
		out = append(out, s)
	}
	return out
}
