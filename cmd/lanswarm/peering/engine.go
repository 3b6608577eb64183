// Package peering implements the peer engine: piece storage with digest
// verification, per-peer protocol sessions, the session supervisor and the
// tracker client.
package peering

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mcheviron/lanswarm/cmd/lanswarm/metainfo"
)

// Engine wires the piece store, supervisor and announcer together for one
// torrent and runs them until its context is canceled or a fatal storage
// error strikes.
type Engine struct {
	cfg  Config
	meta *metainfo.Metainfo
	log  *zap.Logger

	store *Store
	sup   *Supervisor
	ann   *Announcer
	ln    net.Listener
	port  int

	counters   Counters
	completeCh chan struct{}
}

// NewEngine opens the data file and binds the listen port. Both failures are
// fatal initialization errors for the caller to exit on.
func NewEngine(meta *metainfo.Metainfo, cfg Config, log *zap.Logger) (*Engine, error) {
	store, err := OpenStore(meta, cfg.DataDir, cfg.RequestTimeout, log)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ListenPort))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to bind listen port: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		meta:       meta,
		log:        log,
		store:      store,
		ln:         ln,
		port:       ln.Addr().(*net.TCPAddr).Port,
		completeCh: make(chan struct{}, 1),
	}

	burst := 2 * BlockSize
	if cfg.UploadRate != rate.Inf && int(cfg.UploadRate) > burst {
		burst = int(cfg.UploadRate)
	}
	limiter := rate.NewLimiter(cfg.UploadRate, burst)

	e.sup = newSupervisor(cfg, meta, store, limiter, &e.counters, log)
	e.ann = newAnnouncer(cfg, meta, e.port, e.statsSnapshot, log)

	e.log.Info("Engine ready",
		zap.String("name", meta.Name),
		zap.Int("pieces", meta.NumPieces()),
		zap.Int("port", e.port),
		zap.Int64("left", store.Left()))
	return e, nil
}

// Port returns the actual bound listen port.
func (e *Engine) Port() int { return e.port }

// Complete reports whether every piece is verified on disk.
func (e *Engine) Complete() bool { return e.store.Complete() }

// Stats returns cumulative uploaded and downloaded payload bytes and the
// bytes still missing.
func (e *Engine) Stats() (uploaded, downloaded, left int64) {
	return e.statsSnapshot()
}

func (e *Engine) statsSnapshot() (int64, int64, int64) {
	return e.counters.Uploaded.Load(), e.counters.Downloaded.Load(), e.store.Left()
}

// Run blocks until ctx is canceled (clean shutdown, returns nil) or a fatal
// storage error occurs (returns it). On the way out it closes every session,
// sends a best-effort stopped announce and flushes the store.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.sup.Serve(gctx, e.ln) })
	g.Go(func() error { e.announceLoop(gctx); return nil })
	g.Go(func() error { e.fanOut(gctx); return nil })
	g.Go(func() error { return e.watch(gctx) })

	err := g.Wait()

	e.sup.Close()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, aerr := e.ann.Announce(stopCtx, EventStopped); aerr != nil {
		e.log.Debug("Stopped announce failed", zap.Error(aerr))
	}

	if cerr := e.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// announceLoop drives the tracker conversation: started immediately,
// completed on the first all-pieces transition, then periodic re-announces
// at the advertised interval. Announce failures are logged and retried at
// the next interval.
func (e *Engine) announceLoop(ctx context.Context) {
	interval := e.cfg.AnnounceInterval

	peers, iv, err := e.ann.Announce(ctx, EventStarted)
	if err != nil {
		e.log.Warn("Tracker announce failed", zap.Error(err))
	} else {
		interval = iv
		e.sup.Reconcile(ctx, peers)
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-e.completeCh:
			if _, _, err := e.ann.Announce(ctx, EventCompleted); err != nil {
				e.log.Warn("Completed announce failed", zap.Error(err))
			}
			e.log.Info("Download complete, seeding", zap.String("name", e.meta.Name))

		case <-timer.C:
			peers, iv, err := e.ann.Announce(ctx, EventNone)
			if err != nil {
				e.log.Warn("Tracker announce failed", zap.Error(err))
			} else {
				interval = iv
				e.sup.Reconcile(ctx, peers)
			}
			timer.Reset(interval)
		}
	}
}

// fanOut relays piece completions to every session and signals the first
// transition to a full bitfield.
func (e *Engine) fanOut(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case index := <-e.store.Completions():
			e.sup.BroadcastHave(index)
			if e.store.Complete() {
				select {
				case e.completeCh <- struct{}{}:
				default:
				}
			}
		}
	}
}

// watch logs progress while downloading and turns storage failures into a
// fatal engine error.
func (e *Engine) watch(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.store.Err(); err != nil {
				return fmt.Errorf("storage failure: %w", err)
			}
			if !e.store.Complete() {
				done := e.meta.TotalLength - int(e.store.Left())
				e.log.Info("Progress",
					zap.String("done", fmt.Sprintf("%.1f%%", 100*float64(done)/float64(e.meta.TotalLength))),
					zap.Int("peers", e.sup.SessionCount()))
			}
		}
	}
}
