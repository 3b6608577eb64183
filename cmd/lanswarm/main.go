package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mcheviron/lanswarm/cmd/lanswarm/bencode"
	"github.com/mcheviron/lanswarm/cmd/lanswarm/metainfo"
	"github.com/mcheviron/lanswarm/cmd/lanswarm/peering"
	"github.com/mcheviron/lanswarm/cmd/lanswarm/tracker"
)

func init() {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

func main() {
	logger := zap.L()
	if len(os.Args) < 2 {
		logger.Error("Usage: lanswarm <decode|info|create|handshake|tracker|peer> ...")
		os.Exit(1)
	}
	command := os.Args[1]

	switch command {
	case "decode":
		if err := handleDecode(os.Args); err != nil {
			logger.Error("Failed to decode", zap.Error(err))
			os.Exit(1)
		}
	case "info":
		if err := handleInfo(os.Args); err != nil {
			logger.Error("Failed to get info", zap.Error(err))
			os.Exit(1)
		}
	case "create":
		if err := handleCreate(os.Args); err != nil {
			logger.Error("Failed to create torrent", zap.Error(err))
			os.Exit(1)
		}
	case "handshake":
		if err := handleHandshake(os.Args); err != nil {
			logger.Error("Failed to handshake", zap.Error(err))
			os.Exit(1)
		}
	case "tracker":
		if err := handleTracker(os.Args); err != nil {
			logger.Error("Tracker failed", zap.Error(err))
			os.Exit(1)
		}
	case "peer":
		if err := handlePeer(os.Args); err != nil {
			logger.Error("Peer engine failed", zap.Error(err))
			os.Exit(1)
		}
	default:
		logger.Error("Unknown command", zap.String("command", command))
		os.Exit(1)
	}
}

// Command handlers

func handleDecode(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: decode <bencoded-value>")
	}
	decoded, _, err := bencode.Decode[any]([]byte(args[2]))
	if err != nil {
		return err
	}
	jsonOutput, _ := json.Marshal(decoded)
	fmt.Println(string(jsonOutput))
	return nil
}

func handleInfo(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: info <torrent-file>")
	}

	meta, err := metainfo.Load(args[2])
	if err != nil {
		return err
	}

	fmt.Printf("Tracker URL: %s\n", meta.Announce)
	fmt.Printf("Name: %s\n", meta.Name)
	fmt.Printf("Length: %d\n", meta.TotalLength)
	fmt.Printf("Info Hash: %x\n", meta.InfoHash)
	fmt.Printf("Piece Length: %d\n", meta.PieceLength)
	fmt.Println("Piece Hashes:")
	for _, h := range meta.Pieces {
		fmt.Printf("%x\n", h)
	}
	return nil
}

func handleCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	output := fs.String("o", "", "output .torrent path")
	pieceLength := fs.Int("piece-length", metainfo.DefaultPieceLength, "piece length in bytes")
	if err := fs.Parse(args[2:]); err != nil {
		return err
	}
	if *output == "" || fs.NArg() != 2 {
		return fmt.Errorf("usage: create -o <output.torrent> <file> <announce-url>")
	}

	meta, err := metainfo.Build(fs.Arg(0), fs.Arg(1), *pieceLength)
	if err != nil {
		return err
	}
	if err := meta.Save(*output); err != nil {
		return err
	}

	fmt.Printf("Torrent created: %s\n", *output)
	fmt.Printf("Name: %s\n", meta.Name)
	fmt.Printf("Length: %d\n", meta.TotalLength)
	fmt.Printf("Pieces: %d\n", meta.NumPieces())
	fmt.Printf("Info Hash: %x\n", meta.InfoHash)
	return nil
}

func handleHandshake(args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("usage: handshake <torrent-file> <peer-address>")
	}

	meta, err := metainfo.Load(args[2])
	if err != nil {
		return err
	}

	remoteID, err := peering.ProbeHandshake(args[3], meta.InfoHash, peering.NewPeerID(), 3*time.Second)
	if err != nil {
		return err
	}

	fmt.Printf("Peer ID: %x\n", remoteID)
	return nil
}

func handleTracker(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: tracker <port>")
	}
	port, err := strconv.Atoi(args[2])
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %q", args[2])
	}

	logger := zap.L()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := tracker.NewServer(tracker.DefaultConfig(), logger)
	go srv.Run(ctx)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: srv.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("Tracker listening",
		zap.Int("port", port),
		zap.String("announce", fmt.Sprintf("http://localhost:%d/announce", port)),
		zap.String("stats", fmt.Sprintf("http://localhost:%d/stats", port)))

	if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("Tracker stopped")
	return nil
}

func handlePeer(args []string) error {
	fs := flag.NewFlagSet("peer", flag.ExitOnError)
	port := fs.Int("port", 0, "listen port, 0 for ephemeral")
	maxPeers := fs.Int("max-peers", 40, "maximum simultaneous peer sessions")
	if err := fs.Parse(args[2:]); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: peer [-port n] [-max-peers n] <torrent-file> [data-dir]")
	}

	meta, err := metainfo.Load(fs.Arg(0))
	if err != nil {
		return err
	}

	cfg := peering.DefaultConfig()
	cfg.ListenPort = *port
	cfg.MaxPeers = *maxPeers
	if fs.NArg() > 1 {
		cfg.DataDir = fs.Arg(1)
	}

	logger := zap.L()
	engine, err := peering.NewEngine(meta, cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return engine.Run(ctx)
}
