package peering

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	protocolString = "BitTorrent protocol"
	handshakeLen   = 68
)

// ErrBadHandshake covers a malformed frame or an info hash we do not serve.
var ErrBadHandshake = errors.New("bad handshake")

// Handshake is the fixed 68-byte connection preamble. Reserved bytes are
// always zero; no extensions are negotiated.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Marshal encodes the handshake frame.
func (h Handshake) Marshal() []byte {
	frame := make([]byte, 0, handshakeLen)
	frame = append(frame, byte(len(protocolString)))
	frame = append(frame, protocolString...)
	frame = append(frame, make([]byte, 8)...) // reserved
	frame = append(frame, h.InfoHash[:]...)
	frame = append(frame, h.PeerID[:]...)
	return frame
}

// ReadHandshake reads and validates one handshake frame. Received reserved
// bits are ignored.
func ReadHandshake(r io.Reader) (Handshake, error) {
	frame := make([]byte, handshakeLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return Handshake{}, closedOr(err)
	}

	if frame[0] != byte(len(protocolString)) || !bytes.Equal(frame[1:20], []byte(protocolString)) {
		return Handshake{}, fmt.Errorf("%w: unknown protocol identifier", ErrBadHandshake)
	}

	var h Handshake
	copy(h.InfoHash[:], frame[28:48])
	copy(h.PeerID[:], frame[48:68])
	return h, nil
}

// initiateHandshake runs the dialing side: send ours, read theirs, verify the
// info hash matches the torrent we dialed for.
func initiateHandshake(conn net.Conn, infoHash, peerID [20]byte) (Handshake, error) {
	if _, err := conn.Write(Handshake{InfoHash: infoHash, PeerID: peerID}.Marshal()); err != nil {
		return Handshake{}, err
	}

	theirs, err := ReadHandshake(conn)
	if err != nil {
		return Handshake{}, err
	}
	if theirs.InfoHash != infoHash {
		return Handshake{}, fmt.Errorf("%w: info hash mismatch", ErrBadHandshake)
	}
	return theirs, nil
}

// ProbeHandshake dials addr, runs the initiator handshake for infoHash and
// returns the remote peer id. Debugging aid for the handshake subcommand.
func ProbeHandshake(addr string, infoHash, peerID [20]byte, timeout time.Duration) ([20]byte, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return [20]byte{}, fmt.Errorf("failed to connect to peer: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))
	theirs, err := initiateHandshake(conn, infoHash, peerID)
	if err != nil {
		return [20]byte{}, err
	}
	return theirs.PeerID, nil
}

// respondHandshake runs the accepting side: read theirs first, verify we
// serve that torrent, then reply.
func respondHandshake(conn net.Conn, infoHash, peerID [20]byte) (Handshake, error) {
	theirs, err := ReadHandshake(conn)
	if err != nil {
		return Handshake{}, err
	}
	if theirs.InfoHash != infoHash {
		return Handshake{}, fmt.Errorf("%w: info hash mismatch", ErrBadHandshake)
	}

	if _, err := conn.Write(Handshake{InfoHash: infoHash, PeerID: peerID}.Marshal()); err != nil {
		return Handshake{}, err
	}
	return theirs, nil
}
