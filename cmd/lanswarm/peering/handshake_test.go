package peering

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeSymmetry(t *testing.T) {
	infoHash := [20]byte{1, 2, 3}
	initiatorID := NewPeerID()
	responderID := NewPeerID()
	require.NotEqual(t, initiatorID, responderID)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		theirs Handshake
		err    error
	}
	responderCh := make(chan result, 1)
	go func() {
		theirs, err := respondHandshake(server, infoHash, responderID)
		responderCh <- result{theirs, err}
	}()

	theirs, err := initiateHandshake(client, infoHash, initiatorID)
	require.NoError(t, err)
	assert.Equal(t, responderID, theirs.PeerID)
	assert.Equal(t, infoHash, theirs.InfoHash)

	r := <-responderCh
	require.NoError(t, r.err)
	assert.Equal(t, initiatorID, r.theirs.PeerID)
}

func TestHandshakeInfoHashMismatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := respondHandshake(server, [20]byte{0xAA}, NewPeerID())
		errCh <- err
		server.Close()
	}()

	// The responder rejects before replying, so the initiator sees either
	// the closed pipe or a short read; no payload bytes are exchanged.
	_, err := initiateHandshake(client, [20]byte{0xBB}, NewPeerID())
	assert.Error(t, err)

	assert.ErrorIs(t, <-errCh, ErrBadHandshake)
}

func TestReadHandshakeRejectsBadFrames(t *testing.T) {
	good := Handshake{InfoHash: [20]byte{1}, PeerID: [20]byte{2}}.Marshal()
	require.Len(t, good, 68)

	badLen := append([]byte(nil), good...)
	badLen[0] = 20
	_, err := ReadHandshake(bytes.NewReader(badLen))
	assert.ErrorIs(t, err, ErrBadHandshake)

	badProto := append([]byte(nil), good...)
	badProto[1] = 'X'
	_, err = ReadHandshake(bytes.NewReader(badProto))
	assert.ErrorIs(t, err, ErrBadHandshake)

	_, err = ReadHandshake(bytes.NewReader(good[:40]))
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestPeerIDFormat(t *testing.T) {
	id := NewPeerID()
	assert.Equal(t, clientPrefix, string(id[:len(clientPrefix)]))
	for _, b := range id[len(clientPrefix):] {
		assert.GreaterOrEqual(t, b, byte('0'))
		assert.LessOrEqual(t, b, byte('9'))
	}
}
