package peering

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID tags the nine post-handshake payload shapes.
type MessageID byte

const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
)

var (
	// ErrProtocolViolation means the peer sent a frame we refuse to
	// process; the session closes.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrPeerClosed means the peer went away between or inside frames.
	// A short read at any framing boundary maps here, never to a parse
	// error.
	ErrPeerClosed = errors.New("peer closed connection")
)

// Message is a single non-keep-alive wire message.
type Message struct {
	ID      MessageID
	Payload []byte
}

// BlockRef identifies a block region within a piece.
type BlockRef struct {
	Index  int
	Begin  int
	Length int
}

func (b BlockRef) String() string {
	return fmt.Sprintf("%d/%d+%d", b.Index, b.Begin, b.Length)
}

// ReadMessage reads one length-prefixed message. Keep-alives decode to a nil
// message with nil error. Frames longer than maxPayload are a protocol
// violation.
func ReadMessage(r io.Reader, maxPayload int) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, closedOr(err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil // keep-alive
	}
	if int(length) > maxPayload {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds cap %d", ErrProtocolViolation, length, maxPayload)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, closedOr(err)
	}

	return &Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

// WriteMessage writes one framed message in a single conn write.
func WriteMessage(w io.Writer, id MessageID, payload []byte) error {
	frame := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+len(payload)))
	frame[4] = byte(id)
	copy(frame[5:], payload)

	_, err := w.Write(frame)
	return err
}

// WriteKeepAlive writes a zero-length frame.
func WriteKeepAlive(w io.Writer) error {
	_, err := w.Write([]byte{0, 0, 0, 0})
	return err
}

func formatHave(index int) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return payload
}

func parseHave(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: have payload of %d bytes", ErrProtocolViolation, len(payload))
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

func formatRequest(ref BlockRef) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(ref.Index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(ref.Begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(ref.Length))
	return payload
}

func parseRequest(payload []byte) (BlockRef, error) {
	if len(payload) != 12 {
		return BlockRef{}, fmt.Errorf("%w: request payload of %d bytes", ErrProtocolViolation, len(payload))
	}
	return BlockRef{
		Index:  int(binary.BigEndian.Uint32(payload[0:4])),
		Begin:  int(binary.BigEndian.Uint32(payload[4:8])),
		Length: int(binary.BigEndian.Uint32(payload[8:12])),
	}, nil
}

func formatPiece(index, begin int, block []byte) []byte {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return payload
}

func parsePiece(payload []byte) (index, begin int, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: piece payload of %d bytes", ErrProtocolViolation, len(payload))
	}
	index = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	return index, begin, payload[8:], nil
}

func closedOr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrPeerClosed
	}
	return err
}
