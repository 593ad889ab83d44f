package messaging

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ID identifies a framed message's type, sent as the first payload byte.
type ID uint8

const (
	Choke ID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
)

// maxMessageLen bounds a single frame to reject a peer that sends an
// implausibly large length prefix before we've even read the payload.
const maxMessageLen = 1 << 20

// Message is a parsed length-prefixed frame. A keep-alive (zero length,
// no id) decodes to a nil *Message with no error.
type Message struct {
	ID      ID
	Payload []byte
}

// Encode serialises msg as length-prefixed wire bytes.
func (m *Message) Encode() []byte {
	payLen := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+payLen)
	binary.BigEndian.PutUint32(buf, payLen)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// KeepAlive returns the 4 zero bytes that signal a keep-alive frame.
func KeepAlive() []byte {
	return []byte{0, 0, 0, 0}
}

// ReadMessage reads one frame, returning (nil, nil) for a keep-alive.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > maxMessageLen {
		return nil, fmt.Errorf("messaging: frame length %d exceeds limit", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("messaging: read frame payload: %w", err)
	}
	return &Message{ID: ID(buf[0]), Payload: buf[1:]}, nil
}

// ReadNonKeepAlive reads frames until a non-keep-alive message arrives.
func ReadNonKeepAlive(r io.Reader) (*Message, error) {
	for {
		msg, err := ReadMessage(r)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

func simple(id ID) []byte {
	return (&Message{ID: id}).Encode()
}

func ChokeMsg() []byte         { return simple(Choke) }
func UnchokeMsg() []byte       { return simple(Unchoke) }
func InterestedMsg() []byte    { return simple(Interested) }
func NotInterestedMsg() []byte { return simple(NotInterested) }

// HaveMsg announces possession of piece index.
func HaveMsg(index uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return (&Message{ID: Have, Payload: payload}).Encode()
}

// BitfieldMsg carries the sender's local bitmap bytes verbatim.
func BitfieldMsg(bits []byte) []byte {
	return (&Message{ID: Bitfield, Payload: bits}).Encode()
}

// RequestMsg asks for length bytes of piece index starting at begin.
func RequestMsg(index, begin, length uint32) []byte {
	return requestLike(Request, index, begin, length)
}

// CancelMsg has the same payload shape as RequestMsg.
func CancelMsg(index, begin, length uint32) []byte {
	return requestLike(Cancel, index, begin, length)
}

func requestLike(id ID, index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return (&Message{ID: id, Payload: payload}).Encode()
}

// PieceMsg carries block, a slice of piece index starting at begin.
func PieceMsg(index, begin uint32, block []byte) []byte {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return (&Message{ID: Piece, Payload: payload}).Encode()
}

// ParseHave extracts the piece index from a have message's payload.
func ParseHave(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("messaging: have payload length %d, want 4", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// RequestPayload is the parsed payload of a request or cancel message.
type RequestPayload struct {
	Index, Begin, Length uint32
}

// ParseRequest decodes a request/cancel message's 12-byte payload.
func ParseRequest(payload []byte) (*RequestPayload, error) {
	if len(payload) != 12 {
		return nil, fmt.Errorf("messaging: request payload length %d, want 12", len(payload))
	}
	return &RequestPayload{
		Index:  binary.BigEndian.Uint32(payload[0:4]),
		Begin:  binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

// PiecePayload is the parsed payload of a piece message.
type PiecePayload struct {
	Index, Begin uint32
	Block        []byte
}

// ParsePiece decodes a piece message's payload.
func ParsePiece(payload []byte) (*PiecePayload, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("messaging: piece payload length %d, want >= 8", len(payload))
	}
	return &PiecePayload{
		Index: binary.BigEndian.Uint32(payload[0:4]),
		Begin: binary.BigEndian.Uint32(payload[4:8]),
		Block: payload[8:],
	}, nil
}
