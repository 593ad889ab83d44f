// Package messaging implements the wire format shared by every peer
// session: the fixed 68-byte handshake and the length-prefixed message
// framing that follows it.
package messaging

import (
	"fmt"
	"io"
)

// Protocol is the fixed protocol string sent in every handshake.
const Protocol = "BitTorrent protocol"

const handshakeLen = 1 + len(Protocol) + 8 + 20 + 20

// Handshake is the parsed 68-byte greeting exchanged by both sides of a
// connection immediately after connect, before any framed message.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Encode serialises a handshake for the given infohash and local peer id.
// The 8 reserved extension bytes are always sent as zero.
func Encode(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	// buf[1+len(Protocol) : 1+len(Protocol)+8] stays zero (reserved).
	copy(buf[1+len(Protocol)+8:], infoHash[:])
	copy(buf[1+len(Protocol)+8+20:], peerID[:])
	return buf
}

// ReadHandshake reads exactly one handshake from r. It validates the
// protocol string but not the infohash; the caller compares InfoHash
// against its own to decide whether to close the connection.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("messaging: read handshake: %w", err)
	}

	protoLen := int(buf[0])
	if 1+protoLen+8+20+20 != handshakeLen || protoLen != len(Protocol) {
		return nil, fmt.Errorf("messaging: handshake protocol length mismatch")
	}
	if string(buf[1:1+protoLen]) != Protocol {
		return nil, fmt.Errorf("messaging: unexpected protocol string %q", buf[1:1+protoLen])
	}

	var hs Handshake
	off := 1 + protoLen + 8
	copy(hs.InfoHash[:], buf[off:off+20])
	copy(hs.PeerID[:], buf[off+20:off+40])
	return &hs, nil
}
