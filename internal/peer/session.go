// Package peer runs one peer session: the BitTorrent handshake, the
// choke/interested state machine, piece acquisition in 16 KiB blocks, and
// answering the remote side's own piece requests from the file store.
// A session is symmetric -- the same state machine drives both a
// locally-dialed connection and one accepted on the listener.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/matei-oltean/gotorrent/internal/bitfield"
	"github.com/matei-oltean/gotorrent/internal/messaging"
	"github.com/matei-oltean/gotorrent/internal/metainfo"
	"github.com/matei-oltean/gotorrent/internal/store"
)

const (
	blockSize        = 16 * 1024
	maxRequestLength = 128 * 1024
	readTimeout      = 120 * time.Second
	dialTimeout      = 10 * time.Second
	maxHashMismatch  = 3
)

// Kind classifies a session-fatal failure.
type Kind string

const (
	KindHandshakeInfohashMismatch Kind = "handshake_infohash_mismatch"
	KindHandshakeProtocolMismatch Kind = "handshake_protocol_mismatch"
	KindUnknownMessage            Kind = "unknown_message"
	KindUnexpectedBlock           Kind = "unexpected_block"
	KindBlockOverrun              Kind = "block_overrun"
	KindPeerTimeout               Kind = "peer_timeout"
	KindPeerCorrupting            Kind = "peer_corrupting"
	KindBitfieldInvalid           Kind = "bitfield_invalid"
)

// Error wraps a session-ending failure with its Kind, so the orchestrator
// can log it without aborting sibling sessions.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("peer: %s: %s", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// inflight tracks the single piece a session may be downloading at once.
type inflight struct {
	index     int
	buffer    []byte
	received  map[uint32]bool
	missing   int64
	nextBegin uint32
}

// Session runs the message loop for one TCP connection to one peer.
type Session struct {
	conn     net.Conn
	inbound  bool
	peerAddr string

	infoHash [20]byte
	peerID   [20]byte
	remoteID [20]byte

	info  *metainfo.Info
	store *store.Store
	log   zerolog.Logger

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	remoteKnown    bool
	remote         bitfield.Bitfield
	sawMessage     bool

	current       *inflight
	hashMismatches int
}

// Dial opens an outbound TCP connection, performs the handshake as the
// initiator, and returns a ready-to-run Session.
func Dial(ctx context.Context, addr string, info *metainfo.Info, st *store.Store, peerID [20]byte, log zerolog.Logger) (*Session, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Kind: KindPeerTimeout, Err: err}
	}

	s := newSession(conn, addr, false, info, st, peerID, log)
	if err := s.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Accept completes the responder side of the handshake on a connection the
// orchestrator's listener has already accepted.
func Accept(conn net.Conn, info *metainfo.Info, st *store.Store, peerID [20]byte, log zerolog.Logger) (*Session, error) {
	s := newSession(conn, conn.RemoteAddr().String(), true, info, st, peerID, log)
	if err := s.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func newSession(conn net.Conn, addr string, inbound bool, info *metainfo.Info, st *store.Store, peerID [20]byte, log zerolog.Logger) *Session {
	return &Session{
		conn:        conn,
		inbound:     inbound,
		peerAddr:    addr,
		infoHash:    info.InfoHash,
		peerID:      peerID,
		info:        info,
		store:       st,
		log:         log.With().Str("peer", addr).Bool("inbound", inbound).Logger(),
		amChoking:   true,
		peerChoking: true,
	}
}

// handshake exchanges the fixed 68-byte greeting. Both sides write first,
// matching the simultaneous-send convention of the wire protocol.
func (s *Session) handshake() error {
	if _, err := s.conn.Write(messaging.Encode(s.infoHash, s.peerID)); err != nil {
		return &Error{Kind: KindPeerTimeout, Err: err}
	}

	s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	hs, err := messaging.ReadHandshake(s.conn)
	if err != nil {
		return &Error{Kind: KindHandshakeProtocolMismatch, Err: err}
	}
	if hs.InfoHash != s.infoHash {
		return &Error{Kind: KindHandshakeInfohashMismatch, Err: fmt.Errorf("got %x", hs.InfoHash)}
	}
	s.remoteID = hs.PeerID
	return nil
}

// Run drives the session to completion: initial message burst, then the
// read/dispatch loop until the connection closes, a fatal protocol error
// occurs, or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()
	defer func() {
		// A piece still in flight when the session ends goes back to the
		// front of the needed queue so another session can claim it.
		if s.current != nil {
			s.store.RequeueFront(s.current.index)
			s.current = nil
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	if err := s.sendInitial(); err != nil {
		return &Error{Kind: KindPeerTimeout, Err: err}
	}

	for {
		if s.store.Completed() {
			s.conn.Write(messaging.NotInterestedMsg())
			return nil
		}

		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		msg, err := messaging.ReadNonKeepAlive(s.conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return &Error{Kind: KindPeerTimeout, Err: err}
			}
			return nil // remote FIN: clean close, not a fatal process error
		}

		if err := s.dispatch(msg); err != nil {
			return err
		}

		if err := s.maybeRequestNext(); err != nil {
			return err
		}
	}
}

// sendInitial sends the bitfield/interested/unchoke burst immediately
// after a successful handshake, per the fixed send order.
func (s *Session) sendInitial() error {
	if s.store.HasAny() {
		if _, err := s.conn.Write(messaging.BitfieldMsg(s.store.LocalBitfield())); err != nil {
			return err
		}
	}
	if s.store.NeededRemaining() > 0 {
		s.amInterested = true
		if _, err := s.conn.Write(messaging.InterestedMsg()); err != nil {
			return err
		}
	}
	if s.store.HasAny() {
		s.amChoking = false
		if _, err := s.conn.Write(messaging.UnchokeMsg()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) dispatch(msg *messaging.Message) error {
	first := !s.sawMessage
	s.sawMessage = true
	switch msg.ID {
	case messaging.Choke:
		s.peerChoking = true
	case messaging.Unchoke:
		s.peerChoking = false
	case messaging.Interested:
		s.peerInterested = true
	case messaging.NotInterested:
		s.peerInterested = false
	case messaging.Have:
		index, err := messaging.ParseHave(msg.Payload)
		if err != nil {
			return &Error{Kind: KindUnknownMessage, Err: err}
		}
		s.ensureRemote()
		s.remote.Set(int(index))
	case messaging.Bitfield:
		want := bitfield.NumBytes(s.info.PieceCount())
		if len(msg.Payload) != want {
			return &Error{Kind: KindBitfieldInvalid, Err: fmt.Errorf("bitfield length %d, want %d", len(msg.Payload), want)}
		}
		if !first || s.remoteKnown {
			return &Error{Kind: KindBitfieldInvalid, Err: fmt.Errorf("bitfield sent after first message")}
		}
		s.remote = bitfield.Bitfield(append([]byte(nil), msg.Payload...))
		s.remoteKnown = true
	case messaging.Request:
		return s.handleRequest(msg.Payload)
	case messaging.Piece:
		return s.handlePiece(msg.Payload)
	case messaging.Cancel, messaging.Port:
		// accepted and ignored
	default:
		return &Error{Kind: KindUnknownMessage, Err: fmt.Errorf("unknown message id %d", msg.ID)}
	}
	return nil
}

func (s *Session) ensureRemote() {
	if !s.remoteKnown {
		s.remote = bitfield.New(s.info.PieceCount())
		s.remoteKnown = true
	}
}

// handleRequest answers a remote block request by reading from the store,
// iff we are not choking the peer, actually hold the requested piece, and
// the requested range lies within that piece.
func (s *Session) handleRequest(payload []byte) error {
	req, err := messaging.ParseRequest(payload)
	if err != nil {
		return &Error{Kind: KindUnknownMessage, Err: err}
	}
	if s.amChoking || req.Length > maxRequestLength || !s.store.HasPiece(int(req.Index)) ||
		int64(req.Begin)+int64(req.Length) > s.info.PieceLen(int(req.Index)) {
		return nil // requests while choking, for pieces we lack, or past the piece's end are dropped silently
	}
	offset := int64(req.Index)*s.info.PieceLength + int64(req.Begin)
	data, err := s.store.ReadRange(offset, int(req.Length))
	if err != nil {
		return nil // out-of-range request: drop rather than fail the session
	}
	_, werr := s.conn.Write(messaging.PieceMsg(req.Index, req.Begin, data))
	return werr
}

// handlePiece implements block reassembly: §4.5 steps 1-6.
func (s *Session) handlePiece(payload []byte) error {
	p, err := messaging.ParsePiece(payload)
	if err != nil {
		return &Error{Kind: KindUnknownMessage, Err: err}
	}
	if s.current == nil || int(p.Index) != s.current.index {
		return &Error{Kind: KindUnexpectedBlock, Err: fmt.Errorf("block for piece %d, no matching in-flight piece", p.Index)}
	}
	pieceLen := s.info.PieceLen(s.current.index)
	if int64(p.Begin)+int64(len(p.Block)) > pieceLen {
		return &Error{Kind: KindBlockOverrun, Err: fmt.Errorf("block [%d,%d) overruns piece length %d", p.Begin, int64(p.Begin)+int64(len(p.Block)), pieceLen)}
	}

	if s.current.received[p.Begin] {
		return nil // duplicate block: ignore, do not double-count missing bytes
	}
	copy(s.current.buffer[p.Begin:], p.Block)
	s.current.received[p.Begin] = true
	s.current.missing -= int64(len(p.Block))

	if s.current.missing > 0 {
		s.current.nextBegin = nextMissingOffset(s.current, pieceLen)
		return s.requestBlock()
	}

	return s.finishPiece()
}

// nextMissingOffset scans for the lowest offset not yet received.
func nextMissingOffset(p *inflight, pieceLen int64) uint32 {
	for off := int64(0); off < pieceLen; off += blockSize {
		if !p.received[uint32(off)] {
			return uint32(off)
		}
	}
	return uint32(pieceLen)
}

func (s *Session) finishPiece() error {
	idx := s.current.index
	expected := s.info.PieceHashes[idx]
	if sha1.Sum(s.current.buffer) != expected {
		s.current = nil
		s.store.RequeueFront(idx)
		s.hashMismatches++
		if s.hashMismatches >= maxHashMismatch {
			return &Error{Kind: KindPeerCorrupting, Err: fmt.Errorf("repeated hash mismatch from peer")}
		}
		return nil
	}

	if err := s.store.WritePiece(idx, s.current.buffer); err != nil {
		s.current = nil
		return err
	}
	s.current = nil
	_, err := s.conn.Write(messaging.HaveMsg(uint32(idx)))
	return err
}

// maybeRequestNext begins downloading the next needed piece when unchoked,
// the remote bitmap is known, and no piece is currently in flight.
func (s *Session) maybeRequestNext() error {
	if s.peerChoking || !s.remoteKnown || s.current != nil {
		return nil
	}

	index, ok := s.store.TakeNextNeeded()
	if !ok {
		return nil
	}
	if !s.remote.Get(index) {
		s.store.RequeueFront(index)
		return nil
	}

	length := s.info.PieceLen(index)
	s.current = &inflight{
		index:    index,
		buffer:   make([]byte, length),
		received: make(map[uint32]bool),
		missing:  length,
	}
	return s.requestBlock()
}

// requestBlock issues the single outstanding request for the in-flight
// piece's lowest unreceived offset (pipeline depth 1).
func (s *Session) requestBlock() error {
	p := s.current
	pieceLen := s.info.PieceLen(p.index)
	begin := nextMissingOffset(p, pieceLen)
	length := blockSize
	if int64(begin)+int64(length) > pieceLen {
		length = int(pieceLen - int64(begin))
	}
	_, err := s.conn.Write(messaging.RequestMsg(uint32(p.index), begin, uint32(length)))
	return err
}
