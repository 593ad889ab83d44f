// Package session implements the orchestrator that owns one torrent's
// whole run: it loads the metainfo, opens the file store, announces to the
// tracker, listens for inbound peers, dials outbound ones, and supervises
// every resulting Peer Session.
package session

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/matei-oltean/gotorrent/internal/clientid"
	"github.com/matei-oltean/gotorrent/internal/metainfo"
	"github.com/matei-oltean/gotorrent/internal/peer"
	"github.com/matei-oltean/gotorrent/internal/store"
	"github.com/matei-oltean/gotorrent/internal/tracker"
)

const (
	portRangeStart = 6881
	portRangeEnd   = 6889

	progressInterval = 10 * time.Second
	shutdownGrace    = 5 * time.Second
)

// Config carries the orchestrator's inputs for a single run.
type Config struct {
	TorrentPath string
	OutputDir   string
	Logger      zerolog.Logger
}

// Session owns one torrent's download/seed run.
type Session struct {
	info   *metainfo.Info
	store  *store.Store
	peerID [20]byte
	log    zerolog.Logger

	listener net.Listener
	port     int
}

// New loads the torrent file and opens the file store, but does not yet
// announce or listen; call Run to start the download.
func New(cfg Config) (*Session, error) {
	runID := uuid.New()
	log := cfg.Logger.With().Str("run_id", runID.String()).Logger()

	info, err := metainfo.Load(cfg.TorrentPath)
	if err != nil {
		return nil, fmt.Errorf("session: load torrent: %w", err)
	}

	outDir := cfg.OutputDir
	if outDir == "" {
		outDir = "."
	}
	st, err := store.Open(outDir, info)
	if err != nil {
		return nil, fmt.Errorf("session: open store: %w", err)
	}

	id, err := clientid.New()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("session: generate peer id: %w", err)
	}

	return &Session{
		info:   info,
		store:  st,
		peerID: id,
		log:    log.With().Str("torrent", info.Name).Logger(),
	}, nil
}

// Close releases the file store and listener.
func (s *Session) Close() error {
	if s.listener != nil {
		s.listener.Close()
	}
	return s.store.Close()
}

// Run announces to the tracker, opens the listener, dials peers, and
// blocks until every piece is verified present or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	completed, total := s.store.Progress()
	s.log.Info().Int("completed", completed).Int("total", total).Msg("starting run")
	if s.store.Completed() {
		s.log.Info().Msg("torrent already complete")
		return nil
	}

	if err := s.listen(); err != nil {
		return fmt.Errorf("session: listen: %w", err)
	}
	defer s.listener.Close()

	res, err := s.announce(ctx)
	if err != nil {
		return fmt.Errorf("session: announce: %w", err)
	}
	s.log.Info().Int("peer_count", len(res.Peers)).Msg("tracker announce complete")

	group, gctx := errgroup.WithContext(ctx)

	go func() {
		<-gctx.Done()
		s.listener.Close()
	}()

	group.Go(func() error {
		s.acceptLoop(gctx)
		return nil
	})

	for _, addr := range res.Peers {
		addr := addr
		group.Go(func() error {
			s.runOutbound(gctx, addr)
			return nil
		})
	}

	group.Go(func() error {
		return s.watchCompletion(gctx)
	})

	if err := group.Wait(); err != nil && err != errDownloadComplete {
		return err
	}
	return nil
}

// errDownloadComplete is returned by watchCompletion to cancel the group's
// context and unblock the accept/dial goroutines once every piece is
// verified; it is not a real failure and Run swallows it.
var errDownloadComplete = fmt.Errorf("session: download complete")

// listen binds the first free port in the conventional BitTorrent range,
// scanning upward when the default is already in use.
func (s *Session) listen() error {
	var lastErr error
	for port := portRangeStart; port <= portRangeEnd; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			lastErr = err
			continue
		}
		s.listener = ln
		s.port = port
		s.log.Info().Int("port", port).Msg("listening")
		return nil
	}
	return fmt.Errorf("no free port in [%d,%d]: %w", portRangeStart, portRangeEnd, lastErr)
}

func (s *Session) announce(ctx context.Context) (*tracker.Response, error) {
	req := &tracker.AnnounceRequest{
		AnnounceURL: s.info.Announce,
		InfoHash:    s.info.InfoHash,
		PeerID:      s.peerID,
		Port:        s.port,
		Left:        s.info.Length,
	}
	return tracker.Announce(nil, req)
}

// acceptLoop hands every inbound connection to a new Peer Session until
// ctx is cancelled or the listener closes.
func (s *Session) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Msg("accept failed")
			return
		}
		go s.runSession(ctx, conn, true, conn.RemoteAddr().String())
	}
}

func (s *Session) runOutbound(ctx context.Context, addr string) {
	sess, err := peer.Dial(ctx, addr, s.info, s.store, s.peerID, s.log)
	if err != nil {
		s.log.Debug().Str("peer", addr).Err(err).Msg("dial/handshake failed")
		return
	}
	s.runLoop(ctx, sess, addr)
}

func (s *Session) runSession(ctx context.Context, conn net.Conn, inbound bool, addr string) {
	sess, err := peer.Accept(conn, s.info, s.store, s.peerID, s.log)
	if err != nil {
		s.log.Debug().Str("peer", addr).Err(err).Msg("inbound handshake failed")
		return
	}
	s.runLoop(ctx, sess, addr)
}

func (s *Session) runLoop(ctx context.Context, sess *peer.Session, addr string) {
	before, _ := s.store.Progress()
	if err := sess.Run(ctx); err != nil {
		s.log.Debug().Str("peer", addr).Err(err).Msg("session ended")
	}
	after, total := s.store.Progress()
	if after > before {
		s.log.Info().Int("completed", after).Int("total", total).Str("peer", addr).Msg("piece(s) committed")
	}
}

// watchCompletion polls for overall completion and exits the run once every
// piece is verified, giving in-flight sessions a grace period to finish.
func (s *Session) watchCompletion(ctx context.Context) error {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			completed, total := s.store.Progress()
			s.log.Info().Int("completed", completed).Int("total", total).Msg("progress")
			if s.store.Completed() {
				s.log.Info().Msg("download complete")
				<-time.After(shutdownGrace)
				s.listener.Close()
				return errDownloadComplete
			}
		}
	}
}
