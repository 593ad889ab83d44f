package session

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/matei-oltean/gotorrent/internal/metainfo"
	"github.com/matei-oltean/gotorrent/internal/store"
)

func TestListenFallsBackWhenDefaultPortTaken(t *testing.T) {
	blocker, err := net.Listen("tcp", ":6881")
	if err != nil {
		t.Skipf("cannot bind :6881 in this environment: %v", err)
	}
	defer blocker.Close()

	info := &metainfo.Info{Name: "x.bin", Length: 4, PieceLength: 4, PieceHashes: [][20]byte{{}}}
	st, err := store.Open(t.TempDir(), info)
	require.NoError(t, err)
	defer st.Close()

	s := &Session{info: info, store: st, log: zerolog.Nop()}
	require.NoError(t, s.listen())
	defer s.listener.Close()

	require.NotEqual(t, portRangeStart, s.port)
	require.GreaterOrEqual(t, s.port, portRangeStart)
	require.LessOrEqual(t, s.port, portRangeEnd)
}

func TestNewRejectsMissingTorrentFile(t *testing.T) {
	_, err := New(Config{TorrentPath: "/nonexistent/path.torrent", OutputDir: t.TempDir(), Logger: zerolog.Nop()})
	require.Error(t, err)
}
