package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// infoDict assembles an info sub-dictionary's bencode with keys in the
// sorted order the decoder requires: length, name, piece length, pieces.
func infoDict(name string, length, pieceLength int64, pieces []byte) string {
	return fmt.Sprintf("d6:lengthi%de4:name%d:%s12:piece lengthi%de6:pieces%d:%se",
		length, len(name), name, pieceLength, len(pieces), pieces)
}

// buildTorrent assembles a minimal single-file torrent's bencode by hand so
// tests do not depend on golden fixture files. Top-level keys are in
// sorted order: announce, info.
func buildTorrent(announce, name string, length, pieceLength int64, pieces []byte) []byte {
	info := infoDict(name, length, pieceLength, pieces)
	return []byte(fmt.Sprintf("d8:announce%d:%s4:info%se", len(announce), announce, info))
}

func hashOf(data []byte) [20]byte {
	return sha1.Sum(data)
}

func TestParseSinglePiece(t *testing.T) {
	piece := bytes.Repeat([]byte{'A'}, 16384)
	h := hashOf(piece)
	raw := buildTorrent("http://tracker.example/announce", "file.bin", 16384, 16384, h[:])

	info, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "file.bin", info.Name)
	require.Equal(t, int64(16384), info.Length)
	require.Equal(t, int64(16384), info.PieceLength)
	require.Equal(t, "http://tracker.example/announce", info.Announce)
	require.Equal(t, 1, info.PieceCount())
	require.Equal(t, h, info.PieceHashes[0])
	require.Equal(t, int64(16384), info.PieceLen(0))
}

func TestParseLastPieceShort(t *testing.T) {
	h1 := hashOf(bytes.Repeat([]byte{1}, 16384))
	h2 := hashOf(bytes.Repeat([]byte{2}, 16384))
	h3 := hashOf(bytes.Repeat([]byte{3}, 7232))
	pieces := append(append(h1[:], h2[:]...), h3[:]...)

	raw := buildTorrent("http://tracker.example/announce", "file.bin", 40000, 16384, pieces)
	info, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, 3, info.PieceCount())
	require.Equal(t, int64(16384), info.PieceLen(0))
	require.Equal(t, int64(16384), info.PieceLen(1))
	require.Equal(t, int64(7232), info.PieceLen(2))
}

func TestInfoHashIsOverRawBytesNotReencoding(t *testing.T) {
	piece := bytes.Repeat([]byte{9}, 10)
	h := hashOf(piece)
	raw := buildTorrent("http://tracker.example/announce", "f", 10, 10, h[:])

	info, err := Parse(raw)
	require.NoError(t, err)

	infoStart := bytes.Index(raw, []byte("4:info")) + len("4:info")
	infoRaw := raw[infoStart : len(raw)-1] // strip the outer dict's trailing 'e'
	require.Equal(t, sha1.Sum(infoRaw), info.InfoHash)
}

func TestInfoHashStableAcrossUnrelatedKeyOrder(t *testing.T) {
	piece := bytes.Repeat([]byte{7}, 10)
	h := hashOf(piece)
	info := infoDict("f", 10, 10, h[:])
	torrent1 := []byte(fmt.Sprintf("d8:announce7:http://4:info%se", info))
	// torrent2 carries an extra top-level key that sorts before "info" but
	// after "announce"; the infohash must not move even though the bytes
	// surrounding the info dictionary changed.
	torrent2 := []byte(fmt.Sprintf("d8:announce7:http://7:comment4:demo4:info%se", info))

	i1, err := Parse(torrent1)
	require.NoError(t, err)
	i2, err := Parse(torrent2)
	require.NoError(t, err)
	require.Equal(t, i1.InfoHash, i2.InfoHash)
}

func TestParseRejectsMissingAnnounce(t *testing.T) {
	info := infoDict("f", 10, 10, nil)
	raw := []byte(fmt.Sprintf("d4:info%se", info))
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestParseRejectsBadPiecesLength(t *testing.T) {
	info := infoDict("f", 10, 10, []byte("abc"))
	raw := []byte(fmt.Sprintf("d8:announce7:http://4:info%se", info))
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestParseRejectsNonPositivePieceLength(t *testing.T) {
	info := infoDict("f", 10, 0, nil)
	raw := []byte(fmt.Sprintf("d8:announce7:http://4:info%se", info))
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestParseRejectsPieceCountMismatch(t *testing.T) {
	h := hashOf([]byte("x"))
	info := infoDict("f", 30, 10, h[:])
	raw := []byte(fmt.Sprintf("d8:announce7:http://4:info%se", info))
	_, err := Parse(raw)
	require.Error(t, err)
}
