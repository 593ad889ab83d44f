// Package metainfo parses a .torrent file's bencoded dictionary into the
// fields the rest of the client needs: the file name, total length, piece
// length, concatenated piece hashes, and the infohash of the raw info
// sub-dictionary.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"os"

	"github.com/matei-oltean/gotorrent/internal/bencode"
)

const hashLen = 20

// Info describes a single-file torrent (multi-file torrents are a
// non-goal). PieceHashes[i] is the expected SHA-1 digest of piece i.
type Info struct {
	InfoHash    [hashLen]byte
	Name        string
	Length      int64
	PieceLength int64
	PieceHashes [][hashLen]byte
	Announce    string
}

// PieceCount returns ceil(Length / PieceLength).
func (i *Info) PieceCount() int {
	return len(i.PieceHashes)
}

// PieceLen returns the exact length of piece index, accounting for the
// final piece being shorter than PieceLength when Length is not a multiple
// of it.
func (i *Info) PieceLen(index int) int64 {
	if index == i.PieceCount()-1 {
		return i.Length - int64(index)*i.PieceLength
	}
	return i.PieceLength
}

// Load reads and parses the torrent file at path.
func Load(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes the bencoded dictionary in data as a torrent file, routing
// field extraction through bencode.Dispatch: a handler per recognised key,
// with any other key (such as the announce-list extension this client does
// not use) silently skipped by the codec.
func Parse(data []byte) (*Info, error) {
	top, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	if top.Type != bencode.TypeDict {
		return nil, fmt.Errorf("metainfo: torrent file is not a dictionary")
	}

	var announce []byte
	var infoVal *bencode.Value
	var haveAnnounce, haveInfo bool

	err = bencode.Dispatch(top, data, map[string]bencode.FieldHandler{
		"announce": func(v *bencode.Value, _ []byte) error {
			s, err := bencode.AsString(v)
			if err != nil {
				return err
			}
			announce, haveAnnounce = s, true
			return nil
		},
		"info": func(v *bencode.Value, _ []byte) error {
			if v.Type != bencode.TypeDict {
				return fmt.Errorf("expected a dictionary, got a %s", v.Type)
			}
			infoVal, haveInfo = v, true
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	if !haveAnnounce {
		return nil, fmt.Errorf("metainfo: missing required key \"announce\"")
	}
	if !haveInfo {
		return nil, fmt.Errorf("metainfo: missing required key \"info\"")
	}

	info, err := parseInfo(infoVal, data)
	if err != nil {
		return nil, err
	}
	info.Announce = string(announce)
	return info, nil
}

// parseInfo builds an Info from the already-decoded info sub-dictionary.
// The infohash is computed over infoVal.Raw(buf): the exact bytes of the
// info dictionary as they appeared in the input, never a re-encoding of
// the parsed value (the one place re-encoding would silently produce a
// different hash than every other BitTorrent implementation).
func parseInfo(infoVal *bencode.Value, buf []byte) (*Info, error) {
	var name, pieces []byte
	var length, pieceLength int64
	var haveName, haveLength, havePieceLength, havePieces bool

	err := bencode.Dispatch(infoVal, buf, map[string]bencode.FieldHandler{
		"name": func(v *bencode.Value, _ []byte) error {
			s, err := bencode.AsString(v)
			if err != nil {
				return err
			}
			name, haveName = s, true
			return nil
		},
		"length": func(v *bencode.Value, _ []byte) error {
			n, err := bencode.AsInt(v)
			if err != nil {
				return err
			}
			length, haveLength = n, true
			return nil
		},
		"piece length": func(v *bencode.Value, _ []byte) error {
			n, err := bencode.AsInt(v)
			if err != nil {
				return err
			}
			pieceLength, havePieceLength = n, true
			return nil
		},
		"pieces": func(v *bencode.Value, _ []byte) error {
			s, err := bencode.AsString(v)
			if err != nil {
				return err
			}
			pieces, havePieces = s, true
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}

	if !haveName {
		return nil, fmt.Errorf("metainfo: missing required key \"info.name\"")
	}
	if !haveLength {
		return nil, fmt.Errorf("metainfo: missing required key \"info.length\"")
	}
	if length < 0 {
		return nil, fmt.Errorf("metainfo: info.length is negative: %d", length)
	}
	if !havePieceLength {
		return nil, fmt.Errorf("metainfo: missing required key \"info.piece length\"")
	}
	if pieceLength <= 0 {
		return nil, fmt.Errorf("metainfo: info.piece length must be positive, got %d", pieceLength)
	}
	if !havePieces {
		return nil, fmt.Errorf("metainfo: missing required key \"info.pieces\"")
	}
	if len(pieces)%hashLen != 0 {
		return nil, fmt.Errorf("metainfo: info.pieces length %d is not a multiple of %d", len(pieces), hashLen)
	}

	hashes := make([][hashLen]byte, len(pieces)/hashLen)
	for i := range hashes {
		copy(hashes[i][:], pieces[i*hashLen:(i+1)*hashLen])
	}

	expectedCount := int((length + pieceLength - 1) / pieceLength)
	if length == 0 {
		expectedCount = 0
	}
	if expectedCount != len(hashes) {
		return nil, fmt.Errorf("metainfo: piece count mismatch: pieces implies %d, length/piece_length implies %d", len(hashes), expectedCount)
	}

	return &Info{
		InfoHash:    sha1.Sum(infoVal.Raw(buf)),
		Name:        string(name),
		Length:      length,
		PieceLength: pieceLength,
		PieceHashes: hashes,
	}, nil
}
