// Package store owns the on-disk target file: pre-allocation, the startup
// verification scan that rebuilds the local availability bitmap, and the
// read/write operations peer sessions use to serve and persist pieces.
package store

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/matei-oltean/gotorrent/internal/bitfield"
	"github.com/matei-oltean/gotorrent/internal/metainfo"
	"github.com/matei-oltean/gotorrent/internal/queue"
)

// maxReadRange bounds a single read_range request; the wire protocol
// convention is 16 KiB blocks with remote requests rarely exceeding 128 KiB,
// but a misbehaving peer could ask for more.
const maxReadRange = 256 * 1024

// Store serializes all file access behind a single mutex covering
// seek/write-equivalent offset access and the local bitmap it guards.
type Store struct {
	mu    sync.Mutex
	file  *os.File
	info  *metainfo.Info
	local bitfield.Bitfield
	queue *queue.Needed
}

// Open creates or opens the target file under dir, named after info.Name,
// pre-allocates it to info.Length, then scans every piece to rebuild the
// local bitmap -- so a crashed run resumes from the last verified piece
// without any separate sidecar state file.
func Open(dir string, info *metainfo.Info) (*Store, error) {
	path := filepath.Join(dir, info.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create output dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	if err := preallocate(file, info.Length); err != nil {
		file.Close()
		return nil, fmt.Errorf("store: preallocate %s: %w", path, err)
	}

	s := &Store{
		file:  file,
		info:  info,
		local: bitfield.New(info.PieceCount()),
	}
	needed, err := s.scan()
	if err != nil {
		file.Close()
		return nil, err
	}
	s.queue = queue.New(needed)
	return s, nil
}

// preallocate extends file to exactly length bytes by seeking to the last
// byte and writing a single zero, avoiding a sparse-file short read on the
// first verification scan of a freshly created file.
func preallocate(file *os.File, length int64) error {
	if length <= 0 {
		return nil
	}
	if _, err := file.Seek(length-1, 0); err != nil {
		return err
	}
	if _, err := file.Write([]byte{0}); err != nil {
		return err
	}
	return nil
}

// scan hashes every piece on disk against the expected digest, setting the
// local bitmap bit on match, and returns the indices that still need to be
// downloaded, in ascending order.
func (s *Store) scan() ([]int, error) {
	var needed []int
	buf := make([]byte, s.info.PieceLength)
	for i := 0; i < s.info.PieceCount(); i++ {
		n := int(s.info.PieceLen(i))
		chunk := buf[:n]
		if _, err := s.file.ReadAt(chunk, int64(i)*s.info.PieceLength); err != nil {
			return nil, fmt.Errorf("store: scan piece %d: %w", i, err)
		}
		if sha1.Sum(chunk) == s.info.PieceHashes[i] {
			s.local.Set(i)
		} else {
			needed = append(needed, i)
		}
	}
	return needed, nil
}

// WritePiece persists a verified piece's bytes at its canonical offset and
// marks it present in the local bitmap. Callers must have already checked
// the piece's hash; WritePiece does not re-verify.
func (s *Store) WritePiece(index int, data []byte) error {
	if index < 0 || index >= s.info.PieceCount() {
		return fmt.Errorf("store: piece index %d out of range", index)
	}
	if int64(len(data)) != s.info.PieceLen(index) {
		return fmt.Errorf("store: piece %d: got %d bytes, want %d", index, len(data), s.info.PieceLen(index))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.WriteAt(data, int64(index)*s.info.PieceLength); err != nil {
		return fmt.Errorf("store: write piece %d: %w", index, err)
	}
	s.local.Set(index)
	return nil
}

// ReadRange reads length bytes starting at the given absolute file offset,
// used to answer a remote peer's block request. It rejects lengths above
// maxReadRange to bound the work a single malicious request can demand.
func (s *Store) ReadRange(offset int64, length int) ([]byte, error) {
	if length <= 0 || length > maxReadRange {
		return nil, fmt.Errorf("store: read range length %d out of bounds", length)
	}
	if offset < 0 || offset+int64(length) > s.info.Length {
		return nil, fmt.Errorf("store: read range [%d,%d) out of bounds", offset, offset+int64(length))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, length)
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("store: read range: %w", err)
	}
	return buf, nil
}

// HasPiece reports whether piece index is verified present locally.
func (s *Store) HasPiece(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.Get(index)
}

// LocalBitfield returns a snapshot copy of the local bitmap, suitable for
// sending as a peer session's initial bitfield message.
func (s *Store) LocalBitfield() bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.Clone()
}

// TakeNextNeeded pops the next piece index a session should attempt, or
// ok=false if the queue is currently empty.
func (s *Store) TakeNextNeeded() (index int, ok bool) {
	return s.queue.PopFront()
}

// RequeueFront pushes index back to the front of the needed queue, used
// when a session fails to complete a piece it had claimed.
func (s *Store) RequeueFront(index int) {
	s.queue.PushFront(index)
}

// Completed reports whether every piece in the torrent is verified present.
func (s *Store) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.All(s.info.PieceCount())
}

// Progress returns (completed, total) piece counts for periodic logging.
func (s *Store) Progress() (completed, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.Count(s.info.PieceCount()), s.info.PieceCount()
}

// HasAny reports whether the local bitmap has at least one piece set,
// which governs whether a session sends a bitfield/unchoke on connect.
func (s *Store) HasAny() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.Any(s.info.PieceCount())
}

// NeededRemaining reports how many pieces are still queued for download.
func (s *Store) NeededRemaining() int {
	return s.queue.Len()
}

// Info returns the metainfo this store was opened against.
func (s *Store) Info() *metainfo.Info {
	return s.info
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	return s.file.Close()
}
