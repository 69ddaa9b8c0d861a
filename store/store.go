// Package store implements the on-disk block store: files and
// blocks laid out per local peer identity, atomic writes, and listing. The
// filesystem is abstracted behind afero.Fs the way node.Config abstracts
// its datadir behind one, so tests run against an in-memory filesystem
// instead of racing real disk I/O.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/dragoonfly-net/dragoonfly/logger"
)

var log = logger.New("store")

// ErrExists names the already-stored case. Put does not return it: a Put
// under a hash that is already stored is a no-op that returns nil.
var ErrExists = errors.New("store: block already exists")

// ErrMissing is returned by Get/Remove when no such block is on disk.
var ErrMissing = errors.New("store: block not found")

const (
	filesDir  = "files"
	blocksDir = "blocks"
)

// Store is the on-disk layout rooted at <root>/<local_peer_id>.
type Store struct {
	fs   afero.Fs
	root string // <root>/<local_peer_id>
}

// New returns a Store rooted at filepath.Join(root, localPeerID). If purge
// is set the identity's files directory is removed first, implementing the
// node's --replace-file-dir startup flag.
func New(afs afero.Fs, root, localPeerID string, purge bool) (*Store, error) {
	base := filepath.Join(root, localPeerID)
	if purge {
		// Purge only the file directory, not the whole identity dir: the
		// discovery and provider databases that live beside it survive a
		// --replace-file-dir restart.
		if err := afs.RemoveAll(filepath.Join(base, filesDir)); err != nil {
			return nil, fmt.Errorf("store: purge %s: %w", base, err)
		}
	}
	if err := afs.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("store: create root %s: %w", base, err)
	}
	return &Store{fs: afs, root: base}, nil
}

func (s *Store) blocksDir(fileHash string) string {
	return filepath.Join(s.root, filesDir, fileHash, blocksDir)
}

func (s *Store) blockPath(fileHash, blockHash string) string {
	return filepath.Join(s.blocksDir(fileHash), blockHash)
}

// Put writes bytes under (fileHash, blockHash). It is idempotent: since
// blockHash is a content-addressed digest of bytes (invariant 2), a second
// Put of identical content is a successful no-op; writing non-matching
// content under an existing hash cannot happen by construction and is not
// checked here; callers hash before calling Put.
func (s *Store) Put(fileHash, blockHash string, data []byte) error {
	dir := s.blocksDir(fileHash)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	dest := s.blockPath(fileHash, blockHash)
	if existing, err := afero.Exists(s.fs, dest); err == nil && existing {
		return nil
	}
	// Write-temp-then-rename for atomicity: a crash mid-write never
	// leaves a partial block visible under the final name.
	tmp := dest + fmt.Sprintf(".tmp-%d", randSuffix())
	f, err := s.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := s.fs.Rename(tmp, dest); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("store: rename into place: %w", err)
	}
	log.Debugf("put block file=%s block=%s size=%d", fileHash, blockHash, len(data))
	return nil
}

// Get reads the bytes stored under (fileHash, blockHash).
func (s *Store) Get(fileHash, blockHash string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.blockPath(fileHash, blockHash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("store: read %s/%s: %w", fileHash, blockHash, err)
	}
	return data, nil
}

// Has reports whether a block is present, without reading its content.
func (s *Store) Has(fileHash, blockHash string) bool {
	ok, _ := afero.Exists(s.fs, s.blockPath(fileHash, blockHash))
	return ok
}

// Size reports the on-disk size of a stored block.
func (s *Store) Size(fileHash, blockHash string) (int64, error) {
	info, err := s.fs.Stat(s.blockPath(fileHash, blockHash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrMissing
		}
		return 0, err
	}
	return info.Size(), nil
}

// List returns the block hashes stored for fileHash. It reads directory
// entries without holding any lock: concurrent Puts may make
// entries appear between two List calls, which is an accepted race, not a
// correctness bug.
func (s *Store) List(fileHash string) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.blocksDir(fileHash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list %s: %w", fileHash, err)
	}
	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.Contains(name, ".tmp-") {
			continue
		}
		hashes = append(hashes, name)
	}
	sort.Strings(hashes)
	return hashes, nil
}

// Remove deletes a single block.
func (s *Store) Remove(fileHash, blockHash string) error {
	err := s.fs.Remove(s.blockPath(fileHash, blockHash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrMissing
		}
		return fmt.Errorf("store: remove %s/%s: %w", fileHash, blockHash, err)
	}
	return nil
}

// Clear removes every block stored for fileHash, used by encode-file's
// replace flag to eliminate stale blocks from a prior encoding before new
// ones are written.
func (s *Store) Clear(fileHash string) error {
	dir := filepath.Join(s.root, filesDir, fileHash)
	if err := s.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("store: clear %s: %w", fileHash, err)
	}
	return nil
}

// FileDir returns the directory a decoded output should be written next to
func (s *Store) FileDir(fileHash string) string {
	return filepath.Join(s.root, filesDir, fileHash)
}

const descriptorName = "descriptor.json"

func (s *Store) descriptorPath(fileHash string) string {
	return filepath.Join(s.FileDir(fileHash), descriptorName)
}

// PutDescriptor persists the codec descriptor alongside a file's blocks
// directory, not inside it (so List/Clear never see it as a block). Without
// this, not even the node that produced the blocks could later decode them:
// a block's row and commitment are only meaningful relative to the matrix
// construction the descriptor records, and the Random method's matrix
// additionally depends on a seed that cannot be recovered from the blocks
// alone.
func (s *Store) PutDescriptor(fileHash string, data []byte) error {
	dir := s.FileDir(fileHash)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	dest := s.descriptorPath(fileHash)
	tmp := dest + fmt.Sprintf(".tmp-%d", randSuffix())
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write descriptor temp file: %w", err)
	}
	if err := s.fs.Rename(tmp, dest); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("store: rename descriptor into place: %w", err)
	}
	return nil
}

// GetDescriptor reads back a file's persisted descriptor.
func (s *Store) GetDescriptor(fileHash string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.descriptorPath(fileHash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("store: read descriptor %s: %w", fileHash, err)
	}
	return data, nil
}

// HasDescriptor reports whether a descriptor has been persisted for fileHash.
func (s *Store) HasDescriptor(fileHash string) bool {
	ok, _ := afero.Exists(s.fs, s.descriptorPath(fileHash))
	return ok
}

// Root returns the store's root directory (<root>/<local_peer_id>).
func (s *Store) Root() string { return s.root }

// FS exposes the underlying afero filesystem for callers that need to
// write decoded output files alongside a block directory.
func (s *Store) FS() afero.Fs { return s.fs }

var tmpCounter uint64

// randSuffix produces a per-process-unique suffix for temp file names so
// concurrent Puts of different blocks never collide on the same temp path.
func randSuffix() uint64 {
	return atomic.AddUint64(&tmpCounter, 1)
}
