// Package billystore is the default filestore.Store implementation,
// backed by a github.com/go-git/go-billy/v5 filesystem rather than
// talking to os directly, so tests can run against memfs and an
// embedding server can chroot the content root.
//
// Open file handles are cached across mutable-file writes in a small
// LRU (groupcache/lru) of billy.File handles, keyed by
// file-identifier.
package billystore

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
	"github.com/golang/groupcache/lru"
)

// Store stores each file-identifier's content as a same-named file
// under a billy.Filesystem root.
type Store struct {
	fs   billy.Filesystem
	next atomic.Uint32

	mu    sync.Mutex
	fdLRU *lru.Cache // id (uint32) -> billy.File, bounded open-descriptor cache
}

// New returns a Store rooted at fs, keeping at most maxOpenFDs
// descriptors open at once (0 selects a small default).
func New(fs billy.Filesystem, maxOpenFDs int) *Store {
	if maxOpenFDs <= 0 {
		maxOpenFDs = 64
	}
	s := &Store{fs: fs}
	s.fdLRU = lru.New(maxOpenFDs)
	s.fdLRU.OnEvicted = func(key lru.Key, value interface{}) {
		if f, ok := value.(billy.File); ok {
			_ = f.Close()
		}
	}
	return s
}

func (s *Store) path(id uint32) string {
	return strconv.FormatUint(uint64(id), 36)
}

// Create allocates a fresh file-identifier and an empty backing file.
func (s *Store) Create() (uint32, error) {
	id := s.next.Add(1)
	f, err := s.fs.Create(s.path(id))
	if err != nil {
		return 0, fmt.Errorf("billystore: create %d: %w", id, err)
	}
	defer f.Close()
	return id, nil
}

// Duplicate copies id's content (up to copyMax bytes) into a new
// file-identifier.
func (s *Store) Duplicate(id uint32, copyMax int64) (uint32, error) {
	src, err := s.fs.Open(s.path(id))
	if err != nil {
		return 0, fmt.Errorf("billystore: open %d: %w", id, err)
	}
	defer src.Close()

	newID, err := s.Create()
	if err != nil {
		return 0, err
	}
	dst, err := s.fs.OpenFile(s.path(newID), os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("billystore: open %d for write: %w", newID, err)
	}
	defer dst.Close()

	var r io.Reader = src
	if copyMax > 0 {
		r = io.LimitReader(src, copyMax)
	}
	if _, err := copyPooled(dst, r); err != nil {
		return 0, fmt.Errorf("billystore: copy %d -> %d: %w", id, newID, err)
	}
	return newID, nil
}

// copyPooled copies src into dst through a pooled scratch buffer, so
// a burst of small-file duplications (copy-on-write of a build tree,
// say) doesn't allocate a fresh buffer per file.
func copyPooled(dst io.Writer, src io.Reader) (int64, error) {
	buf := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// The pool holds *[]byte: sync.Pool wants pointer-like values, and a
// bare slice boxed into interface{} would allocate on every Get/Put.
var copyBufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 64*1024)
		return &b
	},
}

// Stat reports id's current content size.
func (s *Store) Stat(id uint32) (int64, error) {
	fi, err := s.fs.Stat(s.path(id))
	if err != nil {
		return 0, fmt.Errorf("billystore: stat %d: %w", id, err)
	}
	return fi.Size(), nil
}

// MakeReadOnly marks id's backing file read-only and drops any cached
// open write descriptor for it. Not every billy backend supports
// chmod (memfs doesn't); those that don't still get the descriptor
// flush.
func (s *Store) MakeReadOnly(id uint32) error {
	s.mu.Lock()
	s.fdLRU.Remove(uint32Key(id))
	s.mu.Unlock()
	if chmodFS, ok := s.fs.(billy.Change); ok {
		return chmodFS.Chmod(s.path(id), 0o444)
	}
	return nil
}

// Unlink physically removes id's backing file.
func (s *Store) Unlink(id uint32) error {
	s.mu.Lock()
	s.fdLRU.Remove(uint32Key(id))
	s.mu.Unlock()
	if err := s.fs.Remove(s.path(id)); err != nil {
		return fmt.Errorf("billystore: unlink %d: %w", id, err)
	}
	return nil
}

// Open returns a reader over id's current content.
func (s *Store) Open(id uint32) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("billystore: open %d: %w", id, err)
	}
	return f, nil
}

// OpenForWrite returns a cached writable billy.File for id, opening
// and caching it if not already open (the FdCache pattern).
func (s *Store) OpenForWrite(id uint32) (billy.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.fdLRU.Get(uint32Key(id)); ok {
		return v.(billy.File), nil
	}
	f, err := s.fs.OpenFile(s.path(id), os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("billystore: open %d for write: %w", id, err)
	}
	s.fdLRU.Add(uint32Key(id), f)
	return f, nil
}

type uint32Key uint32
