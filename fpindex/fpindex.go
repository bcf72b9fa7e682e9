// Package fpindex implements the fingerprint-to-file-identifier
// index: two deduplication tables, one mapping a content fingerprint
// to the pool short pointer of an immutable directory rep, the other
// mapping a content fingerprint to a file-identifier, both
// rebuildable from scratch by walking the pool in address order.
package fpindex

import (
	"sync"

	"github.com/vesta-scm/repository/fingerprint"
	"github.com/vesta-scm/repository/pool"
	"github.com/vesta-scm/repository/refcount"
)

// Index holds the two fingerprint dedup tables.
type Index struct {
	mu    sync.RWMutex
	dirs  map[fingerprint.Fingerprint]pool.ShortPtr
	files map[fingerprint.Fingerprint]refcount.FileID
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		dirs:  make(map[fingerprint.Fingerprint]pool.ShortPtr),
		files: make(map[fingerprint.Fingerprint]refcount.FileID),
	}
}

// PutDirectory records that fp's sealed directory contents are
// already represented at the immutable directory rep addr.
func (ix *Index) PutDirectory(fp fingerprint.Fingerprint, addr pool.ShortPtr) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.dirs[fp] = addr
}

// LookupDirectory returns the immutable directory rep already holding
// fp's content, if any.
func (ix *Index) LookupDirectory(fp fingerprint.Fingerprint) (pool.ShortPtr, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	addr, ok := ix.dirs[fp]
	return addr, ok
}

// PutFile records that fp's content is already stored under id.
func (ix *Index) PutFile(fp fingerprint.Fingerprint, id refcount.FileID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.files[fp] = id
}

// LookupFile returns the file-identifier already holding fp's
// content, if any.
func (ix *Index) LookupFile(fp fingerprint.Fingerprint) (refcount.FileID, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	id, ok := ix.files[fp]
	return id, ok
}

// Reset discards both tables, used immediately before a rebuild pass
// after a mark-sweep or checkpoint read.
func (ix *Index) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.dirs = make(map[fingerprint.Fingerprint]pool.ShortPtr)
	ix.files = make(map[fingerprint.Fingerprint]refcount.FileID)
}

// Len reports the number of directory and file entries currently
// indexed, for diagnostics and test assertions.
func (ix *Index) Len() (dirs, files int) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.dirs), len(ix.files)
}
