// Package repo is the root package: it wires every
// other package into a single Repository handle (the three singleton
// roots, the stable/volatile memory pools, the fingerprint and
// reference-count indices, the external file store, the transactional
// log, and the process-wide lock discipline) and
// exposes an operation facade that returns errs.Code the way an RPC
// boundary would. Repository is composed from the narrower packages
// rather than being one monolithic type.
package repo

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vesta-scm/repository/access"
	"github.com/vesta-scm/repository/dirnode"
	"github.com/vesta-scm/repository/errs"
	"github.com/vesta-scm/repository/filestore"
	"github.com/vesta-scm/repository/forward"
	"github.com/vesta-scm/repository/fpindex"
	"github.com/vesta-scm/repository/longid"
	"github.com/vesta-scm/repository/pool"
	"github.com/vesta-scm/repository/refcount"
	"github.com/vesta-scm/repository/txlog"
)

// maxForwardHops bounds how many Forwarding Pointer hops resolveName
// and LookupName will follow before giving up, guarding against an
// accidental cycle.
const maxForwardHops = 32

// LockStats holds cumulative wait-time counters per lock domain
// (stable, and volatile including per-subtree acquisitions): plain
// in-process bookkeeping, not an external metrics surface.
type LockStats struct {
	StableWaits, VolatileWaits         int64
	StableWaitNanos, VolatileWaitNanos int64
}

func (s *LockStats) record(volatile bool, d time.Duration) {
	if volatile {
		atomic.AddInt64(&s.VolatileWaits, 1)
		atomic.AddInt64(&s.VolatileWaitNanos, int64(d))
		return
	}
	atomic.AddInt64(&s.StableWaits, 1)
	atomic.AddInt64(&s.StableWaitNanos, int64(d))
}

// Snapshot returns a defensive copy of the current counters.
func (s *LockStats) Snapshot() LockStats {
	return LockStats{
		StableWaits:        atomic.LoadInt64(&s.StableWaits),
		StableWaitNanos:    atomic.LoadInt64(&s.StableWaitNanos),
		VolatileWaits:      atomic.LoadInt64(&s.VolatileWaits),
		VolatileWaitNanos:  atomic.LoadInt64(&s.VolatileWaitNanos),
	}
}

// Config bundles the tunables a fresh Repository needs.
type Config struct {
	StableSoftLimit, StableHardLimit     uint32
	VolatileSoftLimit, VolatileHardLimit uint32

	// FPThreshold gates MakeEntryImmutable's dedup-by-fingerprint
	// path: files smaller than this many bytes are fingerprinted and
	// deduplicated; larger files skip straight to the
	// reference-count-based clone-or-keep path.
	FPThreshold int64
	// CopyMax bounds makeIndexMutable's copy-on-write duplication.
	CopyMax int64

	Store   filestore.Store
	Access  access.Checker
	LogSink io.Writer
}

// volatileSubtree is the per-subtree lock for one direct child of the
// volatile root, plus holder counts backing the CheckLock assertion.
type volatileSubtree struct {
	mu      sync.RWMutex
	readers atomic.Int32
	writers atomic.Int32
}

// Repository is the process-wide handle threaded through every
// operation.
type Repository struct {
	StableLock sync.RWMutex
	VolMu      sync.RWMutex // VolatileRootLock: guards the set of volatile subtrees, not their interiors

	// Holder counts for the process-wide locks, maintained by lockFor's
	// unlock closures and consulted by the CheckLock assertion.
	stableReaders, stableWriters   atomic.Int32
	volRootReaders, volRootWriters atomic.Int32

	// subtrees holds the per-subtree lock each volatile session's tree
	// carries, keyed by its first-level entry index.
	subtreeMu sync.Mutex
	subtrees  map[uint32]*volatileSubtree

	Stable   *pool.Pool
	Volatile *pool.Pool

	FPIndex *fpindex.Index
	Counter *refcount.Counter // the mutable root's process-global file-id counter

	Store       filestore.Store
	Access      access.Checker
	FPThreshold int64
	CopyMax     int64

	Log *txlog.Log

	RepoRootName longid.Name
	MutRootName  longid.Name
	VolRootName  longid.Name

	dirsMu    sync.RWMutex
	dirs      map[longid.Name]*dirnode.Node
	nodeNames map[*dirnode.Node]longid.Name // inverse of dirs, for Checkpoint's post-order walk

	// dirShortIDs resolves a RootFileIDDirectory Name's identifier
	// directly to the immutable directory Node it addresses, lazily
	// assigned the first time registerDir sees an Immutable node.
	dirShortIDs    map[uint32]*dirnode.Node
	nextDirShortID uint32

	// forwards records the Forwarding Pointer left
	// behind by a rename: the vacated source Name maps to the Name the
	// moved entry now lives at. Consulted by resolveName/LookupName
	// whenever a traversal step lands on a Deleted entry.
	forwardsMu sync.RWMutex
	forwards   map[longid.Name]forward.Pointer

	LockStats LockStats
}

// New wires a fresh, empty Repository: an empty stable pool, an
// empty volatile pool, and the three singleton roots freshly created.
func New(cfg Config) *Repository {
	r := &Repository{
		Stable:         pool.New(cfg.StableSoftLimit, cfg.StableHardLimit),
		Volatile:       pool.New(cfg.VolatileSoftLimit, cfg.VolatileHardLimit),
		FPIndex:        fpindex.New(),
		Counter:        refcount.New(),
		Store:          cfg.Store,
		Access:         cfg.Access,
		FPThreshold:    cfg.FPThreshold,
		CopyMax:        cfg.CopyMax,
		Log:            txlog.New(cfg.LogSink),
		dirs:           make(map[longid.Name]*dirnode.Node),
		nodeNames:      make(map[*dirnode.Node]longid.Name),
		dirShortIDs:    make(map[uint32]*dirnode.Node),
		nextDirShortID: 1,
		forwards:       make(map[longid.Name]forward.Pointer),
		subtrees:       make(map[uint32]*volatileSubtree),
	}
	r.RepoRootName = longid.NewRoot(longid.RootRepository)
	r.MutRootName = longid.NewRoot(longid.RootMutable)
	r.VolRootName = longid.NewRoot(longid.RootVolatile)

	repoRoot := dirnode.NewNode(dirnode.Appendable, 0)
	repoRoot.SetDirectoryMaster(true)
	r.registerDir(r.RepoRootName, repoRoot)
	r.registerDir(r.MutRootName, dirnode.NewNode(dirnode.Mutable, 0))
	r.registerDir(r.VolRootName, dirnode.NewNode(dirnode.Volatile, 0))
	return r
}

// dir returns the in-memory Node registered for name.
func (r *Repository) dir(name longid.Name) (*dirnode.Node, bool) {
	r.dirsMu.RLock()
	defer r.dirsMu.RUnlock()
	n, ok := r.dirs[name]
	return n, ok
}

// registerDir installs a freshly created child directory Node under
// name (called whenever an Insert*Directory operation succeeds), and
// records the inverse mapping Checkpoint's post-order walk needs to
// turn a Node back into the Name its child entries are addressed
// relative to.
func (r *Repository) registerDir(name longid.Name, n *dirnode.Node) {
	r.dirsMu.Lock()
	defer r.dirsMu.Unlock()
	r.dirs[name] = n
	r.nodeNames[n] = name
	if n.Variant == dirnode.Immutable && n.DirShortID == 0 {
		id := r.nextDirShortID
		r.nextDirShortID++
		n.DirShortID = id
		r.dirShortIDs[id] = n
	}
}

// dirByShortID resolves the directory identifier a RootFileIDDirectory
// Name addresses, the registry registerDir lazily
// populates for every Immutable directory Node it sees.
func (r *Repository) dirByShortID(id uint32) (*dirnode.Node, bool) {
	r.dirsMu.RLock()
	defer r.dirsMu.RUnlock()
	n, ok := r.dirShortIDs[id]
	return n, ok
}

// putForward registers a Forwarding Pointer from name
// to target, called once per rename that left a real Deleted
// tombstone behind.
func (r *Repository) putForward(name longid.Name, target longid.Name) {
	r.forwardsMu.Lock()
	defer r.forwardsMu.Unlock()
	r.forwards[name] = forward.New(target)
}

// forwardLookup is the forward.Resolve callback over r.forwards.
func (r *Repository) forwardLookup(name longid.Name) (forward.Pointer, bool) {
	r.forwardsMu.RLock()
	defer r.forwardsMu.RUnlock()
	p, ok := r.forwards[name]
	return p, ok
}

// unregisterDir drops a directory from the registry, used when a
// volatile subtree is torn down.
func (r *Repository) unregisterDir(name longid.Name) {
	r.dirsMu.Lock()
	defer r.dirsMu.Unlock()
	if n, ok := r.dirs[name]; ok {
		delete(r.nodeNames, n)
	}
	delete(r.dirs, name)
}

// isVolatile reports whether name descends from the volatile root, to
// select which lock domain guards an operation on it.
func (r *Repository) isVolatile(name longid.Name) bool {
	kind, ok := name.RootKind()
	return ok && kind == longid.RootVolatile
}

// volatileSubtreeIndex returns the first path index under the
// volatile root, identifying which volatile subtree name belongs to.
// ok is false for non-volatile names and for the volatile root
// itself.
func (r *Repository) volatileSubtreeIndex(name longid.Name) (uint32, bool) {
	if !r.isVolatile(name) {
		return 0, false
	}
	idx, ok := name.Indices()
	if !ok || len(idx) < 3 {
		return 0, false
	}
	return idx[2], true
}

// subtreeFor returns (creating on first use) the lock state for the
// volatile subtree rooted at the given first-level index. Subtree
// lock records are never removed: they are bounded by the number of
// sessions ever created and a teardown racing a stale lock holder
// must not invalidate the mutex out from under it.
func (r *Repository) subtreeFor(idx uint32) *volatileSubtree {
	r.subtreeMu.Lock()
	defer r.subtreeMu.Unlock()
	st, ok := r.subtrees[idx]
	if !ok {
		st = &volatileSubtree{}
		r.subtrees[idx] = st
	}
	return st
}

// lock acquires a plain read or write lock for an operation targeting
// name; the kind-typed discipline lives in lockFor.
func (r *Repository) lock(name longid.Name, write bool) func() {
	kind := longid.ReadLock
	if write {
		kind = longid.WriteLock
	}
	return r.lockFor(name, kind)
}

// lockFor acquires the lock discipline kind requests for name and
// returns the matching unlock func, recording acquisition time in
// r.LockStats:
//
//   - ReadLock/WriteLock on a stable Name take StableLock; on the
//     volatile root they take the volatile-root lock; on a Name inside
//     a volatile subtree they take the volatile-root lock for reading
//     only across the subtree-lock acquisition, then hold just the
//     subtree's own lock.
//   - ReadLockV/WriteLockV assume the caller already holds the
//     volatile-root lock for reading and take only the inner subtree
//     lock.
//   - CheckLock asserts a previously acquired lock covers name and
//     acquires nothing.
//   - NoLock acquires and checks nothing.
func (r *Repository) lockFor(name longid.Name, kind longid.LockKind) func() {
	switch kind {
	case longid.NoLock:
		return func() {}
	case longid.CheckLock:
		r.assertLocked(name)
		return func() {}
	}

	volatile := r.isVolatile(name)
	start := time.Now()
	var unlock func()
	switch {
	case !volatile:
		if kind.IsWrite() {
			r.StableLock.Lock()
			r.stableWriters.Add(1)
			unlock = func() { r.stableWriters.Add(-1); r.StableLock.Unlock() }
		} else {
			r.StableLock.RLock()
			r.stableReaders.Add(1)
			unlock = func() { r.stableReaders.Add(-1); r.StableLock.RUnlock() }
		}
	default:
		idx, inSubtree := r.volatileSubtreeIndex(name)
		if !inSubtree {
			// The volatile root itself: its lock guards the set of
			// subtrees. The inner-lock kinds have nothing further to
			// take here; the caller already holds the root lock.
			if kind.IsVolatileInner() {
				unlock = func() {}
				break
			}
			if kind.IsWrite() {
				r.VolMu.Lock()
				r.volRootWriters.Add(1)
				unlock = func() { r.volRootWriters.Add(-1); r.VolMu.Unlock() }
			} else {
				r.VolMu.RLock()
				r.volRootReaders.Add(1)
				unlock = func() { r.volRootReaders.Add(-1); r.VolMu.RUnlock() }
			}
			break
		}

		st := r.subtreeFor(idx)
		if !kind.IsVolatileInner() {
			// The root lock spans only the discriminator step: it keeps
			// the subtree from being torn down while its own lock is
			// acquired, and is released before returning.
			r.VolMu.RLock()
		}
		if kind.IsWrite() {
			st.mu.Lock()
			st.writers.Add(1)
			unlock = func() { st.writers.Add(-1); st.mu.Unlock() }
		} else {
			st.mu.RLock()
			st.readers.Add(1)
			unlock = func() { st.readers.Add(-1); st.mu.RUnlock() }
		}
		if !kind.IsVolatileInner() {
			r.VolMu.RUnlock()
		}
	}
	r.LockStats.record(volatile, time.Since(start))
	return unlock
}

// assertLocked panics (a FatalError: a lock-discipline violation is a
// programming error, not a user error) unless some already-held lock
// covers name. Holder counts can't distinguish this goroutine from
// another, so the assertion is necessary, not sufficient; it catches
// the common mistake of reaching a locked-suffix helper with no lock
// held at all.
func (r *Repository) assertLocked(name longid.Name) {
	if !r.isVolatile(name) {
		if r.stableReaders.Load() > 0 || r.stableWriters.Load() > 0 {
			return
		}
		panic(errs.NewFatal(fmt.Errorf("repo: checkLock: no stable lock held for %s", name)))
	}
	if r.volRootWriters.Load() > 0 {
		// A volatile-root write lock excludes every subtree operation.
		return
	}
	if idx, inSubtree := r.volatileSubtreeIndex(name); inSubtree {
		st := r.subtreeFor(idx)
		if st.readers.Load() > 0 || st.writers.Load() > 0 {
			return
		}
	} else if r.volRootReaders.Load() > 0 {
		return
	}
	panic(errs.NewFatal(fmt.Errorf("repo: checkLock: no volatile lock held for %s", name)))
}
