// node.go implements the directory node's traversal and mutation
// operations over the decoded Entry slice from entry.go. Locking is
// the caller's responsibility; Node itself holds no lock so it
// composes cleanly under whichever lock the caller already acquired.
package dirnode

import (
	"fmt"

	"github.com/vesta-scm/repository/access"
	"github.com/vesta-scm/repository/attrs"
	"github.com/vesta-scm/repository/errs"
	"github.com/vesta-scm/repository/filestore"
	"github.com/vesta-scm/repository/fingerprint"
	"github.com/vesta-scm/repository/fpindex"
	"github.com/vesta-scm/repository/refcount"
)

// Node is one in-memory directory of any variant. It owns its own
// rep (Entries, in append order) and optionally chains over a Base
// layer.
type Node struct {
	Variant     Variant
	Fingerprint fingerprint.Fingerprint
	Timestamp   int64
	PseudoInode uint64 // shared sibling identifier for mutable variants
	Entries     []Entry
	Base        *Node
	Snapshot    *Node // mutable: cached most recent immutable projection

	nextOwnIndex uint32 // next odd (or, for immutable/evaluator, even) index to assign
	alive        bool   // evaluator variants: shared session-aliveness flag value
	Attrs        map[string]attrs.History

	// DirShortID is the stable numeric identifier an immutable
	// directory is addressed by from a RootFileIDDirectory Name.
	// Lazily assigned by the repo layer the first time such a Name
	// needs to resolve to this Node; zero means unassigned.
	DirShortID uint32
}

// NewNode constructs an empty Node of the given variant with no base.
func NewNode(v Variant, ts int64) *Node {
	start := uint32(1)
	if !v.OwnIndicesOdd() {
		start = 2
	}
	return &Node{
		Variant:      v,
		Timestamp:    ts,
		nextOwnIndex: start,
		alive:        true,
		Attrs:        make(map[string]attrs.History),
	}
}

func (n *Node) assignIndex() uint32 {
	idx := n.nextOwnIndex
	n.nextOwnIndex += 2
	return idx
}

// NextIndex returns the index the next appended entry would be
// assigned, for callers that must pre-check the resulting Name
// against the fixed envelope before mutating anything.
func (n *Node) NextIndex() uint32 { return n.nextOwnIndex }

func liveType(t Type) bool {
	return t != Outdated && t != Gap
}

// LookupResult is what Lookup/LookupIndex return: the matched entry,
// its Name-relevant index, and the arc it was found under.
type LookupResult struct {
	Entry Entry
	Index uint32
	Arc   string
}

// Lookup scans the current rep for arc, falling through to the base
// layer on a miss. Entries are scanned newest-appended-first so a
// re-inserted arc shadows its own earlier
// outdated occurrences. A Deleted tombstone resolves as not-found
// without falling through: it shadows whatever the base holds under
// that arc. A same-as-base entry borrows its Index from the base's
// matching entry, preserving stable handle identity across
// copy-on-write.
func (n *Node) Lookup(arc string) (LookupResult, bool) {
	for i := len(n.Entries) - 1; i >= 0; i-- {
		e := n.Entries[i]
		if e.Arc != arc || !liveType(e.Type) {
			continue
		}
		if e.Type == Deleted {
			return LookupResult{}, false
		}
		idx := e.Index
		if e.SameAsBase && n.Base != nil {
			if baseRes, ok := n.Base.Lookup(arc); ok {
				idx = baseRes.Index
			}
		}
		return LookupResult{Entry: e, Index: idx, Arc: arc}, true
	}
	if n.Base != nil {
		return n.Base.Lookup(arc)
	}
	return LookupResult{}, false
}

// LookupIndex resolves index back to its entry and arc. The own rep
// is consulted first (including tombstones that inherited a
// base-parity index, which must shadow the base entry they deleted),
// then same-as-base shadows by the base index they preserve, then the
// base layer itself.
func (n *Node) LookupIndex(index uint32) (LookupResult, bool) {
	for _, e := range n.Entries {
		if e.Index == index && liveType(e.Type) {
			return LookupResult{Entry: e, Index: index, Arc: e.Arc}, true
		}
	}
	for _, e := range n.Entries {
		if e.SameAsBase && e.ShadowIndex == index && liveType(e.Type) {
			return LookupResult{Entry: e, Index: index, Arc: e.Arc}, true
		}
	}
	if n.Base != nil {
		return n.Base.LookupIndex(index)
	}
	return LookupResult{}, false
}

// List iterates every live, addressable entry starting at firstIndex,
// recursing into the base layer unless deltaOnly restricts the walk
// to this node's own rep. Shadowed base arcs are suppressed via a
// visited-arc set.
func (n *Node) List(firstIndex uint32, deltaOnly bool, visit func(LookupResult) bool) {
	seen := make(map[string]bool)
	n.list(firstIndex, deltaOnly, seen, visit)
}

func (n *Node) list(firstIndex uint32, deltaOnly bool, seen map[string]bool, visit func(LookupResult) bool) bool {
	for _, e := range n.Entries {
		if e.Index < firstIndex || !liveType(e.Type) {
			continue
		}
		if seen[e.Arc] {
			continue
		}
		seen[e.Arc] = true
		// deleted entries are invisible to listing; ghost/stub remain
		// visible.
		if e.Type == Deleted {
			continue
		}
		idx := e.Index
		if e.SameAsBase {
			idx = e.ShadowIndex
		}
		if !visit(LookupResult{Entry: e, Index: idx, Arc: e.Arc}) {
			return false
		}
	}
	if deltaOnly || n.Base == nil {
		return true
	}
	return n.Base.list(firstIndex, false, seen, visit)
}

// DupePolicy governs how Insert* handles an existing entry at the
// target arc.
type DupePolicy int

const (
	// ReplaceDiff replaces the existing entry unconditionally.
	ReplaceDiff DupePolicy = iota
	// ReplaceNonMaster replaces only if the existing entry is not master.
	ReplaceNonMaster
	// DontReplace fails with NameInUse if an entry already exists.
	DontReplace
)

// InsertOptions bundles the parameters shared by every Insert*
// operation.
type InsertOptions struct {
	Arc          string
	Master       bool
	Policy       DupePolicy
	Who          string
	Checker      access.Checker
	ParentTS     int64
	HasAgreement bool
	// ReplacedFileCounter, if non-nil, is decremented when this
	// insertion replaces a mutableFile entry;
	// the caller is responsible for then unlinking the file-identifier
	// via filestore.Store if the count reaches zero and no
	// transaction is pending.
	ReplacedFileCounter *refcount.Counter
	// NameFits, if non-nil, is consulted with the index the new entry
	// is about to be assigned, before anything is mutated; returning
	// false fails the insertion with LongIdOverflow. dirnode has no
	// notion of Name, so the repo layer supplies the envelope check.
	NameFits func(index uint32) bool
}

func (n *Node) checkOverflowAndDupe(opts InsertOptions) (existing *Entry, existingIdx int, err error) {
	for i, e := range n.Entries {
		if e.Arc == opts.Arc && liveType(e.Type) && e.Type != Outdated {
			existing = &n.Entries[i]
			existingIdx = i
			break
		}
	}
	if existing != nil && existing.Type != Deleted {
		switch opts.Policy {
		case DontReplace:
			return nil, 0, errs.NameInUse
		case ReplaceNonMaster:
			if existing.Master {
				return nil, 0, errs.NameInUse
			}
		case ReplaceDiff:
			// always proceeds
		}
	}
	// A Deleted tombstone never blocks reuse of its arc; the insert
	// below outdates it like any other replaced entry.
	return existing, existingIdx, nil
}

// insertEntry runs the shared insertion protocol and returns the
// newly assigned entry's index.
func (n *Node) insertEntry(opts InsertOptions, build func() Entry) (uint32, error) {
	if !n.Variant.Writable() {
		return 0, errs.InappropriateOp
	}

	existing, existingIdx, err := n.checkOverflowAndDupe(opts)
	if err != nil {
		return 0, err
	}

	newEntry := build()
	newEntry.Arc = opts.Arc
	newEntry.Master = opts.Master

	if n.Variant == Appendable {
		safe := false
		if existing != nil {
			safe = IsSafeReplacement(*existing, newEntry)
		} else {
			safe = IsSafeNewEntry(n.entryIsDirectoryMaster(), opts.Master)
		}
		if !safe && !opts.HasAgreement {
			return 0, errs.NoPermission
		}
	}

	if opts.NameFits != nil {
		predicted := n.nextOwnIndex
		if n.Variant == Appendable && existing != nil && existing.Master {
			predicted += 2 // the replacement ghost consumes the first slot
		}
		if !opts.NameFits(predicted) {
			return 0, errs.LongIdOverflow
		}
	}

	if existing != nil && existing.Type == MutableFile && opts.ReplacedFileCounter != nil {
		opts.ReplacedFileCounter.Decrement(refcount.FileID(existing.Value), true)
	}

	if n.Variant == Appendable {
		if existing != nil {
			n.Entries[existingIdx].Type = Outdated
			if existing.Master {
				ghost := *existing
				ghost.Type = Ghost
				ghost.Index = n.assignIndex()
				n.Entries = append(n.Entries, ghost)
			}
		}
	} else if existing != nil {
		n.Entries[existingIdx].Type = Outdated
	}

	newEntry.Index = n.assignIndex()
	n.Entries = append(n.Entries, newEntry)

	if opts.ParentTS+1 > n.Timestamp {
		n.Timestamp = opts.ParentTS + 1
	}
	return newEntry.Index, nil
}

// entryIsDirectoryMaster reports whether this appendable directory
// itself is "master" for replication purposes. Represented as a
// pseudo-inode bit (bit 0) since appendable directories don't
// otherwise need PseudoInode; kept as a named accessor so the
// intent reads clearly at call sites.
func (n *Node) entryIsDirectoryMaster() bool {
	return n.PseudoInode&1 != 0
}

// SetDirectoryMaster marks this appendable directory as master (used
// by the repo layer when seeding a fresh appendable tree).
func (n *Node) SetDirectoryMaster(master bool) {
	if master {
		n.PseudoInode |= 1
	} else {
		n.PseudoInode &^= 1
	}
}

// InsertFile inserts an immutableFile entry.
func (n *Node) InsertFile(opts InsertOptions, fp fingerprint.Fingerprint, fileID refcount.FileID) (uint32, error) {
	return n.insertEntry(opts, func() Entry {
		return Entry{Type: ImmutableFile, HasFP: true, FP: fp, Value: uint32(fileID)}
	})
}

// InsertMutableFile inserts a mutableFile entry and increments its
// file-identifier's reference count.
func (n *Node) InsertMutableFile(opts InsertOptions, fileID refcount.FileID, counter *refcount.Counter) (uint32, error) {
	idx, err := n.insertEntry(opts, func() Entry {
		return Entry{Type: MutableFile, Value: uint32(fileID)}
	})
	if err == nil {
		counter.Increment(fileID)
	}
	return idx, err
}

// InsertImmutableDirectory inserts an immutableDirectory entry
// pointing at an already-sealed rep.
func (n *Node) InsertImmutableDirectory(opts InsertOptions, fp fingerprint.Fingerprint, repSP uint32) (uint32, error) {
	if n.Variant != Appendable && n.Variant != Mutable {
		return 0, errs.InappropriateOp
	}
	return n.insertEntry(opts, func() Entry {
		return Entry{Type: ImmutableDirectory, HasFP: true, FP: fp, Value: repSP}
	})
}

// InsertAppendableDirectory inserts an appendableDirectory entry.
func (n *Node) InsertAppendableDirectory(opts InsertOptions, repSP uint32) (uint32, error) {
	return n.insertEntry(opts, func() Entry {
		return Entry{Type: AppendableDirectory, Value: repSP}
	})
}

// InsertMutableDirectory inserts a mutableDirectory entry.
func (n *Node) InsertMutableDirectory(opts InsertOptions, repSP uint32) (uint32, error) {
	return n.insertEntry(opts, func() Entry {
		return Entry{Type: MutableDirectory, Value: repSP}
	})
}

// InsertGhost inserts a ghost tombstone (visible to clients).
func (n *Node) InsertGhost(opts InsertOptions) (uint32, error) {
	return n.insertEntry(opts, func() Entry { return Entry{Type: Ghost} })
}

// InsertStub inserts a stub placeholder (visible to clients).
func (n *Node) InsertStub(opts InsertOptions) (uint32, error) {
	return n.insertEntry(opts, func() Entry { return Entry{Type: Stub} })
}

// RenameResult reports what RenameTo actually did to the vacated entry,
// so the repo layer (which alone knows how to turn an index back into
// a Name) can register a Forwarding Pointer from the
// source Name to the destination Name when RenameTo left a real
// tombstone behind rather than an appendable-directory ghost.
type RenameResult struct {
	// NewIndex is the moved entry's freshly assigned index in the
	// destination directory.
	NewIndex uint32
	// OldIndex is the Deleted tombstone's index in the source
	// directory (inherited from the vacated entry), meaningful only
	// when Forwarded is true.
	OldIndex uint32
	// Forwarded reports whether a Deleted tombstone (forwardable) was
	// left behind, as opposed to an appendable directory's Outdated/
	// Ghost pair, which never forwards.
	Forwarded bool
}

// RenameTo moves the entry at fromArc in fromDir to newArc in n.
// sourceIsAncestorOfDest must be computed by the caller from the
// Names involved (dirnode has no notion of Name); RenameTo only knows
// about entries. ownerHistory, if non-nil, is installed as the moved
// entry's #owner history when the destination is a different owner
// realm.
func (n *Node) RenameTo(fromDir *Node, fromArc, newArc string, opts InsertOptions, sourceIsAncestorOfDest bool, ownerHistory attrs.History) (RenameResult, error) {
	if sourceIsAncestorOfDest {
		return RenameResult{}, errs.InvalidArgs
	}
	opts.Arc = newArc
	res, ok := fromDir.Lookup(fromArc)
	if !ok {
		return RenameResult{}, errs.NotFound
	}

	var result RenameResult
	switch {
	case fromDir.Variant == Mutable && n.Variant == Mutable, fromDir.Variant == Volatile && n.Variant == Volatile:
		target := res.Entry
		target.Master = opts.Master
		newIdx, err := n.insertEntry(opts, func() Entry { return target })
		if err != nil {
			return RenameResult{}, err
		}
		result.NewIndex = newIdx
		result.OldIndex = fromDir.markDeletedWithForward(fromArc, res.Entry)
		result.Forwarded = true
	case fromDir.Variant == Appendable && n.Variant == Appendable:
		newIdx, err := n.insertEntry(opts, func() Entry { return res.Entry })
		if err != nil {
			return RenameResult{}, err
		}
		result.NewIndex = newIdx
		fromDir.outdateAndMaybeGhost(fromArc, res.Entry)
	default:
		target := res.Entry
		newIdx, err := n.insertEntry(opts, func() Entry { return target })
		if err != nil {
			return RenameResult{}, err
		}
		result.NewIndex = newIdx
		result.OldIndex = fromDir.markDeletedWithForward(fromArc, res.Entry)
		result.Forwarded = true
	}

	if ownerHistory != nil {
		if newRes, ok := n.Lookup(newArc); ok {
			n.Attrs[newRes.Arc+"#owner"] = ownerHistory
		}
	}
	return result, nil
}

// markDeletedWithForward outdates the entry bound to arc, appends a
// Deleted tombstone in its place, and returns the tombstone's index.
// The index is meaningful to the repo layer only when it goes on to
// register an actual forwarding pointer (a rename); a plain delete
// calls this and discards it, since a delete never creates a real
// forwarding pointer outside of rename.
func (n *Node) markDeletedWithForward(arc string, old Entry) uint32 {
	for i, e := range n.Entries {
		if e.Arc == arc && liveType(e.Type) && e.Type != Deleted {
			n.Entries[i].Type = Outdated
		}
	}
	// The tombstone inherits the vacated entry's index, so the Name
	// minted when the entry was first inserted keeps resolving (to the
	// tombstone, and through its forwarding pointer if one is
	// registered).
	deleted := Entry{Type: Deleted, Arc: arc, Index: old.Index}
	n.Entries = append(n.Entries, deleted)
	return deleted.Index
}

func (n *Node) outdateAndMaybeGhost(arc string, old Entry) {
	for i, e := range n.Entries {
		if e.Arc == arc && e.Index == old.Index {
			n.Entries[i].Type = Outdated
			if old.Master {
				ghost := old
				ghost.Type = Ghost
				ghost.Index = n.assignIndex()
				n.Entries = append(n.Entries, ghost)
			}
			return
		}
	}
}

// DeleteVersioning gates how ReallyDelete represents a delete that
// doesn't shadow anything in the base, mirroring the transactional
// log's version-gated compression rule (txlog.VersionPolicy in the
// repo package, which dirnode deliberately does not import; dirnode
// has no notion of the log). The zero value reproduces the
// pre-compression (log version < 2) behavior: always leave a real
// Deleted tombstone.
type DeleteVersioning struct {
	// CompressUnshadowed, when true, marks an unshadowed arc's existing
	// entry Outdated without appending a further Deleted tombstone,
	// when this directory has no base at all
	// (txlog.VersionPolicy.EmitOutdatedForUnshadowedDelete, v>=2).
	CompressUnshadowed bool
	// CompressWhenBaseLacksArc extends the same compression to the case
	// where a base chain exists but simply doesn't contain arc
	// (txlog.VersionPolicy.ExtendOutdatedWhenBaseLacksArc, v>=3).
	CompressWhenBaseLacksArc bool
}

// compress reports whether, given versioning and whether arc shadows
// something in n.Base, ReallyDelete may skip appending a Deleted
// tombstone and rely on the Outdated mark alone.
func (v DeleteVersioning) compress(hasBase, shadowsBase bool) bool {
	if shadowsBase {
		return false
	}
	if !hasBase {
		return v.CompressUnshadowed
	}
	return v.CompressUnshadowed && v.CompressWhenBaseLacksArc
}

// ReallyDelete deletes the entry at arc: in appendable directories
// the previous binding becomes a ghost; in mutable/volatile
// directories the existing entry is marked Outdated and, unless
// versioning says the delete can be compressed away, a Deleted
// tombstone is appended behind it. A plain
// delete never leaves a real forwarding pointer; only RenameTo does.
// Decrements the file-identifier reference count for mutableFile
// entries.
func (n *Node) ReallyDelete(arc string, ts int64, counter *refcount.Counter, versioning DeleteVersioning) error {
	res, ok := n.Lookup(arc)
	if !ok {
		return errs.NotFound
	}

	if n.Variant == Appendable {
		n.outdateAndMaybeGhost(arc, res.Entry)
		if !res.Entry.Master {
			// outdateAndMaybeGhost ghosts only master bindings; a delete
			// leaves a ghost for non-master bindings too.
			ghost := res.Entry
			ghost.Type = Ghost
			ghost.Index = n.assignIndex()
			n.Entries = append(n.Entries, ghost)
		}
	} else {
		if res.Entry.Type == MutableFile && counter != nil {
			counter.Decrement(refcount.FileID(res.Entry.Value), true)
		}
		for i, e := range n.Entries {
			if e.Arc == arc && e.Index == res.Entry.Index {
				n.Entries[i].Type = Outdated
			}
		}
		_, shadowsBase := n.Base.lookupIfAny(arc)
		if !versioning.compress(n.Base != nil, shadowsBase) {
			n.markDeletedWithForward(arc, res.Entry)
		}
	}
	if ts+1 > n.Timestamp {
		n.Timestamp = ts + 1
	}
	return nil
}

// lookupIfAny is Lookup on a possibly-nil Node, for call sites that
// only care whether arc shadows something in an optional base layer.
func (n *Node) lookupIfAny(arc string) (LookupResult, bool) {
	if n == nil {
		return LookupResult{}, false
	}
	return n.Lookup(arc)
}

// MakeIndexMutable copies the immutable entry at index into n (which
// must be mutable or volatile), duplicating file content via store
// for files (up to copyMax bytes) or chaining a fresh rep over the
// original immutable base for directories.
func (n *Node) MakeIndexMutable(index uint32, store filestore.Store, copyMax int64) (Entry, error) {
	if n.Variant != Mutable && n.Variant != Volatile && n.Variant != VolatileROE {
		return Entry{}, errs.InappropriateOp
	}
	res, ok := n.LookupIndex(index)
	if !ok {
		return Entry{}, errs.NotFound
	}

	switch res.Entry.Type {
	case ImmutableFile:
		if store == nil {
			return Entry{}, errs.InvalidArgs
		}
		newID, err := store.Duplicate(uint32(res.Entry.Value), copyMax)
		if err != nil {
			return Entry{}, err
		}
		e := Entry{Type: MutableFile, Value: newID, Arc: res.Arc, Index: n.assignIndex()}
		n.Entries = append(n.Entries, e)
		return e, nil
	case ImmutableDirectory:
		// The repo layer constructs the fresh mutable Node chained over
		// the original immutable base; dirnode only records the entry.
		e := Entry{Type: MutableDirectory, Arc: res.Arc, Index: n.assignIndex()}
		if n.Variant != Mutable {
			e.Type = VolatileDirectory
		}
		n.Entries = append(n.Entries, e)
		return e, nil
	default:
		return Entry{}, errs.InappropriateOp
	}
}

// ApplyMakeIndexMutable replays a logged `makm` record: the live
// makeIndexMutable call already decided the duplicated file's
// identifier and wrote it to the log, so replay skips the
// filestore.Store.Duplicate call and installs the entry directly,
// reproducing the same freshly assigned index via the same
// deterministic assignIndex sequence the live call used.
func (n *Node) ApplyMakeIndexMutable(index uint32, fileID refcount.FileID) (Entry, error) {
	res, ok := n.LookupIndex(index)
	if !ok || res.Entry.Type != ImmutableFile {
		return Entry{}, errs.NotFound
	}
	e := Entry{Type: MutableFile, Value: uint32(fileID), Arc: res.Arc, Index: n.assignIndex()}
	n.Entries = append(n.Entries, e)
	return e, nil
}

// MakeEntryImmutable finalizes a mutableFile entry: dedup against
// fpindex when small enough, otherwise clone-on-shared-link, mark
// read-only, decrement the reference counter, and flip the entry's
// type. It returns the file-identifier the sealed entry ended up
// holding, which differs from the entry's old one when dedup or
// clone-on-shared-link redirected it; the caller logs that outcome so
// replay can apply it without re-deriving the decision.
func (n *Node) MakeEntryImmutable(index uint32, fpThreshold int64, store filestore.Store, index2 *fpindex.Index, counter *refcount.Counter, fp fingerprint.Fingerprint) (refcount.FileID, error) {
	for i, e := range n.Entries {
		if e.Index != index || e.Type != MutableFile {
			continue
		}
		size, err := store.Stat(uint32(e.Value))
		if err != nil {
			return 0, err
		}

		finalID := refcount.FileID(e.Value)
		if size < fpThreshold {
			if existingID, ok := index2.LookupFile(fp); ok {
				if err := store.Unlink(uint32(e.Value)); err != nil {
					return 0, err
				}
				finalID = existingID
			} else {
				index2.PutFile(fp, finalID)
			}
		} else if counter.GetCount(refcount.FileID(e.Value)) > 1 {
			newID, err := store.Duplicate(uint32(e.Value), size)
			if err != nil {
				return 0, err
			}
			finalID = refcount.FileID(newID)
		}

		if err := store.MakeReadOnly(uint32(finalID)); err != nil {
			return 0, err
		}
		counter.Decrement(refcount.FileID(e.Value), true)

		n.Entries[i].Type = ImmutableFile
		n.Entries[i].HasFP = true
		n.Entries[i].FP = fp
		n.Entries[i].Value = uint32(finalID)
		return finalID, nil
	}
	return 0, errs.NotFound
}

// ApplyMakeEntryImmutable replays a logged `maki` record: the live
// call already resolved the dedup-or-clone decision and recorded the
// final fingerprint and file-identifier, so replay applies that
// outcome directly without touching fpindex or filestore.Store again.
// The reference count for the entry's old identifier is decremented
// the same way the live call did it, or a post-replay rebuild of the
// counter would disagree.
func (n *Node) ApplyMakeEntryImmutable(index uint32, fp fingerprint.Fingerprint, fileID refcount.FileID, counter *refcount.Counter) error {
	for i, e := range n.Entries {
		if e.Index != index || e.Type != MutableFile {
			continue
		}
		if counter != nil {
			counter.Decrement(refcount.FileID(e.Value), true)
		}
		n.Entries[i].Type = ImmutableFile
		n.Entries[i].HasFP = true
		n.Entries[i].FP = fp
		n.Entries[i].Value = uint32(fileID)
		return nil
	}
	return errs.NotFound
}

// CopyMutableToImmutable deep-copies this mutable directory into a
// freshly constructed immutable Node: outdated/gap entries are
// dropped, deleted entries are kept only if they shadow something in
// a retained base, mutableFile children must already have been sealed
// by the caller via MakeEntryImmutable, and mutable/volatile child
// directories are projected through projectChild (returning a nil
// Node drops the subtree; the caller decides when that is
// permissible, e.g. a Name-envelope overflow). The second return
// value maps each projected child's freshly assigned entry index to
// the Node projectChild produced for it, so the caller can wire the
// children into whatever naming registry it keeps.
func (n *Node) CopyMutableToImmutable(fp fingerprint.Fingerprint, projectChild func(Entry) (*Node, error)) (*Node, map[uint32]*Node, error) {
	if n.Variant != Mutable && n.Variant != Volatile {
		return nil, nil, errs.InappropriateOp
	}

	out := NewNode(Immutable, n.Timestamp)
	out.Fingerprint = fp
	out.Base = n.Base
	children := make(map[uint32]*Node)

	for _, e := range n.Entries {
		switch e.Type {
		case Outdated, Gap:
			continue
		case Deleted:
			if n.Base != nil {
				if _, shadowed := n.Base.Lookup(e.Arc); !shadowed {
					continue
				}
			} else {
				continue
			}
		case MutableFile:
			return nil, nil, fmt.Errorf("dirnode: CopyMutableToImmutable: arc %q still mutable, call MakeEntryImmutable first", e.Arc)
		case MutableDirectory, VolatileDirectory, VolatileROEDirectory:
			if projectChild == nil {
				return nil, nil, errs.InappropriateOp
			}
			sub, err := projectChild(e)
			if err != nil {
				return nil, nil, err
			}
			if sub == nil {
				continue
			}
			copied := e
			copied.Type = ImmutableDirectory
			copied.HasFP = !sub.Fingerprint.IsZero()
			copied.FP = sub.Fingerprint
			copied.Index = out.assignIndex()
			out.Entries = append(out.Entries, copied)
			children[copied.Index] = sub
			continue
		}
		copied := e
		copied.Index = out.assignIndex()
		out.Entries = append(out.Entries, copied)
	}
	return out, children, nil
}

// CollapseBase flattens an immutable directory with a base into an
// equivalent Node with no base and no shadowed entries, preserving
// fingerprint/timestamp/pseudo-inode.
// Requires ownership, checked by the caller via chk/who.
func (n *Node) CollapseBase(chk access.Checker, who string) (*Node, error) {
	if n.Variant != Immutable {
		return nil, errs.InappropriateOp
	}
	if !chk.Check(who, access.ClassOwner, "") {
		return nil, errs.NoPermission
	}

	out := NewNode(Immutable, n.Timestamp)
	out.Fingerprint = n.Fingerprint
	out.PseudoInode = n.PseudoInode

	seen := make(map[string]bool)
	var collect func(node *Node)
	collect = func(node *Node) {
		for i := len(node.Entries) - 1; i >= 0; i-- {
			e := node.Entries[i]
			if !liveType(e.Type) || e.Type == Deleted || seen[e.Arc] {
				continue
			}
			seen[e.Arc] = true
			copied := e
			copied.SameAsBase = false
			copied.ShadowIndex = 0
			copied.Index = out.assignIndex()
			out.Entries = append(out.Entries, copied)
		}
		if node.Base != nil {
			collect(node.Base)
		}
	}
	collect(n)
	return out, nil
}

// SetIndexMaster toggles the master bit on the entry at index.
// Requires the agreement capability since it affects replication
// invariants.
func (n *Node) SetIndexMaster(index uint32, master bool, hasAgreement bool) error {
	if !hasAgreement {
		return errs.NoPermission
	}
	for i, e := range n.Entries {
		if e.Index == index {
			n.Entries[i].Master = master
			return nil
		}
	}
	return errs.NotFound
}

// RestoreIndices reinstalls entry indices after Entries has been
// decoded wholesale from a rep block. The entry encoding itself
// carries no indices (a tombstone may inherit a vacated entry's
// index, so position alone can't reproduce them); the checkpoint
// stores them alongside the block and hands them back here.
// nextOwnIndex is recomputed past the highest restored own-parity
// index, and same-as-base shadows get their ShadowIndex recomputed
// from the (already attached) base by arc.
func (n *Node) RestoreIndices(indices []uint32) error {
	if len(indices) != len(n.Entries) {
		return fmt.Errorf("dirnode: RestoreIndices: %d indices for %d entries", len(indices), len(n.Entries))
	}
	next := uint32(1)
	if !n.Variant.OwnIndicesOdd() {
		next = 2
	}
	for i := range n.Entries {
		n.Entries[i].Index = indices[i]
		span := uint32(1)
		if n.Entries[i].Type == Gap && n.Entries[i].Value > 1 {
			span = n.Entries[i].Value
		}
		if (indices[i]%2 == 1) == n.Variant.OwnIndicesOdd() {
			if end := indices[i] + 2*span; end > next {
				next = end
			}
		}
		if n.Entries[i].SameAsBase && n.Base != nil {
			if baseRes, ok := n.Base.Lookup(n.Entries[i].Arc); ok {
				n.Entries[i].ShadowIndex = baseRes.Index
			}
		}
	}
	n.nextOwnIndex = next
	return nil
}

// CompressForCheckpoint returns a copy of entries with every run of
// outdated entries collapsed into a single gap entry recording the
// run's starting index and how many index slots it consumed.
func CompressForCheckpoint(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	var run uint32
	var runStart uint32
	flush := func() {
		if run > 0 {
			out = append(out, Entry{Type: Gap, Value: run, Index: runStart})
			run = 0
		}
	}
	for _, e := range entries {
		switch e.Type {
		case Outdated:
			if run == 0 {
				runStart = e.Index
			}
			run++
		case Gap:
			if run == 0 {
				runStart = e.Index
			}
			run += e.Value
		default:
			flush()
			out = append(out, e)
		}
	}
	flush()
	return out
}

// DirectoryMeasurement is the result of MeasureDirectory/MeasureTree.
type DirectoryMeasurement struct {
	UsedEntries  int
	TotalEntries int
	Bytes        int64
	BaseDepth    int
}

// MeasureDirectory traverses this node's own rep plus its base chain
// and counts entries and approximate encoded size.
func (n *Node) MeasureDirectory() DirectoryMeasurement {
	var m DirectoryMeasurement
	node := n
	for node != nil {
		m.TotalEntries += len(node.Entries)
		for _, e := range node.Entries {
			if liveType(e.Type) {
				m.UsedEntries++
			}
			m.Bytes += int64(9 + len(e.Arc))
			if e.HasFP {
				m.Bytes += 16
			}
		}
		if node.Base != nil {
			m.BaseDepth++
		}
		node = node.Base
	}
	return m
}

// MeasureTree is MeasureDirectory's recursive variant: it aggregates
// MeasureDirectory over every mutable child directory reachable from
// n, for disk-usage reporting. resolveChild receives the parent node
// alongside the entry so the resolver can reconstruct each level's
// Name rather than resolving every entry against the tree's root.
func (n *Node) MeasureTree(resolveChild func(parent *Node, e Entry) (*Node, bool)) DirectoryMeasurement {
	total := n.MeasureDirectory()
	for _, e := range n.Entries {
		if !e.Type.IsDirectory() || e.Type == ImmutableDirectory {
			continue
		}
		child, ok := resolveChild(n, e)
		if !ok {
			continue
		}
		sub := child.MeasureTree(resolveChild)
		total.UsedEntries += sub.UsedEntries
		total.TotalEntries += sub.TotalEntries
		total.Bytes += sub.Bytes
	}
	return total
}
