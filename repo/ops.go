// ops.go is the operation facade: every exported method here pairs a
// dirnode mutation with the matching transactional-log record, under
// the lock that covers the target subtree. Every mutating method
// opens a transaction, performs the in-memory mutation, and closes
// the transaction before returning, rather than leaving commit
// semantics to the caller.
package repo

import (
	"io"
	"time"

	"github.com/vesta-scm/repository/access"
	"github.com/vesta-scm/repository/attrs"
	"github.com/vesta-scm/repository/dirnode"
	"github.com/vesta-scm/repository/errs"
	"github.com/vesta-scm/repository/fingerprint"
	"github.com/vesta-scm/repository/internal/trace"
	"github.com/vesta-scm/repository/longid"
	"github.com/vesta-scm/repository/refcount"
	"github.com/vesta-scm/repository/txlog"
)

// attrKey is the Node.Attrs map key for arc's history of name,
// matching the convention RenameTo's owner-history transplant already
// uses (concatenation, since #-prefixed names can't collide with a
// plain arc the way a separator-free join normally risks: arc never
// contains '#').
func attrKey(arc, name string) string { return arc + name }

func now() int64 { return time.Now().Unix() }

// nameFitsIn builds the envelope pre-check inserts hand to dirnode: a
// prospective entry index is acceptable only if appending it to dir
// still fits the fixed Name envelope.
func nameFitsIn(dir longid.Name) func(uint32) bool {
	return func(index uint32) bool { return !dir.Append(index).IsNull() }
}

// Lookup resolves arc within dir, returning the Name a further
// Lookup/Insert under the result would use.
func (r *Repository) Lookup(dir longid.Name, arc string) (dirnode.LookupResult, longid.Name, error) {
	unlock := r.lock(dir, false)
	defer unlock()

	n, err := r.resolve(dir)
	if err != nil {
		return dirnode.LookupResult{}, longid.Name{}, err
	}
	res, ok := n.Lookup(arc)
	if !ok {
		return dirnode.LookupResult{}, longid.Name{}, errs.NotFound
	}
	return res, childName(dir, res.Index), nil
}

// policy returns the version-gated logging predicates currently in
// force.
func (r *Repository) policy() txlog.VersionPolicy {
	return txlog.VersionPolicy{Version: r.Log.Version()}
}

// deleteVersioning translates the current log version's
// txlog.VersionPolicy into the dirnode-local DeleteVersioning gate
// ReallyDelete consults.
func (r *Repository) deleteVersioning() dirnode.DeleteVersioning {
	p := r.policy()
	return dirnode.DeleteVersioning{
		CompressUnshadowed:       p.EmitOutdatedForUnshadowedDelete(),
		CompressWhenBaseLacksArc: p.ExtendOutdatedWhenBaseLacksArc(),
	}
}

// InsertMutableFile creates a fresh, empty file-identifier via Store
// and inserts a mutableFile entry referencing it.
func (r *Repository) InsertMutableFile(dir longid.Name, opts dirnode.InsertOptions) (longid.Name, error) {
	unlock := r.lock(dir, true)
	defer unlock()

	n, err := r.resolve(dir)
	if err != nil {
		return longid.Name{}, err
	}
	if opts.Checker == nil {
		opts.Checker = access.AllowAll{}
	}
	opts.NameFits = nameFitsIn(dir)
	id, err := r.Store.Create()
	if err != nil {
		return longid.Name{}, err
	}
	opts.ReplacedFileCounter = r.Counter
	idx, err := n.InsertMutableFile(opts, refcount.FileID(id), r.Counter)
	if err != nil {
		return longid.Name{}, err
	}

	r.Log.Start()
	defer r.commitLog()
	r.logPut(txlog.Record{Tag: txlog.TagInsU, Dir: dir, Arc: opts.Arc, FileID: id, Master: opts.Master, Ts: now()})

	return childName(dir, idx), nil
}

// InsertImmutableFile links an already-sealed file-identifier as an
// immutableFile entry, used when inserting content already present
// elsewhere in the tree (e.g. a checked-in binary shared across
// releases).
func (r *Repository) InsertImmutableFile(dir longid.Name, opts dirnode.InsertOptions, fp fingerprint.Fingerprint, fileID refcount.FileID) (longid.Name, error) {
	unlock := r.lock(dir, true)
	defer unlock()

	n, err := r.resolve(dir)
	if err != nil {
		return longid.Name{}, err
	}
	opts.NameFits = nameFitsIn(dir)
	idx, err := n.InsertFile(opts, fp, fileID)
	if err != nil {
		return longid.Name{}, err
	}
	r.FPIndex.PutFile(fp, fileID)

	r.Log.Start()
	defer r.commitLog()
	r.logPut(txlog.Record{Tag: txlog.TagInsF, Dir: dir, Arc: opts.Arc, FileID: uint32(fileID), Master: opts.Master, Ts: now(), HasFP: true, FP: fp})

	return childName(dir, idx), nil
}

// InsertMutableDirectory creates a fresh, empty mutable (or volatile,
// for a dir under the volatile root) child directory.
func (r *Repository) InsertMutableDirectory(dir longid.Name, opts dirnode.InsertOptions) (longid.Name, error) {
	unlock := r.lock(dir, true)
	defer unlock()

	n, err := r.resolve(dir)
	if err != nil {
		return longid.Name{}, err
	}
	opts.NameFits = nameFitsIn(dir)
	idx, err := n.InsertMutableDirectory(opts, 0)
	if err != nil {
		return longid.Name{}, err
	}

	childVariant := dirnode.Mutable
	if r.isVolatile(dir) {
		childVariant = dirnode.Volatile
	}
	child := dirnode.NewNode(childVariant, now())
	name := r.attachChild(dir, idx, child)

	r.Log.Start()
	defer r.commitLog()
	r.logPut(txlog.Record{Tag: txlog.TagInsM, Dir: dir, Arc: opts.Arc, ChildDir: name, Master: opts.Master, Ts: now()})

	return name, nil
}

// InsertAppendableDirectory creates a fresh, empty appendable child
// directory.
func (r *Repository) InsertAppendableDirectory(dir longid.Name, opts dirnode.InsertOptions) (longid.Name, error) {
	unlock := r.lock(dir, true)
	defer unlock()

	n, err := r.resolve(dir)
	if err != nil {
		return longid.Name{}, err
	}
	opts.NameFits = nameFitsIn(dir)
	idx, err := n.InsertAppendableDirectory(opts, 0)
	if err != nil {
		return longid.Name{}, err
	}

	child := dirnode.NewNode(dirnode.Appendable, now())
	name := r.attachChild(dir, idx, child)

	r.Log.Start()
	defer r.commitLog()
	r.logPut(txlog.Record{Tag: txlog.TagInsA, Dir: dir, Arc: opts.Arc, Master: opts.Master, Ts: now()})

	return name, nil
}

// InsertGhost inserts a visible ghost tombstone.
func (r *Repository) InsertGhost(dir longid.Name, opts dirnode.InsertOptions) (longid.Name, error) {
	return r.insertPlaceholder(dir, opts, txlog.TagInsG, (*dirnode.Node).InsertGhost)
}

// InsertStub inserts a visible stub placeholder.
func (r *Repository) InsertStub(dir longid.Name, opts dirnode.InsertOptions) (longid.Name, error) {
	return r.insertPlaceholder(dir, opts, txlog.TagInsS, (*dirnode.Node).InsertStub)
}

func (r *Repository) insertPlaceholder(dir longid.Name, opts dirnode.InsertOptions, tag txlog.Tag, do func(*dirnode.Node, dirnode.InsertOptions) (uint32, error)) (longid.Name, error) {
	unlock := r.lock(dir, true)
	defer unlock()

	n, err := r.resolve(dir)
	if err != nil {
		return longid.Name{}, err
	}
	opts.NameFits = nameFitsIn(dir)
	idx, err := do(n, opts)
	if err != nil {
		return longid.Name{}, err
	}

	r.Log.Start()
	defer r.commitLog()
	r.logPut(txlog.Record{Tag: tag, Dir: dir, Arc: opts.Arc, Master: opts.Master, Ts: now()})

	return childName(dir, idx), nil
}

// Delete removes arc from dir: whether a
// real Deleted tombstone is left behind or the delete compresses away
// into a plain Outdated mark is gated by the current log version's
// txlog.VersionPolicy, applied identically on replay.
func (r *Repository) Delete(dir longid.Name, arc string) error {
	unlock := r.lock(dir, true)
	defer unlock()

	n, err := r.resolve(dir)
	if err != nil {
		return err
	}

	if err := n.ReallyDelete(arc, now(), r.Counter, r.deleteVersioning()); err != nil {
		return err
	}

	// The log always carries one `del` record; the version-gated
	// unshadowed-delete compression (txlog.VersionPolicy.
	// EmitOutdatedForUnshadowedDelete/ExtendOutdatedWhenBaseLacksArc)
	// decides how ReallyDelete materializes it in-memory, not a
	// distinct wire tag; see replay's TagDel dispatch, which
	// recomputes the same gate from the version in force at replay
	// time.
	r.Log.Start()
	defer r.commitLog()
	r.logPut(txlog.Record{Tag: txlog.TagDel, Dir: dir, Arc: arc, Ts: now()})
	return nil
}

// Rename moves fromArc in fromDir to newArc in dir.
//
// Lock order is canonical to stay deadlock-free: the stable lock
// before any volatile lock, and between two volatile subtrees the
// lower subtree index first. A rename spanning two volatile subtrees
// holds the volatile-root lock for reading across both inner
// acquisitions so neither subtree can be torn down mid-operation.
func (r *Repository) Rename(dir longid.Name, newArc string, fromDir longid.Name, fromArc string, opts dirnode.InsertOptions) error {
	destVol, srcVol := r.isVolatile(dir), r.isVolatile(fromDir)
	var unlocks []func()
	defer func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}()

	switch {
	case !destVol && !srcVol:
		// One stable lock covers both sides.
		unlocks = append(unlocks, r.lock(dir, true))
	case destVol && srcVol:
		dIdx, dIn := r.volatileSubtreeIndex(dir)
		sIdx, sIn := r.volatileSubtreeIndex(fromDir)
		if !dIn || !sIn {
			// One side is the volatile root itself; its write lock
			// excludes every subtree operation.
			unlocks = append(unlocks, r.lock(r.VolRootName, true))
			break
		}
		r.VolMu.RLock()
		unlocks = append(unlocks, r.VolMu.RUnlock)
		first, second := dir, fromDir
		if sIdx < dIdx {
			first, second = fromDir, dir
		}
		unlocks = append(unlocks, r.lockFor(first, longid.WriteLockV))
		if dIdx != sIdx {
			unlocks = append(unlocks, r.lockFor(second, longid.WriteLockV))
		}
	default:
		// Mixed domains: stable side first.
		stableName, volName := dir, fromDir
		if destVol {
			stableName, volName = fromDir, dir
		}
		unlocks = append(unlocks, r.lock(stableName, true))
		unlocks = append(unlocks, r.lock(volName, true))
	}

	to, err := r.resolve(dir)
	if err != nil {
		return err
	}
	from, err := r.resolve(fromDir)
	if err != nil {
		return err
	}

	opts.NameFits = nameFitsIn(dir)
	res, err := to.RenameTo(from, fromArc, newArc, opts, fromDir.IsAncestorOf(dir), nil)
	if err != nil {
		return err
	}
	if res.Forwarded {
		r.putForward(childName(fromDir, res.OldIndex), childName(dir, res.NewIndex))
	}

	r.Log.Start()
	defer r.commitLog()
	r.logPut(txlog.Record{Tag: txlog.TagRen, ToDir: dir, ToArc: newArc, FromDir: fromDir, FromArc: fromArc, Ts: now()})
	return nil
}

// MakeIndexMutable copies the immutable entry at index in dir into a
// mutable (or volatile) sibling slot.
func (r *Repository) MakeIndexMutable(dir longid.Name, index uint32) (dirnode.Entry, longid.Name, error) {
	unlock := r.lock(dir, true)
	defer unlock()

	n, err := r.resolve(dir)
	if err != nil {
		return dirnode.Entry{}, longid.Name{}, err
	}
	if childName(dir, n.NextIndex()).IsNull() {
		return dirnode.Entry{}, longid.Name{}, errs.LongIdOverflow
	}
	e, err := n.MakeIndexMutable(index, r.Store, r.CopyMax)
	if err != nil {
		return dirnode.Entry{}, longid.Name{}, err
	}

	name := childName(dir, e.Index)
	r.Log.Start()
	defer r.commitLog()
	if e.Type.IsDirectory() {
		childVariant := dirnode.Mutable
		if r.isVolatile(dir) {
			childVariant = dirnode.Volatile
		}
		child := dirnode.NewNode(childVariant, n.Timestamp)
		if base, ok := r.dir(childName(dir, index)); ok {
			child.Base = base
		}
		r.registerDir(name, child)
		r.logPut(txlog.Record{Tag: txlog.TagCopy2M, Dir: dir, Index: index})
	} else {
		// The duplicated file's fresh identifier rides in the record so
		// replay can install the entry without re-copying content.
		r.Counter.Increment(refcount.FileID(e.Value))
		r.logPut(txlog.Record{Tag: txlog.TagMakM, Dir: dir, Index: index, FileID: e.Value})
	}
	return e, name, nil
}

// MakeEntryImmutable seals the mutableFile entry at index in dir:
// dedup below FPThreshold, clone-on-shared-link above it.
func (r *Repository) MakeEntryImmutable(dir longid.Name, index uint32, fp fingerprint.Fingerprint) error {
	unlock := r.lock(dir, true)
	defer unlock()

	n, err := r.resolve(dir)
	if err != nil {
		return err
	}
	r.Log.Start()
	defer r.commitLog()
	return r.makeEntryImmutableLocked(dir, n, index, fp)
}

// makeEntryImmutableLocked is MakeEntryImmutable with locking and
// transaction handling hoisted to the caller, so MakeFilesImmutable
// can seal a whole tree inside one transaction.
func (r *Repository) makeEntryImmutableLocked(dir longid.Name, n *dirnode.Node, index uint32, fp fingerprint.Fingerprint) error {
	finalID, err := n.MakeEntryImmutable(index, r.FPThreshold, r.Store, r.FPIndex, r.Counter, fp)
	if err != nil {
		return err
	}
	r.logPut(txlog.Record{Tag: txlog.TagMakI, Dir: dir, Index: index, HasFP: true, FP: fp, FileID: uint32(finalID)})
	return nil
}

// MakeFilesImmutable seals every mutableFile entry reachable from dir,
// recursing into mutable and volatile child directories. Content
// smaller than FPThreshold is fingerprinted for dedup; larger files
// keep a zero fingerprint and skip the read entirely. A subtree whose
// Name would overflow the fixed envelope is skipped with a warning
// rather than producing an unloggable Name.
func (r *Repository) MakeFilesImmutable(dir longid.Name) error {
	unlock := r.lock(dir, true)
	defer unlock()

	r.Log.Start()
	defer r.commitLog()
	return r.makeFilesImmutableLocked(dir)
}

func (r *Repository) makeFilesImmutableLocked(dir longid.Name) error {
	r.lockFor(dir, longid.CheckLock)()
	n, err := r.resolve(dir)
	if err != nil {
		return err
	}

	// Snapshot the entry list first: sealing mutates n.Entries in
	// place and must not observe its own appends.
	entries := make([]dirnode.Entry, len(n.Entries))
	copy(entries, n.Entries)

	for _, e := range entries {
		switch e.Type {
		case dirnode.MutableFile:
			fp, err := r.fingerprintIfSmall(e.Value)
			if err != nil {
				return err
			}
			if err := r.makeEntryImmutableLocked(dir, n, e.Index, fp); err != nil {
				return err
			}
		case dirnode.MutableDirectory, dirnode.VolatileDirectory:
			child := childName(dir, e.Index)
			if child.IsNull() {
				trace.General.Printf("repo: makeFilesImmutable: skipping %q: its name would overflow the envelope", e.Arc)
				continue
			}
			if err := r.makeFilesImmutableLocked(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// fingerprintIfSmall returns the content fingerprint for id when its
// size is under FPThreshold, or the zero fingerprint (no dedup, no
// content read) otherwise.
func (r *Repository) fingerprintIfSmall(id uint32) (fingerprint.Fingerprint, error) {
	size, err := r.Store.Stat(id)
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	if size >= r.FPThreshold {
		return fingerprint.Fingerprint{}, nil
	}
	f, err := r.Store.Open(id)
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	return fingerprint.Compute(fingerprint.KindFile, content), nil
}

// immProjection is one level of a projected mutable tree: the
// immutable Node plus, per directory-entry index, the projection of
// the child it points at, so registerProjection can mint and register
// the whole subtree's Names once the root's Name is known.
type immProjection struct {
	node     *dirnode.Node
	children map[uint32]*immProjection
}

// projectMutableLocked builds the immutable projection of the mutable
// directory at dir, recursing into mutable/volatile children. A
// subtree whose Name would overflow the envelope is dropped with a
// warning. Files must already be sealed. Caller holds the lock.
func (r *Repository) projectMutableLocked(dir longid.Name) (*immProjection, error) {
	r.lockFor(dir, longid.CheckLock)()
	n, err := r.resolve(dir)
	if err != nil {
		return nil, err
	}

	byNode := make(map[*dirnode.Node]*immProjection)
	imm, kids, err := n.CopyMutableToImmutable(fingerprint.Fingerprint{}, func(e dirnode.Entry) (*dirnode.Node, error) {
		child := childName(dir, e.Index)
		if child.IsNull() {
			trace.General.Printf("repo: snapshot: dropping %q: its name would overflow the envelope", e.Arc)
			return nil, nil
		}
		sub, err := r.projectMutableLocked(child)
		if err != nil {
			return nil, err
		}
		byNode[sub.node] = sub
		return sub.node, nil
	})
	if err != nil {
		return nil, err
	}

	body, err := dirnode.EncodeRep(imm.Entries)
	if err != nil {
		return nil, err
	}
	imm.Fingerprint = fingerprint.Compute(fingerprint.KindDirectory, body)

	p := &immProjection{node: imm, children: make(map[uint32]*immProjection, len(kids))}
	for idx, node := range kids {
		p.children[idx] = byNode[node]
	}
	return p, nil
}

// registerProjection installs a projected subtree in the registry
// under name.
func (r *Repository) registerProjection(name longid.Name, p *immProjection) {
	r.registerDir(name, p.node)
	for idx, sub := range p.children {
		child := name.Append(idx)
		if child.IsNull() {
			continue
		}
		r.registerProjection(child, sub)
	}
}

// Advance seals the mutable directory at mutDir (files first, then
// the directory itself) and inserts its immutable projection into the
// appendable directory at apDir under arc. The maki records for the
// sealed files land in the log ahead of the insi record, inside one
// transaction, so replay reconstructs the same projection. If the
// projection is bit-identical to the directory's cached snapshot the
// snapshot node is reused instead of the freshly built one.
func (r *Repository) Advance(apDir longid.Name, arc string, mutDir longid.Name, opts dirnode.InsertOptions) (longid.Name, error) {
	unlock := r.lock(apDir, true)
	defer unlock()
	if r.isVolatile(mutDir) {
		// Advancing out of a volatile session: the stable lock above
		// came first (canonical order), the source subtree's lock now.
		unlockSrc := r.lock(mutDir, true)
		defer unlockSrc()
	}

	ap, err := r.resolve(apDir)
	if err != nil {
		return longid.Name{}, err
	}

	r.Log.Start()
	defer r.commitLog()

	if err := r.makeFilesImmutableLocked(mutDir); err != nil {
		return longid.Name{}, err
	}
	m, err := r.resolve(mutDir)
	if err != nil {
		return longid.Name{}, err
	}

	p, err := r.projectMutableLocked(mutDir)
	if err != nil {
		return longid.Name{}, err
	}
	fp := p.node.Fingerprint
	if m.Snapshot != nil && m.Snapshot.Fingerprint == fp {
		p.node = m.Snapshot
	} else {
		m.Snapshot = p.node
	}

	opts.Arc = arc
	opts.NameFits = nameFitsIn(apDir)
	idx, err := ap.InsertImmutableDirectory(opts, fp, 0)
	if err != nil {
		return longid.Name{}, err
	}
	name := childName(apDir, idx)
	r.registerProjection(name, p)

	r.logPut(txlog.Record{Tag: txlog.TagInsI, Dir: apDir, Arc: arc, ChildDir: mutDir, Master: opts.Master, Ts: now(), HasFP: true, FP: fp})
	return name, nil
}

// CollapseBase flattens the immutable directory at dir. Requires
// ownership.
func (r *Repository) CollapseBase(dir longid.Name, who string, chk access.Checker) (*dirnode.Node, error) {
	unlock := r.lock(dir, true)
	defer unlock()

	n, err := r.resolve(dir)
	if err != nil {
		return nil, err
	}
	out, err := n.CollapseBase(chk, who)
	if err != nil {
		return nil, err
	}
	r.registerDir(dir, out)

	r.Log.Start()
	defer r.commitLog()
	r.logPut(txlog.Record{Tag: txlog.TagColb, Dir: dir})
	return out, nil
}

// SetIndexMaster toggles the master bit on the entry at index in dir;
// requires the agreement capability.
func (r *Repository) SetIndexMaster(dir longid.Name, index uint32, master bool, hasAgreement bool) error {
	unlock := r.lock(dir, true)
	defer unlock()

	n, err := r.resolve(dir)
	if err != nil {
		return err
	}
	if err := n.SetIndexMaster(index, master, hasAgreement); err != nil {
		return err
	}

	r.Log.Start()
	defer r.commitLog()
	r.logPut(txlog.Record{Tag: txlog.TagMast, Dir: dir, Index: index, State: master})
	return nil
}

// MeasureDirectory reports dir's own-rep-plus-base size.
func (r *Repository) MeasureDirectory(dir longid.Name) (dirnode.DirectoryMeasurement, error) {
	unlock := r.lock(dir, false)
	defer unlock()
	n, err := r.resolve(dir)
	if err != nil {
		return dirnode.DirectoryMeasurement{}, err
	}
	return n.MeasureDirectory(), nil
}

// MeasureTree reports the recursive size of dir and every mutable
// child directory reachable from it. Measuring the whole volatile
// root holds the root's read lock across each subtree's inner-lock
// acquisition, reading every subtree interior under its own lock.
func (r *Repository) MeasureTree(dir longid.Name) (dirnode.DirectoryMeasurement, error) {
	unlock := r.lock(dir, false)
	defer unlock()

	n, err := r.resolve(dir)
	if err != nil {
		return dirnode.DirectoryMeasurement{}, err
	}
	resolveChild := func(parent *dirnode.Node, e dirnode.Entry) (*dirnode.Node, bool) {
		pname, ok := r.nameOf(parent)
		if !ok {
			return nil, false
		}
		return r.dir(childName(pname, e.Index))
	}
	if !dir.Equal(r.VolRootName) {
		return n.MeasureTree(resolveChild), nil
	}

	total := n.MeasureDirectory()
	n.List(0, true, func(res dirnode.LookupResult) bool {
		if !res.Entry.Type.IsDirectory() {
			return true
		}
		child := childName(dir, res.Index)
		unlockInner := r.lockFor(child, longid.ReadLockV)
		if sub, ok := r.dir(child); ok {
			m := sub.MeasureTree(resolveChild)
			total.UsedEntries += m.UsedEntries
			total.TotalEntries += m.TotalEntries
			total.Bytes += m.Bytes
		}
		unlockInner()
		return true
	})
	return total, nil
}

// attrClassFor picks the access.Class a given attribute write
// requires: administrative names need
// ClassAdministrative, everything else needs plain ownership.
func attrClassFor(name string) access.Class {
	if attrs.RequiresAdministrative(name) {
		return access.ClassAdministrative
	}
	return access.ClassOwner
}

// WriteAttr appends one record to arc's attribute history in dir,
// enforcing the access class the attribute name requires and logging
// the write.
func (r *Repository) WriteAttr(dir longid.Name, arc string, op attrs.Op, name, value string, who string, chk access.Checker) (bool, error) {
	unlock := r.lock(dir, true)
	defer unlock()

	n, err := r.resolve(dir)
	if err != nil {
		return false, err
	}
	if chk == nil {
		chk = access.AllowAll{}
	}
	if !chk.Check(who, attrClassFor(name), arc) {
		return false, errs.NoPermission
	}

	ts := now()
	key := attrKey(arc, name)
	updated, noop := attrs.Write(n.Attrs[key], op, name, value, 0, ts)
	n.Attrs[key] = updated
	if noop {
		return true, nil
	}

	r.Log.Start()
	defer r.commitLog()
	r.logPut(txlog.Record{Tag: txlog.TagAttr, Dir: dir, Arc: arc, AttrOp: op.String(), AttrName: name, AttrValue: value, Ts: ts})
	return false, nil
}
