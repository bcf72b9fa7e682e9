// snapshot.go serializes and restores the in-memory directory tree
// against a pool-backed checkpoint. encodeNode walks the directory
// graph once, emitting each distinct node exactly once and
// referencing earlier emissions by short pointer when a node is
// reached again through another path, rather than re-encoding shared
// content.
package repo

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vesta-scm/repository/attrs"
	"github.com/vesta-scm/repository/checkpoint"
	"github.com/vesta-scm/repository/dirnode"
	"github.com/vesta-scm/repository/fingerprint"
	"github.com/vesta-scm/repository/longid"
	"github.com/vesta-scm/repository/pool"
	"github.com/vesta-scm/repository/refcount"
)

// nodeHeaderSize is the fixed per-node prefix encodeNode writes ahead
// of the packed entries: 16-byte fingerprint, 8-byte timestamp,
// 8-byte pseudo-inode.
const nodeHeaderSize = fingerprint.Size + 8 + 8

// encodeKey/decodeKey qualify a node or short pointer by the pool it
// was written to; the stable and volatile pools have overlapping
// short-pointer spaces, so a bare pointer is ambiguous.
type encodeKey struct {
	node *dirnode.Node
	pool *pool.Pool
}

type decodeKey struct {
	sp   pool.ShortPtr
	pool *pool.Pool
}

func blockTypeFor(v dirnode.Variant) pool.BlockType {
	switch v {
	case dirnode.Immutable:
		return pool.TypeDirImmutable
	case dirnode.Appendable:
		return pool.TypeDirAppendable
	case dirnode.Evaluator:
		return pool.TypeDirEvaluator
	default: // Mutable, Volatile, VolatileROE
		return pool.TypeDirChangeable
	}
}

// encodeNode writes n's rep block (and, transitively, every directory
// it references that hasn't already been written) to p, reusing an
// already-assigned short pointer for a node reached a second time
// through a different path.
func (r *Repository) encodeNode(n *dirnode.Node, p *pool.Pool, assigned map[encodeKey]pool.ShortPtr) (pool.ShortPtr, error) {
	if sp, ok := assigned[encodeKey{n, p}]; ok {
		return sp, nil
	}

	name, ok := r.nameOf(n)
	if !ok {
		return 0, fmt.Errorf("repo: checkpoint: encountered a directory node with no registered name")
	}

	entries := make([]dirnode.Entry, len(n.Entries))
	copy(entries, n.Entries)
	if n.Variant == dirnode.Immutable {
		// Runs of outdated entries in a sealed directory can never be
		// shadowed again; collapse each run into one gap entry so the
		// checkpoint doesn't carry them while later entries keep their
		// indices.
		entries = dirnode.CompressForCheckpoint(entries)
	}
	for i, e := range entries {
		if !e.Type.IsDirectory() {
			continue
		}
		child, ok := r.dir(childName(name, e.Index))
		if !ok {
			continue
		}
		childPool := p
		if child.Variant == dirnode.Volatile || child.Variant == dirnode.VolatileROE {
			childPool = r.Volatile
		}
		childSP, err := r.encodeNode(child, childPool, assigned)
		if err != nil {
			return 0, err
		}
		entries[i].Value = uint32(childSP)
	}

	linkKind := dirnode.LinkNone
	var baseSP pool.ShortPtr
	if n.Base != nil {
		var err error
		baseSP, err = r.encodeNode(n.Base, p, assigned)
		if err != nil {
			return 0, err
		}
		linkKind = dirnode.LinkBase
	}

	// Fixed node header ahead of the packed entries: fingerprint,
	// timestamp, pseudo-inode. None of these live in the entry
	// encoding, and all three must survive a restart.
	body := make([]byte, 0, nodeHeaderSize)
	body = append(body, n.Fingerprint[:]...)
	body = binary.LittleEndian.AppendUint64(body, uint64(n.Timestamp))
	body = binary.LittleEndian.AppendUint64(body, n.PseudoInode)

	rep, err := dirnode.EncodeRep(entries)
	if err != nil {
		return 0, err
	}
	body = append(body, rep...)
	body = dirnode.EncodeLink(body, linkKind, uint32(baseSP))
	// Entry indices follow the link: they can't be re-derived from
	// position alone (a rename's tombstone inherits the vacated
	// entry's index), so the checkpoint carries them explicitly.
	body = binary.LittleEndian.AppendUint32(body, uint32(len(entries)))
	for _, e := range entries {
		body = binary.LittleEndian.AppendUint32(body, e.Index)
	}
	// Leaf attribute histories ride along in the same block, appended
	// after the rep/link bytes, rather than as a separate pool-block
	// chain addressed through Entry.AttrChain: decodeNode's
	// growing-window scan reads them back with attrs.DecodeAll once
	// DecodeRep/DecodeLink have consumed their own prefix.
	body = append(body, attrs.EncodeAll(n.Attrs)...)

	sp, err := p.Allocate(blockTypeFor(n.Variant), uint32(len(body)))
	if err != nil {
		return 0, err
	}
	if _, err := p.WriteAt(sp, body); err != nil {
		return 0, err
	}
	assigned[encodeKey{n, p}] = sp
	return sp, nil
}

// Checkpoint serializes the repository and mutable root trees, and,
// when includeVolatile is set, the volatile root tree too, into
// their pools and writes the resulting image to w. LoadCheckpoint with
// a matching includeVolatile decodes the volatile root back from the
// same image rather than installing a fresh empty one.
func (r *Repository) Checkpoint(w io.Writer, includeVolatile bool) error {
	unlock := r.lockFor(r.RepoRootName, longid.ReadLock)
	defer unlock()

	assigned := make(map[encodeKey]pool.ShortPtr)

	repoRoot, ok := r.dir(r.RepoRootName)
	if !ok {
		return fmt.Errorf("repo: checkpoint: repository root is not registered")
	}
	repoRootRep, err := r.encodeNode(repoRoot, r.Stable, assigned)
	if err != nil {
		return fmt.Errorf("repo: checkpoint: encode repository root: %w", err)
	}

	mutRoot, ok := r.dir(r.MutRootName)
	if !ok {
		return fmt.Errorf("repo: checkpoint: mutable root is not registered")
	}
	mutRootRep, err := r.encodeNode(mutRoot, r.Stable, assigned)
	if err != nil {
		return fmt.Errorf("repo: checkpoint: encode mutable root: %w", err)
	}

	roots := checkpoint.Roots{
		RepoRootRep:    repoRootRep,
		MutableRootRep: mutRootRep,
		// The *Attr fields stay pool.Null: attribute histories travel
		// inline inside each node's rep block (see encodeNode) rather
		// than as their own pool-block chain.
	}

	if includeVolatile {
		unlockVol := r.lockFor(r.VolRootName, longid.ReadLock)
		defer unlockVol()
		if volRoot, ok := r.dir(r.VolRootName); ok {
			volRootRep, err := r.encodeNode(volRoot, r.Volatile, assigned)
			if err != nil {
				return fmt.Errorf("repo: checkpoint: encode volatile root: %w", err)
			}
			roots.VolatileRootRep = volRootRep
		}
	}

	return checkpoint.Write(w, r.Stable, r.Volatile, roots, includeVolatile)
}

// decodeNode reads one rep block at sp from p and materializes it (and
// its base chain, and every directory-type child entry, recursively)
// as Node values registered under name and its descendants.
func (r *Repository) decodeNode(sp pool.ShortPtr, p *pool.Pool, variant dirnode.Variant, name longid.Name, decoded map[decodeKey]*dirnode.Node) (*dirnode.Node, error) {
	if sp.IsNull() {
		return nil, nil
	}
	if n, ok := decoded[decodeKey{sp, p}]; ok {
		r.registerDir(name, n)
		return n, nil
	}

	// The block's body length isn't independently recorded by this
	// short-pointer scheme (pool.Pool tracks it internally for
	// free/coalesce purposes only), so rep blocks are read via a
	// growing-window scan: attempt to decode entries from a
	// conservative upper bound and trust DecodeRep/DecodeLink's own
	// consumed-byte accounting to find the true extent.
	scan := uint32(1 << 20)
	if avail := uint32(p.NextSP()) - uint32(sp); avail < scan {
		scan = avail
	}
	buf := make([]byte, scan)
	if _, err := p.ReadAt(sp, buf); err != nil {
		return nil, fmt.Errorf("repo: checkpoint: read rep block at %d: %w", sp, err)
	}
	if len(buf) < nodeHeaderSize {
		return nil, fmt.Errorf("repo: checkpoint: truncated node header at %d", sp)
	}

	var fp fingerprint.Fingerprint
	copy(fp[:], buf[:fingerprint.Size])
	ts := int64(binary.LittleEndian.Uint64(buf[fingerprint.Size:]))
	pseudoInode := binary.LittleEndian.Uint64(buf[fingerprint.Size+8:])
	consumed := nodeHeaderSize

	entries, repConsumed, err := dirnode.DecodeRep(buf[consumed:])
	if err != nil {
		return nil, fmt.Errorf("repo: checkpoint: decode rep at %d: %w", sp, err)
	}
	consumed += repConsumed
	linkKind, baseSP, linkConsumed, err := dirnode.DecodeLink(buf[consumed:])
	if err != nil {
		return nil, fmt.Errorf("repo: checkpoint: decode link at %d: %w", sp, err)
	}
	consumed += linkConsumed

	if len(buf[consumed:]) < 4 {
		return nil, fmt.Errorf("repo: checkpoint: truncated index count at %d", sp)
	}
	idxCount := int(binary.LittleEndian.Uint32(buf[consumed:]))
	consumed += 4
	if len(buf[consumed:]) < 4*idxCount {
		return nil, fmt.Errorf("repo: checkpoint: truncated index list at %d", sp)
	}
	indices := make([]uint32, idxCount)
	for i := range indices {
		indices[i] = binary.LittleEndian.Uint32(buf[consumed:])
		consumed += 4
	}

	nodeAttrs, _, err := attrs.DecodeAll(buf[consumed:])
	if err != nil {
		return nil, fmt.Errorf("repo: checkpoint: decode attrs at %d: %w", sp, err)
	}

	n := dirnode.NewNode(variant, ts)
	n.Fingerprint = fp
	n.PseudoInode = pseudoInode
	n.Entries = entries
	n.Attrs = nodeAttrs
	decoded[decodeKey{sp, p}] = n
	r.registerDir(name, n)

	if linkKind == dirnode.LinkBase {
		base, err := r.decodeNode(pool.ShortPtr(baseSP), p, dirnode.Immutable, name, decoded)
		if err != nil {
			return nil, err
		}
		n.Base = base
		// The base shares the overlay's Name; re-register the overlay
		// so name lookups land on the layered node, not the base it
		// just decoded.
		r.registerDir(name, n)
	}

	// The entry encoding carries no indices; restore them before the
	// child walk below so each child is registered under the Name its
	// entry's index produces.
	if err := n.RestoreIndices(indices); err != nil {
		return nil, fmt.Errorf("repo: checkpoint: at %d: %w", sp, err)
	}

	for _, e := range n.Entries {
		if !e.Type.IsDirectory() {
			continue
		}
		childVariant := childVariantFor(e.Type)
		if _, err := r.decodeNode(pool.ShortPtr(e.Value), p, childVariant, childName(name, e.Index), decoded); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func childVariantFor(t dirnode.Type) dirnode.Variant {
	switch t {
	case dirnode.ImmutableDirectory:
		return dirnode.Immutable
	case dirnode.AppendableDirectory:
		return dirnode.Appendable
	case dirnode.MutableDirectory:
		return dirnode.Mutable
	case dirnode.VolatileDirectory:
		return dirnode.Volatile
	case dirnode.VolatileROEDirectory:
		return dirnode.VolatileROE
	case dirnode.EvaluatorDirectory, dirnode.EvaluatorROEDirectory:
		return dirnode.Evaluator
	default:
		return dirnode.Immutable
	}
}

// LoadCheckpoint reads a checkpoint written by Checkpoint, replacing
// r's stable (and, if includeVolatile, volatile) pool contents and
// rematerializing the three singleton roots plus every directory
// transitively reachable from them.
func (r *Repository) LoadCheckpoint(rd io.Reader, includeVolatile bool) error {
	// Both write locks for the whole load: the derived-index rebuild at
	// the end walks the volatile tree even when the volatile image is
	// being skipped.
	unlock := r.lockFor(r.RepoRootName, longid.WriteLock)
	defer unlock()
	unlockVol := r.lockFor(r.VolRootName, longid.WriteLock)
	defer unlockVol()

	roots, err := checkpoint.Read(rd, r.Stable, r.Volatile, includeVolatile)
	if err != nil {
		return fmt.Errorf("repo: load checkpoint: %w", err)
	}

	decoded := make(map[decodeKey]*dirnode.Node)
	if _, err := r.decodeNode(roots.RepoRootRep, r.Stable, dirnode.Appendable, r.RepoRootName, decoded); err != nil {
		return fmt.Errorf("repo: load checkpoint: repository root: %w", err)
	}
	if _, err := r.decodeNode(roots.MutableRootRep, r.Stable, dirnode.Mutable, r.MutRootName, decoded); err != nil {
		return fmt.Errorf("repo: load checkpoint: mutable root: %w", err)
	}
	if repoRoot, ok := r.dir(r.RepoRootName); ok {
		repoRoot.SetDirectoryMaster(true)
	}

	if includeVolatile {
		if roots.VolatileRootRep.IsNull() {
			// Nothing was encoded for the volatile root (e.g. it didn't
			// exist yet at checkpoint time): fall back to a fresh one,
			// matching a volatile-subtree restart.
			r.registerDir(r.VolRootName, dirnode.NewNode(dirnode.Volatile, 0))
		} else if _, err := r.decodeNode(roots.VolatileRootRep, r.Volatile, dirnode.Volatile, r.VolRootName, decoded); err != nil {
			return fmt.Errorf("repo: load checkpoint: volatile root: %w", err)
		}
	}

	r.rebuildDerivedIndices(decoded)
	return nil
}

// rebuildDerivedIndices repopulates the reference counter and the
// fingerprint index from the freshly decoded node set; neither is
// serialized in a checkpoint, both are derivable from the tree.
func (r *Repository) rebuildDerivedIndices(decoded map[decodeKey]*dirnode.Node) {
	r.Counter.Reset()
	r.walkMutableFileRefs(r.MutRootName, r.Counter)
	r.walkMutableFileRefs(r.VolRootName, r.Counter)

	r.FPIndex.Reset()
	for key, n := range decoded {
		if n.Variant == dirnode.Immutable && !n.Fingerprint.IsZero() && key.pool == r.Stable {
			r.FPIndex.PutDirectory(n.Fingerprint, key.sp)
		}
		for _, e := range n.Entries {
			if e.Type == dirnode.ImmutableFile && e.HasFP {
				r.FPIndex.PutFile(e.FP, refcount.FileID(e.Value))
			}
		}
	}
}
