package repo

import (
	"github.com/vesta-scm/repository/dirnode"
	"github.com/vesta-scm/repository/errs"
	"github.com/vesta-scm/repository/forward"
	"github.com/vesta-scm/repository/longid"
	"github.com/vesta-scm/repository/txlog"
)

// logPut appends rec to the open transaction, panicking with a
// FatalError on failure. A log-commit failure (disk I/O) is fatal and
// the process aborts; Put can only fail the same way (a write to the
// underlying sink), so it's held to the same policy rather than
// silently dropped.
func (r *Repository) logPut(rec txlog.Record) {
	if err := r.Log.Put(rec); err != nil {
		panic(errs.NewFatal(err))
	}
}

// commitLog closes the open transaction, panicking with a FatalError
// on failure. Called via defer in every mutating
// ops.go method, mirroring logPut's policy.
func (r *Repository) commitLog() {
	if err := r.Log.Commit(); err != nil {
		panic(errs.NewFatal(err))
	}
}

// resolve looks up the in-memory Node a directory Name denotes,
// walking it index-by-index from its root rather than treating the
// registry as a flat, pre-populated table: dispatch on the root
// discriminator first, then descend one path index at a time,
// following any forwarding pointer a Deleted entry carries along the
// way.
func (r *Repository) resolve(name longid.Name) (*dirnode.Node, error) {
	return r.resolveName(name)
}

// resolveName is resolve's real implementation, factored out so
// LookupName's final-component handling can call it for every
// ancestor step without going through the resolve wrapper.
func (r *Repository) resolveName(name longid.Name) (*dirnode.Node, error) {
	if name.IsNull() {
		return nil, errs.InvalidArgs
	}
	kind, ok := name.RootKind()
	if !ok {
		return nil, errs.InvalidArgs
	}

	switch kind {
	case longid.RootFileIDDirectory:
		id, ok := name.FileIDDirectoryComponents()
		if !ok {
			return nil, errs.InvalidArgs
		}
		n, ok := r.dirByShortID(id)
		if !ok {
			return nil, errs.NotADirectory
		}
		return n, nil
	case longid.RootFileIDFile:
		// A direct file reference never denotes a directory.
		return nil, errs.InappropriateOp
	}

	idx, ok := name.Indices()
	if !ok || len(idx) < 2 {
		return nil, errs.InvalidArgs
	}

	cur := longid.NewRoot(kind)
	node, ok := r.dir(cur)
	if !ok {
		return nil, errs.NotADirectory
	}

	for _, step := range idx[2:] {
		res, found := node.LookupIndex(step)
		if !found {
			return nil, errs.NotADirectory
		}
		next := cur.Append(step)

		if res.Entry.Type == dirnode.Deleted {
			target := forward.Resolve(next, r.forwardLookup, maxForwardHops)
			if target.Equal(next) {
				return nil, errs.NotADirectory
			}
			targetNode, err := r.resolveName(target)
			if err != nil {
				return nil, err
			}
			node, cur = targetNode, target
			continue
		}

		if !res.Entry.Type.IsDirectory() {
			return nil, errs.NotADirectory
		}
		childNode, ok := r.dir(next)
		if !ok {
			return nil, errs.NotADirectory
		}
		node, cur = childNode, next
	}
	return node, nil
}

// rootEntryType maps a root directory's own Variant to the Type its
// synthetic self-denoting entry would carry, used when LookupName
// resolves a bare root Name (no parent, hence no real Entry in any
// rep).
func rootEntryType(v dirnode.Variant) dirnode.Type {
	switch v {
	case dirnode.Appendable:
		return dirnode.AppendableDirectory
	case dirnode.Mutable:
		return dirnode.MutableDirectory
	case dirnode.Volatile, dirnode.VolatileROE:
		return dirnode.VolatileDirectory
	default:
		return dirnode.ImmutableDirectory
	}
}

// LookupName resolves an arbitrary Name, including one obtained
// before a rename moved what it denoted, following any forwarding
// pointer left behind, and returns the entry it currently denotes
// plus the live Name it resolves to. The read lock is released before
// returning; callers that need the node to stay pinned use
// LookupNameLock instead.
func (r *Repository) LookupName(name longid.Name) (dirnode.LookupResult, longid.Name, error) {
	res, live, unlock, err := r.LookupNameLock(name, longid.ReadLock)
	if err != nil {
		return res, live, err
	}
	unlock()
	return res, live, nil
}

// LookupNameLock is the Name lookup operation with an explicit lock
// discipline: it acquires what kind requests (see lockFor for the
// per-kind semantics), resolves name, and returns the entry, the live
// Name it resolves to, and the unlock the caller must invoke when it
// is done with the result. Any lock acquired is released before
// returning on the failure path.
func (r *Repository) LookupNameLock(name longid.Name, kind longid.LockKind) (dirnode.LookupResult, longid.Name, func(), error) {
	unlock := r.lockFor(name, kind)
	res, live, err := r.lookupNameLocked(name)
	if err != nil {
		unlock()
		return res, live, nil, err
	}
	return res, live, unlock, nil
}

func (r *Repository) lookupNameLocked(name longid.Name) (dirnode.LookupResult, longid.Name, error) {
	kind, ok := name.RootKind()
	if !ok {
		return dirnode.LookupResult{}, longid.Name{}, errs.InvalidArgs
	}

	if kind == longid.RootFileIDFile {
		id, fp, ok := name.FileIDFileComponents()
		if !ok {
			return dirnode.LookupResult{}, longid.Name{}, errs.InvalidArgs
		}
		return dirnode.LookupResult{Entry: dirnode.Entry{
			Type: dirnode.MutableFile, Value: id, HasFP: true, FP: fp, Master: true,
		}}, name, nil
	}

	var idx uint32
	parent, hasParent := name.Parent(&idx)
	if !hasParent {
		n, err := r.resolveName(name)
		if err != nil {
			return dirnode.LookupResult{}, longid.Name{}, err
		}
		return dirnode.LookupResult{Entry: dirnode.Entry{Type: rootEntryType(n.Variant)}}, name, nil
	}

	parentNode, err := r.resolveName(parent)
	if err != nil {
		return dirnode.LookupResult{}, longid.Name{}, err
	}
	res, found := parentNode.LookupIndex(idx)
	if !found {
		return dirnode.LookupResult{}, longid.Name{}, errs.NotFound
	}

	if res.Entry.Type == dirnode.Deleted {
		target := forward.Resolve(name, r.forwardLookup, maxForwardHops)
		if target.Equal(name) {
			return dirnode.LookupResult{}, longid.Name{}, errs.NotFound
		}
		return r.lookupNameLocked(target)
	}
	return res, name, nil
}

// nameOf returns the Name n was last registered under, the inverse of
// dir, used by Checkpoint's post-order walk to recover the path an
// already-visited Node's child entries are addressed relative to.
func (r *Repository) nameOf(n *dirnode.Node) (longid.Name, bool) {
	r.dirsMu.RLock()
	defer r.dirsMu.RUnlock()
	name, ok := r.nodeNames[n]
	return name, ok
}

// childName computes the Name a freshly inserted directory entry at
// index under dir would be addressed by.
func childName(dir longid.Name, index uint32) longid.Name {
	return dir.Append(index)
}

// attachChild wires a freshly constructed in-memory Node into the
// registry at dir.Append(index), used by every Insert*Directory
// operation immediately after insertEntry succeeds.
func (r *Repository) attachChild(dir longid.Name, index uint32, n *dirnode.Node) longid.Name {
	name := childName(dir, index)
	r.registerDir(name, n)
	return name
}
