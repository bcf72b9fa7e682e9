// Package forward implements the forwarding-pointer record: when a
// name is renamed out of a mutable directory, the vacated entry is
// marked deleted and points at a forwarding record carrying the new
// Name, so stale callers resolving the old Name can still find the
// entry.
package forward

import "github.com/vesta-scm/repository/longid"

// Pointer is a single forwarding record.
type Pointer struct {
	Target longid.Name
}

// New constructs a Pointer to target.
func New(target longid.Name) Pointer {
	return Pointer{Target: target}
}

// Resolve follows a chain of forwarding pointers to its end, using
// lookup to fetch the next pointer (if any) for a given Name. It
// stops at the first Name lookup reports has no forwarding pointer,
// or after maxHops to guard against an accidental cycle.
func Resolve(start longid.Name, lookup func(longid.Name) (Pointer, bool), maxHops int) longid.Name {
	cur := start
	for i := 0; i < maxHops; i++ {
		next, ok := lookup(cur)
		if !ok {
			return cur
		}
		cur = next.Target
	}
	return cur
}
