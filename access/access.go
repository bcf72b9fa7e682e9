// Package access declares the boolean access-control predicate the
// repository core consumes. The identity-mapping, group-lookup, and
// export-filtering machinery behind it is an external collaborator;
// the core only ever calls Checker.Check.
package access

// Class names the kind of access being requested.
type Class int

const (
	// ClassOwner is required to modify attributes the owning identity
	// controls exclusively.
	ClassOwner Class = iota
	// ClassGroup is required for group-shared mutations.
	ClassGroup
	// ClassWorld gates world-writable operations.
	ClassWorld
	// ClassAdministrative is required for #-prefixed attributes that
	// only an administrator may set.
	ClassAdministrative
	// ClassAgreement is required for replication-unsafe mutations in
	// appendable directories and for setIndexMaster.
	ClassAgreement
)

func (c Class) String() string {
	switch c {
	case ClassOwner:
		return "ownership"
	case ClassGroup:
		return "group"
	case ClassWorld:
		return "world"
	case ClassAdministrative:
		return "administrative"
	case ClassAgreement:
		return "agreement"
	default:
		return "unknown"
	}
}

// Checker is the single predicate the core consumes from the
// access-control subsystem: does identity hold class access over
// value (a realm name, an owner id, or similar, depending on class)?
type Checker interface {
	Check(identity string, class Class, value string) bool
}

// AllowAll is a permissive Checker, useful for tests and for
// standalone operation of the core without a wired access-control
// subsystem.
type AllowAll struct{}

// Check always returns true.
func (AllowAll) Check(string, Class, string) bool { return true }

// DenyAll is a restrictive Checker, useful for tests that exercise
// the core's noPermission paths.
type DenyAll struct{}

// Check always returns false.
func (DenyAll) Check(string, Class, string) bool { return false }
