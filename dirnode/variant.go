package dirnode

import "fmt"

// Variant is one of the six points in the directory-node mutability
// lattice.
type Variant uint8

const (
	Immutable Variant = iota
	Appendable
	Mutable
	Volatile
	VolatileROE
	Evaluator
)

func (v Variant) String() string {
	switch v {
	case Immutable:
		return "immutable"
	case Appendable:
		return "appendable"
	case Mutable:
		return "mutable"
	case Volatile:
		return "volatile"
	case VolatileROE:
		return "volatile-read-only-existing"
	case Evaluator:
		return "evaluator"
	default:
		return fmt.Sprintf("Variant(%d)", uint8(v))
	}
}

// Writable reports whether new entries may be appended to a
// directory of this variant directly (Evaluator and Immutable never
// accept direct writes; VolatileROE only accepts genuinely new
// names, which callers enforce at the Insert call site).
func (v Variant) Writable() bool {
	switch v {
	case Immutable, Evaluator:
		return false
	default:
		return true
	}
}

// OwnIndicesOdd reports whether this variant assigns odd indices to
// its own rep (every variant except Immutable and Evaluator, whose
// own indices run even).
func (v Variant) OwnIndicesOdd() bool {
	switch v {
	case Immutable, Evaluator:
		return false
	default:
		return true
	}
}
