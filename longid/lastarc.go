package longid

import "strconv"

// LastNumericArc resolves the "$LAST" convention: the largest
// all-digits arc with no leading zeros among arcs. It returns false if
// no arc qualifies.
//
// The expansion is needed by both the filesystem adapter and the
// core; this helper gives both a single place to call so they can't
// drift.
func LastNumericArc(arcs []string) (string, bool) {
	best := ""
	bestVal := uint64(0)
	found := false
	for _, a := range arcs {
		if !isCanonicalDigits(a) {
			continue
		}
		v, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			continue
		}
		if !found || v > bestVal {
			bestVal = v
			best = a
			found = true
		}
	}
	return best, found
}

func isCanonicalDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	if len(s) > 1 && s[0] == '0' {
		return false
	}
	return true
}
