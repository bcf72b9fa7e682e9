package forward

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vesta-scm/repository/longid"
)

func TestResolveFollowsChain(t *testing.T) {
	a := longid.NewRoot(longid.RootMutable).Append(1)
	b := longid.NewRoot(longid.RootMutable).Append(2)
	c := longid.NewRoot(longid.RootMutable).Append(3)

	table := map[longid.Name]Pointer{
		a: New(b),
		b: New(c),
	}
	lookup := func(n longid.Name) (Pointer, bool) {
		p, ok := table[n]
		return p, ok
	}

	got := Resolve(a, lookup, 10)
	assert.True(t, got.Equal(c))
}

func TestResolveStopsAtNonForwarded(t *testing.T) {
	a := longid.NewRoot(longid.RootMutable).Append(1)
	got := Resolve(a, func(longid.Name) (Pointer, bool) { return Pointer{}, false }, 10)
	assert.True(t, got.Equal(a))
}

func TestResolveBoundedByMaxHops(t *testing.T) {
	a := longid.NewRoot(longid.RootMutable).Append(1)
	b := longid.NewRoot(longid.RootMutable).Append(2)
	table := map[longid.Name]Pointer{
		a: New(b),
		b: New(a), // cycle
	}
	lookup := func(n longid.Name) (Pointer, bool) {
		p, ok := table[n]
		return p, ok
	}
	// Must terminate rather than loop forever.
	got := Resolve(a, lookup, 3)
	assert.True(t, got.Equal(a) || got.Equal(b))
}
