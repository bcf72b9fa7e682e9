package attrs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteAssignsForwardTimestamp(t *testing.T) {
	h, noop := Write(nil, Add, "k", "v1", 0, 5)
	assert.False(t, noop)
	assert.Equal(t, int64(5), h[0].Timestamp)

	h, noop = Write(h, Add, "k", "v2", 0, 5) // clock didn't advance
	assert.False(t, noop)
	assert.Equal(t, int64(6), h[0].Timestamp, "must make forward progress past the prior head")
}

func TestWriteDuplicateOfHeadIsNoop(t *testing.T) {
	h, _ := Write(nil, Set, "k", "v1", 10, 10)
	h2, noop := Write(h, Set, "k", "v1", 0, 11)
	assert.True(t, noop)
	assert.Equal(t, h, h2)
}

func TestCanonicalizeSetWipesOlderAddRemove(t *testing.T) {
	// add(k,v1); add(k,v2); remove(k,v1); set(k,v3)
	h := History{
		{Op: Set, Name: "k", Value: "v3", Timestamp: 4},
		{Op: Remove, Name: "k", Value: "v1", Timestamp: 3},
		{Op: Add, Name: "k", Value: "v2", Timestamp: 2},
		{Op: Add, Name: "k", Value: "v1", Timestamp: 1},
	}
	k := Canonicalize(h)
	assert.Len(t, k, 1)
	assert.Equal(t, Record{Op: Set, Name: "k", Value: "v3", Timestamp: 4}, k[0])
	assert.Equal(t, []string{"v3"}, Resolve(k, "k"))
}

func TestCanonicalizeKeepsAddRemoveRunUntilClear(t *testing.T) {
	h := History{
		{Op: Add, Name: "k", Value: "v2", Timestamp: 3},
		{Op: Remove, Name: "k", Value: "v1", Timestamp: 2},
		{Op: Clear, Name: "k", Value: "", Timestamp: 1},
	}
	k := Canonicalize(h)
	assert.Len(t, k, 2, "the terminating clear is dropped once newer add/remove entries cover the name")
	assert.Equal(t, []string{"v2"}, Resolve(k, "k"))
}

func TestCanonicalizeSoleClearIsKept(t *testing.T) {
	h := History{{Op: Clear, Name: "k", Value: "", Timestamp: 1}}
	k := Canonicalize(h)
	assert.Equal(t, h, k)
	assert.Nil(t, Resolve(k, "k"))
}

func TestCanonicalizeSeparatesNames(t *testing.T) {
	h := History{
		{Op: Set, Name: "a", Value: "1", Timestamp: 2},
		{Op: Add, Name: "b", Value: "x", Timestamp: 1},
	}
	k := Canonicalize(h)
	assert.Len(t, k, 2)
	assert.Equal(t, []string{"1"}, Resolve(k, "a"))
	assert.Equal(t, []string{"x"}, Resolve(k, "b"))
}

func TestResolveUnknownNameIsNil(t *testing.T) {
	assert.Nil(t, Resolve(History{{Op: Set, Name: "a", Value: "1", Timestamp: 1}}, "missing"))
}

func TestResolveMultisetAllowsDuplicateAdds(t *testing.T) {
	h := History{
		{Op: Add, Name: "k", Value: "v1", Timestamp: 2},
		{Op: Add, Name: "k", Value: "v1", Timestamp: 1},
	}
	assert.Equal(t, []string{"v1", "v1"}, Resolve(h, "k"))
}

func TestIsSpecialAndAdministrative(t *testing.T) {
	assert.True(t, IsSpecial(AttrOwner))
	assert.False(t, IsSpecial("symlink-to"))
	assert.True(t, RequiresAdministrative(AttrSetuid))
	assert.False(t, RequiresAdministrative(AttrOwner))
}
