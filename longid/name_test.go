package longid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootAndRootKind(t *testing.T) {
	for _, kind := range []RootKind{RootRepository, RootMutable, RootVolatile} {
		n := NewRoot(kind)
		got, ok := n.RootKind()
		require.True(t, ok)
		assert.Equal(t, kind, got)
		assert.False(t, n.IsNull())
		assert.Equal(t, 0, n.Depth())
	}
}

func TestAppendParentRoundTrip(t *testing.T) {
	root := NewRoot(RootMutable)
	child := root.Append(5)
	require.False(t, child.IsNull())

	var idx uint32
	parent, ok := child.Parent(&idx)
	require.True(t, ok)
	assert.Equal(t, uint32(5), idx)
	assert.True(t, parent.Equal(root))
}

func TestAppendChain(t *testing.T) {
	n := NewRoot(RootRepository)
	n = n.Append(3)
	n = n.Append(7)
	n = n.Append(101)
	require.False(t, n.IsNull())
	assert.Equal(t, 3, n.Depth())

	var idx uint32
	p, ok := n.Parent(&idx)
	require.True(t, ok)
	assert.Equal(t, uint32(101), idx)
	assert.Equal(t, 2, p.Depth())
}

func TestIsAncestorOf(t *testing.T) {
	root := NewRoot(RootRepository)
	a := root.Append(1)
	b := a.Append(2)
	c := b.Append(3)

	assert.True(t, root.IsAncestorOf(a))
	assert.True(t, root.IsAncestorOf(b))
	assert.True(t, a.IsAncestorOf(b))
	assert.True(t, a.IsAncestorOf(c))
	assert.False(t, b.IsAncestorOf(a))
	assert.False(t, a.IsAncestorOf(a))

	null := Null()
	assert.False(t, null.IsAncestorOf(a))
	assert.False(t, a.IsAncestorOf(null))
}

func TestAppendOverflowYieldsNull(t *testing.T) {
	n := NewRoot(RootRepository)
	// Large indices consume up to 5 bytes each; force an overflow of
	// the 32-byte envelope.
	for i := 0; i < 10 && !n.IsNull(); i++ {
		n = n.Append(0xffffffff - uint32(i))
	}
	assert.True(t, n.IsNull())
}

func TestAppendToNullStaysNull(t *testing.T) {
	null := Null()
	assert.True(t, null.Append(4).IsNull())
}

func TestZeroIndexRejected(t *testing.T) {
	n := NewRoot(RootMutable)
	assert.True(t, n.Append(0).IsNull())
}

func TestStringParseRoundTrip(t *testing.T) {
	n := NewRoot(RootVolatile).Append(9).Append(12)
	s := n.String()
	got, err := Parse(s)
	require.NoError(t, err)
	assert.True(t, got.Equal(n))
}

func TestNullStringUsesAtForm(t *testing.T) {
	s := Null().String()
	assert.Equal(t, byte('@'), s[0])
}

func TestFileIDDirectRoot(t *testing.T) {
	n := NewRoot(RootFileIDDirectory).Append(42)
	kind, ok := n.RootKind()
	require.True(t, ok)
	assert.Equal(t, RootFileIDDirectory, kind)

	var idx uint32
	_, ok = n.Parent(&idx)
	require.True(t, ok)
	assert.Equal(t, uint32(42), idx)
}

func TestFileIDFileRootWithFingerprint(t *testing.T) {
	var fp [16]byte
	copy(fp[:], "0123456789abcdef")
	n := NewRoot(RootFileIDFile).Append(7).AppendFingerprint(fp)
	require.False(t, n.IsNull())
	kind, ok := n.RootKind()
	require.True(t, ok)
	assert.Equal(t, RootFileIDFile, kind)
}

func TestLastNumericArc(t *testing.T) {
	arcs := []string{"10", "2", "007", "9", "abc", "100"}
	got, ok := LastNumericArc(arcs)
	require.True(t, ok)
	assert.Equal(t, "100", got)

	_, ok = LastNumericArc([]string{"abc", "007"})
	assert.False(t, ok)
}

func TestLockKindProperties(t *testing.T) {
	assert.True(t, WriteLock.IsWrite())
	assert.True(t, WriteLockV.IsWrite())
	assert.False(t, ReadLock.IsWrite())
	assert.True(t, ReadLockV.IsVolatileInner())
	assert.True(t, WriteLockV.IsVolatileInner())
	assert.False(t, ReadLock.IsVolatileInner())
}
