package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateWritesRetrievableHeader(t *testing.T) {
	p := New(0, 0)
	sp, err := p.Allocate(TypeAttrib, 32)
	require.NoError(t, err)
	assert.False(t, sp.IsNull())

	bt, _, err := p.BlockType(sp)
	require.NoError(t, err)
	assert.Equal(t, TypeAttrib, bt)
}

func TestShortenLengthenRoundTrip(t *testing.T) {
	p := New(0, 0)
	sp := p.ShortenPointer(100)
	off, ok := p.LengthenPointer(sp)
	assert.True(t, ok)
	assert.Equal(t, uint32(100), off)

	_, ok = p.LengthenPointer(Null)
	assert.False(t, ok)
}

func TestFreeThenAllocateReusesSpace(t *testing.T) {
	p := New(0, 0)
	before := p.NextSP()

	sp, err := p.Allocate(TypeDirChangeable, 64)
	require.NoError(t, err)

	typ := TypeDirChangeable
	require.NoError(t, p.Free(sp, alignUp(64+headerSize), &typ))

	sp2, err := p.Allocate(TypeDirChangeable, 64)
	require.NoError(t, err)
	assert.False(t, sp2.IsNull())

	// A reused free block must not grow the high-water mark further.
	assert.Equal(t, before+ShortPtr(alignUp(64+headerSize)), p.NextSP())
}

func TestFreeWrongTypeRejected(t *testing.T) {
	p := New(0, 0)
	sp, err := p.Allocate(TypeAttrib, 16)
	require.NoError(t, err)

	wrong := TypeForward
	err = p.Free(sp, alignUp(16+headerSize), &wrong)
	assert.Error(t, err)
}

func TestReadWriteAtRoundTrip(t *testing.T) {
	p := New(0, 0)
	sp, err := p.Allocate(TypeAttrib, 8)
	require.NoError(t, err)

	data := []byte("deadbeef")
	n, err := p.WriteAt(sp, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	buf := make([]byte, len(data))
	_, err = p.ReadAt(sp, buf)
	require.NoError(t, err)
	assert.Equal(t, data, buf)
}

func TestAllocateExceedingHardLimitFails(t *testing.T) {
	p := New(64, 128)
	_, err := p.Allocate(TypeAttrib, 1000)
	assert.Error(t, err)
}

func TestGCReclaimsUnreachableBlocks(t *testing.T) {
	p := New(0, 0)
	var live ShortPtr

	p.RegisterCallbacks(TypeDirChangeable, func(visit func(ShortPtr)) {
		visit(live)
	}, func(addr ShortPtr) (bool, uint32) {
		return addr == live, alignUp(32 + headerSize)
	}, nil)

	live, _ = p.Allocate(TypeDirChangeable, 32)
	dead, _ := p.Allocate(TypeDirChangeable, 32)
	_ = dead

	p.GC(nil)

	sp, err := p.Allocate(TypeDirChangeable, 32)
	require.NoError(t, err)
	assert.False(t, sp.IsNull())
}

func TestLoadCheckpointResetsArena(t *testing.T) {
	p := New(0, 0)
	_, err := p.Allocate(TypeAttrib, 16)
	require.NoError(t, err)

	data := []byte{1, 2, 3, 4}
	require.NoError(t, p.LoadCheckpoint(data))
	assert.Equal(t, ShortPtr(len(data)+1), p.NextSP())
	assert.Equal(t, data, p.Bytes())
}
