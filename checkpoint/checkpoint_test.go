package checkpoint

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesta-scm/repository/pool"
)

func TestWriteReadRoundTripWithoutVolatile(t *testing.T) {
	stable := pool.New(1<<20, 1<<20)
	sp, err := stable.Allocate(pool.TypeAttrib, 16)
	require.NoError(t, err)

	roots := Roots{
		RepoRootRep:     sp,
		RepoRootAttr:    sp,
		MutableRootRep:  sp,
		MutableRootAttr: sp,
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, stable, nil, roots, false))

	gotStable := pool.New(1<<20, 1<<20)
	gotRoots, err := Read(&buf, gotStable, nil, false)
	require.NoError(t, err)
	assert.Equal(t, roots, gotRoots)
	assert.Equal(t, stable.NextSP(), gotStable.NextSP())
	assert.Equal(t, stable.Bytes(), gotStable.Bytes())
}

func TestWriteReadRoundTripWithVolatile(t *testing.T) {
	stable := pool.New(1<<20, 1<<20)
	volatile := pool.New(1<<20, 1<<20)
	sp, err := stable.Allocate(pool.TypeAttrib, 16)
	require.NoError(t, err)
	vsp, err := volatile.Allocate(pool.TypeAttrib, 16)
	require.NoError(t, err)

	roots := Roots{
		RepoRootRep:      sp,
		RepoRootAttr:     sp,
		MutableRootRep:   sp,
		MutableRootAttr:  sp,
		VolatileRootRep:  vsp,
		VolatileRootAttr: vsp,
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, stable, volatile, roots, true))

	gotStable := pool.New(1<<20, 1<<20)
	gotVolatile := pool.New(1<<20, 1<<20)
	gotRoots, err := Read(&buf, gotStable, gotVolatile, true)
	require.NoError(t, err)
	assert.Equal(t, roots, gotRoots)
	assert.Equal(t, volatile.Bytes(), gotVolatile.Bytes())
}

func TestReadCanSkipVolatilePortion(t *testing.T) {
	stable := pool.New(1<<20, 1<<20)
	volatile := pool.New(1<<20, 1<<20)
	sp, err := stable.Allocate(pool.TypeAttrib, 16)
	require.NoError(t, err)
	_, err = volatile.Allocate(pool.TypeAttrib, 16)
	require.NoError(t, err)

	roots := Roots{RepoRootRep: sp, RepoRootAttr: sp, MutableRootRep: sp, MutableRootAttr: sp, VolatileRootRep: sp, VolatileRootAttr: sp}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, stable, volatile, roots, true))

	gotStable := pool.New(1<<20, 1<<20)
	gotRoots, err := Read(&buf, gotStable, nil, false)
	require.NoError(t, err)
	assert.Equal(t, roots.RepoRootRep, gotRoots.RepoRootRep)
}

func TestReadRejectsEndianMismatch(t *testing.T) {
	stable := pool.New(1<<20, 1<<20)
	roots := Roots{}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, stable, nil, roots, false))

	corrupt := buf.Bytes()
	// Flip a byte inside the endian word (right after "(smem 1\n").
	idx := bytes.IndexByte(corrupt, '\n') + 1
	corrupt[idx] ^= 0xff

	gotStable := pool.New(1<<20, 1<<20)
	_, err := Read(bytes.NewReader(corrupt), gotStable, nil, false)
	assert.Error(t, err)
}
