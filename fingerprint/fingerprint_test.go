package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDeterministic(t *testing.T) {
	a := Compute(KindFile, []byte("hello"))
	b := Compute(KindFile, []byte("hello"))
	assert.Equal(t, a, b)
	assert.False(t, a.IsZero())
}

func TestComputeKindSeparation(t *testing.T) {
	a := Compute(KindFile, []byte("hello"))
	b := Compute(KindDirectory, []byte("hello"))
	assert.NotEqual(t, a, b, "identical bytes under different kinds must not collide")
}

func TestHexRoundTrip(t *testing.T) {
	fp := Compute(KindFile, []byte("hello"))
	got, err := FromHex(fp.Hex())
	require.NoError(t, err)
	assert.Equal(t, fp, got)
}

func TestStringIsSixteenHexBytes(t *testing.T) {
	fp := Compute(KindFile, []byte("hello"))
	s := fp.String()
	// 16 bytes * 2 hex chars + 15 separating spaces.
	assert.Len(t, s, Size*2+Size-1)
}

func TestZeroValueIsZero(t *testing.T) {
	var fp Fingerprint
	assert.True(t, fp.IsZero())
}
