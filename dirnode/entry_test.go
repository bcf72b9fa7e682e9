package dirnode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEntryRoundTrip(t *testing.T) {
	e := Entry{
		Master:     true,
		HasFP:      true,
		SameAsBase: false,
		Type:       ImmutableFile,
		Value:      42,
		AttrChain:  7,
		FP:         [16]byte{1, 2, 3},
		Arc:        "hello.c",
	}
	buf, err := EncodeEntry(nil, e)
	require.NoError(t, err)

	got, n, ok, err := DecodeEntry(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, e.Master, got.Master)
	assert.Equal(t, e.HasFP, got.HasFP)
	assert.Equal(t, e.Type, got.Type)
	assert.Equal(t, e.Value, got.Value)
	assert.Equal(t, e.AttrChain, got.AttrChain)
	assert.Equal(t, e.FP, got.FP)
	assert.Equal(t, e.Arc, got.Arc)
}

func TestDecodeEntryTerminator(t *testing.T) {
	_, n, ok, err := DecodeEntry([]byte{entryTerminator})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, n)
}

func TestEncodeEntryRejectsOversizedArc(t *testing.T) {
	big := make([]byte, 256)
	_, err := EncodeEntry(nil, Entry{Arc: string(big)})
	assert.Error(t, err)
}

func TestEncodeDecodeRepRoundTrip(t *testing.T) {
	entries := []Entry{
		{Type: MutableFile, Value: 1, Arc: "a"},
		{Type: MutableDirectory, Value: 2, Arc: "b"},
		{Type: Ghost, Arc: "c"},
	}
	buf, err := EncodeRep(entries)
	require.NoError(t, err)
	assert.Zero(t, len(buf)%8, "rep block must be 8-byte aligned")

	got, n, err := DecodeRep(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	require.Len(t, got, 3)
	for i := range entries {
		assert.Equal(t, entries[i].Type, got[i].Type)
		assert.Equal(t, entries[i].Value, got[i].Value)
		assert.Equal(t, entries[i].Arc, got[i].Arc)
	}
}

func TestEncodeDecodeLinkRoundTrip(t *testing.T) {
	buf := EncodeLink(nil, LinkBase, 0xdeadbeef)
	kind, sp, n, err := DecodeLink(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, LinkBase, kind)
	assert.Equal(t, uint32(0xdeadbeef), sp)
}

func TestTypeHelpers(t *testing.T) {
	assert.True(t, MutableDirectory.IsDirectory())
	assert.False(t, MutableFile.IsDirectory())
	assert.True(t, Ghost.IsVisibleTombstone())
	assert.False(t, Deleted.IsVisibleTombstone())
}
