package txlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesta-scm/repository/fingerprint"
	"github.com/vesta-scm/repository/longid"
)

func root(t *testing.T) longid.Name {
	t.Helper()
	return longid.NewRoot(longid.RootRepository)
}

func TestEncodeDecodeDel(t *testing.T) {
	dir := root(t)
	r := Record{Tag: TagDel, Dir: dir, Arc: "foo.c", Ts: 42}
	text, err := Encode(r)
	require.NoError(t, err)
	assert.True(t, len(text) > 0)

	got, err := Decode(text)
	require.NoError(t, err)
	assert.Equal(t, TagDel, got.Tag)
	assert.Equal(t, "foo.c", got.Arc)
	assert.Equal(t, int64(42), got.Ts)
	assert.True(t, dir.Equal(got.Dir))
}

func TestEncodeDecodeInsFWithFingerprint(t *testing.T) {
	dir := root(t)
	fp := fingerprint.Compute(fingerprint.KindFile, []byte("hi"))
	r := Record{Tag: TagInsF, Dir: dir, Arc: "a b", FileID: 7, Master: true, Ts: 1, HasFP: true, FP: fp}
	text, err := Encode(r)
	require.NoError(t, err)

	got, err := Decode(text)
	require.NoError(t, err)
	assert.Equal(t, "a b", got.Arc, "quoted arc with an embedded space must round-trip")
	assert.EqualValues(t, 7, got.FileID)
	assert.True(t, got.Master)
	assert.True(t, got.HasFP)
	assert.Equal(t, fp, got.FP)
}

func TestEncodeDecodeRenWithQuotesInArc(t *testing.T) {
	toDir, fromDir := root(t), root(t)
	r := Record{Tag: TagRen, ToDir: toDir, ToArc: `weird "name"`, FromDir: fromDir, FromArc: "old", Ts: 3}
	text, err := Encode(r)
	require.NoError(t, err)

	got, err := Decode(text)
	require.NoError(t, err)
	assert.Equal(t, `weird "name"`, got.ToArc)
	assert.Equal(t, "old", got.FromArc)
}

func TestEncodeDecodeAttr(t *testing.T) {
	dir := root(t)
	r := Record{Tag: TagAttr, Dir: dir, Arc: "build.sh", AttrOp: "add", AttrName: "#owner", AttrValue: "alice", Ts: 5}
	text, err := Encode(r)
	require.NoError(t, err)

	got, err := Decode(text)
	require.NoError(t, err)
	assert.Equal(t, "build.sh", got.Arc)
	assert.Equal(t, "add", got.AttrOp)
	assert.Equal(t, "#owner", got.AttrName)
	assert.Equal(t, "alice", got.AttrValue)
}

func TestEncodeDecodeMakI(t *testing.T) {
	dir := root(t)
	fp := fingerprint.Compute(fingerprint.KindFile, []byte("content"))
	r := Record{Tag: TagMakI, Dir: dir, Index: 9, HasFP: true, FP: fp, FileID: 3}
	text, err := Encode(r)
	require.NoError(t, err)

	got, err := Decode(text)
	require.NoError(t, err)
	assert.EqualValues(t, 9, got.Index)
	assert.True(t, got.HasFP)
	assert.Equal(t, fp, got.FP)
	assert.EqualValues(t, 3, got.FileID)
}

func TestDecodeUnknownTagErrors(t *testing.T) {
	_, err := Decode("(bogus 1 2 3)")
	assert.Error(t, err)
}

func TestVersionPolicyThresholds(t *testing.T) {
	assert.False(t, VersionPolicy{Version: 1}.EmitOutdatedForUnshadowedDelete())
	assert.True(t, VersionPolicy{Version: 2}.EmitOutdatedForUnshadowedDelete())
	assert.False(t, VersionPolicy{Version: 2}.ExtendOutdatedWhenBaseLacksArc())
	assert.True(t, VersionPolicy{Version: 3}.ExtendOutdatedWhenBaseLacksArc())
	assert.False(t, VersionPolicy{Version: 3}.MakiBeforeInsi())
	assert.True(t, VersionPolicy{Version: 4}.MakiBeforeInsi())
}
