package fpindex

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vesta-scm/repository/fingerprint"
	"github.com/vesta-scm/repository/refcount"
)

func TestPutLookupDirectory(t *testing.T) {
	ix := New()
	fp := fingerprint.Compute(fingerprint.KindDirectory, []byte("dir contents"))
	ix.PutDirectory(fp, 42)

	addr, ok := ix.LookupDirectory(fp)
	assert.True(t, ok)
	assert.EqualValues(t, 42, addr)
}

func TestPutLookupFile(t *testing.T) {
	ix := New()
	fp := fingerprint.Compute(fingerprint.KindFile, []byte("hello"))
	ix.PutFile(fp, refcount.FileID(7))

	id, ok := ix.LookupFile(fp)
	assert.True(t, ok)
	assert.Equal(t, refcount.FileID(7), id)
}

func TestLookupMiss(t *testing.T) {
	ix := New()
	fp := fingerprint.Compute(fingerprint.KindFile, []byte("nope"))
	_, ok := ix.LookupFile(fp)
	assert.False(t, ok)
}

func TestResetClearsBothTables(t *testing.T) {
	ix := New()
	fp := fingerprint.Compute(fingerprint.KindFile, []byte("x"))
	ix.PutFile(fp, 1)
	ix.PutDirectory(fp, 1)
	ix.Reset()

	dirs, files := ix.Len()
	assert.Zero(t, dirs)
	assert.Zero(t, files)
}
