package billystore

import (
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateStatDuplicate(t *testing.T) {
	s := New(memfs.New(), 4)

	id, err := s.Create()
	require.NoError(t, err)

	f, err := s.OpenForWrite(id)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)

	size, err := s.Stat(id)
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)

	dup, err := s.Duplicate(id, 0)
	require.NoError(t, err)
	assert.NotEqual(t, id, dup)

	dupSize, err := s.Stat(dup)
	require.NoError(t, err)
	assert.Equal(t, size, dupSize)
}

func TestMakeReadOnlyThenUnlink(t *testing.T) {
	s := New(memfs.New(), 4)
	id, err := s.Create()
	require.NoError(t, err)
	require.NoError(t, s.MakeReadOnly(id))
	require.NoError(t, s.Unlink(id))

	_, err = s.Stat(id)
	assert.Error(t, err)
}

func TestDuplicateRespectsCopyMax(t *testing.T) {
	s := New(memfs.New(), 4)
	id, err := s.Create()
	require.NoError(t, err)
	f, err := s.OpenForWrite(id)
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)

	dup, err := s.Duplicate(id, 4)
	require.NoError(t, err)
	size, err := s.Stat(dup)
	require.NoError(t, err)
	assert.EqualValues(t, 4, size)
}
