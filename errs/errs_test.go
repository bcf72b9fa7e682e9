package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeIsComparableError(t *testing.T) {
	var err error = NotFound
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrNoPermission))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "longIdOverflow", LongIdOverflow.String())
	assert.Equal(t, "notMaster", NotMaster.String())
}

func TestFatalWrapsAndUnwraps(t *testing.T) {
	base := errors.New("disk full")
	fe := NewFatal(base)
	assert.ErrorIs(t, fe, base)
	assert.Nil(t, NewFatal(nil))
}
