package refcount

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncrementDecrement(t *testing.T) {
	c := New()
	assert.Equal(t, 1, c.Increment(7))
	assert.Equal(t, 2, c.Increment(7))
	assert.Equal(t, 1, c.Decrement(7, false))
	assert.Equal(t, 0, c.Decrement(7, false))
	assert.Equal(t, 0, c.GetCount(7))
}

func TestHardLinkThenDeleteOne(t *testing.T) {
	c := New()
	id := FileID(42)
	c.Increment(id) // insert
	c.Increment(id) // hard-link
	assert.Equal(t, 2, c.GetCount(id))
	c.Decrement(id, false) // delete one name
	assert.Equal(t, 1, c.GetCount(id))
	c.Decrement(id, false) // delete the other
	assert.Equal(t, 0, c.GetCount(id))
}

func TestDecrementBelowZeroWithoutAllowZeroIsNoop(t *testing.T) {
	c := New()
	assert.Equal(t, 0, c.Decrement(1, false))
	assert.Equal(t, 0, c.GetCount(1))
}

func TestDecrementAllowZeroClearsEntry(t *testing.T) {
	c := New()
	c.Increment(1)
	c.Decrement(1, false)
	assert.Equal(t, 0, c.Decrement(1, true))
	_, ok := c.Snapshot()[1]
	assert.False(t, ok)
}

func TestCompareMatchesAndDiverges(t *testing.T) {
	a := New()
	b := New()
	a.Increment(1)
	b.Increment(1)
	assert.True(t, a.Compare(b))

	b.Increment(1)
	assert.False(t, a.Compare(b))
}

func TestResetClearsAllCounts(t *testing.T) {
	c := New()
	c.Increment(1)
	c.Increment(2)
	c.Reset()
	assert.Empty(t, c.Snapshot())
}
