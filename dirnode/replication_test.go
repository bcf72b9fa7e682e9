package dirnode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSafeReplacementStubToMaster(t *testing.T) {
	old := Entry{Master: true, Type: Stub}
	new := Entry{Master: true, Type: ImmutableFile}
	assert.True(t, IsSafeReplacement(old, new))
}

func TestIsSafeReplacementMasterToGhost(t *testing.T) {
	old := Entry{Master: true, Type: ImmutableFile}
	new := Entry{Master: true, Type: Ghost}
	assert.True(t, IsSafeReplacement(old, new))
}

func TestIsSafeReplacementNonMasterToGhostOrStub(t *testing.T) {
	old := Entry{Master: false, Type: ImmutableFile}
	assert.True(t, IsSafeReplacement(old, Entry{Master: false, Type: Ghost}))
	assert.True(t, IsSafeReplacement(old, Entry{Master: false, Type: Stub}))
}

func TestIsSafeReplacementRejectsUnsafeCombinations(t *testing.T) {
	old := Entry{Master: true, Type: ImmutableFile}
	new := Entry{Master: true, Type: ImmutableFile}
	assert.False(t, IsSafeReplacement(old, new), "replacing a live master entry with another live master entry needs agreement")

	assert.False(t, IsSafeReplacement(Entry{Master: false, Type: ImmutableFile}, Entry{Master: true, Type: ImmutableFile}),
		"a non-master entry claiming master status needs agreement")
}

func TestIsSafeNewEntryRequiresMasterDirectoryAndEntry(t *testing.T) {
	assert.True(t, IsSafeNewEntry(true, true))
	assert.False(t, IsSafeNewEntry(true, false))
	assert.False(t, IsSafeNewEntry(false, true))
	assert.False(t, IsSafeNewEntry(false, false))
}
