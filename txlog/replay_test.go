package txlog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesta-scm/repository/longid"
)

func TestLogStartPutCommitWritesOnFlush(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.Start()
	require.NoError(t, l.Put(Record{Tag: TagVers, Version: CurrentVersion}))
	require.NoError(t, l.Put(Record{Tag: TagTime, Dir: longid.NewRoot(longid.RootMutable), Ts: 1}))
	require.NoError(t, l.Commit())

	assert.Contains(t, buf.String(), "(vers 4)")
	assert.Contains(t, buf.String(), "(time ")
}

func TestNestedTransactionsOnlyFlushAtOuterCommit(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.Start()
	l.Start()
	require.NoError(t, l.Put(Record{Tag: TagColb, Dir: longid.NewRoot(longid.RootRepository)}))
	require.NoError(t, l.Commit())
	assert.Equal(t, 1, l.Nesting(), "inner commit must not close the outer transaction")

	require.NoError(t, l.Commit())
	assert.Equal(t, 0, l.Nesting())
	assert.Contains(t, buf.String(), "(colb ")
}

func TestPutWithNoOpenTransactionErrors(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	err := l.Put(Record{Tag: TagColb, Dir: longid.NewRoot(longid.RootRepository)})
	assert.Error(t, err)
}

func TestSetLoggingDisabledSuppressesWrites(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.SetLoggingEnabled(false)
	l.Start()
	require.NoError(t, l.Put(Record{Tag: TagColb, Dir: longid.NewRoot(longid.RootRepository)}))
	require.NoError(t, l.Commit())
	assert.Empty(t, buf.String())
}

func TestReplayAppliesRecordsInOrderAndTracksVersion(t *testing.T) {
	dir := longid.NewRoot(longid.RootMutable)
	var lines []string
	for _, r := range []Record{
		{Tag: TagVers, Version: 3},
		{Tag: TagTime, Dir: dir, Ts: 1},
		{Tag: TagTime, Dir: dir, Ts: 2},
	} {
		text, err := Encode(r)
		require.NoError(t, err)
		lines = append(lines, text)
	}

	var applied []Tag
	dispatch := DispatcherFunc(func(r Record) error {
		applied = append(applied, r.Tag)
		return nil
	})

	res, err := Replay(strings.NewReader(strings.Join(lines, "")), dispatch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.RecordCount)
	assert.True(t, res.SawVersRecord)
	assert.Equal(t, 3, res.FinalVersion)
	assert.Equal(t, []Tag{TagVers, TagTime, TagTime}, applied)
}

func TestReplayAbortsOnCorruptRecord(t *testing.T) {
	dispatch := DispatcherFunc(func(Record) error { return nil })
	_, err := Replay(strings.NewReader("(bogus 1 2)\n"), dispatch)
	assert.Error(t, err)
}

func TestReplayAbortsOnDispatchError(t *testing.T) {
	dir := longid.NewRoot(longid.RootMutable)
	text, err := Encode(Record{Tag: TagTime, Dir: dir, Ts: 1})
	require.NoError(t, err)

	dispatch := DispatcherFunc(func(Record) error { return assertionFailed })
	_, err = Replay(strings.NewReader(text), dispatch)
	assert.ErrorIs(t, err, assertionFailed)
}

var assertionFailed = assertErr("simulated corruption")

type assertErr string

func (e assertErr) Error() string { return string(e) }
