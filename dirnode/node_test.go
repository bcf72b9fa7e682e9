package dirnode

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesta-scm/repository/access"
	"github.com/vesta-scm/repository/errs"
	"github.com/vesta-scm/repository/fingerprint"
	"github.com/vesta-scm/repository/fpindex"
	"github.com/vesta-scm/repository/refcount"
)

// fakeStore is a minimal in-memory filestore.Store for exercising
// dirnode operations that delegate file content management.
type fakeStore struct {
	next     uint32
	sizes    map[uint32]int64
	unlinked map[uint32]bool
	readOnly map[uint32]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sizes:    make(map[uint32]int64),
		unlinked: make(map[uint32]bool),
		readOnly: make(map[uint32]bool),
	}
}

func (s *fakeStore) Create() (uint32, error) {
	s.next++
	s.sizes[s.next] = 0
	return s.next, nil
}

func (s *fakeStore) Open(id uint32) (io.ReadCloser, error) {
	size, ok := s.sizes[id]
	if !ok {
		return nil, errors.New("fakeStore: no such id")
	}
	return io.NopCloser(bytes.NewReader(make([]byte, size))), nil
}

func (s *fakeStore) Duplicate(id uint32, copyMax int64) (uint32, error) {
	size, ok := s.sizes[id]
	if !ok {
		return 0, errors.New("fakeStore: no such id")
	}
	if copyMax > 0 && size > copyMax {
		size = copyMax
	}
	s.next++
	s.sizes[s.next] = size
	return s.next, nil
}

func (s *fakeStore) Stat(id uint32) (int64, error) {
	size, ok := s.sizes[id]
	if !ok {
		return 0, errors.New("fakeStore: no such id")
	}
	return size, nil
}

func (s *fakeStore) MakeReadOnly(id uint32) error {
	s.readOnly[id] = true
	return nil
}

func (s *fakeStore) Unlink(id uint32) error {
	s.unlinked[id] = true
	delete(s.sizes, id)
	return nil
}

func TestInsertMutableFileAndLookup(t *testing.T) {
	n := NewNode(Mutable, 0)
	counter := refcount.New()

	idx, err := n.InsertMutableFile(InsertOptions{Arc: "f", Policy: ReplaceDiff}, refcount.FileID(1), counter)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), idx)
	assert.Equal(t, 1, counter.GetCount(1))

	res, ok := n.Lookup("f")
	require.True(t, ok)
	assert.Equal(t, MutableFile, res.Entry.Type)
	assert.EqualValues(t, 1, res.Entry.Value)
}

func TestInsertDontReplaceRejectsDuplicate(t *testing.T) {
	n := NewNode(Mutable, 0)
	counter := refcount.New()
	_, err := n.InsertMutableFile(InsertOptions{Arc: "f", Policy: DontReplace}, 1, counter)
	require.NoError(t, err)

	_, err = n.InsertMutableFile(InsertOptions{Arc: "f", Policy: DontReplace}, 2, counter)
	assert.ErrorIs(t, err, errs.NameInUse)
}

func TestInsertReplaceDiffOutdatesPriorAndDecrementsCounter(t *testing.T) {
	n := NewNode(Mutable, 0)
	counter := refcount.New()
	_, err := n.InsertMutableFile(InsertOptions{Arc: "f", Policy: ReplaceDiff, ReplacedFileCounter: counter}, 1, counter)
	require.NoError(t, err)

	_, err = n.InsertMutableFile(InsertOptions{Arc: "f", Policy: ReplaceDiff, ReplacedFileCounter: counter}, 2, counter)
	require.NoError(t, err)

	assert.Equal(t, 0, counter.GetCount(1), "replaced mutableFile's old id must be decremented")
	assert.Equal(t, 1, counter.GetCount(2))

	res, ok := n.Lookup("f")
	require.True(t, ok)
	assert.EqualValues(t, 2, res.Entry.Value)
}

func TestLookupIndexParitySelectsOwnVsBase(t *testing.T) {
	base := NewNode(Immutable, 0)
	base.Entries = append(base.Entries, Entry{Type: ImmutableFile, Arc: "base-f", Index: 2})
	base.nextOwnIndex = 4

	n := NewNode(Mutable, 0)
	n.Base = base
	counter := refcount.New()
	idx, err := n.InsertMutableFile(InsertOptions{Arc: "own-f"}, 1, counter)
	require.NoError(t, err)

	res, ok := n.LookupIndex(idx)
	require.True(t, ok)
	assert.Equal(t, "own-f", res.Arc)

	res2, ok := n.LookupIndex(2)
	require.True(t, ok)
	assert.Equal(t, "base-f", res2.Arc)
}

func TestListSuppressesShadowedBaseArcs(t *testing.T) {
	base := NewNode(Immutable, 0)
	base.Entries = append(base.Entries, Entry{Type: ImmutableFile, Arc: "shared", Index: 2})
	base.Entries = append(base.Entries, Entry{Type: ImmutableFile, Arc: "base-only", Index: 4})
	base.nextOwnIndex = 6

	n := NewNode(Mutable, 0)
	n.Base = base
	counter := refcount.New()
	_, err := n.InsertMutableFile(InsertOptions{Arc: "shared"}, 9, counter)
	require.NoError(t, err)

	var seen []string
	n.List(0, false, func(r LookupResult) bool {
		seen = append(seen, r.Arc)
		return true
	})

	assert.Contains(t, seen, "shared")
	assert.Contains(t, seen, "base-only")
	count := 0
	for _, s := range seen {
		if s == "shared" {
			count++
		}
	}
	assert.Equal(t, 1, count, "the mutable overlay's entry must shadow, not duplicate, the base entry")
}

func TestReallyDeleteMutableLeavesDeletedAndDecrements(t *testing.T) {
	n := NewNode(Mutable, 0)
	counter := refcount.New()
	_, err := n.InsertMutableFile(InsertOptions{Arc: "f"}, 1, counter)
	require.NoError(t, err)
	require.Equal(t, 1, counter.GetCount(1))

	require.NoError(t, n.ReallyDelete("f", 1, counter, DeleteVersioning{}))
	assert.Equal(t, 0, counter.GetCount(1))

	_, ok := n.Lookup("f")
	assert.False(t, ok, "a deleted entry must not resolve via plain Lookup")
}

func TestReallyDeleteAppendableLeavesGhostForMaster(t *testing.T) {
	n := NewNode(Appendable, 0)
	n.SetDirectoryMaster(true)
	_, err := n.InsertStub(InsertOptions{Arc: "g", Master: true})
	require.NoError(t, err)

	require.NoError(t, n.ReallyDelete("g", 1, nil, DeleteVersioning{}))

	found := false
	for _, e := range n.Entries {
		if e.Arc == "g" && e.Type == Ghost {
			found = true
		}
	}
	assert.True(t, found, "deleting a master entry in an appendable directory must leave a ghost")
}

func TestReallyDeleteCompressesUnshadowedWhenVersioned(t *testing.T) {
	n := NewNode(Mutable, 0)
	_, err := n.InsertMutableFile(InsertOptions{Arc: "f"}, 1, refcount.New())
	require.NoError(t, err)

	require.NoError(t, n.ReallyDelete("f", 1, refcount.New(), DeleteVersioning{CompressUnshadowed: true}))

	for _, e := range n.Entries {
		assert.NotEqual(t, Deleted, e.Type, "an unshadowed delete with no base at all must compress to outdated only, once versioned")
	}
}

func TestReallyDeleteNeverCompressesWhenShadowingBase(t *testing.T) {
	base := NewNode(Immutable, 0)
	base.Entries = append(base.Entries, Entry{Type: ImmutableFile, Arc: "f", Index: 2})

	n := NewNode(Mutable, 0)
	n.Base = base
	_, err := n.InsertMutableFile(InsertOptions{Arc: "f"}, 1, refcount.New())
	require.NoError(t, err)

	require.NoError(t, n.ReallyDelete("f", 1, refcount.New(), DeleteVersioning{CompressUnshadowed: true, CompressWhenBaseLacksArc: true}))

	found := false
	for _, e := range n.Entries {
		if e.Type == Deleted && e.Arc == "f" {
			found = true
		}
	}
	assert.True(t, found, "a delete that shadows an entry in the base must leave a real tombstone regardless of versioning")
}

func TestCollapseBaseFlattensChain(t *testing.T) {
	grandBase := NewNode(Immutable, 0)
	grandBase.Entries = append(grandBase.Entries, Entry{Type: ImmutableFile, Arc: "old", Index: 2})
	grandBase.nextOwnIndex = 4

	n := NewNode(Immutable, 0)
	n.Base = grandBase
	n.Entries = append(n.Entries, Entry{Type: ImmutableFile, Arc: "new", Index: 2})

	flat, err := n.CollapseBase(access.AllowAll{}, "anyone")
	require.NoError(t, err)
	assert.Nil(t, flat.Base)

	var arcs []string
	for _, e := range flat.Entries {
		arcs = append(arcs, e.Arc)
	}
	assert.ElementsMatch(t, []string{"old", "new"}, arcs)
}

func TestCollapseBaseRequiresOwnership(t *testing.T) {
	n := NewNode(Immutable, 0)
	_, err := n.CollapseBase(access.DenyAll{}, "anyone")
	assert.ErrorIs(t, err, errs.NoPermission)
}

func TestMakeEntryImmutableDedupsAgainstFingerprintIndex(t *testing.T) {
	n := NewNode(Mutable, 0)
	counter := refcount.New()
	idx, err := n.InsertMutableFile(InsertOptions{Arc: "f"}, 1, counter)
	require.NoError(t, err)

	fp := fingerprint.Compute(fingerprint.KindFile, []byte("hello"))
	store := newFakeStore()
	store.sizes[1] = 5

	ix := fpindex.New()
	ix.PutFile(fp, 99)

	finalID, err := n.MakeEntryImmutable(idx, 1024, store, ix, counter, fp)
	require.NoError(t, err)
	assert.EqualValues(t, 99, finalID)

	res, ok := n.LookupIndex(idx)
	require.True(t, ok)
	assert.Equal(t, ImmutableFile, res.Entry.Type)
	assert.EqualValues(t, 99, res.Entry.Value, "must redirect to the already-indexed duplicate")
	assert.True(t, store.unlinked[1], "the redundant copy must be unlinked")
}

func TestMakeEntryImmutableIndexesFreshFingerprint(t *testing.T) {
	n := NewNode(Mutable, 0)
	counter := refcount.New()
	idx, err := n.InsertMutableFile(InsertOptions{Arc: "f"}, 7, counter)
	require.NoError(t, err)

	fp := fingerprint.Compute(fingerprint.KindFile, []byte("new content"))
	store := newFakeStore()
	store.sizes[7] = 11

	ix := fpindex.New()
	finalID, err := n.MakeEntryImmutable(idx, 1024, store, ix, counter, fp)
	require.NoError(t, err)
	assert.EqualValues(t, 7, finalID)

	res, ok := n.LookupIndex(idx)
	require.True(t, ok)
	assert.EqualValues(t, 7, res.Entry.Value, "no existing duplicate, so the sealed id stays the same")
	assert.True(t, store.readOnly[7])

	gotID, ok := ix.LookupFile(fp)
	require.True(t, ok)
	assert.EqualValues(t, 7, gotID)
}

func TestMakeIndexMutableDuplicatesFileContent(t *testing.T) {
	base := NewNode(Immutable, 0)
	base.Entries = append(base.Entries, Entry{Type: ImmutableFile, Arc: "f", Value: 1, Index: 2})
	base.nextOwnIndex = 4

	n := NewNode(Mutable, 0)
	n.Base = base
	store := newFakeStore()
	store.sizes[1] = 10
	store.next = 1 // id 1 is taken by the seeded file above

	e, err := n.MakeIndexMutable(2, store, 0)
	require.NoError(t, err)
	assert.Equal(t, MutableFile, e.Type)
	assert.NotEqual(t, uint32(1), e.Value, "must duplicate into a fresh file-identifier")
}

func TestMeasureDirectoryCountsOwnAndBase(t *testing.T) {
	base := NewNode(Immutable, 0)
	base.Entries = append(base.Entries, Entry{Type: ImmutableFile, Arc: "a", Index: 2})
	base.nextOwnIndex = 4

	n := NewNode(Immutable, 0)
	n.Base = base
	n.Entries = append(n.Entries, Entry{Type: ImmutableFile, Arc: "b", Index: 2})

	m := n.MeasureDirectory()
	assert.Equal(t, 2, m.UsedEntries)
	assert.Equal(t, 1, m.BaseDepth)
}
