package txn

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/dotman/internal/hash"
	"lab.nexedi.com/kirr/dotman/internal/index"
	"lab.nexedi.com/kirr/dotman/internal/mapping"
	"lab.nexedi.com/kirr/dotman/internal/objstore"
	"lab.nexedi.com/kirr/dotman/internal/refs"
	"lab.nexedi.com/kirr/dotman/internal/snapshot"
)

type fixture struct {
	refs     *refs.Manager
	snaps    *snapshot.Store
	idx      *index.Index
	mapStore *mapping.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	objects := objstore.New(filepath.Join(dir, "objects"), 3)
	snaps := snapshot.New(filepath.Join(dir, "commits"), objects)
	refsM := refs.New(dir, snaps)
	mapStore, err := mapping.Load(filepath.Join(dir, "remote-mappings.toml"))
	require.NoError(t, err)
	return &fixture{refs: refsM, snaps: snaps, idx: index.New(), mapStore: mapStore}
}

func TestCommitDisablesRollback(t *testing.T) {
	f := newFixture(t)
	c1, err := f.snaps.Create(nil, "first", "u", 1, nil)
	require.NoError(t, err)
	require.NoError(t, f.refs.SetBranch("main", c1))

	tx, err := Begin(f.refs, f.snaps, f.idx, f.mapStore)
	require.NoError(t, err)

	c2, err := f.snaps.Create([]snapshot.CommitId{c1}, "second", "u", 2, nil)
	require.NoError(t, err)
	tx.TrackCommit(c2)
	require.NoError(t, f.refs.SetBranch("main", c2))

	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback()) // no-op after commit

	head, _, err := f.refs.GetBranch("main")
	require.NoError(t, err)
	require.Equal(t, c2, head)
	require.True(t, f.snaps.Exists(c2))
}

func TestRollbackRestoresBranchAndDeletesNewCommit(t *testing.T) {
	f := newFixture(t)
	c1, err := f.snaps.Create(nil, "first", "u", 1, nil)
	require.NoError(t, err)
	require.NoError(t, f.refs.SetBranch("main", c1))

	tx, err := Begin(f.refs, f.snaps, f.idx, f.mapStore)
	require.NoError(t, err)

	c2, err := f.snaps.Create([]snapshot.CommitId{c1}, "second", "u", 2, nil)
	require.NoError(t, err)
	tx.TrackCommit(c2)
	require.NoError(t, f.refs.SetBranch("main", c2))

	require.NoError(t, tx.Rollback())

	head, _, err := f.refs.GetBranch("main")
	require.NoError(t, err)
	require.Equal(t, c1, head)
	require.False(t, f.snaps.Exists(c2))
}

func TestRollbackRestoresAndDeletesRemoteRefs(t *testing.T) {
	f := newFixture(t)
	c1, err := f.snaps.Create(nil, "first", "u", 1, nil)
	require.NoError(t, err)
	require.NoError(t, f.refs.SetRemoteBranch("origin", "main", c1))

	tx, err := Begin(f.refs, f.snaps, f.idx, f.mapStore)
	require.NoError(t, err)

	c2, err := f.snaps.Create([]snapshot.CommitId{c1}, "second", "u", 2, nil)
	require.NoError(t, err)
	tx.TrackCommit(c2)

	existing, ok, err := f.refs.GetRemoteBranch("origin", "main")
	require.NoError(t, err)
	require.True(t, ok)
	tx.TrackRemoteRef("origin", "main", true, existing)
	require.NoError(t, f.refs.SetRemoteBranch("origin", "main", c2))

	tx.TrackRemoteRef("origin", "feature", false, "")
	require.NoError(t, f.refs.SetRemoteBranch("origin", "feature", c2))

	require.NoError(t, tx.Rollback())

	restored, ok, err := f.refs.GetRemoteBranch("origin", "main")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, c1, restored)

	_, ok, err = f.refs.GetRemoteBranch("origin", "feature")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRollbackRemovesNewMappingAndRestoresIndex(t *testing.T) {
	f := newFixture(t)
	f.idx.Add(index.FileEntry{Path: "a.txt", Hash: hash.ContentHash("before")})
	f.idx.CommitStaged()

	tx, err := Begin(f.refs, f.snaps, f.idx, f.mapStore)
	require.NoError(t, err)

	tx.TrackMapping("origin", "dot1", "git1")
	f.mapStore.Put("origin", "dot1", "git1")

	f.idx.Add(index.FileEntry{Path: "a.txt", Hash: hash.ContentHash("after")})
	f.idx.CommitStaged()

	require.NoError(t, tx.Rollback())

	_, ok := f.mapStore.GitFor("origin", "dot1")
	require.False(t, ok)

	committed := f.idx.Committed()
	require.Equal(t, hash.ContentHash("before"), committed["a.txt"].Hash)
}

func TestRollbackToleratesMissingTrackedCommit(t *testing.T) {
	f := newFixture(t)
	c1, err := f.snaps.Create(nil, "first", "u", 1, nil)
	require.NoError(t, err)
	require.NoError(t, f.refs.SetBranch("main", c1))

	tx, err := Begin(f.refs, f.snaps, f.idx, f.mapStore)
	require.NoError(t, err)

	// track a commit id that was never actually created; Delete on a
	// missing file is a no-op, not an error, so rollback still succeeds
	// cleanly even though this entry refers to nothing real.
	tx.TrackCommit(snapshot.CommitId("deadbeefdeadbeefdeadbeefdeadbeef"))

	require.NoError(t, tx.Rollback())
}
