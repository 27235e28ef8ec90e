package refs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/dotman/internal/objstore"
	"lab.nexedi.com/kirr/dotman/internal/snapshot"
)

func newManager(t *testing.T) (*Manager, *snapshot.Store) {
	t.Helper()
	repoDir := t.TempDir()
	objects := objstore.New(filepath.Join(repoDir, "objects"), 3)
	snaps := snapshot.New(filepath.Join(repoDir, "commits"), objects)
	return New(repoDir, snaps), snaps
}

func TestHeadUnbornByDefault(t *testing.T) {
	m, _ := newManager(t)
	h, err := m.Head()
	require.NoError(t, err)
	require.Equal(t, HeadUnborn, h.State)
}

func TestCheckoutBranchWithNoCommitsIsUnborn(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.CheckoutBranch("main"))

	h, err := m.Head()
	require.NoError(t, err)
	require.Equal(t, HeadUnborn, h.State)
	require.Equal(t, "main", h.Branch)
}

func TestCheckoutBranchWithCommitsIsSymbolic(t *testing.T) {
	m, snaps := newManager(t)
	require.NoError(t, m.CheckoutBranch("main"))
	id, err := snaps.Create(nil, "m", "a", 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.AdvanceBranch("main", id))

	h, err := m.Head()
	require.NoError(t, err)
	require.Equal(t, HeadSymbolic, h.State)
	require.Equal(t, "main", h.Branch)
}

func TestCheckoutCommitRequiresExistingSnapshot(t *testing.T) {
	m, snaps := newManager(t)
	id, err := snaps.Create(nil, "m", "a", 1, nil)
	require.NoError(t, err)

	require.NoError(t, m.CheckoutCommit(id))
	h, err := m.Head()
	require.NoError(t, err)
	require.Equal(t, HeadDetached, h.State)
	require.Equal(t, id, h.Commit)

	err = m.CheckoutCommit("deadbeefdeadbeefdeadbeefdeadbeef")
	require.Error(t, err)
}

func TestSetBranchRejectsNonexistentCommit(t *testing.T) {
	m, _ := newManager(t)
	err := m.SetBranch("main", "deadbeefdeadbeefdeadbeefdeadbeef")
	require.Error(t, err)
}

func TestSetBranchAllowsNullCommitId(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.SetBranch("main", snapshot.NullCommitId))
	id, ok, err := m.GetBranch("main")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snapshot.NullCommitId, id)
}

func TestAdvanceBranchAndHeadCommit(t *testing.T) {
	m, snaps := newManager(t)
	require.NoError(t, m.CheckoutBranch("main"))

	id, err := snaps.Create(nil, "m", "a", 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.AdvanceBranch("main", id))

	cur, err := m.HeadCommit()
	require.NoError(t, err)
	require.Equal(t, id, cur)
}

func TestResolverHeadTildeAndCaret(t *testing.T) {
	m, snaps := newManager(t)
	require.NoError(t, m.CheckoutBranch("main"))

	id1, err := snaps.Create(nil, "first", "a", 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.AdvanceBranch("main", id1))

	id2, err := snaps.Create([]snapshot.CommitId{id1}, "second", "a", 2, nil)
	require.NoError(t, err)
	require.NoError(t, m.AdvanceBranch("main", id2))

	resolver := NewResolver(m, snaps)

	head, err := resolver.Resolve("HEAD")
	require.NoError(t, err)
	require.Equal(t, id2, head)

	prev, err := resolver.Resolve("HEAD~1")
	require.NoError(t, err)
	require.Equal(t, id1, prev)

	caret, err := resolver.Resolve("HEAD^")
	require.NoError(t, err)
	require.Equal(t, id1, caret)
}

func TestResolverFailsGoingBackTooFar(t *testing.T) {
	m, snaps := newManager(t)
	require.NoError(t, m.CheckoutBranch("main"))
	id, err := snaps.Create(nil, "only", "a", 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.AdvanceBranch("main", id))

	resolver := NewResolver(m, snaps)
	_, err = resolver.Resolve("HEAD~5")
	require.Error(t, err)
}

func TestResolverBranchTagAndHexPrefix(t *testing.T) {
	m, snaps := newManager(t)
	require.NoError(t, m.CheckoutBranch("main"))
	id, err := snaps.Create(nil, "m", "a", 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.AdvanceBranch("main", id))
	require.NoError(t, m.SetTag("v1", id))

	resolver := NewResolver(m, snaps)

	got, err := resolver.Resolve("main")
	require.NoError(t, err)
	require.Equal(t, id, got)

	got, err = resolver.Resolve("v1")
	require.NoError(t, err)
	require.Equal(t, id, got)

	got, err = resolver.Resolve(string(id)[:8])
	require.NoError(t, err)
	require.Equal(t, id, got)
}
