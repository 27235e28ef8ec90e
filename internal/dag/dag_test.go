package dag

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/dotman/internal/objstore"
	"lab.nexedi.com/kirr/dotman/internal/snapshot"
)

func newStore(t *testing.T) *snapshot.Store {
	t.Helper()
	dir := t.TempDir()
	objects := objstore.New(filepath.Join(dir, "objects"), 3)
	return snapshot.New(filepath.Join(dir, "commits"), objects)
}

// linear: root -> a -> b -> c
func buildLinear(t *testing.T, s *snapshot.Store) (root, a, b, c snapshot.CommitId) {
	t.Helper()
	var err error
	root, err = s.Create(nil, "root", "u", 1, nil)
	require.NoError(t, err)
	a, err = s.Create([]snapshot.CommitId{root}, "a", "u", 2, nil)
	require.NoError(t, err)
	b, err = s.Create([]snapshot.CommitId{a}, "b", "u", 3, nil)
	require.NoError(t, err)
	c, err = s.Create([]snapshot.CommitId{b}, "c", "u", 4, nil)
	require.NoError(t, err)
	return
}

func TestIsAncestorLinear(t *testing.T) {
	s := newStore(t)
	root, a, _, c := buildLinear(t, s)

	ok, err := IsAncestor(s, root, c)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = IsAncestor(s, c, a)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = IsAncestor(s, a, a)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = IsAncestor(s, snapshot.NullCommitId, a)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCollectAncestorsIncludesStart(t *testing.T) {
	s := newStore(t)
	root, a, b, c := buildLinear(t, s)

	set, err := CollectAncestors(s, c)
	require.NoError(t, err)
	require.True(t, set[c])
	require.True(t, set[b])
	require.True(t, set[a])
	require.True(t, set[root])
}

func TestFindMergeBaseDiamond(t *testing.T) {
	s := newStore(t)
	root, err := s.Create(nil, "root", "u", 1, nil)
	require.NoError(t, err)

	left, err := s.Create([]snapshot.CommitId{root}, "left", "u", 2, nil)
	require.NoError(t, err)
	right, err := s.Create([]snapshot.CommitId{root}, "right", "u", 3, nil)
	require.NoError(t, err)

	merge, err := s.Create([]snapshot.CommitId{left, right}, "merge", "u", 4, nil)
	require.NoError(t, err)

	base, err := FindMergeBase(s, left, right)
	require.NoError(t, err)
	require.Equal(t, root, base)

	// merge's base with left is left itself (left is an ancestor of merge)
	base2, err := FindMergeBase(s, merge, left)
	require.NoError(t, err)
	require.Equal(t, left, base2)
}

func TestFirstParentChain(t *testing.T) {
	s := newStore(t)
	root, a, b, c := buildLinear(t, s)

	chain, err := FirstParentChain(s, c)
	require.NoError(t, err)
	require.Equal(t, []snapshot.CommitId{c, b, a, root}, chain)
}
