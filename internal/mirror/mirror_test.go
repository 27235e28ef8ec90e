package mirror

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/dotman/internal/hash"
	"lab.nexedi.com/kirr/dotman/internal/mapping"
	"lab.nexedi.com/kirr/dotman/internal/objstore"
	"lab.nexedi.com/kirr/dotman/internal/snapshot"
)

func newTestSnapshotStore(t *testing.T) *snapshot.Store {
	t.Helper()
	dir := t.TempDir()
	objects := objstore.New(filepath.Join(dir, "objects"), 3)
	return snapshot.New(filepath.Join(dir, "commits"), objects)
}

func newTestMapping(t *testing.T) *mapping.Store {
	t.Helper()
	s, err := mapping.Load(filepath.Join(t.TempDir(), "remote-mappings.toml"))
	require.NoError(t, err)
	return s
}

func mustCommit(t *testing.T, snaps *snapshot.Store, parents []snapshot.CommitId, message string) snapshot.CommitId {
	t.Helper()
	home := t.TempDir()
	path := filepath.Join(home, "dotfile")
	require.NoError(t, os.WriteFile(path, []byte(message), 0o644))
	hv := hash.Sum([]byte(message))

	id, err := snaps.Create(parents, message, "alice", 1700000000, []snapshot.StageEntry{
		{Path: "dotfile", Hash: hv, Mode: 0o644, DiskPath: path},
	})
	require.NoError(t, err)
	return id
}

func TestUnpushedCommitsStopsAtFirstMappedAncestor(t *testing.T) {
	snaps := newTestSnapshotStore(t)
	maps := newTestMapping(t)

	c1 := mustCommit(t, snaps, nil, "first")
	c2 := mustCommit(t, snaps, []snapshot.CommitId{c1}, "second")
	c3 := mustCommit(t, snaps, []snapshot.CommitId{c2}, "third")

	maps.Put("origin", string(c1), "deadbeef")

	unpushed, err := unpushedCommits(snaps, maps, "origin", c3)
	require.NoError(t, err)
	require.Equal(t, []snapshot.CommitId{c2, c3}, unpushed)
}

func TestUnpushedCommitsReturnsEverythingWhenNoneMapped(t *testing.T) {
	snaps := newTestSnapshotStore(t)
	maps := newTestMapping(t)

	c1 := mustCommit(t, snaps, nil, "first")
	c2 := mustCommit(t, snaps, []snapshot.CommitId{c1}, "second")

	unpushed, err := unpushedCommits(snaps, maps, "origin", c2)
	require.NoError(t, err)
	require.Equal(t, []snapshot.CommitId{c1, c2}, unpushed)
}

func TestClearWorkingDirectoryRemovesEverythingButGit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o777))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.txt"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "subdir"), 0o777))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "subdir", "nested.txt"), []byte("x"), 0o644))

	m := &Mirror{Remote: "origin", Dir: dir}
	require.NoError(t, m.ClearWorkingDirectory())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ".git", entries[0].Name())
	require.FileExists(t, filepath.Join(dir, ".git", "HEAD"))
}

func TestGitDateEnvFormatsBothAuthorAndCommitterDate(t *testing.T) {
	env := gitDateEnv(1700000000)
	require.Contains(t, env, "GIT_AUTHOR_DATE")
	require.Contains(t, env, "GIT_COMMITTER_DATE")
	require.Equal(t, env["GIT_AUTHOR_DATE"], env["GIT_COMMITTER_DATE"])
}

// requireGit skips the test unless a git binary is on PATH -- push/fetch
// exercise the real subprocess, not a mock.
func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func TestEnsureInitializedCreatesMirrorOnce(t *testing.T) {
	requireGit(t)
	mirrorsDir := t.TempDir()
	m := New(mirrorsDir, "origin", "file:///nonexistent")

	require.NoError(t, m.EnsureInitialized())
	require.DirExists(t, filepath.Join(m.Dir, ".git"))

	// calling again must be a no-op, not an error, even though the remote
	// would already exist
	require.NoError(t, m.EnsureInitialized())
}

func TestPushMaterializesCommitsAndRecordsMapping(t *testing.T) {
	requireGit(t)

	bareDir := t.TempDir()
	_, err := exec.Command("git", "init", "--bare", "-b", "main", bareDir).CombinedOutput()
	require.NoError(t, err)

	snaps := newTestSnapshotStore(t)
	maps := newTestMapping(t)
	c1 := mustCommit(t, snaps, nil, "first")

	mirrorsDir := t.TempDir()
	m := New(mirrorsDir, "origin", bareDir)

	recorder := &fakeRecorder{}
	err = m.Push(snaps, snaps, maps, recorder, "main", c1)
	require.NoError(t, err)

	gitID, ok := maps.GitFor("origin", string(c1))
	require.True(t, ok)
	require.NotEmpty(t, gitID)
	require.Contains(t, recorder.tracked, mappingKey{"origin", string(c1), gitID})
}

type mappingKey struct {
	remote, dotmanID, gitID string
}

type fakeRecorder struct {
	tracked []mappingKey
}

func (f *fakeRecorder) TrackMapping(remote, dotmanID, gitID string) {
	f.tracked = append(f.tracked, mappingKey{remote, dotmanID, gitID})
}
