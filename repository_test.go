package dotman

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/dotman/config"
	"lab.nexedi.com/kirr/dotman/internal/hash"
	"lab.nexedi.com/kirr/dotman/internal/snapshot"
	"lab.nexedi.com/kirr/dotman/internal/stash"
)

func newTestRepo(t *testing.T) (*Repository, string) {
	t.Helper()
	home := t.TempDir()
	repoDir := filepath.Join(home, ".dotman")

	cfg := config.Default()
	cfg.AllowedDirectories = []string{home}

	repo, err := Init(repoDir, home, cfg)
	require.NoError(t, err)
	return repo, home
}

func writeHomeFile(t *testing.T, home, rel, content string) string {
	t.Helper()
	path := filepath.Join(home, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o777))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestInitRefusesDoubleInit(t *testing.T) {
	repo, home := newTestRepo(t)
	_, err := Init(repo.RepoDir, home, repo.Config)
	require.Error(t, err)
}

func TestAddCommitAndReopenRoundtrip(t *testing.T) {
	repo, home := newTestRepo(t)
	path := writeHomeFile(t, home, ".bashrc", "export PATH=$PATH:/opt/bin\n")

	require.NoError(t, repo.Add([]string{path}))
	id, err := repo.Commit("initial dotfiles", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	head, err := repo.Refs.HeadCommit()
	require.NoError(t, err)
	require.Equal(t, id, head)

	reopened, err := Open(repo.RepoDir, home, repo.Config)
	require.NoError(t, err)
	require.Contains(t, reopened.Index.Committed(), ".bashrc")
}

func TestCommitWithNothingStagedFails(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, err := repo.Commit("empty", "alice")
	require.Error(t, err)
}

func TestCheckoutRestoresFileFromEarlierCommit(t *testing.T) {
	repo, home := newTestRepo(t)
	path := writeHomeFile(t, home, ".bashrc", "v1\n")
	require.NoError(t, repo.Add([]string{path}))
	first, err := repo.Commit("v1", "alice")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("v2\n"), 0o644))
	require.NoError(t, repo.Add([]string{path}))
	_, err = repo.Commit("v2", "alice")
	require.NoError(t, err)

	require.NoError(t, repo.Checkout(string(first), snapshot.RestoreOptions{PreservePermissions: true}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "v1\n", string(data))
}

func TestFsckReportsNoMissingObjectsAfterCommit(t *testing.T) {
	repo, home := newTestRepo(t)
	path := writeHomeFile(t, home, ".vimrc", "set nu\n")
	require.NoError(t, repo.Add([]string{path}))
	_, err := repo.Commit("vimrc", "alice")
	require.NoError(t, err)

	report, err := repo.Fsck()
	require.NoError(t, err)
	require.Empty(t, report.MissingObjects)
	require.Empty(t, report.OrphanObjects)
}

func TestGCDeletesOrphanedObject(t *testing.T) {
	repo, home := newTestRepo(t)
	path := writeHomeFile(t, home, ".vimrc", "set nu\n")
	require.NoError(t, repo.Add([]string{path}))
	_, err := repo.Commit("vimrc", "alice")
	require.NoError(t, err)

	orphan, err := repo.Objects.PutBytes([]byte("nobody references this"))
	require.NoError(t, err)
	require.True(t, repo.Objects.Has(orphan))

	n, err := repo.GC()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, repo.Objects.Has(orphan))
}

func TestImportBootstrapsTrackingAndCommitsInOneStep(t *testing.T) {
	repo, home := newTestRepo(t)
	configDir := filepath.Join(home, ".config")
	path := writeHomeFile(t, home, ".config/nvim/init.lua", "-- nvim config\n")

	id, err := repo.Import(configDir, []string{path}, "import config", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.True(t, repo.Tracking.IsTracked(".config/nvim/init.lua"))
}

func TestStashPushAndPopRoundtrips(t *testing.T) {
	repo, home := newTestRepo(t)
	path := writeHomeFile(t, home, ".bashrc", "v1\n")
	require.NoError(t, repo.Add([]string{path}))
	_, err := repo.Commit("v1", "alice")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("dirty\n"), 0o644))
	dirtyHash := hash.Sum([]byte("dirty\n"))

	id, err := repo.Stash("wip", map[string]stash.File{
		".bashrc": {Hash: dirtyHash, BaseHash: hash.Sum([]byte("v1\n")), Mode: 0o644, Status: stash.StatusModified, Content: []byte("dirty\n")},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// restore the file to its committed state, as checkout/reset would
	require.NoError(t, os.WriteFile(path, []byte("v1\n"), 0o644))

	conflicts, err := repo.StashPop(map[string]hash.ContentHash{".bashrc": hash.Sum([]byte("v1\n"))})
	require.NoError(t, err)
	require.Empty(t, conflicts)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "dirty\n", string(data))
}

func TestMergeFastForwardsWhenRemoteIsDescendant(t *testing.T) {
	repo, home := newTestRepo(t)
	path := writeHomeFile(t, home, ".bashrc", "v1\n")
	require.NoError(t, repo.Add([]string{path}))
	_, err := repo.Commit("v1", "alice")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("v2\n"), 0o644))
	require.NoError(t, repo.Add([]string{path}))
	next, err := repo.Commit("v2", "alice")
	require.NoError(t, err)

	require.NoError(t, repo.Refs.SetRemoteBranch("origin", defaultBranch, next))
	require.NoError(t, repo.MergeFastForwardOrConflict("origin", defaultBranch))

	head, err := repo.Refs.HeadCommit()
	require.NoError(t, err)
	require.Equal(t, next, head)
}
