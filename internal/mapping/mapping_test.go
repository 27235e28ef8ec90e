package mapping

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetAndRemove(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "remote-mappings.toml"))
	require.NoError(t, err)

	s.Put("origin", "dot1", "git1")
	gitID, ok := s.GitFor("origin", "dot1")
	require.True(t, ok)
	require.Equal(t, "git1", gitID)

	dotID, ok := s.DotmanFor("origin", "git1")
	require.True(t, ok)
	require.Equal(t, "dot1", dotID)

	s.Remove("origin", "dot1", "git1")
	_, ok = s.GitFor("origin", "dot1")
	require.False(t, ok)
	_, ok = s.DotmanFor("origin", "git1")
	require.False(t, ok)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote-mappings.toml")
	s, err := Load(path)
	require.NoError(t, err)

	s.Put("origin", "dot1", "git1")
	s.Put("origin", "dot2", "git2")
	s.SetHead("origin", "main", "dot2")
	require.NoError(t, s.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	gitID, ok := reloaded.GitFor("origin", "dot2")
	require.True(t, ok)
	require.Equal(t, "git2", gitID)
	head, ok := reloaded.Head("origin", "main")
	require.True(t, ok)
	require.Equal(t, "dot2", head)
}

func TestSaveWritesBackupOfPreviousVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote-mappings.toml")
	s, err := Load(path)
	require.NoError(t, err)
	s.Put("origin", "dot1", "git1")
	require.NoError(t, s.Save())

	s.Put("origin", "dot2", "git2")
	require.NoError(t, s.Save())

	_, err = os.Stat(path + ".bak")
	require.NoError(t, err)

	backup, err := Load(path + ".bak")
	require.NoError(t, err)
	_, ok := backup.GitFor("origin", "dot2")
	require.False(t, ok, "backup should reflect the state before the second save")
}

func TestLoadFallsBackToBackupOnCorruptPrimary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote-mappings.toml")
	s, err := Load(path)
	require.NoError(t, err)
	s.Put("origin", "dot1", "git1")
	require.NoError(t, s.Save())

	require.NoError(t, os.WriteFile(path+".bak", []byte(mustBytes(t, path)), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("not valid toml {{{"), 0o644))

	reloaded, err := Load(path)
	require.NoError(t, err)
	gitID, ok := reloaded.GitFor("origin", "dot1")
	require.True(t, ok)
	require.Equal(t, "git1", gitID)
}

func TestValidateAgainstFlagsUndeclaredRemote(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "remote-mappings.toml"))
	require.NoError(t, err)
	s.Put("shadow-remote", "dot1", "git1")

	warnings := s.ValidateAgainst(map[string]struct{}{"origin": {}})
	require.Len(t, warnings, 1)
}

func mustBytes(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
