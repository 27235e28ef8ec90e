package conflict

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/dotman/internal/hash"
	"lab.nexedi.com/kirr/dotman/internal/snapshot"
)

func snap(files map[string]snapshot.FileRecord) *snapshot.Snapshot {
	return &snapshot.Snapshot{Files: files}
}

func TestDetectThreeWayConflict(t *testing.T) {
	base := snap(map[string]snapshot.FileRecord{"a.txt": {Hash: "base"}})
	remote := snap(map[string]snapshot.FileRecord{"a.txt": {Hash: "remote"}})
	current := map[string]hash.ContentHash{"a.txt": "local"}

	conflicts := Detect(current, remote, base)
	require.Len(t, conflicts, 1)
	require.Equal(t, "a.txt", conflicts[0].Path)
}

func TestDetectNoConflictWhenOnlyOneSideChanged(t *testing.T) {
	base := snap(map[string]snapshot.FileRecord{"a.txt": {Hash: "base"}})
	remote := snap(map[string]snapshot.FileRecord{"a.txt": {Hash: "base"}})
	current := map[string]hash.ContentHash{"a.txt": "local"}

	conflicts := Detect(current, remote, base)
	require.Empty(t, conflicts)
}

func TestDetectBothAddedDifferentNoBase(t *testing.T) {
	remote := snap(map[string]snapshot.FileRecord{"new.txt": {Hash: "remote-new"}})
	current := map[string]hash.ContentHash{"new.txt": "local-new"}

	conflicts := Detect(current, remote, nil)
	require.Len(t, conflicts, 1)
}

func TestDetectRemoteDeletedLocalModified(t *testing.T) {
	base := snap(map[string]snapshot.FileRecord{"a.txt": {Hash: "base"}})
	remote := snap(map[string]snapshot.FileRecord{})
	current := map[string]hash.ContentHash{"a.txt": "local-changed"}

	conflicts := Detect(current, remote, base)
	require.Len(t, conflicts, 1)
	require.Empty(t, conflicts[0].RemoteHash)
}

func TestDetectLocalDeletedRemoteModified(t *testing.T) {
	base := snap(map[string]snapshot.FileRecord{"a.txt": {Hash: "base"}})
	remote := snap(map[string]snapshot.FileRecord{"a.txt": {Hash: "remote-changed"}})
	current := map[string]hash.ContentHash{}

	conflicts := Detect(current, remote, base)
	require.Len(t, conflicts, 1)
	require.Empty(t, conflicts[0].LocalHash)
}

func TestGenerateMarkersBothPresent(t *testing.T) {
	out := GenerateMarkers([]byte("local stuff\n"), []byte("remote stuff\n"), true, true, "feature")
	s := string(out)
	require.Contains(t, s, "<<<<<<< HEAD (local)")
	require.Contains(t, s, "local stuff")
	require.Contains(t, s, "=======")
	require.Contains(t, s, "remote stuff")
	require.Contains(t, s, ">>>>>>> feature (remote)")
	require.True(t, HasMarkers(out))
}

func TestGenerateMarkersDeletedSide(t *testing.T) {
	out := GenerateMarkers(nil, []byte("remote stuff"), false, true, "feature")
	require.Contains(t, string(out), "(file deleted in local)")
}

func TestMergeStateSaveLoadClear(t *testing.T) {
	dir := t.TempDir()
	s := NewState(dir)
	require.False(t, s.InProgress())

	require.NoError(t, s.Save("abc123", "merging feature"))
	require.True(t, s.InProgress())

	head, msg, inProgress, err := s.Load()
	require.NoError(t, err)
	require.True(t, inProgress)
	require.Equal(t, snapshot.CommitId("abc123"), head)
	require.Equal(t, "merging feature", msg)

	require.NoError(t, s.Clear())
	require.False(t, s.InProgress())

	_, err = filepath.Abs(dir)
	require.NoError(t, err)
}
