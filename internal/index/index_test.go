package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/dotman/internal/hash"
)

func TestAddStageCommit(t *testing.T) {
	idx := New()
	idx.Add(FileEntry{Path: "a.txt", Hash: "abc"})
	require.Len(t, idx.Staged(), 1)
	require.Len(t, idx.Committed(), 0)

	moved := idx.CommitStaged()
	require.Len(t, moved, 1)
	require.Len(t, idx.Staged(), 0)
	require.Len(t, idx.Committed(), 1)
}

func TestRemoveDropsBothGenerations(t *testing.T) {
	idx := New()
	idx.Add(FileEntry{Path: "a.txt", Hash: "abc"})
	idx.CommitStaged()
	idx.Add(FileEntry{Path: "a.txt", Hash: "def"})

	idx.Remove("a.txt")
	require.Len(t, idx.Staged(), 0)
	require.Len(t, idx.Committed(), 0)
}

func TestUnstageLeavesCommitted(t *testing.T) {
	idx := New()
	idx.Add(FileEntry{Path: "a.txt", Hash: "abc"})
	idx.CommitStaged()
	idx.Add(FileEntry{Path: "a.txt", Hash: "def"})

	idx.Unstage("a.txt")
	require.Len(t, idx.Staged(), 0)
	require.Equal(t, hash.ContentHash("abc"), idx.Committed()["a.txt"].Hash)
}

func TestSaveLoadRoundtripStripsCachedHash(t *testing.T) {
	idx := New()
	rec := hash.CacheRecord{Hash: "abc", SizeAtHash: 5, MtimeAtHash: 1000}
	idx.Add(FileEntry{Path: "a.txt", Hash: "abc", CachedHash: &rec})
	idx.CommitStaged()

	path := filepath.Join(t.TempDir(), "index.bin")
	require.NoError(t, idx.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	entry := loaded.Committed()["a.txt"]
	require.Equal(t, hash.ContentHash("abc"), entry.Hash)
	require.Nil(t, entry.CachedHash)
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	idx, err := Load(filepath.Join(t.TempDir(), "nope.bin"))
	require.NoError(t, err)
	require.Len(t, idx.Committed(), 0)
	require.Len(t, idx.Staged(), 0)
}

func TestBytesFromBytesRoundtrip(t *testing.T) {
	idx := New()
	idx.Add(FileEntry{Path: "a.txt", Hash: "abc"})
	idx.CommitStaged()
	idx.Add(FileEntry{Path: "b.txt", Hash: "def"})

	data, err := idx.Bytes()
	require.NoError(t, err)

	restored, err := FromBytes(data)
	require.NoError(t, err)
	require.Len(t, restored.Committed(), 1)
	require.Len(t, restored.Staged(), 1)
}

func TestStatusClassifiesModifiedAddedDeletedUntracked(t *testing.T) {
	home := t.TempDir()
	writeFile(t, home, "committed.txt", "hello")
	writeFile(t, home, "untracked.txt", "new stuff")

	idx := New()
	h := hash.NewHasher()
	hv, rec, err := h.HashFile(filepath.Join(home, "committed.txt"), nil)
	require.NoError(t, err)
	idx.Add(FileEntry{Path: "committed.txt", Hash: hv, CachedHash: &rec})
	idx.Add(FileEntry{Path: "gone.txt", Hash: "deadbeef"})
	idx.CommitStaged()

	// modify the committed file on disk
	writeFile(t, home, "committed.txt", "hello world")

	// a newly staged, never-committed file
	writeFile(t, home, "new.txt", "brand new")
	idx.Add(FileEntry{Path: "new.txt", Hash: "newhash"})

	statuses, err := idx.Status(h, home, []string{"committed.txt", "untracked.txt"})
	require.NoError(t, err)

	require.Equal(t, StatusModified, statuses["committed.txt"])
	require.Equal(t, StatusDeleted, statuses["gone.txt"])
	require.Equal(t, StatusUntracked, statuses["untracked.txt"])
	require.Equal(t, StatusAdded, statuses["new.txt"])
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}
