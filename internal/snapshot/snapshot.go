// Package snapshot implements the per-commit file manifest store: it writes
// one zstd-compressed, content-addressed record per commit under
// commits/<id>.zst, and restores arbitrary historical states back onto
// disk.
package snapshot

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"lab.nexedi.com/kirr/dotman/errs"
	"lab.nexedi.com/kirr/dotman/internal/hash"
	"lab.nexedi.com/kirr/dotman/internal/objstore"
	"lab.nexedi.com/kirr/dotman/internal/pathsafe"
)

// Snapshot names every path present at a commit; there are no deltas.
type Snapshot struct {
	Commit Commit
	Files  map[string]FileRecord
}

// StageEntry is what the caller (the repository facade) hands to Create for
// each path going into the new commit -- the bytes for Hash must already be
// reachable at DiskPath, or already present in the object store if DiskPath
// is empty (e.g. unchanged paths carried over from the parent commit).
type StageEntry struct {
	Path     string
	Hash     hash.ContentHash
	Mode     uint32
	DiskPath string
}

// Store persists and retrieves Snapshots under Dir (normally "<repo>/commits")
// and stores/retrieves their referenced blobs via Objects.
type Store struct {
	Dir     string
	Objects *objstore.Store
}

func New(dir string, objects *objstore.Store) *Store {
	return &Store{Dir: dir, Objects: objects}
}

func (s *Store) pathFor(id CommitId) string {
	return filepath.Join(s.Dir, string(id)+".zst")
}

// Exists reports whether a commit snapshot for id is on disk.
func (s *Store) Exists(id CommitId) bool {
	_, err := os.Stat(s.pathFor(id))
	return err == nil
}

// Delete removes a commit snapshot file, used by Transaction rollback to
// undo commits created during a transaction that is being abandoned.
func (s *Store) Delete(id CommitId) error {
	err := os.Remove(s.pathFor(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("snapshot: delete %s: %w", id, err)
	}
	return nil
}

// Create ensures every entry's bytes are in the object store, builds the
// file manifest, computes the commit id, and writes commits/<id>.zst.
func (s *Store) Create(parents []CommitId, message, author string, timestamp int64, entries []StageEntry) (CommitId, error) {
	files := make(map[string]FileRecord, len(entries))
	for _, e := range entries {
		if e.DiskPath != "" {
			if err := s.Objects.Put(e.DiskPath, e.Hash); err != nil {
				return "", fmt.Errorf("snapshot: create: %w", err)
			}
		} else if !s.Objects.Has(e.Hash) && e.Hash != hash.NullContentHash {
			return "", errs.Corruptionf("snapshot: create: object %s for %q missing and no disk path given", e.Hash, e.Path)
		}
		files[e.Path] = FileRecord{Hash: e.Hash, Mode: e.Mode, ContentHash: e.Hash}
	}

	treeHash := ComputeTreeHash(files)
	id := ComputeCommitId(parents, treeHash, message, author, timestamp)

	snap := Snapshot{
		Commit: Commit{
			Id:        id,
			Parents:   parents,
			Message:   message,
			Author:    author,
			Timestamp: timestamp,
			TreeHash:  treeHash,
		},
		Files: files,
	}

	if err := s.write(&snap); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) write(snap *Snapshot) error {
	if err := os.MkdirAll(s.Dir, 0o777); err != nil {
		return fmt.Errorf("snapshot: mkdir: %w", err)
	}

	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(snap); err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, ".tmp-commit-*")
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: zstd writer: %w", err)
	}
	if _, err := enc.Write(raw.Bytes()); err != nil {
		enc.Close()
		tmp.Close()
		return fmt.Errorf("snapshot: zstd write: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: zstd close: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: close temp: %w", err)
	}

	return os.Rename(tmpPath, s.pathFor(snap.Commit.Id))
}

// Load resolves idOrPrefix against the commits directory, accepting the
// full 32-char id or any unique prefix, and decodes the matching snapshot.
// Suffixes are not matched.
func (s *Store) Load(idOrPrefix string) (*Snapshot, error) {
	id, err := s.Resolve(idOrPrefix)
	if err != nil {
		return nil, err
	}
	return s.loadExact(id)
}

func (s *Store) loadExact(id CommitId) (*Snapshot, error) {
	f, err := os.Open(s.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFoundf("snapshot: commit %s not found", id)
		}
		return nil, fmt.Errorf("snapshot: open %s: %w", id, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, errs.Corruptionf("snapshot: %s: zstd: %v", id, err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, errs.Corruptionf("snapshot: %s: decompress: %v", id, err)
	}

	var snap Snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, errs.Corruptionf("snapshot: %s: decode: %v", id, err)
	}
	return &snap, nil
}

// Resolve maps a full id or an unambiguous hex prefix to a CommitId,
// failing with the candidate list on ambiguity.
func (s *Store) Resolve(idOrPrefix string) (CommitId, error) {
	if len(idOrPrefix) == 32 {
		if _, err := os.Stat(s.pathFor(CommitId(idOrPrefix))); err == nil {
			return CommitId(idOrPrefix), nil
		}
	}

	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.NotFoundf("snapshot: %q does not match any commit", idOrPrefix)
		}
		return "", fmt.Errorf("snapshot: resolve: %w", err)
	}

	var candidates []string
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".zst")
		if name == e.Name() {
			continue // not a commit file
		}
		if strings.HasPrefix(name, idOrPrefix) {
			candidates = append(candidates, name)
		}
	}

	switch len(candidates) {
	case 0:
		return "", errs.NotFoundf("snapshot: %q does not match any commit", idOrPrefix)
	case 1:
		return CommitId(candidates[0]), nil
	default:
		return "", errs.Ambiguousf(candidates, "snapshot: %q matches multiple commits", idOrPrefix)
	}
}

// RestoreOptions configures Restore's behavior.
type RestoreOptions struct {
	// Cleanup lists paths currently present under TargetDir; any of them
	// not named by the snapshot are removed before restore.
	Cleanup []string
	// PreservePermissions controls whether the file's recorded mode is
	// applied at all; when false, files are written with the process
	// default mode.
	PreservePermissions bool
	// StripDangerousPermissions strips setuid/setgid/sticky bits.
	StripDangerousPermissions bool
	// Concurrency bounds the parallel file-write pool; zero means
	// min(NumCPU, 8).
	Concurrency int
}

// Restore writes every file named by the snapshot for id into targetDir,
// first removing any Cleanup-listed path the snapshot doesn't claim.
func (s *Store) Restore(id string, targetDir string, opts RestoreOptions) error {
	snap, err := s.Load(id)
	if err != nil {
		return err
	}

	if len(opts.Cleanup) > 0 {
		for _, p := range opts.Cleanup {
			if _, ok := snap.Files[p]; ok {
				continue
			}
			abs := filepath.Join(targetDir, p)
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("snapshot: restore cleanup %s: %w", p, err)
			}
		}
	}

	conc := opts.Concurrency
	if conc <= 0 {
		conc = runtime.NumCPU()
		if conc > 8 {
			conc = 8
		}
	}
	sem := semaphore.NewWeighted(int64(conc))
	g, ctx := errgroup.WithContext(context.Background())

	for path, rec := range snap.Files {
		path, rec := path, rec
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			return s.restoreOne(targetDir, path, rec, opts)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("snapshot: restore: %w", err)
	}
	return nil
}

func (s *Store) restoreOne(targetDir, path string, rec FileRecord, opts RestoreOptions) error {
	abs := filepath.Join(targetDir, path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o777); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}

	data, err := s.Objects.Get(rec.ContentHash)
	if err != nil {
		return fmt.Errorf("read object for %s: %w", path, err)
	}

	mode := uint32(0o644)
	if opts.PreservePermissions {
		mode = pathsafe.SanitizeMode(rec.Mode, opts.StripDangerousPermissions)
	}

	if err := pathsafe.WriteFileMode(abs, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
