// Package stash implements the stash stack: a LIFO list of saved working-tree
// states, each persisted as one zstd-compressed blob, with push/pop/apply
// operations and pre-image conflict detection on apply.
package stash

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"lab.nexedi.com/kirr/dotman/internal/hash"
	"lab.nexedi.com/kirr/dotman/internal/index"
	"lab.nexedi.com/kirr/dotman/internal/pathsafe"
	"lab.nexedi.com/kirr/dotman/internal/snapshot"
)

// FileStatus records why a path is present in a stash entry.
type FileStatus int

const (
	StatusAdded FileStatus = iota
	StatusModified
	StatusDeleted
)

// File is one path's saved state within a stash entry. Content is nil for a
// deleted path -- there is nothing to restore, only the fact of its absence.
// BaseHash is the path's hash as of ParentCommit, the pre-image Apply
// compares against to detect a conflicting change made after the stash.
type File struct {
	Hash     hash.ContentHash
	BaseHash hash.ContentHash
	Mode     uint32
	Status   FileStatus
	Content  []byte
}

// Entry is one stashed working-tree state.
type Entry struct {
	Id           string
	Message      string
	Timestamp    int64
	ParentCommit snapshot.CommitId
	Files        map[string]File
	IndexState   []index.FileEntry
}

// Conflict describes one path Apply refused to overwrite because it changed
// on disk since the stash was taken.
type Conflict struct {
	Path        string
	CurrentHash hash.ContentHash
	BaseHash    hash.ContentHash
}

// Store manages the stash stack under <repo>/stash.
type Store struct {
	Dir string
}

func New(repoDir string) *Store {
	return &Store{Dir: filepath.Join(repoDir, "stash")}
}

func (s *Store) entriesDir() string { return filepath.Join(s.Dir, "entries") }
func (s *Store) refsDir() string    { return filepath.Join(s.Dir, "refs") }
func (s *Store) stackFile() string  { return filepath.Join(s.refsDir(), "stash") }
func (s *Store) entryPath(id string) string {
	return filepath.Join(s.entriesDir(), id+".zst")
}

func (s *Store) initDirs() error {
	if err := os.MkdirAll(s.entriesDir(), 0o777); err != nil {
		return fmt.Errorf("stash: mkdir: %w", err)
	}
	if err := os.MkdirAll(s.refsDir(), 0o777); err != nil {
		return fmt.Errorf("stash: mkdir: %w", err)
	}
	return nil
}

// Push assigns entry a fresh id, saves it, and makes it the stack's new top.
func (s *Store) Push(entry Entry) (string, error) {
	if err := s.initDirs(); err != nil {
		return "", err
	}
	entry.Id = uuid.NewString()

	if err := s.save(&entry); err != nil {
		return "", err
	}
	if err := s.pushID(entry.Id); err != nil {
		return "", err
	}
	return entry.Id, nil
}

func (s *Store) save(entry *Entry) error {
	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(entry); err != nil {
		return fmt.Errorf("stash: encode: %w", err)
	}

	tmp, err := os.CreateTemp(s.entriesDir(), ".tmp-stash-*")
	if err != nil {
		return fmt.Errorf("stash: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("stash: zstd writer: %w", err)
	}
	if _, err := enc.Write(raw.Bytes()); err != nil {
		enc.Close()
		tmp.Close()
		return fmt.Errorf("stash: zstd write: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("stash: zstd close: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stash: close temp: %w", err)
	}
	return os.Rename(tmpPath, s.entryPath(entry.Id))
}

// Load reads one stash entry by id without touching the stack.
func (s *Store) Load(id string) (*Entry, error) {
	f, err := os.Open(s.entryPath(id))
	if err != nil {
		return nil, fmt.Errorf("stash: %s: %w", id, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("stash: %s: zstd: %w", id, err)
	}
	defer dec.Close()

	var entry Entry
	if err := gob.NewDecoder(dec).Decode(&entry); err != nil {
		return nil, fmt.Errorf("stash: %s: decode: %w", id, err)
	}
	return &entry, nil
}

// List returns every stash id, newest first.
func (s *Store) List() ([]string, error) {
	data, err := os.ReadFile(s.stackFile())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stash: read stack: %w", err)
	}
	return splitNonEmpty(string(data)), nil
}

// Latest returns the top stash id, if any.
func (s *Store) Latest() (string, bool, error) {
	ids, err := s.List()
	if err != nil {
		return "", false, err
	}
	if len(ids) == 0 {
		return "", false, nil
	}
	return ids[0], true, nil
}

func (s *Store) pushID(id string) error {
	ids, err := s.List()
	if err != nil {
		return err
	}
	ids = append([]string{id}, ids...)
	return s.writeStack(ids)
}

// Delete removes a stash entry's blob and its id from the stack.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.entryPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stash: delete %s: %w", id, err)
	}
	ids, err := s.List()
	if err != nil {
		return err
	}
	kept := ids[:0:0]
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	return s.writeStack(kept)
}

func (s *Store) writeStack(ids []string) error {
	if len(ids) == 0 {
		err := os.Remove(s.stackFile())
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("stash: clear stack: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(s.refsDir(), 0o777); err != nil {
		return fmt.Errorf("stash: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(s.refsDir(), ".tmp-stack-*")
	if err != nil {
		return fmt.Errorf("stash: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(strings.Join(ids, "\n")); err != nil {
		tmp.Close()
		return fmt.Errorf("stash: write stack: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stash: close temp: %w", err)
	}
	return os.Rename(tmpPath, s.stackFile())
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Pop applies the top stash entry to targetDir, then deletes it -- unless
// Apply reports conflicts, in which case the entry is left on the stack for
// the caller to resolve and retry.
func (s *Store) Pop(targetDir string, currentCommit snapshot.CommitId, currentHashes map[string]hash.ContentHash) ([]Conflict, error) {
	id, ok, err := s.Latest()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("stash: nothing to pop")
	}

	conflicts, err := s.Apply(targetDir, id, currentCommit, currentHashes)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return conflicts, nil
	}
	return nil, s.Delete(id)
}

// Apply writes id's stashed files into targetDir. If currentCommit differs
// from the stash's parent commit, each file's on-disk hash (from
// currentHashes) is compared against its recorded BaseHash; a mismatch means
// the file changed after the stash was taken and is reported as a conflict
// instead of being overwritten.
func (s *Store) Apply(targetDir string, id string, currentCommit snapshot.CommitId, currentHashes map[string]hash.ContentHash) ([]Conflict, error) {
	entry, err := s.Load(id)
	if err != nil {
		return nil, err
	}

	checkBase := currentCommit != entry.ParentCommit
	var conflicts []Conflict
	if checkBase {
		for path, sf := range entry.Files {
			cur, ok := currentHashes[path]
			if !ok {
				continue // absent on disk: nothing to conflict with
			}
			if cur != sf.BaseHash {
				conflicts = append(conflicts, Conflict{Path: path, CurrentHash: cur, BaseHash: sf.BaseHash})
			}
		}
		if len(conflicts) > 0 {
			return conflicts, nil
		}
	}

	for path, sf := range entry.Files {
		abs := filepath.Join(targetDir, path)
		if sf.Status == StatusDeleted {
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("stash: apply: remove %s: %w", path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o777); err != nil {
			return nil, fmt.Errorf("stash: apply: mkdir for %s: %w", path, err)
		}
		if err := pathsafe.WriteFileMode(abs, sf.Content, sf.Mode); err != nil {
			return nil, fmt.Errorf("stash: apply: write %s: %w", path, err)
		}
	}
	return nil, nil
}
