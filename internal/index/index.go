// Package index implements the staging index: a committed/staged pair of
// path->FileEntry maps, hash-cached status computation, and gob persistence.
package index

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"lab.nexedi.com/kirr/dotman/internal/hash"
)

// FileEntry describes one tracked path, either as last committed or as
// currently staged. CachedHash is a runtime-only optimization and is
// explicitly stripped before the entry is persisted.
type FileEntry struct {
	Path       string
	Hash       hash.ContentHash
	Size       uint64
	Mtime      int64
	Mode       uint32
	CachedHash *hash.CacheRecord
}

// wireFileEntry is FileEntry without CachedHash -- the only thing gob
// actually writes to index.bin.
type wireFileEntry struct {
	Path  string
	Hash  hash.ContentHash
	Size  uint64
	Mtime int64
	Mode  uint32
}

func (e FileEntry) toWire() wireFileEntry {
	return wireFileEntry{Path: e.Path, Hash: e.Hash, Size: e.Size, Mtime: e.Mtime, Mode: e.Mode}
}

func (w wireFileEntry) toEntry() FileEntry {
	return FileEntry{Path: w.Path, Hash: w.Hash, Size: w.Size, Mtime: w.Mtime, Mode: w.Mode}
}

// Status is the classification of a tracked or candidate path relative to
// the index.
type Status int

const (
	StatusClean Status = iota
	StatusAdded
	StatusModified
	StatusDeleted
	StatusUntracked
)

func (s Status) String() string {
	switch s {
	case StatusAdded:
		return "added"
	case StatusModified:
		return "modified"
	case StatusDeleted:
		return "deleted"
	case StatusUntracked:
		return "untracked"
	default:
		return "clean"
	}
}

// Index holds the committed (last HEAD state) and staged (pending overlay)
// entry maps.
type Index struct {
	mu        sync.RWMutex
	committed map[string]FileEntry
	staged    map[string]FileEntry

	cacheTotal  int64
	cacheHits   int64
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		committed: make(map[string]FileEntry),
		staged:    make(map[string]FileEntry),
	}
}

// Add stages entry under its Path, overriding any existing staged entry.
func (idx *Index) Add(entry FileEntry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.staged[entry.Path] = entry
}

// StageEntries merges a batch of entries into staged in one pass.
func (idx *Index) StageEntries(entries map[string]FileEntry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for p, e := range entries {
		idx.staged[p] = e
	}
}

// Remove drops path from both staged and committed -- used when a path is
// untracked entirely.
func (idx *Index) Remove(path string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.staged, path)
	delete(idx.committed, path)
}

// Unstage drops path from staged only, leaving any committed entry intact.
func (idx *Index) Unstage(path string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.staged, path)
}

// CommitStaged moves every staged entry into committed and clears staged.
// It returns the set of entries that were staged, for the caller to build a
// snapshot from.
func (idx *Index) CommitStaged() []FileEntry {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	moved := make([]FileEntry, 0, len(idx.staged))
	for p, e := range idx.staged {
		idx.committed[p] = e
		moved = append(moved, e)
	}
	idx.staged = make(map[string]FileEntry)
	return moved
}

// Committed returns a copy of the committed map.
func (idx *Index) Committed() map[string]FileEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string]FileEntry, len(idx.committed))
	for k, v := range idx.committed {
		out[k] = v
	}
	return out
}

// Staged returns a copy of the staged map.
func (idx *Index) Staged() map[string]FileEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string]FileEntry, len(idx.staged))
	for k, v := range idx.staged {
		out[k] = v
	}
	return out
}

// ResetCommitted replaces the committed map wholesale -- used by checkout to
// align the index with an arbitrary historical commit's manifest.
func (idx *Index) ResetCommitted(entries map[string]FileEntry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.committed = make(map[string]FileEntry, len(entries))
	for k, v := range entries {
		idx.committed[k] = v
	}
	idx.staged = make(map[string]FileEntry)
}

// effective returns the entry that governs path right now: staged overrides
// committed, plus whether that entry is "new" (staged but never committed,
// i.e. Added).
func (idx *Index) effective(path string) (entry FileEntry, inIndex bool, isNew bool) {
	if e, ok := idx.staged[path]; ok {
		_, alsoCommitted := idx.committed[path]
		return e, true, !alsoCommitted
	}
	if e, ok := idx.committed[path]; ok {
		return e, true, false
	}
	return FileEntry{}, false, false
}

// allPaths returns every path currently present in either map.
func (idx *Index) allPaths() []string {
	seen := make(map[string]struct{}, len(idx.committed)+len(idx.staged))
	for p := range idx.committed {
		seen[p] = struct{}{}
	}
	for p := range idx.staged {
		seen[p] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out
}

// Status computes the working-tree status of every indexed path plus every
// candidate path the caller supplies (typically the scanner's enumeration of
// currently-present tracked files). Only non-clean paths are returned,
// mirroring how version-control status output omits unchanged files.
//
// Computation is parallelized over a bounded worker pool.
func (idx *Index) Status(hasher *hash.Hasher, homeDir string, candidatePaths []string) (map[string]Status, error) {
	idx.mu.Lock() // write lock: HashFile may populate CachedHash in place
	defer idx.mu.Unlock()

	candidateSet := make(map[string]struct{}, len(candidatePaths))
	for _, p := range candidatePaths {
		candidateSet[p] = struct{}{}
	}

	indexed := idx.allPaths()
	results := make(map[string]Status, len(indexed))
	var resultsMu sync.Mutex

	sem := semaphore.NewWeighted(int64(concurrency(hasher)))
	g, ctx := errgroup.WithContext(context.Background())

	// snapshot every entry before any worker starts: workers write the
	// CachedHash refresh back into the maps under resultsMu
	entries := make([]FileEntry, len(indexed))
	isNews := make([]bool, len(indexed))
	for i, p := range indexed {
		entries[i], _, isNews[i] = idx.effective(p)
	}

	for i, p := range indexed {
		p, entry, isNew := p, entries[i], isNews[i]
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			return idx.classifyIndexed(hasher, homeDir, p, entry, isNew, &resultsMu, results)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("index: status: %w", err)
	}

	for p := range candidateSet {
		if _, inIndex, _ := idx.effective(p); inIndex {
			continue
		}
		results[p] = StatusUntracked
	}

	return results, nil
}

func concurrency(h *hash.Hasher) int {
	if h != nil && h.Concurrency > 0 {
		return h.Concurrency
	}
	return 4
}

func (idx *Index) classifyIndexed(hasher *hash.Hasher, homeDir, p string, entry FileEntry, isNew bool,
	mu *sync.Mutex, results map[string]Status) error {

	abs := filepath.Join(homeDir, p)
	hv, rec, err := hasher.HashFile(abs, entry.CachedHash)

	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			mu.Lock()
			results[p] = StatusDeleted
			mu.Unlock()
			return nil
		}
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	idx.cacheTotal++
	if entry.CachedHash != nil && *entry.CachedHash == rec {
		idx.cacheHits++
	}

	// refresh the in-memory cache now that we've recomputed it
	rec2 := rec
	if e, ok := idx.staged[p]; ok && e.Path == p {
		e.CachedHash = &rec2
		idx.staged[p] = e
	} else if e, ok := idx.committed[p]; ok && e.Path == p {
		e.CachedHash = &rec2
		idx.committed[p] = e
	}

	switch {
	case isNew:
		results[p] = StatusAdded
	case hv != entry.Hash:
		results[p] = StatusModified
	}
	return nil
}

// CacheStats reports the hash-cache hit rate observed so far.
func (idx *Index) CacheStats() (total, cached int64, hitRate float64) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.cacheTotal == 0 {
		return 0, 0, 0
	}
	return idx.cacheTotal, idx.cacheHits, float64(idx.cacheHits) / float64(idx.cacheTotal)
}

// --- persistence ---

type wireIndex struct {
	Committed []wireFileEntry
	Staged    []wireFileEntry
}

// Save writes the index to path atomically (temp file + rename), with
// CachedHash stripped.
func (idx *Index) Save(path string) error {
	idx.mu.RLock()
	w := wireIndex{
		Committed: make([]wireFileEntry, 0, len(idx.committed)),
		Staged:    make([]wireFileEntry, 0, len(idx.staged)),
	}
	for _, e := range idx.committed {
		w.Committed = append(w.Committed, e.toWire())
	}
	for _, e := range idx.staged {
		w.Staged = append(w.Staged, e.toWire())
	}
	idx.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return fmt.Errorf("index: encode: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-index-*")
	if err != nil {
		return fmt.Errorf("index: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("index: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("index: close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("index: rename: %w", err)
	}
	return nil
}

// Load reads the index from path. A missing file yields an empty Index,
// matching "freshly initialized repository has no staged/committed state."
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("index: load: %w", err)
	}

	var w wireIndex
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, fmt.Errorf("index: corrupt: %w", err)
	}

	idx := New()
	for _, we := range w.Committed {
		idx.committed[we.Path] = we.toEntry()
	}
	for _, we := range w.Staged {
		idx.staged[we.Path] = we.toEntry()
	}
	return idx, nil
}

// Bytes serializes the index in memory, used by Transaction to snapshot a
// backup copy without touching disk twice.
func (idx *Index) Bytes() ([]byte, error) {
	idx.mu.RLock()
	w := wireIndex{}
	for _, e := range idx.committed {
		w.Committed = append(w.Committed, e.toWire())
	}
	for _, e := range idx.staged {
		w.Staged = append(w.Staged, e.toWire())
	}
	idx.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, fmt.Errorf("index: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// FromBytes rebuilds an Index from Bytes' output, used to restore a
// Transaction backup.
func FromBytes(data []byte) (*Index, error) {
	var w wireIndex
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, fmt.Errorf("index: corrupt: %w", err)
	}
	idx := New()
	for _, we := range w.Committed {
		idx.committed[we.Path] = we.toEntry()
	}
	for _, we := range w.Staged {
		idx.staged[we.Path] = we.toEntry()
	}
	return idx, nil
}
