// Package hash implements dotman's content hashing: XXH3-128 of file bytes,
// with an mtime+size cache to avoid rehashing unchanged files.
package hash

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"runtime"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ContentHash is the hex-encoded 128-bit XXH3 digest of a file's content.
// The literal NullContentHash ("0") denotes an empty file without hashing it.
type ContentHash string

const NullContentHash ContentHash = "0"

// String implements fmt.Stringer.
func (h ContentHash) String() string { return string(h) }

// IsEmpty reports whether h is the empty-file sentinel.
func (h ContentHash) IsEmpty() bool { return h == NullContentHash }

// Valid reports whether h is either the empty sentinel or 32 lowercase hex
// digits.
func (h ContentHash) Valid() bool {
	if h == NullContentHash {
		return true
	}
	if len(h) != 32 {
		return false
	}
	for _, c := range string(h) {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// Sum computes the ContentHash of data directly, bypassing any cache. Used
// for in-memory byte slices (e.g. conflict markers, mirror blobs) where there
// is no file on disk to stat.
func Sum(data []byte) ContentHash {
	if len(data) == 0 {
		return NullContentHash
	}
	sum := xxh3.Hash128(data)
	raw := sum.Bytes()
	return ContentHash(hex.EncodeToString(raw[:]))
}

// ByHash sorts a []ContentHash lexicographically.
type ByHash []ContentHash

func (p ByHash) Len() int           { return len(p) }
func (p ByHash) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p ByHash) Less(i, j int) bool { return p[i] < p[j] }

// CacheRecord is the runtime-only hash cache attached to a FileEntry. It
// must not be persisted verbatim to the index -- callers strip it before
// serializing.
type CacheRecord struct {
	Hash       ContentHash
	SizeAtHash uint64
	MtimeAtHash int64
}

// DefaultMmapThreshold is the file size above which HashFile memory-maps the
// file instead of reading it directly.
const DefaultMmapThreshold = 1 << 20 // 1 MiB

// Hasher computes ContentHash for files on disk, honoring a per-file cache
// and switching to mmap above a configurable threshold.
type Hasher struct {
	MmapThreshold int64
	// Concurrency bounds the parallel HashFiles batch; zero means
	// min(NumCPU, 8).
	Concurrency int
}

// NewHasher builds a Hasher with default settings.
func NewHasher() *Hasher {
	return &Hasher{MmapThreshold: DefaultMmapThreshold}
}

func (h *Hasher) mmapThreshold() int64 {
	if h.MmapThreshold > 0 {
		return h.MmapThreshold
	}
	return DefaultMmapThreshold
}

func (h *Hasher) concurrency() int {
	if h.Concurrency > 0 {
		return h.Concurrency
	}
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

// HashFile computes the ContentHash of path, honoring cached if its
// size/mtime still match the file's current stat. It returns the hash and
// the fresh CacheRecord to store.
func (h *Hasher) HashFile(path string, cached *CacheRecord) (ContentHash, CacheRecord, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return "", CacheRecord{}, fmt.Errorf("hash %s: %w", path, err)
	}

	size := uint64(fi.Size())
	mtime := fi.ModTime().Unix()

	if cached != nil && cached.SizeAtHash == size && cached.MtimeAtHash == mtime && cached.Hash != "" {
		return cached.Hash, *cached, nil
	}

	hashVal, err := h.hashContent(path, fi)
	if err != nil {
		return "", CacheRecord{}, err
	}

	rec := CacheRecord{Hash: hashVal, SizeAtHash: size, MtimeAtHash: mtime}
	return hashVal, rec, nil
}

func (h *Hasher) hashContent(path string, fi os.FileInfo) (ContentHash, error) {
	if fi.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return "", fmt.Errorf("hash %s: readlink: %w", path, err)
		}
		return Sum([]byte(target)), nil
	}

	if fi.Size() == 0 {
		return NullContentHash, nil
	}

	if fi.Size() < h.mmapThreshold() {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", path, err)
		}
		return Sum(data), nil
	}

	return h.hashMmap(path)
}

func (h *Hasher) hashMmap(path string) (ContentHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		// fall back to a streamed read if the platform/filesystem refuses mmap
		return h.hashStream(f)
	}
	defer m.Unmap()

	return Sum([]byte(m)), nil
}

func (h *Hasher) hashStream(f *os.File) (ContentHash, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("hash: seek: %w", err)
	}
	buf := bytes.Buffer{}
	if _, err := io.Copy(&buf, f); err != nil {
		return "", fmt.Errorf("hash: read: %w", err)
	}
	return Sum(buf.Bytes()), nil
}

// PathCached pairs a path with its previously cached record, for HashFiles.
type PathCached struct {
	Path   string
	Cached *CacheRecord
}

// Result is one entry of HashFiles' output.
type Result struct {
	Path  string
	Hash  ContentHash
	Cache CacheRecord
}

// HashFiles hashes a batch of paths using a bounded worker pool. The whole
// batch fails on the first error.
func (h *Hasher) HashFiles(items []PathCached) ([]Result, error) {
	results := make([]Result, len(items))
	sem := semaphore.NewWeighted(int64(h.concurrency()))
	g := new(errgroup.Group)

	for i, item := range items {
		i, item := i, item
		if err := sem.Acquire(context.Background(), 1); err != nil {
			return nil, fmt.Errorf("hash batch: %w", err)
		}
		g.Go(func() error {
			defer sem.Release(1)
			hv, rec, err := h.HashFile(item.Path, item.Cached)
			if err != nil {
				return err
			}
			results[i] = Result{Path: item.Path, Hash: hv, Cache: rec}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
