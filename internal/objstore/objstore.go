// Package objstore implements a content-addressed, zstd-compressed blob
// store: objects/<hash>.zst, dedup by existence check, no separate index
// file -- the same shape as git's own loose object store.
package objstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"lab.nexedi.com/kirr/dotman/internal/hash"
)

// DefaultLevel is the zstd compression level used when Config doesn't
// override it.
const DefaultLevel = 3

// Store is a content-addressed blob store rooted at a directory (normally
// "<repo>/objects").
type Store struct {
	Dir   string
	Level int
}

// New builds a Store rooted at dir with the given zstd level (a level
// outside 1..22 is replaced by DefaultLevel).
func New(dir string, level int) *Store {
	if level < 1 || level > 22 {
		level = DefaultLevel
	}
	return &Store{Dir: dir, Level: level}
}

func (s *Store) pathFor(h hash.ContentHash) string {
	return filepath.Join(s.Dir, string(h)+".zst")
}

// Has reports whether an object with the given hash is already stored.
func (s *Store) Has(h hash.ContentHash) bool {
	_, err := os.Stat(s.pathFor(h))
	return err == nil
}

// PutBytes stores data under its content hash, returning the hash. If an
// object with that hash already exists, PutBytes returns immediately without
// rewriting it -- concurrent Put of the same hash is therefore safe because
// the content is idempotent.
func (s *Store) PutBytes(data []byte) (hash.ContentHash, error) {
	h := hash.Sum(data)
	if s.Has(h) {
		return h, nil
	}
	if err := s.writeCompressed(h, data); err != nil {
		return "", err
	}
	return h, nil
}

// Put reads the file at diskPath and stores it under contentHash (the
// caller's already-computed hash, from the Hasher, avoiding a second hash
// pass). If the object already exists, Put is a no-op.
func (s *Store) Put(diskPath string, contentHash hash.ContentHash) error {
	if s.Has(contentHash) {
		return nil
	}
	if contentHash == hash.NullContentHash {
		return s.writeCompressed(contentHash, nil)
	}
	data, err := os.ReadFile(diskPath)
	if err != nil {
		return fmt.Errorf("objstore: put %s: %w", diskPath, err)
	}
	return s.writeCompressed(contentHash, data)
}

func (s *Store) writeCompressed(h hash.ContentHash, data []byte) error {
	if err := os.MkdirAll(s.Dir, 0o777); err != nil {
		return fmt.Errorf("objstore: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, ".tmp-obj-*")
	if err != nil {
		return fmt.Errorf("objstore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(s.Level)))
	if err != nil {
		tmp.Close()
		return fmt.Errorf("objstore: zstd writer: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		tmp.Close()
		return fmt.Errorf("objstore: zstd write: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("objstore: zstd close: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("objstore: close temp: %w", err)
	}

	if err := os.Rename(tmpPath, s.pathFor(h)); err != nil {
		return fmt.Errorf("objstore: rename into place: %w", err)
	}
	return nil
}

// Get reads and decompresses the object for h.
func (s *Store) Get(h hash.ContentHash) ([]byte, error) {
	if h == hash.NullContentHash {
		return nil, nil
	}
	f, err := os.Open(s.pathFor(h))
	if err != nil {
		return nil, fmt.Errorf("objstore: get %s: %w", h, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("objstore: zstd reader for %s: %w", h, err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("objstore: decompress %s: %w", h, err)
	}
	return data, nil
}

// WriteTo decompresses the object for h directly to w, avoiding buffering
// the whole object in memory -- used by snapshot restore for large files.
func (s *Store) WriteTo(h hash.ContentHash, w io.Writer) error {
	if h == hash.NullContentHash {
		return nil
	}
	f, err := os.Open(s.pathFor(h))
	if err != nil {
		return fmt.Errorf("objstore: get %s: %w", h, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("objstore: zstd reader for %s: %w", h, err)
	}
	defer dec.Close()

	if _, err := io.Copy(w, dec); err != nil {
		return fmt.Errorf("objstore: decompress %s: %w", h, err)
	}
	return nil
}

// Walk calls fn for every content hash currently stored, used by fsck/GC.
func (s *Store) Walk(fn func(hash.ContentHash) error) error {
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("objstore: walk: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		const suffix = ".zst"
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		h := hash.ContentHash(name[:len(name)-len(suffix)])
		if err := fn(h); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the object for h. Used only by GC.
func (s *Store) Delete(h hash.ContentHash) error {
	err := os.Remove(s.pathFor(h))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("objstore: delete %s: %w", h, err)
	}
	return nil
}
