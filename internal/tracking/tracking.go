// Package tracking implements the tracking manifest: the user's declared
// intent about which directories and files dotman should track, as distinct
// from the index's record of what has actually been staged. Status scans
// start from this manifest.
package tracking

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"lab.nexedi.com/kirr/dotman/internal/xset"
)

const (
	manifestFile   = "tracking.bin"
	currentVersion = 1
)

// Manifest is the persisted {tracked directories, tracked files} set.
type Manifest struct {
	mu          sync.RWMutex
	directories xset.Set[string]
	files       xset.Set[string]
}

// wireManifest is the versioned on-disk shape.
type wireManifest struct {
	Version     uint32
	Directories []string
	Files       []string
}

// New returns an empty Manifest.
func New() *Manifest {
	return &Manifest{directories: xset.New[string](), files: xset.New[string]()}
}

// AddDirectory records path as tracked, dropping any individually tracked
// file now covered by it.
func (m *Manifest) AddDirectory(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files.Elements() {
		if isWithin(f, path) {
			m.files.Remove(f)
		}
	}
	m.directories.Add(path)
}

// AddFile records path as tracked, unless it is already covered by a
// tracked directory.
func (m *Manifest) AddFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.coveredByDirectory(path) {
		return
	}
	m.files.Add(path)
}

// RemoveDirectory drops path from tracked directories, reporting whether it
// was tracked.
func (m *Manifest) RemoveDirectory(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.directories.Contains(path) {
		return false
	}
	m.directories.Remove(path)
	return true
}

// RemoveFile drops path from tracked files, reporting whether it was
// tracked.
func (m *Manifest) RemoveFile(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.files.Contains(path) {
		return false
	}
	m.files.Remove(path)
	return true
}

// IsTracked reports whether path is explicitly tracked or falls under a
// tracked directory.
func (m *Manifest) IsTracked(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.files.Contains(path) {
		return true
	}
	return m.coveredByDirectory(path)
}

// coveredByDirectory must be called with m.mu held.
func (m *Manifest) coveredByDirectory(path string) bool {
	for _, dir := range m.directories.Elements() {
		if isWithin(path, dir) {
			return true
		}
	}
	return false
}

// isWithin reports whether path is dir itself or lives under it.
func isWithin(path, dir string) bool {
	if path == dir {
		return true
	}
	return strings.HasPrefix(path, strings.TrimRight(dir, "/")+"/")
}

// Directories returns every tracked directory.
func (m *Manifest) Directories() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.directories.Elements()
}

// Files returns every individually tracked file.
func (m *Manifest) Files() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.files.Elements()
}

// IsEmpty reports whether nothing is tracked at all.
func (m *Manifest) IsEmpty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.directories.Elements()) == 0 && len(m.files.Elements()) == 0
}

// Clear drops everything tracked.
func (m *Manifest) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.directories = xset.New[string]()
	m.files = xset.New[string]()
}

func manifestPath(repoDir string) string { return filepath.Join(repoDir, manifestFile) }

// Save writes the manifest atomically as a versioned gob blob.
func (m *Manifest) Save(repoDir string) error {
	m.mu.RLock()
	w := wireManifest{Version: currentVersion, Directories: m.directories.Elements(), Files: m.files.Elements()}
	m.mu.RUnlock()

	dir := repoDir
	tmp, err := os.CreateTemp(dir, ".tmp-tracking-*")
	if err != nil {
		return fmt.Errorf("tracking: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := gob.NewEncoder(tmp).Encode(&w); err != nil {
		tmp.Close()
		return fmt.Errorf("tracking: encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tracking: close temp: %w", err)
	}
	return os.Rename(tmpPath, manifestPath(repoDir))
}

// Load reads the manifest from repoDir, returning an empty Manifest if it
// has never been saved. A manifest written by a newer format version is
// rejected rather than silently misread.
func Load(repoDir string) (*Manifest, error) {
	data, err := os.ReadFile(manifestPath(repoDir))
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("tracking: read: %w", err)
	}

	var w wireManifest
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, fmt.Errorf("tracking: corrupt: %w", err)
	}
	if w.Version > currentVersion {
		return nil, fmt.Errorf("tracking: manifest format version %d is newer than supported version %d, please upgrade", w.Version, currentVersion)
	}

	m := New()
	for _, d := range w.Directories {
		m.directories.Add(d)
	}
	for _, f := range w.Files {
		m.files.Add(f)
	}
	return m, nil
}
