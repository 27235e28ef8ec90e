// Package mapping persists the bijective commit-id correspondence between
// dotman commits and the git commits materialized for them in each remote's
// mirror, plus the per-branch head each remote's mirror was last advanced
// to.
package mapping

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// remoteMap is the wire shape for one remote's correspondence table.
type remoteMap struct {
	// DotmanToGit maps dotman commit id -> git commit id.
	DotmanToGit map[string]string `toml:"dotman_to_git"`
	// GitToDotman is kept alongside DotmanToGit so lookups in either
	// direction never need to invert a map at load time.
	GitToDotman map[string]string `toml:"git_to_dotman"`
	// Heads is the last dotman commit id pushed to each branch of this
	// remote.
	Heads map[string]string `toml:"heads"`
}

type wireFile struct {
	Remotes map[string]*remoteMap `toml:"remotes"`
}

// Store is the in-memory commit-mapping table, TOML-backed.
type Store struct {
	mu   sync.RWMutex
	path string
	data wireFile
}

// Load reads path, falling back to path+".bak" if the primary file exists
// but fails to parse -- the mirror image of Save's backup rotation. A
// missing primary, or a corrupt primary with no readable backup, yields an
// empty Store.
func Load(path string) (*Store, error) {
	s := &Store{path: path, data: wireFile{Remotes: map[string]*remoteMap{}}}

	if err := s.loadFrom(path); err == nil {
		return s, nil
	} else if !os.IsNotExist(err) {
		// primary exists but is corrupt: try the backup before giving up
		if backErr := s.loadFrom(path + ".bak"); backErr == nil {
			return s, nil
		}
	}
	return s, nil
}

func (s *Store) loadFrom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var w wireFile
	if _, err := toml.Decode(string(data), &w); err != nil {
		return fmt.Errorf("mapping: parse %s: %w", path, err)
	}
	if w.Remotes == nil {
		w.Remotes = map[string]*remoteMap{}
	}
	s.data = w
	return nil
}

func (s *Store) remote(name string) *remoteMap {
	rm, ok := s.data.Remotes[name]
	if !ok {
		rm = &remoteMap{DotmanToGit: map[string]string{}, GitToDotman: map[string]string{}, Heads: map[string]string{}}
		s.data.Remotes[name] = rm
	}
	if rm.DotmanToGit == nil {
		rm.DotmanToGit = map[string]string{}
	}
	if rm.GitToDotman == nil {
		rm.GitToDotman = map[string]string{}
	}
	if rm.Heads == nil {
		rm.Heads = map[string]string{}
	}
	return rm
}

// Put records the correspondence between a dotman commit and the git commit
// materialized for it in remote's mirror.
func (s *Store) Put(remote, dotmanID, gitID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.remote(remote)
	rm.DotmanToGit[dotmanID] = gitID
	rm.GitToDotman[gitID] = dotmanID
}

// Remove undoes Put, used by Transaction rollback to drop mapping entries
// added during an abandoned transaction.
func (s *Store) Remove(remote, dotmanID, gitID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.data.Remotes[remote]
	if !ok {
		return
	}
	delete(rm.DotmanToGit, dotmanID)
	delete(rm.GitToDotman, gitID)
}

// GitFor looks up the git commit id mapped from a dotman commit id.
func (s *Store) GitFor(remote, dotmanID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rm, ok := s.data.Remotes[remote]
	if !ok {
		return "", false
	}
	gitID, ok := rm.DotmanToGit[dotmanID]
	return gitID, ok
}

// DotmanFor looks up the dotman commit id mapped from a git commit id.
func (s *Store) DotmanFor(remote, gitID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rm, ok := s.data.Remotes[remote]
	if !ok {
		return "", false
	}
	dotmanID, ok := rm.GitToDotman[gitID]
	return dotmanID, ok
}

// SetHead records the dotman commit id remote's mirror branch was last
// advanced to.
func (s *Store) SetHead(remote, branch, dotmanID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote(remote).Heads[branch] = dotmanID
}

// Head returns the last dotman commit id recorded for remote's branch.
func (s *Store) Head(remote, branch string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rm, ok := s.data.Remotes[remote]
	if !ok {
		return "", false
	}
	id, ok := rm.Heads[branch]
	return id, ok
}

// ValidateAgainst flags any recorded remote not present in configuredRemotes
// as a warning string; it never errors, matching "warnings, not errors."
func (s *Store) ValidateAgainst(configuredRemotes map[string]struct{}) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var warnings []string
	for name := range s.data.Remotes {
		if _, ok := configuredRemotes[name]; !ok {
			warnings = append(warnings, fmt.Sprintf("mapping: remote %q has recorded mappings but is not declared in config", name))
		}
	}
	return warnings
}

// Save writes the mapping atomically: the existing primary file (if any) is
// copied to path+".bak" first, then the new content is written to a temp
// file and renamed over the primary.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if existing, err := os.ReadFile(s.path); err == nil {
		if err := os.WriteFile(s.path+".bak", existing, 0o644); err != nil {
			return fmt.Errorf("mapping: backup: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("mapping: read existing: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return fmt.Errorf("mapping: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-mapping-*")
	if err != nil {
		return fmt.Errorf("mapping: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(s.data); err != nil {
		tmp.Close()
		return fmt.Errorf("mapping: encode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("mapping: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("mapping: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("mapping: rename: %w", err)
	}
	return nil
}
