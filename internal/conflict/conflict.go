// Package conflict implements three-way conflict detection between the
// current index, an incoming remote snapshot, and their merge base, plus
// conflict-marker file generation and MERGE_HEAD/MERGE_MSG bookkeeping.
package conflict

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lab.nexedi.com/kirr/dotman/internal/hash"
	"lab.nexedi.com/kirr/dotman/internal/snapshot"
)

// Info describes one conflicting path.
type Info struct {
	Path       string
	LocalHash  hash.ContentHash // empty if deleted locally
	RemoteHash hash.ContentHash // empty if deleted remotely
	BaseHash   hash.ContentHash // empty if the path didn't exist at the merge base
}

// Detect computes the conflict set between current (the effective index
// state, keyed by path), remote, and an optional merge-base snapshot. A nil
// base means "no common history" (both-added-from-nothing case).
func Detect(current map[string]hash.ContentHash, remote *snapshot.Snapshot, base *snapshot.Snapshot) []Info {
	paths := map[string]struct{}{}
	for p := range current {
		paths[p] = struct{}{}
	}
	for p := range remote.Files {
		paths[p] = struct{}{}
	}
	if base != nil {
		for p := range base.Files {
			paths[p] = struct{}{}
		}
	}

	var conflicts []Info
	for path := range paths {
		localHash, inLocal := current[path]
		remoteRec, inRemote := remote.Files[path]
		var baseHash hash.ContentHash
		var inBase bool
		if base != nil {
			var rec snapshot.FileRecord
			rec, inBase = base.Files[path]
			baseHash = rec.Hash
		}
		remoteHash := remoteRec.Hash

		var isConflict bool
		switch {
		case inLocal && inRemote && inBase:
			isConflict = localHash != baseHash && remoteHash != baseHash && localHash != remoteHash
		case inLocal && inRemote && !inBase:
			isConflict = localHash != remoteHash
		case inLocal && !inRemote && inBase:
			isConflict = localHash != baseHash
		case !inLocal && inRemote && inBase:
			isConflict = remoteHash != baseHash
		default:
			isConflict = false
		}

		if isConflict {
			conflicts = append(conflicts, Info{
				Path:       path,
				LocalHash:  localHash,
				RemoteHash: remoteHash,
				BaseHash:   baseHash,
			})
		}
	}
	return conflicts
}

const (
	markerDeletedLocal  = "(file deleted in local)"
	markerDeletedRemote = "(file deleted in remote)"
)

// GenerateMarkers renders the git-style conflict markup for one file.
func GenerateMarkers(localContent, remoteContent []byte, hasLocal, hasRemote bool, branchName string) []byte {
	local := string(localContent)
	if !hasLocal {
		local = markerDeletedLocal
	}
	remote := string(remoteContent)
	if !hasRemote {
		remote = markerDeletedRemote
	}

	var b strings.Builder
	b.WriteString("<<<<<<< HEAD (local)\n")
	b.WriteString(strings.TrimRight(local, "\n"))
	b.WriteString("\n=======\n")
	b.WriteString(strings.TrimRight(remote, "\n"))
	b.WriteString("\n>>>>>>> ")
	b.WriteString(branchName)
	b.WriteString(" (remote)\n")
	return []byte(b.String())
}

// HasMarkers reports whether content contains all three marker lines.
func HasMarkers(content []byte) bool {
	s := string(content)
	return strings.Contains(s, "<<<<<<<") && strings.Contains(s, "=======") && strings.Contains(s, ">>>>>>>")
}

// State manages MERGE_HEAD/MERGE_MSG, the plain files at the repository
// root marking a merge in progress.
type State struct {
	RepoDir string
}

func NewState(repoDir string) *State { return &State{RepoDir: repoDir} }

func (s *State) headPath() string { return filepath.Join(s.RepoDir, "MERGE_HEAD") }
func (s *State) msgPath() string  { return filepath.Join(s.RepoDir, "MERGE_MSG") }

// Save writes MERGE_HEAD/MERGE_MSG, marking a merge as in progress.
func (s *State) Save(mergeHead snapshot.CommitId, message string) error {
	if err := os.WriteFile(s.headPath(), []byte(mergeHead), 0o644); err != nil {
		return fmt.Errorf("conflict: write MERGE_HEAD: %w", err)
	}
	if err := os.WriteFile(s.msgPath(), []byte(message), 0o644); err != nil {
		return fmt.Errorf("conflict: write MERGE_MSG: %w", err)
	}
	return nil
}

// Load reads MERGE_HEAD/MERGE_MSG if a merge is in progress.
func (s *State) Load() (mergeHead snapshot.CommitId, message string, inProgress bool, err error) {
	if !s.InProgress() {
		return "", "", false, nil
	}
	headData, err := os.ReadFile(s.headPath())
	if err != nil {
		return "", "", false, fmt.Errorf("conflict: read MERGE_HEAD: %w", err)
	}
	msgData, err := os.ReadFile(s.msgPath())
	if err != nil {
		return "", "", false, fmt.Errorf("conflict: read MERGE_MSG: %w", err)
	}
	return snapshot.CommitId(strings.TrimSpace(string(headData))), string(msgData), true, nil
}

// InProgress reports whether a merge is currently in progress.
func (s *State) InProgress() bool {
	_, err := os.Stat(s.headPath())
	return err == nil
}

// Clear (abort) removes MERGE_HEAD and MERGE_MSG.
func (s *State) Clear() error {
	for _, p := range []string{s.headPath(), s.msgPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("conflict: clear %s: %w", p, err)
		}
	}
	return nil
}
