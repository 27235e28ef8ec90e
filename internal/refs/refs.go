// Package refs implements the plain-file ref store under refs/ plus the
// HEAD state machine: branches, tags, remote-tracking refs, and a HEAD that
// is either symbolic, detached, or unborn.
package refs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lab.nexedi.com/kirr/dotman/errs"
	"lab.nexedi.com/kirr/dotman/internal/snapshot"
)

const headSymbolicPrefix = "ref: "

// HeadState is the kind of HEAD.State().
type HeadState int

const (
	HeadUnborn HeadState = iota
	HeadSymbolic
	HeadDetached
)

// Head describes HEAD's current pointer.
type Head struct {
	State  HeadState
	Branch string              // valid when State == HeadSymbolic or HeadUnborn
	Commit snapshot.CommitId   // valid when State == HeadDetached
}

// Manager is the Ref Manager: plain-file storage under <repoDir>/refs and
// <repoDir>/HEAD, backed by a Snapshot Store for target-existence
// validation.
type Manager struct {
	RepoDir   string
	Snapshots *snapshot.Store
}

func New(repoDir string, snapshots *snapshot.Store) *Manager {
	return &Manager{RepoDir: repoDir, Snapshots: snapshots}
}

func (m *Manager) headPath() string { return filepath.Join(m.RepoDir, "HEAD") }

func (m *Manager) branchPath(name string) string {
	return filepath.Join(m.RepoDir, "refs", "heads", name)
}

func (m *Manager) tagPath(name string) string {
	return filepath.Join(m.RepoDir, "refs", "tags", name)
}

func (m *Manager) remoteBranchPath(remote, branch string) string {
	return filepath.Join(m.RepoDir, "refs", "remotes", remote, branch)
}

// validateTarget enforces the single write-path invariant: the new target
// must be NULL_COMMIT_ID or an existing commit.
func (m *Manager) validateTarget(commitID snapshot.CommitId) error {
	if commitID.IsNull() {
		return nil
	}
	if !m.Snapshots.Exists(commitID) {
		return errs.InvalidStatef("refs: target commit %s does not exist", commitID)
	}
	return nil
}

// writeRef is the single write path every ref mutation (except
// Transaction.rollback's direct write) funnels through: validate, write to
// temp, rename into place.
func (m *Manager) writeRef(path string, content string, validate bool) error {
	if validate && !strings.HasPrefix(content, headSymbolicPrefix) {
		if err := m.validateTarget(snapshot.CommitId(content)); err != nil {
			return err
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return fmt.Errorf("refs: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-ref-*")
	if err != nil {
		return fmt.Errorf("refs: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("refs: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("refs: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("refs: rename: %w", err)
	}
	return nil
}

// WriteRaw bypasses validation entirely -- reserved for
// Transaction.rollback's disaster-recovery write, where the commit existed
// when the transaction began and the snapshot store state may itself be
// mid-rollback.
func (m *Manager) WriteRaw(path string, content string) error {
	return m.writeRef(path, content, false)
}

func readRefFile(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("refs: read %s: %w", path, err)
	}
	return strings.TrimRight(string(data), "\n"), true, nil
}

// --- branches ---

func (m *Manager) SetBranch(name string, commitID snapshot.CommitId) error {
	return m.writeRef(m.branchPath(name), string(commitID), true)
}

func (m *Manager) GetBranch(name string) (snapshot.CommitId, bool, error) {
	content, ok, err := readRefFile(m.branchPath(name))
	return snapshot.CommitId(content), ok, err
}

func (m *Manager) DeleteBranch(name string) error {
	err := os.Remove(m.branchPath(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("refs: delete branch %s: %w", name, err)
	}
	return nil
}

func (m *Manager) ListBranches() ([]string, error) {
	return listRefNames(filepath.Join(m.RepoDir, "refs", "heads"))
}

// --- tags ---

func (m *Manager) SetTag(name string, commitID snapshot.CommitId) error {
	return m.writeRef(m.tagPath(name), string(commitID), true)
}

func (m *Manager) GetTag(name string) (snapshot.CommitId, bool, error) {
	content, ok, err := readRefFile(m.tagPath(name))
	return snapshot.CommitId(content), ok, err
}

func (m *Manager) DeleteTag(name string) error {
	err := os.Remove(m.tagPath(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("refs: delete tag %s: %w", name, err)
	}
	return nil
}

func (m *Manager) ListTags() ([]string, error) {
	return listRefNames(filepath.Join(m.RepoDir, "refs", "tags"))
}

// --- remote-tracking ---

func (m *Manager) SetRemoteBranch(remote, branch string, commitID snapshot.CommitId) error {
	return m.writeRef(m.remoteBranchPath(remote, branch), string(commitID), true)
}

func (m *Manager) GetRemoteBranch(remote, branch string) (snapshot.CommitId, bool, error) {
	content, ok, err := readRefFile(m.remoteBranchPath(remote, branch))
	return snapshot.CommitId(content), ok, err
}

// DeleteRemoteBranch removes a remote-tracking ref, used by Transaction
// rollback to undo a remote-tracking ref created during an abandoned
// transaction.
func (m *Manager) DeleteRemoteBranch(remote, branch string) error {
	err := os.Remove(m.remoteBranchPath(remote, branch))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("refs: delete remote branch %s/%s: %w", remote, branch, err)
	}
	return nil
}

// RestoreBranch and RestoreRemoteBranch bypass validation, for Transaction
// rollback writing back a value that was valid when the transaction began
// but whose target commit may already be gone by the time rollback runs.

func (m *Manager) RestoreBranch(name string, commitID snapshot.CommitId) error {
	return m.WriteRaw(m.branchPath(name), string(commitID))
}

func (m *Manager) RestoreRemoteBranch(remote, branch string, commitID snapshot.CommitId) error {
	return m.WriteRaw(m.remoteBranchPath(remote, branch), string(commitID))
}

func listRefNames(dir string) ([]string, error) {
	var names []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("refs: list %s: %w", dir, err)
	}
	return names, nil
}

// --- HEAD ---

// Head reads and classifies HEAD's current state. A symbolic HEAD whose
// target branch has no commits yet classifies as Unborn(branch), not
// Symbolic, matching the state machine's "branch file absent" rule.
func (m *Manager) Head() (Head, error) {
	content, ok, err := readRefFile(m.headPath())
	if err != nil {
		return Head{}, err
	}
	if !ok {
		return Head{State: HeadUnborn}, nil
	}
	return m.classifyHead(content)
}

func (m *Manager) classifyHead(content string) (Head, error) {
	if strings.HasPrefix(content, headSymbolicPrefix) {
		target := strings.TrimPrefix(content, headSymbolicPrefix)
		branch := strings.TrimPrefix(target, "refs/heads/")
		_, exists, err := m.GetBranch(branch)
		if err != nil {
			return Head{}, err
		}
		if !exists {
			return Head{State: HeadUnborn, Branch: branch}, nil
		}
		return Head{State: HeadSymbolic, Branch: branch}, nil
	}
	if content == string(snapshot.NullCommitId) {
		return Head{State: HeadUnborn}, nil
	}
	return Head{State: HeadDetached, Commit: snapshot.CommitId(content)}, nil
}

// rawHeadContent renders h the way it is stored on disk (used for reflog
// old/new values).
func rawHeadContent(h Head) string {
	switch h.State {
	case HeadSymbolic, HeadUnborn:
		if h.Branch == "" {
			return string(snapshot.NullCommitId)
		}
		return headSymbolicPrefix + "refs/heads/" + h.Branch
	default:
		return string(h.Commit)
	}
}

// RawHeadContent exposes rawHeadContent for callers (reflog) that need the
// exact on-disk string for old/new bookkeeping.
func RawHeadContent(h Head) string { return rawHeadContent(h) }

// CheckoutBranch sets HEAD to Symbolic(branch).
func (m *Manager) CheckoutBranch(branch string) error {
	return m.writeRef(m.headPath(), headSymbolicPrefix+"refs/heads/"+branch, false)
}

// CheckoutCommit sets HEAD to Detached(commit).
func (m *Manager) CheckoutCommit(commitID snapshot.CommitId) error {
	if err := m.validateTarget(commitID); err != nil {
		return err
	}
	return m.writeRef(m.headPath(), string(commitID), false)
}

// AdvanceBranch is the commit-time operation: write the new commit id to
// the current branch and leave HEAD pointed at it (symbolically).
func (m *Manager) AdvanceBranch(branch string, commitID snapshot.CommitId) error {
	return m.SetBranch(branch, commitID)
}

// HeadCommit resolves HEAD down to a commit id, following a symbolic HEAD
// to its branch's target. Returns NullCommitId for an unborn branch.
func (m *Manager) HeadCommit() (snapshot.CommitId, error) {
	h, err := m.Head()
	if err != nil {
		return "", err
	}
	switch h.State {
	case HeadDetached:
		return h.Commit, nil
	case HeadUnborn:
		return snapshot.NullCommitId, nil
	default: // symbolic
		id, ok, err := m.GetBranch(h.Branch)
		if err != nil {
			return "", err
		}
		if !ok {
			return snapshot.NullCommitId, nil
		}
		return id, nil
	}
}
