// Package dotman ties every storage-engine component into the Repository
// facade: the object store, index, snapshot store, refs, reflog, DAG
// ancestry, conflict detection, transactions, per-branch locking, stash,
// commit mapping, git mirroring, and the tracking manifest all live under a
// single RepoDir and are wired together here the way a caller actually uses
// them -- add, commit, status, checkout, push, pull, plus fsck/GC/import/
// rebase/merge housekeeping.
package dotman

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"lab.nexedi.com/kirr/dotman/config"
	"lab.nexedi.com/kirr/dotman/errs"
	"lab.nexedi.com/kirr/dotman/internal/conflict"
	"lab.nexedi.com/kirr/dotman/internal/dag"
	"lab.nexedi.com/kirr/dotman/internal/hash"
	"lab.nexedi.com/kirr/dotman/internal/index"
	"lab.nexedi.com/kirr/dotman/internal/lock"
	"lab.nexedi.com/kirr/dotman/internal/mapping"
	"lab.nexedi.com/kirr/dotman/internal/mirror"
	"lab.nexedi.com/kirr/dotman/internal/objstore"
	"lab.nexedi.com/kirr/dotman/internal/pathsafe"
	"lab.nexedi.com/kirr/dotman/internal/reflog"
	"lab.nexedi.com/kirr/dotman/internal/refs"
	"lab.nexedi.com/kirr/dotman/internal/snapshot"
	"lab.nexedi.com/kirr/dotman/internal/stash"
	"lab.nexedi.com/kirr/dotman/internal/tracking"
	"lab.nexedi.com/kirr/dotman/internal/txn"
)

const (
	objectsDirName  = "objects"
	commitsDirName  = "commits"
	mirrorsDirName  = "mirrors"
	indexFileName   = "index.bin"
	mappingFileName = "remote-mappings.toml"
	defaultBranch   = "main"
)

// Repository is the single entry point wiring every component together.
// HomeDir is where tracked dotfiles actually live; RepoDir is dotman's own
// metadata directory (conventionally HomeDir/.dotman).
type Repository struct {
	RepoDir string
	HomeDir string
	Config  config.Config
	Log     zerolog.Logger

	Hasher    *hash.Hasher
	Objects   *objstore.Store
	Snapshots *snapshot.Store
	Refs      *refs.Manager
	Resolver  *refs.Resolver
	Reflog    *reflog.Log
	Index     *index.Index
	Tracking  *tracking.Manifest
	Mapping   *mapping.Store
	Conflict  *conflict.State
}

func indexPath(repoDir string) string { return filepath.Join(repoDir, indexFileName) }

// Init creates a fresh repository under repoDir: on-disk directory layout,
// an empty index, an unborn HEAD on defaultBranch, and the tracking
// manifest. It refuses to re-initialize an existing repository.
func Init(repoDir, homeDir string, cfg config.Config) (*Repository, error) {
	if _, err := os.Stat(filepath.Join(repoDir, "HEAD")); err == nil {
		return nil, errs.AlreadyInitializedf("dotman: %s is already a repository", repoDir)
	}

	for _, sub := range []string{"", objectsDirName, commitsDirName, "refs/heads", "refs/tags", "refs/remotes", "locks", "stash", mirrorsDirName} {
		if err := os.MkdirAll(filepath.Join(repoDir, sub), 0o777); err != nil {
			return nil, errs.IOw(err, "dotman: init: mkdir %s", sub)
		}
	}

	repo := newRepository(repoDir, homeDir, cfg)
	repo.Index = index.New()
	if err := repo.Index.Save(indexPath(repoDir)); err != nil {
		return nil, err
	}

	head := refs.Head{State: refs.HeadSymbolic, Branch: defaultBranch}
	if err := repo.Refs.WriteRaw(filepath.Join(repoDir, "HEAD"), refs.RawHeadContent(head)); err != nil {
		return nil, err
	}
	if err := repo.Tracking.Save(repoDir); err != nil {
		return nil, err
	}
	if err := repo.Mapping.Save(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Open loads an existing repository's in-memory state from repoDir.
func Open(repoDir, homeDir string, cfg config.Config) (*Repository, error) {
	if _, err := os.Stat(filepath.Join(repoDir, "HEAD")); err != nil {
		return nil, errs.NotInitializedf("dotman: %s is not a repository", repoDir)
	}

	repo := newRepository(repoDir, homeDir, cfg)
	idx, err := index.Load(indexPath(repoDir))
	if err != nil {
		return nil, err
	}
	repo.Index = idx

	tr, err := tracking.Load(repoDir)
	if err != nil {
		return nil, err
	}
	repo.Tracking = tr

	return repo, nil
}

func newRepository(repoDir, homeDir string, cfg config.Config) *Repository {
	objects := objstore.New(filepath.Join(repoDir, objectsDirName), cfg.CompressionLevel)
	snapshots := snapshot.New(filepath.Join(repoDir, commitsDirName), objects)
	refsM := refs.New(repoDir, snapshots)

	// Load never hard-fails: a corrupt primary falls back to the .bak
	// sibling, and a missing primary or an unreadable .bak yields an empty
	// Store.
	m, _ := mapping.Load(filepath.Join(repoDir, mappingFileName))

	hasher := hash.NewHasher()
	hasher.MmapThreshold = cfg.MmapThreshold

	return &Repository{
		RepoDir:   repoDir,
		HomeDir:   homeDir,
		Config:    cfg,
		Log:       zerolog.New(os.Stderr).With().Timestamp().Str("component", "dotman").Logger(),
		Hasher:    hasher,
		Objects:   objects,
		Snapshots: snapshots,
		Refs:      refsM,
		Resolver:  refs.NewResolver(refsM, snapshots),
		Reflog:    reflog.New(repoDir),
		Tracking:  tracking.New(),
		Mapping:   m,
		Conflict:  conflict.NewState(repoDir),
	}
}

// beginTxn opens a Transaction and acquires the per-branch lock needed to
// hold its invariant ("no concurrent mutation of the refs it tracks"),
// returning a combined release function the caller defers immediately.
func (r *Repository) beginTxn(branch string) (*txn.Transaction, func(), error) {
	l := lock.New(r.RepoDir, branch)
	if err := l.Acquire("txn", lock.DefaultTimeout); err != nil {
		return nil, nil, fmt.Errorf("dotman: %w", err)
	}

	tx, err := txn.Begin(r.Refs, r.Snapshots, r.Index, r.Mapping)
	if err != nil {
		l.Release()
		return nil, nil, err
	}

	release := func() { l.Release() }
	return tx, release, nil
}

// logHeadMutation appends a reflog entry recording oldHead's raw content
// and HEAD's current raw content -- the bookkeeping every HEAD-moving
// operation owes the reflog, not just Commit's own branch advance.
func (r *Repository) logHeadMutation(oldHead refs.Head, operation, message string) error {
	newHead, err := r.Refs.Head()
	if err != nil {
		return err
	}
	return r.Reflog.Append(reflog.Entry{
		Timestamp: time.Now().Unix(),
		OldValue:  refs.RawHeadContent(oldHead), NewValue: refs.RawHeadContent(newHead),
		Operation: operation, Message: message,
	})
}

// Add stages paths (already resolved to absolute paths by the caller's
// scanner) by hashing their current content, storing it in the object
// store, and recording the tracking manifest entry, per-path granularity
// matching the index's per-path model.
func (r *Repository) Add(paths []string) error {
	for _, p := range paths {
		canon, err := pathsafe.ValidatePath(p, r.Config.AllowedDirectories)
		if err != nil {
			return err
		}

		fi, err := os.Lstat(canon)
		if err != nil {
			return errs.IOw(err, "dotman: add: stat %s", canon)
		}

		h, _, err := r.Hasher.HashFile(canon, nil)
		if err != nil {
			return errs.IOw(err, "dotman: add: hash %s", canon)
		}
		if err := r.Objects.Put(canon, h); err != nil {
			return errs.IOw(err, "dotman: add: store %s", canon)
		}

		rel, err := filepath.Rel(r.HomeDir, canon)
		if err != nil {
			return errs.PathEscapef("dotman: add: %s is not under home %s", canon, r.HomeDir)
		}

		rawMode := uint32(fi.Mode().Perm())
		if fi.Mode()&os.ModeSetuid != 0 {
			rawMode |= 0o4000
		}
		if fi.Mode()&os.ModeSetgid != 0 {
			rawMode |= 0o2000
		}
		if fi.Mode()&os.ModeSticky != 0 {
			rawMode |= 0o1000
		}
		mode := pathsafe.SanitizeMode(rawMode, r.Config.StripDangerousPermissions)
		r.Index.Add(index.FileEntry{Path: rel, Hash: h, Size: uint64(fi.Size()), Mtime: fi.ModTime().Unix(), Mode: mode})
		if fi.IsDir() {
			r.Tracking.AddDirectory(rel)
		} else {
			r.Tracking.AddFile(rel)
		}
	}

	if err := r.Index.Save(indexPath(r.RepoDir)); err != nil {
		return err
	}
	return r.Tracking.Save(r.RepoDir)
}

// Status reports the working-tree classification of every indexed path plus
// every path the caller's scanner found under the tracking manifest.
func (r *Repository) Status(candidatePaths []string) (map[string]index.Status, error) {
	return r.Index.Status(r.Hasher, r.HomeDir, candidatePaths)
}

// Commit moves every staged entry into the committed generation, writes the
// resulting Snapshot, advances the current branch, and records the HEAD
// change in the reflog -- all inside a Transaction so a failure midway
// leaves refs, the new snapshot, and the index exactly as they were.
func (r *Repository) Commit(message, author string) (snapshot.CommitId, error) {
	head, err := r.Refs.Head()
	if err != nil {
		return "", err
	}
	if head.State != refs.HeadSymbolic && head.State != refs.HeadUnborn {
		return "", errs.InvalidStatef("dotman: commit: HEAD is detached, checkout a branch first")
	}
	branch := head.Branch

	tx, release, err := r.beginTxn(branch)
	if err != nil {
		return "", err
	}
	defer release()
	defer tx.Rollback()

	parent, exists, err := r.Refs.GetBranch(branch)
	if err != nil {
		return "", err
	}
	if !exists {
		parent = snapshot.NullCommitId
	}

	staged := r.Index.Staged()
	if len(staged) == 0 {
		return "", errs.InvalidStatef("dotman: commit: nothing staged")
	}

	// the snapshot names every path: committed entries overlaid by staged ones
	tree := r.Index.Committed()
	for p, e := range staged {
		tree[p] = e
	}
	entries := make([]snapshot.StageEntry, 0, len(tree))
	for _, e := range tree {
		entries = append(entries, snapshot.StageEntry{Path: e.Path, Hash: e.Hash, Mode: e.Mode})
	}

	var parents []snapshot.CommitId
	if !parent.IsNull() {
		parents = []snapshot.CommitId{parent}
	}

	id, err := r.Snapshots.Create(parents, message, author, time.Now().Unix(), entries)
	if err != nil {
		return "", err
	}
	tx.TrackCommit(id)

	r.Index.CommitStaged()
	if err := r.Index.Save(indexPath(r.RepoDir)); err != nil {
		return "", err
	}

	if err := r.Refs.SetBranch(branch, id); err != nil {
		return "", err
	}

	if err := r.Reflog.Append(reflog.Entry{
		Timestamp: time.Now().Unix(), OldValue: string(parent), NewValue: string(id),
		Operation: "commit", Message: message,
	}); err != nil {
		return "", err
	}

	tx.Commit()
	r.Log.Info().Str("branch", branch).Str("commit", string(id)).Int("files", len(entries)).Msg("committed")
	return id, nil
}

// Checkout moves HEAD and restores the working tree for ref (branch name,
// tag, short/full commit id, or HEAD~n / HEAD^ expression).
func (r *Repository) Checkout(ref string, opts snapshot.RestoreOptions) error {
	id, err := r.Resolver.Resolve(ref)
	if err != nil {
		return err
	}

	oldHead, err := r.Refs.Head()
	if err != nil {
		return err
	}

	if err := r.Snapshots.Restore(string(id), r.HomeDir, opts); err != nil {
		return err
	}

	snap, err := r.Snapshots.Load(string(id))
	if err != nil {
		return err
	}
	committed := make(map[string]index.FileEntry, len(snap.Files))
	for path, rec := range snap.Files {
		committed[path] = index.FileEntry{Path: path, Hash: rec.Hash, Mode: rec.Mode}
	}
	r.Index.ResetCommitted(committed)
	if err := r.Index.Save(indexPath(r.RepoDir)); err != nil {
		return err
	}

	if _, isBranch, _ := r.Refs.GetBranch(ref); isBranch {
		if err := r.Refs.CheckoutBranch(ref); err != nil {
			return err
		}
	} else {
		if err := r.Refs.CheckoutCommit(id); err != nil {
			return err
		}
	}

	return r.logHeadMutation(oldHead, "checkout", ref)
}

// Push replays every not-yet-mirrored commit in branch's history to remote,
// under the per-branch lock and inside a Transaction so a mid-push failure
// rolls the remote-tracking ref and any partial mappings back.
func (r *Repository) Push(remote, branch string) error {
	url, ok := r.Config.Remotes[remote]
	if !ok {
		return errs.NotFoundf("dotman: push: remote %q is not configured", remote)
	}

	tip, _, err := r.Refs.GetBranch(branch)
	if err != nil {
		return err
	}

	tx, release, err := r.beginTxn(branch)
	if err != nil {
		return err
	}
	defer release()
	defer tx.Rollback()

	existed, old, err := r.Refs.GetRemoteBranch(remote, branch)
	if err != nil {
		return err
	}
	tx.TrackRemoteRef(remote, branch, existed, old)

	m := mirror.New(filepath.Join(r.RepoDir, mirrorsDirName), remote, url)
	if err := m.Push(r.Snapshots, r.Snapshots, r.Mapping, tx, branch, tip); err != nil {
		return err
	}
	if err := r.Mapping.Save(); err != nil {
		return err
	}

	if err := r.Refs.SetRemoteBranch(remote, branch, tip); err != nil {
		return err
	}

	tx.Commit()
	r.Log.Info().Str("remote", remote).Str("branch", branch).Str("tip", string(tip)).Msg("pushed")
	return nil
}

// Pull fetches new commits for branch from remote, creates the
// corresponding dotman snapshots, and fast-forwards the remote-tracking
// ref. It does not touch the local branch or working tree -- merging
// fetched history in is a separate, explicit step.
func (r *Repository) Pull(remote, branch string) ([]mirror.FetchedCommit, error) {
	url, ok := r.Config.Remotes[remote]
	if !ok {
		return nil, errs.NotFoundf("dotman: pull: remote %q is not configured", remote)
	}

	tx, release, err := r.beginTxn(branch)
	if err != nil {
		return nil, err
	}
	defer release()
	defer tx.Rollback()

	existed, old, err := r.Refs.GetRemoteBranch(remote, branch)
	if err != nil {
		return nil, err
	}
	tx.TrackRemoteRef(remote, branch, existed, old)

	m := mirror.New(filepath.Join(r.RepoDir, mirrorsDirName), remote, url)
	fetched, err := m.Fetch(r.Objects, r.Snapshots, r.Mapping, tx, branch)
	if err != nil {
		return nil, err
	}
	if err := r.Mapping.Save(); err != nil {
		return nil, err
	}

	if len(fetched) > 0 {
		newest := fetched[len(fetched)-1].DotmanID
		if err := r.Refs.SetRemoteBranch(remote, branch, newest); err != nil {
			return nil, err
		}
	}

	tx.Commit()
	r.Log.Info().Str("remote", remote).Str("branch", branch).Int("new_commits", len(fetched)).Msg("fetched")
	return fetched, nil
}

// MergeFastForwardOrConflict attempts to advance branch to remote's fetched
// tip: a fast-forward if remote is a descendant of branch's current tip,
// otherwise a three-way conflict set is computed and, if it is not empty,
// MERGE_HEAD/MERGE_MSG are written and a Conflict error is returned for the
// caller to resolve via MergeContinue or MergeAbort.
func (r *Repository) MergeFastForwardOrConflict(remote, branch string) error {
	oldHead, err := r.Refs.Head()
	if err != nil {
		return err
	}

	local, _, err := r.Refs.GetBranch(branch)
	if err != nil {
		return err
	}
	remoteTip, ok, err := r.Refs.GetRemoteBranch(remote, branch)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFoundf("dotman: merge: no fetched history for %s/%s", remote, branch)
	}

	isAncestor, err := dag.IsAncestor(r.Snapshots, local, remoteTip)
	if err != nil {
		return err
	}
	if isAncestor {
		if err := r.Refs.SetBranch(branch, remoteTip); err != nil {
			return err
		}
		return r.logHeadMutation(oldHead, "merge", fmt.Sprintf("fast-forward %s/%s", remote, branch))
	}

	base, err := dag.FindMergeBase(r.Snapshots, local, remoteTip)
	if err != nil {
		return err
	}
	baseSnap, err := loadOrNil(r.Snapshots, base)
	if err != nil {
		return err
	}
	remoteSnap, err := r.Snapshots.Load(string(remoteTip))
	if err != nil {
		return err
	}

	localSnap, err := loadOrNil(r.Snapshots, local)
	if err != nil {
		return err
	}

	current := make(map[string]hash.ContentHash, len(localSnap.Files))
	for path, rec := range localSnap.Files {
		current[path] = rec.Hash
	}
	conflicts := conflict.Detect(current, remoteSnap, baseSnap)
	if len(conflicts) == 0 {
		if err := r.Refs.SetBranch(branch, remoteTip); err != nil {
			return err
		}
		return r.logHeadMutation(oldHead, "merge", fmt.Sprintf("fast-forward %s/%s", remote, branch))
	}

	if err := r.Conflict.Save(remoteTip, fmt.Sprintf("merge %s/%s", remote, branch)); err != nil {
		return err
	}
	return errs.Conflictf("dotman: merge: %d conflicting paths with %s/%s, resolve and run MergeContinue", len(conflicts), remote, branch)
}

func loadOrNil(snaps *snapshot.Store, id snapshot.CommitId) (*snapshot.Snapshot, error) {
	if id.IsNull() {
		return &snapshot.Snapshot{Files: map[string]snapshot.FileRecord{}}, nil
	}
	return snaps.Load(string(id))
}

// MergeAbort discards an in-progress merge, clearing MERGE_HEAD/MERGE_MSG
// without touching the branch ref or index.
func (r *Repository) MergeAbort() error {
	if !r.Conflict.InProgress() {
		return errs.InvalidStatef("dotman: merge abort: no merge in progress")
	}
	return r.Conflict.Clear()
}

// MergeContinue commits the currently-staged conflict resolutions as a
// 2-parent merge commit and clears MERGE_HEAD/MERGE_MSG.
func (r *Repository) MergeContinue(author string) (snapshot.CommitId, error) {
	mergeHead, message, inProgress, err := r.Conflict.Load()
	if err != nil {
		return "", err
	}
	if !inProgress {
		return "", errs.InvalidStatef("dotman: merge continue: no merge in progress")
	}

	head, err := r.Refs.Head()
	if err != nil {
		return "", err
	}
	branch := head.Branch
	local, _, err := r.Refs.GetBranch(branch)
	if err != nil {
		return "", err
	}

	tx, release, err := r.beginTxn(branch)
	if err != nil {
		return "", err
	}
	defer release()
	defer tx.Rollback()

	staged := r.Index.Staged()
	entries := make([]snapshot.StageEntry, 0, len(staged))
	for _, e := range staged {
		entries = append(entries, snapshot.StageEntry{Path: e.Path, Hash: e.Hash, Mode: e.Mode})
	}

	id, err := r.Snapshots.Create([]snapshot.CommitId{local, mergeHead}, message, author, time.Now().Unix(), entries)
	if err != nil {
		return "", err
	}
	tx.TrackCommit(id)

	r.Index.CommitStaged()
	if err := r.Index.Save(indexPath(r.RepoDir)); err != nil {
		return "", err
	}
	if err := r.Refs.SetBranch(branch, id); err != nil {
		return "", err
	}
	if err := r.Conflict.Clear(); err != nil {
		return "", err
	}
	if err := r.logHeadMutation(head, "merge continue", message); err != nil {
		return "", err
	}

	tx.Commit()
	return id, nil
}

// Rebase replays branch's unique commits (those not reachable from
// ontoBranch) one at a time onto ontoBranch's tip, stopping and writing
// MERGE_HEAD/MERGE_MSG the same way a merge would the first time a replayed
// commit conflicts with the new base.
func (r *Repository) Rebase(branch, ontoBranch string, author string) (snapshot.CommitId, error) {
	oldHead, err := r.Refs.Head()
	if err != nil {
		return "", err
	}

	tip, _, err := r.Refs.GetBranch(branch)
	if err != nil {
		return "", err
	}
	onto, _, err := r.Refs.GetBranch(ontoBranch)
	if err != nil {
		return "", err
	}

	base, err := dag.FindMergeBase(r.Snapshots, tip, onto)
	if err != nil {
		return "", err
	}

	chain, err := dag.FirstParentChain(r.Snapshots, tip)
	if err != nil {
		return "", err
	}

	var unique []snapshot.CommitId
	for _, id := range chain {
		if id == base {
			break
		}
		unique = append(unique, id)
	}
	for i, j := 0, len(unique)-1; i < j; i, j = i+1, j-1 {
		unique[i], unique[j] = unique[j], unique[i]
	}

	newTip := onto
	for _, id := range unique {
		snap, err := r.Snapshots.Load(string(id))
		if err != nil {
			return "", err
		}

		baseSnap, err := loadOrNil(r.Snapshots, base)
		if err != nil {
			return "", err
		}
		newBaseSnap, err := r.Snapshots.Load(string(newTip))
		if err != nil {
			return "", err
		}

		current := make(map[string]hash.ContentHash, len(snap.Files))
		for path, rec := range snap.Files {
			current[path] = rec.Hash
		}
		if len(conflict.Detect(current, newBaseSnap, baseSnap)) > 0 {
			if err := r.Conflict.Save(id, fmt.Sprintf("rebase %s onto %s: conflict replaying %s", branch, ontoBranch, id)); err != nil {
				return "", err
			}
			return "", errs.Conflictf("dotman: rebase: conflict replaying %s, resolve and run MergeContinue", id)
		}

		entries := make([]snapshot.StageEntry, 0, len(snap.Files))
		for path, rec := range snap.Files {
			entries = append(entries, snapshot.StageEntry{Path: path, Hash: rec.Hash, Mode: rec.Mode})
		}
		newTip, err = r.Snapshots.Create([]snapshot.CommitId{newTip}, snap.Commit.Message, snap.Commit.Author, snap.Commit.Timestamp, entries)
		if err != nil {
			return "", err
		}
	}

	if err := r.Refs.SetBranch(branch, newTip); err != nil {
		return "", err
	}
	if err := r.logHeadMutation(oldHead, "rebase", fmt.Sprintf("rebase %s onto %s", branch, ontoBranch)); err != nil {
		return "", err
	}
	return newTip, nil
}

// Import adopts an already-existing directory tree as the initial tracked
// state in one step: record the tracking manifest entry, stage every file
// under it, and commit -- a convenience composition over Add+Commit for
// bootstrapping a repository from a pre-existing dotfiles checkout.
func (r *Repository) Import(dir string, paths []string, message, author string) (snapshot.CommitId, error) {
	rel, err := filepath.Rel(r.HomeDir, dir)
	if err != nil {
		return "", errs.PathEscapef("dotman: import: %s is not under home %s", dir, r.HomeDir)
	}
	r.Tracking.AddDirectory(rel)

	if err := r.Add(paths); err != nil {
		return "", err
	}
	return r.Commit(message, author)
}

// FsckReport is the result of walking every snapshot and checking that its
// referenced content hashes are actually present in the object store.
type FsckReport struct {
	MissingObjects map[snapshot.CommitId][]string // commit -> paths whose hash is missing
	OrphanObjects  []hash.ContentHash              // present in the store but unreferenced by any snapshot
}

// Fsck walks every reachable commit and verifies invariant 1: every hash a
// snapshot references exists in the object store. Objects present in the
// store but referenced by no snapshot are reported as GC candidates.
func (r *Repository) Fsck() (*FsckReport, error) {
	report := &FsckReport{MissingObjects: map[snapshot.CommitId][]string{}}

	reachable := make(map[hash.ContentHash]struct{})
	branches, err := r.Refs.ListBranches()
	if err != nil {
		return nil, err
	}

	seen := make(map[snapshot.CommitId]bool)
	for _, b := range branches {
		tip, _, err := r.Refs.GetBranch(b)
		if err != nil {
			return nil, err
		}
		ancestors, err := dag.CollectAncestors(r.Snapshots, tip)
		if err != nil {
			return nil, err
		}
		for id := range ancestors {
			if seen[id] {
				continue
			}
			seen[id] = true

			snap, err := r.Snapshots.Load(string(id))
			if err != nil {
				return nil, err
			}
			for path, rec := range snap.Files {
				reachable[rec.Hash] = struct{}{}
				if !r.Objects.Has(rec.Hash) {
					report.MissingObjects[id] = append(report.MissingObjects[id], path)
				}
			}
		}
	}

	if err := r.Objects.Walk(func(h hash.ContentHash) error {
		if _, ok := reachable[h]; !ok {
			report.OrphanObjects = append(report.OrphanObjects, h)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return report, nil
}

// GC deletes every object unreferenced by any reachable snapshot -- the
// explicit, no-automatic-pruning collection §3's object lifecycle requires.
func (r *Repository) GC() (int, error) {
	report, err := r.Fsck()
	if err != nil {
		return 0, err
	}
	for _, h := range report.OrphanObjects {
		if err := r.Objects.Delete(h); err != nil {
			return 0, err
		}
	}
	r.Log.Info().Int("deleted", len(report.OrphanObjects)).Msg("gc")
	return len(report.OrphanObjects), nil
}

// Stash saves the current working-tree delta (relative to HEAD) as a new
// top-of-stack entry.
func (r *Repository) Stash(message string, files map[string]stash.File) (string, error) {
	head, err := r.Refs.HeadCommit()
	if err != nil {
		return "", err
	}
	s := stash.New(r.RepoDir)
	return s.Push(stash.Entry{
		Message: message, Timestamp: time.Now().Unix(), ParentCommit: head,
		Files: files, IndexState: indexEntriesSlice(r.Index.Staged()),
	})
}

// StashPop applies and removes the top of the stash stack onto the working
// tree, reporting conflicts rather than applying if the current commit has
// diverged from the stash's parent in a way that would clobber changes.
func (r *Repository) StashPop(currentHashes map[string]hash.ContentHash) ([]stash.Conflict, error) {
	head, err := r.Refs.HeadCommit()
	if err != nil {
		return nil, err
	}
	s := stash.New(r.RepoDir)
	return s.Pop(r.HomeDir, head, currentHashes)
}

func indexEntriesSlice(staged map[string]index.FileEntry) []index.FileEntry {
	out := make([]index.FileEntry, 0, len(staged))
	for _, e := range staged {
		out = append(out, e)
	}
	return out
}
