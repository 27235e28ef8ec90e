// Package mirror implements the Git Mirror: a plain git working repository
// per remote under mirrors/<remote>/, used to translate dotman's
// content-addressed commit history to and from a real git remote. Object
// reads during fetch go through git2go directly; git itself is invoked as a
// subprocess only for the verbs that actually need the network (fetch,
// push) plus the handful of working-tree commands (init, add, commit) the
// push flow materializes through.
package mirror

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"lab.nexedi.com/kirr/dotman/internal/dag"
	"lab.nexedi.com/kirr/dotman/internal/lock"
	"lab.nexedi.com/kirr/dotman/internal/mapping"
	"lab.nexedi.com/kirr/dotman/internal/objstore"
	"lab.nexedi.com/kirr/dotman/internal/snapshot"
)

// Mirror is one remote's working mirror repository.
type Mirror struct {
	Remote string
	URL    string
	Dir    string // mirrors/<remote>
}

// New returns a Mirror for remote rooted at mirrorsDir/<remote>.
func New(mirrorsDir, remote, url string) *Mirror {
	return &Mirror{Remote: remote, URL: url, Dir: filepath.Join(mirrorsDir, remote)}
}

// EnsureInitialized creates the mirror repository and points its origin at
// URL if it doesn't exist yet, guarded by a per-mirror lock so two
// concurrent operations on the same remote never race on `git init`.
func (m *Mirror) EnsureInitialized() error {
	l := lock.New(filepath.Dir(m.Dir), "mirror-"+m.Remote)
	if err := l.Acquire("mirror-init", lock.DefaultTimeout); err != nil {
		return fmt.Errorf("mirror: %s: %w", m.Remote, err)
	}
	defer l.Release()

	if _, err := os.Stat(filepath.Join(m.Dir, ".git")); err == nil {
		return nil
	}

	if err := os.MkdirAll(m.Dir, 0o777); err != nil {
		return fmt.Errorf("mirror: mkdir %s: %w", m.Dir, err)
	}
	if _, err := run(m.Remote, m.Dir, "init"); err != nil {
		return err
	}
	if _, err := run(m.Remote, m.Dir, "remote", "add", "origin", m.URL); err != nil {
		return err
	}
	return nil
}

// ClearWorkingDirectory removes every entry under Dir except .git, retrying
// each removal briefly -- some platforms hold a file lock open a beat after
// the last reader closes it.
func (m *Mirror) ClearWorkingDirectory() error {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		return fmt.Errorf("mirror: list %s: %w", m.Dir, err)
	}
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		path := filepath.Join(m.Dir, e.Name())
		var lastErr error
		for attempt := 0; attempt < 5; attempt++ {
			if lastErr = os.RemoveAll(path); lastErr == nil {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		if lastErr != nil {
			return fmt.Errorf("mirror: clear %s: %w", path, lastErr)
		}
	}
	return nil
}

// unpushedCommits returns tip's first-parent chain, oldest first, with any
// commit already mapped for remote removed -- the chronological list of new
// commits Push needs to materialize.
func unpushedCommits(loader dag.Loader, maps *mapping.Store, remote string, tip snapshot.CommitId) ([]snapshot.CommitId, error) {
	chain, err := dag.FirstParentChain(loader, tip)
	if err != nil {
		return nil, fmt.Errorf("mirror: push: %w", err)
	}

	var unpushed []snapshot.CommitId
	for _, id := range chain {
		if _, mapped := maps.GitFor(remote, string(id)); mapped {
			break // everything beyond the first already-mapped commit was pushed before
		}
		unpushed = append(unpushed, id)
	}

	// chain is newest-first; reverse to chronological order
	for i, j := 0, len(unpushed)-1; i < j; i, j = i+1, j-1 {
		unpushed[i], unpushed[j] = unpushed[j], unpushed[i]
	}
	return unpushed, nil
}

// MappingRecorder is however the caller wants newly-created mappings
// tracked; txn.Transaction.TrackMapping satisfies it.
type MappingRecorder interface {
	TrackMapping(remote, dotmanID, gitID string)
}

// Push materializes every not-yet-mapped commit in tip's first-parent chain
// into the mirror's working tree, commits each with its original metadata,
// records the resulting mapping, then pushes branch to origin.
func (m *Mirror) Push(loader dag.Loader, snaps *snapshot.Store, maps *mapping.Store, recorder MappingRecorder, branch string, tip snapshot.CommitId) error {
	if err := m.EnsureInitialized(); err != nil {
		return err
	}

	commits, err := unpushedCommits(loader, maps, m.Remote, tip)
	if err != nil {
		return err
	}

	for _, id := range commits {
		if err := m.ClearWorkingDirectory(); err != nil {
			return err
		}
		if err := snaps.Restore(string(id), m.Dir, snapshot.RestoreOptions{PreservePermissions: true, StripDangerousPermissions: true}); err != nil {
			return fmt.Errorf("mirror: push: materialize %s: %w", id, err)
		}

		snap, err := snaps.Load(string(id))
		if err != nil {
			return fmt.Errorf("mirror: push: reload %s: %w", id, err)
		}

		if _, err := run(m.Remote, m.Dir, "add", "-A"); err != nil {
			return err
		}

		commitArgs := []string{
			"commit", "--allow-empty",
			"--author", fmt.Sprintf("%s <dotman@localhost>", snap.Commit.Author),
			"-m", snap.Commit.Message,
		}
		if _, err := runWithEnv(m.Remote, m.Dir, gitDateEnv(snap.Commit.Timestamp), commitArgs...); err != nil {
			return err
		}

		gitID, err := run(m.Remote, m.Dir, "rev-parse", "HEAD")
		if err != nil {
			return err
		}

		recorder.TrackMapping(m.Remote, string(id), gitID)
		maps.Put(m.Remote, string(id), gitID)
	}

	if len(commits) > 0 {
		if _, err := run(m.Remote, m.Dir, "push", "origin", branch); err != nil {
			return err
		}
	}

	maps.SetHead(m.Remote, branch, string(tip))
	return nil
}

// FetchedCommit is one new commit Fetch materialized into the object store
// and snapshot store, in the order they should be applied (oldest first).
type FetchedCommit struct {
	GitID    string
	DotmanID snapshot.CommitId
}

// Fetch runs `git fetch` in the mirror, then walks every git commit on
// origin/branch that has no recorded mapping yet, reading each one's tree
// into the object store and recording a dotman Snapshot plus mapping entry
// for it.
func (m *Mirror) Fetch(objects *objstore.Store, snaps *snapshot.Store, maps *mapping.Store, recorder MappingRecorder, branch string) ([]FetchedCommit, error) {
	if err := m.EnsureInitialized(); err != nil {
		return nil, err
	}
	if _, err := run(m.Remote, m.Dir, "fetch", "origin", branch); err != nil {
		return nil, err
	}

	head, err := run(m.Remote, m.Dir, "rev-parse", "origin/"+branch)
	if err != nil {
		return nil, err
	}

	safeRepo, _, err := openOrInitRepository(m.Dir)
	if err != nil {
		return nil, fmt.Errorf("mirror: fetch: %w", err)
	}

	unseen, err := collectUnseenGitCommits(safeRepo, maps, m.Remote, head)
	if err != nil {
		return nil, err
	}

	var fetched []FetchedCommit
	for _, gitID := range unseen {
		files, author, _, when, message, gitParents, err := safeRepo.walkCommitTree(gitID)
		if err != nil {
			return nil, fmt.Errorf("mirror: fetch: %w", err)
		}

		var entries []snapshot.StageEntry
		for _, f := range files {
			data, err := safeRepo.readBlob(f.Oid)
			if err != nil {
				return nil, fmt.Errorf("mirror: fetch: %w", err)
			}
			contentHash, err := objects.PutBytes(data)
			if err != nil {
				return nil, fmt.Errorf("mirror: fetch: store blob for %s: %w", f.Path, err)
			}
			entries = append(entries, snapshot.StageEntry{Path: f.Path, Hash: contentHash, Mode: uint32(f.Mode)})
		}

		var dotmanParents []snapshot.CommitId
		for _, gp := range gitParents {
			if dp, ok := maps.DotmanFor(m.Remote, gp); ok {
				dotmanParents = append(dotmanParents, snapshot.CommitId(dp))
			}
		}

		dotmanID, err := snaps.Create(dotmanParents, message, author, when.Unix(), entries)
		if err != nil {
			return nil, fmt.Errorf("mirror: fetch: create snapshot for %s: %w", gitID, err)
		}

		recorder.TrackMapping(m.Remote, string(dotmanID), gitID)
		maps.Put(m.Remote, string(dotmanID), gitID)
		fetched = append(fetched, FetchedCommit{GitID: gitID, DotmanID: dotmanID})
	}

	if len(fetched) > 0 {
		maps.SetHead(m.Remote, branch, string(fetched[len(fetched)-1].DotmanID))
	}
	return fetched, nil
}

// collectUnseenGitCommits walks back from head via first parent, stopping at
// the first commit already mapped (or at the root), and returns the unseen
// ones oldest-first.
func collectUnseenGitCommits(repo *repository, maps *mapping.Store, remote, head string) ([]string, error) {
	var unseen []string
	cur := head
	for cur != "" {
		if _, mapped := maps.DotmanFor(remote, cur); mapped {
			break
		}
		unseen = append(unseen, cur)

		_, _, _, _, _, parents, err := repo.walkCommitTree(cur)
		if err != nil {
			return nil, fmt.Errorf("mirror: walk %s: %w", cur, err)
		}
		if len(parents) == 0 {
			break
		}
		cur = parents[0]
	}

	for i, j := 0, len(unseen)-1; i < j; i, j = i+1, j-1 {
		unseen[i], unseen[j] = unseen[j], unseen[i]
	}
	return unseen, nil
}

func gitDateEnv(timestamp int64) map[string]string {
	t := time.Unix(timestamp, 0).UTC().Format(time.RFC3339)
	return map[string]string{"GIT_AUTHOR_DATE": t, "GIT_COMMITTER_DATE": t}
}
