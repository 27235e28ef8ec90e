package refs

import (
	"regexp"
	"strconv"
	"strings"

	"lab.nexedi.com/kirr/dotman/errs"
	"lab.nexedi.com/kirr/dotman/internal/snapshot"
)

var (
	headTildeRe = regexp.MustCompile(`^HEAD~(\d+)$`)
	headCaretRe = regexp.MustCompile(`^HEAD(\^+)$`)
	headCaretNRe = regexp.MustCompile(`^HEAD\^(\d+)$`)
	hexRe       = regexp.MustCompile(`^[0-9a-f]+$`)
)

// Resolver parses a reference string to a CommitId following the grammar:
// symbolic-ref string, "HEAD", "HEAD~n"/"HEAD^.../"HEAD^n", exact branch,
// exact tag, exact 32-char hex, or an unambiguous hex prefix.
type Resolver struct {
	Refs      *Manager
	Snapshots *snapshot.Store
}

func NewResolver(refs *Manager, snapshots *snapshot.Store) *Resolver {
	return &Resolver{Refs: refs, Snapshots: snapshots}
}

func (r *Resolver) Resolve(ref string) (snapshot.CommitId, error) {
	switch {
	case strings.HasPrefix(ref, headSymbolicPrefix):
		branch := strings.TrimPrefix(strings.TrimPrefix(ref, headSymbolicPrefix), "refs/heads/")
		id, ok, err := r.Refs.GetBranch(branch)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errs.NotFoundf("refs: branch %q does not exist", branch)
		}
		return id, nil

	case ref == "HEAD":
		return r.Refs.HeadCommit()

	case headTildeRe.MatchString(ref):
		n, _ := strconv.Atoi(headTildeRe.FindStringSubmatch(ref)[1])
		return r.walkFirstParent(n)

	case headCaretNRe.MatchString(ref):
		n, _ := strconv.Atoi(headCaretNRe.FindStringSubmatch(ref)[1])
		return r.walkFirstParent(n)

	case headCaretRe.MatchString(ref):
		n := len(headCaretRe.FindStringSubmatch(ref)[1])
		return r.walkFirstParent(n)
	}

	if id, ok, err := r.Refs.GetBranch(ref); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}

	if id, ok, err := r.Refs.GetTag(ref); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}

	if len(ref) == 32 && hexRe.MatchString(ref) {
		id := snapshot.CommitId(ref)
		if r.Snapshots.Exists(id) {
			return id, nil
		}
		return "", errs.NotFoundf("refs: commit %s does not exist", ref)
	}

	if len(ref) >= 4 && hexRe.MatchString(ref) {
		return r.Snapshots.Resolve(ref)
	}

	return "", errs.InvalidRef_("refs: %q is not a valid reference", ref)
}

func (r *Resolver) walkFirstParent(n int) (snapshot.CommitId, error) {
	cur, err := r.Refs.HeadCommit()
	if err != nil {
		return "", err
	}

	total := 0
	for i := 0; i < n; i++ {
		if cur.IsNull() {
			return "", errs.InvalidStatef(
				"cannot go back %d commits from HEAD (only %d commits in history)", n, total)
		}
		snap, err := r.Snapshots.Load(string(cur))
		if err != nil {
			return "", err
		}
		if len(snap.Commit.Parents) == 0 {
			return "", errs.InvalidStatef(
				"cannot go back %d commits from HEAD (only %d commits in history)", n, total)
		}
		cur = snap.Commit.Parents[0]
		total++
	}
	return cur, nil
}
