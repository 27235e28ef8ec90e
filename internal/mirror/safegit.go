// Safe wrapper over git2go: every accessor here copies data out of libgit2's
// memory before returning, and pins the owning object alive for the duration
// of the call with runtime.KeepAlive. git2go types like OdbObject.Data()
// alias memory that can be freed out from under a []byte the moment the
// owning object is garbage collected; without the copy-plus-KeepAlive
// discipline a caller could read corrupted bytes or crash. Keeping every
// unsafe access in this one file means the rest of the mirror package never
// has to reason about git2go's memory ownership rules.
package mirror

import (
	"fmt"
	"runtime"
	"time"

	git2go "github.com/libgit2/git2go/v31"
)

type repository struct {
	repo *git2go.Repository
}

func openOrInitRepository(path string) (*repository, bool, error) {
	repo, err := git2go.OpenRepository(path)
	if err == nil {
		return &repository{repo: repo}, false, nil
	}
	repo, err = git2go.InitRepository(path, false)
	if err != nil {
		return nil, false, fmt.Errorf("mirror: init %s: %w", path, err)
	}
	return &repository{repo: repo}, true, nil
}

func (r *repository) readBlob(hexOid string) ([]byte, error) {
	oid, err := git2go.NewOid(hexOid)
	if err != nil {
		return nil, fmt.Errorf("mirror: invalid oid %q: %w", hexOid, err)
	}
	odb, err := r.repo.Odb()
	if err != nil {
		return nil, fmt.Errorf("mirror: odb: %w", err)
	}
	obj, err := odb.Read(oid)
	if err != nil {
		return nil, fmt.Errorf("mirror: read blob %s: %w", hexOid, err)
	}
	data := bytesClone(obj.Data())
	runtime.KeepAlive(obj)
	return data, nil
}

func (r *repository) writeBlob(data []byte) (string, error) {
	odb, err := r.repo.Odb()
	if err != nil {
		return "", fmt.Errorf("mirror: odb: %w", err)
	}
	oid, err := odb.Write(data, git2go.ObjectBlob)
	if err != nil {
		return "", fmt.Errorf("mirror: write blob: %w", err)
	}
	hex := oid.String()
	runtime.KeepAlive(odb)
	return hex, nil
}

// treeFile is one blob entry reached while walking a commit's tree,
// identified by its path relative to the tree root.
type treeFile struct {
	Path string
	Oid  string
	Mode git2go.Filemode
}

// walkCommitTree lists every blob entry reachable from the commit named by
// hexCommit, in the same way Fetch needs to enumerate "every file in the
// remote commit" before copying blob content into the object store.
func (r *repository) walkCommitTree(hexCommit string) (files []treeFile, author string, email string, when time.Time, message string, parents []string, err error) {
	oid, err := git2go.NewOid(hexCommit)
	if err != nil {
		return nil, "", "", time.Time{}, "", nil, fmt.Errorf("mirror: invalid commit oid %q: %w", hexCommit, err)
	}
	commit, err := r.repo.LookupCommit(oid)
	if err != nil {
		return nil, "", "", time.Time{}, "", nil, fmt.Errorf("mirror: lookup commit %s: %w", hexCommit, err)
	}

	sig := commit.Author()
	author = stringsClone(sig.Name)
	email = stringsClone(sig.Email)
	when = sig.When
	message = stringsClone(commit.Message())

	for i := uint(0); i < commit.ParentCount(); i++ {
		parents = append(parents, commit.ParentId(i).String())
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, "", "", time.Time{}, "", nil, fmt.Errorf("mirror: tree of commit %s: %w", hexCommit, err)
	}

	err = tree.Walk(func(dirPath string, entry *git2go.TreeEntry) int {
		if entry.Type != git2go.ObjectBlob {
			return 0 // descend into trees, skip anything else
		}
		files = append(files, treeFile{
			Path: dirPath + entry.Name,
			Oid:  entry.Id.String(),
			Mode: entry.Filemode,
		})
		return 0
	})
	runtime.KeepAlive(commit)
	runtime.KeepAlive(tree)
	if err != nil {
		return nil, "", "", time.Time{}, "", nil, fmt.Errorf("mirror: walk tree of commit %s: %w", hexCommit, err)
	}
	return files, author, email, when, message, parents, nil
}

// resolveBranch returns the commit hex id a local branch currently points
// to, or ok=false if the branch has no commits yet.
func (r *repository) resolveBranch(name string) (hexCommit string, ok bool, err error) {
	ref, err := r.repo.References.Lookup("refs/heads/" + name)
	if err != nil {
		return "", false, nil
	}
	target := ref.Target()
	if target == nil {
		return "", false, nil
	}
	hex := target.String()
	runtime.KeepAlive(ref)
	return hex, true, nil
}

func bytesClone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func stringsClone(s string) string {
	b := make([]byte, len(s))
	copy(b, s)
	return string(b)
}
