// Package dag implements ancestry queries over the commit graph: is this
// commit an ancestor of that one, what is the full ancestor set, where do
// two histories diverge, and what does the first-parent chain look like.
// Commits form a DAG but are stored as content-addressed files keyed by id;
// edges are just string ids inside each snapshot, so queries are on-demand
// BFS from an entry point rather than a resident in-memory graph.
package dag

import (
	"sort"

	"lab.nexedi.com/kirr/dotman/internal/snapshot"
)

// Loader is the minimal snapshot access the DAG engine needs; satisfied by
// *snapshot.Store.
type Loader interface {
	Load(idOrPrefix string) (*snapshot.Snapshot, error)
}

func parentsOf(loader Loader, id snapshot.CommitId) ([]snapshot.CommitId, error) {
	if id.IsNull() {
		return nil, nil
	}
	snap, err := loader.Load(string(id))
	if err != nil {
		return nil, err
	}
	return snap.Commit.Parents, nil
}

// IsAncestor reports whether a is an ancestor of d, via BFS through all of
// d's parents. a == d counts as true; a NULL ancestor is never reached.
func IsAncestor(loader Loader, a, d snapshot.CommitId) (bool, error) {
	if a == d {
		return true, nil
	}
	if a.IsNull() {
		return false, nil
	}

	visited := map[snapshot.CommitId]bool{}
	queue := []snapshot.CommitId{d}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] || cur.IsNull() {
			continue
		}
		visited[cur] = true
		if cur == a {
			return true, nil
		}
		parents, err := parentsOf(loader, cur)
		if err != nil {
			return false, err
		}
		queue = append(queue, parents...)
	}
	return false, nil
}

// CollectAncestors returns every commit reachable from start (including
// start itself) via BFS through all parents.
func CollectAncestors(loader Loader, start snapshot.CommitId) (map[snapshot.CommitId]bool, error) {
	visited := map[snapshot.CommitId]bool{}
	if start.IsNull() {
		return visited, nil
	}

	queue := []snapshot.CommitId{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] || cur.IsNull() {
			continue
		}
		visited[cur] = true
		parents, err := parentsOf(loader, cur)
		if err != nil {
			return nil, err
		}
		queue = append(queue, parents...)
	}
	return visited, nil
}

// FindMergeBase computes the set of common ancestors of c1 and c2, then
// returns any one not dominated by another common ancestor (i.e. no other
// common ancestor is its descendant) -- the lowest common ancestor in a DAG.
// Ties are broken by picking the lexicographically-smallest candidate id,
// for deterministic results when more than one LCA exists.
func FindMergeBase(loader Loader, c1, c2 snapshot.CommitId) (snapshot.CommitId, error) {
	anc1, err := CollectAncestors(loader, c1)
	if err != nil {
		return "", err
	}
	anc2, err := CollectAncestors(loader, c2)
	if err != nil {
		return "", err
	}

	var common []snapshot.CommitId
	for id := range anc1 {
		if anc2[id] {
			common = append(common, id)
		}
	}
	if len(common) == 0 {
		return "", nil
	}

	var lcas []snapshot.CommitId
	for _, candidate := range common {
		dominated := false
		for _, other := range common {
			if other == candidate {
				continue
			}
			isDesc, err := IsAncestor(loader, candidate, other)
			if err != nil {
				return "", err
			}
			if isDesc {
				dominated = true
				break
			}
		}
		if !dominated {
			lcas = append(lcas, candidate)
		}
	}

	sort.Slice(lcas, func(i, j int) bool { return lcas[i] < lcas[j] })
	return lcas[0], nil
}

// FirstParentChain walks only parents[0] starting at start, returning the
// linear history used by push and log.
func FirstParentChain(loader Loader, start snapshot.CommitId) ([]snapshot.CommitId, error) {
	var chain []snapshot.CommitId
	cur := start
	for !cur.IsNull() {
		chain = append(chain, cur)
		parents, err := parentsOf(loader, cur)
		if err != nil {
			return nil, err
		}
		if len(parents) == 0 {
			break
		}
		cur = parents[0]
	}
	return chain, nil
}
