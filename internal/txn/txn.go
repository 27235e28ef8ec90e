// Package txn implements the repository-wide Transaction: a checkpoint of
// every branch ref and the index, taken before a multi-step operation
// (commit, push, pull, merge) begins, with an explicit Commit to discard it
// or a Rollback to undo everything the operation did.
//
// Go has no destructors, so the "rollback on drop" behavior is translated
// into an explicit method meant to be deferred:
//
//	tx, err := txn.Begin(refsM, snaps, idx, mapStore)
//	if err != nil { return err }
//	defer tx.Rollback()
//	... do work, calling tx.TrackCommit/TrackMapping/TrackRemoteRef ...
//	return tx.Commit()
package txn

import (
	"fmt"

	"go.uber.org/multierr"

	"lab.nexedi.com/kirr/dotman/internal/index"
	"lab.nexedi.com/kirr/dotman/internal/mapping"
	"lab.nexedi.com/kirr/dotman/internal/refs"
	"lab.nexedi.com/kirr/dotman/internal/snapshot"
)

type remoteRefKey struct {
	Remote string
	Branch string
}

type mappingEntry struct {
	Remote   string
	DotmanID string
	GitID    string
}

// Transaction is a single checkpoint-and-rollback scope. It is not safe for
// concurrent use; callers serialize operations via the Operation Lock before
// opening one.
type Transaction struct {
	refs      *refs.Manager
	snapshots *snapshot.Store
	index     *index.Index
	mapping   *mapping.Store

	branchCheckpoint map[string]snapshot.CommitId
	indexBackup      []byte

	newCommits        []snapshot.CommitId
	newMappings       []mappingEntry
	updatedRemoteRefs map[remoteRefKey]snapshot.CommitId // existing value before this transaction touched it
	newRemoteRefs     map[remoteRefKey]struct{}          // had no value before this transaction

	committed bool
}

// Begin captures a Checkpoint: every branch's current commit id and a
// backup copy of the index.
func Begin(refsM *refs.Manager, snaps *snapshot.Store, idx *index.Index, mapStore *mapping.Store) (*Transaction, error) {
	branches, err := refsM.ListBranches()
	if err != nil {
		return nil, fmt.Errorf("txn: begin: list branches: %w", err)
	}

	checkpoint := make(map[string]snapshot.CommitId, len(branches))
	for _, name := range branches {
		commitID, ok, err := refsM.GetBranch(name)
		if err != nil {
			return nil, fmt.Errorf("txn: begin: read branch %s: %w", name, err)
		}
		if !ok {
			continue
		}
		checkpoint[name] = commitID
	}

	backup, err := idx.Bytes()
	if err != nil {
		return nil, fmt.Errorf("txn: begin: snapshot index: %w", err)
	}

	return &Transaction{
		refs:              refsM,
		snapshots:         snaps,
		index:             idx,
		mapping:           mapStore,
		branchCheckpoint:  checkpoint,
		indexBackup:       backup,
		updatedRemoteRefs: map[remoteRefKey]snapshot.CommitId{},
		newRemoteRefs:     map[remoteRefKey]struct{}{},
	}, nil
}

// TrackCommit records a newly-created commit snapshot, deleted on rollback.
func (tx *Transaction) TrackCommit(id snapshot.CommitId) {
	tx.newCommits = append(tx.newCommits, id)
}

// TrackMapping records a newly-added mapping entry, removed on rollback.
func (tx *Transaction) TrackMapping(remote, dotmanID, gitID string) {
	tx.newMappings = append(tx.newMappings, mappingEntry{Remote: remote, DotmanID: dotmanID, GitID: gitID})
}

// TrackRemoteRef records that remote/branch's remote-tracking ref is about
// to be touched. Call this before writing the new value: existed/oldValue
// describe the ref's state right now, so rollback knows whether to restore
// oldValue or delete the ref entirely. A ref already tracked by this
// transaction is left alone -- only its first touch matters for rollback.
func (tx *Transaction) TrackRemoteRef(remote, branch string, existed bool, oldValue snapshot.CommitId) {
	key := remoteRefKey{Remote: remote, Branch: branch}
	if _, already := tx.updatedRemoteRefs[key]; already {
		return
	}
	if _, already := tx.newRemoteRefs[key]; already {
		return
	}
	if existed {
		tx.updatedRemoteRefs[key] = oldValue
	} else {
		tx.newRemoteRefs[key] = struct{}{}
	}
}

// Commit marks the transaction successful: Rollback becomes a no-op.
func (tx *Transaction) Commit() error {
	tx.committed = true
	tx.indexBackup = nil
	return nil
}

// Rollback undoes everything tracked since Begin, in the documented phase
// order, continuing past a phase's failure and returning every error it
// collected together. It is a no-op once Commit has succeeded; it is also
// safe to call unconditionally via defer.
func (tx *Transaction) Rollback() error {
	if tx.committed {
		return nil
	}

	var errs error

	// phase 1: restore every branch ref to its checkpointed value
	for name, commitID := range tx.branchCheckpoint {
		if err := tx.refs.RestoreBranch(name, commitID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("txn: rollback: restore branch %s: %w", name, err))
		}
	}
	// ... and delete every branch that did not exist at Begin
	if current, err := tx.refs.ListBranches(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("txn: rollback: list branches: %w", err))
	} else {
		for _, name := range current {
			if _, had := tx.branchCheckpoint[name]; had {
				continue
			}
			if err := tx.refs.DeleteBranch(name); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("txn: rollback: delete branch %s: %w", name, err))
			}
		}
	}

	// phase 2: restore every tracked existing remote-tracking ref
	for key, oldValue := range tx.updatedRemoteRefs {
		if err := tx.refs.RestoreRemoteBranch(key.Remote, key.Branch, oldValue); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("txn: rollback: restore remote ref %s/%s: %w", key.Remote, key.Branch, err))
		}
	}

	// phase 3: delete every tracked newly-created remote-tracking ref
	for key := range tx.newRemoteRefs {
		if err := tx.refs.DeleteRemoteBranch(key.Remote, key.Branch); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("txn: rollback: delete remote ref %s/%s: %w", key.Remote, key.Branch, err))
		}
	}

	// phase 4: delete every tracked newly-created commit snapshot file
	for _, id := range tx.newCommits {
		if err := tx.snapshots.Delete(id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("txn: rollback: delete commit %s: %w", id, err))
		}
	}

	// phase 5: remove every tracked newly-added mapping entry
	for _, m := range tx.newMappings {
		tx.mapping.Remove(m.Remote, m.DotmanID, m.GitID)
	}

	// phase 6: restore the index from the backup
	if tx.indexBackup != nil {
		restored, err := index.FromBytes(tx.indexBackup)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("txn: rollback: restore index: %w", err))
		} else {
			tx.index.ResetCommitted(restored.Committed())
			for _, entry := range restored.Staged() {
				tx.index.Add(entry)
			}
		}
	}

	return errs
}
