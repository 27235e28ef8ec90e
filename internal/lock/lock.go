// Package lock implements the per-branch operation lock: an OS-level
// advisory file lock at locks/<branch>.lock that serializes mutating
// operations (commit, push, pull, merge continue) against the same branch,
// with stale-lock reclamation for crashed holders.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// DefaultTimeout is how long Acquire waits before giving up in normal
// operation; tests use a much shorter timeout to keep failure cases fast.
const DefaultTimeout = 30 * time.Second

const (
	staleAge   = 5 * time.Minute
	retryDelay = 50 * time.Millisecond
)

// Lock is a single branch's operation lock, not safe for concurrent use
// from more than one goroutine.
type Lock struct {
	dir    string
	branch string
	path   string
	fl     *flock.Flock
}

// New returns a Lock for branch under reposDir's locks/ subdirectory. It
// does not acquire anything.
func New(reposDir, branch string) *Lock {
	dir := filepath.Join(reposDir, "locks")
	return &Lock{dir: dir, branch: branch, path: filepath.Join(dir, branch+".lock")}
}

// Acquire takes the exclusive lock for branch, retrying until timeout
// elapses (DefaultTimeout if zero). Before trying, it sweeps the locks
// directory for any lock file whose mtime is older than five minutes,
// treating it as abandoned by a crashed process. On success it overwrites
// the lock file's contents with a diagnostic record of who holds it.
func (l *Lock) Acquire(opType string, timeout time.Duration) error {
	if err := os.MkdirAll(l.dir, 0o777); err != nil {
		return fmt.Errorf("lock: mkdir %s: %w", l.dir, err)
	}
	if err := sweepStale(l.dir); err != nil {
		return err
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	l.fl = flock.New(l.path)
	ok, err := l.fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		return fmt.Errorf("lock: acquire branch %s: %w", l.branch, err)
	}
	if !ok {
		return fmt.Errorf("lock: timed out after %s waiting for branch %s", timeout, l.branch)
	}

	return l.writeDiagnostics(opType)
}

func (l *Lock) writeDiagnostics(opType string) error {
	content := fmt.Sprintf("op=%s branch=%s pid=%d time=%s\n",
		opType, l.branch, os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(l.path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("lock: write diagnostics: %w", err)
	}
	return nil
}

// Release releases the OS lock and removes the lock file. Safe to call on a
// Lock that was never successfully acquired.
func (l *Lock) Release() error {
	if l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	os.Remove(l.path)
	l.fl = nil
	if err != nil {
		return fmt.Errorf("lock: release branch %s: %w", l.branch, err)
	}
	return nil
}

func sweepStale(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("lock: sweep %s: %w", dir, err)
	}

	cutoff := time.Now().Add(-staleAge)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".lock" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // vanished between ReadDir and Info; nothing to sweep
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}
