// Package reflog implements the append-only log of HEAD mutations stored
// at logs/HEAD: one line per entry, never pruned by the core.
package reflog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"lab.nexedi.com/kirr/dotman/errs"
)

// Entry is one reflog line: "<ts> <old> <new> <op>: <message>".
type Entry struct {
	Timestamp int64
	OldValue  string
	NewValue  string
	Operation string
	Message   string
}

func (e Entry) format() string {
	return fmt.Sprintf("%d %s %s %s: %s\n", e.Timestamp, e.OldValue, e.NewValue, e.Operation, e.Message)
}

func parseLine(line string) (Entry, error) {
	fields := strings.SplitN(line, " ", 4)
	if len(fields) != 4 {
		return Entry{}, errs.Corruptionf("reflog: malformed line %q", line)
	}
	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Entry{}, errs.Corruptionf("reflog: bad timestamp in %q", line)
	}
	opMsg := strings.SplitN(fields[3], ": ", 2)
	if len(opMsg) != 2 {
		return Entry{}, errs.Corruptionf("reflog: missing operation separator in %q", line)
	}
	return Entry{
		Timestamp: ts,
		OldValue:  fields[1],
		NewValue:  fields[2],
		Operation: opMsg[0],
		Message:   opMsg[1],
	}, nil
}

// Log appends to and reads logs/HEAD under RepoDir.
type Log struct {
	RepoDir string
}

func New(repoDir string) *Log {
	return &Log{RepoDir: repoDir}
}

func (l *Log) path() string {
	return filepath.Join(l.RepoDir, "logs", "HEAD")
}

// Append adds entry to the end of the log, creating logs/ if needed.
func (l *Log) Append(entry Entry) error {
	dir := filepath.Dir(l.path())
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return fmt.Errorf("reflog: mkdir: %w", err)
	}

	f, err := os.OpenFile(l.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reflog: open: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(entry.format()); err != nil {
		return fmt.Errorf("reflog: write: %w", err)
	}
	return nil
}

// All reads every entry in append order.
func (l *Log) All() ([]Entry, error) {
	f, err := os.Open(l.path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reflog: open: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reflog: scan: %w", err)
	}
	return entries, nil
}

// Last returns the most recent entry, if any.
func (l *Log) Last() (Entry, bool, error) {
	entries, err := l.All()
	if err != nil {
		return Entry{}, false, err
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[len(entries)-1], true, nil
}
