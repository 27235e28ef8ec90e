// Package pathsafe implements the security policies every path and file
// mode crossing the core's boundary must go through: mode-bit sanitization
// on restore, and path canonicalization against an allowed-directory
// allowlist.
package pathsafe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"lab.nexedi.com/kirr/dotman/errs"
)

const (
	modeSetuid = 0o4000
	modeSetgid = 0o2000
	modeSticky = 0o1000
	modeDangerous = modeSetuid | modeSetgid | modeSticky
)

// SanitizeMode strips setuid/setgid/sticky from mode unless strip is false.
// Applied both when recording a FileEntry's mode and when applying it on
// restore -- a setuid bit taken from an attacker-controlled repository would
// otherwise be a privilege-escalation vector.
func SanitizeMode(mode uint32, strip bool) uint32 {
	if !strip {
		return mode
	}
	return mode &^ modeDangerous
}

// ValidatePath canonicalizes path (or its nearest existing ancestor, for
// paths that don't exist yet) and checks it against allowedDirs. A bare
// "~/.." style escape is rejected outright before any filesystem lookup.
func ValidatePath(path string, allowedDirs []string) (string, error) {
	if strings.Contains(path, "~/..") || strings.HasPrefix(path, "~/../") {
		return "", errs.PathEscapef("path %q attempts to escape via tilde expansion", path)
	}

	canon, err := canonicalizeNearest(path)
	if err != nil {
		return "", errs.IOw(err, "canonicalize %q", path)
	}

	if len(allowedDirs) == 0 {
		return canon, nil
	}

	for _, dir := range allowedDirs {
		canonDir, err := canonicalizeNearest(dir)
		if err != nil {
			continue
		}
		if canon == canonDir || strings.HasPrefix(canon, canonDir+string(filepath.Separator)) {
			return canon, nil
		}
	}
	return "", errs.PathEscapef("path %q is outside allowed directories %v", path, allowedDirs)
}

// canonicalizeNearest resolves symlinks on path if it exists; otherwise it
// walks up to the nearest existing ancestor, resolves that, and rejoins the
// remaining (not-yet-created) components.
func canonicalizeNearest(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	remainder := ""
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if remainder == "" {
				return filepath.Clean(resolved), nil
			}
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			// reached filesystem root without finding anything that exists
			return filepath.Clean(abs), nil
		}
		base := filepath.Base(cur)
		if remainder == "" {
			remainder = base
		} else {
			remainder = filepath.Join(base, remainder)
		}
		cur = parent
	}
}

// WriteFileMode writes data to path with the exact POSIX mode bits given,
// bypassing the umask-filtered os.WriteFile.
func WriteFileMode(path string, data []byte, mode uint32) error {
	fd, err := syscall.Open(path, syscall.O_WRONLY|syscall.O_CREAT|syscall.O_TRUNC, mode)
	if err != nil {
		return &os.PathError{Op: "open", Path: path, Err: err}
	}
	// open(2) filters mode through the umask and ignores it for an existing
	// file; fchmod sets the exact bits in both cases.
	if err := syscall.Fchmod(fd, mode); err != nil {
		syscall.Close(fd)
		return &os.PathError{Op: "chmod", Path: path, Err: err}
	}
	f := os.NewFile(uintptr(fd), path)
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("pathsafe: write %s: %w", path, werr)
	}
	if cerr != nil {
		return fmt.Errorf("pathsafe: close %s: %w", path, cerr)
	}
	return nil
}
