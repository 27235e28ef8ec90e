package mirror

import (
	"bytes"
	"os"
	"os/exec"
	"strings"

	"lab.nexedi.com/kirr/dotman/errs"
)

// run executes `git <args...>` with dir as its working directory, returning
// trimmed stdout/stderr. A non-zero exit is reported as an
// *errs.TransportError categorized by ClassifyGitStderr -- the only place in
// the mirror that has to parse a subprocess's stderr text, since git's CLI
// gives no structured error reporting.
func run(remote, dir string, args ...string) (stdout string, err error) {
	return runWithEnv(remote, dir, nil, args...)
}

// runWithEnv is run plus additional environment variables layered on top of
// the current process's environment, used to pin GIT_AUTHOR_DATE and
// GIT_COMMITTER_DATE when replaying a commit with its original timestamp.
func runWithEnv(remote, dir string, env map[string]string, args ...string) (stdout string, err error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout = strings.TrimSpace(outBuf.String())
	stderr := strings.TrimSpace(errBuf.String())

	if runErr == nil {
		return stdout, nil
	}
	if _, isExit := runErr.(*exec.ExitError); !isExit {
		return "", errs.IOw(runErr, "mirror: spawn git %s", strings.Join(args, " "))
	}

	category := errs.ClassifyGitStderr(stderr)
	return stdout, errs.NewTransportError(remote, category, runErr, "git %s: %s", strings.Join(args, " "), stderr)
}
