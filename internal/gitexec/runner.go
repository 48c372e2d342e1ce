// Package gitexec runs git processes on the trusted side. The gateway's
// local-exec endpoint, the network proxy, the worktree manager, and the
// staging applier all share this runner so timeouts and environment
// scrubbing live in one place.
package gitexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result is a completed process invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes argv (argv[0] is the subcommand, not "git") in dir.
type Runner interface {
	Run(ctx context.Context, dir string, argv ...string) (Result, error)
}

// ExecRunner runs real git binaries with a bounded timeout and a scrubbed
// environment: no credential helpers, no system config surprises.
type ExecRunner struct {
	// GitPath overrides the binary, default "git".
	GitPath string
	// Timeout bounds each invocation; zero means 5 minutes.
	Timeout time.Duration
	// Env entries appended to the scrubbed base environment
	// (e.g. GIT_ASKPASS suppression is always present).
	Env []string
}

// Run executes git with the given args in dir.
func (r *ExecRunner) Run(ctx context.Context, dir string, argv ...string) (Result, error) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bin := r.GitPath
	if bin == "" {
		bin = "git"
	}

	cmd := exec.CommandContext(ctx, bin, argv...)
	cmd.Dir = dir
	cmd.Env = append(baseEnv(), r.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case ctx.Err() != nil:
		return res, fmt.Errorf("git %s timed out after %s", firstArg(argv), timeout)
	default:
		return res, fmt.Errorf("run git %s: %w", firstArg(argv), err)
	}
	return res, nil
}

// baseEnv is the minimal environment git needs, with credential prompting
// disabled. PATH and HOME come through; everything else is dropped.
func baseEnv() []string {
	env := []string{
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=/bin/true",
		"GCM_INTERACTIVE=never",
	}
	for _, key := range []string{"PATH", "HOME", "TMPDIR", "LANG"} {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	return env
}

func firstArg(argv []string) string {
	if len(argv) == 0 {
		return "<none>"
	}
	return argv[0]
}

// Quote renders argv for logs, truncating long arguments.
func Quote(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if len(a) > 80 {
			a = a[:77] + "..."
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}
