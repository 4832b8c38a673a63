package merge

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"strata/pkg/protocol"
)

// ExecGitRunner implements GitRunner using os/exec.
type ExecGitRunner struct{}

// Run executes a git command in the given directory and returns stdout and stderr.
func (r *ExecGitRunner) Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	return stdoutBuf.String(), stderrBuf.String(), err
}

// Classify converts a failed git invocation into a *protocol.VCSError so
// callers can tell a missing tool or non-repository apart from a timeout.
// A nil err yields nil.
func Classify(ctx context.Context, stderr string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return &protocol.VCSError{Kind: protocol.VCSMissing, Detail: err.Error()}
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return &protocol.VCSError{Kind: protocol.VCSTimeout}
	case strings.Contains(strings.ToLower(stderr), "not a git repository"):
		return &protocol.VCSError{Kind: protocol.VCSNotARepo, Detail: strings.TrimSpace(stderr)}
	default:
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = err.Error()
		}
		return &protocol.VCSError{Kind: protocol.VCSExecFailed, Detail: detail}
	}
}

// StatusPorcelain runs `git status --porcelain` in dir, optionally limited
// to pathspec, and returns the changed paths. Failures are classified.
func StatusPorcelain(ctx context.Context, git GitRunner, dir string, pathspec ...string) ([]string, error) {
	args := []string{"status", "--porcelain"}
	if len(pathspec) > 0 {
		args = append(append(args, "--"), pathspec...)
	}
	stdout, stderr, err := git.Run(ctx, dir, args...)
	if err != nil {
		return nil, Classify(ctx, stderr, err)
	}
	var paths []string
	for _, line := range strings.Split(stdout, "\n") {
		if len(line) < 4 {
			continue
		}
		paths = append(paths, strings.TrimSpace(line[3:]))
	}
	return paths, nil
}
