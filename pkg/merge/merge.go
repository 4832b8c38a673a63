// Package merge implements the integration step behind the work queue: it
// merges a finished node's branch into the repository's current branch,
// one merge at a time, with conflict detection and abort.
//
// The Coordinator only merges. Retrying, escalating, or re-queueing a
// conflicted node is the caller's responsibility.
package merge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// Opts holds parameters for a single merge operation.
type Opts struct {
	RepoRoot string // repository to merge into (its checked-out branch receives the merge)
	Branch   string // branch to merge (e.g., "feature/auth")
	NodeID   string // for logging/context
}

// Result holds the outcome of a successful merge.
type Result struct {
	CommitSHA     string
	AlreadyMerged bool
}

// ConflictError is returned when a merge encounters conflicts. The merge
// has already been aborted when the caller sees it.
type ConflictError struct {
	Files  []string // files with conflicts
	NodeID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflict on node %s: conflicting files: %s",
		e.NodeID, strings.Join(e.Files, ", "))
}

// Coordinator serializes merge operations behind a mutex so only one merge
// per process touches a repository at a time. Cross-process serialization
// comes from the queue's lock.
type Coordinator struct {
	mu  sync.Mutex
	git GitRunner

	// abortMu protects activeRepo for concurrent access from Abort().
	abortMu    sync.Mutex
	activeRepo string // non-empty while a merge is in progress
}

// NewCoordinator creates a Coordinator with the given GitRunner.
func NewCoordinator(git GitRunner) *Coordinator {
	return &Coordinator{git: git}
}

// Merge merges opts.Branch into the current branch of opts.RepoRoot:
//  1. If the branch is already an ancestor of HEAD, report HEAD.
//  2. git merge --no-ff --no-edit <branch>
//  3. On conflict: git merge --abort, return *ConflictError
//  4. git rev-parse HEAD
//
// Only one Merge runs at a time (mutex-protected). If ctx is cancelled
// while git merge runs, the partial merge is aborted before returning.
func (c *Coordinator) Merge(ctx context.Context, opts Opts) (*Result, error) {
	if opts.RepoRoot == "" || opts.Branch == "" {
		return nil, errors.New("merge: repo root and branch are required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.setActive(opts.RepoRoot)
	defer c.setActive("")

	if merged, sha := c.isBranchMerged(ctx, opts); merged {
		return &Result{CommitSHA: sha, AlreadyMerged: true}, nil
	}

	stdout, stderr, err := c.git.Run(ctx, opts.RepoRoot, "merge", "--no-ff", "--no-edit", opts.Branch)
	if err != nil {
		// Context cancelled/deadline exceeded takes priority over conflict handling.
		// The killed git may have left the repo mid-merge.
		if ctx.Err() != nil {
			c.Abort()
			return nil, fmt.Errorf("merge cancelled: %w", ctx.Err())
		}
		files := parseConflictFiles(stdout + "\n" + stderr)
		if len(files) == 0 {
			return nil, fmt.Errorf("merge %s: %w: %s", opts.Branch, err, strings.TrimSpace(stderr))
		}
		// Best-effort abort; the conflict is reported either way.
		_, _, _ = c.git.Run(ctx, opts.RepoRoot, "merge", "--abort")
		return nil, &ConflictError{Files: files, NodeID: opts.NodeID}
	}

	sha, _, err := c.git.Run(ctx, opts.RepoRoot, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("rev-parse HEAD failed: %w", err)
	}
	return &Result{CommitSHA: strings.TrimSpace(sha)}, nil
}

func (c *Coordinator) setActive(repo string) {
	c.abortMu.Lock()
	defer c.abortMu.Unlock()
	c.activeRepo = repo
}

// isBranchMerged reports whether every commit on the branch is already
// reachable from HEAD. Any git failure means "not merged" so the merge
// itself surfaces the real error.
func (c *Coordinator) isBranchMerged(ctx context.Context, opts Opts) (bool, string) {
	if _, _, err := c.git.Run(ctx, opts.RepoRoot, "merge-base", "--is-ancestor", opts.Branch, "HEAD"); err != nil {
		return false, ""
	}
	sha, _, err := c.git.Run(ctx, opts.RepoRoot, "rev-parse", "HEAD")
	if err != nil {
		return false, ""
	}
	return true, strings.TrimSpace(sha)
}

// Abort runs best-effort 'git merge --abort' on any in-progress merge.
// Safe to call concurrently with Merge; uses a fresh context since the
// caller's context is typically cancelled at shutdown time.
func (c *Coordinator) Abort() {
	c.abortMu.Lock()
	repo := c.activeRepo
	c.abortMu.Unlock()

	if repo == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, _ = c.git.Run(ctx, repo, "merge", "--abort")
}

// conflictPattern matches git's CONFLICT output lines.
// Examples:
//
//	CONFLICT (content): Merge conflict in src/main.go
//	CONFLICT (add/add): Merge conflict in new_file.go
var conflictPattern = regexp.MustCompile(`CONFLICT \([^)]+\): Merge conflict in (.+)`)

// parseConflictFiles extracts file paths from git merge output.
func parseConflictFiles(out string) []string {
	matches := conflictPattern.FindAllStringSubmatch(out, -1)
	if len(matches) == 0 {
		return nil
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, strings.TrimSpace(m[1]))
	}
	return files
}
