package merge //nolint:testpackage // internal test needs access to unexported types

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --- Mock GitRunner ---

type call struct {
	Dir  string
	Args []string
}

type mockResult struct {
	Stdout string
	Stderr string
	Err    error
}

// mockGitRunner records calls and returns pre-configured results.
// Results are consumed in order; if exhausted, returns empty success.
type mockGitRunner struct {
	mu      sync.Mutex
	calls   []call
	results []mockResult
}

func (m *mockGitRunner) Run(_ context.Context, dir string, args ...string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, call{Dir: dir, Args: args})

	if len(m.results) == 0 {
		return "", "", nil
	}
	r := m.results[0]
	m.results = m.results[1:]
	return r.Stdout, r.Stderr, r.Err
}

func (m *mockGitRunner) getCalls() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]call, len(m.calls))
	copy(out, m.calls)
	return out
}

// notAncestor is the result of `merge-base --is-ancestor` for an unmerged branch.
var notAncestor = mockResult{Err: fmt.Errorf("exit status 1")}

// --- Tests ---

func TestMerge_CleanMerge(t *testing.T) {
	mock := &mockGitRunner{
		results: []mockResult{
			notAncestor,
			// git merge --no-ff --no-edit feature/auth
			{Stdout: "Merge made by the 'ort' strategy.\n"},
			// git rev-parse HEAD
			{Stdout: "abc123def456\n"},
		},
	}

	coord := NewCoordinator(mock)
	result, err := coord.Merge(context.Background(), Opts{
		RepoRoot: "/repo",
		Branch:   "feature/auth",
		NodeID:   "auth",
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.CommitSHA != "abc123def456" {
		t.Errorf("expected commit SHA abc123def456, got %q", result.CommitSHA)
	}
	if result.AlreadyMerged {
		t.Error("expected AlreadyMerged=false")
	}

	calls := mock.getCalls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 git calls, got %d: %+v", len(calls), calls)
	}
	assertArgs(t, calls[0], "/repo", "merge-base", "--is-ancestor", "feature/auth", "HEAD")
	assertArgs(t, calls[1], "/repo", "merge", "--no-ff", "--no-edit", "feature/auth")
	assertArgs(t, calls[2], "/repo", "rev-parse", "HEAD")
}

func TestMerge_AlreadyMerged(t *testing.T) {
	mock := &mockGitRunner{
		results: []mockResult{
			{}, // is-ancestor: exit 0
			{Stdout: "feedbeef\n"},
		},
	}

	result, err := NewCoordinator(mock).Merge(context.Background(), Opts{
		RepoRoot: "/repo", Branch: "feature/auth", NodeID: "auth",
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !result.AlreadyMerged || result.CommitSHA != "feedbeef" {
		t.Errorf("unexpected result: %+v", result)
	}
	if n := len(mock.getCalls()); n != 2 {
		t.Errorf("expected 2 git calls (no merge attempted), got %d", n)
	}
}

func TestMerge_Conflict_ReturnsConflictError(t *testing.T) {
	mergeStdout := `Auto-merging src/main.go
CONFLICT (content): Merge conflict in src/main.go
Auto-merging pkg/util/helper.go
CONFLICT (content): Merge conflict in pkg/util/helper.go
Automatic merge failed; fix conflicts and then commit the result.
`
	mock := &mockGitRunner{
		results: []mockResult{
			notAncestor,
			{Stdout: mergeStdout, Err: fmt.Errorf("exit status 1")},
			{}, // merge --abort
		},
	}

	_, err := NewCoordinator(mock).Merge(context.Background(), Opts{
		RepoRoot: "/repo", Branch: "feature/billing", NodeID: "billing",
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected *ConflictError, got %T: %v", err, err)
	}
	if conflictErr.NodeID != "billing" {
		t.Errorf("expected NodeID billing, got %q", conflictErr.NodeID)
	}

	expectedFiles := []string{"src/main.go", "pkg/util/helper.go"}
	if len(conflictErr.Files) != len(expectedFiles) {
		t.Fatalf("expected %d conflicting files, got %d: %v", len(expectedFiles), len(conflictErr.Files), conflictErr.Files)
	}
	for i, f := range expectedFiles {
		if conflictErr.Files[i] != f {
			t.Errorf("file[%d]: expected %q, got %q", i, f, conflictErr.Files[i])
		}
	}

	calls := mock.getCalls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 git calls, got %d: %+v", len(calls), calls)
	}
	assertArgs(t, calls[2], "/repo", "merge", "--abort")
}

func TestMerge_FailureWithoutConflict(t *testing.T) {
	mock := &mockGitRunner{
		results: []mockResult{
			notAncestor,
			{Stderr: "merge: feature/gone - not something we can merge\n", Err: fmt.Errorf("exit status 1")},
		},
	}

	_, err := NewCoordinator(mock).Merge(context.Background(), Opts{
		RepoRoot: "/repo", Branch: "feature/gone", NodeID: "gone",
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		t.Fatalf("expected a plain error, got ConflictError: %v", err)
	}
	if !strings.Contains(err.Error(), "not something we can merge") {
		t.Errorf("expected git stderr in error, got: %v", err)
	}
	if n := len(mock.getCalls()); n != 2 {
		t.Errorf("expected no abort call, got %d calls", n)
	}
}

func TestMerge_RevParseFails(t *testing.T) {
	mock := &mockGitRunner{
		results: []mockResult{
			notAncestor,
			{},
			{Err: fmt.Errorf("exit status 128")},
		},
	}

	_, err := NewCoordinator(mock).Merge(context.Background(), Opts{
		RepoRoot: "/repo", Branch: "feature/auth", NodeID: "auth",
	})
	if err == nil || !strings.Contains(err.Error(), "rev-parse HEAD") {
		t.Fatalf("expected rev-parse error, got: %v", err)
	}
}

func TestMerge_RequiresRepoAndBranch(t *testing.T) {
	mock := &mockGitRunner{}
	_, err := NewCoordinator(mock).Merge(context.Background(), Opts{Branch: "feature/auth"})
	if err == nil {
		t.Fatal("expected error for missing repo root")
	}
	if n := len(mock.getCalls()); n != 0 {
		t.Errorf("expected no git calls, got %d", n)
	}
}

func TestMerge_LockPreventsConcurrentMerges(t *testing.T) {
	var firstStarted atomic.Bool
	unblockFirst := make(chan struct{})

	var mu sync.Mutex
	var calls []call
	runner := &funcGitRunner{fn: func(_ context.Context, dir string, args ...string) (string, string, error) {
		if args[0] == "merge" && containsArg(args, "feature/first") && firstStarted.CompareAndSwap(false, true) {
			<-unblockFirst
		}
		mu.Lock()
		calls = append(calls, call{Dir: dir, Args: args})
		mu.Unlock()
		if args[0] == "merge-base" {
			return "", "", fmt.Errorf("exit status 1")
		}
		if args[0] == "rev-parse" {
			return "sha\n", "", nil
		}
		return "", "", nil
	}}

	coord := NewCoordinator(runner)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = coord.Merge(context.Background(), Opts{RepoRoot: "/repo", Branch: "feature/first", NodeID: "first"})
	}()

	for !firstStarted.Load() {
		time.Sleep(time.Millisecond)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = coord.Merge(context.Background(), Opts{RepoRoot: "/repo", Branch: "feature/second", NodeID: "second"})
	}()

	// Give the second goroutine time to attempt to acquire the lock.
	time.Sleep(50 * time.Millisecond)
	close(unblockFirst)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 6 {
		t.Fatalf("expected 6 recorded git calls, got %d: %+v", len(calls), calls)
	}
	// The first merge's merge-base ran before blocking; its merge and
	// rev-parse must complete before anything from the second merge.
	if !containsArg(calls[1].Args, "feature/first") {
		t.Errorf("expected second recorded call to be the first merge, got %v", calls[1].Args)
	}
	if calls[2].Args[0] != "rev-parse" {
		t.Errorf("expected first merge's rev-parse before second merge, got %v", calls[2].Args)
	}
	if !containsArg(calls[3].Args, "feature/second") {
		t.Errorf("expected second merge to start after the first, got %v", calls[3].Args)
	}
}

func TestMerge_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	mergeStarted := make(chan struct{})
	abortCalled := make(chan string, 1)
	runner := &funcGitRunner{fn: func(ctx context.Context, dir string, args ...string) (string, string, error) {
		switch {
		case len(args) >= 2 && args[0] == "merge" && args[1] == "--abort":
			abortCalled <- dir
			return "", "", nil
		case args[0] == "merge-base":
			return "", "", fmt.Errorf("exit status 1")
		case args[0] == "merge":
			close(mergeStarted)
			<-ctx.Done()
			return "", "", fmt.Errorf("signal: killed: %w", ctx.Err())
		}
		return "", "", nil
	}}
	coord := NewCoordinator(runner)

	errCh := make(chan error, 1)
	go func() {
		_, err := coord.Merge(ctx, Opts{RepoRoot: "/repo", Branch: "feature/cancel", NodeID: "cancel"})
		errCh <- err
	}()

	<-mergeStarted
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error after context cancellation, got nil")
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("merge did not return after context cancellation (timeout)")
	}

	select {
	case dir := <-abortCalled:
		if dir != "/repo" {
			t.Fatalf("expected abort on /repo, got %s", dir)
		}
	default:
		t.Fatal("expected the interrupted merge to be aborted")
	}
}

func TestConflictError_ErrorInterface(t *testing.T) {
	err := &ConflictError{Files: []string{"a.go", "b.go"}, NodeID: "node-test"}
	msg := err.Error()
	if !strings.Contains(msg, "node-test") {
		t.Errorf("error message should contain node ID, got: %s", msg)
	}
	if !strings.Contains(msg, "a.go") || !strings.Contains(msg, "b.go") {
		t.Errorf("error message should contain conflicting files, got: %s", msg)
	}
}

func TestParseConflictFiles(t *testing.T) {
	tests := []struct {
		name     string
		out      string
		expected []string
	}{
		{name: "empty", out: "", expected: nil},
		{name: "no conflicts", out: "Already up to date.\n", expected: nil},
		{
			name:     "content conflict",
			out:      "CONFLICT (content): Merge conflict in main.go\n",
			expected: []string{"main.go"},
		},
		{
			name:     "mixed kinds",
			out:      "CONFLICT (add/add): Merge conflict in new.go\nCONFLICT (content): Merge conflict in dir/old.go  \n",
			expected: []string{"new.go", "dir/old.go"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseConflictFiles(tt.out)
			if len(got) != len(tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, got)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("file[%d]: expected %q, got %q", i, tt.expected[i], got[i])
				}
			}
		})
	}
}

// --- Abort tests ---

func TestCoordinatorAbortWhileMerging(t *testing.T) {
	mergeStarted := make(chan struct{})
	unblockMerge := make(chan struct{})
	abortCalled := make(chan string, 1)

	runner := &funcGitRunner{fn: func(_ context.Context, dir string, args ...string) (string, string, error) {
		switch {
		case len(args) >= 2 && args[0] == "merge" && args[1] == "--abort":
			abortCalled <- dir
			return "", "", nil
		case args[0] == "merge-base":
			return "", "", fmt.Errorf("exit status 1")
		case args[0] == "merge":
			close(mergeStarted)
			<-unblockMerge
			return "", "", fmt.Errorf("interrupted")
		}
		return "", "", nil
	}}

	coord := NewCoordinator(runner)

	errCh := make(chan error, 1)
	go func() {
		_, err := coord.Merge(context.Background(), Opts{RepoRoot: "/repo-abort", Branch: "feature/x", NodeID: "x"})
		errCh <- err
	}()

	<-mergeStarted
	coord.Abort()

	select {
	case dir := <-abortCalled:
		if dir != "/repo-abort" {
			t.Fatalf("expected abort on /repo-abort, got %s", dir)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected git merge --abort to be called")
	}

	close(unblockMerge)
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("merge did not return after abort")
	}
}

func TestAbortMu_PanicSafety(t *testing.T) {
	callCount := atomic.Int32{}
	runner := &funcGitRunner{fn: func(_ context.Context, _ string, args ...string) (string, string, error) {
		n := callCount.Add(1)
		if n == 1 {
			panic("simulated crash during merge operation")
		}
		if args[0] == "rev-parse" {
			return "abc123\n", "", nil
		}
		return "", "", nil
	}}

	coord := NewCoordinator(runner)

	recovered := make(chan struct{})
	go func() {
		defer func() {
			_ = recover()
			close(recovered)
		}()
		_, _ = coord.Merge(context.Background(), Opts{RepoRoot: "/repo", Branch: "feature/panic", NodeID: "panic"})
	}()
	<-recovered

	abortDone := make(chan struct{})
	go func() {
		coord.Abort()
		close(abortDone)
	}()
	select {
	case <-abortDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Abort() deadlocked after panic")
	}

	mergeDone := make(chan struct{})
	go func() {
		_, _ = coord.Merge(context.Background(), Opts{RepoRoot: "/repo", Branch: "feature/after", NodeID: "after"})
		close(mergeDone)
	}()
	select {
	case <-mergeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Merge() deadlocked after panic")
	}
}

func TestCoordinatorAbort_NoMergeInProgress(t *testing.T) {
	mock := &mockGitRunner{}
	NewCoordinator(mock).Abort()
	if n := len(mock.getCalls()); n != 0 {
		t.Fatalf("expected no git calls when no merge in progress, got %d", n)
	}
}

// --- Helper types ---

// funcGitRunner delegates Run to a user-supplied function.
type funcGitRunner struct {
	fn func(ctx context.Context, dir string, args ...string) (string, string, error)
}

func (f *funcGitRunner) Run(ctx context.Context, dir string, args ...string) (string, string, error) {
	return f.fn(ctx, dir, args...)
}

// --- Assertion helpers ---

func assertArgs(t *testing.T, c call, expectedDir string, expectedArgs ...string) {
	t.Helper()
	if c.Dir != expectedDir {
		t.Errorf("expected dir %q, got %q", expectedDir, c.Dir)
	}
	if len(c.Args) != len(expectedArgs) {
		t.Errorf("expected %d args %v, got %d args %v", len(expectedArgs), expectedArgs, len(c.Args), c.Args)
		return
	}
	for i, a := range expectedArgs {
		if c.Args[i] != a {
			t.Errorf("arg[%d]: expected %q, got %q", i, a, c.Args[i])
		}
	}
}

func containsArg(args []string, target string) bool {
	for _, a := range args {
		if a == target {
			return true
		}
	}
	return false
}
