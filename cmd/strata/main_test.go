package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/pkg/protocol"
)

// executeCommand runs the root command with the given args and returns stdout, stderr, and error.
func executeCommand(args ...string) (stdout string, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&outBuf)
	cmd.SetErr(&errBuf)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

// project returns a fresh project root and isolates the test from the
// developer's config and environment.
func project(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	for _, k := range []string{"STRATA_SESSION_ID", "CLAUDE_SESSION_ID", "STRATA_ROLE", "STRATA_NAME", "STRATA_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	return t.TempDir()
}

// run executes a command against root, failing the test on error.
func runStrata(t *testing.T, root string, args ...string) string {
	t.Helper()
	out, _, err := executeCommand(append([]string{"--root", root, "--log-level", "error"}, args...)...)
	require.NoError(t, err, "strata %s", strings.Join(args, " "))
	return out
}

func TestRoot(t *testing.T) {
	t.Run("help lists command groups", func(t *testing.T) {
		out, _, err := executeCommand("--help")
		require.NoError(t, err)
		for _, sub := range []string{"init", "signal", "agent", "hook", "queue", "gate", "respawn", "supervise", "journal"} {
			assert.Contains(t, out, sub)
		}
	})

	t.Run("version", func(t *testing.T) {
		out, _, err := executeCommand("--version")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "strata "), "got %q", out)
	})

	t.Run("unknown command", func(t *testing.T) {
		_, _, err := executeCommand("frobnicate")
		assert.Error(t, err)
	})
}

func TestInit(t *testing.T) {
	root := project(t)
	out := runStrata(t, root, "init")
	assert.Contains(t, out, "wrote")

	for _, sub := range []string{protocol.AgentsDir, protocol.HooksDir, protocol.PromisesDir, filepath.Join(protocol.SignalsDir, protocol.ProcessedDir)} {
		assert.DirExists(t, filepath.Join(root, protocol.StrataDir, sub))
	}
	assert.FileExists(t, filepath.Join(root, protocol.StrataDir, protocol.JournalFile))

	out = runStrata(t, root, "init")
	assert.Contains(t, out, "kept existing")
}

func TestSignalSendPeekRecv(t *testing.T) {
	root := project(t)

	runStrata(t, root, "signal", "send", "guardian", "NEEDS_REVIEW", "--from", "runner/auth", "--payload", `{"node_id":"n1"}`)
	out := runStrata(t, root, "signal", "peek", "guardian")
	assert.Contains(t, out, "NEEDS_REVIEW")
	assert.Contains(t, out, "runner/auth")

	out = runStrata(t, root, "signal", "recv", "guardian", "--timeout", "1s")
	var got struct {
		Source  string         `json:"source"`
		Type    string         `json:"signal_type"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "runner/auth", got.Source)
	assert.Equal(t, "NEEDS_REVIEW", got.Type)
	assert.Equal(t, "n1", got.Payload["node_id"])

	assert.Contains(t, runStrata(t, root, "signal", "peek", "guardian"), "no pending signals")
}

func TestSignalRequestReply(t *testing.T) {
	root := project(t)
	t.Setenv("STRATA_ROLE", "runner")
	t.Setenv("STRATA_NAME", "auth")

	runStrata(t, root, "signal", "reply", "runner/auth", "INPUT_ANSWERED", "--payload", `{"answer":"v2","seq":9007199254740993}`)
	out := runStrata(t, root, "signal", "request", "INPUT_NEEDED", "--payload", `{"question":"which schema?"}`, "--wait", "--timeout", "1s")
	assert.Contains(t, out, `"INPUT_ANSWERED"`)
	assert.Contains(t, out, "9007199254740993", "large integers survive the round trip")

	out = runStrata(t, root, "signal", "peek", "guardian")
	assert.Contains(t, out, "INPUT_NEEDED")
	assert.Contains(t, out, "runner/auth")
}

func TestSignalRecv_TimeoutExitCode(t *testing.T) {
	root := project(t)
	_, _, err := executeCommand("--root", root, "signal", "recv", "runner/auth", "--timeout", "20ms")
	var exit *exitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, exitTimeout, exit.code)
	assert.True(t, errors.Is(err, protocol.ErrTimeout))
}

func TestSignalSend_RequiresSource(t *testing.T) {
	root := project(t)
	_, _, err := executeCommand("--root", root, "signal", "send", "guardian", "STUCK")
	assert.ErrorContains(t, err, "--from")
}

func TestAgentLifecycle(t *testing.T) {
	root := project(t)
	id := strings.TrimSpace(runStrata(t, root, "agent", "register", "runner", "auth", "--worktree", "/work/auth"))
	assert.NotEmpty(t, id)

	out := runStrata(t, root, "agent", "list")
	assert.Contains(t, out, "runner/auth")
	assert.Contains(t, out, "active")

	assert.Contains(t, runStrata(t, root, "signal", "peek", "guardian"), string(protocol.SignalAgentRegistered))

	out = runStrata(t, root, "agent", "crash", "runner", "auth", "--reason", "test")
	assert.Contains(t, out, "crashed")
	assert.Contains(t, runStrata(t, root, "agent", "stale"), "no agents", "crashed agents are never stale")
}

func TestAgent_RoleFromEnvironment(t *testing.T) {
	root := project(t)
	t.Setenv("STRATA_ROLE", "runner")
	t.Setenv("STRATA_NAME", "billing")
	runStrata(t, root, "agent", "register", "--announce=false")
	assert.Contains(t, runStrata(t, root, "agent", "heartbeat"), "runner/billing active")
}

func TestHookCommands(t *testing.T) {
	root := project(t)
	runStrata(t, root, "hook", "init", "runner", "auth")
	runStrata(t, root, "hook", "phase", "validating", "runner", "auth")
	runStrata(t, root, "hook", "note", "rerun the auth tests", "runner", "auth", "--node", "node_auth_3")

	out := runStrata(t, root, "hook", "show", "runner", "auth")
	assert.Contains(t, out, "validating")
	assert.Contains(t, out, "node_auth_3")

	out = runStrata(t, root, "hook", "wisdom", "runner", "auth")
	assert.Contains(t, out, "SKIP PLANNING")
	assert.Contains(t, out, "rerun the auth tests")

	_, _, err := executeCommand("--root", root, "hook", "phase", "planning", "runner", "auth")
	assert.ErrorIs(t, err, protocol.ErrPhaseRegression)
}

func TestQueueCommands(t *testing.T) {
	root := project(t)
	runStrata(t, root, "queue", "add", "n1", "feature/n1")
	runStrata(t, root, "queue", "add", "n1", "feature/other")
	runStrata(t, root, "queue", "add", "n2", "feature/n2")

	out := runStrata(t, root, "queue", "list")
	assert.Equal(t, 1, strings.Count(out, "feature/n1"))
	assert.NotContains(t, out, "feature/other", "enqueue is idempotent per node")

	out = runStrata(t, root, "queue", "next", "--dry-run")
	assert.Contains(t, out, "n1 done")
	out = runStrata(t, root, "queue", "next", "--dry-run")
	assert.Contains(t, out, "n2 done")
	assert.Contains(t, runStrata(t, root, "queue", "next", "--dry-run"), "queue empty")

	_, _, err := executeCommand("--root", root, "queue", "retry", "n1")
	assert.Error(t, err, "only failed entries can be retried")
}

func writePromise(t *testing.T, root, id, owner string) {
	t.Helper()
	dir := filepath.Join(root, protocol.StrataDir, protocol.PromisesDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	body := "id: " + id + "\nowned_by: " + owner + "\nstatus: in_progress\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".yaml"), []byte(body), 0o644))
}

func TestGate(t *testing.T) {
	t.Run("allows a clean project", func(t *testing.T) {
		root := project(t)
		out := runStrata(t, root, "gate", "--session", "s1")
		assert.Contains(t, out, "stop ALLOWED")
		assert.Contains(t, out, "P1 promise ownership")
	})

	t.Run("blocks on an owned promise with exit 2", func(t *testing.T) {
		root := project(t)
		writePromise(t, root, "p-auth", "s1")

		out, _, err := executeCommand("--root", root, "gate", "--session", "s1")
		var exit *exitError
		require.ErrorAs(t, err, &exit)
		assert.Equal(t, exitBlocked, exit.code)
		assert.Contains(t, out, "stop BLOCKED")
		assert.Contains(t, out, "p-auth")
	})

	t.Run("json output is the hook response", func(t *testing.T) {
		root := project(t)
		writePromise(t, root, "p-auth", "s1")

		out, _, _ := executeCommand("--root", root, "gate", "--session", "s1", "--json")
		var resp map[string]string
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.Equal(t, "block", resp["decision"])
		assert.Contains(t, resp["reason"], "p-auth")
	})

	t.Run("circuit breaker forces the stop", func(t *testing.T) {
		root := project(t)
		writePromise(t, root, "p-auth", "s1")
		out := runStrata(t, root, "gate", "--session", "s1", "--iteration", "10")
		assert.Contains(t, out, "forced by circuit breaker")
	})
}

func TestSupervise_Once(t *testing.T) {
	root := project(t)
	out := runStrata(t, root, "supervise", "--once", "--no-respawn")
	assert.Contains(t, out, "crashed: 0")
}

func TestJournal(t *testing.T) {
	root := project(t)
	runStrata(t, root, "queue", "add", "n1", "feature/n1")
	out := runStrata(t, root, "journal", "--limit", "10")
	assert.Contains(t, out, "n1")
}

func TestRespawn_RequiresWorktree(t *testing.T) {
	root := project(t)
	_, _, err := executeCommand("--root", root, "respawn", "runner", "ghost")
	assert.ErrorContains(t, err, "target dir is required")
}

func TestTerminateAndArchive(t *testing.T) {
	root := project(t)
	loc := strings.TrimSpace(runStrata(t, root, "agent", "terminate", "runner", "auth"))
	assert.Contains(t, runStrata(t, root, "signal", "peek", "runner/auth"), string(protocol.SignalAgentTerminated))

	runStrata(t, root, "signal", "archive", loc)
	assert.Contains(t, runStrata(t, root, "signal", "peek", "runner/auth"), "no pending signals")
	assert.FileExists(t, filepath.Join(root, protocol.StrataDir, protocol.SignalsDir, protocol.ProcessedDir, filepath.Base(loc)))
}
