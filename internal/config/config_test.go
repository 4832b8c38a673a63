package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/internal/config"
	"strata/pkg/protocol"
)

// isolate points the user config at an empty directory and clears the
// variables a developer shell might carry.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	for _, k := range []string{"STRATA_SESSION_ID", "CLAUDE_SESSION_ID", "STRATA_ROLE", "STRATA_NAME", "STRATA_GATE_MAX_ITERATIONS", "STRATA_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	return t.TempDir()
}

func writeProjectConfig(t *testing.T, root, body string) {
	t.Helper()
	path := config.ProjectConfigPath(root)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoad_Defaults(t *testing.T) {
	root := isolate(t)

	cfg, err := config.Load(root)
	require.NoError(t, err)

	assert.Equal(t, root, cfg.ProjectRoot)
	assert.Equal(t, filepath.Join(root, protocol.StrataDir), cfg.StateDir)
	assert.Equal(t, 500*time.Millisecond, cfg.Signal.PollInterval)
	assert.Equal(t, 120*time.Second, cfg.Identity.StaleTimeout)
	assert.Equal(t, 10, cfg.Gate.MaxIterations)
	assert.Equal(t, 2, cfg.Gate.EscalationThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Gate.EscalationCooldown)
	assert.Equal(t, protocol.RoleSupervisor, cfg.Gate.SupervisorRole)
	assert.False(t, cfg.Gate.StrictOutcome)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_Precedence(t *testing.T) {
	root := isolate(t)

	userPath := config.UserConfigPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(userPath), 0o755))
	require.NoError(t, os.WriteFile(userPath, []byte("[gate]\nmax_iterations = 3\nerror_burst = 9\n[log]\nlevel = \"debug\"\n"), 0o644))

	writeProjectConfig(t, root, "[gate]\nmax_iterations = 4\nstrict_outcome = true\n[signal]\ntimeout = \"45s\"\n")
	t.Setenv("STRATA_LOG_LEVEL", "warn")

	cfg, err := config.Load(root)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Gate.MaxIterations, "project beats user")
	assert.Equal(t, 9, cfg.Gate.ErrorBurst, "user beats default")
	assert.True(t, cfg.Gate.StrictOutcome)
	assert.Equal(t, 45*time.Second, cfg.Signal.Timeout)
	assert.Equal(t, "warn", cfg.Log.Level, "env beats files")
}

func TestLoad_EnvAndDotEnv(t *testing.T) {
	root := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("STRATA_ROLE=runner\nSTRATA_NAME=auth\n"), 0o644))
	// .env never overrides what is already set.
	t.Setenv("STRATA_NAME", "billing")
	os.Unsetenv("STRATA_ROLE")
	t.Setenv("STRATA_GATE_MAX_ITERATIONS", "7")
	t.Setenv("CLAUDE_SESSION_ID", "claude-123")

	cfg, err := config.Load(root)
	require.NoError(t, err)
	assert.Equal(t, "runner", cfg.Role)
	assert.Equal(t, "billing", cfg.Name)
	assert.Equal(t, 7, cfg.Gate.MaxIterations)
	assert.Equal(t, "claude-123", cfg.SessionID)

	t.Setenv("STRATA_SESSION_ID", "strata-456")
	cfg, err = config.Load(root)
	require.NoError(t, err)
	assert.Equal(t, "strata-456", cfg.SessionID, "STRATA_SESSION_ID wins over the Claude variable")
}

func TestLoad_RelativeStateDir(t *testing.T) {
	root := isolate(t)
	writeProjectConfig(t, root, "state_dir = \"var/strata\"\n")

	cfg, err := config.Load(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "var", "strata"), cfg.StateDir)
}

func TestLoad_Invalid(t *testing.T) {
	root := isolate(t)
	writeProjectConfig(t, root, "[gate]\nmax_iterations = 0\n[identity]\nstale_timeout = \"10s\"\nheartbeat_interval = \"30s\"\n")

	_, err := config.Load(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gate.max_iterations")
	assert.Contains(t, err.Error(), "heartbeat_interval")
}

func TestLoad_MalformedProjectConfig(t *testing.T) {
	root := isolate(t)
	writeProjectConfig(t, root, "[gate\nmax_iterations = ")

	_, err := config.Load(root)
	assert.ErrorContains(t, err, "project config")
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	root := isolate(t)
	path := config.ProjectConfigPath(root)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, config.WriteDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "max_iterations = 10")
	assert.Contains(t, string(data), "# circuit breaker")

	cfg, err := config.Load(root)
	require.NoError(t, err)
	want := config.Defaults(root)
	assert.Equal(t, want.Gate, cfg.Gate)
	assert.Equal(t, want.Signal, cfg.Signal)
	assert.Equal(t, want.Identity, cfg.Identity)
	assert.Equal(t, want.Tmux, cfg.Tmux)
}

func TestGateConfigAndSessionName(t *testing.T) {
	cfg := config.Defaults("/repo")
	g := cfg.GateConfig()
	assert.Equal(t, "/repo", g.ProjectRoot)
	assert.Equal(t, filepath.Join("/repo", protocol.StrataDir), g.StateDir)
	assert.Equal(t, 10, g.MaxIterations)
	assert.Equal(t, "strata-runner-auth", cfg.SessionName("runner", "auth"))
}
