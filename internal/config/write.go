package config

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"strata/pkg/fsx"
	"strata/pkg/protocol"
)

// defaultsDoc mirrors the file layout of config.toml. Durations are written
// as strings ("30s") so the file stays readable.
type defaultsDoc struct {
	Signal struct {
		PollInterval string `toml:"poll_interval" comment:"how often Receive rescans when no watcher event arrives"`
		Timeout      string `toml:"timeout" comment:"default wait for strata signal recv"`
		Retention    string `toml:"retention" comment:"archived signals older than this are purged"`
	} `toml:"signal"`
	Identity struct {
		StaleTimeout      string `toml:"stale_timeout" comment:"an active agent with no heartbeat for this long is marked crashed"`
		HeartbeatInterval string `toml:"heartbeat_interval"`
	} `toml:"identity"`
	Gate struct {
		MaxIterations       int    `toml:"max_iterations" comment:"circuit breaker: allow the stop after this many blocked attempts"`
		TrackedDir          string `toml:"tracked_dir" comment:"directory that must be committed before an agent may stop"`
		VCSTimeout          string `toml:"vcs_timeout"`
		EscalationThreshold int    `toml:"escalation_threshold" comment:"guidance requests before the supervisor is let through"`
		EscalationCooldown  string `toml:"escalation_cooldown"`
		BlockerWindow       string `toml:"blocker_window" comment:"how far back errors and crashes count as blockers"`
		ErrorBurst          int    `toml:"error_burst"`
		FailureBurst        int    `toml:"failure_burst"`
		StrictOutcome       bool   `toml:"strict_outcome" comment:"block until every feature in completion.yaml has passed"`
		SupervisorRole      string `toml:"supervisor_role"`
		NotifySession       string `toml:"notify_session" comment:"tmux session that receives guidance requests; empty disables"`
		NotifyPane          string `toml:"notify_pane"`
	} `toml:"gate"`
	Tmux struct {
		SessionPrefix string `toml:"session_prefix"`
		ReadyTimeout  string `toml:"ready_timeout"`
		LaunchCommand string `toml:"launch_command"`
	} `toml:"tmux"`
	Log struct {
		Level  string `toml:"level" comment:"debug, info, warn or error"`
		Format string `toml:"format" comment:"json or console"`
	} `toml:"log"`
}

// Defaults returns the built-in configuration for a project rooted at root.
func Defaults(root string) *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults always decode.
	_ = v.Unmarshal(cfg)
	cfg.ProjectRoot = root
	cfg.StateDir = filepath.Join(root, protocol.StrataDir)
	return cfg
}

// DefaultTOML renders the default configuration as a commented TOML
// document.
func DefaultTOML() ([]byte, error) {
	d := Defaults("")
	var doc defaultsDoc
	doc.Signal.PollInterval = d.Signal.PollInterval.String()
	doc.Signal.Timeout = d.Signal.Timeout.String()
	doc.Signal.Retention = d.Signal.Retention.String()
	doc.Identity.StaleTimeout = d.Identity.StaleTimeout.String()
	doc.Identity.HeartbeatInterval = d.Identity.HeartbeatInterval.String()
	doc.Gate.MaxIterations = d.Gate.MaxIterations
	doc.Gate.TrackedDir = d.Gate.TrackedDir
	doc.Gate.VCSTimeout = d.Gate.VCSTimeout.String()
	doc.Gate.EscalationThreshold = d.Gate.EscalationThreshold
	doc.Gate.EscalationCooldown = d.Gate.EscalationCooldown.String()
	doc.Gate.BlockerWindow = d.Gate.BlockerWindow.String()
	doc.Gate.ErrorBurst = d.Gate.ErrorBurst
	doc.Gate.FailureBurst = d.Gate.FailureBurst
	doc.Gate.StrictOutcome = d.Gate.StrictOutcome
	doc.Gate.SupervisorRole = d.Gate.SupervisorRole
	doc.Tmux.SessionPrefix = d.Tmux.SessionPrefix
	doc.Tmux.ReadyTimeout = d.Tmux.ReadyTimeout.String()
	doc.Tmux.LaunchCommand = d.Tmux.LaunchCommand
	doc.Log.Level = d.Log.Level
	doc.Log.Format = d.Log.Format

	var buf bytes.Buffer
	buf.WriteString("# strata project configuration. STRATA_<SECTION>_<KEY> environment variables override these values.\n\n")
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteDefault writes the default configuration to path atomically.
func WriteDefault(path string) error {
	data, err := DefaultTOML()
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomic(path, data, 0o644)
}
