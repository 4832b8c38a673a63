// Package config loads strata configuration. A Config is built once at
// process start and passed into every component; nothing below the CLI
// reads the environment directly.
//
// Precedence, highest first:
//  1. STRATA_* environment variables (a project .env is loaded first and
//     never overrides variables already set)
//  2. project config (<root>/.strata/config.toml)
//  3. user config ($XDG_CONFIG_HOME/strata/config.toml)
//  4. built-in defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"strata/pkg/gate"
	"strata/pkg/protocol"
)

// Config holds all strata settings.
type Config struct {
	ProjectRoot string `mapstructure:"project_root"`
	StateDir    string `mapstructure:"state_dir"`
	SessionID   string `mapstructure:"session_id"`
	Role        string `mapstructure:"role"`
	Name        string `mapstructure:"name"`

	Signal   SignalConfig   `mapstructure:"signal"`
	Identity IdentityConfig `mapstructure:"identity"`
	Gate     GateConfig     `mapstructure:"gate"`
	Tmux     TmuxConfig     `mapstructure:"tmux"`
	Log      LogConfig      `mapstructure:"log"`
}

// SignalConfig holds signal channel timings.
type SignalConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Retention    time.Duration `mapstructure:"retention"`
}

// IdentityConfig holds liveness timings.
type IdentityConfig struct {
	StaleTimeout      time.Duration `mapstructure:"stale_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// GateConfig holds stop gate thresholds and toggles.
type GateConfig struct {
	MaxIterations       int           `mapstructure:"max_iterations"`
	TrackedDir          string        `mapstructure:"tracked_dir"`
	VCSTimeout          time.Duration `mapstructure:"vcs_timeout"`
	EscalationThreshold int           `mapstructure:"escalation_threshold"`
	EscalationCooldown  time.Duration `mapstructure:"escalation_cooldown"`
	BlockerWindow       time.Duration `mapstructure:"blocker_window"`
	ErrorBurst          int           `mapstructure:"error_burst"`
	FailureBurst        int           `mapstructure:"failure_burst"`
	StrictOutcome       bool          `mapstructure:"strict_outcome"`
	SupervisorRole      string        `mapstructure:"supervisor_role"`
	NotifySession       string        `mapstructure:"notify_session"`
	NotifyPane          string        `mapstructure:"notify_pane"`
}

// TmuxConfig holds agent session settings.
type TmuxConfig struct {
	SessionPrefix string        `mapstructure:"session_prefix"`
	ReadyTimeout  time.Duration `mapstructure:"ready_timeout"`
	LaunchCommand string        `mapstructure:"launch_command"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("project_root", "")
	v.SetDefault("state_dir", "")
	v.SetDefault("session_id", "")
	v.SetDefault("role", "")
	v.SetDefault("name", "")

	v.SetDefault("signal.poll_interval", 500*time.Millisecond)
	v.SetDefault("signal.timeout", 30*time.Second)
	v.SetDefault("signal.retention", 24*time.Hour)

	v.SetDefault("identity.stale_timeout", 120*time.Second)
	v.SetDefault("identity.heartbeat_interval", 15*time.Second)

	v.SetDefault("gate.max_iterations", 10)
	v.SetDefault("gate.tracked_dir", protocol.StrataDir)
	v.SetDefault("gate.vcs_timeout", 10*time.Second)
	v.SetDefault("gate.escalation_threshold", 2)
	v.SetDefault("gate.escalation_cooldown", 5*time.Minute)
	v.SetDefault("gate.blocker_window", 10*time.Minute)
	v.SetDefault("gate.error_burst", 5)
	v.SetDefault("gate.failure_burst", 2)
	v.SetDefault("gate.strict_outcome", false)
	v.SetDefault("gate.supervisor_role", protocol.RoleSupervisor)
	v.SetDefault("gate.notify_session", "")
	v.SetDefault("gate.notify_pane", "")

	v.SetDefault("tmux.session_prefix", "strata")
	v.SetDefault("tmux.ready_timeout", 60*time.Second)
	v.SetDefault("tmux.launch_command", "claude")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// UserConfigPath returns $XDG_CONFIG_HOME/strata/config.toml, falling back
// to ~/.config.
func UserConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "strata", protocol.ConfigFile)
}

// ProjectConfigPath returns the project-level config path under root.
func ProjectConfigPath(root string) string {
	return filepath.Join(root, protocol.StrataDir, protocol.ConfigFile)
}

// Load builds the configuration for the project rooted at root. An empty
// root means the current directory.
func Load(root string) (*Config, error) {
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve project root: %w", err)
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("toml")

	if p := UserConfigPath(); p != "" {
		if err := mergeFile(v, p); err != nil {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}
	if err := mergeFile(v, ProjectConfigPath(root)); err != nil {
		return nil, fmt.Errorf("reading project config: %w", err)
	}

	v.SetEnvPrefix("STRATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("session_id", "STRATA_SESSION_ID", "CLAUDE_SESSION_ID")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.ProjectRoot == "" {
		cfg.ProjectRoot = root
	}
	switch {
	case cfg.StateDir == "":
		cfg.StateDir = filepath.Join(cfg.ProjectRoot, protocol.StrataDir)
	case !filepath.IsAbs(cfg.StateDir):
		cfg.StateDir = filepath.Join(cfg.ProjectRoot, cfg.StateDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFile merges the TOML file at path into v if it exists.
func mergeFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	v.SetConfigFile(path)
	return v.MergeInConfig()
}

// Validate checks that timings are positive and thresholds are at least one.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	atLeastOne := func(name string, n int) {
		if n < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", name, n))
		}
	}

	positive("signal.poll_interval", c.Signal.PollInterval)
	positive("signal.timeout", c.Signal.Timeout)
	positive("signal.retention", c.Signal.Retention)
	positive("identity.stale_timeout", c.Identity.StaleTimeout)
	positive("identity.heartbeat_interval", c.Identity.HeartbeatInterval)
	positive("gate.vcs_timeout", c.Gate.VCSTimeout)
	positive("gate.escalation_cooldown", c.Gate.EscalationCooldown)
	positive("gate.blocker_window", c.Gate.BlockerWindow)
	positive("tmux.ready_timeout", c.Tmux.ReadyTimeout)

	atLeastOne("gate.max_iterations", c.Gate.MaxIterations)
	atLeastOne("gate.escalation_threshold", c.Gate.EscalationThreshold)
	atLeastOne("gate.error_burst", c.Gate.ErrorBurst)
	atLeastOne("gate.failure_burst", c.Gate.FailureBurst)

	if c.Identity.HeartbeatInterval >= c.Identity.StaleTimeout && c.Identity.StaleTimeout > 0 {
		errs = append(errs, fmt.Errorf("identity.heartbeat_interval (%s) must be shorter than identity.stale_timeout (%s)",
			c.Identity.HeartbeatInterval, c.Identity.StaleTimeout))
	}
	if c.Gate.TrackedDir == "" {
		errs = append(errs, errors.New("gate.tracked_dir must not be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// GateConfig converts the gate section into the gate package's config.
func (c *Config) GateConfig() gate.Config {
	return gate.Config{
		StateDir:            c.StateDir,
		ProjectRoot:         c.ProjectRoot,
		MaxIterations:       c.Gate.MaxIterations,
		TrackedDir:          c.Gate.TrackedDir,
		VCSTimeout:          c.Gate.VCSTimeout,
		EscalationThreshold: c.Gate.EscalationThreshold,
		EscalationCooldown:  c.Gate.EscalationCooldown,
		BlockerWindow:       c.Gate.BlockerWindow,
		ErrorBurst:          c.Gate.ErrorBurst,
		FailureBurst:        c.Gate.FailureBurst,
		StrictOutcome:       c.Gate.StrictOutcome,
		SupervisorRole:      c.Gate.SupervisorRole,
	}
}

// SessionName returns the tmux session name for role/name.
func (c *Config) SessionName(role, name string) string {
	return c.Tmux.SessionPrefix + "-" + role + "-" + name
}
