package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"strata/internal/config"
	"strata/internal/logging"
	"strata/internal/version"
	"strata/pkg/hook"
	"strata/pkg/identity"
	"strata/pkg/journal"
	"strata/pkg/protocol"
	"strata/pkg/signal"
)

// app is the per-invocation state shared by subcommands. It is filled in by
// the root command's PersistentPreRunE.
type app struct {
	root     string
	logLevel string

	cfg    *config.Config
	logger *zap.Logger
}

// newRootCmd creates the root strata command with all subcommands attached.
func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "strata",
		Short:         "Filesystem coordination for multi-agent pipelines",
		Long:          "strata coordinates agents through a shared state directory: signals,\nidentities, phase records, a work queue and a stop gate.",
		Version:       fmt.Sprintf("strata %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.PersistentFlags().StringVar(&a.root, "root", "", "project root (default: current directory)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	cmd.AddCommand(
		newInitCmd(a),
		newSignalCmd(a),
		newAgentCmd(a),
		newHookCmd(a),
		newQueueCmd(a),
		newGateCmd(a),
		newRespawnCmd(a),
		newSuperviseCmd(a),
		newJournalCmd(a),
	)
	return cmd
}

func (a *app) setup() error {
	cfg, err := config.Load(a.root)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// openJournal opens the state directory's journal, creating it if needed.
func (a *app) openJournal() (*journal.Journal, error) {
	if err := os.MkdirAll(a.cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	j, err := journal.Open(filepath.Join(a.cfg.StateDir, protocol.JournalFile))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return j, nil
}

func (a *app) channel(j journal.Recorder, watch bool) (*signal.Channel, error) {
	return signal.New(a.cfg.StateDir,
		signal.WithLogger(a.logger),
		signal.WithJournal(j),
		signal.WithSupervisor(a.cfg.Gate.SupervisorRole),
		signal.WithWatch(watch),
	)
}

func (a *app) registry(j journal.Recorder) (*identity.Registry, error) {
	return identity.New(a.cfg.StateDir, identity.WithLogger(a.logger), identity.WithJournal(j))
}

func (a *app) hooks() (*hook.Store, error) {
	return hook.New(a.cfg.StateDir, hook.WithLogger(a.logger))
}

// roleName resolves role and name from args, falling back to the configured
// STRATA_ROLE / STRATA_NAME.
func (a *app) roleName(args []string) (string, string, error) {
	role, name := a.cfg.Role, a.cfg.Name
	if len(args) >= 1 {
		role = args[0]
	}
	if len(args) >= 2 {
		name = args[1]
	}
	if role == "" || name == "" {
		return "", "", fmt.Errorf("role and name are required (args or STRATA_ROLE / STRATA_NAME)")
	}
	return role, name, nil
}
