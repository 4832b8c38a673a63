package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"strata/internal/config"
	"strata/pkg/protocol"
)

// newInitCmd creates the "strata init" subcommand.
func newInitCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the state directory and a default config.toml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, sub := range []string{
				filepath.Join(protocol.SignalsDir, protocol.ProcessedDir),
				protocol.AgentsDir,
				protocol.HooksDir,
				protocol.GateDir,
				protocol.PromisesDir,
			} {
				if err := os.MkdirAll(filepath.Join(a.cfg.StateDir, sub), 0o755); err != nil {
					return fmt.Errorf("create %s: %w", sub, err)
				}
			}

			path := config.ProjectConfigPath(a.cfg.ProjectRoot)
			_, statErr := os.Stat(path)
			switch {
			case statErr == nil && !force:
				fmt.Fprintf(cmd.OutOrStdout(), "kept existing %s\n", path)
			default:
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return fmt.Errorf("create config dir: %w", err)
				}
				if err := config.WriteDefault(path); err != nil {
					return fmt.Errorf("write config: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			}

			j, err := a.openJournal()
			if err != nil {
				return err
			}
			defer j.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", a.cfg.StateDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config.toml")
	return cmd
}
