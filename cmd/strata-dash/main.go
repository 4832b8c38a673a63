// Package main implements strata-dash, a live terminal view of a strata
// state directory.
package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"strata/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		root     string
		snapshot bool
	)
	cmd := &cobra.Command{
		Use:           "strata-dash",
		Short:         "Live view of agents, phases, signals and the work queue",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}
			src, err := newSource(cfg.StateDir)
			if err != nil {
				return err
			}

			if snapshot {
				snap, err := src.collect()
				if err != nil {
					return err
				}
				data, err := robotMode(snap)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}

			watcher := newWatcher(cfg.StateDir)
			if watcher != nil {
				defer watcher.Close()
			}
			p := tea.NewProgram(newModel(src, watcher), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "project root (default: current directory)")
	cmd.Flags().BoolVar(&snapshot, "json", false, "print one JSON snapshot and exit")
	return cmd
}
