package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"strata/pkg/supervisor"
)

// newSuperviseCmd creates the "strata supervise" subcommand.
func newSuperviseCmd(a *app) *cobra.Command {
	var (
		once      bool
		interval  time.Duration
		noRespawn bool
	)
	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Mark stale agents crashed and relaunch them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval == 0 {
				interval = a.cfg.Identity.HeartbeatInterval
			}
			j, err := a.openJournal()
			if err != nil {
				return err
			}
			defer j.Close()
			reg, err := a.registry(j)
			if err != nil {
				return err
			}
			ch, err := a.channel(j, false)
			if err != nil {
				return err
			}

			opts := []supervisor.Option{supervisor.WithLogger(a.logger), supervisor.WithJournal(j)}
			if !noRespawn {
				hooks, err := a.hooks()
				if err != nil {
					return err
				}
				plan := supervisor.SessionPlan(a.cfg.Tmux.SessionPrefix+"-", a.cfg.Tmux.LaunchCommand)
				opts = append(opts, supervisor.WithRespawn(a.orchestrator(j, reg, hooks, ch), plan))
			}
			sup := supervisor.New(reg, ch, a.cfg.Identity.StaleTimeout, opts...)

			if once {
				report, err := sup.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				printReport(cmd, report)
				return nil
			}
			a.logger.Info("supervisor started",
				zap.Duration("interval", interval), zap.Duration("stale_timeout", a.cfg.Identity.StaleTimeout))
			return sup.Run(cmd.Context(), interval)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "sweep interval (default: identity.heartbeat_interval)")
	cmd.Flags().BoolVar(&noRespawn, "no-respawn", false, "only mark and announce crashes")
	return cmd
}

func printReport(cmd *cobra.Command, r supervisor.Report) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "crashed: %d  respawned: %d  failed: %d\n", len(r.Crashed), len(r.Respawned), len(r.Failed))
	for _, addr := range r.Crashed {
		fmt.Fprintf(w, "  crashed   %s\n", addr)
	}
	for _, addr := range r.Respawned {
		fmt.Fprintf(w, "  respawned %s\n", addr)
	}
	failed := make([]string, 0, len(r.Failed))
	for addr := range r.Failed {
		failed = append(failed, addr)
	}
	sort.Strings(failed)
	for _, addr := range failed {
		fmt.Fprintf(w, "  failed    %s: %v\n", addr, r.Failed[addr])
	}
}
