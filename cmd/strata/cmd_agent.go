package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"strata/pkg/identity"
	"strata/pkg/protocol"
	"strata/pkg/tmux"
)

// newAgentCmd creates the "strata agent" command group.
func newAgentCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agent identities and liveness",
	}
	cmd.AddCommand(
		newAgentRegisterCmd(a),
		newAgentHeartbeatCmd(a),
		newAgentCrashCmd(a),
		newAgentTerminateCmd(a),
		newAgentListCmd(a),
		newAgentStaleCmd(a),
		newAgentSessionsCmd(a),
	)
	return cmd
}

func newAgentRegisterCmd(a *app) *cobra.Command {
	var (
		worktree string
		announce bool
	)
	cmd := &cobra.Command{
		Use:   "register [role] [name]",
		Short: "Create a fresh identity for an agent",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, name, err := a.roleName(args)
			if err != nil {
				return err
			}
			if worktree == "" {
				if wd, werr := os.Getwd(); werr == nil {
					worktree = wd
				}
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
			id, err := reg.Create(cmd.Context(), role, name, a.cfg.SessionID, worktree)
			if err != nil {
				return err
			}
			if announce {
				ch, err := a.channel(j, false)
				if err != nil {
					return err
				}
				if _, err := ch.Registered(cmd.Context(), role, name, map[string]any{
					"agent_id":   id.AgentID,
					"session_id": id.SessionID,
					"worktree":   id.Worktree,
				}); err != nil {
					return fmt.Errorf("announce registration: %w", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.AgentID)
			return nil
		},
	}
	cmd.Flags().StringVar(&worktree, "worktree", "", "agent worktree (default: current directory)")
	cmd.Flags().BoolVar(&announce, "announce", true, "send AGENT_REGISTERED to the supervisor")
	return cmd
}

func newAgentHeartbeatCmd(a *app) *cobra.Command {
	var (
		follow   bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "heartbeat [role] [name]",
		Short: "Refresh an agent's liveness timestamp",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, name, err := a.roleName(args)
			if err != nil {
				return err
			}
			reg, err := a.registry(nil)
			if err != nil {
				return err
			}
			id, err := reg.TouchLiveness(cmd.Context(), role, name)
			if err != nil {
				return err
			}
			if id.Status == protocol.AgentCrashed {
				return fmt.Errorf("heartbeat %s: %w", id.Address(), protocol.ErrAgentCrashed)
			}
			if !follow {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", id.Address(), id.Status, id.LastHeartbeat.Format(time.RFC3339Nano))
				return nil
			}
			if interval == 0 {
				interval = a.cfg.Identity.HeartbeatInterval
			}
			a.logger.Info("heartbeat loop started")
			return reg.Heartbeat(cmd.Context(), role, name, interval)
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "keep touching until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 0, "touch interval with --follow (default: identity.heartbeat_interval)")
	return cmd
}

func newAgentCrashCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "crash <role> <name>",
		Short: "Mark an agent crashed and announce it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.openJournal()
			if err != nil {
				return err
			}
			defer j.Close()
			reg, err := a.registry(j)
			if err != nil {
				return err
			}
			id, err := reg.MarkCrashed(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			ch, err := a.channel(j, false)
			if err != nil {
				return err
			}
			if _, err := ch.Crashed(cmd.Context(), args[0], args[1], reason); err != nil {
				return fmt.Errorf("announce crash: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id.Address(), id.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "marked crashed by operator", "reason sent with AGENT_CRASHED")
	return cmd
}

func newAgentTerminateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate [role] [name]",
		Short: "Announce that an agent is shutting down",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, name, err := a.roleName(args)
			if err != nil {
				return err
			}
			j, err := a.openJournal()
			if err != nil {
				return err
			}
			defer j.Close()
			ch, err := a.channel(j, false)
			if err != nil {
				return err
			}
			loc, err := ch.Terminated(cmd.Context(), role, name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), loc)
			return nil
		},
	}
}

func newAgentSessionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List running tmux sessions that belong to strata agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names, err := tmux.ListSessions(&tmux.ExecRunner{}, a.cfg.Tmux.SessionPrefix+"-")
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
				return nil
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

func newAgentListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all readable identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.registry(nil)
			if err != nil {
				return err
			}
			ids, err := reg.ListAll()
			if err != nil {
				return err
			}
			return printIdentities(cmd, ids)
		},
	}
}

func newAgentStaleCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List active agents whose heartbeat is older than the timeout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if timeout == 0 {
				timeout = a.cfg.Identity.StaleTimeout
			}
			reg, err := a.registry(nil)
			if err != nil {
				return err
			}
			ids, err := reg.FindStale(timeout)
			if err != nil {
				return err
			}
			return printIdentities(cmd, ids)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "staleness threshold (default: identity.stale_timeout)")
	return cmd
}

func printIdentities(cmd *cobra.Command, ids []*identity.Identity) error {
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no agents")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tSTATUS\tLAST HEARTBEAT\tSESSION\tWORKTREE")
	for _, id := range ids {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			id.Address(), id.Status, id.LastHeartbeat.Format(time.RFC3339), id.SessionID, id.Worktree)
	}
	return tw.Flush()
}
