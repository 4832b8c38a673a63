package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"strata/pkg/hook"
	"strata/pkg/identity"
	"strata/pkg/journal"
	"strata/pkg/respawn"
	"strata/pkg/signal"
	"strata/pkg/tmux"
)

// newRespawnCmd creates the "strata respawn" subcommand.
func newRespawnCmd(a *app) *cobra.Command {
	var req respawn.Request
	cmd := &cobra.Command{
		Use:   "respawn <role> <name>",
		Short: "Relaunch an agent in its tmux session with its saved context",
		Long: `Relaunch an agent. If the session is alive nothing happens. Otherwise a
fresh identity is created, the session is started in the target directory,
the agent is briefed, and its hook record (if any) is replayed as a
resumption block.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Role, req.Name = args[0], args[1]
			if req.SessionName == "" {
				req.SessionName = a.cfg.SessionName(req.Role, req.Name)
			}
			if req.LaunchCommand == "" {
				req.LaunchCommand = a.cfg.Tmux.LaunchCommand
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
			if req.TargetDir == "" {
				if prev, rerr := reg.Read(req.Role, req.Name); rerr == nil && prev != nil {
					req.TargetDir = prev.Worktree
				}
			}
			hooks, err := a.hooks()
			if err != nil {
				return err
			}
			ch, err := a.channel(j, false)
			if err != nil {
				return err
			}

			res, err := a.orchestrator(j, reg, hooks, ch).Respawn(cmd.Context(), req)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s/%s %s\n", req.Role, req.Name, res.Status)
			if res.Identity != nil {
				fmt.Fprintf(w, "agent id: %s\n", res.Identity.AgentID)
			}
			if res.Hook != nil {
				fmt.Fprintf(w, "phase:    %s\n", res.Hook.Phase)
			}
			if len(res.Instructions) > 0 {
				fmt.Fprintf(w, "sent %d instruction(s)\n", len(res.Instructions))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.SessionName, "session", "", "tmux session name (default: <prefix>-<role>-<name>)")
	cmd.Flags().StringVar(&req.TargetDir, "dir", "", "working directory (default: the agent's recorded worktree)")
	cmd.Flags().StringVar(&req.NodeID, "node", "", "node the agent is working on")
	cmd.Flags().StringVar(&req.SessionID, "session-id", "", "session id recorded on the new identity")
	cmd.Flags().StringVar(&req.LaunchCommand, "launch", "", "command typed into the session (default: tmux.launch_command)")
	cmd.Flags().StringVar(&req.StyleInstruction, "style", "", "briefing sent after launch (default: a generated briefing)")
	cmd.Flags().StringToStringVar(&req.Env, "env", nil, "extra environment for the session (KEY=VALUE)")
	return cmd
}

func (a *app) orchestrator(j journal.Recorder, reg *identity.Registry, hooks *hook.Store, ch *signal.Channel) *respawn.Orchestrator {
	return respawn.New(reg, hooks, ch,
		respawn.WithLogger(a.logger),
		respawn.WithJournal(j),
		respawn.WithSessions(func(name string) respawn.Session {
			s := tmux.NewSession(name)
			s.ReadyTimeout = a.cfg.Tmux.ReadyTimeout
			return s
		}),
	)
}
