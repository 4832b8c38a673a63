package main

import (
	"os"

	"github.com/spf13/cobra"

	"strata/pkg/gate"
	"strata/pkg/journal"
)

// exitBlocked is the exit status of "strata gate" when the stop is blocked.
const exitBlocked = 2

// newGateCmd creates the "strata gate" subcommand.
func newGateCmd(a *app) *cobra.Command {
	var (
		session   string
		role      string
		iteration int
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Evaluate whether the current agent may stop",
		Long: `Run the stop gate checks in priority order and print the decision.

Exits 0 when the stop is allowed and 2 when it is blocked. With --json the
output is the stop-hook response document.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if session == "" {
				session = a.cfg.SessionID
			}
			if role == "" {
				role = a.cfg.Role
			}
			j, err := a.openJournal()
			if err != nil {
				return err
			}
			defer j.Close()

			g, err := a.gate(j)
			if err != nil {
				return err
			}
			in := gate.Input{SessionID: session, Role: role, ProjectRoot: a.cfg.ProjectRoot}
			if cmd.Flags().Changed("iteration") {
				in.Iteration = &iteration
			}
			d := g.Evaluate(cmd.Context(), in)

			out := cmd.OutOrStdout()
			if asJSON {
				if _, err := out.Write(append(gate.HookResponse(d), '\n')); err != nil {
					return err
				}
			} else {
				styled := false
				if f, ok := out.(*os.File); ok {
					styled = gate.IsTerminal(f)
				}
				if err := gate.Render(out, d, styled); err != nil {
					return err
				}
			}
			if !d.Allow {
				return &exitError{code: exitBlocked}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id (default: STRATA_SESSION_ID / CLAUDE_SESSION_ID)")
	cmd.Flags().StringVar(&role, "role", "", "caller role (default: STRATA_ROLE)")
	cmd.Flags().IntVar(&iteration, "iteration", 0, "override the stored iteration counter")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the stop-hook JSON response")
	return cmd
}

// gate wires a Gate to the journal, registry and signal channel.
func (a *app) gate(j *journal.Journal) (*gate.Gate, error) {
	reg, err := a.registry(j)
	if err != nil {
		return nil, err
	}
	ch, err := a.channel(j, false)
	if err != nil {
		return nil, err
	}
	opts := []gate.Option{
		gate.WithLogger(a.logger),
		gate.WithEvents(j),
		gate.WithIdentities(reg),
		gate.WithSignals(ch),
	}
	if a.cfg.Gate.NotifySession != "" {
		opts = append(opts, gate.WithNotifier(gate.NewTmuxNotifier(a.cfg.Gate.NotifySession, a.cfg.Gate.NotifyPane)))
	}
	return gate.New(a.cfg.GateConfig(), opts...), nil
}
