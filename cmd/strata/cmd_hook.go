package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"strata/pkg/hook"
	"strata/pkg/protocol"
)

// newHookCmd creates the "strata hook" command group for phase and
// resumption records.
func newHookCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Track an agent's phase and resumption notes",
	}
	cmd.AddCommand(
		newHookInitCmd(a),
		newHookPhaseCmd(a),
		newHookNoteCmd(a),
		newHookShowCmd(a),
		newHookWisdomCmd(a),
	)
	return cmd
}

func newHookInitCmd(a *app) *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "init [role] [name]",
		Short: "Create or reset a hook record",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, name, err := a.roleName(args)
			if err != nil {
				return err
			}
			store, err := a.hooks()
			if err != nil {
				return err
			}
			rec, err := store.Create(cmd.Context(), role, name, protocol.Phase(phase))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %s\n", rec.Role, rec.Name, rec.Phase)
			return nil
		},
	}
	cmd.Flags().StringVar(&phase, "phase", string(protocol.PhasePlanning), "initial phase")
	return cmd
}

func newHookPhaseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "phase <phase> [role] [name]",
		Short: "Advance an agent's phase",
		Long:  "Advance an agent's phase. Moving backwards between known phases\n(planning, executing, impl_complete, validating, merged) is rejected.",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, name, err := a.roleName(args[1:])
			if err != nil {
				return err
			}
			store, err := a.hooks()
			if err != nil {
				return err
			}
			rec, err := store.UpdatePhase(cmd.Context(), role, name, protocol.Phase(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %s\n", rec.Role, rec.Name, rec.Phase)
			return nil
		},
	}
}

func newHookNoteCmd(a *app) *cobra.Command {
	var node string
	cmd := &cobra.Command{
		Use:   "note <text> [role] [name]",
		Short: "Record resumption instructions for the next session",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, name, err := a.roleName(args[1:])
			if err != nil {
				return err
			}
			store, err := a.hooks()
			if err != nil {
				return err
			}
			rec, err := store.UpdateResumption(cmd.Context(), role, name, args[0], node)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s noted (checkpoint %q)\n", rec.Role, rec.Name, rec.LastCommittedNode)
			return nil
		},
	}
	cmd.Flags().StringVar(&node, "node", "", "last committed node id (kept when empty)")
	return cmd
}

func newHookShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show [role] [name]",
		Short: "Print a hook record",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := a.readHook(args)
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("no hook record: %w", protocol.ErrNotFound)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "agent:      %s/%s\n", rec.Role, rec.Name)
			fmt.Fprintf(w, "phase:      %s\n", rec.Phase)
			fmt.Fprintf(w, "checkpoint: %s\n", rec.LastCommittedNode)
			fmt.Fprintf(w, "updated:    %s\n", rec.UpdatedAt.Format(time.RFC3339))
			if rec.ResumptionInstructions != "" {
				fmt.Fprintf(w, "notes:\n%s\n", rec.ResumptionInstructions)
			}
			return nil
		},
	}
}

func newHookWisdomCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "wisdom [role] [name]",
		Short: "Print the resumption block handed to a respawned agent",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := a.readHook(args)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hook.BuildWisdomBlock(rec))
			return nil
		},
	}
}

func (a *app) readHook(args []string) (*hook.Record, error) {
	role, name, err := a.roleName(args)
	if err != nil {
		return nil, err
	}
	store, err := a.hooks()
	if err != nil {
		return nil, err
	}
	return store.Read(role, name)
}
