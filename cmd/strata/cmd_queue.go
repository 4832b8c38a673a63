package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"strata/pkg/journal"
	"strata/pkg/merge"
	"strata/pkg/queue"
)

// newQueueCmd creates the "strata queue" command group.
func newQueueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Enqueue and integrate finished work",
	}
	cmd.AddCommand(
		newQueueAddCmd(a),
		newQueueNextCmd(a),
		newQueueListCmd(a),
		newQueueRetryCmd(a),
		newQueueCompactCmd(a),
	)
	return cmd
}

func (a *app) queue(j journal.Recorder, dryRun bool) (*queue.Queue, error) {
	var integrator queue.Integrator
	if !dryRun {
		integrator = queue.MergeIntegrator{Coordinator: merge.NewCoordinator(&merge.ExecGitRunner{})}
	}
	return queue.New(a.cfg.StateDir, integrator, queue.WithLogger(a.logger), queue.WithJournal(j))
}

func newQueueAddCmd(a *app) *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "add <node-id> <branch>",
		Short: "Enqueue a branch for integration (idempotent per node)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if repo == "" {
				repo = a.cfg.ProjectRoot
			}
			j, err := a.openJournal()
			if err != nil {
				return err
			}
			defer j.Close()
			q, err := a.queue(j, true)
			if err != nil {
				return err
			}
			e, err := q.Enqueue(cmd.Context(), args[0], args[1], repo)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", e.EntryID, e.NodeID, e.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "repository to merge into (default: project root)")
	return cmd
}

func newQueueNextCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Integrate the oldest pending entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, err := a.openJournal()
			if err != nil {
				return err
			}
			defer j.Close()
			q, err := a.queue(j, dryRun)
			if err != nil {
				return err
			}
			// An interrupt cancels cmd.Context(); the coordinator then aborts the merge in flight.
			res := q.ProcessNext(cmd.Context())
			w := cmd.OutOrStdout()
			switch {
			case res.Entry == nil && res.Err == nil:
				fmt.Fprintln(w, "queue empty")
				return nil
			case res.Err != nil && res.Entry == nil:
				return res.Err
			case !res.Success:
				return fmt.Errorf("integrate %s: %w", res.Entry.NodeID, res.Err)
			}
			fmt.Fprintf(w, "%s %s %s\n", res.Entry.NodeID, res.Entry.Status, res.Entry.CommitSHA)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "mark the entry done without merging")
	return cmd
}

func newQueueListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show queue entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := a.queue(nil, true)
			if err != nil {
				return err
			}
			entries, err := q.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "queue empty")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NODE\tBRANCH\tSTATUS\tATTEMPTS\tENQUEUED\tDETAIL")
			for _, e := range entries {
				detail := e.CommitSHA
				if e.LastError != "" {
					detail = e.LastError
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.NodeID, e.Branch, e.Status, e.Attempts, e.EnqueuedAt.Format(time.RFC3339), detail)
			}
			return tw.Flush()
		},
	}
}

func newQueueRetryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <node-id>",
		Short: "Return a failed entry to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.openJournal()
			if err != nil {
				return err
			}
			defer j.Close()
			q, err := a.queue(j, true)
			if err != nil {
				return err
			}
			e, err := q.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", e.NodeID, e.Status)
			return nil
		},
	}
}

func newQueueCompactCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Drop done entries older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := a.queue(nil, true)
			if err != nil {
				return err
			}
			n, err := q.Compact(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entr(ies)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "age of done entries to drop")
	return cmd
}
