package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"strata/pkg/journal"
)

// newJournalCmd creates the "strata journal" subcommand.
func newJournalCmd(a *app) *cobra.Command {
	var (
		opts  journal.QueryOpts
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Query coordination events",
		Example: `  strata journal --type gate_decision --limit 5
  strata journal --level error --since 10m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if since > 0 {
				after := time.Now().Add(-since)
				opts.After = &after
			}
			j, err := a.openJournal()
			if err != nil {
				return err
			}
			defer j.Close()
			events, err := j.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no events")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tLEVEL\tTYPE\tSOURCE\tSUBJECT\tPAYLOAD")
			for _, e := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Local().Format(time.DateTime), e.Level, e.Type, e.Source, e.Subject, e.Payload)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&opts.Type, "type", "", "filter by event type")
	cmd.Flags().StringVar(&opts.Source, "source", "", "filter by source")
	cmd.Flags().StringVar(&opts.Level, "level", "", "filter by level (info, warn, error)")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum events (0 = all)")
	return cmd
}
