package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"strata/pkg/protocol"
	"strata/pkg/signal"
)

// exitTimeout is the exit status of "strata signal recv" when nothing
// arrives before the timeout.
const exitTimeout = 3

// newSignalCmd creates the "strata signal" command group.
func newSignalCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Send, receive and inspect signals",
	}
	cmd.AddCommand(
		newSignalSendCmd(a),
		newSignalRecvCmd(a),
		newSignalRequestCmd(a),
		newSignalReplyCmd(a),
		newSignalPeekCmd(a),
		newSignalArchiveCmd(a),
		newSignalPurgeCmd(a),
	)
	return cmd
}

func newSignalSendCmd(a *app) *cobra.Command {
	var (
		from    string
		payload string
	)
	cmd := &cobra.Command{
		Use:   "send <target> <type>",
		Short: "Send a signal to an agent address",
		Example: `  strata signal send guardian NEEDS_REVIEW --from runner/auth --payload '{"node_id":"n1"}'
  strata signal send runner/auth APPROVED --from guardian`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := parsePayload(payload)
			if err != nil {
				return err
			}
			if from == "" {
				from = protocol.AgentAddress(a.cfg.Role, a.cfg.Name)
			}
			if from == "" {
				return errors.New("--from is required when STRATA_ROLE is unset")
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
			loc, err := ch.Send(cmd.Context(), from, args[0], protocol.SignalType(args[1]), body)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), loc)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source address (default: STRATA_ROLE/STRATA_NAME)")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON object payload")
	return cmd
}

func newSignalRecvCmd(a *app) *cobra.Command {
	var (
		timeout time.Duration
		types   []string
	)
	cmd := &cobra.Command{
		Use:   "recv [target]",
		Short: "Wait for and claim the oldest signal for a target",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := protocol.AgentAddress(a.cfg.Role, a.cfg.Name)
			if len(args) == 1 {
				target = args[0]
			}
			if target == "" {
				return errors.New("target is required when STRATA_ROLE is unset")
			}
			if timeout == 0 {
				timeout = a.cfg.Signal.Timeout
			}

			j, err := a.openJournal()
			if err != nil {
				return err
			}
			defer j.Close()
			ch, err := a.channel(j, true)
			if err != nil {
				return err
			}

			var sig *signal.Signal
			if len(types) > 0 {
				want := make([]protocol.SignalType, len(types))
				for i, t := range types {
					want[i] = protocol.SignalType(t)
				}
				sig, err = ch.ReceiveTypes(cmd.Context(), target, timeout, a.cfg.Signal.PollInterval, want...)
			} else {
				sig, err = ch.Receive(cmd.Context(), target, timeout, a.cfg.Signal.PollInterval)
			}
			if errors.Is(err, protocol.ErrTimeout) {
				return &exitError{code: exitTimeout, err: err}
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), sig)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait (default: signal.timeout)")
	cmd.Flags().StringSliceVar(&types, "type", nil, "only claim signals of these types")
	return cmd
}

func newSignalRequestCmd(a *app) *cobra.Command {
	var (
		payload string
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request <type>",
		Short: "Send a signal from this agent to the supervisor",
		Example: `  STRATA_ROLE=runner STRATA_NAME=auth strata signal request INPUT_NEEDED --payload '{"question":"which schema?"}' --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			self := protocol.AgentAddress(a.cfg.Role, a.cfg.Name)
			if self == "" {
				return errors.New("STRATA_ROLE is required to send a request")
			}
			body, err := parsePayload(payload)
			if err != nil {
				return err
			}
			j, err := a.openJournal()
			if err != nil {
				return err
			}
			defer j.Close()
			ch, err := a.channel(j, wait)
			if err != nil {
				return err
			}
			loc, err := ch.Request(cmd.Context(), self, protocol.SignalType(args[0]), body)
			if err != nil {
				return err
			}
			if !wait {
				fmt.Fprintln(cmd.OutOrStdout(), loc)
				return nil
			}
			if timeout == 0 {
				timeout = a.cfg.Signal.Timeout
			}
			reply, err := ch.WaitForReply(cmd.Context(), self, timeout, a.cfg.Signal.PollInterval)
			if errors.Is(err, protocol.ErrTimeout) {
				return &exitError{code: exitTimeout, err: err}
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), reply)
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "JSON object payload")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the supervisor replies")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait with --wait (default: signal.timeout)")
	return cmd
}

func newSignalReplyCmd(a *app) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:     "reply <target> <type>",
		Short:   "Answer an agent as the supervisor",
		Example: `  strata signal reply runner/auth INPUT_ANSWERED --payload '{"answer":"v2"}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := parsePayload(payload)
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
			loc, err := ch.Reply(cmd.Context(), args[0], protocol.SignalType(args[1]), body)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), loc)
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "JSON object payload")
	return cmd
}

func newSignalPeekCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "peek [target]",
		Short: "List pending signals without claiming them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			ch, err := a.channel(nil, false)
			if err != nil {
				return err
			}
			pending, err := ch.Peek(target)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(pending) == 0 {
				fmt.Fprintln(w, "no pending signals")
				return nil
			}
			for _, s := range pending {
				fmt.Fprintf(w, "%s  %-20s %-20s -> %s\n", s.Timestamp.Format(time.RFC3339), s.Type, s.Source, s.Target)
			}
			return nil
		},
	}
}

func newSignalArchiveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <location>",
		Short: "Move a visible signal into the processed archive without reading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := a.channel(nil, false)
			if err != nil {
				return err
			}
			return ch.Archive(args[0])
		},
	}
}

func newSignalPurgeCmd(a *app) *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete archived signals older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if retention == 0 {
				retention = a.cfg.Signal.Retention
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
			n, err := ch.Purge(cmd.Context(), retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d archived signal(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "older-than", 0, "retention period (default: signal.retention)")
	return cmd
}

// parsePayload decodes a --payload object, keeping numbers exact.
func parsePayload(raw string) (map[string]any, error) {
	body := map[string]any{}
	if raw == "" {
		return body, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("parse --payload: %w", err)
	}
	return body, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
