// Binary strata-stop-hook is a Claude Code Stop hook that runs the strata
// stop gate before an agent session is allowed to end.
//
// Protocol: reads JSON from stdin, writes JSON to stdout.
//   - Allow: {}
//   - Block: {"decision":"block","reason":"..."}
//
// The hook fails open: unreadable input, a missing state directory or a
// broken config all allow the stop. Individual gate checks still fail
// closed once the gate is running.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"strata/internal/config"
	"strata/internal/logging"
	"strata/pkg/gate"
	"strata/pkg/identity"
	"strata/pkg/journal"
	"strata/pkg/protocol"
	"strata/pkg/signal"
)

// hookInput is the Stop hook payload sent on stdin.
type hookInput struct {
	SessionID      string `json:"session_id"`
	HookEventName  string `json:"hook_event_name"`
	StopHookActive bool   `json:"stop_hook_active"`
	Cwd            string `json:"cwd"`
}

var allowJSON = []byte("{}")

// HandleHook evaluates the gate for the session described by input and
// returns the hook response.
func HandleHook(ctx context.Context, input []byte) []byte {
	var in hookInput
	if err := json.Unmarshal(input, &in); err != nil {
		return allowJSON
	}

	cfg, err := config.Load(in.Cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "strata-stop-hook: %v\n", err)
		return allowJSON
	}
	if _, err := os.Stat(cfg.StateDir); err != nil {
		// Not a strata project.
		return allowJSON
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = cfg.SessionID
	}
	logger = logger.With(zap.String("session_id", sessionID), zap.Bool("stop_hook_active", in.StopHookActive))

	j, err := journal.Open(filepath.Join(cfg.StateDir, protocol.JournalFile))
	if err != nil {
		logger.Warn("journal unavailable; allowing stop", zap.Error(err))
		return allowJSON
	}
	defer j.Close()

	reg, err := identity.New(cfg.StateDir, identity.WithLogger(logger), identity.WithJournal(j))
	if err != nil {
		logger.Warn("identity registry unavailable; allowing stop", zap.Error(err))
		return allowJSON
	}
	ch, err := signal.New(cfg.StateDir,
		signal.WithLogger(logger),
		signal.WithJournal(j),
		signal.WithSupervisor(cfg.Gate.SupervisorRole),
		signal.WithWatch(false),
	)
	if err != nil {
		logger.Warn("signal channel unavailable; allowing stop", zap.Error(err))
		return allowJSON
	}

	opts := []gate.Option{
		gate.WithLogger(logger),
		gate.WithEvents(j),
		gate.WithIdentities(reg),
		gate.WithSignals(ch),
	}
	if cfg.Gate.NotifySession != "" {
		opts = append(opts, gate.WithNotifier(gate.NewTmuxNotifier(cfg.Gate.NotifySession, cfg.Gate.NotifyPane)))
	}

	d := gate.New(cfg.GateConfig(), opts...).Evaluate(ctx, gate.Input{
		SessionID:   sessionID,
		Role:        cfg.Role,
		ProjectRoot: cfg.ProjectRoot,
	})
	return gate.HookResponse(d)
}

func main() {
	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "strata-stop-hook: failed to read stdin: %v\n", err)
		writeOut(allowJSON)
		return
	}
	writeOut(HandleHook(context.Background(), input))
}

// writeOut writes data to stdout, logging any write error to stderr.
func writeOut(data []byte) {
	if _, err := os.Stdout.Write(data); err != nil {
		fmt.Fprintf(os.Stderr, "strata-stop-hook: stdout write error: %v\n", err)
	}
}
