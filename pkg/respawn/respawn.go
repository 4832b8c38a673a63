// Package respawn restarts a dead agent in place: it gives the agent a
// fresh identity, keeps its phase record, relaunches it in its session and
// replays the instructions it needs to pick up where it stopped.
package respawn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"strata/pkg/hook"
	"strata/pkg/identity"
	"strata/pkg/journal"
	"strata/pkg/protocol"
	"strata/pkg/tmux"
)

// Status is the outcome of a respawn request.
type Status string

// Respawn outcomes.
const (
	StatusAlive     Status = "alive"
	StatusRespawned Status = "respawned"
)

// DefaultLaunchCommand starts the agent when a request names none.
const DefaultLaunchCommand = "claude"

// defaultInstructionTimeout bounds how long one instruction may take to show
// up in the agent's pane.
const defaultInstructionTimeout = 30 * time.Second

// Session is the handle to the supervised process. *tmux.Session
// satisfies it.
type Session interface {
	Alive() bool
	Launch(dir string, env map[string]string, command string) error
	SendKeys(text string) error
	WaitForCommand() error
	WaitForPrompt() error
	SendKeysVerified(text string, timeout time.Duration) error
}

// Announcer publishes the AGENT_REGISTERED lifecycle signal.
// *signal.Channel satisfies it.
type Announcer interface {
	Registered(ctx context.Context, role, name string, payload map[string]any) (string, error)
}

// Request describes the agent to bring back.
type Request struct {
	SessionName      string
	TargetDir        string
	NodeID           string
	Role             string
	Name             string
	SessionID        string
	LaunchCommand    string            // "" means DefaultLaunchCommand
	StyleInstruction string            // "" means a generated role briefing
	Env              map[string]string // extra environment for the session
}

func (r Request) validate() error {
	switch {
	case r.SessionName == "":
		return errors.New("respawn: session name is required")
	case r.TargetDir == "":
		return errors.New("respawn: target dir is required")
	case r.Role == "" || r.Name == "":
		return errors.New("respawn: role and name are required")
	}
	return nil
}

// Result reports what Respawn did. Identity, Hook and Instructions are only
// set for StatusRespawned.
type Result struct {
	Status       Status
	Identity     *identity.Identity
	Hook         *hook.Record
	Instructions []string
}

// Orchestrator performs respawns.
type Orchestrator struct {
	identities *identity.Registry
	hooks      *hook.Store
	announcer  Announcer
	sessions   func(name string) Session
	logger     *zap.Logger
	journal    journal.Recorder
	timeout    time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithJournal records respawn events on j.
func WithJournal(j journal.Recorder) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithSessions overrides how session handles are obtained.
func WithSessions(fn func(name string) Session) Option {
	return func(o *Orchestrator) { o.sessions = fn }
}

// WithInstructionTimeout bounds delivery of each verified instruction.
func WithInstructionTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// New returns an Orchestrator. announcer may be nil.
func New(identities *identity.Registry, hooks *hook.Store, announcer Announcer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		identities: identities,
		hooks:      hooks,
		announcer:  announcer,
		sessions:   func(name string) Session { return tmux.NewSession(name) },
		logger:     zap.NewNop(),
		timeout:    defaultInstructionTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Respawn relaunches the agent described by req if its session is dead. A
// live session is left alone. The agent gets a new identity; its phase
// record is reused when one exists, and only then is the wisdom block sent
// as a third instruction after the bootstrap and style instructions.
func (o *Orchestrator) Respawn(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	sess := o.sessions(req.SessionName)
	if sess.Alive() {
		o.logger.Debug("session alive, nothing to respawn", zap.String("session", req.SessionName))
		return Result{Status: StatusAlive}, nil
	}

	addr := protocol.AgentAddress(req.Role, req.Name)
	rec, err := o.readHook(ctx, req.Role, req.Name)
	if err != nil {
		return Result{}, fmt.Errorf("respawn %s: %w", addr, err)
	}
	resumed := rec != nil
	if !resumed {
		rec, err = o.hooks.Create(ctx, req.Role, req.Name, protocol.PhasePlanning)
		if err != nil {
			return Result{}, fmt.Errorf("respawn %s: %w", addr, err)
		}
	}

	id, err := o.identities.Create(ctx, req.Role, req.Name, req.SessionID, req.TargetDir)
	if err != nil {
		return Result{}, fmt.Errorf("respawn %s: %w", addr, err)
	}

	if err := sess.Launch(req.TargetDir, o.env(req, id), ""); err != nil {
		return Result{}, fmt.Errorf("respawn %s: %w", id.Address(), err)
	}

	res := Result{Status: StatusRespawned, Identity: id, Hook: rec}
	if err := o.instruct(sess, req, id, rec, resumed, &res); err != nil {
		return res, fmt.Errorf("respawn %s: %w", id.Address(), err)
	}

	if o.announcer != nil {
		_, err := o.announcer.Registered(ctx, req.Role, req.Name, map[string]any{
			"agent_id":   id.AgentID,
			"session_id": req.SessionID,
			"node_id":    req.NodeID,
			"worktree":   req.TargetDir,
			"respawned":  true,
			"phase":      string(rec.Phase),
		})
		if err != nil {
			return res, fmt.Errorf("announce %s: %w", id.Address(), err)
		}
	}

	o.logger.Info("agent respawned",
		zap.String("agent", id.Address()),
		zap.String("agent_id", id.AgentID),
		zap.String("phase", string(rec.Phase)),
		zap.Int("instructions", len(res.Instructions)),
	)
	journal.Emit(ctx, o.journal, journal.Event{
		Type: "agent_respawned", Source: "respawn", Subject: id.Address(), Payload: string(rec.Phase),
	})
	return res, nil
}

// readHook returns the agent's phase record. A record that no longer
// decodes is treated as missing: the agent restarts from planning.
func (o *Orchestrator) readHook(ctx context.Context, role, name string) (*hook.Record, error) {
	rec, err := o.hooks.Read(role, name)
	var corrupt *protocol.RecordCorruptError
	if errors.As(err, &corrupt) {
		addr := protocol.AgentAddress(role, name)
		o.logger.Warn("corrupt hook record, restarting from planning",
			zap.String("agent", addr),
			zap.String("path", corrupt.Path),
			zap.Error(corrupt.Err),
		)
		journal.Emit(ctx, o.journal, journal.Event{
			Type: "hook_corrupt", Level: journal.LevelWarn, Source: "respawn", Subject: addr, Payload: corrupt.Path,
		})
		return nil, nil
	}
	return rec, err
}

// instruct types the bootstrap command into the fresh shell, waits for the
// agent to come up, then sends the style instruction and, when resuming,
// the wisdom block.
func (o *Orchestrator) instruct(sess Session, req Request, id *identity.Identity, rec *hook.Record, resumed bool, res *Result) error {
	bootstrap := req.LaunchCommand
	if bootstrap == "" {
		bootstrap = DefaultLaunchCommand
	}
	if err := sess.SendKeys(bootstrap); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	res.Instructions = append(res.Instructions, bootstrap)

	if err := sess.WaitForCommand(); err != nil {
		return err
	}
	if err := sess.WaitForPrompt(); err != nil {
		return err
	}

	style := req.StyleInstruction
	if style == "" {
		style = briefing(req, id)
	}
	if err := sess.SendKeysVerified(style, o.timeout); err != nil {
		return fmt.Errorf("style instruction: %w", err)
	}
	res.Instructions = append(res.Instructions, style)

	if !resumed {
		return nil
	}
	wisdom := hook.BuildWisdomBlock(rec)
	if err := sess.SendKeysVerified(wisdom, o.timeout); err != nil {
		return fmt.Errorf("wisdom block: %w", err)
	}
	res.Instructions = append(res.Instructions, wisdom)
	return nil
}

func (o *Orchestrator) env(req Request, id *identity.Identity) map[string]string {
	env := make(map[string]string, len(req.Env)+5)
	for k, v := range req.Env {
		env[k] = v
	}
	env["STRATA_ROLE"] = req.Role
	env["STRATA_NAME"] = req.Name
	env["STRATA_AGENT_ID"] = id.AgentID
	if req.SessionID != "" {
		env["STRATA_SESSION_ID"] = req.SessionID
	}
	if req.NodeID != "" {
		env["STRATA_NODE_ID"] = req.NodeID
	}
	return env
}

func briefing(req Request, id *identity.Identity) string {
	msg := fmt.Sprintf("You are %s (agent %s), restarted by strata.", id.Address(), id.AgentID)
	if req.NodeID != "" {
		msg += fmt.Sprintf(" Your work item is node %s in %s.", req.NodeID, req.TargetDir)
	}
	return msg + " Report progress and questions through strata signals to the supervisor."
}
