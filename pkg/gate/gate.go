// Package gate implements the stop gate: a fixed, priority-ordered battery
// of checks that decides whether an agent may terminate. The gate never
// returns an error. A check that fails to evaluate, or panics, becomes a
// blocking failure.
package gate

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"strata/pkg/identity"
	"strata/pkg/journal"
	"strata/pkg/merge"
	"strata/pkg/protocol"
)

// Priority orders the checks. P0 is evaluated first.
type Priority string

// Check priorities, in evaluation order.
const (
	P0  Priority = "P0"
	P1  Priority = "P1"
	P2  Priority = "P2"
	P25 Priority = "P2.5"
	P3  Priority = "P3"
	P4  Priority = "P4"
	P5  Priority = "P5"
)

// CheckResult is the outcome of one check. A result with Blocking set and
// Passed unset vetoes termination; anything else is advisory.
type CheckResult struct {
	Priority    Priority `json:"priority"`
	Name        string   `json:"name"`
	Passed      bool     `json:"passed"`
	Blocking    bool     `json:"blocking"`
	Message     string   `json:"message"`
	Remediation string   `json:"remediation,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Vetoes reports whether r blocks termination.
func (r CheckResult) Vetoes() bool { return r.Blocking && !r.Passed }

// Decision is the aggregate verdict of one gate evaluation.
type Decision struct {
	Allow        bool          `json:"allow"`
	Forced       bool          `json:"forced"`
	Iteration    int           `json:"iteration"`
	Blocking     []string      `json:"blocking,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
	Remediations []string      `json:"remediations,omitempty"`
	Results      []CheckResult `json:"results"`
}

// Config holds the gate thresholds and toggles.
type Config struct {
	StateDir    string
	ProjectRoot string

	MaxIterations int
	TrackedDir    string
	VCSTimeout    time.Duration

	EscalationThreshold int
	EscalationCooldown  time.Duration
	BlockerWindow       time.Duration
	ErrorBurst          int
	FailureBurst        int

	StrictOutcome  bool
	SupervisorRole string
}

// DefaultConfig returns the stock thresholds for a project rooted at root.
func DefaultConfig(root string) Config {
	return Config{
		StateDir:            filepath.Join(root, protocol.StrataDir),
		ProjectRoot:         root,
		MaxIterations:       10,
		TrackedDir:          protocol.StrataDir,
		VCSTimeout:          10 * time.Second,
		EscalationThreshold: 2,
		EscalationCooldown:  5 * time.Minute,
		BlockerWindow:       10 * time.Minute,
		ErrorBurst:          5,
		FailureBurst:        2,
		SupervisorRole:      protocol.RoleSupervisor,
	}
}

// Input identifies the agent asking to stop.
type Input struct {
	SessionID string
	Role      string

	// Iteration overrides the persisted iteration counter when non-nil.
	Iteration *int

	// ProjectRoot overrides Config.ProjectRoot when non-empty.
	ProjectRoot string
}

// EventStore is the slice of the journal the gate uses: it records its own
// decisions and counts recent errors for the P2.5 check.
type EventStore interface {
	journal.Recorder
	Count(ctx context.Context, opts journal.QueryOpts) (int, error)
}

// CrashLister reports identities crashed since a point in time.
type CrashLister interface {
	CrashedSince(t time.Time) ([]*identity.Identity, error)
}

// Sender queues a signal. *signal.Channel satisfies it.
type Sender interface {
	Send(ctx context.Context, source, target string, typ protocol.SignalType, payload map[string]any) (string, error)
}

// Gate evaluates stop requests.
type Gate struct {
	cfg        Config
	git        merge.GitRunner
	events     EventStore
	identities CrashLister
	signals    Sender
	notifier   Notifier
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithGit overrides the git runner used by the version-control checks.
func WithGit(r merge.GitRunner) Option {
	return func(g *Gate) { g.git = r }
}

// WithEvents sets the journal used for decisions and error-burst detection.
func WithEvents(e EventStore) Option {
	return func(g *Gate) { g.events = e }
}

// WithIdentities sets the registry used for failure-burst detection.
func WithIdentities(c CrashLister) Option {
	return func(g *Gate) { g.identities = c }
}

// WithSignals sets the channel that receives guidance requests.
func WithSignals(s Sender) Option {
	return func(g *Gate) { g.signals = s }
}

// WithNotifier sets where guidance requests are pasted.
func WithNotifier(n Notifier) Option {
	return func(g *Gate) { g.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New returns a Gate for cfg.
func New(cfg Config, opts ...Option) *Gate {
	g := &Gate{
		cfg:    cfg,
		git:    &merge.ExecGitRunner{},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// evaluation carries per-call inputs to the checks.
type evaluation struct {
	in   Input
	root string
	now  time.Time
}

type check struct {
	priority Priority
	name     string
	run      func(ctx context.Context, ev *evaluation) (CheckResult, error)
}

func (g *Gate) checks() []check {
	return []check{
		{P1, "promise ownership", g.checkPromises},
		{P2, "state sync", g.checkTrackedSync},
		{P25, "escalation guidance", g.checkEscalation},
		{P3, "todo continuation", g.checkTodos},
		{P4, "uncommitted changes", g.checkRepoAdvisory},
		{P5, "business outcome", g.checkOutcome},
	}
}

// Evaluate runs the checks in priority order and returns the decision. The
// persisted iteration counter is incremented on a block and reset on an
// allow.
func (g *Gate) Evaluate(ctx context.Context, in Input) Decision {
	ev := &evaluation{in: in, root: in.ProjectRoot, now: g.now()}
	if ev.root == "" {
		ev.root = g.cfg.ProjectRoot
	}

	iteration := g.iteration(in)
	breaker := g.circuitBreaker(iteration)

	var d Decision
	if g.cfg.MaxIterations > 0 && iteration >= g.cfg.MaxIterations {
		d = Decision{Allow: true, Forced: true, Iteration: iteration, Results: []CheckResult{breaker}}
	} else {
		d = g.aggregate(ctx, ev, breaker)
		d.Iteration = iteration
	}

	g.recordIteration(ctx, in.SessionID, d.Allow)
	g.logDecision(ctx, in, d)
	return d
}

func (g *Gate) circuitBreaker(iteration int) CheckResult {
	res := CheckResult{Priority: P0, Name: "circuit breaker", Passed: true}
	if g.cfg.MaxIterations > 0 && iteration >= g.cfg.MaxIterations {
		res.Message = fmt.Sprintf("iteration %d reached the limit of %d; stop allowed without further checks", iteration, g.cfg.MaxIterations)
		return res
	}
	res.Message = fmt.Sprintf("iteration %d of %d", iteration, g.cfg.MaxIterations)
	return res
}

func (g *Gate) aggregate(ctx context.Context, ev *evaluation, breaker CheckResult) Decision {
	d := Decision{Allow: true, Results: []CheckResult{breaker}}
	for _, c := range g.checks() {
		res := g.runCheck(ctx, c, ev)
		d.Results = append(d.Results, res)

		label := fmt.Sprintf("%s %s: ", res.Priority, res.Name)
		switch {
		case res.Vetoes():
			d.Allow = false
			d.Blocking = append(d.Blocking, label+res.Message)
		case !res.Passed:
			d.Warnings = append(d.Warnings, label+res.Message)
		}
		for _, w := range res.Warnings {
			d.Warnings = append(d.Warnings, label+w)
		}
		if !res.Passed && res.Remediation != "" {
			d.Remediations = append(d.Remediations, fmt.Sprintf("%s: %s", res.Priority, res.Remediation))
		}
	}
	return d
}

// runCheck evaluates one check and converts errors and panics into a
// blocking failure.
func (g *Gate) runCheck(ctx context.Context, c check, ev *evaluation) (res CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			res = g.failClosed(ctx, c, fmt.Errorf("panic: %v", r))
		}
	}()

	out, err := c.run(ctx, ev)
	if err != nil {
		return g.failClosed(ctx, c, err)
	}
	out.Priority = c.priority
	out.Name = c.name
	return out
}

func (g *Gate) failClosed(ctx context.Context, c check, err error) CheckResult {
	g.logger.Warn("gate check failed to evaluate", zap.String("check", string(c.priority)), zap.Error(err))
	journal.Emit(ctx, g.events, journal.Event{
		Type: "gate_check_error", Source: "gate", Subject: string(c.priority), Level: journal.LevelWarn, Payload: err.Error(),
	})
	return CheckResult{
		Priority:    c.priority,
		Name:        c.name,
		Passed:      false,
		Blocking:    true,
		Message:     fmt.Sprintf("check could not be evaluated: %v", err),
		Remediation: "inspect the error above; the gate fails closed until the check can run",
	}
}

func (g *Gate) logDecision(ctx context.Context, in Input, d Decision) {
	verdict := "allow"
	level := journal.LevelInfo
	switch {
	case d.Forced:
		verdict = "forced_allow"
		level = journal.LevelWarn
	case !d.Allow:
		verdict = "block"
	}
	g.logger.Info("gate decision",
		zap.String("session", in.SessionID),
		zap.String("role", in.Role),
		zap.String("verdict", verdict),
		zap.Int("iteration", d.Iteration),
		zap.Int("blocking", len(d.Blocking)),
		zap.Int("warnings", len(d.Warnings)),
	)
	journal.Emit(ctx, g.events, journal.Event{
		Type:    "gate_decision",
		Source:  "gate",
		Subject: in.SessionID,
		Level:   level,
		Payload: verdict + ": " + strings.Join(d.Blocking, "; "),
	})
}
