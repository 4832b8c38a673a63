// Package supervisor runs the crash sweep: agents whose heartbeat has gone
// stale are marked crashed, announced to the supervisor role and, when a
// respawn plan exists for them, relaunched.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"strata/pkg/identity"
	"strata/pkg/journal"
	"strata/pkg/respawn"
)

// maxParallelRespawns bounds concurrent relaunches in one sweep.
const maxParallelRespawns = 4

// CrashAnnouncer publishes the AGENT_CRASHED lifecycle signal.
// *signal.Channel satisfies it.
type CrashAnnouncer interface {
	Crashed(ctx context.Context, role, name, reason string) (string, error)
}

// Respawner relaunches an agent. *respawn.Orchestrator satisfies it.
type Respawner interface {
	Respawn(ctx context.Context, req respawn.Request) (respawn.Result, error)
}

// Plan builds the respawn request for a crashed identity, or reports false
// when the agent should stay down.
type Plan func(id *identity.Identity) (respawn.Request, bool)

// SessionPlan respawns every crashed agent into a session named
// <prefix><role>-<name> in its recorded worktree.
func SessionPlan(prefix, launchCommand string) Plan {
	return func(id *identity.Identity) (respawn.Request, bool) {
		if id.Worktree == "" {
			return respawn.Request{}, false
		}
		return respawn.Request{
			SessionName:   prefix + id.Role + "-" + id.Name,
			TargetDir:     id.Worktree,
			Role:          id.Role,
			Name:          id.Name,
			SessionID:     id.SessionID,
			LaunchCommand: launchCommand,
		}, true
	}
}

// Report summarizes one sweep.
type Report struct {
	Crashed   []string
	Respawned []string
	Failed    map[string]error
}

// Supervisor sweeps the identity registry for stale agents.
type Supervisor struct {
	identities   *identity.Registry
	announcer    CrashAnnouncer
	staleTimeout time.Duration
	logger       *zap.Logger
	journal      journal.Recorder

	mu        sync.Mutex
	respawner Respawner
	plan      Plan
	specs     map[string]respawn.Request
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithJournal records sweep events on j.
func WithJournal(j journal.Recorder) Option {
	return func(s *Supervisor) { s.journal = j }
}

// WithRespawn relaunches crashed agents with r. plan may be nil, in which
// case only agents registered with Register are relaunched.
func WithRespawn(r Respawner, plan Plan) Option {
	return func(s *Supervisor) {
		s.respawner = r
		s.plan = plan
	}
}

// New returns a Supervisor that treats heartbeats older than staleTimeout
// as crashes.
func New(identities *identity.Registry, announcer CrashAnnouncer, staleTimeout time.Duration, opts ...Option) *Supervisor {
	s := &Supervisor{
		identities:   identities,
		announcer:    announcer,
		staleTimeout: staleTimeout,
		logger:       zap.NewNop(),
		specs:        make(map[string]respawn.Request),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register sets the respawn request used when role/name crashes. It takes
// precedence over the plan.
func (s *Supervisor) Register(req respawn.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[req.Role+"/"+req.Name] = req
}

func (s *Supervisor) requestFor(id *identity.Identity) (respawn.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.respawner == nil {
		return respawn.Request{}, false
	}
	if req, ok := s.specs[id.Address()]; ok {
		return req, true
	}
	if s.plan != nil {
		return s.plan(id)
	}
	return respawn.Request{}, false
}

// Sweep marks every stale agent crashed, announces it and relaunches those
// with a respawn request. Per-agent failures are collected in the report;
// only a failure to scan the registry is returned as an error.
func (s *Supervisor) Sweep(ctx context.Context) (Report, error) {
	stale, err := s.identities.FindStale(s.staleTimeout)
	if err != nil {
		return Report{}, fmt.Errorf("find stale agents: %w", err)
	}

	report := Report{Failed: make(map[string]error)}
	var toRespawn []respawn.Request
	for _, id := range stale {
		addr := id.Address()
		_, marked, err := s.identities.MarkCrashedIfStale(ctx, id.Role, id.Name, s.staleTimeout)
		if err != nil {
			report.Failed[addr] = err
			continue
		}
		if !marked {
			s.logger.Debug("agent heartbeated since scan", zap.String("agent", addr))
			continue
		}
		report.Crashed = append(report.Crashed, addr)
		s.logger.Warn("agent heartbeat stale", zap.String("agent", addr), zap.Time("last_heartbeat", id.LastHeartbeat))

		if s.announcer != nil {
			reason := fmt.Sprintf("no heartbeat for %s", s.staleTimeout)
			if _, err := s.announcer.Crashed(ctx, id.Role, id.Name, reason); err != nil {
				s.logger.Warn("announce crash", zap.String("agent", addr), zap.Error(err))
			}
		}
		if req, ok := s.requestFor(id); ok {
			toRespawn = append(toRespawn, req)
		}
	}

	if len(toRespawn) > 0 {
		s.respawnAll(ctx, toRespawn, &report)
	}
	journal.Emit(ctx, s.journal, journal.Event{
		Type:    "supervisor_sweep",
		Source:  "supervisor",
		Payload: fmt.Sprintf("crashed=%d respawned=%d failed=%d", len(report.Crashed), len(report.Respawned), len(report.Failed)),
	})
	return report, nil
}

func (s *Supervisor) respawnAll(ctx context.Context, reqs []respawn.Request, report *Report) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelRespawns)
	for _, req := range reqs {
		g.Go(func() error {
			addr := req.Role + "/" + req.Name
			res, err := s.respawner.Respawn(gctx, req)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed[addr] = err
				s.logger.Error("respawn failed", zap.String("agent", addr), zap.Error(err))
				journal.Emit(ctx, s.journal, journal.Event{
					Type: "respawn_failed", Source: "supervisor", Subject: addr, Level: journal.LevelError, Payload: err.Error(),
				})
			case res.Status == respawn.StatusRespawned:
				report.Respawned = append(report.Respawned, addr)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Run sweeps every interval until ctx is cancelled. It returns nil on
// cancellation.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
