// Package identity is the agent identity registry: one YAML record per
// (role, name) carrying a self-reported heartbeat and a supervisor-set crash
// marker.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"strata/pkg/fsx"
	"strata/pkg/journal"
	"strata/pkg/protocol"
)

const recordExt = ".yaml"

// Identity is the persisted record of one agent.
type Identity struct {
	AgentID       string               `yaml:"agent_id"`
	Role          string               `yaml:"role"`
	Name          string               `yaml:"name"`
	SessionID     string               `yaml:"session_id"`
	Worktree      string               `yaml:"worktree"`
	Status        protocol.AgentStatus `yaml:"status"`
	LastHeartbeat time.Time            `yaml:"last_heartbeat"`
	CrashedAt     *time.Time           `yaml:"crashed_at,omitempty"`
}

// Address is the signal address of the agent.
func (i *Identity) Address() string {
	return protocol.AgentAddress(i.Role, i.Name)
}

// Registry reads and writes identity records under <stateDir>/agents.
type Registry struct {
	dir     string
	logger  *zap.Logger
	journal journal.Recorder
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithJournal records registration and crash events on j.
func WithJournal(j journal.Recorder) Option {
	return func(r *Registry) { r.journal = j }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New returns a Registry rooted at stateDir.
func New(stateDir string, opts ...Option) (*Registry, error) {
	r := &Registry{
		dir:    filepath.Join(stateDir, protocol.AgentsDir),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create agents dir: %w", err)
	}
	return r, nil
}

func (r *Registry) path(role, name string) string {
	return filepath.Join(r.dir, fsx.RecordName(role, name, recordExt))
}

// Create writes a fresh active identity for (role, name), superseding any
// previous record for the same key.
func (r *Registry) Create(ctx context.Context, role, name, sessionID, worktree string) (*Identity, error) {
	if role == "" || name == "" {
		return nil, errors.New("create identity: role and name are required")
	}
	id := &Identity{
		AgentID:       uuid.NewString(),
		Role:          role,
		Name:          name,
		SessionID:     sessionID,
		Worktree:      worktree,
		Status:        protocol.AgentActive,
		LastHeartbeat: r.now().UTC(),
	}
	path := r.path(role, name)
	err := fsx.WithLock(ctx, path, func() error {
		return fsx.WriteYAML(path, id)
	})
	if err != nil {
		return nil, fmt.Errorf("create identity %s: %w", id.Address(), err)
	}

	r.logger.Info("identity created",
		zap.String("agent", id.Address()),
		zap.String("agent_id", id.AgentID),
		zap.String("session_id", sessionID))
	journal.Emit(ctx, r.journal, journal.Event{
		Type: "agent_registered", Source: id.Address(), Subject: id.AgentID, Payload: sessionID,
	})
	return id, nil
}

// Read returns the identity for (role, name), or nil if none exists.
func (r *Registry) Read(role, name string) (*Identity, error) {
	var id Identity
	ok, err := fsx.ReadYAML(r.path(role, name), &id)
	if err != nil || !ok {
		return nil, err
	}
	return &id, nil
}

// TouchLiveness advances the heartbeat of (role, name). The new heartbeat is
// strictly later than the previous one even when the clock has not moved. A
// crashed identity is returned unchanged; crash is terminal until Create.
func (r *Registry) TouchLiveness(ctx context.Context, role, name string) (*Identity, error) {
	return r.update(ctx, role, name, func(id *Identity) bool {
		if id.Status == protocol.AgentCrashed {
			return false
		}
		now := r.now().UTC()
		if !now.After(id.LastHeartbeat) {
			now = id.LastHeartbeat.Add(time.Microsecond)
		}
		id.LastHeartbeat = now
		return true
	})
}

// MarkCrashed sets status=crashed and stamps crashed_at. Marking an already
// crashed identity is a no-op.
func (r *Registry) MarkCrashed(ctx context.Context, role, name string) (*Identity, error) {
	id, _, err := r.markCrashed(ctx, role, name, func(*Identity) bool { return true })
	return id, err
}

// MarkCrashedIfStale marks (role, name) crashed only if its heartbeat is
// still older than timeout when checked under the record lock. It reports
// whether the mark was applied; an agent that heartbeated since it was
// listed as stale is left active.
func (r *Registry) MarkCrashedIfStale(ctx context.Context, role, name string, timeout time.Duration) (*Identity, bool, error) {
	return r.markCrashed(ctx, role, name, func(id *Identity) bool {
		return r.now().Sub(id.LastHeartbeat) > timeout
	})
}

func (r *Registry) markCrashed(ctx context.Context, role, name string, cond func(*Identity) bool) (*Identity, bool, error) {
	changed := false
	id, err := r.update(ctx, role, name, func(id *Identity) bool {
		if id.Status == protocol.AgentCrashed || !cond(id) {
			return false
		}
		now := r.now().UTC()
		id.Status = protocol.AgentCrashed
		id.CrashedAt = &now
		changed = true
		return true
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		r.logger.Warn("identity marked crashed",
			zap.String("agent", id.Address()),
			zap.Time("last_heartbeat", id.LastHeartbeat))
		journal.Emit(ctx, r.journal, journal.Event{
			Type: "agent_crashed", Source: id.Address(), Subject: id.AgentID, Level: journal.LevelWarn,
		})
	}
	return id, changed, nil
}

// update runs mutate on the current record under the record lock and writes
// it back if mutate reports a change.
func (r *Registry) update(ctx context.Context, role, name string, mutate func(*Identity) bool) (*Identity, error) {
	path := r.path(role, name)
	var out *Identity
	err := fsx.WithLock(ctx, path, func() error {
		var id Identity
		ok, err := fsx.ReadYAML(path, &id)
		if err != nil {
			return err
		}
		if !ok {
			return protocol.ErrNotFound
		}
		out = &id
		if !mutate(&id) {
			return nil
		}
		return fsx.WriteYAML(path, &id)
	})
	if err != nil {
		return nil, fmt.Errorf("update identity %s: %w", protocol.AgentAddress(role, name), err)
	}
	return out, nil
}

// ListAll returns every readable identity ordered by role then name. Corrupt
// records are logged and skipped.
func (r *Registry) ListAll() ([]*Identity, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	var out []*Identity
	for _, e := range entries {
		if e.IsDir() || !fsx.IsRecord(e.Name(), recordExt) {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		var id Identity
		ok, err := fsx.ReadYAML(path, &id)
		if err != nil {
			r.logger.Warn("skipping unreadable identity", zap.String("path", path), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		out = append(out, &id)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// FindStale returns active identities whose heartbeat is older than timeout.
// Crashed identities are never returned, whatever their heartbeat age.
func (r *Registry) FindStale(timeout time.Duration) ([]*Identity, error) {
	all, err := r.ListAll()
	if err != nil {
		return nil, err
	}
	now := r.now()
	var stale []*Identity
	for _, id := range all {
		if id.Status != protocol.AgentActive {
			continue
		}
		if now.Sub(id.LastHeartbeat) > timeout {
			stale = append(stale, id)
		}
	}
	return stale, nil
}

// CrashedSince returns identities marked crashed at or after t.
func (r *Registry) CrashedSince(t time.Time) ([]*Identity, error) {
	all, err := r.ListAll()
	if err != nil {
		return nil, err
	}
	var out []*Identity
	for _, id := range all {
		if id.Status == protocol.AgentCrashed && id.CrashedAt != nil && !id.CrashedAt.Before(t) {
			out = append(out, id)
		}
	}
	return out, nil
}

// Heartbeat touches the liveness of (role, name) every interval until ctx is
// cancelled. Failed touches are logged and retried on the next tick. It
// returns early with ErrNotFound if the record disappears and with
// ErrAgentCrashed once the identity has been marked crashed.
func (r *Registry) Heartbeat(ctx context.Context, role, name string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			id, err := r.TouchLiveness(ctx, role, name)
			if err != nil {
				if errors.Is(err, protocol.ErrNotFound) {
					return err
				}
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Warn("heartbeat failed", zap.String("agent", protocol.AgentAddress(role, name)), zap.Error(err))
				continue
			}
			if id.Status == protocol.AgentCrashed {
				return fmt.Errorf("heartbeat %s: %w", id.Address(), protocol.ErrAgentCrashed)
			}
		}
	}
}
