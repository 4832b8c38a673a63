package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"strata/pkg/hook"
	"strata/pkg/identity"
	"strata/pkg/protocol"
	"strata/pkg/queue"
	"strata/pkg/signal"
)

// AgentRow is one agent as shown on the dashboard.
type AgentRow struct {
	Address       string               `json:"address"`
	Status        protocol.AgentStatus `json:"status"`
	Phase         protocol.Phase       `json:"phase,omitempty"`
	LastHeartbeat time.Time            `json:"last_heartbeat"`
	Pending       int                  `json:"pending"`
	Worktree      string               `json:"worktree,omitempty"`
}

// Snapshot is everything the dashboard renders, read in one pass.
type Snapshot struct {
	TakenAt time.Time      `json:"taken_at"`
	Agents  []AgentRow     `json:"agents"`
	Pending map[string]int `json:"pending"`
	Queue   []queue.Entry  `json:"queue"`
}

// source reads coordination state for the dashboard.
type source struct {
	identities *identity.Registry
	hooks      *hook.Store
	signals    *signal.Channel
	queue      *queue.Queue
	now        func() time.Time
}

func newSource(stateDir string) (*source, error) {
	reg, err := identity.New(stateDir)
	if err != nil {
		return nil, err
	}
	hooks, err := hook.New(stateDir)
	if err != nil {
		return nil, err
	}
	ch, err := signal.New(stateDir, signal.WithWatch(false))
	if err != nil {
		return nil, err
	}
	q, err := queue.New(stateDir, nil)
	if err != nil {
		return nil, err
	}
	return &source{identities: reg, hooks: hooks, signals: ch, queue: q, now: time.Now}, nil
}

// collect reads a snapshot. Unreadable individual records are skipped by
// the underlying stores; only directory-level failures are returned.
func (s *source) collect() (Snapshot, error) {
	snap := Snapshot{TakenAt: s.now(), Pending: map[string]int{}}

	pending, err := s.signals.PendingByTarget()
	if err != nil {
		return snap, fmt.Errorf("read signals: %w", err)
	}
	snap.Pending = pending

	ids, err := s.identities.ListAll()
	if err != nil {
		return snap, fmt.Errorf("read identities: %w", err)
	}
	for _, id := range ids {
		row := AgentRow{
			Address:       id.Address(),
			Status:        id.Status,
			LastHeartbeat: id.LastHeartbeat,
			Pending:       snap.Pending[id.Address()],
			Worktree:      id.Worktree,
		}
		switch rec, err := s.hooks.Read(id.Role, id.Name); {
		case err != nil:
			row.Phase = "?"
		case rec != nil:
			row.Phase = rec.Phase
		}
		snap.Agents = append(snap.Agents, row)
	}
	sort.Slice(snap.Agents, func(i, j int) bool { return snap.Agents[i].Address < snap.Agents[j].Address })

	entries, err := s.queue.List()
	if err != nil {
		return snap, fmt.Errorf("read queue: %w", err)
	}
	snap.Queue = entries
	return snap, nil
}

// robotMode outputs a JSON snapshot for scripts.
func robotMode(snap Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}
