// Package hook stores each agent's work phase and resumption notes so a
// restarted agent can pick up where its predecessor left off.
package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"strata/pkg/fsx"
	"strata/pkg/protocol"
)

const recordExt = ".yaml"

// Record is the persisted phase/resumption state of one agent.
type Record struct {
	Role                   string         `yaml:"role"`
	Name                   string         `yaml:"name"`
	Phase                  protocol.Phase `yaml:"phase"`
	ResumptionInstructions string         `yaml:"resumption_instructions,omitempty"`
	LastCommittedNode      string         `yaml:"last_committed_node,omitempty"`
	UpdatedAt              time.Time      `yaml:"updated_at"`
}

// Store reads and writes hook records under <stateDir>/hooks.
type Store struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store rooted at stateDir.
func New(stateDir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:    filepath.Join(stateDir, protocol.HooksDir),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create hooks dir: %w", err)
	}
	return s, nil
}

func (s *Store) path(role, name string) string {
	return filepath.Join(s.dir, fsx.RecordName(role, name, recordExt))
}

// Create writes a fresh record for (role, name). An empty phase means
// planning. Re-creating is the only way to move an agent back to planning.
func (s *Store) Create(ctx context.Context, role, name string, phase protocol.Phase) (*Record, error) {
	if role == "" || name == "" {
		return nil, errors.New("create hook: role and name are required")
	}
	if phase == "" {
		phase = protocol.PhasePlanning
	}
	rec := &Record{Role: role, Name: name, Phase: phase, UpdatedAt: s.now().UTC()}
	path := s.path(role, name)
	if err := fsx.WithLock(ctx, path, func() error { return fsx.WriteYAML(path, rec) }); err != nil {
		return nil, fmt.Errorf("create hook %s: %w", protocol.AgentAddress(role, name), err)
	}
	s.logger.Debug("hook created", zap.String("agent", protocol.AgentAddress(role, name)), zap.String("phase", string(phase)))
	return rec, nil
}

// Read returns the record for (role, name), or nil if none exists.
func (s *Store) Read(role, name string) (*Record, error) {
	var rec Record
	ok, err := fsx.ReadYAML(s.path(role, name), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// UpdatePhase moves (role, name) to phase. Moving backwards between two
// known phases fails with protocol.ErrPhaseRegression; custom phases are
// not ordered.
func (s *Store) UpdatePhase(ctx context.Context, role, name string, phase protocol.Phase) (*Record, error) {
	if phase == "" {
		return nil, errors.New("update phase: phase is required")
	}
	return s.update(ctx, role, name, func(rec *Record) error {
		from, fromKnown := protocol.PhaseRank(rec.Phase)
		to, toKnown := protocol.PhaseRank(phase)
		if fromKnown && toKnown && to < from {
			return fmt.Errorf("%s -> %s: %w", rec.Phase, phase, protocol.ErrPhaseRegression)
		}
		rec.Phase = phase
		return nil
	})
}

// UpdateResumption replaces the free-text resumption notes. A non-empty
// lastCommittedNode replaces the recorded checkpoint; an empty one keeps it.
func (s *Store) UpdateResumption(ctx context.Context, role, name, text, lastCommittedNode string) (*Record, error) {
	return s.update(ctx, role, name, func(rec *Record) error {
		rec.ResumptionInstructions = text
		if lastCommittedNode != "" {
			rec.LastCommittedNode = lastCommittedNode
		}
		return nil
	})
}

func (s *Store) update(ctx context.Context, role, name string, mutate func(*Record) error) (*Record, error) {
	path := s.path(role, name)
	var out *Record
	err := fsx.WithLock(ctx, path, func() error {
		var rec Record
		ok, err := fsx.ReadYAML(path, &rec)
		if err != nil {
			return err
		}
		if !ok {
			return protocol.ErrNotFound
		}
		if err := mutate(&rec); err != nil {
			return err
		}
		rec.UpdatedAt = s.now().UTC()
		out = &rec
		return fsx.WriteYAML(path, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("update hook %s: %w", protocol.AgentAddress(role, name), err)
	}
	return out, nil
}

// BuildWisdomBlock renders the resumption directive injected into a
// restarted agent's first instructions. A nil record or one still in
// planning yields a cold-start block with no skip directive; its free-text
// notes and checkpoint are left out since either may contain one.
func BuildWisdomBlock(rec *Record) string {
	var b strings.Builder
	b.WriteString("## Resumption context\n\n")

	if rec == nil || rec.Phase == protocol.PhasePlanning || rec.Phase == "" {
		b.WriteString("No prior progress is recorded. Start from planning.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "SKIP PLANNING. Resume directly in phase=%s.\n", rec.Phase)
	b.WriteString("The previous run already completed the earlier phases; do not redo them.\n")
	if rec.LastCommittedNode != "" {
		fmt.Fprintf(&b, "\nLast committed node: %s\n", rec.LastCommittedNode)
	}
	if rec.ResumptionInstructions != "" {
		fmt.Fprintf(&b, "\nNotes from the previous run:\n%s\n", rec.ResumptionInstructions)
	}
	return b.String()
}
