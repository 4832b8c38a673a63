package gate

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"strata/pkg/fsx"
	"strata/pkg/protocol"
)

// anonymousSession keys the iteration counter when no session id is known.
const anonymousSession = "anonymous"

type sessionState struct {
	SessionID string    `yaml:"session_id"`
	Iteration int       `yaml:"iteration"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

type escalationState struct {
	Attempts    int       `yaml:"attempts"`
	LastAttempt time.Time `yaml:"last_attempt,omitempty"`
}

func (g *Gate) gateDir() string {
	return filepath.Join(g.cfg.StateDir, protocol.GateDir)
}

func (g *Gate) sessionPath(sessionID string) string {
	if sessionID == "" {
		sessionID = anonymousSession
	}
	return filepath.Join(g.gateDir(), "session-"+fsx.EscapeKey(sessionID)+".yaml")
}

func (g *Gate) escalationPath() string {
	return filepath.Join(g.gateDir(), "escalation.yaml")
}

// iteration returns the override when given, else the persisted counter. An
// unreadable counter counts as zero.
func (g *Gate) iteration(in Input) int {
	if in.Iteration != nil {
		return *in.Iteration
	}
	var st sessionState
	if _, err := fsx.ReadYAML(g.sessionPath(in.SessionID), &st); err != nil {
		g.logger.Warn("gate iteration state unreadable, counting from zero", zap.Error(err))
		return 0
	}
	return st.Iteration
}

// recordIteration bumps the counter after a block and clears it after an
// allow. Failures are logged; they never change the decision.
func (g *Gate) recordIteration(ctx context.Context, sessionID string, allowed bool) {
	path := g.sessionPath(sessionID)
	err := fsx.WithLock(ctx, path, func() error {
		var st sessionState
		if _, err := fsx.ReadYAML(path, &st); err != nil {
			st = sessionState{}
		}
		st.SessionID = sessionID
		st.UpdatedAt = g.now().UTC()
		if allowed {
			st.Iteration = 0
		} else {
			st.Iteration++
		}
		return fsx.WriteYAML(path, st)
	})
	if err != nil {
		g.logger.Warn("persist gate iteration", zap.String("session", sessionID), zap.Error(err))
	}
}

// escalationAttempt decides the P2.5 outcome under the escalation lock. It
// returns the attempt number just recorded, or bypass=true when the
// threshold was already reached inside the cooldown window.
func (g *Gate) escalationAttempt(ctx context.Context, now time.Time) (attempt int, bypass bool, err error) {
	path := g.escalationPath()
	err = fsx.WithLock(ctx, path, func() error {
		var st escalationState
		if _, rerr := fsx.ReadYAML(path, &st); rerr != nil {
			g.logger.Warn("escalation state unreadable, resetting", zap.Error(rerr))
			st = escalationState{}
		}
		if !st.LastAttempt.IsZero() && now.Sub(st.LastAttempt) > g.cfg.EscalationCooldown {
			st = escalationState{}
		}
		if st.Attempts >= g.cfg.EscalationThreshold {
			bypass = true
			attempt = st.Attempts
			return nil
		}
		st.Attempts++
		st.LastAttempt = now.UTC()
		attempt = st.Attempts
		return fsx.WriteYAML(path, st)
	})
	return attempt, bypass, err
}
