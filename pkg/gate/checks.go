package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"strata/pkg/journal"
	"strata/pkg/merge"
	"strata/pkg/protocol"
)

// maxListed caps how many ids a message names before summarizing.
const maxListed = 5

func listIDs(ids []string) string {
	if len(ids) <= maxListed {
		return strings.Join(ids, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(ids[:maxListed], ", "), len(ids)-maxListed)
}

// checkPromises blocks only on open promises owned by this session. Without
// a session id it never blocks.
func (g *Gate) checkPromises(_ context.Context, ev *evaluation) (CheckResult, error) {
	promises, err := g.loadPromises()
	if err != nil {
		return CheckResult{}, err
	}

	session := ev.in.SessionID
	var own, foreign []string
	var warnings []string
	for _, p := range promises {
		if !p.Status.Open() {
			continue
		}
		switch {
		case session != "" && p.OwnedBy == session:
			own = append(own, p.ID)
		case p.Orphaned():
			warnings = append(warnings, fmt.Sprintf("orphaned promise %s is %s", p.ID, p.Status))
			foreign = append(foreign, p.ID)
		default:
			warnings = append(warnings, fmt.Sprintf("promise %s owned by %s is %s", p.ID, p.OwnedBy, p.Status))
			foreign = append(foreign, p.ID)
		}
	}

	if session == "" {
		if len(warnings) == 0 {
			return CheckResult{Passed: true, Blocking: true, Message: "no session id; promise ownership not checked"}, nil
		}
		return CheckResult{
			Passed:   false,
			Blocking: false,
			Message:  fmt.Sprintf("no session id; %d open promise(s) not attributed: %s", len(foreign), listIDs(foreign)),
			Warnings: warnings,
		}, nil
	}

	if len(own) > 0 {
		return CheckResult{
			Passed:      false,
			Blocking:    true,
			Message:     fmt.Sprintf("%d promise(s) owned by this session still open: %s", len(own), listIDs(own)),
			Remediation: fmt.Sprintf("finish the work, then set status to passed or failed in %s/%s/", protocol.StrataDir, protocol.PromisesDir),
			Warnings:    warnings,
		}, nil
	}
	if len(foreign) > 0 {
		return CheckResult{
			Passed:   false,
			Blocking: false,
			Message:  fmt.Sprintf("%d open promise(s) belong to other sessions: %s", len(foreign), listIDs(foreign)),
			Warnings: warnings,
		}, nil
	}
	return CheckResult{Passed: true, Blocking: true, Message: "no open promises owned by this session"}, nil
}

const defaultVCSTimeout = 10 * time.Second

func (g *Gate) vcsContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := g.cfg.VCSTimeout
	if timeout <= 0 {
		timeout = defaultVCSTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// checkTrackedSync blocks while the tracked state directory has uncommitted
// changes. A missing git or a non-repository passes; a git timeout blocks.
func (g *Gate) checkTrackedSync(ctx context.Context, ev *evaluation) (CheckResult, error) {
	vctx, cancel := g.vcsContext(ctx)
	defer cancel()

	changed, err := merge.StatusPorcelain(vctx, g.git, ev.root, g.cfg.TrackedDir)
	if err != nil {
		var vcsErr *protocol.VCSError
		if !errors.As(err, &vcsErr) {
			return CheckResult{}, err
		}
		switch vcsErr.Kind {
		case protocol.VCSMissing, protocol.VCSNotARepo:
			return CheckResult{Passed: true, Blocking: false, Message: fmt.Sprintf("state sync not verified: %s", vcsErr.Kind)}, nil
		case protocol.VCSTimeout:
			return CheckResult{
				Passed:      false,
				Blocking:    true,
				Message:     fmt.Sprintf("git status timed out after %s; cannot verify %s is committed", g.cfg.VCSTimeout, g.cfg.TrackedDir),
				Remediation: "check repository health (locks, large untracked trees), then stop again",
			}, nil
		default:
			return CheckResult{}, err
		}
	}
	if len(changed) > 0 {
		return CheckResult{
			Passed:      false,
			Blocking:    true,
			Message:     fmt.Sprintf("%d uncommitted change(s) under %s: %s", len(changed), g.cfg.TrackedDir, listIDs(changed)),
			Remediation: fmt.Sprintf("git add %s && git commit -m \"strata: sync state\"", g.cfg.TrackedDir),
		}, nil
	}
	return CheckResult{Passed: true, Blocking: true, Message: g.cfg.TrackedDir + " is committed"}, nil
}

// checkEscalation runs for the supervisor role only. When recent errors or
// crashes pile up it blocks and requests guidance, until the attempt
// threshold is reached within the cooldown window.
func (g *Gate) checkEscalation(ctx context.Context, ev *evaluation) (CheckResult, error) {
	if ev.in.Role != g.cfg.SupervisorRole {
		return CheckResult{Passed: true, Blocking: false, Message: "not the supervisor role; skipped"}, nil
	}

	blockers, err := g.detectBlockers(ctx, ev)
	if err != nil {
		return CheckResult{}, err
	}
	if len(blockers) == 0 {
		return CheckResult{Passed: true, Blocking: true, Message: "no recent blockers"}, nil
	}

	attempt, bypass, err := g.escalationAttempt(ctx, ev.now)
	if err != nil {
		return CheckResult{}, fmt.Errorf("escalation state: %w", err)
	}
	summary := strings.Join(blockers, "; ")
	if bypass {
		return CheckResult{
			Passed:   true,
			Blocking: false,
			Message:  fmt.Sprintf("guidance already requested %d time(s) within %s; allowing stop", attempt, g.cfg.EscalationCooldown),
			Warnings: []string{"unresolved blockers: " + summary},
		}, nil
	}

	g.requestGuidance(ctx, ev, summary, attempt)
	return CheckResult{
		Passed:      false,
		Blocking:    true,
		Message:     fmt.Sprintf("blockers detected (%s); guidance requested, attempt %d of %d", summary, attempt, g.cfg.EscalationThreshold),
		Remediation: "strata journal --level error; strata agent list; resolve the failures or wait for guidance",
	}, nil
}

func (g *Gate) detectBlockers(ctx context.Context, ev *evaluation) ([]string, error) {
	since := ev.now.Add(-g.cfg.BlockerWindow)
	var blockers []string

	if g.events != nil && g.cfg.ErrorBurst > 0 {
		n, err := g.events.Count(ctx, journal.QueryOpts{Level: journal.LevelError, After: &since})
		if err != nil {
			return nil, fmt.Errorf("count recent errors: %w", err)
		}
		if n >= g.cfg.ErrorBurst {
			blockers = append(blockers, fmt.Sprintf("%d errors in the last %s", n, g.cfg.BlockerWindow))
		}
	}
	if g.identities != nil && g.cfg.FailureBurst > 0 {
		crashed, err := g.identities.CrashedSince(since)
		if err != nil {
			return nil, fmt.Errorf("list crashed agents: %w", err)
		}
		if len(crashed) >= g.cfg.FailureBurst {
			addrs := make([]string, 0, len(crashed))
			for _, id := range crashed {
				addrs = append(addrs, id.Address())
			}
			blockers = append(blockers, fmt.Sprintf("%d agents crashed in the last %s: %s", len(crashed), g.cfg.BlockerWindow, listIDs(addrs)))
		}
	}
	return blockers, nil
}

// requestGuidance forwards the blockers to the notifier and queues a
// GUIDANCE signal for the supervisor. Both are fail-open.
func (g *Gate) requestGuidance(ctx context.Context, ev *evaluation, summary string, attempt int) {
	msg := protocol.FormatEscalation("GUIDANCE", g.cfg.SupervisorRole, "stop blocked by recent failures", summary)
	if g.notifier != nil {
		if err := g.notifier.Notify(ctx, msg); err != nil {
			g.logger.Warn("guidance notification failed", zap.Error(err))
		}
	}
	if g.signals != nil {
		_, err := g.signals.Send(ctx, "gate", g.cfg.SupervisorRole, protocol.SignalGuidance, map[string]any{
			"message": msg,
			"attempt": attempt,
			"session": ev.in.SessionID,
		})
		if err != nil {
			g.logger.Warn("guidance signal failed", zap.Error(err))
		}
	}
}

// checkTodos is reserved for transcript analysis and always passes.
func (g *Gate) checkTodos(context.Context, *evaluation) (CheckResult, error) {
	return CheckResult{Passed: true, Blocking: false, Message: "not evaluated"}, nil
}

// checkRepoAdvisory warns about uncommitted changes anywhere in the
// repository. It never blocks, even when git fails.
func (g *Gate) checkRepoAdvisory(ctx context.Context, ev *evaluation) (CheckResult, error) {
	vctx, cancel := g.vcsContext(ctx)
	defer cancel()

	changed, err := merge.StatusPorcelain(vctx, g.git, ev.root)
	if err != nil {
		return CheckResult{Passed: true, Blocking: false, Message: fmt.Sprintf("repository status unavailable: %v", err)}, nil
	}
	if len(changed) > 0 {
		return CheckResult{
			Passed:      false,
			Blocking:    false,
			Message:     fmt.Sprintf("%d uncommitted change(s) in the repository", len(changed)),
			Remediation: "git status",
		}, nil
	}
	return CheckResult{Passed: true, Blocking: false, Message: "working tree clean"}, nil
}

// checkOutcome is a no-op unless strict enforcement is on, in which case
// every feature in the completion document must have passed.
func (g *Gate) checkOutcome(context.Context, *evaluation) (CheckResult, error) {
	if !g.cfg.StrictOutcome {
		return CheckResult{Passed: true, Blocking: false, Message: "strict outcome enforcement off"}, nil
	}
	c, ok, err := g.loadCompletion()
	if err != nil {
		return CheckResult{}, err
	}
	if !ok {
		return CheckResult{
			Passed:      false,
			Blocking:    true,
			Message:     "strict outcome enforcement is on but no completion state exists",
			Remediation: fmt.Sprintf("write %s/%s or disable gate.strict_outcome", protocol.StrataDir, protocol.CompletionFile),
		}, nil
	}
	if open := c.Unfinished(); len(open) > 0 {
		return CheckResult{
			Passed:      false,
			Blocking:    true,
			Message:     fmt.Sprintf("%d feature(s) not passed: %s", len(open), listIDs(open)),
			Remediation: "finish and validate the listed features before stopping",
		}, nil
	}
	return CheckResult{Passed: true, Blocking: true, Message: "all features passed"}, nil
}
