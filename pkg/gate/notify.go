package gate

import (
	"context"

	"strata/pkg/tmux"
)

// Notifier forwards a guidance request to whoever can answer it.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// TmuxNotifier pastes guidance requests into a tmux pane, usually the
// operator's or the supervising meta-process's.
type TmuxNotifier struct {
	Session *tmux.Session
	Pane    string // "" targets the session's active pane
}

// NewTmuxNotifier returns a notifier for the named session and pane.
func NewTmuxNotifier(sessionName, pane string) *TmuxNotifier {
	return &TmuxNotifier{Session: tmux.NewSession(sessionName), Pane: pane}
}

// Notify pastes msg into the configured pane.
func (n *TmuxNotifier) Notify(ctx context.Context, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.Session.Paste(n.Pane, msg)
}
