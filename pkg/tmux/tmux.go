// Package tmux is the session handle used to supervise agent processes: it
// answers "is this agent still alive", launches replacements in detached
// sessions, and types instructions into an agent's terminal.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// Runner abstracts command execution for testability.
type Runner interface {
	Run(name string, args ...string) (string, error)
}

// ExecRunner implements Runner using os/exec.
type ExecRunner struct{}

// Run executes a command and returns its combined output.
func (e *ExecRunner) Run(name string, args ...string) (string, error) {
	cmd := exec.CommandContext(context.Background(), name, args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// defaultReadyTimeout is the default time to wait for an agent to become
// ready. Agents with startup hooks can take 30-45s to initialize.
const defaultReadyTimeout = 60 * time.Second

// pollInterval is the time between capture-pane readiness checks.
const pollInterval = 500 * time.Millisecond

// sendKeysDebounce is the delay between typing text and pressing Enter.
// TUI agents need time to process pasted text before Enter.
const sendKeysDebounce = 2 * time.Second

// DefaultPromptIndicator is the character the agent TUI shows when it is
// ready for input.
const DefaultPromptIndicator = "❯"

// Session manages one detached tmux session running one agent.
type Session struct {
	Name            string
	Runner          Runner
	Sleeper         func(time.Duration) // optional; overrides time.Sleep for testing
	ReadyTimeout    time.Duration       // 0 means defaultReadyTimeout
	PromptIndicator string              // "" means DefaultPromptIndicator
}

// NewSession creates a Session with the default ExecRunner.
func NewSession(name string) *Session {
	return &Session{Name: name, Runner: &ExecRunner{}}
}

// Exists checks whether the named tmux session is running.
func (s *Session) Exists() bool {
	_, err := s.Runner.Run("tmux", "has-session", "-t", s.Name)
	return err == nil
}

// Alive reports whether the session exists and its pane is running the
// agent rather than a bare shell. A session that fell back to a shell is a
// zombie: the agent inside it has exited.
func (s *Session) Alive() bool {
	if !s.Exists() {
		return false
	}
	out, err := s.Runner.Run("tmux", "display-message", "-p", "-t", s.Name, "#{pane_current_command}")
	if err != nil {
		return false
	}
	cmd := strings.TrimSpace(out)
	return cmd != "" && !isShell(cmd)
}

// isShell returns true if cmd matches a known shell process name.
func isShell(cmd string) bool {
	switch cmd {
	case "zsh", "bash", "sh", "fish":
		return true
	}
	return false
}

// execEnvCmd builds an exec-env command line that replaces the pane's shell
// with command, so the agent is the pane's initial process.
func execEnvCmd(env map[string]string, command string) string {
	var b strings.Builder
	b.WriteString("exec env")
	for _, k := range sortedKeys(env) {
		fmt.Fprintf(&b, " %s=%s", k, escapeForShell(env[k]))
	}
	b.WriteString(" ")
	b.WriteString(command)
	return b.String()
}

func sortedKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Launch starts a detached session in dir running command with env set. An
// empty command starts the default shell with env exported into the session,
// so the agent can be started later by typing into it. A zombie session of
// the same name is killed first; a live one is an error.
func (s *Session) Launch(dir string, env map[string]string, command string) error {
	if s.Exists() {
		if s.Alive() {
			return fmt.Errorf("tmux session %s is already running", s.Name)
		}
		_ = s.Kill()
	}
	args := []string{"new-session", "-d", "-s", s.Name, "-c", dir}
	if command == "" {
		for _, k := range sortedKeys(env) {
			args = append(args, "-e", k+"="+env[k])
		}
	} else {
		args = append(args, execEnvCmd(env, command))
	}
	if _, err := s.Runner.Run("tmux", args...); err != nil {
		return fmt.Errorf("tmux new-session: %w", err)
	}
	return nil
}

func (s *Session) readyTimeout() time.Duration {
	if s.ReadyTimeout == 0 {
		return defaultReadyTimeout
	}
	return s.ReadyTimeout
}

// WaitForCommand polls pane_current_command until the foreground process is
// no longer a shell.
func (s *Session) WaitForCommand() error {
	timeout := s.readyTimeout()
	deadline := time.Now().Add(timeout)
	var lastCmd string

	for {
		out, err := s.Runner.Run("tmux", "display-message", "-p", "-t", s.Name, "#{pane_current_command}")
		if err == nil {
			lastCmd = strings.TrimSpace(out)
			if lastCmd != "" && !isShell(lastCmd) {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("agent did not start in %s within %v (last command: %s)", s.Name, timeout, lastCmd)
		}
		s.sleep(pollInterval)
	}
}

// WaitForPrompt polls the pane content until the prompt indicator appears,
// meaning the agent TUI is rendered and ready for input.
func (s *Session) WaitForPrompt() error {
	indicator := s.PromptIndicator
	if indicator == "" {
		indicator = DefaultPromptIndicator
	}
	timeout := s.readyTimeout()
	deadline := time.Now().Add(timeout)

	for {
		out, err := s.Runner.Run("tmux", "capture-pane", "-p", "-t", s.Name)
		if err == nil && strings.Contains(out, indicator) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("prompt %q not found in %s within %v", indicator, s.Name, timeout)
		}
		s.sleep(pollInterval)
	}
}

// sleep pauses for the given duration. It uses the Sleeper if set (for
// testing), otherwise falls back to time.Sleep.
func (s *Session) sleep(d time.Duration) {
	if s.Sleeper != nil {
		s.Sleeper(d)
		return
	}
	time.Sleep(d)
}

// SendKeys types text into the session's pane and presses Enter, waking
// the pane if no client is attached. Newlines are flattened so the text is
// submitted as one message.
func (s *Session) SendKeys(text string) error {
	text = flatten(text)
	if _, err := s.Runner.Run("tmux", "send-keys", "-t", s.Name, "-l", text); err != nil {
		return fmt.Errorf("tmux send-keys -l to %s: %w", s.Name, err)
	}
	s.wakeIfDetached()
	s.sleep(sendKeysDebounce)

	// Escape leaves any vim-mode INSERT state; harmless otherwise.
	_, _ = s.Runner.Run("tmux", "send-keys", "-t", s.Name, "Escape")
	s.wakeIfDetached()
	s.sleep(100 * time.Millisecond)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			s.sleep(200 * time.Millisecond)
		}
		if _, err := s.Runner.Run("tmux", "send-keys", "-t", s.Name, "Enter"); err != nil {
			lastErr = err
			continue
		}
		s.wakeIfDetached()
		return nil
	}
	return fmt.Errorf("failed to send Enter to %s after 3 attempts: %w", s.Name, lastErr)
}

// verifyHintMaxLen is the max length of the text prefix used for
// capture-pane verification; long text may be wrapped by the TUI.
const verifyHintMaxLen = 30

func verifyHint(text string) string {
	if len(text) <= verifyHintMaxLen {
		return text
	}
	return text[:verifyHintMaxLen]
}

// SendKeysVerified sends text and confirms a prefix of it shows up in the
// pane, clearing the input line (C-u) and retrying until timeout.
func (s *Session) SendKeysVerified(text string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	hint := verifyHint(flatten(text))
	firstAttempt := true

	for {
		if !firstAttempt {
			_, _ = s.Runner.Run("tmux", "send-keys", "-t", s.Name, "C-u")
			s.sleep(100 * time.Millisecond)
		}
		firstAttempt = false

		if err := s.SendKeys(text); err != nil {
			if time.Now().After(deadline) {
				return fmt.Errorf("text %q not delivered to %s within %v: %w", hint, s.Name, timeout, err)
			}
			s.sleep(pollInterval)
			continue
		}

		out, err := s.Runner.Run("tmux", "capture-pane", "-p", "-t", s.Name)
		if err == nil && strings.Contains(out, hint) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("text %q not visible in %s within %v", hint, s.Name, timeout)
		}
		s.sleep(pollInterval)
	}
}

// wakeIfDetached sends SIGWINCH to the pane's process when no client is
// attached, which wakes TUI render loops in detached sessions.
func (s *Session) wakeIfDetached() {
	out, err := s.Runner.Run("tmux", "display-message", "-p", "-t", s.Name, "#{session_attached}")
	if err == nil && strings.TrimSpace(out) != "0" {
		return
	}
	pidStr, err := s.Runner.Run("tmux", "display-message", "-p", "-t", s.Name, "#{pane_pid}")
	if err != nil {
		return
	}
	_, _ = s.Runner.Run("kill", "-WINCH", strings.TrimSpace(pidStr))
}

// Paste delivers msg to pane as literal text via a named buffer
// (set-buffer + paste-buffer), then presses Enter. An empty pane targets
// the session's active pane. Newlines are flattened so the message stays on
// one line.
func (s *Session) Paste(pane, msg string) error {
	if pane == "" {
		pane = s.Name
	}
	if !s.Exists() {
		return fmt.Errorf("tmux session %s not found", s.Name)
	}
	if _, err := s.Runner.Run("tmux", "set-buffer", "-b", "strata-notify", flatten(msg)); err != nil {
		return fmt.Errorf("tmux set-buffer: %w", err)
	}
	if _, err := s.Runner.Run("tmux", "paste-buffer", "-b", "strata-notify", "-t", pane, "-d"); err != nil {
		return fmt.Errorf("tmux paste-buffer to %s: %w", pane, err)
	}
	if _, err := s.Runner.Run("tmux", "send-keys", "-t", pane, "Enter"); err != nil {
		return fmt.Errorf("tmux send-keys Enter to %s: %w", pane, err)
	}
	return nil
}

// Kill destroys the named tmux session.
func (s *Session) Kill() error {
	if _, err := s.Runner.Run("tmux", "kill-session", "-t", s.Name); err != nil {
		return fmt.Errorf("tmux kill-session: %w", err)
	}
	return nil
}

// ListSessions returns the names of running sessions that start with prefix.
func ListSessions(r Runner, prefix string) ([]string, error) {
	out, err := r.Run("tmux", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No server running means no sessions.
		if strings.Contains(out, "no server running") {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

func flatten(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	return strings.ReplaceAll(msg, "\r", " ")
}

// escapeForShell wraps s in single quotes, escaping embedded single quotes.
func escapeForShell(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
