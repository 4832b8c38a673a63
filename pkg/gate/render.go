package gate

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// IsTerminal reports whether f is attached to a terminal, in which case
// Render may style its output.
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

type palette struct {
	title, pass, fail, warn, muted lipgloss.Style
}

func newPalette(styled bool) palette {
	if !styled {
		plain := lipgloss.NewStyle()
		return palette{plain, plain, plain, plain, plain}
	}
	return palette{
		title: lipgloss.NewStyle().Bold(true),
		pass:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		fail:  lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		muted: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// Render writes a human-readable report of d: the verdict, then one line
// per check with its remediation under any failure.
func Render(w io.Writer, d Decision, styled bool) error {
	p := newPalette(styled)

	var b strings.Builder
	switch {
	case d.Forced:
		b.WriteString(p.warn.Render("stop ALLOWED (forced by circuit breaker)"))
	case d.Allow:
		b.WriteString(p.pass.Render("stop ALLOWED"))
	default:
		b.WriteString(p.fail.Render("stop BLOCKED"))
	}
	b.WriteString(p.muted.Render(fmt.Sprintf("  iteration %d", d.Iteration)))
	b.WriteString("\n")

	for _, r := range d.Results {
		var mark string
		switch {
		case r.Vetoes():
			mark = p.fail.Render("✗")
		case !r.Passed:
			mark = p.warn.Render("!")
		default:
			mark = p.pass.Render("✓")
		}
		fmt.Fprintf(&b, "  %s %s %s: %s\n", mark, p.title.Render(string(r.Priority)), r.Name, r.Message)
		for _, warning := range r.Warnings {
			fmt.Fprintf(&b, "      %s\n", p.warn.Render(warning))
		}
		if !r.Passed && r.Remediation != "" {
			fmt.Fprintf(&b, "      %s %s\n", p.muted.Render("fix:"), r.Remediation)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// Reason is the plain-text explanation handed back to a blocked agent.
func (d Decision) Reason() string {
	if d.Allow {
		return ""
	}
	var b strings.Builder
	b.WriteString("Stop blocked by strata gate:\n")
	for _, msg := range d.Blocking {
		fmt.Fprintf(&b, "- %s\n", msg)
	}
	if len(d.Remediations) > 0 {
		b.WriteString("Remediation:\n")
		for _, r := range d.Remediations {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if len(d.Warnings) > 0 {
		b.WriteString("Warnings:\n")
		for _, msg := range d.Warnings {
			fmt.Fprintf(&b, "- %s\n", msg)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

type hookBlock struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// HookResponse encodes d for a Claude Code Stop hook: an empty object allows
// the stop, a block decision carries the reason.
func HookResponse(d Decision) []byte {
	if d.Allow {
		return []byte("{}")
	}
	data, err := json.Marshal(hookBlock{Decision: "block", Reason: d.Reason()})
	if err != nil {
		return []byte(`{"decision":"block","reason":"strata gate blocked the stop"}`)
	}
	return data
}
