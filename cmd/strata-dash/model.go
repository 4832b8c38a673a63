package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"

	"strata/pkg/protocol"
)

// refreshInterval is how often the dashboard re-reads state without a
// filesystem event.
const refreshInterval = 2 * time.Second

// tickMsg is sent by Bubble Tea on every tick interval.
type tickMsg time.Time

// snapshotMsg carries a freshly collected snapshot.
type snapshotMsg struct {
	snap Snapshot
	err  error
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// pane identifies the focused table.
type pane int

const (
	agentsPane pane = iota
	queuePane
)

// Model is the Bubble Tea model for the strata dashboard.
type Model struct {
	src     collector
	watcher *fsnotify.Watcher
	theme   Theme
	styles  Styles

	snap   Snapshot
	err    error
	focus  pane
	agents table.Model
	queue  table.Model

	width  int
	height int
}

// collector is the read side the model depends on.
type collector interface {
	collect() (Snapshot, error)
}

func newModel(src collector, watcher *fsnotify.Watcher) Model {
	theme := DefaultTheme()
	m := Model{
		src:     src,
		watcher: watcher,
		theme:   theme,
		styles:  NewStyles(theme),
		agents: table.New(
			table.WithColumns([]table.Column{
				{Title: "Agent", Width: 24},
				{Title: "Status", Width: 9},
				{Title: "Phase", Width: 14},
				{Title: "Heartbeat", Width: 10},
				{Title: "Inbox", Width: 6},
			}),
			table.WithFocused(true),
			table.WithHeight(8),
		),
		queue: table.New(
			table.WithColumns([]table.Column{
				{Title: "Node", Width: 18},
				{Title: "Branch", Width: 24},
				{Title: "Status", Width: 11},
				{Title: "Tries", Width: 5},
				{Title: "Detail", Width: 30},
			}),
			table.WithHeight(6),
		),
	}
	return m
}

func (m Model) refreshCmd() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		snap, err := src.collect()
		return snapshotMsg{snap: snap, err: err}
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tickCmd(), waitForChange(m.watcher))
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.agents.SetRows(m.agentRows())
			m.queue.SetRows(queueRows(m.snap))
		}

	case tickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd())

	case fsChangeMsg:
		return m, tea.Batch(m.refreshCmd(), waitForChange(m.watcher))
	}
	return m, nil
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "r":
		return m, m.refreshCmd()
	case "tab":
		if m.focus == agentsPane {
			m.focus = queuePane
			m.agents.Blur()
			m.queue.Focus()
		} else {
			m.focus = agentsPane
			m.queue.Blur()
			m.agents.Focus()
		}
		return m, nil
	}

	var cmd tea.Cmd
	if m.focus == agentsPane {
		m.agents, cmd = m.agents.Update(msg)
	} else {
		m.queue, cmd = m.queue.Update(msg)
	}
	return m, cmd
}

func (m Model) agentRows() []table.Row {
	rows := make([]table.Row, 0, len(m.snap.Agents))
	for _, a := range m.snap.Agents {
		phase := string(a.Phase)
		if phase == "" {
			phase = "-"
		}
		rows = append(rows, table.Row{
			a.Address,
			string(a.Status),
			phase,
			age(m.snap.TakenAt, a.LastHeartbeat),
			fmt.Sprintf("%d", a.Pending),
		})
	}
	return rows
}

func queueRows(s Snapshot) []table.Row {
	rows := make([]table.Row, 0, len(s.Queue))
	for _, e := range s.Queue {
		detail := e.CommitSHA
		if e.LastError != "" {
			detail = e.LastError
		}
		rows = append(rows, table.Row{e.NodeID, e.Branch, string(e.Status), fmt.Sprintf("%d", e.Attempts), detail})
	}
	return rows
}

// age renders how long ago t was relative to now, coarsely.
func age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("strata"))
	b.WriteString(m.styles.Muted.Render(fmt.Sprintf("  %s", m.summary())))
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(m.styles.Error.Render("refresh failed: " + m.err.Error()))
		b.WriteString("\n")
	}

	b.WriteString(m.styles.Section.Render("Agents"))
	b.WriteString("\n")
	b.WriteString(m.agents.View())
	b.WriteString("\n")

	b.WriteString(m.styles.Section.Render("Queue"))
	b.WriteString("\n")
	b.WriteString(m.queue.View())
	b.WriteString("\n")

	if other := m.unaddressedInbox(); other != "" {
		b.WriteString(m.styles.Section.Render("Pending signals"))
		b.WriteString("\n")
		b.WriteString(other)
	}

	b.WriteString("\n")
	b.WriteString(m.styles.Muted.Render("tab switch pane · ↑/↓ move · r refresh · q quit"))
	return b.String()
}

func (m Model) summary() string {
	var active, crashed, pending, failed int
	for _, a := range m.snap.Agents {
		switch a.Status {
		case protocol.AgentActive:
			active++
		case protocol.AgentCrashed:
			crashed++
		}
	}
	for _, e := range m.snap.Queue {
		switch e.Status {
		case protocol.QueuePending:
			pending++
		case protocol.QueueFailed:
			failed++
		}
	}
	parts := []string{
		m.styles.Active.Render(fmt.Sprintf("%d active", active)),
	}
	if crashed > 0 {
		parts = append(parts, m.styles.Crashed.Render(fmt.Sprintf("%d crashed", crashed)))
	}
	parts = append(parts, fmt.Sprintf("%d queued", pending))
	if failed > 0 {
		parts = append(parts, m.styles.Error.Render(fmt.Sprintf("%d failed", failed)))
	}
	return strings.Join(parts, " · ")
}

// unaddressedInbox lists pending counts for targets that are not known
// agents, such as the supervisor role.
func (m Model) unaddressedInbox() string {
	known := make(map[string]bool, len(m.snap.Agents))
	for _, a := range m.snap.Agents {
		known[a.Address] = true
	}
	var targets []string
	for t := range m.snap.Pending {
		if !known[t] {
			targets = append(targets, t)
		}
	}
	sort.Strings(targets)
	var b strings.Builder
	for _, t := range targets {
		fmt.Fprintf(&b, "  %-24s %d\n", t, m.snap.Pending[t])
	}
	return b.String()
}
