package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/pkg/protocol"
)

func seededSource(t *testing.T) (*source, string) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	src, err := newSource(dir)
	require.NoError(t, err)

	_, err = src.identities.Create(ctx, "runner", "auth", "s1", "/work/auth")
	require.NoError(t, err)
	_, err = src.identities.Create(ctx, "runner", "billing", "s2", "/work/billing")
	require.NoError(t, err)
	_, err = src.identities.MarkCrashed(ctx, "runner", "billing")
	require.NoError(t, err)

	_, err = src.hooks.Create(ctx, "runner", "auth", protocol.PhaseValidating)
	require.NoError(t, err)

	_, err = src.signals.Send(ctx, "guardian", "runner/auth", protocol.SignalApproved, nil)
	require.NoError(t, err)
	_, err = src.signals.Send(ctx, "runner/auth", "guardian", protocol.SignalStuck, nil)
	require.NoError(t, err)

	_, err = src.queue.Enqueue(ctx, "n1", "feature/n1", "/repo")
	require.NoError(t, err)
	return src, dir
}

func TestCollect(t *testing.T) {
	src, _ := seededSource(t)
	snap, err := src.collect()
	require.NoError(t, err)

	require.Len(t, snap.Agents, 2)
	auth := snap.Agents[0]
	assert.Equal(t, "runner/auth", auth.Address)
	assert.Equal(t, protocol.PhaseValidating, auth.Phase)
	assert.Equal(t, 1, auth.Pending)
	assert.Equal(t, protocol.AgentCrashed, snap.Agents[1].Status)
	assert.Empty(t, snap.Agents[1].Phase)

	assert.Equal(t, 1, snap.Pending["guardian"])
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, "n1", snap.Queue[0].NodeID)
}

func TestRobotMode(t *testing.T) {
	src, _ := seededSource(t)
	snap, err := src.collect()
	require.NoError(t, err)
	data, err := robotMode(snap)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "agents")
	assert.Contains(t, decoded, "queue")
}

type stubCollector struct {
	snap Snapshot
	err  error
}

func (s stubCollector) collect() (Snapshot, error) { return s.snap, s.err }

func TestModel_SnapshotPopulatesTables(t *testing.T) {
	src, _ := seededSource(t)
	m := newModel(src, nil)

	msg := m.refreshCmd()()
	updated, _ := m.Update(msg)
	got := updated.(Model)

	require.Len(t, got.agents.Rows(), 2)
	assert.Equal(t, "runner/auth", got.agents.Rows()[0][0])
	assert.Equal(t, "validating", got.agents.Rows()[0][2])
	require.Len(t, got.queue.Rows(), 1)

	view := got.View()
	assert.Contains(t, view, "1 active")
	assert.Contains(t, view, "1 crashed")
	assert.Contains(t, view, "guardian", "supervisor inbox is listed under pending signals")
}

func TestModel_RefreshErrorKeepsLastSnapshot(t *testing.T) {
	snap := Snapshot{TakenAt: time.Now(), Agents: []AgentRow{{Address: "runner/auth", Status: protocol.AgentActive}}}
	m := newModel(stubCollector{snap: snap}, nil)
	updated, _ := m.Update(snapshotMsg{snap: snap})
	updated, _ = updated.(Model).Update(snapshotMsg{err: errors.New("disk gone")})
	got := updated.(Model)

	assert.Len(t, got.agents.Rows(), 1)
	assert.Contains(t, got.View(), "refresh failed: disk gone")
}

func TestModel_Keys(t *testing.T) {
	m := newModel(stubCollector{}, nil)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())

	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	got := updated.(Model)
	assert.Equal(t, queuePane, got.focus)
	assert.True(t, got.queue.Focused())
	assert.False(t, got.agents.Focused())
}

func TestAge(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "-", age(now, time.Time{}))
	assert.Equal(t, "42s", age(now, now.Add(-42*time.Second)))
	assert.Equal(t, "3m", age(now, now.Add(-3*time.Minute)))
	assert.Equal(t, "2h", age(now, now.Add(-2*time.Hour)))
	assert.Equal(t, "0s", age(now, now.Add(time.Second)))
}

func TestWatcher_ReportsChange(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, protocol.SignalsDir), 0o755))
	w := newWatcher(dir)
	require.NotNil(t, w)
	defer w.Close()

	done := make(chan tea.Msg, 1)
	go func() { done <- waitForChange(w)() }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, protocol.SignalsDir, "x.json"), []byte("{}"), 0o644))
	select {
	case msg := <-done:
		assert.IsType(t, fsChangeMsg{}, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestWatcher_MissingDir(t *testing.T) {
	assert.Nil(t, newWatcher(filepath.Join(t.TempDir(), "missing")))
	assert.Nil(t, waitForChange(nil))
}

func TestHelpLine(t *testing.T) {
	m := newModel(stubCollector{}, nil)
	assert.True(t, strings.Contains(m.View(), "q quit"))
}
