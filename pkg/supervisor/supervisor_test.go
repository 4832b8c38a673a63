package supervisor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"strata/pkg/identity"
	"strata/pkg/protocol"
	"strata/pkg/respawn"
	"strata/pkg/signal"
	"strata/pkg/supervisor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRespawner struct {
	mu   sync.Mutex
	reqs []respawn.Request
	fail map[string]bool
}

func (f *fakeRespawner) Respawn(_ context.Context, req respawn.Request) (respawn.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.fail[req.Name] {
		return respawn.Result{}, errors.New("tmux exploded")
	}
	return respawn.Result{Status: respawn.StatusRespawned}, nil
}

func (f *fakeRespawner) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.reqs {
		out = append(out, r.Name)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock   *clock
	reg     *identity.Registry
	signals *signal.Channel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	c := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	reg, err := identity.New(dir, identity.WithClock(c.Now))
	require.NoError(t, err)
	ch, err := signal.New(dir, signal.WithWatch(false))
	require.NoError(t, err)
	return &fixture{clock: c, reg: reg, signals: ch}
}

func TestSweep_MarksStaleAndAnnounces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.reg.Create(ctx, "runner", "auth", "s1", "/work/auth")
	require.NoError(t, err)
	_, err = f.reg.Create(ctx, "runner", "billing", "s2", "/work/billing")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	_, err = f.reg.TouchLiveness(ctx, "runner", "billing")
	require.NoError(t, err)

	sup := supervisor.New(f.reg, f.signals, time.Minute)
	report, err := sup.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"runner/auth"}, report.Crashed)
	assert.Empty(t, report.Respawned)

	id, err := f.reg.Read("runner", "auth")
	require.NoError(t, err)
	assert.Equal(t, protocol.AgentCrashed, id.Status)

	queued, err := f.signals.Peek(protocol.RoleSupervisor)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, protocol.SignalAgentCrashed, queued[0].Type)
	assert.Equal(t, "runner/auth", queued[0].Source)

	// A crashed agent is never swept twice.
	f.clock.Advance(time.Hour)
	_, err = f.reg.TouchLiveness(ctx, "runner", "billing")
	require.NoError(t, err)
	report, err = sup.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Crashed)
}

func TestSweep_RespawnsPlannedAgents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, name := range []string{"auth", "billing", "search"} {
		_, err := f.reg.Create(ctx, "runner", name, "s-"+name, "/work/"+name)
		require.NoError(t, err)
	}
	_, err := f.reg.Create(ctx, "monitor", "main", "s-m", "")
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)

	rs := &fakeRespawner{fail: map[string]bool{"search": true}}
	sup := supervisor.New(f.reg, f.signals, time.Minute,
		supervisor.WithRespawn(rs, supervisor.SessionPlan("strata-", "claude")))
	sup.Register(respawn.Request{SessionName: "custom", TargetDir: "/elsewhere", Role: "runner", Name: "billing"})

	report, err := sup.Sweep(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Crashed, 4)
	assert.ElementsMatch(t, []string{"runner/auth", "runner/billing"}, report.Respawned)
	require.Contains(t, report.Failed, "runner/search")
	assert.ElementsMatch(t, []string{"auth", "billing", "search"}, rs.names(), "agents without a worktree stay down")

	for _, r := range rs.reqs {
		switch r.Name {
		case "billing":
			assert.Equal(t, "custom", r.SessionName, "registered request wins over the plan")
		case "auth":
			assert.Equal(t, "strata-runner-auth", r.SessionName)
			assert.Equal(t, "/work/auth", r.TargetDir)
			assert.Equal(t, "s-auth", r.SessionID)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	sup := supervisor.New(f.reg, f.signals, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, 5*time.Millisecond) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
