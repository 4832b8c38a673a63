package signal_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/pkg/protocol"
	"strata/pkg/signal"
)

func TestLifecycle_Addressing(t *testing.T) {
	ctx := context.Background()
	ch, _ := newChannel(t)

	_, err := ch.Registered(ctx, "runner", "auth", map[string]any{"session_id": "s1"})
	require.NoError(t, err)
	_, err = ch.Crashed(ctx, "runner", "billing", "heartbeat stale")
	require.NoError(t, err)
	_, err = ch.Terminated(ctx, "runner", "auth")
	require.NoError(t, err)

	toSupervisor, err := ch.Peek(protocol.RoleSupervisor)
	require.NoError(t, err)
	require.Len(t, toSupervisor, 2)
	assert.Equal(t, protocol.SignalAgentRegistered, toSupervisor[0].Type)
	assert.Equal(t, "runner/auth", toSupervisor[0].Source)
	assert.Equal(t, protocol.SignalAgentCrashed, toSupervisor[1].Type)
	assert.Equal(t, "heartbeat stale", toSupervisor[1].Payload["reason"])

	self, err := ch.Peek("runner/auth")
	require.NoError(t, err)
	require.Len(t, self, 1)
	assert.Equal(t, protocol.SignalAgentTerminated, self[0].Type)
	assert.Equal(t, "runner/auth", self[0].Source)
}

func TestWaitForReply_LeavesOtherSignals(t *testing.T) {
	ctx := context.Background()
	ch, _ := newChannel(t, signal.WithSupervisor("overseer"))

	// A non-reply signal addressed to the agent must survive the wait.
	_, err := ch.Terminated(ctx, "runner", "auth")
	require.NoError(t, err)

	_, err = ch.Request(ctx, "runner/auth", protocol.SignalNeedsInput, map[string]any{"question": "which schema?"})
	require.NoError(t, err)
	req, err := ch.Receive(ctx, "overseer", time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "which schema?", req.Payload["question"])

	_, err = ch.Reply(ctx, req.Source, protocol.SignalInputAnswered, map[string]any{"answer": "v2"})
	require.NoError(t, err)

	reply, err := ch.WaitForReply(ctx, "runner/auth", time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, protocol.SignalInputAnswered, reply.Type)
	assert.Equal(t, "overseer", reply.Source)

	left, err := ch.Peek("runner/auth")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, protocol.SignalAgentTerminated, left[0].Type)
}

func TestWaitForReply_Timeout(t *testing.T) {
	ch, _ := newChannel(t)
	_, err := ch.WaitForReply(context.Background(), "runner/auth", 50*time.Millisecond, 10*time.Millisecond)
	assert.ErrorIs(t, err, protocol.ErrTimeout)
}

func TestReceiveTypes(t *testing.T) {
	ctx := context.Background()
	ch, _ := newChannel(t)

	_, err := ch.Request(ctx, "runner/auth", protocol.SignalStuck, nil)
	require.NoError(t, err)
	_, err = ch.Request(ctx, "runner/auth", protocol.SignalComplete, nil)
	require.NoError(t, err)

	got, err := ch.ReceiveTypes(ctx, protocol.RoleSupervisor, time.Second, 10*time.Millisecond, protocol.SignalComplete)
	require.NoError(t, err)
	assert.Equal(t, protocol.SignalComplete, got.Type)

	n, err := ch.Pending(protocol.RoleSupervisor)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
