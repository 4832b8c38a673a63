package signal

import (
	"context"
	"time"

	"strata/pkg/protocol"
)

// Registered announces a newly started agent to the supervisor.
func (c *Channel) Registered(ctx context.Context, role, name string, payload map[string]any) (string, error) {
	return c.Send(ctx, protocol.AgentAddress(role, name), c.supervisor, protocol.SignalAgentRegistered, payload)
}

// Crashed tells the supervisor that an agent stopped responding. The agent
// is the source even when the supervisor's sweep is the one writing it.
func (c *Channel) Crashed(ctx context.Context, role, name, reason string) (string, error) {
	return c.Send(ctx, protocol.AgentAddress(role, name), c.supervisor, protocol.SignalAgentCrashed,
		map[string]any{"reason": reason})
}

// Terminated records an agent's clean exit. It is addressed to the agent
// itself so a restarted process finds it on startup.
func (c *Channel) Terminated(ctx context.Context, role, name string) (string, error) {
	addr := protocol.AgentAddress(role, name)
	return c.Send(ctx, addr, addr, protocol.SignalAgentTerminated, nil)
}

// Request sends a domain signal (review-ready, input-needed, stuck, ...) from
// an agent to the supervisor.
func (c *Channel) Request(ctx context.Context, from string, typ protocol.SignalType, payload map[string]any) (string, error) {
	return c.Send(ctx, from, c.supervisor, typ, payload)
}

// Reply sends a supervisor reply (approved, rejected, kill, ...) to an agent.
func (c *Channel) Reply(ctx context.Context, to string, typ protocol.SignalType, payload map[string]any) (string, error) {
	return c.Send(ctx, c.supervisor, to, typ, payload)
}

// WaitForReply blocks until the supervisor answers agent with one of the
// reply types. Other signals addressed to agent stay in place.
func (c *Channel) WaitForReply(ctx context.Context, agent string, timeout, pollInterval time.Duration) (*Signal, error) {
	return c.receive(ctx, agent, timeout, pollInterval, protocol.ReplyTypes)
}

// ReceiveTypes is Receive restricted to the given signal types.
func (c *Channel) ReceiveTypes(ctx context.Context, target string, timeout, pollInterval time.Duration, types ...protocol.SignalType) (*Signal, error) {
	return c.receive(ctx, target, timeout, pollInterval, types)
}
