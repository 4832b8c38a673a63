package protocol

import (
	"fmt"
	"strings"
)

// SignalType classifies a Signal. Lifecycle and domain signals share the
// same envelope and transport.
type SignalType string

// Lifecycle signal types.
const (
	SignalAgentRegistered SignalType = "AGENT_REGISTERED"
	SignalAgentCrashed    SignalType = "AGENT_CRASHED"
	SignalAgentTerminated SignalType = "AGENT_TERMINATED"
)

// Domain signal types sent by executors and the monitor to the supervisor.
const (
	SignalNeedsReview SignalType = "NEEDS_REVIEW"
	SignalNeedsInput  SignalType = "INPUT_NEEDED"
	SignalViolation   SignalType = "VIOLATION"
	SignalStuck       SignalType = "STUCK"
	SignalCrashed     SignalType = "CRASHED"
	SignalComplete    SignalType = "COMPLETE"
)

// Supervisor replies.
const (
	SignalApproved      SignalType = "APPROVED"
	SignalRejected      SignalType = "REJECTED"
	SignalInputAnswered SignalType = "INPUT_ANSWERED"
	SignalKill          SignalType = "KILL"
	SignalGuidance      SignalType = "GUIDANCE"
)

// ReplyTypes lists the signal types a supervisor may answer with.
var ReplyTypes = []SignalType{ //nolint:gochecknoglobals // fixed vocabulary
	SignalApproved, SignalRejected, SignalInputAnswered, SignalKill, SignalGuidance,
}

// requiredPayloadKeys documents the payload schema per signal type.
// Types not listed here carry free-form payloads.
var requiredPayloadKeys = map[SignalType][]string{ //nolint:gochecknoglobals // fixed vocabulary
	SignalNeedsInput:    {"question"},
	SignalInputAnswered: {"answer"},
	SignalRejected:      {"reason"},
	SignalKill:          {"reason"},
	SignalGuidance:      {"message"},
	SignalViolation:     {"rule"},
}

// ValidatePayload checks that payload carries every key the signal type
// requires. A nil payload is valid for types without required keys.
func ValidatePayload(typ SignalType, payload map[string]any) error {
	if strings.TrimSpace(string(typ)) == "" {
		return fmt.Errorf("signal type is empty")
	}
	var missing []string
	for _, k := range requiredPayloadKeys[typ] {
		if _, ok := payload[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &PayloadSchemaError{Type: string(typ), Missing: missing}
	}
	return nil
}

// AgentStatus is the liveness status of an identity.
type AgentStatus string

// Agent status constants.
const (
	AgentActive  AgentStatus = "active"
	AgentCrashed AgentStatus = "crashed"
)

// Phase is an agent's work phase as recorded in its hook.
type Phase string

// Known phases, in the order an agent advances through them.
const (
	PhasePlanning     Phase = "planning"
	PhaseExecuting    Phase = "executing"
	PhaseImplComplete Phase = "impl_complete"
	PhaseValidating   Phase = "validating"
	PhaseMerged       Phase = "merged"
)

var phaseOrder = map[Phase]int{ //nolint:gochecknoglobals // fixed vocabulary
	PhasePlanning:     0,
	PhaseExecuting:    1,
	PhaseImplComplete: 2,
	PhaseValidating:   3,
	PhaseMerged:       4,
}

// PhaseRank returns the position of p in the known phase order and whether
// p is a known phase. Custom phases have no rank.
func PhaseRank(p Phase) (int, bool) {
	r, ok := phaseOrder[p]
	return r, ok
}

// QueueStatus is the processing status of a queue entry.
type QueueStatus string

// Queue status constants.
const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueDone       QueueStatus = "done"
	QueueFailed     QueueStatus = "failed"
)

// CompletionStatus is a status string in the externally-owned
// completion-state and promise documents.
type CompletionStatus string

// Completion status constants.
const (
	CompletionPending    CompletionStatus = "pending"
	CompletionInProgress CompletionStatus = "in_progress"
	CompletionPassed     CompletionStatus = "passed"
	CompletionFailed     CompletionStatus = "failed"
)

// Open reports whether the status still represents outstanding work.
func (s CompletionStatus) Open() bool {
	return s == CompletionPending || s == CompletionInProgress
}

// AgentAddress formats the signal address of an agent. A bare role (empty
// name) addresses the role itself, e.g. the supervisor.
func AgentAddress(role, name string) string {
	if name == "" {
		return role
	}
	return role + "/" + name
}

// FormatEscalation produces a structured escalation line in the form:
//
//	[STRATA] <TYPE>: <subject> — <summary>. <details>.
//
// If details is empty the trailing details clause is omitted.
func FormatEscalation(typ, subject, summary, details string) string {
	if details != "" {
		return fmt.Sprintf("[STRATA] %s: %s — %s. %s.", typ, subject, summary, details)
	}
	return fmt.Sprintf("[STRATA] %s: %s — %s.", typ, subject, summary)
}
