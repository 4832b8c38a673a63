package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTimeout is returned when an awaited signal never arrived. It is
// distinct from I/O failures so callers can tell "nothing happened" from
// "something broke".
var ErrTimeout = errors.New("timed out waiting for signal")

// ErrNotFound is returned by mutating operations that require an existing
// record. Read paths return a nil record instead.
var ErrNotFound = errors.New("record not found")

// ErrAgentCrashed is returned by the heartbeat loop once the agent's
// identity has been marked crashed. Only a fresh identity revives it.
var ErrAgentCrashed = errors.New("agent marked crashed")

// ErrPhaseRegression is returned when a phase update would move an agent
// backwards through the known phase order.
var ErrPhaseRegression = errors.New("phase regression")

// RecordCorruptError reports a record that exists but fails to decode.
// Scans skip such records; direct reads surface this error.
type RecordCorruptError struct {
	Path string
	Err  error
}

func (e *RecordCorruptError) Error() string {
	return fmt.Sprintf("corrupt record %s: %v", e.Path, e.Err)
}

func (e *RecordCorruptError) Unwrap() error { return e.Err }

// PayloadSchemaError reports a signal payload missing required keys.
type PayloadSchemaError struct {
	Type    string
	Missing []string
}

func (e *PayloadSchemaError) Error() string {
	return fmt.Sprintf("payload for %s missing required keys: %s", e.Type, strings.Join(e.Missing, ", "))
}

// VCSErrorKind classifies a version-control subprocess failure.
type VCSErrorKind string

// VCS failure kinds.
const (
	VCSMissing    VCSErrorKind = "tool_missing"
	VCSNotARepo   VCSErrorKind = "not_a_repository"
	VCSTimeout    VCSErrorKind = "timeout"
	VCSExecFailed VCSErrorKind = "exec_failed"
)

// VCSError reports a failure invoking the version-control tool.
type VCSError struct {
	Kind   VCSErrorKind
	Detail string
}

func (e *VCSError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("git: %s", e.Kind)
	}
	return fmt.Sprintf("git: %s: %s", e.Kind, e.Detail)
}
