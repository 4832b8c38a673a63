package protocol

// Directory and file names under the strata state directory.
const (
	// StrataDir is the per-project state directory (e.g., <root>/.strata).
	StrataDir = ".strata"

	// SignalsDir holds visible (unconsumed) signal files.
	SignalsDir = "signals"

	// ProcessedDir is the archive subdirectory of SignalsDir. Consumed
	// signals are renamed here, never deleted in place.
	ProcessedDir = "processed"

	// AgentsDir holds one identity record per (role, name).
	AgentsDir = "agents"

	// HooksDir holds one phase/resumption record per (role, name).
	HooksDir = "hooks"

	// QueueFile is the persisted work queue document.
	QueueFile = "merge_queue.yaml"

	// GateDir holds stop-gate bookkeeping (iteration and escalation counters).
	GateDir = "gate"

	// PromisesDir holds externally-owned completion promise records.
	PromisesDir = "promises"

	// CompletionFile is the externally-owned completion-state document.
	CompletionFile = "completion.yaml"

	// JournalFile is the SQLite coordination event journal.
	JournalFile = "journal.db"

	// ConfigFile is the project-level configuration file.
	ConfigFile = "config.toml"

	// TempPrefix marks in-progress writes. Listings must skip these.
	TempPrefix = ".tmp-"

	// LockSuffix is appended to a record path to form its companion lock file.
	LockSuffix = ".lock"
)

// Default roles in the pipeline.
const (
	RoleSupervisor = "guardian"
	RoleMonitor    = "monitor"
	RoleExecutor   = "runner"
)
