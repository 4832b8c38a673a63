// Package queue is the persisted, idempotent work queue drained by the
// integration step. The whole queue is one YAML document; every
// read-modify-write happens under the document's companion lock, and the
// integration itself runs outside it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"strata/pkg/fsx"
	"strata/pkg/journal"
	"strata/pkg/merge"
	"strata/pkg/protocol"
)

const (
	schemaVersion = 1
	fileType      = "merge_queue"
)

// Entry is one queued work item, keyed by NodeID.
type Entry struct {
	EntryID    string               `yaml:"entry_id"`
	NodeID     string               `yaml:"node_id"`
	Branch     string               `yaml:"branch"`
	RepoRoot   string               `yaml:"repo_root"`
	Status     protocol.QueueStatus `yaml:"status"`
	EnqueuedAt time.Time            `yaml:"enqueued_at"`
	Attempts   int                  `yaml:"attempts,omitempty"`
	LastError  string               `yaml:"last_error,omitempty"`
	CommitSHA  string               `yaml:"commit_sha,omitempty"`
}

type document struct {
	SchemaVersion int     `yaml:"schema_version"`
	FileType      string  `yaml:"file_type"`
	Entries       []Entry `yaml:"entries"`
}

func (d *document) find(pred func(*Entry) bool) *Entry {
	for i := range d.Entries {
		if pred(&d.Entries[i]) {
			return &d.Entries[i]
		}
	}
	return nil
}

// Integrator performs the work for one entry and returns the resulting
// commit, if any.
type Integrator interface {
	Integrate(ctx context.Context, e Entry) (commitSHA string, err error)
}

// IntegratorFunc adapts a function to Integrator.
type IntegratorFunc func(ctx context.Context, e Entry) (string, error)

// Integrate calls f.
func (f IntegratorFunc) Integrate(ctx context.Context, e Entry) (string, error) { return f(ctx, e) }

// MergeIntegrator integrates an entry by merging its branch into its repo
// root with a merge.Coordinator.
type MergeIntegrator struct {
	Coordinator *merge.Coordinator
}

// Integrate merges e.Branch into e.RepoRoot.
func (m MergeIntegrator) Integrate(ctx context.Context, e Entry) (string, error) {
	res, err := m.Coordinator.Merge(ctx, merge.Opts{RepoRoot: e.RepoRoot, Branch: e.Branch, NodeID: e.NodeID})
	if err != nil {
		return "", err
	}
	return res.CommitSHA, nil
}

// Result is the outcome of ProcessNext. An empty queue is Success with a
// nil Entry and nil Err.
type Result struct {
	Success bool
	Entry   *Entry
	Err     error
}

// Queue is the work queue stored at <stateDir>/merge_queue.yaml.
type Queue struct {
	path       string
	integrator Integrator
	logger     *zap.Logger
	journal    journal.Recorder
	now        func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithJournal records queue events on j.
func WithJournal(j journal.Recorder) Option {
	return func(q *Queue) { q.journal = j }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New returns a Queue under stateDir. A nil integrator marks entries done
// without doing any work.
func New(stateDir string, integrator Integrator, opts ...Option) (*Queue, error) {
	q := &Queue{
		path:       filepath.Join(stateDir, protocol.QueueFile),
		integrator: integrator,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return q, nil
}

// Path returns the queue document path.
func (q *Queue) Path() string { return q.path }

func (q *Queue) load() (*document, error) {
	doc := &document{}
	ok, err := fsx.ReadYAML(q.path, doc)
	if err != nil {
		return nil, err
	}
	if !ok {
		doc.SchemaVersion = schemaVersion
		doc.FileType = fileType
	}
	return doc, nil
}

func (q *Queue) save(doc *document) error {
	doc.SchemaVersion = schemaVersion
	doc.FileType = fileType
	return fsx.WriteYAML(q.path, doc)
}

// mutate runs fn on the document under the queue lock and saves it when fn
// reports a change.
func (q *Queue) mutate(ctx context.Context, fn func(*document) (bool, error)) error {
	return fsx.WithLock(ctx, q.path, func() error {
		doc, err := q.load()
		if err != nil {
			return err
		}
		changed, err := fn(doc)
		if err != nil || !changed {
			return err
		}
		return q.save(doc)
	})
}

// Enqueue appends a pending entry for nodeID. If nodeID is already queued,
// the existing entry is returned unchanged, whatever branch and repoRoot
// are passed.
func (q *Queue) Enqueue(ctx context.Context, nodeID, branch, repoRoot string) (*Entry, error) {
	if nodeID == "" {
		return nil, errors.New("enqueue: node id is required")
	}
	var out Entry
	created := false
	err := q.mutate(ctx, func(doc *document) (bool, error) {
		if e := doc.find(func(e *Entry) bool { return e.NodeID == nodeID }); e != nil {
			out = *e
			return false, nil
		}
		out = Entry{
			EntryID:    uuid.NewString(),
			NodeID:     nodeID,
			Branch:     branch,
			RepoRoot:   repoRoot,
			Status:     protocol.QueuePending,
			EnqueuedAt: q.now().UTC(),
		}
		doc.Entries = append(doc.Entries, out)
		created = true
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", nodeID, err)
	}
	if created {
		q.logger.Info("entry enqueued", zap.String("node_id", nodeID), zap.String("branch", branch))
		journal.Emit(ctx, q.journal, journal.Event{
			Type: "queue_enqueued", Source: "queue", Subject: nodeID, Payload: branch,
		})
	}
	return &out, nil
}

// ProcessNext claims the oldest pending entry, runs the integrator on it
// outside the lock, and records the outcome. A failed integration leaves
// the entry in failed status with the error recorded.
func (q *Queue) ProcessNext(ctx context.Context) Result {
	var claimed *Entry
	err := q.mutate(ctx, func(doc *document) (bool, error) {
		e := doc.find(func(e *Entry) bool { return e.Status == protocol.QueuePending })
		if e == nil {
			return false, nil
		}
		e.Status = protocol.QueueProcessing
		e.Attempts++
		cp := *e
		claimed = &cp
		return true, nil
	})
	if err != nil {
		return Result{Err: fmt.Errorf("claim next entry: %w", err)}
	}
	if claimed == nil {
		return Result{Success: true}
	}

	q.logger.Info("processing entry", zap.String("node_id", claimed.NodeID), zap.Int("attempt", claimed.Attempts))

	var sha string
	var workErr error
	if q.integrator != nil {
		sha, workErr = q.integrator.Integrate(ctx, *claimed)
	}

	final := *claimed
	if workErr != nil {
		final.Status = protocol.QueueFailed
		final.LastError = workErr.Error()
	} else {
		final.Status = protocol.QueueDone
		final.LastError = ""
		final.CommitSHA = sha
	}

	// Record the outcome even if the caller's context ended during the work.
	saveCtx := context.WithoutCancel(ctx)
	err = q.mutate(saveCtx, func(doc *document) (bool, error) {
		e := doc.find(func(e *Entry) bool { return e.EntryID == final.EntryID })
		if e == nil {
			return false, nil
		}
		*e = final
		return true, nil
	})
	if err != nil {
		return Result{Entry: &final, Err: fmt.Errorf("record outcome for %s: %w", final.NodeID, err)}
	}

	if workErr != nil {
		q.logger.Warn("entry failed", zap.String("node_id", final.NodeID), zap.Error(workErr))
		journal.Emit(saveCtx, q.journal, journal.Event{
			Type: "queue_failed", Source: "queue", Subject: final.NodeID, Level: journal.LevelError, Payload: workErr.Error(),
		})
		return Result{Entry: &final, Err: workErr}
	}
	q.logger.Info("entry done", zap.String("node_id", final.NodeID), zap.String("commit", sha))
	journal.Emit(saveCtx, q.journal, journal.Event{
		Type: "queue_processed", Source: "queue", Subject: final.NodeID, Payload: sha,
	})
	return Result{Success: true, Entry: &final}
}

// Retry returns a failed or stuck-processing entry to pending.
func (q *Queue) Retry(ctx context.Context, nodeID string) (*Entry, error) {
	var out Entry
	err := q.mutate(ctx, func(doc *document) (bool, error) {
		e := doc.find(func(e *Entry) bool { return e.NodeID == nodeID })
		if e == nil {
			return false, protocol.ErrNotFound
		}
		if e.Status != protocol.QueueFailed && e.Status != protocol.QueueProcessing {
			return false, fmt.Errorf("entry is %s, not failed or processing", e.Status)
		}
		e.Status = protocol.QueuePending
		out = *e
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("retry %s: %w", nodeID, err)
	}
	return &out, nil
}

// List returns all entries in queue order.
func (q *Queue) List() ([]Entry, error) {
	doc, err := q.load()
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return doc.Entries, nil
}

// Compact drops done entries enqueued before cutoff and returns how many
// were removed.
func (q *Queue) Compact(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := q.mutate(ctx, func(doc *document) (bool, error) {
		kept := doc.Entries[:0]
		for _, e := range doc.Entries {
			if e.Status == protocol.QueueDone && e.EnqueuedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		doc.Entries = kept
		return removed > 0, nil
	})
	if err != nil {
		return 0, fmt.Errorf("compact queue: %w", err)
	}
	return removed, nil
}
