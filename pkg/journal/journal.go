// Package journal provides the coordination event journal: an append-only
// SQLite log of signal, identity, queue, gate, and respawn events. Every
// agent process appends to the same database file; dashboards and the stop
// gate query it.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"strata/pkg/protocol"
)

// timeLayout is fixed-width so created_at sorts lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Event levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Event represents a single coordination event.
type Event struct {
	ID        int64
	Type      string
	Source    string
	Target    string
	Subject   string // node id, agent address, or check name
	Level     string
	Payload   string
	CreatedAt time.Time
}

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	Type   string
	Source string
	Level  string

	// After filters events created at or after this time.
	After *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Recorder is the write side of the journal. Components depend on this
// interface so tests can pass nil or a fake.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// Journal is a SQLite-backed event journal.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the journal database at path and applies
// the schema. Concurrent writers from other processes wait on the busy
// timeout instead of failing.
func Open(path string) (*Journal, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(protocol.JournalDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

// Close releases the database connection. Safe to call on a nil Journal.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record appends an event. A zero CreatedAt is stamped with the current time
// and an empty Level defaults to info. Recording on a nil Journal is a no-op.
func (j *Journal) Record(ctx context.Context, e Event) error {
	if j == nil {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.now()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (type, source, target, subject, level, payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Type, e.Source, e.Target, e.Subject, e.Level, e.Payload, e.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("record event %s: %w", e.Type, err)
	}
	return nil
}

// Query returns events matching opts, newest first.
func (j *Journal) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	where, args := buildWhere(opts)
	query := "SELECT id, type, source, target, subject, level, payload, created_at FROM events" + where + " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &e.Target, &e.Subject, &e.Level, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt, err = time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Count returns the number of events matching opts. Limit is ignored.
func (j *Journal) Count(ctx context.Context, opts QueryOpts) (int, error) {
	where, args := buildWhere(opts)
	var n int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func buildWhere(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	if opts.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.Type)
	}
	if opts.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, opts.Source)
	}
	if opts.Level != "" {
		conditions = append(conditions, "level = ?")
		args = append(args, opts.Level)
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format(timeLayout))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// Emit records e on r if r is non-nil and swallows the error. Journal writes
// never fail a coordination operation.
func Emit(ctx context.Context, r Recorder, e Event) {
	if r == nil {
		return
	}
	_ = r.Record(ctx, e)
}
