package protocol

// JournalDDL defines the SQLite schema for the coordination event journal.
// Execute against a SQLite database with: db.Exec(JournalDDL)
const JournalDDL = `
-- Coordination events: signals, identities, queue, gate decisions, respawns
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    target TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    level TEXT NOT NULL DEFAULT 'info',
    payload TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS events_type_created ON events(type, created_at);
CREATE INDEX IF NOT EXISTS events_level_created ON events(level, created_at);
`
