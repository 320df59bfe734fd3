package auditlog

// schemaMigrationsTable tracks which versioned migration has been applied
// to the audit database.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema is the append-only install/session event log. Rows are
// never updated or deleted by this package; a row records one state
// transition observed by the service core.
const initialSchema = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    install_dir TEXT NOT NULL,
    partition_name TEXT,
    operation TEXT NOT NULL,
    status TEXT NOT NULL,
    detail TEXT,
    occurred_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_install_dir ON events(install_dir);
CREATE INDEX IF NOT EXISTS idx_events_occurred_at ON events(occurred_at);
`
