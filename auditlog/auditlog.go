// Package auditlog keeps an append-only SQLite history of install-session
// events: every open_install, create_partition, enable, cancel_install and
// so on that the service core observes gets one row. It exists purely for
// post-hoc diagnosis ("why did the last install fail") and is never read
// by the state machine itself.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/dsiproject/dsi"
)

// Config holds the database configuration for the event log.
type Config struct {
	// Path to the SQLite database file.
	Path string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a default configuration rooted under the daemon's
// metadata directory.
func DefaultConfig() Config {
	return Config{
		Path:            "/metadata/gsi/dsu/auditlog.db",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 1 * time.Hour,
	}
}

// Store is the event log's database handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the event log database and applies
// any pending schema migrations.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("auditlog: set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type migration struct {
	version     int
	description string
	sql         string
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schemaMigrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	migrations := []migration{
		{version: 1, description: "initial event log", sql: initialSchema},
	}
	for _, m := range migrations {
		if err := s.runMigration(m); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) runMigration(m migration) error {
	var exists bool
	err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", m.version).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check migration status: %w", err)
	}
	if exists {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("execute migration sql: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version, description) VALUES (?, ?)", m.version, m.description); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

// Record appends one event row. id is derived from the current time so
// rows sort chronologically by primary key without a separate index scan.
func (s *Store) Record(ctx context.Context, installDir, partitionName, operation string, status dsi.Status, detail string) error {
	id := ulid.Make().String()
	occurredAt := dsi.FormatEventTime(time.Now())

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, install_dir, partition_name, operation, status, detail, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, installDir, partitionName, operation, status.String(), detail, occurredAt,
	)
	if err != nil {
		return fmt.Errorf("auditlog: record event: %w", err)
	}
	return nil
}

// RecentForInstall returns the most recent events for installDir, newest
// first, bounded by limit.
func (s *Store) RecentForInstall(ctx context.Context, installDir string, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, install_dir, partition_name, operation, status, detail, occurred_at
		 FROM events WHERE install_dir = ? ORDER BY id DESC LIMIT ?`,
		installDir, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("auditlog: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var partitionName, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.InstallDir, &partitionName, &e.Operation, &e.Status, &detail, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("auditlog: scan event: %w", err)
		}
		e.PartitionName = partitionName.String
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}
