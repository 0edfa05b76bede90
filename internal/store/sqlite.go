// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Creates the activity and decision tables on open and applies column migrations

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS activity_log (
			activity_id TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL,
			kind        TEXT NOT NULL,
			action      TEXT,
			ts          TEXT NOT NULL,
			detail_json TEXT,

			CHECK (kind IN ('auto_approved', 'review', 'spawn', 'exit', 'attention'))
		);

		CREATE INDEX IF NOT EXISTS idx_activity_ts ON activity_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_activity_agent ON activity_log(agent_id, ts);

		CREATE TABLE IF NOT EXISTS decisions (
			request_id  TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL,
			type        TEXT NOT NULL,
			priority    TEXT NOT NULL,
			action      TEXT,
			message     TEXT,
			approved    INTEGER NOT NULL,
			reason      TEXT,
			created_at  TEXT NOT NULL,
			resolved_at TEXT NOT NULL,

			CHECK (type IN ('approval', 'decision', 'input', 'review')),
			CHECK (priority IN ('high', 'medium', 'low'))
		);

		CREATE INDEX IF NOT EXISTS idx_decisions_agent ON decisions(agent_id, resolved_at);
		CREATE INDEX IF NOT EXISTS idx_decisions_resolved ON decisions(resolved_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies column additions for databases created by older
// releases. These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "activity_log",
			column: "confidence",
			apply:  `ALTER TABLE activity_log ADD COLUMN confidence REAL`,
		},
		{
			table:  "decisions",
			column: "response",
			apply:  `ALTER TABLE decisions ADD COLUMN response TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}
