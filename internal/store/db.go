package store

import (
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const currentVersion = 1

// DB is the SQLite metadata backend.
type DB struct {
	db   *sql.DB
	path string
}

// OpenDB opens (or creates) a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func OpenDB(path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set connection pool to 1 for SQLite
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, classifyOpenError(path, fmt.Errorf("pinging database: %w", err))
	}

	store := &DB{db: sqlDB, path: path}
	if err := store.migrate(); err != nil {
		sqlDB.Close()
		return nil, classifyOpenError(path, fmt.Errorf("running migrations: %w", err))
	}

	return store, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// classifyOpenError turns "not a database" and "malformed image" failures
// into a CorruptionError and leaves everything else as is.
func classifyOpenError(path string, err error) error {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
			return &CorruptionError{Path: path, Err: err}
		}
	}
	return err
}

func (d *DB) migrate() error {
	var version int
	err := d.db.QueryRow("PRAGMA user_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("reading user_version: %w", err)
	}

	if version >= currentVersion {
		return nil
	}

	if version < 1 {
		if err := d.migrateV1(); err != nil {
			return err
		}
	}

	_, err = d.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentVersion))
	if err != nil {
		return fmt.Errorf("setting user_version: %w", err)
	}

	return nil
}

// migrateV1 creates the repositories table. commit_id is '' for "latest"
// rather than NULL because SQLite treats NULLs as distinct in UNIQUE.
func (d *DB) migrateV1() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS repositories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT NOT NULL,
			commit_id TEXT NOT NULL DEFAULT '',
			workspace_path TEXT NOT NULL,
			graph_root_id INTEGER NOT NULL,
			max_ast_depth INTEGER NOT NULL,
			chunk_size INTEGER NOT NULL,
			chunk_overlap INTEGER NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			UNIQUE(url, commit_id),
			UNIQUE(workspace_path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_repositories_url ON repositories(url)`,
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration statement: %w", err)
		}
	}

	return tx.Commit()
}
