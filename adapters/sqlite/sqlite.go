// Package sqlite persists the module lifecycle journal in SQLite.
package sqlite

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const defaultParams = "_journal_mode=WAL&_busy_timeout=5000"

// DB is the journal database handle.
type DB struct {
	*sql.DB
}

// Open connects to dsn. A dsn without query parameters gets WAL mode and a
// five second busy timeout.
func Open(dsn string) (*DB, error) {
	if !strings.Contains(dsn, "?") {
		dsn = dsn + "?" + defaultParams
	}
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open %q: %w", dsn, err)
	}

	// A single connection keeps :memory: databases alive and serializes writers.
	conn.SetMaxOpenConns(1)
	for _, stmt := range []string{"PRAGMA synchronous = NORMAL", "PRAGMA temp_store = MEMORY"} {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite %s: %w", stmt, err)
		}
	}
	return &DB{DB: conn}, nil
}

// Migrate runs every embedded migration not yet recorded in
// schema_migrations. Each one commits in its own transaction.
func (db *DB) Migrate() error {
	const ledger = `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.Exec(ledger); err != nil {
		return fmt.Errorf("migrate: ledger: %w", err)
	}

	done, err := db.appliedVersions()
	if err != nil {
		return err
	}
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("migrate: list: %w", err)
	}
	slices.Sort(names)

	for _, name := range names {
		version := strings.TrimSuffix(path.Base(name), ".sql")
		if done[version] {
			continue
		}
		if err := db.apply(name, version); err != nil {
			return fmt.Errorf("migrate %s: %w", version, err)
		}
	}
	return nil
}

func (db *DB) appliedVersions() (map[string]bool, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("migrate: applied: %w", err)
	}
	defer rows.Close()

	done := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("migrate: applied: %w", err)
		}
		done[v] = true
	}
	return done, rows.Err()
}

func (db *DB) apply(name, version string) error {
	body, err := migrations.ReadFile(name)
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
		return err
	}
	return tx.Commit()
}

// Close releases the connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
