// Package catalog provides a WAL-mode SQLite-backed registry of known
// captures for the memtrail CLI: captures summarised by `memtrail info` or
// added with `memtrail catalog add` are registered with their run id and
// header metadata so `memtrail catalog list` can find past captures without
// re-parsing them. `memtrail record` does not register what it writes.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that concurrent
// readers and a single writer can proceed without blocking each other;
// several CLI invocations may touch the catalog at once.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Entry is one registered capture.
type Entry struct {
	DataID       string
	Path         string
	Executable   string
	Cmdline      string
	Architecture string
	PID          uint32
	WallClock    time.Time
	Allocations  uint64
	LeakedBytes  uint64
	RegisteredAt time.Time
}

// Catalog is the SQLite-backed capture registry. It is safe for concurrent
// use.
type Catalog struct {
	db *sql.DB
}

// Open opens (or creates) the catalog database at path, creating parent
// directories as needed. If path is ":memory:", an in-memory database is
// used; suitable for tests.
func Open(path string) (*Catalog, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("catalog: create directory for %q: %w", path, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// serialises concurrent registrations instead of failing with
	// "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: apply schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// ddl is the schema, idempotent via IF NOT EXISTS.
const ddl = `
CREATE TABLE IF NOT EXISTS captures (
    data_id       TEXT    PRIMARY KEY,
    path          TEXT    NOT NULL,
    executable    TEXT    NOT NULL,
    cmdline       TEXT    NOT NULL,
    architecture  TEXT    NOT NULL,
    pid           INTEGER NOT NULL,
    wall_clock    TEXT    NOT NULL,
    allocations   INTEGER NOT NULL DEFAULT 0,
    leaked_bytes  INTEGER NOT NULL DEFAULT 0,
    registered_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_captures_registered
    ON captures (registered_at);
`

// Register inserts or updates the entry for e.DataID.
func (c *Catalog) Register(ctx context.Context, e Entry) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO captures (data_id, path, executable, cmdline, architecture, pid, wall_clock, allocations, leaked_bytes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (data_id) DO UPDATE SET
		     path = excluded.path,
		     allocations = excluded.allocations,
		     leaked_bytes = excluded.leaked_bytes`,
		e.DataID,
		e.Path,
		e.Executable,
		e.Cmdline,
		e.Architecture,
		e.PID,
		e.WallClock.UTC().Format(time.RFC3339Nano),
		e.Allocations,
		e.LeakedBytes,
	)
	if err != nil {
		return fmt.Errorf("catalog: register %s: %w", e.DataID, err)
	}
	return nil
}

// List returns all registered captures, most recently registered first.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT data_id, path, executable, cmdline, architecture, pid, wall_clock, allocations, leaked_bytes, registered_at
		 FROM   captures
		 ORDER  BY registered_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			wallStr  string
			regStr   string
		)
		if err := rows.Scan(
			&e.DataID,
			&e.Path,
			&e.Executable,
			&e.Cmdline,
			&e.Architecture,
			&e.PID,
			&wallStr,
			&e.Allocations,
			&e.LeakedBytes,
			&regStr,
		); err != nil {
			return nil, fmt.Errorf("catalog: list scan: %w", err)
		}
		e.WallClock, _ = time.Parse(time.RFC3339Nano, wallStr)
		e.RegisteredAt, _ = time.Parse(time.RFC3339Nano, regStr)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: list rows: %w", err)
	}
	return entries, nil
}

// Get returns the entry for dataID, or (nil, nil) when absent.
func (c *Catalog) Get(ctx context.Context, dataID string) (*Entry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT data_id, path, executable, cmdline, architecture, pid, wall_clock, allocations, leaked_bytes, registered_at
		 FROM   captures WHERE data_id = ?`, dataID)
	if err != nil {
		return nil, fmt.Errorf("catalog: get query: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var (
		e       Entry
		wallStr string
		regStr  string
	)
	if err := rows.Scan(&e.DataID, &e.Path, &e.Executable, &e.Cmdline, &e.Architecture,
		&e.PID, &wallStr, &e.Allocations, &e.LeakedBytes, &regStr); err != nil {
		return nil, fmt.Errorf("catalog: get scan: %w", err)
	}
	e.WallClock, _ = time.Parse(time.RFC3339Nano, wallStr)
	e.RegisteredAt, _ = time.Parse(time.RFC3339Nano, regStr)
	return &e, nil
}

// Remove deletes the entry for dataID. Removing an unknown id is a no-op.
func (c *Catalog) Remove(ctx context.Context, dataID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM captures WHERE data_id = ?`, dataID); err != nil {
		return fmt.Errorf("catalog: remove %s: %w", dataID, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}
