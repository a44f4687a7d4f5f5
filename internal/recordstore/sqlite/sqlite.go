// Package sqlite provides a SQLite record store for local stacks and tests.
// It registers itself with the record store registry on import.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/johndauphine/stack-migrate/internal/config"
	"github.com/johndauphine/stack-migrate/internal/logging"
	"github.com/johndauphine/stack-migrate/internal/recordstore"
)

func init() {
	recordstore.Register(&Driver{})
}

// Driver implements recordstore.Driver for SQLite files.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "sqlite"
}

// Aliases returns alternative names for this driver.
func (d *Driver) Aliases() []string {
	return []string{"sqlite3"}
}

// Open opens (creating if needed) the database file at cfg.Path.
func (d *Driver) Open(cfg config.StoreConfig) (recordstore.Store, error) {
	s, err := Open(cfg.Path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens a SQLite record store at path.
func Open(path string) (*recordstore.SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logging.Debug("Opened SQLite record store: %s", path)
	return recordstore.NewSQLStore(db, &Dialect{}, ""), nil
}

// Dialect implements recordstore.Dialect for SQLite.
type Dialect struct{}

func (d *Dialect) DBType() string { return "sqlite" }

func (d *Dialect) quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifyTable ignores schema; SQLite files have a single namespace.
func (d *Dialect) QualifyTable(_, table string) string {
	return d.quote(table)
}

func (d *Dialect) Placeholder(_ int) string {
	return "?"
}

func (d *Dialect) CreateTableSQL(_, table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY,
		etag TEXT NOT NULL,
		content TEXT
	)`, d.quote(table))
}

func (d *Dialect) UpsertSQL(_, table string, rows int) string {
	return fmt.Sprintf(`INSERT INTO %s (id, etag, content) VALUES %s
		ON CONFLICT(id) DO UPDATE SET etag = excluded.etag, content = excluded.content`,
		d.quote(table), recordstore.ValuesList(d, rows, 3))
}

func (d *Dialect) MaxParams() int {
	return 999
}

// SnapshotOptions returns nil: a SQLite read transaction in WAL mode
// already sees a single snapshot.
func (d *Dialect) SnapshotOptions() *sql.TxOptions {
	return nil
}
