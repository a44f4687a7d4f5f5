// Package mssql provides the SQL Server record store.
// It registers itself with the record store registry on import.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/johndauphine/stack-migrate/internal/config"
	"github.com/johndauphine/stack-migrate/internal/logging"
	"github.com/johndauphine/stack-migrate/internal/recordstore"
)

func init() {
	recordstore.Register(&Driver{})
}

// Driver implements recordstore.Driver for SQL Server.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "mssql"
}

// Aliases returns alternative names for this driver.
func (d *Driver) Aliases() []string {
	return []string{"sqlserver", "sql-server"}
}

// Open connects to SQL Server.
func (d *Driver) Open(cfg config.StoreConfig) (recordstore.Store, error) {
	connector, err := mssql.NewConnector(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	db := sql.OpenDB(connector)

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(max(cfg.MaxConns/4, 1))
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logging.Info("Connected to MSSQL record store: %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	return recordstore.NewSQLStore(db, &Dialect{}, cfg.Schema), nil
}

// Dialect implements recordstore.Dialect for SQL Server.
type Dialect struct{}

func (d *Dialect) DBType() string { return "mssql" }

func (d *Dialect) quote(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d *Dialect) QualifyTable(schema, table string) string {
	return d.quote(schema) + "." + d.quote(table)
}

func (d *Dialect) Placeholder(index int) string {
	return fmt.Sprintf("@p%d", index)
}

func (d *Dialect) CreateTableSQL(schema, table string) string {
	return fmt.Sprintf(`IF OBJECT_ID(N'%s', N'U') IS NULL
CREATE TABLE %s (
	id BIGINT NOT NULL PRIMARY KEY,
	etag NVARCHAR(128) NOT NULL,
	content NVARCHAR(MAX) NULL
)`, strings.ReplaceAll(schema+"."+table, "'", "''"), d.QualifyTable(schema, table))
}

// UpsertSQL merges a VALUES list into the table. HOLDLOCK keeps concurrent
// merges on the same ids from racing into duplicate inserts.
func (d *Dialect) UpsertSQL(schema, table string, rows int) string {
	return fmt.Sprintf(`MERGE INTO %s WITH (HOLDLOCK) AS t
USING (VALUES %s) AS s (id, etag, content)
ON t.id = s.id
WHEN MATCHED THEN UPDATE SET etag = s.etag, content = s.content
WHEN NOT MATCHED THEN INSERT (id, etag, content) VALUES (s.id, s.etag, s.content);`,
		d.QualifyTable(schema, table), recordstore.ValuesList(d, rows, 3))
}

// MaxParams stays under the 2100 parameter limit of an RPC call.
func (d *Dialect) MaxParams() int {
	return 2000
}

// SnapshotOptions uses SERIALIZABLE so key-range locks hold the scanned
// range stable for the length of the read.
func (d *Dialect) SnapshotOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}
