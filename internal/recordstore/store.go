// Package recordstore abstracts the per-stack storage of migratable records.
// Each database (PostgreSQL, SQL Server, SQLite) implements Store and
// registers a Driver so stacks are opened by configured type name.
package recordstore

import (
	"context"
	"fmt"

	"github.com/johndauphine/stack-migrate/internal/config"
	"github.com/johndauphine/stack-migrate/internal/migration"
)

// Store is one stack's record storage.
//
// Every type is stored in its own table keyed by a numeric id, with an etag
// that changes whenever the row content changes.
type Store interface {
	// DBType returns the database type (e.g., "postgres", "mssql").
	DBType() string

	// EnsureSchema creates missing tables for the given types.
	EnsureSchema(ctx context.Context, types []migration.Type) error

	// Count returns the row count and id bounds for a type.
	Count(ctx context.Context, t migration.Type) (migration.TypeCount, error)

	// ScanRowMetadata calls fn for each row in r in ascending id order.
	// All rows are read from one snapshot, so writes that commit during the
	// scan are either fully visible or not at all.
	ScanRowMetadata(ctx context.Context, t migration.Type, r migration.IdRange, fn func(migration.RowMetadata) error) error

	// ReadByIDs returns the rows with the given ids in ascending id order.
	// Missing ids are skipped.
	ReadByIDs(ctx context.Context, t migration.Type, ids []int64) ([]migration.Record, error)

	// Upsert inserts or replaces rows by id.
	Upsert(ctx context.Context, t migration.Type, recs []migration.Record) error

	// Delete removes rows by id and returns how many existed.
	Delete(ctx context.Context, t migration.Type, ids []int64) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Driver opens Stores for one database type.
//
// To add a new database:
// 1. Create a package under internal/recordstore/<dbname>/
// 2. Implement the Driver interface
// 3. Register via init(): recordstore.Register(&MyDriver{})
type Driver interface {
	// Name returns the primary driver name (e.g., "postgres").
	Name() string

	// Aliases returns alternative names for this driver.
	Aliases() []string

	// Open connects to the store described by cfg.
	Open(cfg config.StoreConfig) (Store, error)
}

// Open resolves cfg.Type in the registry and opens the store.
func Open(cfg config.StoreConfig) (Store, error) {
	d, err := Get(cfg.Type)
	if err != nil {
		return nil, err
	}
	s, err := d.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", d.Name(), err)
	}
	return s, nil
}

// CollectRowMetadata gathers ScanRowMetadata output into a slice.
func CollectRowMetadata(ctx context.Context, s Store, t migration.Type, r migration.IdRange) ([]migration.RowMetadata, error) {
	var out []migration.RowMetadata
	err := s.ScanRowMetadata(ctx, t, r, func(m migration.RowMetadata) error {
		out = append(out, m)
		return nil
	})
	return out, err
}

// Chunk splits ids into slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
