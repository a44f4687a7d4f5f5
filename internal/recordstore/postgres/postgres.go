// Package postgres provides the PostgreSQL record store.
// It registers itself with the record store registry on import.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/johndauphine/stack-migrate/internal/config"
	"github.com/johndauphine/stack-migrate/internal/logging"
	"github.com/johndauphine/stack-migrate/internal/migration"
	"github.com/johndauphine/stack-migrate/internal/recordstore"
	"github.com/johndauphine/stack-migrate/internal/stats"
)

func init() {
	recordstore.Register(&Driver{})
}

// Driver implements recordstore.Driver for PostgreSQL.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "postgres"
}

// Aliases returns alternative names for this driver.
func (d *Driver) Aliases() []string {
	return []string{"postgresql", "pg"}
}

// Open connects to PostgreSQL.
func (d *Driver) Open(cfg config.StoreConfig) (recordstore.Store, error) {
	s, err := Open(context.Background(), cfg.DSN(), cfg.Schema, cfg.MaxConns)
	if err != nil {
		return nil, err
	}
	logging.Info("Connected to PostgreSQL record store: %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	return s, nil
}

// Store implements recordstore.Store using a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	schema string
}

// Open creates a pool for dsn and verifies connectivity.
func Open(ctx context.Context, dsn, schema string, maxConns int) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	if maxConns > 0 {
		maxConns = min(maxConns, math.MaxInt32)
		poolConfig.MaxConns = int32(maxConns)
		poolConfig.MinConns = int32(max(maxConns/4, 1))
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if schema == "" {
		schema = "public"
	}
	return &Store{pool: pool, schema: schema}, nil
}

func (s *Store) DBType() string { return "postgres" }

// PoolStats reports pgx pool usage. Waits are acquires that found the pool empty.
func (s *Store) PoolStats() stats.PoolStats {
	st := s.pool.Stat()
	return stats.PoolStats{
		Name:       "postgres",
		MaxConns:   int(st.MaxConns()),
		Active:     int(st.AcquiredConns()),
		Idle:       int(st.IdleConns()),
		WaitCount:  st.EmptyAcquireCount(),
		WaitTimeMs: st.AcquireDuration().Milliseconds(),
	}
}

func (s *Store) table(t migration.Type) string {
	return pq.QuoteIdentifier(s.schema) + "." + pq.QuoteIdentifier(t.Table())
}

// EnsureSchema creates missing record tables.
func (s *Store) EnsureSchema(ctx context.Context, types []migration.Type) error {
	for _, t := range types {
		_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			etag TEXT NOT NULL,
			content JSONB
		)`, s.table(t)))
		if err != nil {
			return fmt.Errorf("creating table for %s: %w", t, err)
		}
	}
	return nil
}

// Count returns the row count and id bounds for a type.
func (s *Store) Count(ctx context.Context, t migration.Type) (migration.TypeCount, error) {
	tc := migration.TypeCount{Type: t}
	var minID, maxID *int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*), MIN(id), MAX(id) FROM %s", s.table(t)),
	).Scan(&tc.Count, &minID, &maxID)
	if err != nil {
		return tc, fmt.Errorf("counting %s: %w", t, err)
	}
	tc.MinID, tc.MaxID = minID, maxID
	return tc, nil
}

// ScanRowMetadata streams (id, etag) inside a REPEATABLE READ, READ ONLY
// transaction so the whole range comes from one snapshot.
func (s *Store) ScanRowMetadata(ctx context.Context, t migration.Type, r migration.IdRange, fn func(migration.RowMetadata) error) error {
	if !r.Valid() {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("beginning snapshot for %s: %w", t, err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		fmt.Sprintf("SELECT id, etag FROM %s WHERE id >= $1 AND id <= $2 ORDER BY id", s.table(t)),
		r.MinID, r.MaxID)
	if err != nil {
		return fmt.Errorf("reading %s %s: %w", t, r, err)
	}
	defer rows.Close()

	for rows.Next() {
		var m migration.RowMetadata
		if err := rows.Scan(&m.ID, &m.Etag); err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReadByIDs returns the rows with the given ids in ascending id order.
func (s *Store) ReadByIDs(ctx context.Context, t migration.Type, ids []int64) ([]migration.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf("SELECT id, etag, content::text FROM %s WHERE id = ANY($1) ORDER BY id", s.table(t)),
		ids)
	if err != nil {
		return nil, fmt.Errorf("reading %s by id: %w", t, err)
	}
	defer rows.Close()

	var out []migration.Record
	for rows.Next() {
		var (
			rec     migration.Record
			content *string
		)
		if err := rows.Scan(&rec.ID, &rec.Etag, &content); err != nil {
			return nil, err
		}
		if content != nil {
			rec.Content = json.RawMessage(*content)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Upsert inserts or replaces rows by id, sending one batch per call.
func (s *Store) Upsert(ctx context.Context, t migration.Type, recs []migration.Record) error {
	if len(recs) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (id, etag, content) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (id) DO UPDATE SET etag = EXCLUDED.etag, content = EXCLUDED.content`, s.table(t))

	batch := &pgx.Batch{}
	for _, rec := range recs {
		var content *string
		if rec.Content != nil {
			c := string(rec.Content)
			content = &c
		}
		batch.Queue(stmt, rec.ID, rec.Etag, content)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting %s: %w", t, err)
	}
	return tx.Commit(ctx)
}

// Delete removes rows by id.
func (s *Store) Delete(ctx context.Context, t migration.Type, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", s.table(t)), ids)
	if err != nil {
		return 0, fmt.Errorf("deleting %s: %w", t, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
