package recordstore

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/johndauphine/stack-migrate/internal/migration"
	"github.com/johndauphine/stack-migrate/internal/stats"
)

// SQLStore implements Store over database/sql for any Dialect.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	schema  string
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, d Dialect, schema string) *SQLStore {
	return &SQLStore{db: db, dialect: d, schema: schema}
}

// DB exposes the underlying handle for driver-specific work.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) DBType() string {
	return s.dialect.DBType()
}

// PoolStats reports database/sql connection pool usage.
func (s *SQLStore) PoolStats() stats.PoolStats {
	st := s.db.Stats()
	return stats.PoolStats{
		Name:       s.DBType(),
		MaxConns:   st.MaxOpenConnections,
		Active:     st.InUse,
		Idle:       st.Idle,
		WaitCount:  st.WaitCount,
		WaitTimeMs: st.WaitDuration.Milliseconds(),
	}
}

func (s *SQLStore) table(t migration.Type) string {
	return s.dialect.QualifyTable(s.schema, t.Table())
}

// EnsureSchema creates missing record tables.
func (s *SQLStore) EnsureSchema(ctx context.Context, types []migration.Type) error {
	for _, t := range types {
		if _, err := s.db.ExecContext(ctx, s.dialect.CreateTableSQL(s.schema, t.Table())); err != nil {
			return fmt.Errorf("creating table for %s: %w", t, err)
		}
	}
	return nil
}

// Count returns the row count and id bounds for a type.
func (s *SQLStore) Count(ctx context.Context, t migration.Type) (migration.TypeCount, error) {
	tc := migration.TypeCount{Type: t}
	var minID, maxID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*), MIN(id), MAX(id) FROM %s", s.table(t)),
	).Scan(&tc.Count, &minID, &maxID)
	if err != nil {
		return tc, fmt.Errorf("counting %s: %w", t, err)
	}
	if minID.Valid {
		tc.MinID = &minID.Int64
		tc.MaxID = &maxID.Int64
	}
	return tc, nil
}

// ScanRowMetadata streams (id, etag) for r from one snapshot transaction.
func (s *SQLStore) ScanRowMetadata(ctx context.Context, t migration.Type, r migration.IdRange, fn func(migration.RowMetadata) error) error {
	if !r.Valid() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, s.dialect.SnapshotOptions())
	if err != nil {
		return fmt.Errorf("beginning snapshot for %s: %w", t, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, rangeQuery(s.dialect, s.schema, t.Table()), r.MinID, r.MaxID)
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
	return tx.Commit()
}

// ReadByIDs returns the rows with the given ids in ascending id order.
func (s *SQLStore) ReadByIDs(ctx context.Context, t migration.Type, ids []int64) ([]migration.Record, error) {
	var out []migration.Record
	batch := s.dialect.MaxParams()
	for _, chunk := range Chunk(ids, batch) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf("SELECT id, etag, content FROM %s WHERE id IN (%s)", s.table(t), InList(s.dialect, len(chunk))),
			args...)
		if err != nil {
			return nil, fmt.Errorf("reading %s by id: %w", t, err)
		}
		for rows.Next() {
			var (
				rec     migration.Record
				content sql.NullString
			)
			if err := rows.Scan(&rec.ID, &rec.Etag, &content); err != nil {
				rows.Close()
				return nil, err
			}
			if content.Valid {
				rec.Content = json.RawMessage(content.String)
			}
			out = append(out, rec)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	slices.SortFunc(out, func(a, b migration.Record) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// Upsert inserts or replaces rows by id in one transaction.
func (s *SQLStore) Upsert(ctx context.Context, t migration.Type, recs []migration.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, chunk := range Chunk(recs, s.dialect.MaxParams()/3) {
		args := make([]any, 0, len(chunk)*3)
		for _, rec := range chunk {
			var content any
			if rec.Content != nil {
				content = string(rec.Content)
			}
			args = append(args, rec.ID, rec.Etag, content)
		}
		if _, err := tx.ExecContext(ctx, s.dialect.UpsertSQL(s.schema, t.Table(), len(chunk)), args...); err != nil {
			return fmt.Errorf("upserting %s: %w", t, err)
		}
	}
	return tx.Commit()
}

// Delete removes rows by id.
func (s *SQLStore) Delete(ctx context.Context, t migration.Type, ids []int64) (int64, error) {
	var total int64
	for _, chunk := range Chunk(ids, s.dialect.MaxParams()) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", s.table(t), InList(s.dialect, len(chunk))),
			args...)
		if err != nil {
			return total, fmt.Errorf("deleting %s: %w", t, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
