// Package memstore is an in-process record store. It backs tests and
// dry runs; state is lost when the process exits.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/johndauphine/stack-migrate/internal/config"
	"github.com/johndauphine/stack-migrate/internal/migration"
	"github.com/johndauphine/stack-migrate/internal/recordstore"
)

func init() {
	recordstore.Register(&Driver{})
}

// Driver implements recordstore.Driver for in-memory stores.
type Driver struct{}

func (d *Driver) Name() string      { return "memory" }
func (d *Driver) Aliases() []string { return []string{"mem"} }

// Open returns a new empty store; cfg is ignored.
func (d *Driver) Open(_ config.StoreConfig) (recordstore.Store, error) {
	return New(), nil
}

// Store holds records in maps guarded by a mutex.
type Store struct {
	mu     sync.RWMutex
	tables map[migration.Type]map[int64]migration.Record
}

// New returns an empty store.
func New() *Store {
	return &Store{tables: make(map[migration.Type]map[int64]migration.Record)}
}

func (s *Store) DBType() string { return "memory" }

func (s *Store) EnsureSchema(_ context.Context, types []migration.Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range types {
		if s.tables[t] == nil {
			s.tables[t] = make(map[int64]migration.Record)
		}
	}
	return nil
}

func (s *Store) Count(_ context.Context, t migration.Type) (migration.TypeCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tc := migration.TypeCount{Type: t, Count: int64(len(s.tables[t]))}
	for id := range s.tables[t] {
		if tc.MinID == nil || id < *tc.MinID {
			v := id
			tc.MinID = &v
		}
		if tc.MaxID == nil || id > *tc.MaxID {
			v := id
			tc.MaxID = &v
		}
	}
	return tc, nil
}

// ScanRowMetadata copies the range under the read lock, then calls fn.
func (s *Store) ScanRowMetadata(ctx context.Context, t migration.Type, r migration.IdRange, fn func(migration.RowMetadata) error) error {
	s.mu.RLock()
	var snap []migration.RowMetadata
	for id, rec := range s.tables[t] {
		if r.Contains(id) {
			snap = append(snap, rec.Metadata())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(snap, func(a, b migration.RowMetadata) int { return cmpID(a.ID, b.ID) })
	for _, m := range snap {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ReadByIDs(_ context.Context, t migration.Type, ids []int64) ([]migration.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []migration.Record
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if rec, ok := s.tables[t][id]; ok && !seen[id] {
			seen[id] = true
			rec.Content = slices.Clone(rec.Content)
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b migration.Record) int { return cmpID(a.ID, b.ID) })
	return out, nil
}

func (s *Store) Upsert(_ context.Context, t migration.Type, recs []migration.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[t] == nil {
		s.tables[t] = make(map[int64]migration.Record)
	}
	for _, rec := range recs {
		rec.Content = slices.Clone(rec.Content)
		s.tables[t][rec.ID] = rec
	}
	return nil
}

func (s *Store) Delete(_ context.Context, t migration.Type, ids []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := s.tables[t][id]; ok {
			delete(s.tables[t], id)
			n++
		}
	}
	return n, nil
}

// IDs returns the ids stored for t in ascending order.
func (s *Store) IDs(t migration.Type) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.tables[t]))
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

func cmpID(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
