// Package lock gates backup and restore so only one runs per migration type.
package lock

import (
	"context"
	"fmt"

	"github.com/johndauphine/stack-migrate/internal/checkpoint"
	"github.com/johndauphine/stack-migrate/internal/logging"
	"github.com/johndauphine/stack-migrate/internal/migration"
)

var log = logging.For("lock")

// Gate hands out per-type locks persisted in the state backend, so a lock
// outlives the process that took it until released or cleared.
type Gate struct {
	state checkpoint.StateBackend
}

// New creates a gate over state.
func New(state checkpoint.StateBackend) *Gate {
	return &Gate{state: state}
}

func name(t migration.Type) string {
	return "type:" + string(t)
}

// Acquire takes the lock for t. It fails with migration.ErrConflict when
// another owner holds it.
func (g *Gate) Acquire(ctx context.Context, t migration.Type, owner string) error {
	ok, err := g.state.AcquireLock(ctx, name(t), owner)
	if err != nil {
		return fmt.Errorf("acquiring %s lock: %w", t, err)
	}
	if !ok {
		return fmt.Errorf("%s is locked by another operation: %w", t, migration.ErrConflict)
	}
	log.Debug("%s locked by %s", t, owner)
	return nil
}

// Release drops the lock for t if owner holds it.
func (g *Gate) Release(ctx context.Context, t migration.Type, owner string) error {
	if err := g.state.ReleaseLock(ctx, name(t), owner); err != nil {
		return fmt.Errorf("releasing %s lock: %w", t, err)
	}
	log.Debug("%s released by %s", t, owner)
	return nil
}

// ClearAll drops every lock regardless of owner.
func (g *Gate) ClearAll(ctx context.Context) (int, error) {
	n, err := g.state.ClearLocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("clearing locks: %w", err)
	}
	if n > 0 {
		log.Warn("cleared %d migration lock(s)", n)
	}
	return n, nil
}
