// Package changefeed records which change messages each queue has
// processed, so gaps left by dropped deliveries can be found and replayed.
package changefeed

import (
	"context"
	"fmt"
	"strings"

	"github.com/johndauphine/stack-migrate/internal/checkpoint"
	"github.com/johndauphine/stack-migrate/internal/migration"
)

// Tracker wraps the feed tables of the state backend.
type Tracker struct {
	backend checkpoint.FeedBackend
}

// New creates a tracker over backend.
func New(backend checkpoint.FeedBackend) *Tracker {
	return &Tracker{backend: backend}
}

// Append emits msg, assigning the next change number when msg has none.
func (t *Tracker) Append(ctx context.Context, msg migration.ChangeMessage) (migration.ChangeMessage, error) {
	if err := msg.ObjectType.Check(); err != nil {
		return msg, err
	}
	ct, err := migration.ParseChangeType(string(msg.ChangeType))
	if err != nil {
		return msg, err
	}
	msg.ChangeType = ct
	return t.backend.AppendChange(ctx, msg)
}

// RegisterProcessed marks changeNumber processed by queueName. Repeating
// the call is a no-op.
func (t *Tracker) RegisterProcessed(ctx context.Context, changeNumber int64, queueName string) error {
	queueName, err := checkQueue(queueName)
	if err != nil {
		return err
	}
	return t.backend.RegisterProcessed(ctx, changeNumber, queueName)
}

// IsProcessed reports whether queueName has processed changeNumber.
func (t *Tracker) IsProcessed(ctx context.Context, changeNumber int64, queueName string) (bool, error) {
	queueName, err := checkQueue(queueName)
	if err != nil {
		return false, err
	}
	return t.backend.IsProcessed(ctx, changeNumber, queueName)
}

// ListUnprocessed returns up to limit changes that queueName has not
// processed, in ascending change number order.
func (t *Tracker) ListUnprocessed(ctx context.Context, queueName string, limit int) ([]migration.ChangeMessage, error) {
	queueName, err := checkQueue(queueName)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d: %w", limit, migration.ErrInvalidArgument)
	}
	return t.backend.ListUnprocessed(ctx, queueName, limit)
}

func checkQueue(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("queue name is required: %w", migration.ErrInvalidArgument)
	}
	return name, nil
}
