package notify

import (
	"github.com/johndauphine/stack-migrate/internal/asyncjob"
	"github.com/johndauphine/stack-migrate/internal/migration"
)

// Provider defines the notification contract for administrative events.
// This interface allows for different notification backends (Slack, email, etc.)
// and enables easier testing through mock implementations.
type Provider interface {
	// OperationFinished sends notification when a backup or restore reaches a terminal state.
	OperationFinished(stack string, st migration.BackupRestoreStatus) error

	// JobFinished sends notification when an async job reaches a terminal state.
	JobFinished(stack string, st asyncjob.Status) error

	// LocksCleared sends notification when an administrator force-clears migration locks.
	LocksCleared(stack string, userID int64, count int) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
