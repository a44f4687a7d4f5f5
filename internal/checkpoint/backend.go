package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/johndauphine/stack-migrate/internal/migration"
)

// ErrTerminal is returned when a write targets a job or status that has
// already reached a terminal state.
var ErrTerminal = fmt.Errorf("record already terminal: %w", migration.ErrConflict)

// JobRecord is the persisted form of an async job. Request and response
// bodies are opaque JSON envelopes owned by the asyncjob package.
type JobRecord struct {
	ID           string
	State        migration.JobState
	RequestBody  []byte
	ResponseBody []byte
	StartedBy    int64
	StartedOn    time.Time
	ChangedOn    time.Time
	ErrorMessage string
	ErrorDetails string
	RuntimeMS    int64
}

// StateBackend defines the interface for state persistence.
// Implementations include SQLite (full featured) and file-based (minimal, for
// single-operator or headless use).
type StateBackend interface {
	// Async jobs
	CreateJob(ctx context.Context, job *JobRecord) error
	GetJob(ctx context.Context, id string) (*JobRecord, error)
	CompleteJob(ctx context.Context, id string, response []byte, runtime time.Duration) error
	FailJob(ctx context.Context, id, message, details string, runtime time.Duration) error
	FailStaleJobs(ctx context.Context, startedBefore time.Time, message string) (int, error)

	// Backup/restore status
	CreateStatus(ctx context.Context, st *migration.BackupRestoreStatus) error
	GetStatus(ctx context.Context, id string) (*migration.BackupRestoreStatus, error)
	UpdateStatus(ctx context.Context, st *migration.BackupRestoreStatus) error
	FailStaleStatuses(ctx context.Context, changedBefore time.Time, message string) ([]migration.BackupRestoreStatus, error)

	// Migration locks
	AcquireLock(ctx context.Context, name, owner string) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error
	ClearLocks(ctx context.Context) (int, error)

	// Lifecycle
	Close() error
}

// FeedBackend extends StateBackend with change-feed bookkeeping.
// Only SQLite implements this; the file backend does not track change feeds.
type FeedBackend interface {
	StateBackend

	AppendChange(ctx context.Context, msg migration.ChangeMessage) (migration.ChangeMessage, error)
	RegisterProcessed(ctx context.Context, changeNumber int64, queueName string) error
	IsProcessed(ctx context.Context, changeNumber int64, queueName string) (bool, error)
	ListUnprocessed(ctx context.Context, queueName string, limit int) ([]migration.ChangeMessage, error)
}

// Ensure State implements FeedBackend
var _ FeedBackend = (*State)(nil)

// Ensure FileState implements StateBackend
var _ StateBackend = (*FileState)(nil)

// checkTransition validates a status update against the stored record.
func checkTransition(cur, next *migration.BackupRestoreStatus) error {
	if cur.State.Terminal() {
		return fmt.Errorf("status %s is %s: %w", cur.ID, cur.State, ErrTerminal)
	}
	if !cur.State.CanTransition(next.State) {
		return fmt.Errorf("status %s: %s -> %s: %w", cur.ID, cur.State, next.State, migration.ErrConflict)
	}
	if next.ProgressCurrent < cur.ProgressCurrent {
		return fmt.Errorf("status %s: progress moved backward (%d < %d): %w",
			cur.ID, next.ProgressCurrent, cur.ProgressCurrent, migration.ErrConflict)
	}
	return nil
}
