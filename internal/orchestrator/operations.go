package orchestrator

import (
	"context"
	"fmt"

	"github.com/johndauphine/stack-migrate/internal/asyncjob"
	"github.com/johndauphine/stack-migrate/internal/migration"
	"github.com/johndauphine/stack-migrate/internal/poll"
)

// Every operation checks that userID is an administrator before touching
// any store or creating any record.

// ListMigrationTypes returns every migration type in dependency order.
func (o *Orchestrator) ListMigrationTypes(ctx context.Context, userID int64) ([]migration.Type, error) {
	if err := o.requireAdmin(ctx, userID); err != nil {
		return nil, err
	}
	return migration.Types(), nil
}

// TypeCounts returns counts for types, or for every type when types is empty.
func (o *Orchestrator) TypeCounts(ctx context.Context, userID int64, types []migration.Type) ([]migration.TypeCount, error) {
	if err := o.requireAdmin(ctx, userID); err != nil {
		return nil, err
	}
	if len(types) == 0 {
		types = migration.Types()
	}
	return o.checksums.TypeCounts(ctx, types)
}

// TypeChecksum returns the checksum of every row of t.
func (o *Orchestrator) TypeChecksum(ctx context.Context, userID int64, t migration.Type, salt string) (migration.TypeChecksum, error) {
	if err := o.requireAdmin(ctx, userID); err != nil {
		return migration.TypeChecksum{}, err
	}
	return o.checksums.TypeChecksum(ctx, t, o.salt(salt))
}

// RangeChecksum returns the checksum of t's rows in [minID, maxID].
func (o *Orchestrator) RangeChecksum(ctx context.Context, userID int64, t migration.Type, salt string, minID, maxID int64) (migration.RangeChecksum, error) {
	if err := o.requireAdmin(ctx, userID); err != nil {
		return migration.RangeChecksum{}, err
	}
	return o.checksums.RangeChecksum(ctx, t, o.salt(salt), minID, maxID)
}

// CalculateDelta compares t between source and target over r.
func (o *Orchestrator) CalculateDelta(ctx context.Context, userID int64, t migration.Type, salt string, r migration.IdRange) (migration.DeltaRanges, error) {
	if err := o.requireAdmin(ctx, userID); err != nil {
		return migration.DeltaRanges{}, err
	}
	if o.delta == nil {
		return migration.DeltaRanges{}, fmt.Errorf("delta needs a target store: %w", migration.ErrInvalidArgument)
	}
	return o.delta.CalculateRange(ctx, t, o.salt(salt), r)
}

// StartBackup queues a backup of the given ids of t.
func (o *Orchestrator) StartBackup(ctx context.Context, userID int64, t migration.Type, ids []int64) (migration.BackupRestoreStatus, error) {
	if err := o.requireAdmin(ctx, userID); err != nil {
		return migration.BackupRestoreStatus{}, err
	}
	return o.backups.StartBackup(ctx, userID, t, ids)
}

// StartRestore queues a restore of the named artifact into t.
func (o *Orchestrator) StartRestore(ctx context.Context, userID int64, t migration.Type, sub migration.RestoreSubmission) (migration.BackupRestoreStatus, error) {
	if err := o.requireAdmin(ctx, userID); err != nil {
		return migration.BackupRestoreStatus{}, err
	}
	return o.backups.StartRestore(ctx, userID, t, sub)
}

// GetBackupStatus returns a backup or restore status.
func (o *Orchestrator) GetBackupStatus(ctx context.Context, userID int64, id string) (migration.BackupRestoreStatus, error) {
	if err := o.requireAdmin(ctx, userID); err != nil {
		return migration.BackupRestoreStatus{}, err
	}
	return o.backups.GetStatus(ctx, id)
}

// WaitBackup polls a backup or restore until it is terminal or the
// configured poll budget runs out.
func (o *Orchestrator) WaitBackup(ctx context.Context, userID int64, id string, observe func(migration.BackupRestoreStatus)) (migration.BackupRestoreStatus, error) {
	if err := o.requireAdmin(ctx, userID); err != nil {
		return migration.BackupRestoreStatus{}, err
	}
	if observe == nil {
		return o.backups.Wait(ctx, id, o.PollOptions())
	}
	return poll.Until(ctx, func(ctx context.Context) (migration.BackupRestoreStatus, error) {
		st, err := o.backups.GetStatus(ctx, id)
		if err == nil {
			observe(st)
		}
		return st, err
	}, func(st migration.BackupRestoreStatus) bool {
		return st.State.Terminal()
	}, o.PollOptions())
}

// StartAsyncJob records and queues req, returning the job id.
func (o *Orchestrator) StartAsyncJob(ctx context.Context, userID int64, req asyncjob.Request) (string, error) {
	if err := o.requireAdmin(ctx, userID); err != nil {
		return "", err
	}
	return o.jobs.Start(ctx, userID, req)
}

// GetAsyncJobStatus returns a job's status. The response is present only
// once the job is COMPLETE.
func (o *Orchestrator) GetAsyncJobStatus(ctx context.Context, userID int64, jobID string) (asyncjob.Status, error) {
	if err := o.requireAdmin(ctx, userID); err != nil {
		return asyncjob.Status{}, err
	}
	return o.jobs.GetStatus(ctx, jobID)
}

// WaitAsyncJob polls a job until it is terminal or the configured poll
// budget runs out.
func (o *Orchestrator) WaitAsyncJob(ctx context.Context, userID int64, jobID string) (asyncjob.Status, error) {
	if err := o.requireAdmin(ctx, userID); err != nil {
		return asyncjob.Status{}, err
	}
	return o.jobs.Wait(ctx, jobID, o.PollOptions())
}

// RegisterProcessed records that queueName has processed changeNumber.
func (o *Orchestrator) RegisterProcessed(ctx context.Context, userID int64, changeNumber int64, queueName string) error {
	if err := o.requireAdmin(ctx, userID); err != nil {
		return err
	}
	if err := o.requireFeed(); err != nil {
		return err
	}
	return o.feed.RegisterProcessed(ctx, changeNumber, queueName)
}

// ListUnprocessed returns up to limit changes queueName has not processed,
// in change-number order.
func (o *Orchestrator) ListUnprocessed(ctx context.Context, userID int64, queueName string, limit int) ([]migration.ChangeMessage, error) {
	if err := o.requireAdmin(ctx, userID); err != nil {
		return nil, err
	}
	if err := o.requireFeed(); err != nil {
		return nil, err
	}
	return o.feed.ListUnprocessed(ctx, queueName, limit)
}

// AppendChange records a change message and returns it with its assigned
// change number.
func (o *Orchestrator) AppendChange(ctx context.Context, userID int64, msg migration.ChangeMessage) (migration.ChangeMessage, error) {
	if err := o.requireAdmin(ctx, userID); err != nil {
		return migration.ChangeMessage{}, err
	}
	if err := o.requireFeed(); err != nil {
		return migration.ChangeMessage{}, err
	}
	return o.feed.Append(ctx, msg)
}

// ClearAllLocks force-releases every migration lock and returns how many
// were held.
func (o *Orchestrator) ClearAllLocks(ctx context.Context, userID int64) (int, error) {
	if err := o.requireAdmin(ctx, userID); err != nil {
		return 0, err
	}
	n, err := o.locks.ClearAll(ctx)
	if err != nil {
		return 0, err
	}
	log.Warn("user %d cleared %d migration lock(s)", userID, n)
	if err := o.notifier.LocksCleared(o.config.Stack.Name, userID, n); err != nil {
		log.Warn("notifying lock clear: %v", err)
	}
	return n, nil
}

func (o *Orchestrator) requireFeed() error {
	if o.feed == nil {
		return fmt.Errorf("change feed tracking needs the sqlite state backend: %w", migration.ErrInvalidArgument)
	}
	return nil
}

// salt falls back to the configured delta salt.
func (o *Orchestrator) salt(s string) string {
	if s == "" {
		return o.config.Delta.Salt
	}
	return s
}
