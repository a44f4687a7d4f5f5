// Package backup runs backup and restore daemons for one migration type at
// a time. A backup serializes selected rows into an artifact in the blob
// store; a restore upserts an artifact's rows back into the record store.
package backup

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/stack-migrate/internal/blob"
	"github.com/johndauphine/stack-migrate/internal/checkpoint"
	"github.com/johndauphine/stack-migrate/internal/lock"
	"github.com/johndauphine/stack-migrate/internal/logging"
	"github.com/johndauphine/stack-migrate/internal/migration"
	"github.com/johndauphine/stack-migrate/internal/poll"
	"github.com/johndauphine/stack-migrate/internal/recordstore"
	"github.com/johndauphine/stack-migrate/internal/workers"
)

var log = logging.For("backup")

// Options configures a Daemon.
type Options struct {
	StackName     string
	BatchSize     int
	RetryAttempts int
	RetryBackoff  time.Duration
	Passphrase    string

	// OnFinish is called once per daemon after its terminal status is stored.
	OnFinish func(migration.BackupRestoreStatus)
}

func (o *Options) applyDefaults() {
	if o.StackName == "" {
		o.StackName = "default"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
}

// Daemon starts backups and restores on the shared worker pool and
// records their progress in the state backend.
type Daemon struct {
	state checkpoint.StateBackend
	store recordstore.Store
	blobs blob.Store
	pool  *workers.Pool
	locks *lock.Gate
	opts  Options
}

// New creates a daemon. locks may be nil to run without the type lock.
func New(state checkpoint.StateBackend, store recordstore.Store, blobs blob.Store, pool *workers.Pool, locks *lock.Gate, opts Options) *Daemon {
	opts.applyDefaults()
	return &Daemon{state: state, store: store, blobs: blobs, pool: pool, locks: locks, opts: opts}
}

// StartBackup validates the request, records a PENDING status and queues
// the backup. Ids are deduplicated and sorted.
func (d *Daemon) StartBackup(ctx context.Context, userID int64, t migration.Type, ids []int64) (migration.BackupRestoreStatus, error) {
	if err := t.Check(); err != nil {
		return migration.BackupRestoreStatus{}, err
	}
	ids, err := normalizeIDs(ids)
	if err != nil {
		return migration.BackupRestoreStatus{}, err
	}

	st := newStatus(userID, migration.KindBackup, t)
	st.ProgressTotal = int64(len(ids))
	if err := d.begin(ctx, st); err != nil {
		return migration.BackupRestoreStatus{}, err
	}
	d.submit(st, func(ctx context.Context, st *migration.BackupRestoreStatus) error {
		return d.runBackup(ctx, st, ids)
	})
	return *st, nil
}

// StartRestore validates the request, records a PENDING status and queues
// the restore of the named artifact.
func (d *Daemon) StartRestore(ctx context.Context, userID int64, t migration.Type, sub migration.RestoreSubmission) (migration.BackupRestoreStatus, error) {
	if err := t.Check(); err != nil {
		return migration.BackupRestoreStatus{}, err
	}
	if sub.ArtifactFileName == "" {
		return migration.BackupRestoreStatus{}, fmt.Errorf("artifact file name is required: %w", migration.ErrInvalidArgument)
	}

	st := newStatus(userID, migration.KindRestore, t)
	st.ArtifactName = sub.ArtifactFileName
	if err := d.begin(ctx, st); err != nil {
		return migration.BackupRestoreStatus{}, err
	}
	d.submit(st, func(ctx context.Context, st *migration.BackupRestoreStatus) error {
		return d.runRestore(ctx, st)
	})
	return *st, nil
}

// GetStatus returns the stored status of a backup or restore.
func (d *Daemon) GetStatus(ctx context.Context, id string) (migration.BackupRestoreStatus, error) {
	st, err := d.state.GetStatus(ctx, id)
	if err != nil {
		return migration.BackupRestoreStatus{}, err
	}
	if st == nil {
		return migration.BackupRestoreStatus{}, fmt.Errorf("backup/restore %s: %w", id, migration.ErrNotFound)
	}
	return *st, nil
}

// Wait polls GetStatus until the daemon reaches a terminal state.
func (d *Daemon) Wait(ctx context.Context, id string, opts poll.Options) (migration.BackupRestoreStatus, error) {
	return poll.Until(ctx, func(ctx context.Context) (migration.BackupRestoreStatus, error) {
		return d.GetStatus(ctx, id)
	}, func(st migration.BackupRestoreStatus) bool {
		return st.State.Terminal()
	}, opts)
}

func newStatus(userID int64, kind migration.OperationKind, t migration.Type) *migration.BackupRestoreStatus {
	return &migration.BackupRestoreStatus{
		ID:        uuid.NewString(),
		Kind:      kind,
		Type:      t,
		State:     migration.StatePending,
		StartedBy: userID,
		StartedOn: time.Now().UTC(),
	}
}

// begin takes the type lock and stores st as PENDING.
func (d *Daemon) begin(ctx context.Context, st *migration.BackupRestoreStatus) error {
	if d.locks != nil {
		if err := d.locks.Acquire(ctx, st.Type, st.ID); err != nil {
			return err
		}
	}
	if err := d.state.CreateStatus(ctx, st); err != nil {
		d.releaseLock(st)
		return fmt.Errorf("recording %s status: %w", st.Kind, err)
	}
	log.Info("%s %s queued for %s by user %d", st.Kind, st.ID, st.Type, st.StartedBy)
	return nil
}

func (d *Daemon) submit(st *migration.BackupRestoreStatus, run func(context.Context, *migration.BackupRestoreStatus) error) {
	// The daemon owns its own copy; callers get the PENDING snapshot.
	own := *st
	err := d.pool.Submit(func(ctx context.Context) {
		d.execute(ctx, &own, run)
	})
	if err != nil {
		d.fail(context.Background(), &own, "could not schedule", err)
		d.finish(&own)
	}
}

func (d *Daemon) execute(ctx context.Context, st *migration.BackupRestoreStatus, run func(context.Context, *migration.BackupRestoreStatus) error) {
	defer d.finish(st)
	defer func() {
		if r := recover(); r != nil {
			d.fail(ctx, st, "internal error", fmt.Errorf("panic: %v", r))
		}
	}()

	st.State = migration.StateStarted
	if err := d.update(ctx, st); err != nil {
		log.Error("%s %s: could not mark started: %v", st.Kind, st.ID, err)
		return
	}
	start := time.Now()
	if err := run(ctx, st); err != nil {
		d.fail(ctx, st, fmt.Sprintf("%s failed", lower(st.Kind)), err)
		return
	}

	st.State = migration.StateCompleted
	st.Message = fmt.Sprintf("%d of %d rows in %s", st.ProgressCurrent, st.ProgressTotal, time.Since(start).Round(time.Millisecond))
	if err := d.update(ctx, st); err != nil {
		log.Error("%s %s: could not mark completed: %v", st.Kind, st.ID, err)
		return
	}
	log.Info("%s %s completed: %s", st.Kind, st.ID, st.Message)
}

// finish releases the lock and fires OnFinish.
func (d *Daemon) finish(st *migration.BackupRestoreStatus) {
	d.releaseLock(st)
	if d.opts.OnFinish != nil && st.State.Terminal() {
		d.opts.OnFinish(*st)
	}
}

func (d *Daemon) releaseLock(st *migration.BackupRestoreStatus) {
	if d.locks == nil {
		return
	}
	if err := d.locks.Release(context.Background(), st.Type, st.ID); err != nil {
		log.Warn("%s %s: %v", st.Kind, st.ID, err)
	}
}

func (d *Daemon) fail(ctx context.Context, st *migration.BackupRestoreStatus, message string, cause error) {
	st.State = migration.StateFailed
	st.Message = message
	st.ErrorDetails = cause.Error()
	if err := d.update(ctx, st); err != nil {
		log.Error("%s %s: could not record failure (%v): %v", st.Kind, st.ID, cause, err)
		return
	}
	log.Error("%s %s failed: %v", st.Kind, st.ID, cause)
}

func (d *Daemon) update(ctx context.Context, st *migration.BackupRestoreStatus) error {
	// Status writes must land even when the pool is shutting down.
	return d.state.UpdateStatus(context.WithoutCancel(ctx), st)
}

func (d *Daemon) runBackup(ctx context.Context, st *migration.BackupRestoreStatus, ids []int64) error {
	w := newArtifactWriter()
	for _, batch := range recordstore.Chunk(ids, d.opts.BatchSize) {
		var recs []migration.Record
		err := d.retry(ctx, "read rows", func() error {
			var err error
			recs, err = d.store.ReadByIDs(ctx, st.Type, batch)
			return err
		})
		if err != nil {
			return err
		}
		if err := w.add(recs); err != nil {
			return err
		}
		st.ProgressCurrent += int64(len(batch))
		if err := d.update(ctx, st); err != nil {
			return fmt.Errorf("recording progress: %w", err)
		}
	}
	if missing := int64(len(ids)) - w.count; missing > 0 {
		log.Warn("%s %s: %d requested id(s) not present", st.Kind, st.ID, missing)
	}

	data, err := w.finish(d.opts.StackName, st.Type, d.opts.Passphrase)
	if err != nil {
		return err
	}
	name := artifactName(d.opts.StackName, st.Type, st.ID, d.opts.Passphrase != "")
	var location string
	err = d.retry(ctx, "upload artifact", func() error {
		var err error
		location, err = d.blobs.Put(ctx, name, data)
		return err
	})
	if err != nil {
		return err
	}
	st.ArtifactName = name
	st.ArtifactLocation = location
	return nil
}

func (d *Daemon) runRestore(ctx context.Context, st *migration.BackupRestoreStatus) error {
	var data []byte
	err := d.retry(ctx, "download artifact", func() error {
		var err error
		data, err = d.blobs.Get(ctx, st.ArtifactName)
		return err
	})
	if err != nil {
		return err
	}

	r, err := openArtifact(data, d.opts.Passphrase)
	if err != nil {
		return err
	}
	defer r.close()
	if r.header.Type != st.Type {
		return fmt.Errorf("artifact holds %s, not %s: %w", r.header.Type, st.Type, migration.ErrFatal)
	}
	// Decode the whole artifact first so a bad one leaves the store untouched.
	recs, err := r.records()
	if err != nil {
		return err
	}
	st.ProgressTotal = int64(len(recs))
	if err := d.update(ctx, st); err != nil {
		return fmt.Errorf("recording progress: %w", err)
	}

	for _, batch := range recordstore.Chunk(recs, d.opts.BatchSize) {
		err := d.retry(ctx, "upsert rows", func() error {
			return d.store.Upsert(ctx, st.Type, batch)
		})
		if err != nil {
			return err
		}
		st.ProgressCurrent += int64(len(batch))
		if err := d.update(ctx, st); err != nil {
			return fmt.Errorf("recording progress: %w", err)
		}
	}
	return nil
}

// retry runs fn, retrying transient failures with linear backoff.
func (d *Daemon) retry(ctx context.Context, what string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= d.opts.RetryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) || attempt == d.opts.RetryAttempts {
			break
		}
		wait := time.Duration(attempt) * d.opts.RetryBackoff
		log.Warn("%s failed (attempt %d/%d), retrying in %s: %v", what, attempt, d.opts.RetryAttempts, wait, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func retryable(err error) bool {
	if migration.IsRetryable(err) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func normalizeIDs(ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("no ids to back up: %w", migration.ErrInvalidArgument)
	}
	out := slices.Clone(ids)
	for _, id := range out {
		if id <= 0 {
			return nil, fmt.Errorf("id %d is not positive: %w", id, migration.ErrInvalidArgument)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func artifactName(stack string, t migration.Type, id string, encrypted bool) string {
	name := fmt.Sprintf("%s/%s/backup-%s.json.gz", stack, t, id)
	if encrypted {
		name += ".enc"
	}
	return name
}

func lower(k migration.OperationKind) string {
	if k == migration.KindRestore {
		return "restore"
	}
	return "backup"
}
