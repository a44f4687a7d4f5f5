// Package orchestrator wires the record stores, state backend, daemons and
// job manager of one stack and exposes the administrative operations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johndauphine/stack-migrate/internal/asyncjob"
	"github.com/johndauphine/stack-migrate/internal/authz"
	"github.com/johndauphine/stack-migrate/internal/backup"
	"github.com/johndauphine/stack-migrate/internal/blob"
	"github.com/johndauphine/stack-migrate/internal/changefeed"
	"github.com/johndauphine/stack-migrate/internal/checkpoint"
	"github.com/johndauphine/stack-migrate/internal/checksum"
	"github.com/johndauphine/stack-migrate/internal/config"
	"github.com/johndauphine/stack-migrate/internal/delta"
	"github.com/johndauphine/stack-migrate/internal/lock"
	"github.com/johndauphine/stack-migrate/internal/logging"
	"github.com/johndauphine/stack-migrate/internal/migration"
	"github.com/johndauphine/stack-migrate/internal/notify"
	"github.com/johndauphine/stack-migrate/internal/poll"
	"github.com/johndauphine/stack-migrate/internal/recordstore"
	"github.com/johndauphine/stack-migrate/internal/workers"

	// Register record store drivers
	_ "github.com/johndauphine/stack-migrate/internal/recordstore/memstore"
	_ "github.com/johndauphine/stack-migrate/internal/recordstore/mssql"
	_ "github.com/johndauphine/stack-migrate/internal/recordstore/postgres"
	_ "github.com/johndauphine/stack-migrate/internal/recordstore/sqlite"
)

var log = logging.For("orchestrator")

// staleMessage is stored on backups and restores failed at startup.
const staleMessage = "abandoned: process exited before the operation finished"

// Options overrides the components New would build from config.
// Nil fields are built from config.
type Options struct {
	Source     recordstore.Store
	Target     recordstore.Store
	State      checkpoint.StateBackend
	Blobs      blob.Store
	Authorizer authz.Authorizer
	Notifier   notify.Provider
}

// Orchestrator coordinates the consistency, backup and job components of
// one stack.
type Orchestrator struct {
	config   *config.Config
	source   recordstore.Store
	target   recordstore.Store
	state    checkpoint.StateBackend
	blobs    blob.Store
	auth     authz.Authorizer
	notifier notify.Provider

	pool      *workers.Pool
	locks     *lock.Gate
	checksums *checksum.Engine
	delta     *delta.Calculator
	backups   *backup.Daemon
	jobs      *asyncjob.Manager
	feed      *changefeed.Tracker
}

// New creates a new orchestrator from config.
func New(cfg *config.Config) (*Orchestrator, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates an orchestrator, using the supplied components in
// place of the configured ones.
func NewWithOptions(cfg *config.Config, opts Options) (*Orchestrator, error) {
	o := &Orchestrator{
		config:   cfg,
		source:   opts.Source,
		target:   opts.Target,
		state:    opts.State,
		blobs:    opts.Blobs,
		auth:     opts.Authorizer,
		notifier: opts.Notifier,
	}

	if err := o.open(); err != nil {
		o.Close()
		return nil, err
	}
	o.wire()
	return o, nil
}

func (o *Orchestrator) open() error {
	cfg := o.config
	var err error

	if o.source == nil {
		if o.source, err = recordstore.Open(cfg.Source); err != nil {
			return fmt.Errorf("opening source: %w", err)
		}
	}
	if o.target == nil && cfg.Target.Configured() {
		if o.target, err = recordstore.Open(cfg.Target); err != nil {
			return fmt.Errorf("opening target: %w", err)
		}
	}
	if o.state == nil {
		if cfg.State.File != "" {
			o.state, err = checkpoint.NewFileState(cfg.State.File)
		} else {
			o.state, err = checkpoint.New(cfg.State.DataDir)
		}
		if err != nil {
			return fmt.Errorf("creating state manager: %w", err)
		}
	}
	if o.blobs == nil {
		if o.blobs, err = blob.Open(cfg.Blob); err != nil {
			return fmt.Errorf("opening blob store: %w", err)
		}
	}
	if o.auth == nil {
		o.auth = authz.StaticAdmins(cfg.Auth.Admins)
	}
	if o.notifier == nil {
		o.notifier = notify.New(&cfg.Slack)
	}
	return nil
}

func (o *Orchestrator) wire() {
	cfg := o.config

	o.pool = workers.New(cfg.Workers.Size)
	o.locks = lock.New(o.state)
	o.checksums = checksum.New(o.source)
	if o.target != nil {
		o.delta = &delta.Calculator{
			Source:         o.checksums,
			Target:         checksum.New(o.target),
			PartitionWidth: cfg.Delta.PartitionWidth,
		}
	}

	o.backups = backup.New(o.state, o.source, o.blobs, o.pool, o.locks, backup.Options{
		StackName:     cfg.Stack.Name,
		BatchSize:     cfg.Backup.BatchSize,
		RetryAttempts: cfg.Backup.RetryAttempts,
		RetryBackoff:  cfg.Backup.RetryBackoff,
		Passphrase:    cfg.Backup.Passphrase,
		OnFinish: func(st migration.BackupRestoreStatus) {
			if err := o.notifier.OperationFinished(cfg.Stack.Name, st); err != nil {
				log.Warn("notifying %s %s: %v", st.Kind, st.ID, err)
			}
		},
	})

	o.jobs = asyncjob.New(o.state, o.pool)
	o.jobs.RegisterDefaults(asyncjob.Services{
		Checksums: o.checksums,
		Delta:     o.delta,
		Backup:    o.backups,

		DefaultSalt: cfg.Delta.Salt,
	})
	o.jobs.OnFinish = func(st asyncjob.Status) {
		if err := o.notifier.JobFinished(cfg.Stack.Name, st); err != nil {
			log.Warn("notifying job %s: %v", st.JobID, err)
		}
	}

	if fb, ok := o.state.(checkpoint.FeedBackend); ok {
		o.feed = changefeed.New(fb)
	}
}

// Init prepares the stores and fails work left unfinished by a previous
// process. Call it once before serving operations.
func (o *Orchestrator) Init(ctx context.Context) error {
	types := migration.Types()
	if err := o.source.EnsureSchema(ctx, types); err != nil {
		return fmt.Errorf("preparing source schema: %w", err)
	}
	if o.target != nil {
		if err := o.target.EnsureSchema(ctx, types); err != nil {
			return fmt.Errorf("preparing target schema: %w", err)
		}
	}

	staleAfter := o.config.Jobs.StaleAfter
	jobs, err := o.jobs.RecoverStale(ctx, staleAfter)
	if err != nil {
		return fmt.Errorf("recovering stale jobs: %w", err)
	}
	statuses, err := o.state.FailStaleStatuses(ctx, time.Now().Add(-staleAfter), staleMessage)
	if err != nil {
		return fmt.Errorf("recovering stale backups: %w", err)
	}
	// A daemon owns its type lock under the status id.
	for _, st := range statuses {
		if err := o.locks.Release(ctx, st.Type, st.ID); err != nil {
			return fmt.Errorf("releasing lock of stale %s %s: %w", st.Kind, st.ID, err)
		}
	}
	if jobs > 0 || len(statuses) > 0 {
		log.Warn("failed %d stale jobs and %d stale backup/restore operations", jobs, len(statuses))
	}
	return nil
}

// Close waits for in-flight work and releases all resources.
func (o *Orchestrator) Close() {
	if o.pool != nil {
		o.pool.Close()
		log.Debug("pool stats: %s", o.pool.PoolStats())
	}
	var errs []error
	if o.source != nil {
		errs = append(errs, o.source.Close())
	}
	if o.target != nil {
		errs = append(errs, o.target.Close())
	}
	if o.state != nil {
		errs = append(errs, o.state.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("closing: %v", err)
	}
}

// PollOptions returns the configured caller-side polling budget.
func (o *Orchestrator) PollOptions() poll.Options {
	return poll.Options{
		Interval:    o.config.Poll.Interval,
		Timeout:     o.config.Poll.Timeout,
		MaxAttempts: o.config.Poll.MaxAttempts,
	}
}

func (o *Orchestrator) requireAdmin(ctx context.Context, userID int64) error {
	return authz.Require(ctx, o.auth, userID)
}
