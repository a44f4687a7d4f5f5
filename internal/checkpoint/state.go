package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/johndauphine/stack-migrate/internal/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// State manages jobs, backup statuses, locks and change feeds in SQLite.
type State struct {
	db *sql.DB
}

// New creates a new state manager in dataDir/migrate.db and applies migrations.
func New(dataDir string) (*State, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "migrate.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}
	// One connection serializes writers; status updates read-then-write in a tx.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping state db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating state db: %w", err)
	}

	return &State{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *State) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new PROCESSING job.
func (s *State) CreateJob(ctx context.Context, job *JobRecord) error {
	now := time.Now()
	if job.StartedOn.IsZero() {
		job.StartedOn = now
	}
	job.ChangedOn = job.StartedOn
	job.State = migration.JobProcessing

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO async_jobs (id, state, request_body, started_by, started_on, changed_on)
		VALUES (?, ?, ?, ?, ?, ?)
	`, job.ID, string(job.State), string(job.RequestBody), job.StartedBy,
		formatTime(job.StartedOn), formatTime(job.ChangedOn))
	if err != nil {
		return fmt.Errorf("creating job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob returns the job, or nil if it does not exist.
func (s *State) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	var (
		j                            JobRecord
		state                        string
		request                      string
		response, errMsg, errDetails sql.NullString
		startedOn, changedOn         string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, state, request_body, response_body, started_by, started_on, changed_on,
			error_message, error_details, runtime_ms
		FROM async_jobs WHERE id = ?
	`, id).Scan(&j.ID, &state, &request, &response, &j.StartedBy, &startedOn, &changedOn,
		&errMsg, &errDetails, &j.RuntimeMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading job %s: %w", id, err)
	}

	j.State = migration.JobState(state)
	j.RequestBody = []byte(request)
	if response.Valid {
		j.ResponseBody = []byte(response.String)
	}
	j.StartedOn = parseTime(startedOn)
	j.ChangedOn = parseTime(changedOn)
	j.ErrorMessage = errMsg.String
	j.ErrorDetails = errDetails.String
	return &j, nil
}

// CompleteJob moves a PROCESSING job to COMPLETE. It returns ErrTerminal if
// the job has already finished.
func (s *State) CompleteJob(ctx context.Context, id string, response []byte, runtime time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE async_jobs SET state = ?, response_body = ?, changed_on = ?, runtime_ms = ?
		WHERE id = ? AND state = ?
	`, string(migration.JobComplete), string(response), formatTime(time.Now()), runtime.Milliseconds(),
		id, string(migration.JobProcessing))
	if err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}
	return s.checkJobUpdated(ctx, id, res)
}

// FailJob moves a PROCESSING job to FAILED. It returns ErrTerminal if the
// job has already finished.
func (s *State) FailJob(ctx context.Context, id, message, details string, runtime time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE async_jobs SET state = ?, error_message = ?, error_details = ?, changed_on = ?, runtime_ms = ?
		WHERE id = ? AND state = ?
	`, string(migration.JobFailed), message, details, formatTime(time.Now()), runtime.Milliseconds(),
		id, string(migration.JobProcessing))
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	return s.checkJobUpdated(ctx, id, res)
}

func (s *State) checkJobUpdated(ctx context.Context, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s: %w", id, migration.ErrNotFound)
	}
	return fmt.Errorf("job %s is %s: %w", id, job.State, ErrTerminal)
}

// FailStaleJobs fails every PROCESSING job started before the cutoff.
func (s *State) FailStaleJobs(ctx context.Context, startedBefore time.Time, message string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE async_jobs SET state = ?, error_message = ?, changed_on = ?
		WHERE state = ? AND started_on < ?
	`, string(migration.JobFailed), message, formatTime(time.Now()),
		string(migration.JobProcessing), formatTime(startedBefore))
	if err != nil {
		return 0, fmt.Errorf("failing stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CreateStatus inserts a new backup/restore status.
func (s *State) CreateStatus(ctx context.Context, st *migration.BackupRestoreStatus) error {
	now := time.Now()
	if st.StartedOn.IsZero() {
		st.StartedOn = now
	}
	st.ChangedOn = st.StartedOn

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_restore_status (id, kind, migration_type, state, progress_current, progress_total,
			message, error_details, artifact_name, artifact_location, started_by, started_on, changed_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, st.ID, string(st.Kind), string(st.Type), string(st.State), st.ProgressCurrent, st.ProgressTotal,
		st.Message, st.ErrorDetails, st.ArtifactName, st.ArtifactLocation, st.StartedBy,
		formatTime(st.StartedOn), formatTime(st.ChangedOn))
	if err != nil {
		return fmt.Errorf("creating status %s: %w", st.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatus(row rowScanner) (*migration.BackupRestoreStatus, error) {
	var (
		st                                          migration.BackupRestoreStatus
		kind, typ, state                            string
		message, details, artifactName, artifactLoc sql.NullString
		startedOn, changedOn                        string
	)
	err := row.Scan(&st.ID, &kind, &typ, &state, &st.ProgressCurrent, &st.ProgressTotal,
		&message, &details, &artifactName, &artifactLoc, &st.StartedBy, &startedOn, &changedOn)
	if err != nil {
		return nil, err
	}
	st.Kind = migration.OperationKind(kind)
	st.Type = migration.Type(typ)
	st.State = migration.BackupState(state)
	st.Message = message.String
	st.ErrorDetails = details.String
	st.ArtifactName = artifactName.String
	st.ArtifactLocation = artifactLoc.String
	st.StartedOn = parseTime(startedOn)
	st.ChangedOn = parseTime(changedOn)
	return &st, nil
}

const statusColumns = `id, kind, migration_type, state, progress_current, progress_total,
	message, error_details, artifact_name, artifact_location, started_by, started_on, changed_on`

// GetStatus returns the status, or nil if it does not exist.
func (s *State) GetStatus(ctx context.Context, id string) (*migration.BackupRestoreStatus, error) {
	st, err := scanStatus(s.db.QueryRowContext(ctx,
		`SELECT `+statusColumns+` FROM backup_restore_status WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading status %s: %w", id, err)
	}
	return st, nil
}

// UpdateStatus writes st after checking that the transition moves forward
// and progress does not decrease.
func (s *State) UpdateStatus(ctx context.Context, st *migration.BackupRestoreStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, err := scanStatus(tx.QueryRowContext(ctx,
		`SELECT `+statusColumns+` FROM backup_restore_status WHERE id = ?`, st.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("status %s: %w", st.ID, migration.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading status %s: %w", st.ID, err)
	}
	if err := checkTransition(cur, st); err != nil {
		return err
	}

	st.ChangedOn = time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE backup_restore_status SET state = ?, progress_current = ?, progress_total = ?,
			message = ?, error_details = ?, artifact_name = ?, artifact_location = ?, changed_on = ?
		WHERE id = ?
	`, string(st.State), st.ProgressCurrent, st.ProgressTotal, st.Message, st.ErrorDetails,
		st.ArtifactName, st.ArtifactLocation, formatTime(st.ChangedOn), st.ID)
	if err != nil {
		return fmt.Errorf("updating status %s: %w", st.ID, err)
	}
	return tx.Commit()
}

// FailStaleStatuses fails every PENDING or STARTED status not updated since
// the cutoff and returns the statuses it failed.
func (s *State) FailStaleStatuses(ctx context.Context, changedBefore time.Time, message string) ([]migration.BackupRestoreStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE backup_restore_status SET state = ?, message = ?, changed_on = ?
		WHERE state IN (?, ?) AND changed_on < ?
		RETURNING id, kind, migration_type
	`, string(migration.StateFailed), message, formatTime(time.Now()),
		string(migration.StatePending), string(migration.StateStarted), formatTime(changedBefore))
	if err != nil {
		return nil, fmt.Errorf("failing stale statuses: %w", err)
	}
	defer rows.Close()

	var failed []migration.BackupRestoreStatus
	for rows.Next() {
		st := migration.BackupRestoreStatus{State: migration.StateFailed, Message: message}
		var kind, typ string
		if err := rows.Scan(&st.ID, &kind, &typ); err != nil {
			return nil, fmt.Errorf("failing stale statuses: %w", err)
		}
		st.Kind = migration.OperationKind(kind)
		st.Type = migration.Type(typ)
		failed = append(failed, st)
	}
	return failed, rows.Err()
}

// AcquireLock takes the named lock for owner. It returns false if another
// owner holds it; re-acquiring a lock already held by owner succeeds.
func (s *State) AcquireLock(ctx context.Context, name, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO migration_locks (name, owner, acquired_on)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, owner, formatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	var holder string
	err = s.db.QueryRowContext(ctx, `SELECT owner FROM migration_locks WHERE name = ?`, name).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		// Released between the insert and the lookup.
		return s.AcquireLock(ctx, name, owner)
	}
	if err != nil {
		return false, err
	}
	return holder == owner, nil
}

// ReleaseLock drops the named lock if owner holds it.
func (s *State) ReleaseLock(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM migration_locks WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", name, err)
	}
	return nil
}

// ClearLocks drops every lock and returns how many were held.
func (s *State) ClearLocks(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM migration_locks`)
	if err != nil {
		return 0, fmt.Errorf("clearing locks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
