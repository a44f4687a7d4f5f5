package checkpoint

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/johndauphine/stack-migrate/internal/migration"
)

// FileState implements StateBackend using a single YAML file.
// Intended for single-operator use where SQLite is impractical. Every
// mutation rewrites the file.
type FileState struct {
	path  string
	mu    sync.RWMutex
	state *fileStateData
}

// fileStateData is the YAML structure for the state file.
type fileStateData struct {
	Jobs     map[string]fileJob                       `yaml:"jobs"`
	Statuses map[string]migration.BackupRestoreStatus `yaml:"statuses"`
	Locks    map[string]fileLock                      `yaml:"locks"`
}

type fileJob struct {
	State        migration.JobState `yaml:"state"`
	Request      string             `yaml:"request"`
	Response     string             `yaml:"response,omitempty"`
	StartedBy    int64              `yaml:"started_by"`
	StartedOn    time.Time          `yaml:"started_on"`
	ChangedOn    time.Time          `yaml:"changed_on"`
	ErrorMessage string             `yaml:"error_message,omitempty"`
	ErrorDetails string             `yaml:"error_details,omitempty"`
	RuntimeMS    int64              `yaml:"runtime_ms,omitempty"`
}

type fileLock struct {
	Owner      string    `yaml:"owner"`
	AcquiredOn time.Time `yaml:"acquired_on"`
}

// NewFileState creates a file-based state manager.
// If the file exists, it loads the existing state.
func NewFileState(path string) (*FileState, error) {
	fs := &FileState{path: path, state: &fileStateData{}}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading state file: %w", err)
		}
		if err := yaml.Unmarshal(data, fs.state); err != nil {
			return nil, fmt.Errorf("parsing state file: %w", err)
		}
	}
	if fs.state.Jobs == nil {
		fs.state.Jobs = make(map[string]fileJob)
	}
	if fs.state.Statuses == nil {
		fs.state.Statuses = make(map[string]migration.BackupRestoreStatus)
	}
	if fs.state.Locks == nil {
		fs.state.Locks = make(map[string]fileLock)
	}

	return fs, nil
}

// save writes the current state to the YAML file.
func (fs *FileState) save() error {
	data, err := yaml.Marshal(fs.state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if err := os.WriteFile(fs.path, data, 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// Close is a no-op; every mutation is already on disk.
func (fs *FileState) Close() error {
	return nil
}

// CreateJob inserts a new PROCESSING job.
func (fs *FileState) CreateJob(_ context.Context, job *JobRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.state.Jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists: %w", job.ID, migration.ErrConflict)
	}
	if job.StartedOn.IsZero() {
		job.StartedOn = time.Now()
	}
	job.ChangedOn = job.StartedOn
	job.State = migration.JobProcessing

	fs.state.Jobs[job.ID] = fileJob{
		State:     job.State,
		Request:   string(job.RequestBody),
		StartedBy: job.StartedBy,
		StartedOn: job.StartedOn,
		ChangedOn: job.ChangedOn,
	}
	return fs.save()
}

// GetJob returns the job, or nil if it does not exist.
func (fs *FileState) GetJob(_ context.Context, id string) (*JobRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	j, ok := fs.state.Jobs[id]
	if !ok {
		return nil, nil
	}
	rec := &JobRecord{
		ID:           id,
		State:        j.State,
		RequestBody:  []byte(j.Request),
		StartedBy:    j.StartedBy,
		StartedOn:    j.StartedOn,
		ChangedOn:    j.ChangedOn,
		ErrorMessage: j.ErrorMessage,
		ErrorDetails: j.ErrorDetails,
		RuntimeMS:    j.RuntimeMS,
	}
	if j.Response != "" {
		rec.ResponseBody = []byte(j.Response)
	}
	return rec, nil
}

func (fs *FileState) finishJob(id string, update func(*fileJob)) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	j, ok := fs.state.Jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, migration.ErrNotFound)
	}
	if j.State.Terminal() {
		return fmt.Errorf("job %s is %s: %w", id, j.State, ErrTerminal)
	}
	update(&j)
	j.ChangedOn = time.Now()
	fs.state.Jobs[id] = j
	return fs.save()
}

// CompleteJob moves a PROCESSING job to COMPLETE.
func (fs *FileState) CompleteJob(_ context.Context, id string, response []byte, runtime time.Duration) error {
	return fs.finishJob(id, func(j *fileJob) {
		j.State = migration.JobComplete
		j.Response = string(response)
		j.RuntimeMS = runtime.Milliseconds()
	})
}

// FailJob moves a PROCESSING job to FAILED.
func (fs *FileState) FailJob(_ context.Context, id, message, details string, runtime time.Duration) error {
	return fs.finishJob(id, func(j *fileJob) {
		j.State = migration.JobFailed
		j.ErrorMessage = message
		j.ErrorDetails = details
		j.RuntimeMS = runtime.Milliseconds()
	})
}

// FailStaleJobs fails every PROCESSING job started before the cutoff.
func (fs *FileState) FailStaleJobs(_ context.Context, startedBefore time.Time, message string) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := 0
	for id, j := range fs.state.Jobs {
		if j.State == migration.JobProcessing && j.StartedOn.Before(startedBefore) {
			j.State = migration.JobFailed
			j.ErrorMessage = message
			j.ChangedOn = time.Now()
			fs.state.Jobs[id] = j
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, fs.save()
}

// CreateStatus inserts a new backup/restore status.
func (fs *FileState) CreateStatus(_ context.Context, st *migration.BackupRestoreStatus) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.state.Statuses[st.ID]; ok {
		return fmt.Errorf("status %s already exists: %w", st.ID, migration.ErrConflict)
	}
	if st.StartedOn.IsZero() {
		st.StartedOn = time.Now()
	}
	st.ChangedOn = st.StartedOn
	fs.state.Statuses[st.ID] = *st
	return fs.save()
}

// GetStatus returns the status, or nil if it does not exist.
func (fs *FileState) GetStatus(_ context.Context, id string) (*migration.BackupRestoreStatus, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	st, ok := fs.state.Statuses[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// UpdateStatus writes st after checking the transition.
func (fs *FileState) UpdateStatus(_ context.Context, st *migration.BackupRestoreStatus) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	cur, ok := fs.state.Statuses[st.ID]
	if !ok {
		return fmt.Errorf("status %s: %w", st.ID, migration.ErrNotFound)
	}
	if err := checkTransition(&cur, st); err != nil {
		return err
	}
	st.ChangedOn = time.Now()
	fs.state.Statuses[st.ID] = *st
	return fs.save()
}

// FailStaleStatuses fails every PENDING or STARTED status not updated since
// the cutoff and returns the statuses it failed.
func (fs *FileState) FailStaleStatuses(_ context.Context, changedBefore time.Time, message string) ([]migration.BackupRestoreStatus, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var failed []migration.BackupRestoreStatus
	for id, st := range fs.state.Statuses {
		if !st.State.Terminal() && st.ChangedOn.Before(changedBefore) {
			st.State = migration.StateFailed
			st.Message = message
			st.ChangedOn = time.Now()
			fs.state.Statuses[id] = st
			failed = append(failed, st)
		}
	}
	if len(failed) == 0 {
		return nil, nil
	}
	return failed, fs.save()
}

// AcquireLock takes the named lock for owner.
func (fs *FileState) AcquireLock(_ context.Context, name, owner string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if l, ok := fs.state.Locks[name]; ok {
		return l.Owner == owner, nil
	}
	fs.state.Locks[name] = fileLock{Owner: owner, AcquiredOn: time.Now()}
	return true, fs.save()
}

// ReleaseLock drops the named lock if owner holds it.
func (fs *FileState) ReleaseLock(_ context.Context, name, owner string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if l, ok := fs.state.Locks[name]; !ok || l.Owner != owner {
		return nil
	}
	delete(fs.state.Locks, name)
	return fs.save()
}

// ClearLocks drops every lock and returns how many were held.
func (fs *FileState) ClearLocks(_ context.Context) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := len(fs.state.Locks)
	if n == 0 {
		return 0, nil
	}
	fs.state.Locks = make(map[string]fileLock)
	return n, fs.save()
}
