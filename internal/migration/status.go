package migration

import "time"

// BackupState is the lifecycle state of a backup or restore.
type BackupState string

const (
	StatePending   BackupState = "PENDING"
	StateStarted   BackupState = "STARTED"
	StateCompleted BackupState = "COMPLETED"
	StateFailed    BackupState = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s BackupState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether s -> to moves forward.
// Repeating STARTED is allowed so progress can be updated.
func (s BackupState) CanTransition(to BackupState) bool {
	switch s {
	case StatePending:
		return to == StateStarted || to == StateFailed
	case StateStarted:
		return to == StateStarted || to.Terminal()
	default:
		return false
	}
}

// OperationKind distinguishes backups from restores.
type OperationKind string

const (
	KindBackup  OperationKind = "BACKUP"
	KindRestore OperationKind = "RESTORE"
)

// BackupRestoreStatus tracks one backup or restore daemon.
type BackupRestoreStatus struct {
	ID               string        `json:"id" yaml:"id"`
	Kind             OperationKind `json:"kind" yaml:"kind"`
	Type             Type          `json:"type" yaml:"type"`
	State            BackupState   `json:"state" yaml:"state"`
	ProgressCurrent  int64         `json:"progressCurrent" yaml:"progress_current"`
	ProgressTotal    int64         `json:"progressTotal" yaml:"progress_total"`
	Message          string        `json:"message,omitempty" yaml:"message,omitempty"`
	ErrorDetails     string        `json:"errorDetails,omitempty" yaml:"error_details,omitempty"`
	ArtifactName     string        `json:"artifactName,omitempty" yaml:"artifact_name,omitempty"`
	ArtifactLocation string        `json:"artifactLocation,omitempty" yaml:"artifact_location,omitempty"`
	StartedBy        int64         `json:"startedBy" yaml:"started_by"`
	StartedOn        time.Time     `json:"startedOn" yaml:"started_on"`
	ChangedOn        time.Time     `json:"changedOn" yaml:"changed_on"`
}

// RestoreSubmission names an artifact produced by an earlier backup.
type RestoreSubmission struct {
	ArtifactFileName string `json:"artifactFileName"`
}

// JobState is the lifecycle state of an async job.
type JobState string

const (
	JobProcessing JobState = "PROCESSING"
	JobComplete   JobState = "COMPLETE"
	JobFailed     JobState = "FAILED"
)

// Terminal reports whether the job has finished.
func (s JobState) Terminal() bool {
	return s == JobComplete || s == JobFailed
}
