package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/stack-migrate/internal/logging"
	"github.com/johndauphine/stack-migrate/internal/migration"
)

// ProgressUpdate represents a JSON progress update for automation.
type ProgressUpdate struct {
	Timestamp   string  `json:"timestamp"`
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	Type        string  `json:"type,omitempty"`
	State       string  `json:"state"`
	Current     int64   `json:"current"`
	Total       int64   `json:"total,omitempty"`
	ProgressPct float64 `json:"progress_pct"`
	Message     string  `json:"message,omitempty"`
}

// FromStatus builds an update from a backup/restore status.
func FromStatus(st migration.BackupRestoreStatus) ProgressUpdate {
	u := ProgressUpdate{
		ID:      st.ID,
		Kind:    string(st.Kind),
		Type:    string(st.Type),
		State:   string(st.State),
		Current: st.ProgressCurrent,
		Total:   st.ProgressTotal,
		Message: st.Message,
	}
	if st.ProgressTotal > 0 {
		u.ProgressPct = float64(st.ProgressCurrent) * 100 / float64(st.ProgressTotal)
	}
	return u
}

// Reporter defines the interface for progress reporting.
type Reporter interface {
	// Report emits a progress update (may be throttled)
	Report(update ProgressUpdate)
	// ReportImmediate emits a progress update immediately, bypassing throttling
	ReportImmediate(update ProgressUpdate)
	// Close cleans up any resources
	Close()
}

// JSONReporter outputs JSON progress updates to a writer (typically stderr).
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool
}

// NewJSONReporter creates a new JSON progress reporter.
// interval specifies the minimum time between updates (to avoid flooding).
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{
		writer:   writer,
		interval: interval,
	}
}

// Report emits a JSON progress update to the writer.
// Updates are throttled based on the configured interval.
func (r *JSONReporter) Report(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	now := time.Now()
	if r.interval > 0 && now.Sub(r.lastReport) < r.interval {
		return
	}
	r.emit(update, now)
}

// ReportImmediate emits a progress update immediately, bypassing throttling.
// Use for important state changes like terminal states.
func (r *JSONReporter) ReportImmediate(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.emit(update, time.Now())
}

func (r *JSONReporter) emit(update ProgressUpdate, now time.Time) {
	if update.Timestamp == "" {
		update.Timestamp = now.Format(time.RFC3339)
	}

	data, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}

	fmt.Fprintln(r.writer, string(data))
	r.lastReport = now
}

// Close marks the reporter as closed.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter is a no-op reporter for when progress reporting is disabled.
type NullReporter struct{}

// Report does nothing.
func (r *NullReporter) Report(update ProgressUpdate) {}

// ReportImmediate does nothing.
func (r *NullReporter) ReportImmediate(update ProgressUpdate) {}

// Close does nothing.
func (r *NullReporter) Close() {}
