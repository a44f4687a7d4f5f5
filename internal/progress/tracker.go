package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/johndauphine/stack-migrate/internal/logging"
	"github.com/johndauphine/stack-migrate/internal/migration"
)

// Tracker renders a backup or restore's progress as it is polled
type Tracker struct {
	bar       *progressbar.ProgressBar
	out       io.Writer
	total     int64
	current   int64
	startTime time.Time
}

// New creates a new progress tracker writing to stderr
func New() *Tracker {
	return NewWithWriter(os.Stderr)
}

// NewWithWriter creates a tracker writing to w
func NewWithWriter(w io.Writer) *Tracker {
	return &Tracker{out: w, startTime: time.Now()}
}

// IsTerminal reports whether stderr is an interactive terminal
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func (t *Tracker) setTotal(total int64, desc string) {
	t.total = total
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Observe moves the bar to st's progress. Progress never moves backward.
func (t *Tracker) Observe(st migration.BackupRestoreStatus) {
	if t.bar == nil || st.ProgressTotal != t.total {
		t.setTotal(st.ProgressTotal, fmt.Sprintf("%s %s", st.Kind, st.Type))
		if t.current > 0 {
			t.bar.Set64(t.current)
		}
	}
	if st.ProgressCurrent > t.current {
		t.bar.Add64(st.ProgressCurrent - t.current)
		t.current = st.ProgressCurrent
	}
}

// Current returns the last observed progress
func (t *Tracker) Current() int64 {
	return t.current
}

// Finish marks the progress as complete
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
	}

	elapsed := time.Since(t.startTime)
	rowsPerSec := float64(t.current) / max(elapsed.Seconds(), 0.001)

	fmt.Fprintln(t.out)
	logging.Info("Processed %d rows in %s (%.0f rows/sec)",
		t.current, elapsed.Round(time.Second), rowsPerSec)
}
