// Package asyncjob runs administrative requests in the background. A caller
// starts a job, gets its id back immediately and polls for the result.
package asyncjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/stack-migrate/internal/checkpoint"
	"github.com/johndauphine/stack-migrate/internal/logging"
	"github.com/johndauphine/stack-migrate/internal/migration"
	"github.com/johndauphine/stack-migrate/internal/poll"
	"github.com/johndauphine/stack-migrate/internal/workers"
)

var log = logging.For("asyncjob")

// StaleMessage is recorded on jobs failed by RecoverStale.
const StaleMessage = "abandoned: worker did not finish"

const maxDetails = 4096

// Handler executes one request kind.
type Handler func(ctx context.Context, userID int64, req Request) (Response, error)

// Status is a job as seen by pollers. RequestBody and ResponseBody hold
// kind envelopes; ResponseBody is empty until the job completes.
type Status struct {
	JobID        string             `json:"jobId"`
	State        migration.JobState `json:"jobState"`
	RequestBody  json.RawMessage    `json:"requestBody"`
	ResponseBody json.RawMessage    `json:"responseBody,omitempty"`
	StartedBy    int64              `json:"startedByUserId"`
	StartedOn    time.Time          `json:"startedOn"`
	ChangedOn    time.Time          `json:"changedOn"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
	ErrorDetails string             `json:"errorDetails,omitempty"`
	RuntimeMS    int64              `json:"runtimeMS,omitempty"`
}

// Request decodes the stored request.
func (s Status) Request() (Request, error) {
	return DecodeRequest(s.RequestBody)
}

// Response decodes the stored response. It returns nil while the job has none.
func (s Status) Response() (Response, error) {
	if len(s.ResponseBody) == 0 {
		return nil, nil
	}
	return DecodeResponse(s.ResponseBody)
}

// Manager dispatches requests to handlers on the worker pool and records
// exactly one terminal state per job.
type Manager struct {
	state checkpoint.StateBackend
	pool  *workers.Pool

	mu       sync.RWMutex
	handlers map[Kind]Handler

	// OnFinish is called after a job's terminal state is stored.
	OnFinish func(Status)
}

// New creates a manager with no handlers.
func New(state checkpoint.StateBackend, pool *workers.Pool) *Manager {
	return &Manager{state: state, pool: pool, handlers: make(map[Kind]Handler)}
}

// Register installs h for kind, replacing any previous handler.
func (m *Manager) Register(kind Kind, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

func (m *Manager) handler(kind Kind) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[kind]
	return h, ok
}

// Start validates req, records a PROCESSING job and queues it. Requests of
// an unknown kind or failing validation are rejected without creating a job.
func (m *Manager) Start(ctx context.Context, userID int64, req Request) (string, error) {
	if req == nil {
		return "", fmt.Errorf("no request: %w", migration.ErrInvalidArgument)
	}
	h, ok := m.handler(req.Kind())
	if !ok {
		return "", fmt.Errorf("no handler for request kind %q: %w", req.Kind(), migration.ErrInvalidArgument)
	}
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%s request: %w", req.Kind(), err)
	}
	body, err := EncodeRequest(req)
	if err != nil {
		return "", err
	}

	job := &checkpoint.JobRecord{
		ID:          uuid.NewString(),
		RequestBody: body,
		StartedBy:   userID,
		StartedOn:   time.Now().UTC(),
	}
	if err := m.state.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("recording job: %w", err)
	}

	err = m.pool.Submit(func(ctx context.Context) {
		m.run(ctx, job.ID, userID, req, h)
	})
	if err != nil {
		m.terminate(job.ID, req.Kind(), job.StartedOn, nil, "could not schedule job", err.Error())
		return "", fmt.Errorf("scheduling job: %w", err)
	}
	log.Info("job %s (%s) started by user %d", job.ID, req.Kind(), userID)
	return job.ID, nil
}

// StartEncoded decodes an enveloped request and starts it.
func (m *Manager) StartEncoded(ctx context.Context, userID int64, body []byte) (string, error) {
	req, err := DecodeRequest(body)
	if err != nil {
		return "", err
	}
	return m.Start(ctx, userID, req)
}

// run executes the handler and writes the terminal state. Panics and
// errors become FAILED.
func (m *Manager) run(ctx context.Context, id string, userID int64, req Request, h Handler) {
	start := time.Now()
	var (
		resp    Response
		err     error
		details string
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				details = excerpt(debug.Stack())
			}
		}()
		resp, err = h(ctx, userID, req)
	}()

	switch {
	case err != nil:
		if details == "" {
			details = errorChain(err)
		}
		m.terminate(id, req.Kind(), start, nil, err.Error(), details)
	case resp == nil:
		m.terminate(id, req.Kind(), start, nil, "handler returned no response", "")
	case resp.Kind() != req.Kind():
		m.terminate(id, req.Kind(), start, nil, "handler returned the wrong response kind",
			fmt.Sprintf("request %s, response %s", req.Kind(), resp.Kind()))
	default:
		body, encErr := EncodeResponse(resp)
		if encErr != nil {
			m.terminate(id, req.Kind(), start, nil, "could not encode response", encErr.Error())
			return
		}
		m.terminate(id, req.Kind(), start, body, "", "")
	}
}

// terminate writes the single terminal state. A nil response means FAILED.
func (m *Manager) terminate(id string, kind Kind, start time.Time, response []byte, message, details string) {
	ctx := context.Background()
	runtime := time.Since(start)
	var err error
	if response != nil {
		err = m.state.CompleteJob(ctx, id, response, runtime)
	} else {
		err = m.state.FailJob(ctx, id, message, details, runtime)
	}
	if err != nil {
		log.Error("job %s (%s): recording terminal state: %v", id, kind, err)
		return
	}
	if response != nil {
		log.Info("job %s (%s) complete in %s", id, kind, runtime.Round(time.Millisecond))
	} else {
		log.Error("job %s (%s) failed: %s", id, kind, message)
	}

	if m.OnFinish != nil {
		if st, err := m.GetStatus(ctx, id); err == nil {
			m.OnFinish(st)
		}
	}
}

// GetStatus returns the job, or an error wrapping migration.ErrNotFound.
func (m *Manager) GetStatus(ctx context.Context, id string) (Status, error) {
	rec, err := m.state.GetJob(ctx, id)
	if err != nil {
		return Status{}, err
	}
	if rec == nil {
		return Status{}, fmt.Errorf("job %s: %w", id, migration.ErrNotFound)
	}
	st := Status{
		JobID:        rec.ID,
		State:        rec.State,
		RequestBody:  rec.RequestBody,
		StartedBy:    rec.StartedBy,
		StartedOn:    rec.StartedOn,
		ChangedOn:    rec.ChangedOn,
		ErrorMessage: rec.ErrorMessage,
		ErrorDetails: rec.ErrorDetails,
		RuntimeMS:    rec.RuntimeMS,
	}
	if rec.State == migration.JobComplete {
		st.ResponseBody = rec.ResponseBody
	}
	return st, nil
}

// Wait polls GetStatus until the job is terminal.
func (m *Manager) Wait(ctx context.Context, id string, opts poll.Options) (Status, error) {
	return poll.Until(ctx, func(ctx context.Context) (Status, error) {
		return m.GetStatus(ctx, id)
	}, func(st Status) bool {
		return st.State.Terminal()
	}, opts)
}

// RecoverStale fails PROCESSING jobs started more than olderThan ago. Run at
// startup, before any job of this process is queued.
func (m *Manager) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := m.state.FailStaleJobs(ctx, time.Now().Add(-olderThan), StaleMessage)
	if err != nil {
		return 0, fmt.Errorf("failing stale jobs: %w", err)
	}
	if n > 0 {
		log.Warn("failed %d job(s) still processing after %s", n, olderThan)
	}
	return n, nil
}

func errorChain(err error) string {
	var out string
	for e := err; e != nil; e = errors.Unwrap(e) {
		if out != "" {
			out += "\n  caused by: "
		}
		out += fmt.Sprintf("%T: %v", e, e)
	}
	return out
}

func excerpt(stack []byte) string {
	if len(stack) > maxDetails {
		return string(stack[:maxDetails]) + "\n..."
	}
	return string(stack)
}
