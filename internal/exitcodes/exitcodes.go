// Package exitcodes maps command failures to stable process exit codes so
// schedulers can decide whether a run is worth retrying.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/johndauphine/stack-migrate/internal/migration"
)

const (
	// Success - command completed without errors
	Success = 0

	// ConfigError - configuration parsing or invalid arguments (don't retry)
	ConfigError = 1

	// ConnectionError - record store, state DB or blob store unreachable, or a transient failure (recoverable)
	ConnectionError = 2

	// OperationError - backup, restore or job failed (non-recoverable)
	OperationError = 3

	// ValidationError - stacks differ (checksum or delta mismatch)
	ValidationError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - state database errors (non-recoverable)
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7

	// NotFound - unknown job id, backup id or migration type
	NotFound = 8

	// Unauthorized - caller is not an administrator
	Unauthorized = 9

	// Conflict - a migration lock is already held
	Conflict = 10

	// ClientTimeout - polling budget exhausted; the job keeps running (recoverable)
	ClientTimeout = 11
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

var taxonomy = []struct {
	target error
	code   int
}{
	{migration.ErrNotFound, NotFound},
	{migration.ErrUnauthorized, Unauthorized},
	{migration.ErrConflict, Conflict},
	{migration.ErrClientTimeout, ClientTimeout},
	{migration.ErrInvalidArgument, ConfigError},
	{migration.ErrTransient, ConnectionError},
	{migration.ErrFatal, OperationError},
	{context.Canceled, Cancelled},
	{context.DeadlineExceeded, Cancelled},
}

// FromError determines the appropriate exit code for an error.
// Errors carrying a taxonomy sentinel are classified with errors.Is; other
// errors fall back to message inspection.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	for _, t := range taxonomy {
		if errors.Is(err, t.target) {
			return t.code
		}
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"no such file",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	if containsAny(errStr, []string{
		"checksum mismatch",
		"stacks differ",
	}) {
		return ValidationError
	}

	if containsAny(errStr, []string{
		"yaml:",
		"json:",
		"unmarshal",
		"invalid config",
		"missing required",
		"invalid value",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"unreachable",
		"no such host",
		"network",
		"ping",
		"login failed",
	}) {
		return ConnectionError
	}

	if containsAny(errStr, []string{
		"state db",
		"migrate state",
		"goose",
	}) {
		return StateError
	}

	return OperationError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, Cancelled, IOError, ClientTimeout:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case OperationError:
		return "operation failed"
	case ValidationError:
		return "stacks differ"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	case NotFound:
		return "not found"
	case Unauthorized:
		return "unauthorized"
	case Conflict:
		return "conflict"
	case ClientTimeout:
		return "client timeout (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
