package migration

import "errors"

// Error taxonomy. Callers wrap these with fmt.Errorf("...: %w", err) and
// classify with errors.Is.
var (
	// ErrNotFound is returned for unknown job ids, backup ids and types.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when the caller is not an administrator.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConflict is returned when a migration lock is already held.
	ErrConflict = errors.New("conflict")

	// ErrClientTimeout means the caller's poll budget ran out. The
	// underlying work is unaffected.
	ErrClientTimeout = errors.New("client timeout")

	// ErrTransient marks a failure that may succeed on retry.
	ErrTransient = errors.New("transient failure")

	// ErrFatal marks a failure that is never retried.
	ErrFatal = errors.New("fatal")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
)

// IsRetryable reports whether err carries ErrTransient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
