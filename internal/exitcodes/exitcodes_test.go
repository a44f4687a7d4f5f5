package exitcodes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/johndauphine/stack-migrate/internal/migration"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil error", nil, Success},
		{"not found", fmt.Errorf("job abc: %w", migration.ErrNotFound), NotFound},
		{"unauthorized", fmt.Errorf("user 7: %w", migration.ErrUnauthorized), Unauthorized},
		{"conflict", fmt.Errorf("lock NODE: %w", migration.ErrConflict), Conflict},
		{"client timeout", fmt.Errorf("waiting: %w", migration.ErrClientTimeout), ClientTimeout},
		{"invalid argument", fmt.Errorf("ids: %w", migration.ErrInvalidArgument), ConfigError},
		{"transient", fmt.Errorf("read: %w", migration.ErrTransient), ConnectionError},
		{"fatal", fmt.Errorf("artifact: %w", migration.ErrFatal), OperationError},
		{"context canceled", fmt.Errorf("run: %w", context.Canceled), Cancelled},
		{"path error", &os.PathError{Op: "open", Path: "/foo", Err: errors.New("no such file")}, IOError},
		{"yaml parse error", errors.New("yaml: unmarshal error"), ConfigError},
		{"no such file", errors.New("open config.yaml: no such file or directory"), IOError},
		{"connection refused", errors.New("dial tcp: connection refused"), ConnectionError},
		{"checksum mismatch", errors.New("NODE: checksum mismatch"), ValidationError},
		{"state error", errors.New("migrate state db: locked"), StateError},
		{"unknown error", errors.New("something unexpected happened"), OperationError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			if got != tt.expected {
				t.Errorf("FromError(%v) = %d (%s), want %d (%s)",
					tt.err, got, Description(got), tt.expected, Description(tt.expected))
			}
		})
	}
}

func TestExitError(t *testing.T) {
	inner := errors.New("inner error")
	exitErr := NewExitError(inner, ConnectionError)

	if exitErr.Code != ConnectionError {
		t.Errorf("expected code %d, got %d", ConnectionError, exitErr.Code)
	}

	if exitErr.Error() != "inner error" {
		t.Errorf("expected error message 'inner error', got '%s'", exitErr.Error())
	}

	if errors.Unwrap(exitErr) != inner {
		t.Error("Unwrap should return inner error")
	}

	if FromError(exitErr) != ConnectionError {
		t.Errorf("FromError should extract code from ExitError")
	}
}

func TestIsRecoverable(t *testing.T) {
	recoverable := []int{ConnectionError, Cancelled, IOError, ClientTimeout}
	nonRecoverable := []int{Success, ConfigError, OperationError, ValidationError, StateError, NotFound, Unauthorized, Conflict}

	for _, code := range recoverable {
		if !IsRecoverable(code) {
			t.Errorf("expected code %d (%s) to be recoverable", code, Description(code))
		}
	}

	for _, code := range nonRecoverable {
		if IsRecoverable(code) {
			t.Errorf("expected code %d (%s) to be non-recoverable", code, Description(code))
		}
	}
}

func TestDescription(t *testing.T) {
	tests := []struct {
		code     int
		expected string
	}{
		{Success, "success"},
		{ConfigError, "configuration error"},
		{OperationError, "operation failed"},
		{NotFound, "not found"},
		{Conflict, "conflict"},
		{ClientTimeout, "client timeout (recoverable)"},
		{99, "unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			got := Description(tt.code)
			if got != tt.expected {
				t.Errorf("Description(%d) = %q, want %q", tt.code, got, tt.expected)
			}
		})
	}
}
