package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrUnsupportedLang        = errors.New("unsupported language")
	ErrInvalidRequest         = errors.New("invalid execution request")
	ErrStaging                = errors.New("staging area failure")
	ErrEnvironmentUnavailable = errors.New("execution environment unavailable")
	ErrLaunchFailed           = errors.New("launch failed")
	ErrTimeout                = errors.New("execution timed out")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnavailable returns true if the container runtime could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrEnvironmentUnavailable)
}

func launchFailed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrLaunchFailed, fmt.Sprintf(format, args...))
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrEnvironmentUnavailable, fmt.Sprintf(format, args...))
}
