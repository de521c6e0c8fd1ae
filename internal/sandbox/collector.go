package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	maxStdoutBytes = 1 << 20
	maxStderrBytes = 256 * 1024

	truncatedMarker = "\n... [output truncated]"
)

// RawResult is what a backend observed for a process that ran to exit.
type RawResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// OutcomeKind tags the terminal state of an execution. Exactly one applies.
type OutcomeKind string

const (
	OutcomeCompleted              OutcomeKind = "completed"
	OutcomeTimedOut               OutcomeKind = "timed_out"
	OutcomeEnvironmentUnavailable OutcomeKind = "environment_unavailable"
	OutcomeLaunchFailed           OutcomeKind = "launch_failed"
	OutcomeUnsupportedLanguage    OutcomeKind = "unsupported_language"
	OutcomeInvalidRequest         OutcomeKind = "invalid_request"
)

// Tool names, used to pick the result text.
const (
	ToolRunCode     = "run_code"
	ToolRunSolution = "run_solution"
)

// Outcome is the classified result of one execution.
type Outcome struct {
	Kind     OutcomeKind
	ExecID   string
	Tool     string
	Language string

	Stdout   string
	Stderr   string
	ExitCode int

	// Reason carries the diagnostic for failures that never produced output.
	Reason   string
	Timeout  time.Duration
	Duration time.Duration
}

// IsError reports whether the outcome is an infrastructure failure rather
// than a result of the caller's program.
func (o Outcome) IsError() bool {
	switch o.Kind {
	case OutcomeTimedOut, OutcomeEnvironmentUnavailable, OutcomeLaunchFailed:
		return true
	}
	return false
}

// Text renders the outcome as the single text result returned to callers.
func (o Outcome) Text() string {
	switch o.Kind {
	case OutcomeCompleted:
		if o.ExitCode == 0 {
			return o.Stdout
		}
		combined := CombineOutput(o.Stdout, o.Stderr)
		if o.Tool == ToolRunSolution {
			return "Execution failed:\n" + combined
		}
		return combined
	case OutcomeTimedOut:
		if o.Reason != "" {
			return "Execution timed out: " + o.Reason
		}
		return fmt.Sprintf("Execution timed out after %s", o.Timeout)
	case OutcomeEnvironmentUnavailable:
		msg := "Docker is not available on this system."
		if o.Reason != "" {
			msg += "\n" + o.Reason
		}
		return msg
	case OutcomeLaunchFailed:
		return "Failed to run container: " + o.Reason
	case OutcomeUnsupportedLanguage:
		return "Unsupported language: " + o.Language
	case OutcomeInvalidRequest:
		return "Error: " + o.Reason
	}
	return fmt.Sprintf("unknown outcome %q", o.Kind)
}

// CombineOutput joins stdout and stderr, separated by a single newline only
// when both are non-empty.
func CombineOutput(stdout, stderr string) string {
	if stdout != "" && stderr != "" {
		return stdout + "\n" + stderr
	}
	return stdout + stderr
}

// Classify maps what a backend returned onto an outcome.
func Classify(raw *RawResult, err error, timeout time.Duration) Outcome {
	switch {
	case err == nil && raw != nil:
		return Outcome{
			Kind:     OutcomeCompleted,
			Stdout:   raw.Stdout,
			Stderr:   raw.Stderr,
			ExitCode: raw.ExitCode,
			Duration: raw.Duration,
		}
	case err == nil:
		return Outcome{Kind: OutcomeLaunchFailed, Reason: "no result from container runtime"}
	case errors.Is(err, ErrTimeout):
		return Outcome{Kind: OutcomeTimedOut, Timeout: timeout}
	case errors.Is(err, context.DeadlineExceeded):
		return Outcome{
			Kind:    OutcomeTimedOut,
			Timeout: timeout,
			Reason:  fmt.Sprintf("caller deadline expired before the %s limit", timeout),
		}
	case errors.Is(err, ErrEnvironmentUnavailable):
		return Outcome{Kind: OutcomeEnvironmentUnavailable, Reason: reason(err, ErrEnvironmentUnavailable)}
	case errors.Is(err, ErrUnsupportedLang):
		return Outcome{Kind: OutcomeUnsupportedLanguage}
	case errors.Is(err, ErrInvalidRequest):
		return Outcome{Kind: OutcomeInvalidRequest, Reason: reason(err, ErrInvalidRequest)}
	case errors.Is(err, context.Canceled):
		return Outcome{Kind: OutcomeLaunchFailed, Reason: "execution canceled"}
	default:
		return Outcome{Kind: OutcomeLaunchFailed, Reason: reason(err, ErrLaunchFailed)}
	}
}

// reason strips the execution context and the sentinel prefix so callers see
// only the diagnostic.
func reason(err error, sentinel error) string {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		err = execErr.Err
	}
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}

// cappedBuffer keeps the first limit bytes written to it and drops the rest,
// so a noisy program cannot exhaust host memory.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + truncatedMarker
	}
	return c.buf.String()
}

// outputBuffers returns the stdout and stderr sinks every backend uses.
func outputBuffers() (*cappedBuffer, *cappedBuffer) {
	return newCappedBuffer(maxStdoutBytes), newCappedBuffer(maxStderrBytes)
}
