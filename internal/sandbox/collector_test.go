package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestCombineOutput(t *testing.T) {
	tests := []struct {
		name, stdout, stderr, want string
	}{
		{"both", "out", "err", "out\nerr"},
		{"stdout only", "out", "", "out"},
		{"stderr only", "", "err", "err"},
		{"neither", "", "", ""},
		{"trailing newline kept", "out\n", "err\n", "out\n\nerr\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CombineOutput(tt.stdout, tt.stderr); got != tt.want {
				t.Errorf("CombineOutput(%q, %q) = %q, want %q", tt.stdout, tt.stderr, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	timeout := 10 * time.Second
	tests := []struct {
		name string
		raw  *RawResult
		err  error
		want OutcomeKind
	}{
		{"exit zero", &RawResult{Stdout: "ok"}, nil, OutcomeCompleted},
		{"exit nonzero", &RawResult{Stderr: "boom", ExitCode: 1}, nil, OutcomeCompleted},
		{"timeout sentinel", nil, fmt.Errorf("%w: after 10s", ErrTimeout), OutcomeTimedOut},
		{"deadline", nil, context.DeadlineExceeded, OutcomeTimedOut},
		{"unavailable", nil, unavailable("docker not found"), OutcomeEnvironmentUnavailable},
		{"launch failed", nil, launchFailed("no such image"), OutcomeLaunchFailed},
		{"staging", nil, fmt.Errorf("%w: disk full", ErrStaging), OutcomeLaunchFailed},
		{"canceled", nil, context.Canceled, OutcomeLaunchFailed},
		{"unknown error", nil, errors.New("weird"), OutcomeLaunchFailed},
		{"nil result", nil, nil, OutcomeLaunchFailed},
		{"wrapped timeout", nil, &ExecutionError{ExecID: "x", Op: "run", Err: ErrTimeout}, OutcomeTimedOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.raw, tt.err, timeout)
			if got.Kind != tt.want {
				t.Errorf("Classify() kind = %q, want %q", got.Kind, tt.want)
			}
		})
	}
}

func TestClassify_TimeoutDropsPartialOutput(t *testing.T) {
	got := Classify(&RawResult{Stdout: "partial"}, ErrTimeout, 10*time.Second)
	if got.Kind != OutcomeTimedOut {
		t.Fatalf("kind = %q, want timed_out", got.Kind)
	}
	if got.Stdout != "" {
		t.Errorf("timed out outcome should carry no output, got %q", got.Stdout)
	}
}

func TestClassify_CallerDeadlineNamesItsCause(t *testing.T) {
	own := Classify(nil, fmt.Errorf("%w: exceeded 10s", ErrTimeout), 10*time.Second)
	if got := own.Text(); got != "Execution timed out after 10s" {
		t.Errorf("own timeout text = %q", got)
	}

	caller := Classify(nil, context.DeadlineExceeded, 10*time.Second)
	if caller.Kind != OutcomeTimedOut {
		t.Fatalf("kind = %q, want timed_out", caller.Kind)
	}
	if got := caller.Text(); got != "Execution timed out: caller deadline expired before the 10s limit" {
		t.Errorf("caller deadline text = %q", got)
	}
}

func TestClassify_ReasonStripsContext(t *testing.T) {
	err := &ExecutionError{ExecID: "abc", Op: "docker_run", Err: launchFailed("image %s not present", "python:3.12")}
	got := Classify(nil, err, time.Second)
	if got.Reason != "image python:3.12 not present" {
		t.Errorf("Reason = %q", got.Reason)
	}
}

func TestOutcome_Text(t *testing.T) {
	tests := []struct {
		name string
		out  Outcome
		want string
	}{
		{
			"success returns stdout",
			Outcome{Kind: OutcomeCompleted, Tool: ToolRunCode, Stdout: "Hello from container\n"},
			"Hello from container\n",
		},
		{
			"run_code failure combines streams",
			Outcome{Kind: OutcomeCompleted, Tool: ToolRunCode, Stdout: "a", Stderr: "ValueError: x", ExitCode: 1},
			"a\nValueError: x",
		},
		{
			"run_solution failure is prefixed",
			Outcome{Kind: OutcomeCompleted, Tool: ToolRunSolution, Stderr: "ValueError: x", ExitCode: 1},
			"Execution failed:\nValueError: x",
		},
		{
			"timeout",
			Outcome{Kind: OutcomeTimedOut, Timeout: 10 * time.Second},
			"Execution timed out after 10s",
		},
		{
			"unsupported",
			Outcome{Kind: OutcomeUnsupportedLanguage, Language: "ruby"},
			"Unsupported language: ruby",
		},
		{
			"unavailable without reason",
			Outcome{Kind: OutcomeEnvironmentUnavailable},
			"Docker is not available on this system.",
		},
		{
			"launch failed",
			Outcome{Kind: OutcomeLaunchFailed, Reason: "no such image"},
			"Failed to run container: no such image",
		},
		{
			"invalid request",
			Outcome{Kind: OutcomeInvalidRequest, Reason: "code is empty"},
			"Error: code is empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.out.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOutcome_IsError(t *testing.T) {
	errorKinds := map[OutcomeKind]bool{
		OutcomeCompleted:              false,
		OutcomeTimedOut:               true,
		OutcomeEnvironmentUnavailable: true,
		OutcomeLaunchFailed:           true,
		OutcomeUnsupportedLanguage:    false,
		OutcomeInvalidRequest:         false,
	}
	for kind, want := range errorKinds {
		if got := (Outcome{Kind: kind}).IsError(); got != want {
			t.Errorf("IsError(%q) = %v, want %v", kind, got, want)
		}
	}
	if (Outcome{Kind: OutcomeCompleted, ExitCode: 1}).IsError() {
		t.Error("a failing program is a completed execution, not an error")
	}
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(5)
	n, err := b.Write([]byte("abc"))
	if n != 3 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, _ = b.Write([]byte("defgh"))
	if n != 5 {
		t.Errorf("Write should report the full length, got %d", n)
	}
	b.Write([]byte("more"))

	got := b.String()
	if !strings.HasPrefix(got, "abcde") || !strings.HasSuffix(got, truncatedMarker) {
		t.Errorf("String() = %q", got)
	}

	small := newCappedBuffer(10)
	small.Write([]byte("ok"))
	if small.String() != "ok" {
		t.Errorf("untruncated String() = %q", small.String())
	}
}
