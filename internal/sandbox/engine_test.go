package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code-executor/internal/monitor"
	"code-executor/internal/runtime"
	"code-executor/internal/storage"
)

// fakeBackend records every launch together with what was staged for it.
type fakeBackend struct {
	mu       sync.Mutex
	launches []Launch
	staged   []map[string]string
	run      func(ctx context.Context, l Launch) (*RawResult, error)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	closed      atomic.Bool
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Run(ctx context.Context, l Launch) (*RawResult, error) {
	files := map[string]string{}
	entries, _ := os.ReadDir(l.Mount.HostDir)
	for _, e := range entries {
		data, _ := os.ReadFile(filepath.Join(l.Mount.HostDir, e.Name()))
		files[e.Name()] = string(data)
	}

	f.mu.Lock()
	f.launches = append(f.launches, l)
	f.staged = append(f.staged, files)
	f.mu.Unlock()

	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	if f.run == nil {
		return &RawResult{}, nil
	}
	return f.run(ctx, l)
}

func (f *fakeBackend) ImagePresent(context.Context, string) (bool, error) { return true, nil }
func (f *fakeBackend) PullImage(context.Context, string) error            { return nil }
func (f *fakeBackend) ReapOrphans(context.Context) (int, error)           { return 2, nil }
func (f *fakeBackend) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

type recordingAudit struct {
	mu   sync.Mutex
	recs []*storage.Execution
}

func (r *recordingAudit) Log(exec *storage.Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, exec)
}

type engineFixture struct {
	engine  *Engine
	backend *fakeBackend
	root    string
	audit   *recordingAudit
}

func newEngineFixture(t *testing.T, maxConcurrent int) *engineFixture {
	t.Helper()
	reg, err := runtime.NewRegistry(runtime.DefaultImages())
	require.NoError(t, err)

	fb := &fakeBackend{}
	audit := &recordingAudit{}
	root := t.TempDir()

	code := DefaultCodeCeiling()
	code.Timeout = 200 * time.Millisecond
	solution := DefaultSolutionCeiling()
	solution.Timeout = 300 * time.Millisecond

	e, err := NewEngine(EngineConfig{
		Registry:        reg,
		Backend:         fb,
		StagingRoot:     root,
		User:            "1000:1000",
		MaxConcurrent:   maxConcurrent,
		CodeCeiling:     code,
		SolutionCeiling: solution,
		Metrics:         monitor.NewMetrics(),
		Audit:           audit,
	})
	require.NoError(t, err)
	return &engineFixture{engine: e, backend: fb, root: root, audit: audit}
}

// assertNoStagingLeft checks that every staging area was removed.
func (fx *engineFixture) assertNoStagingLeft(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(fx.root)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging root should be empty after the call returns")
}

// blockUntilTimeout behaves like a backend whose program never exits.
func blockUntilTimeout(ctx context.Context, l Launch) (*RawResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, l.Ceiling.Timeout)
	defer cancel()
	<-runCtx.Done()
	return nil, interrupted(ctx, l.Ceiling.Timeout)
}

func TestEngine_RunCode_Hello(t *testing.T) {
	fx := newEngineFixture(t, 4)
	fx.backend.run = func(context.Context, Launch) (*RawResult, error) {
		return &RawResult{Stdout: "Hello from container\n"}, nil
	}

	out := fx.engine.RunCode(context.Background(), "python", "print('Hello from container')")

	assert.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, "Hello from container\n", out.Text())
	assert.False(t, out.IsError())
	fx.assertNoStagingLeft(t)

	require.Equal(t, 1, fx.backend.calls())
	l := fx.backend.launches[0]
	assert.Equal(t, "docker.io/library/python:3.12-alpine", l.Image)
	assert.Equal(t, "print('Hello from container')", l.Command[len(l.Command)-1])
	assert.True(t, l.Mount.ReadOnly, "run_code mounts its workspace read-only")
	assert.Equal(t, WorkspaceDir, l.Mount.Target)
	assert.Equal(t, WorkspaceDir, l.WorkDir)
	assert.Equal(t, NetworkNone, l.Ceiling.Network)
	assert.Equal(t, "1000:1000", l.User)
	assert.True(t, strings.HasPrefix(l.Name, containerPrefix))
	assert.Empty(t, fx.backend.staged[0], "run_code stages no files")
}

func TestEngine_NonZeroExit(t *testing.T) {
	traceback := "Traceback (most recent call last):\n  File \"solution.py\", line 1\nValueError: x"
	tests := []struct {
		name string
		run  func(e *Engine) Outcome
		want string
	}{
		{
			name: "run_code",
			run: func(e *Engine) Outcome {
				return e.RunCode(context.Background(), "python", "raise ValueError('x')")
			},
			want: "partial\n" + traceback,
		},
		{
			name: "run_solution",
			run: func(e *Engine) Outcome {
				return e.RunSolution(context.Background(), "python", "raise ValueError('x')", "")
			},
			want: "Execution failed:\npartial\n" + traceback,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newEngineFixture(t, 4)
			fx.backend.run = func(context.Context, Launch) (*RawResult, error) {
				return &RawResult{Stdout: "partial", Stderr: traceback, ExitCode: 1}, nil
			}

			out := tt.run(fx.engine)

			assert.Equal(t, OutcomeCompleted, out.Kind)
			assert.Equal(t, 1, out.ExitCode)
			assert.Equal(t, tt.want, out.Text())
			fx.assertNoStagingLeft(t)
		})
	}
}

func TestEngine_UnsupportedLanguageTouchesNothing(t *testing.T) {
	fx := newEngineFixture(t, 4)

	out := fx.engine.RunCode(context.Background(), "ruby", "puts 1")
	assert.Equal(t, OutcomeUnsupportedLanguage, out.Kind)
	assert.Equal(t, "Unsupported language: ruby", out.Text())

	out = fx.engine.RunSolution(context.Background(), "ruby", "puts 1", "")
	assert.Equal(t, "Unsupported language: ruby", out.Text())

	assert.Zero(t, fx.backend.calls())
	fx.assertNoStagingLeft(t)
}

func TestEngine_LanguageIsCaseInsensitive(t *testing.T) {
	fx := newEngineFixture(t, 4)

	out := fx.engine.RunCode(context.Background(), "Python", "print(1)")
	assert.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, 1, fx.backend.calls())
}

func TestEngine_Timeout(t *testing.T) {
	fx := newEngineFixture(t, 4)
	fx.backend.run = blockUntilTimeout

	start := time.Now()
	out := fx.engine.RunSolution(context.Background(), "python", "while True: pass", "")

	assert.Equal(t, OutcomeTimedOut, out.Kind)
	assert.True(t, out.IsError())
	assert.Equal(t, "Execution timed out after 300ms", out.Text())
	assert.Less(t, time.Since(start), 5*time.Second)
	fx.assertNoStagingLeft(t)
}

func TestEngine_BackendFailures(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind OutcomeKind
		wantText string
	}{
		{
			name:     "environment unavailable",
			err:      unavailable("docker binary %q not found", "docker"),
			wantKind: OutcomeEnvironmentUnavailable,
			wantText: "Docker is not available on this system.\ndocker binary \"docker\" not found",
		},
		{
			name:     "launch failed",
			err:      launchFailed("image not present locally"),
			wantKind: OutcomeLaunchFailed,
			wantText: "Failed to run container: image not present locally",
		},
		{
			name:     "untyped error",
			err:      errors.New("boom"),
			wantKind: OutcomeLaunchFailed,
			wantText: "Failed to run container: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newEngineFixture(t, 4)
			fx.backend.run = func(context.Context, Launch) (*RawResult, error) {
				return nil, tt.err
			}

			out := fx.engine.RunCode(context.Background(), "python", "print(1)")

			assert.Equal(t, tt.wantKind, out.Kind)
			assert.Equal(t, tt.wantText, out.Text())
			assert.True(t, out.IsError())
			fx.assertNoStagingLeft(t)
		})
	}
}

func TestEngine_CallerCancellation(t *testing.T) {
	fx := newEngineFixture(t, 4)
	started := make(chan struct{})
	fx.backend.run = func(ctx context.Context, l Launch) (*RawResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	out := fx.engine.RunSolution(ctx, "python", "import time; time.sleep(60)", "")

	assert.Equal(t, OutcomeLaunchFailed, out.Kind)
	assert.Equal(t, "Failed to run container: execution canceled", out.Text())
	fx.assertNoStagingLeft(t)
}

func TestEngine_DistinctStagingPerRun(t *testing.T) {
	fx := newEngineFixture(t, 4)

	a := fx.engine.RunSolution(context.Background(), "python", "print(1)", "")
	b := fx.engine.RunSolution(context.Background(), "python", "print(1)", "")

	assert.NotEqual(t, a.ExecID, b.ExecID)
	require.Equal(t, 2, fx.backend.calls())
	assert.NotEqual(t, fx.backend.launches[0].Mount.HostDir, fx.backend.launches[1].Mount.HostDir)
	assert.NotEqual(t, fx.backend.launches[0].Name, fx.backend.launches[1].Name)
	fx.assertNoStagingLeft(t)
}

func TestEngine_ConcurrentRunsDoNotInterfere(t *testing.T) {
	fx := newEngineFixture(t, 3)
	fx.backend.run = func(_ context.Context, l Launch) (*RawResult, error) {
		data, err := os.ReadFile(filepath.Join(l.Mount.HostDir, "solution.py"))
		if err != nil {
			return nil, err
		}
		time.Sleep(10 * time.Millisecond)
		return &RawResult{Stdout: string(data)}, nil
	}

	const n = 12
	outs := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code := "print(" + strings.Repeat("1", i+1) + ")"
			outs[i] = fx.engine.RunSolution(context.Background(), "python", code, "")
		}()
	}
	wg.Wait()

	for i, out := range outs {
		require.Equal(t, OutcomeCompleted, out.Kind, "run %d", i)
		assert.Equal(t, "print("+strings.Repeat("1", i+1)+")", out.Stdout, "run %d saw another run's files", i)
	}
	assert.LessOrEqual(t, fx.backend.maxInFlight.Load(), int32(3))
	assert.Zero(t, fx.engine.ActiveCount())
	fx.assertNoStagingLeft(t)
}

func TestEngine_RunSolution_StagesInputByBaseName(t *testing.T) {
	fx := newEngineFixture(t, 4)
	dir := filepath.Join(t.TempDir(), "some", "deep", "path")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	input := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(input, []byte("42\n"), 0o644))

	code := "print(open('data.txt').read())"
	out := fx.engine.RunSolution(context.Background(), "python", code, input)
	require.Equal(t, OutcomeCompleted, out.Kind)

	require.Equal(t, 1, fx.backend.calls())
	assert.Equal(t, map[string]string{"solution.py": code, "data.txt": "42\n"}, fx.backend.staged[0])

	l := fx.backend.launches[0]
	assert.False(t, l.Mount.ReadOnly, "run_solution mounts its workspace writable")
	assert.Equal(t, "solution.py", l.Command[len(l.Command)-1])
	assert.Equal(t, NetworkDefault, l.Ceiling.Network)
	fx.assertNoStagingLeft(t)
}

// unreadableInput returns a path that passes the regular-file check but
// fails on read: offset 0 of a process's own memory is never mapped.
func unreadableInput(t *testing.T) string {
	t.Helper()
	const path = "/proc/self/mem"
	if err := CheckInput(path); err != nil {
		t.Skipf("%s not usable here: %v", path, err)
	}
	return path
}

func TestEngine_CallerDeadlineShorterThanTimeout(t *testing.T) {
	fx := newEngineFixture(t, 4)
	fx.backend.run = blockUntilTimeout

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := fx.engine.RunSolution(ctx, "python", "while True: pass", "")

	assert.Equal(t, OutcomeTimedOut, out.Kind)
	assert.Equal(t, "Execution timed out: caller deadline expired before the 300ms limit", out.Text())
	fx.assertNoStagingLeft(t)
}

func TestEngine_StagingFailureLeavesNothing(t *testing.T) {
	fx := newEngineFixture(t, 2)
	input := unreadableInput(t)

	out := fx.engine.RunSolution(context.Background(), "python", "print(1)", input)
	require.Equal(t, OutcomeLaunchFailed, out.Kind, out.Text())
	assert.True(t, out.IsError())
	assert.Contains(t, out.Text(), "copying input")
	assert.Zero(t, fx.backend.calls(), "backend must not run after a staging failure")
	fx.assertNoStagingLeft(t)
}

func TestEngine_InvalidRequests(t *testing.T) {
	dir := t.TempDir()
	collide := filepath.Join(dir, "solution.py")
	require.NoError(t, os.WriteFile(collide, []byte("x"), 0o644))

	tests := []struct {
		name string
		run  func(e *Engine) Outcome
		text string
	}{
		{"empty program", func(e *Engine) Outcome {
			return e.RunCode(context.Background(), "python", "   ")
		}, "Error: empty code"},
		{"missing input", func(e *Engine) Outcome {
			return e.RunSolution(context.Background(), "python", "pass", filepath.Join(dir, "nope.txt"))
		}, ""},
		{"input is a directory", func(e *Engine) Outcome {
			return e.RunSolution(context.Background(), "python", "pass", dir)
		}, ""},
		{"input collides with source", func(e *Engine) Outcome {
			return e.RunSolution(context.Background(), "python", "pass", collide)
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newEngineFixture(t, 4)
			out := tt.run(fx.engine)

			assert.Equal(t, OutcomeInvalidRequest, out.Kind)
			assert.True(t, strings.HasPrefix(out.Text(), "Error: "))
			if tt.text != "" {
				assert.Equal(t, tt.text, out.Text())
			}
			assert.Zero(t, fx.backend.calls())
			fx.assertNoStagingLeft(t)
		})
	}
}

func TestEngine_AuditRecord(t *testing.T) {
	fx := newEngineFixture(t, 4)
	fx.backend.run = func(context.Context, Launch) (*RawResult, error) {
		return &RawResult{Stdout: "ok", ExitCode: 0, Duration: 120 * time.Millisecond}, nil
	}

	out := fx.engine.RunSolution(context.Background(), "python", "import os\nos.system('id')", "")

	require.Len(t, fx.audit.recs, 1)
	rec := fx.audit.recs[0]
	assert.Equal(t, out.ExecID, rec.ID)
	assert.Equal(t, ToolRunSolution, rec.Tool)
	assert.Equal(t, "python", rec.Language)
	assert.Equal(t, "fake", rec.Backend)
	assert.Equal(t, "completed", rec.Outcome)
	assert.Equal(t, int64(120), rec.DurationMS)
	assert.Len(t, rec.CodeHash, 16)
	require.NotNil(t, rec.CompletedAt)
	require.NotEmpty(t, rec.Detections, "os.system should be flagged")
	assert.Equal(t, "code", rec.Detections[0].Source)
}

func TestEngine_UnsupportedLanguageMetricLabel(t *testing.T) {
	fx := newEngineFixture(t, 4)
	fx.engine.RunCode(context.Background(), "cobol", "DISPLAY 'HI'")

	require.Len(t, fx.audit.recs, 1)
	assert.Equal(t, "unsupported", fx.audit.recs[0].Language)
}

func TestEngine_SlotWaitRespectsDeadline(t *testing.T) {
	fx := newEngineFixture(t, 1)
	release := make(chan struct{})
	fx.backend.run = func(context.Context, Launch) (*RawResult, error) {
		<-release
		return &RawResult{}, nil
	}

	done := make(chan Outcome)
	go func() { done <- fx.engine.RunCode(context.Background(), "python", "print(1)") }()
	require.Eventually(t, func() bool { return fx.engine.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := fx.engine.RunCode(ctx, "python", "print(2)")
	assert.Equal(t, OutcomeLaunchFailed, out.Kind)
	assert.Contains(t, out.Reason, "no execution slot")

	close(release)
	assert.Equal(t, OutcomeCompleted, (<-done).Kind)
	fx.assertNoStagingLeft(t)
}

func TestEngine_Close(t *testing.T) {
	fx := newEngineFixture(t, 2)

	require.NoError(t, fx.engine.Close(time.Second))
	assert.True(t, fx.backend.closed.Load())

	out := fx.engine.RunCode(context.Background(), "python", "print(1)")
	assert.Equal(t, OutcomeLaunchFailed, out.Kind)
	assert.Equal(t, "Failed to run container: executor is shutting down", out.Text())
	assert.Zero(t, fx.backend.calls())
}

func TestEngine_CloseTimesOutOnStuckExecution(t *testing.T) {
	fx := newEngineFixture(t, 2)
	release := make(chan struct{})
	fx.backend.run = func(context.Context, Launch) (*RawResult, error) {
		<-release
		return &RawResult{}, nil
	}

	done := make(chan struct{})
	go func() {
		fx.engine.RunCode(context.Background(), "python", "print(1)")
		close(done)
	}()
	require.Eventually(t, func() bool { return fx.engine.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)

	err := fx.engine.Close(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrEngineClosed)

	close(release)
	<-done
}

func TestEngine_Reap(t *testing.T) {
	fx := newEngineFixture(t, 1)
	n, err := fx.engine.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNewEngine_Validation(t *testing.T) {
	reg, err := runtime.NewRegistry(runtime.DefaultImages())
	require.NoError(t, err)

	_, err = NewEngine(EngineConfig{Backend: &fakeBackend{}})
	assert.Error(t, err, "registry is required")

	_, err = NewEngine(EngineConfig{Registry: reg})
	assert.Error(t, err, "backend is required")

	bad := DefaultCodeCeiling()
	bad.MemoryMB = 1
	_, err = NewEngine(EngineConfig{Registry: reg, Backend: &fakeBackend{}, CodeCeiling: bad})
	assert.Error(t, err)

	e, err := NewEngine(EngineConfig{Registry: reg, Backend: &fakeBackend{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultCodeCeiling(), e.codeCeiling)
	assert.Equal(t, DefaultSolutionCeiling(), e.solutionCeiling)
	assert.Equal(t, []string{"python"}, e.Languages())
}
