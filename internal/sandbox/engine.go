package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"code-executor/internal/monitor"
	"code-executor/internal/runtime"
	"code-executor/internal/storage"
)

// ErrEngineClosed is returned by Close when in-flight executions did not
// drain in time.
var ErrEngineClosed = errors.New("engine closed with executions still running")

// AuditLogger receives one record per finished execution.
type AuditLogger interface {
	Log(exec *storage.Execution)
}

// EngineConfig wires an Engine. Registry and Backend are required.
type EngineConfig struct {
	Registry      *runtime.Registry
	Backend       Backend
	StagingRoot   string
	User          string // uid:gid inside the container; defaults to HostUser()
	MaxConcurrent int

	CodeCeiling     ResourceCeiling
	SolutionCeiling ResourceCeiling

	Metrics *monitor.Metrics
	Tracer  *monitor.Tracer
	Audit   AuditLogger
}

// Engine runs untrusted programs for the run_code and run_solution tools.
// Every call returns exactly one Outcome and never leaves a staging area or
// container behind.
type Engine struct {
	registry    *runtime.Registry
	backend     Backend
	stagingRoot string
	user        string

	codeCeiling     ResourceCeiling
	solutionCeiling ResourceCeiling

	sem    chan struct{}
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
	active atomic.Int64

	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	detector *monitor.EscapeDetector
	audit    AuditLogger
	newID    func() string
}

// NewEngine validates cfg and builds an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("engine: registry is required")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("engine: backend is required")
	}
	if cfg.CodeCeiling == (ResourceCeiling{}) {
		cfg.CodeCeiling = DefaultCodeCeiling()
	}
	if cfg.SolutionCeiling == (ResourceCeiling{}) {
		cfg.SolutionCeiling = DefaultSolutionCeiling()
	}
	if err := cfg.CodeCeiling.Validate(); err != nil {
		return nil, fmt.Errorf("engine: run_code ceiling: %w", err)
	}
	if err := cfg.SolutionCeiling.Validate(); err != nil {
		return nil, fmt.Errorf("engine: run_solution ceiling: %w", err)
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.User == "" {
		cfg.User = HostUser()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitor.NewMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = monitor.NewTracer()
	}

	return &Engine{
		registry:        cfg.Registry,
		backend:         cfg.Backend,
		stagingRoot:     cfg.StagingRoot,
		user:            cfg.User,
		codeCeiling:     cfg.CodeCeiling,
		solutionCeiling: cfg.SolutionCeiling,
		sem:             make(chan struct{}, cfg.MaxConcurrent),
		metrics:         cfg.Metrics,
		tracer:          cfg.Tracer,
		detector:        monitor.NewEscapeDetector(),
		audit:           cfg.Audit,
		newID:           uuid.NewString,
	}, nil
}

// request is one tool invocation on its way through the engine.
type request struct {
	tool      string
	language  string
	code      string
	inputPath string
}

// RunCode executes program as an interpreter argument in an isolated
// container with no network and an empty, read-only workspace.
func (e *Engine) RunCode(ctx context.Context, language, program string) Outcome {
	return e.execute(ctx, request{tool: ToolRunCode, language: language, code: program})
}

// RunSolution stages code as the runtime's source file, copies inputPath
// (optional) next to it under its base name, and runs the file in a
// container that may use the default network.
func (e *Engine) RunSolution(ctx context.Context, language, code, inputPath string) Outcome {
	return e.execute(ctx, request{tool: ToolRunSolution, language: language, code: code, inputPath: inputPath})
}

func (e *Engine) execute(ctx context.Context, req request) Outcome {
	execID := e.newID()
	start := time.Now()
	codeHash := hashCode(req.code)

	logger := log.With().
		Str("exec_id", execID).
		Str("tool", req.tool).
		Str("language", req.language).
		Str("code_hash", codeHash).
		Logger()

	ctx, span := e.tracer.StartSpan(ctx, req.tool,
		monitor.AttrExecID.String(execID),
		monitor.AttrTool.String(req.tool),
		monitor.AttrLanguage.String(req.language),
		monitor.AttrCodeHash.String(codeHash),
		monitor.AttrBackend.String(e.backend.Name()),
	)

	out, detections := e.run(ctx, execID, req, logger)
	out.ExecID = execID
	out.Tool = req.tool
	out.Language = req.language
	if out.Duration == 0 {
		out.Duration = time.Since(start)
	}

	span.SetAttributes(
		monitor.AttrOutcome.String(string(out.Kind)),
		monitor.AttrExitCode.Int(out.ExitCode),
	)
	var spanErr error
	if out.IsError() {
		spanErr = errors.New(out.Text())
	}
	monitor.EndSpan(span, spanErr)

	e.record(out, req, codeHash, start, detections, logger)
	return out
}

// run takes a request from language check to classified outcome. Resources
// acquired here are released before it returns.
func (e *Engine) run(ctx context.Context, execID string, req request, logger zerolog.Logger) (Outcome, []storage.Detection) {
	rt, err := e.registry.Get(req.language)
	if err != nil {
		logger.Info().Msg("unsupported language")
		return Outcome{Kind: OutcomeUnsupportedLanguage}, nil
	}

	if err := rt.Validate(req.code); err != nil {
		return Classify(nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err), 0), nil
	}
	ceiling := e.codeCeiling
	sourceName := ""
	if req.tool == ToolRunSolution {
		ceiling = e.solutionCeiling
		sourceName = rt.SourceFile()
		if req.inputPath != "" {
			if _, err := InputName(req.inputPath, sourceName); err != nil {
				return Classify(nil, err, 0), nil
			}
			if err := CheckInput(req.inputPath); err != nil {
				return Classify(nil, err, 0), nil
			}
		}
	}
	e.metrics.CodeSizeBytes.Observe(float64(len(req.code)))

	detections := e.inspectCode(req.code, logger)

	release, err := e.acquire(ctx)
	if err != nil {
		return Classify(nil, err, ceiling.Timeout), detections
	}
	defer release()

	_, stageSpan := e.tracer.StartSpan(ctx, "stage")
	area, err := ProvisionStagingArea(e.stagingRoot, sourceName, req.code, req.inputPath)
	monitor.EndSpan(stageSpan, err)
	if err != nil {
		logger.Error().Err(err).Msg("staging failed")
		return Classify(nil, &ExecutionError{ExecID: execID, Op: "stage", Err: err}, ceiling.Timeout), detections
	}
	defer func() {
		if err := area.Release(); err != nil {
			e.metrics.RecordTeardownFailure("staging")
			logger.Error().Err(err).Str("dir", area.Dir).Msg("staging area not removed")
		}
	}()

	launch := Launch{
		ExecID:  execID,
		Name:    containerPrefix + execID,
		Image:   rt.Image(),
		WorkDir: WorkspaceDir,
		User:    e.user,
		Ceiling: ceiling,
		Mount:   Mount{HostDir: area.Dir, Target: WorkspaceDir},
	}
	if req.tool == ToolRunCode {
		launch.Command = rt.InlineCommand(req.code)
		launch.Mount.ReadOnly = true
	} else {
		launch.Command = rt.Command(sourceName)
	}

	e.metrics.ActiveExecutions.Inc()
	invokeCtx, invokeSpan := e.tracer.StartSpan(ctx, "invoke", monitor.AttrBackend.String(e.backend.Name()))
	raw, err := e.backend.Run(invokeCtx, launch)
	monitor.EndSpan(invokeSpan, err)
	e.metrics.ActiveExecutions.Dec()

	if err != nil {
		err = &ExecutionError{ExecID: execID, Op: "invoke", Err: err}
		logger.Warn().Err(err).Msg("execution did not complete")
	}
	out := Classify(raw, err, ceiling.Timeout)
	if out.Kind == OutcomeCompleted {
		detections = append(detections, e.inspectOutput(out.Stdout+out.Stderr, logger)...)
	}
	return out, detections
}

// acquire takes an execution slot, waiting no longer than ctx allows.
func (e *Engine) acquire(ctx context.Context) (func(), error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, launchFailed("executor is shutting down")
	}
	e.wg.Add(1)
	e.mu.Unlock()

	waitStart := time.Now()
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		e.wg.Done()
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, launchFailed("no execution slot became free before the deadline")
	}
	e.metrics.SlotWait.Observe(time.Since(waitStart).Seconds())
	e.active.Add(1)

	return func() {
		e.active.Add(-1)
		<-e.sem
		e.wg.Done()
	}, nil
}

func (e *Engine) inspectCode(code string, logger zerolog.Logger) []storage.Detection {
	return e.detections("code", e.detector.AnalyzeCode(code), logger)
}

func (e *Engine) inspectOutput(output string, logger zerolog.Logger) []storage.Detection {
	return e.detections("output", e.detector.AnalyzeOutput(output), logger)
}

func (e *Engine) detections(source string, found []monitor.Detection, logger zerolog.Logger) []storage.Detection {
	if len(found) == 0 {
		return nil
	}
	e.metrics.RecordDetections(found)

	out := make([]storage.Detection, 0, len(found))
	for _, d := range found {
		logger.Warn().
			Str("source", source).
			Str("pattern", d.Pattern).
			Str("severity", d.Severity).
			Int("line", d.Line).
			Msg("suspicious pattern")
		out = append(out, storage.Detection{
			Source:   source,
			Pattern:  d.Pattern,
			Severity: d.Severity,
			Detail:   d.Detail,
			Line:     d.Line,
		})
	}
	return out
}

func (e *Engine) record(out Outcome, req request, codeHash string, start time.Time, detections []storage.Detection, logger zerolog.Logger) {
	language := req.language
	if out.Kind == OutcomeUnsupportedLanguage {
		language = "unsupported"
	}
	text := out.Text()
	e.metrics.RecordExecution(req.tool, language, string(out.Kind), out.Duration.Seconds())
	e.metrics.OutputSizeBytes.Observe(float64(len(text)))

	ev := logger.Info()
	if out.IsError() {
		ev = logger.Warn().Str("reason", out.Reason)
	}
	ev.Str("outcome", string(out.Kind)).
		Int("exit_code", out.ExitCode).
		Dur("duration", out.Duration).
		Msg("execution finished")

	if e.audit == nil {
		return
	}
	completed := time.Now()
	e.audit.Log(&storage.Execution{
		ID:          out.ExecID,
		Tool:        req.tool,
		Language:    language,
		Backend:     e.backend.Name(),
		CodeHash:    codeHash,
		Outcome:     string(out.Kind),
		ExitCode:    out.ExitCode,
		Output:      out.Stdout,
		Stderr:      out.Stderr,
		Reason:      out.Reason,
		DurationMS:  out.Duration.Milliseconds(),
		CreatedAt:   start,
		CompletedAt: &completed,
		Detections:  detections,
	})
}

// Languages returns the accepted language names.
func (e *Engine) Languages() []string {
	return e.registry.Languages()
}

// Registry returns the image table the engine resolves against.
func (e *Engine) Registry() *runtime.Registry {
	return e.registry
}

// Backend returns the container backend in use.
func (e *Engine) Backend() Backend {
	return e.backend
}

// Metrics returns the collectors the engine records into.
func (e *Engine) Metrics() *monitor.Metrics {
	return e.metrics
}

// ActiveCount returns the number of executions holding a slot.
func (e *Engine) ActiveCount() int64 {
	return e.active.Load()
}

// Reap removes orphaned containers once.
func (e *Engine) Reap(ctx context.Context) (int, error) {
	n, err := e.backend.ReapOrphans(ctx)
	if n > 0 {
		e.metrics.OrphansReaped.Add(float64(n))
	}
	return n, err
}

// StartReaper runs the orphan reaper now and then every interval until ctx
// is done.
func (e *Engine) StartReaper(ctx context.Context, interval time.Duration) {
	StartReaper(ctx, e.backend, interval, func(n int) {
		e.metrics.OrphansReaped.Add(float64(n))
	})
}

// Close refuses new executions, waits up to timeout for running ones and
// closes the backend.
func (e *Engine) Close(timeout time.Duration) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var drainErr error
	select {
	case <-done:
	case <-time.After(timeout):
		drainErr = fmt.Errorf("%w: %d still active after %s", ErrEngineClosed, e.active.Load(), timeout)
	}

	if err := e.backend.Close(); err != nil {
		return errors.Join(drainErr, fmt.Errorf("closing backend: %w", err))
	}
	return drainErr
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:8])
}
