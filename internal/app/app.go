// Package app wires configuration into a running execution engine. Both the
// MCP server and the CLI build their engine here.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"code-executor/internal/config"
	"code-executor/internal/monitor"
	"code-executor/internal/runtime"
	"code-executor/internal/sandbox"
	"code-executor/internal/storage"
)

// SetupLogging configures the global zerolog logger. Logs always go to
// stderr; stdout belongs to the stdio MCP transport.
func SetupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	format := cfg.Format
	if format == "" {
		format = "console"
		if os.Getenv("ENV") == "production" {
			format = "json"
		}
	}
	if format == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// App holds everything an execution engine depends on.
type App struct {
	Config  *config.Config
	Engine  *sandbox.Engine
	Metrics *monitor.Metrics
	DB      *storage.DB // nil without a database
	Audit   *storage.AuditWriter
	Tracing *monitor.TracingProvider
}

// New builds the engine described by cfg. A missing container runtime is not
// an error: executions then report the environment as unavailable. A
// database that cannot be reached only disables the audit log.
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	a := &App{Config: cfg, Metrics: monitor.NewMetrics()}

	tracing, err := monitor.InitTracing(ctx, cfg.Tracing, version)
	if err != nil {
		return nil, err
	}
	a.Tracing = tracing

	reg, err := runtime.NewRegistry(cfg.Sandbox.Images)
	if err != nil {
		return nil, fmt.Errorf("building image table: %w", err)
	}

	backend, err := sandbox.NewBackend(ctx, cfg.Sandbox)
	if err != nil {
		return nil, fmt.Errorf("selecting sandbox backend: %w", err)
	}

	engineCfg := sandbox.EngineConfig{
		Registry:        reg,
		Backend:         backend,
		StagingRoot:     cfg.Sandbox.StagingRoot,
		MaxConcurrent:   cfg.Sandbox.MaxConcurrent,
		CodeCeiling:     sandbox.CeilingFromConfig(cfg.Tools.RunCode, sandbox.DefaultCodeCeiling()),
		SolutionCeiling: sandbox.CeilingFromConfig(cfg.Tools.RunSolution, sandbox.DefaultSolutionCeiling()),
		Metrics:         a.Metrics,
		Tracer:          monitor.NewTracer(),
	}

	if cfg.Database.DSN != "" {
		db, err := storage.New(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			a.DB = db
			a.Audit = storage.NewAuditWriter(db, cfg.Database.AuditBuffer)
			a.Audit.Start()
			engineCfg.Audit = a.Audit
		}
	}

	engine, err := sandbox.NewEngine(engineCfg)
	if err != nil {
		_ = backend.Close()
		a.closeStores()
		return nil, err
	}
	a.Engine = engine

	log.Info().
		Str("backend", backend.Name()).
		Strs("languages", reg.Languages()).
		Int("max_concurrent", cfg.Sandbox.MaxConcurrent).
		Bool("audit", a.Audit != nil).
		Msg("execution engine ready")
	return a, nil
}

// PrepareImages checks the runtime images and pulls missing ones when the
// configuration asks for it. Missing images are logged, not fatal.
func (a *App) PrepareImages(ctx context.Context) {
	refs := a.Engine.Registry().Images()
	missing := sandbox.MissingImages(sandbox.CheckImages(ctx, a.Engine.Backend(), refs))
	if len(missing) == 0 {
		return
	}
	if !a.Config.Sandbox.PullOnStart {
		log.Warn().Strs("images", missing).Msg("runtime images not present locally; executions will fail until they are pulled")
		return
	}
	if err := sandbox.PullImages(ctx, a.Engine.Backend(), missing, 2); err != nil {
		log.Warn().Err(err).Msg("pre-pulling runtime images failed")
	}
}

// Close drains the engine and flushes the audit log, waiting at most timeout
// for running executions.
func (a *App) Close(timeout time.Duration) error {
	var errs []error
	if a.Engine != nil {
		if err := a.Engine.Close(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeStores()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Tracing.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flushing traces: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) closeStores() {
	if a.Audit != nil {
		a.Audit.Flush(10 * time.Second)
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
