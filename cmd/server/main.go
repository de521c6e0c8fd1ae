package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"code-executor/internal/api"
	"code-executor/internal/app"
	"code-executor/internal/config"
	"code-executor/internal/tools"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.LoadOrDefault(configPath)
	app.SetupLogging(logConfig(cfg))
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, version)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start execution engine")
	}
	a.PrepareImages(ctx)
	a.Engine.StartReaper(ctx, cfg.Sandbox.ReapInterval)

	mcpServer := tools.NewServer(a.Engine, version)

	switch cfg.Server.Transport {
	case "http":
		err = serveHTTP(ctx, cfg, a, mcpServer)
	default:
		log.Info().Str("version", version).Msg("serving MCP over stdio")
		err = mcpServer.Run(ctx, &mcp.StdioTransport{})
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server failed")
	}

	if err := a.Close(cfg.Server.ShutdownTimeout); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
	log.Info().Msg("server stopped")
}

func serveHTTP(ctx context.Context, cfg *config.Config, a *app.App, mcpServer *mcp.Server) error {
	var store api.ExecutionReader
	if a.DB != nil {
		store = a.DB
	}
	server := api.NewServer(cfg, mcpServer, a.Engine, store, a.Metrics)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// logConfig tolerates a config that failed to load.
func logConfig(cfg *config.Config) config.LogConfig {
	if cfg == nil {
		return config.DefaultConfig().Log
	}
	return cfg.Log
}
