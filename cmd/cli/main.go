package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	configPath string
	backend    string
	verbose    bool

	serverURL string
	apiKey    string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "code-executor",
		Short:         "Run untrusted programs in isolated containers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/config.yaml"
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "Config file")
	root.PersistentFlags().StringVar(&opts.backend, "backend", "", "Sandbox backend (auto, docker, docker-api, containerd)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log engine activity to stderr")
	root.PersistentFlags().StringVar(&opts.serverURL, "server", "http://localhost:8080", "Server URL for remote commands")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("CODE_EXECUTOR_API_KEY"), "API key for remote commands")

	root.AddCommand(
		newRunCodeCmd(opts),
		newRunSolutionCmd(opts),
		newLanguagesCmd(opts),
		newImagesCmd(opts),
		newReapCmd(opts),
		newHealthCmd(opts),
		newExecutionsCmd(opts),
	)
	return root
}
