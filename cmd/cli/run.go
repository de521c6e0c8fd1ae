package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"code-executor/internal/app"
	"code-executor/internal/config"
	"code-executor/internal/sandbox"
)

// loadApp builds an in-process engine from the config file and flags.
func loadApp(ctx context.Context, opts *globalOptions) (*app.App, error) {
	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.backend != "" {
		cfg.Sandbox.Backend = opts.backend
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logCfg := cfg.Log
	if !opts.verbose {
		logCfg.Level = "warn"
	}
	app.SetupLogging(logCfg)

	return app.New(ctx, cfg, version)
}

func closeApp(a *app.App) {
	if err := a.Close(10 * time.Second); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
}

func newRunCodeCmd(opts *globalOptions) *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "run-code [program]",
		Short: "Run a program passed inline (or on stdin) with no network",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			program, err := argOrStdin(args, cmd.InOrStdin())
			if err != nil {
				return err
			}

			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeApp(a)

			return report(cmd, a.Engine.RunCode(cmd.Context(), language, program))
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "python", "Language of the program")
	return cmd
}

func newRunSolutionCmd(opts *globalOptions) *cobra.Command {
	var language, input string
	cmd := &cobra.Command{
		Use:   "run-solution <file>",
		Short: "Run a solution file, optionally with an input file beside it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading solution: %w", err)
			}

			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeApp(a)

			return report(cmd, a.Engine.RunSolution(cmd.Context(), language, string(code), input))
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "python", "Language of the solution")
	cmd.Flags().StringVarP(&input, "input", "i", "", "Input file copied next to the solution under its base name")
	return cmd
}

// report prints the result text and maps the outcome to an exit status.
func report(cmd *cobra.Command, out sandbox.Outcome) error {
	text := out.Text()
	w := cmd.OutOrStdout()
	if out.Kind != sandbox.OutcomeCompleted {
		w = cmd.ErrOrStderr()
	}
	fmt.Fprint(w, text)
	if text != "" && text[len(text)-1] != '\n' {
		fmt.Fprintln(w)
	}

	switch {
	case out.Kind == sandbox.OutcomeCompleted && out.ExitCode == 0:
		return nil
	case out.Kind == sandbox.OutcomeCompleted:
		return &exitError{code: out.ExitCode}
	case out.Kind == sandbox.OutcomeTimedOut:
		return &exitError{code: 124}
	default:
		return &exitError{code: 125}
	}
}

func argOrStdin(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}
