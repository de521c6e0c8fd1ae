package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

// getJSON fetches path from the server and pretty-prints the JSON body.
func getJSON(cmd *cobra.Command, opts *globalOptions, path string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, opts.serverURL+path, nil)
	if err != nil {
		return err
	}
	if opts.apiKey != "" {
		req.Header.Set("X-API-Key", opts.apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(formatted))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check a running server's health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return getJSON(cmd, opts, "/health")
		},
	}
}

func newExecutionsCmd(opts *globalOptions) *cobra.Command {
	executions := &cobra.Command{
		Use:   "executions",
		Short: "Query a running server's execution audit log",
	}

	var tool, language, outcome string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			for k, v := range map[string]string{"tool": tool, "language": language, "outcome": outcome} {
				if v != "" {
					q.Set(k, v)
				}
			}
			q.Set("limit", fmt.Sprint(limit))
			return getJSON(cmd, opts, "/executions?"+q.Encode())
		},
	}
	list.Flags().StringVar(&tool, "tool", "", "Filter by tool (run_code, run_solution)")
	list.Flags().StringVar(&language, "language", "", "Filter by language")
	list.Flags().StringVar(&outcome, "outcome", "", "Filter by outcome")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum records")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd, opts, "/executions/"+url.PathEscape(args[0]))
		},
	}

	executions.AddCommand(list, get)
	return executions
}
