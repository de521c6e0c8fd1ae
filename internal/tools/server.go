// Package tools exposes the execution engine as MCP tools.
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"code-executor/internal/sandbox"
)

// ServerName is the MCP implementation name announced to clients.
const ServerName = "code-executor"

// Executor runs programs on behalf of the tool handlers.
type Executor interface {
	RunCode(ctx context.Context, language, program string) sandbox.Outcome
	RunSolution(ctx context.Context, language, code, inputPath string) sandbox.Outcome
	Languages() []string
}

type RunCodeInput struct {
	Language string `json:"language" jsonschema:"programming language of the program, e.g. python"`
	Program  string `json:"program" jsonschema:"source code executed directly by the interpreter"`
}

type RunSolutionInput struct {
	Language  string `json:"language" jsonschema:"programming language of the solution, e.g. python"`
	Code      string `json:"code" jsonschema:"source code saved as the solution file and executed"`
	InputPath string `json:"input_path,omitempty" jsonschema:"optional host path of an input file copied next to the solution under its base name"`
}

type ListLanguagesOutput struct {
	Languages []string `json:"languages"`
}

// NewServer registers run_code, run_solution and list_languages on a new MCP
// server backed by exec.
func NewServer(exec Executor, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: version}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name: sandbox.ToolRunCode,
		Description: "Run a short program in an isolated container with no network access. " +
			"Returns the program's standard output, or its combined output when it exits with an error.",
	}, runCodeHandler(exec))

	mcp.AddTool(server, &mcp.Tool{
		Name: sandbox.ToolRunSolution,
		Description: "Run a solution file in an isolated container, optionally with an input file " +
			"available in its working directory. Returns the solution's output.",
	}, runSolutionHandler(exec))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_languages",
		Description: "List the languages accepted by run_code and run_solution.",
	}, listLanguagesHandler(exec))

	return server
}

func runCodeHandler(exec Executor) mcp.ToolHandlerFor[RunCodeInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in RunCodeInput) (res *mcp.CallToolResult, _ any, _ error) {
		defer recoverTool(sandbox.ToolRunCode, &res)
		return outcomeResult(exec.RunCode(ctx, in.Language, in.Program)), nil, nil
	}
}

func runSolutionHandler(exec Executor) mcp.ToolHandlerFor[RunSolutionInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in RunSolutionInput) (res *mcp.CallToolResult, _ any, _ error) {
		defer recoverTool(sandbox.ToolRunSolution, &res)
		return outcomeResult(exec.RunSolution(ctx, in.Language, in.Code, in.InputPath)), nil, nil
	}
}

func listLanguagesHandler(exec Executor) mcp.ToolHandlerFor[struct{}, ListLanguagesOutput] {
	return func(context.Context, *mcp.CallToolRequest, struct{}) (*mcp.CallToolResult, ListLanguagesOutput, error) {
		langs := exec.Languages()
		return textResult(strings.Join(langs, "\n"), false), ListLanguagesOutput{Languages: langs}, nil
	}
}

func outcomeResult(out sandbox.Outcome) *mcp.CallToolResult {
	return textResult(out.Text(), out.IsError())
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: isError,
	}
}

// recoverTool turns a panic in a handler into an error result so it never
// reaches the client as a protocol failure.
func recoverTool(tool string, res **mcp.CallToolResult) {
	if r := recover(); r != nil {
		log.Error().Str("tool", tool).Interface("panic", r).Msg("tool handler panicked")
		*res = textResult(fmt.Sprintf("Error: internal error in %s", tool), true)
	}
}
