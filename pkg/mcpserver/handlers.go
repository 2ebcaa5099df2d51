package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tomallicino/terminal-demo-studio/pkg/artifacts"
	"github.com/tomallicino/terminal-demo-studio/pkg/director"
	"github.com/tomallicino/terminal-demo-studio/pkg/lint"
	"github.com/tomallicino/terminal-demo-studio/pkg/schema"
)

// HandleValidate implements the tds/validate MCP tool.
func HandleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path argument is required"), nil
	}
	explain, _ := args["explain"].(bool)

	sp, errs := schema.ValidateFile(path, schema.LoadOptions{})
	if len(errs) > 0 {
		return errorResult(formatErrors(errs)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "✓ %s is valid (%d scenarios)", sp.Title, len(sp.Scenarios))
	if explain {
		for i := range sp.Scenarios {
			scenario := &sp.Scenarios[i]
			fmt.Fprintf(&b, "\n- %s [%s]: %d actions", scenario.Label, scenario.Mode(), len(scenario.Actions))
		}
	}
	return textResult(b.String()), nil
}

// HandleLint implements the tds/lint MCP tool.
func HandleLint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path argument is required"), nil
	}
	strict, _ := args["strict"].(bool)

	sp, errs := schema.ValidateFile(path, schema.LoadOptions{})
	if len(errs) > 0 {
		return errorResult(formatErrors(errs)), nil
	}
	result := lint.Screenplay(sp, strict)
	data, err := json.MarshalIndent(result.ToJSON(), "", "  ")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if result.Status() == "fail" {
		return errorResult(string(data)), nil
	}
	return textResult(string(data)), nil
}

// HandleRender implements the tds/render MCP tool.
func HandleRender(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path argument is required"), nil
	}
	mode, _ := args["mode"].(string)
	if mode == "" {
		mode = "auto"
	}

	cfg := director.ConfigFromEnv()
	if outputDir, ok := args["output_dir"].(string); ok {
		cfg.OutputDir = outputDir
	}

	result, err := director.Run(ctx, path, director.Mode(mode), director.LocationAuto, cfg)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if result.Failure != nil {
		message := result.Failure.Error()
		if result.Layout != nil {
			message += "\nfailure bundle: " + result.Layout.FailureDir
		}
		return errorResult(message), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "✓ run %s succeeded\nrun_dir: %s", result.Summary.RunID, result.Layout.RunDir)
	for kind, media := range result.Summary.Media {
		fmt.Fprintf(&b, "\n%s: %s", kind, media)
	}
	return textResult(b.String()), nil
}

// HandleDebug implements the tds/debug MCP tool.
func HandleDebug(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	runDir, _ := args["run_dir"].(string)
	if runDir == "" {
		return errorResult("run_dir argument is required"), nil
	}
	triage, err := artifacts.TriageRun(runDir)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	data, err := json.MarshalIndent(triage, "", "  ")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

func formatErrors(errs []*schema.ValidationError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "\n")
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(text)},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(msg)},
		IsError: true,
	}
}
