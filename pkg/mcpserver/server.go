// Package mcpserver exposes the studio's validate/lint/render/debug surface
// as MCP tools so agents can drive demo production programmatically.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewServer creates an MCP server with the studio tools registered.
func NewServer(version string) *server.MCPServer {
	s := server.NewMCPServer(
		"terminal-demo-studio",
		version,
		server.WithToolCapabilities(true),
	)

	s.AddTool(
		mcp.NewTool("tds/validate",
			mcp.WithDescription("Validate a screenplay YAML file against the schema"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the screenplay YAML file")),
			mcp.WithBoolean("explain", mcp.Description("Include a structural summary")),
		),
		HandleValidate,
	)

	s.AddTool(
		mcp.NewTool("tds/lint",
			mcp.WithDescription("Lint a validated screenplay for unsafe policies and fragile waits"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the screenplay YAML file")),
			mcp.WithBoolean("strict", mcp.Description("Promote warnings to errors")),
		),
		HandleLint,
	)

	s.AddTool(
		mcp.NewTool("tds/render",
			mcp.WithDescription("Execute a screenplay and produce media plus run artifacts"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the screenplay YAML file")),
			mcp.WithString("mode", mcp.Description("Lane: auto, scripted, interactive, or visual")),
			mcp.WithString("output_dir", mcp.Description("Directory for the run root")),
		),
		HandleRender,
	)

	s.AddTool(
		mcp.NewTool("tds/debug",
			mcp.WithDescription("Summarize a run directory for triage"),
			mcp.WithString("run_dir", mcp.Required(), mcp.Description("Path to a run directory")),
		),
		HandleDebug,
	)

	return s
}
