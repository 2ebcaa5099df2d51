// Package main provides the tds-mcp binary — MCP server for AI agents.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/tomallicino/terminal-demo-studio/pkg/mcpserver"
)

var version = "dev"

func main() {
	s := mcpserver.NewServer(version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
