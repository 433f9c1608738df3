// ChainPilot MCP Server - Exposes the policy engine as MCP tools for LLM agents
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/cyprienoudart/Chain-Pilot/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:       envOrDefault("CHAINPILOT_API_URL", "http://localhost:8080"),
		APIKey:       os.Getenv("CHAINPILOT_API_KEY"),
		AgentAddress: os.Getenv("CHAINPILOT_AGENT_ADDRESS"),
	}

	if cfg.AgentAddress == "" {
		fmt.Fprintln(os.Stderr, "CHAINPILOT_AGENT_ADDRESS is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
