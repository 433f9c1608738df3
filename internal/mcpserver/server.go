package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all ChainPilot tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("chainpilot", "1.0.0")
	client := NewChainPilotClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolEvaluateTransaction, h.HandleEvaluateTransaction)
	s.AddTool(ToolCheckSpending, h.HandleCheckSpending)
	s.AddTool(ToolRecordSpend, h.HandleRecordSpend)
	s.AddTool(ToolGetSpendingLimits, h.HandleGetSpendingLimits)
	s.AddTool(ToolListRules, h.HandleListRules)
	s.AddTool(ToolListApprovals, h.HandleListApprovals)
	s.AddTool(ToolDecideApproval, h.HandleDecideApproval)

	return s
}
