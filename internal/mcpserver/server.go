package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all cell tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("cell", "1.0.0")
	client := NewCellClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolListMembers, h.HandleListMembers)
	s.AddTool(ToolGetCellStats, h.HandleGetCellStats)
	s.AddTool(ToolCreatePayment, h.HandleCreatePayment)
	s.AddTool(ToolSignAndExecutePayment, h.HandleSignAndExecutePayment)
	s.AddTool(ToolCreateCommitment, h.HandleCreateCommitment)
	s.AddTool(ToolFulfillCommitment, h.HandleFulfillCommitment)
	s.AddTool(ToolDisputeCommitment, h.HandleDisputeCommitment)
	s.AddTool(ToolGetEmergencyState, h.HandleGetEmergencyState)

	return s
}
