package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Trustforge tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("trustforge", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetMatch, h.HandleGetMatch)
	s.AddTool(ToolLockDeal, h.HandleLockDeal)
	s.AddTool(ToolGetSession, h.HandleGetSession)
	s.AddTool(ToolMySessions, h.HandleMySessions)
	s.AddTool(ToolSubmitPayment, h.HandleSubmitPayment)
	s.AddTool(ToolConfirmCompletion, h.HandleConfirmCompletion)
	s.AddTool(ToolVoidSession, h.HandleVoidSession)
	s.AddTool(ToolGetReputation, h.HandleGetReputation)

	return s
}
