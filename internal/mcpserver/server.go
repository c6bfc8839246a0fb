package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all risktier tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("risktier", version)
	h := NewHandlers(NewRiskClient(cfg))

	s.AddTool(ToolAnalyzeAddress, h.HandleAnalyzeAddress)
	s.AddTool(ToolCommitEligibility, h.HandleCommitEligibility)
	s.AddTool(ToolCommitScore, h.HandleCommitScore)
	s.AddTool(ToolListFallbackCommits, h.HandleListFallbackCommits)

	return s
}
