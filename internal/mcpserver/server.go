package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all marketplace tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("diem-marketplace", "1.0.0")
	client := NewMarketClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolFundEscrow, h.HandleFundEscrow)
	s.AddTool(ToolAttestUsage, h.HandleAttestUsage)
	s.AddTool(ToolPreviewDistribution, h.HandlePreviewDistribution)
	s.AddTool(ToolProviderBalance, h.HandleProviderBalance)
	s.AddTool(ToolListOffers, h.HandleListOffers)
	s.AddTool(ToolPlatformInfo, h.HandlePlatformInfo)

	return s
}
