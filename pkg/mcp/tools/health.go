package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// HealthChecker reports whether the metadata store is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type healthResult struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Metadata string `json:"metadata,omitempty"`
}

// RegisterHealthTool adds a health check tool to the MCP server. checker may
// be nil when metadata is not stored in a database.
func RegisterHealthTool(s *server.MCPServer, version string, checker HealthChecker) {
	tool := mcp.NewTool(
		"health",
		mcp.WithDescription("Returns server health status and version"),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result := healthResult{Status: "ok", Version: version}
		if checker != nil {
			result.Metadata = "ok"
			if err := checker.Health(ctx); err != nil {
				result.Status = "degraded"
				result.Metadata = "unreachable"
			}
		}
		return jsonResult(result)
	})
}
