package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/trace"

	"github.com/causewaylabs/causeway/internal/core/port"
	"github.com/causewaylabs/causeway/internal/core/service"
)

// NewServer creates an MCPServer with the pipeline tools and logging hooks.
func NewServer(version string, pipeline *service.Pipeline, logger *slog.Logger, tracer trace.Tracer, inst port.Instrumentation) *server.MCPServer {
	s := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(true),
		server.WithHooks(ToolCallHooks(logger, tracer, inst)),
	)

	RegisterTools(s, pipeline, logger)

	return s
}
