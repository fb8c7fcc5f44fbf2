package mcp

import (
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontology-engine/pkg/mcp/tools"
	"github.com/ekaya-inc/ontology-engine/pkg/middleware"
)

// ServerName is advertised to MCP clients during initialization.
const ServerName = "ontology-engine"

// Server wraps the mcp-go MCPServer with the ontology tools registered.
type Server struct {
	mcp    *server.MCPServer
	logger *zap.Logger
}

// NewServer creates an MCP server exposing the discovery engine's entry points.
func NewServer(version string, deps *tools.OntologyToolDeps, logger *zap.Logger) *Server {
	mcpServer := server.NewMCPServer(
		ServerName,
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Discovers undeclared foreign-key relations between entity types of a property graph. "+
			"Use list_relation_candidates to review candidates, decide_relation to override the judge, "+
			"and run_discovery_cycle to rebuild the candidate set."),
	)

	s := &Server{mcp: mcpServer, logger: logger.Named("mcp")}
	if deps != nil {
		if deps.Logger == nil {
			deps.Logger = s.logger
		}
		tools.RegisterOntologyTools(mcpServer, deps)
	}
	return s
}

// MCP returns the underlying MCPServer.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// RegisterTool is a convenience wrapper for registering an additional tool.
func (s *Server) RegisterTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcp.AddTool(tool, handler)
}

// Handler returns the stateless streamable HTTP transport wrapped with MCP
// request logging. The caller mounts it at /mcp.
func (s *Server) Handler() http.Handler {
	transport := server.NewStreamableHTTPServer(
		s.mcp,
		server.WithStateLess(true),
	)
	return middleware.MCPRequestLogger(s.logger)(transport)
}
