// Package mcpserver exposes the supervisor to spawned agents over MCP.
// Every child process gets a per-session mount at /mcp/<sessionId>; the
// session id in the URL identifies the calling agent, so tools can infer
// the caller's team without trusting tool arguments.
package mcpserver

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/iris-hq/iris/internal/common/logger"
	"github.com/iris-hq/iris/internal/orchestrator"
	"github.com/iris-hq/iris/internal/permissions"
	"github.com/iris-hq/iris/internal/teams"
)

type sessionIDKey struct{}

// WithSessionID stores the calling agent's session id on the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFromContext returns the calling agent's session id, if any.
func SessionIDFromContext(ctx context.Context) string {
	sid, _ := ctx.Value(sessionIDKey{}).(string)
	return sid
}

// Server is the MCP front-end for agent child processes.
type Server struct {
	orch   *orchestrator.Orchestrator
	broker *permissions.Broker
	teams  *teams.Registry
	logger *logger.Logger

	mcp  *server.MCPServer
	http *server.StreamableHTTPServer
}

// New builds the MCP server and registers the iris tool set.
func New(orch *orchestrator.Orchestrator, broker *permissions.Broker, registry *teams.Registry, log *logger.Logger) *Server {
	s := &Server{
		orch:   orch,
		broker: broker,
		teams:  registry,
		logger: log.WithFields(zap.String("component", "mcpserver")),
	}

	s.mcp = server.NewMCPServer(
		"iris",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()

	// Stateless: the agent CLI opens a fresh stream per call and the
	// session identity comes from the URL, not MCP session negotiation.
	s.http = server.NewStreamableHTTPServer(s.mcp,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
	)
	return s
}

// GinHandler mounts the streamable HTTP transport under /mcp/:sessionId.
// The path is rewritten to the bare endpoint and the session id moves into
// the request context for the tool handlers.
func (s *Server) GinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		r := c.Request.WithContext(WithSessionID(c.Request.Context(), sessionID))
		r.URL.Path = "/mcp"
		s.http.ServeHTTP(c.Writer, r)
	}
}
