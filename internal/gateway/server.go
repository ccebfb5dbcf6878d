package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/iris-hq/iris/internal/common/logger"
	"github.com/iris-hq/iris/internal/fork"
	gwws "github.com/iris-hq/iris/internal/gateway/websocket"
	"github.com/iris-hq/iris/internal/orchestrator"
	"github.com/iris-hq/iris/internal/permissions"
)

// Server builds the gin router for all HTTP surfaces: the dashboard REST
// API, the WebSocket endpoint, and the per-session MCP mount.
type Server struct {
	orch      *orchestrator.Orchestrator
	broker    *permissions.Broker
	forks     *fork.Manager
	hub       *gwws.Hub
	wsHandler *gwws.Handler
	mcp       gin.HandlerFunc
	logger    *logger.Logger
}

// New wires the gateway. mcpHandler mounts the agent-facing MCP transport;
// pass nil to run without it.
func New(orch *orchestrator.Orchestrator, broker *permissions.Broker, forks *fork.Manager, hub *gwws.Hub, mcpHandler gin.HandlerFunc, log *logger.Logger) *Server {
	return &Server{
		orch:      orch,
		broker:    broker,
		forks:     forks,
		hub:       hub,
		wsHandler: gwws.NewHandler(hub, forks, log),
		mcp:       mcpHandler,
		logger:    log.WithFields(zap.String("component", "gateway")),
	}
}

// Router assembles the gin engine.
func (s *Server) Router(debug bool) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger(s.logger))

	router.GET("/health", s.handleHealth)
	router.GET("/ws", s.wsHandler.HandleConnection)

	if s.mcp != nil {
		router.Any("/mcp/:sessionId", s.mcp)
	}

	api := router.Group("/api/v1")
	{
		api.POST("/tell", s.handleTell)
		api.POST("/wake", s.handleWake)
		api.POST("/sleep", s.handleSleep)
		api.POST("/wakeall", s.handleWakeAll)

		api.GET("/teams", s.handleTeams)
		api.GET("/teams/:name", s.handleTeam)

		api.GET("/sessions", s.handleSessions)
		api.GET("/sessions/:sessionId", s.handleSession)
		api.GET("/sessions/:sessionId/report", s.handleSessionReport)
		api.DELETE("/sessions/:sessionId", s.handleArchiveSession)

		api.GET("/pool", s.handlePool)

		api.GET("/permissions/pending", s.handlePendingPermissions)
		api.POST("/permissions/:id/resolve", s.handleResolvePermission)

		api.POST("/fork", s.handleStartFork)
		api.GET("/fork", s.handleListForks)
		api.DELETE("/fork/:id", s.handleCloseFork)
	}

	return router
}

// corsMiddleware allows HTTP and WebSocket connections from the dashboard
// regardless of its origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger logs each request at debug level with the fields the
// dashboard needs to trace a call.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()))
	}
}
