package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iris-hq/iris/internal/common/logger"
	"github.com/iris-hq/iris/internal/fork"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The dashboard is served from arbitrary local origins.
		return true
	},
}

// Handler upgrades dashboard connections and starts the client pumps.
type Handler struct {
	hub    *Hub
	forks  *fork.Manager
	logger *logger.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(hub *Hub, forks *fork.Manager, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		forks:  forks,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and registers the client.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.NewString(), h.hub, h.forks, conn, h.logger)
	h.hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}
