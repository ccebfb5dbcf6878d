package websocket

import (
	"encoding/json"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iris-hq/iris/internal/common/logger"
	"github.com/iris-hq/iris/internal/fork"
	ws "github.com/iris-hq/iris/pkg/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client is a middleman between one WebSocket connection and the hub.
type Client struct {
	id     string
	hub    *Hub
	forks  *fork.Manager
	conn   *gorillaws.Conn
	send   chan []byte
	logger *logger.Logger

	mu          sync.Mutex
	attachments map[string]*forkAttachment
}

// forkAttachment pumps one fork's PTY output to this client.
type forkAttachment struct {
	session *fork.Session
	ch      chan []byte
	done    chan struct{}
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, hub *Hub, forks *fork.Manager, conn *gorillaws.Conn, log *logger.Logger) *Client {
	return &Client{
		id:          id,
		hub:         hub,
		forks:       forks,
		conn:        conn,
		send:        make(chan []byte, 256),
		logger:      log.WithFields(zap.String("client_id", id)),
		attachments: make(map[string]*forkAttachment),
	}
}

// ReadPump reads messages from the connection and dispatches them. It runs
// in its own goroutine per connection; the connection is torn down when it
// returns.
func (c *Client) ReadPump() {
	defer func() {
		c.detachAllForks()
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseNormalClosure) {
				c.logger.Warn("unexpected close", zap.Error(err))
			}
			return
		}

		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", "", ws.ErrorCodeBadRequest, "invalid message envelope")
			continue
		}
		c.handleMessage(&msg)
	}
}

// WritePump writes queued messages to the connection and keeps it alive
// with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(gorillaws.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type sessionPayload struct {
	SessionID string `json:"sessionId"`
}

type forkPayload struct {
	ForkID string `json:"forkId"`
	Data   []byte `json:"data,omitempty"`
}

type forkResizePayload struct {
	ForkID string `json:"forkId"`
	Cols   uint16 `json:"cols"`
	Rows   uint16 `json:"rows"`
}

func (c *Client) handleMessage(msg *ws.Message) {
	switch msg.Action {
	case ws.ActionSubscribeSession:
		var p sessionPayload
		if err := msg.ParsePayload(&p); err != nil || p.SessionID == "" {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "sessionId is required")
			return
		}
		c.hub.SubscribeToSession(c, p.SessionID)
		c.respond(msg, map[string]interface{}{"subscribed": p.SessionID})

	case ws.ActionUnsubscribeSession:
		var p sessionPayload
		if err := msg.ParsePayload(&p); err != nil || p.SessionID == "" {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "sessionId is required")
			return
		}
		c.hub.UnsubscribeFromSession(c, p.SessionID)
		c.respond(msg, map[string]interface{}{"unsubscribed": p.SessionID})

	case ws.ActionListSubscriptions:
		sessions := c.hub.Subscriptions(c)
		if sessions == nil {
			sessions = []string{}
		}
		c.respond(msg, map[string]interface{}{"sessions": sessions})

	case ws.ActionAttachFork:
		var p forkPayload
		if err := msg.ParsePayload(&p); err != nil || p.ForkID == "" {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "forkId is required")
			return
		}
		if err := c.attachFork(p.ForkID); err != nil {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error())
			return
		}
		c.respond(msg, map[string]interface{}{"attached": p.ForkID})

	case ws.ActionDetachFork:
		var p forkPayload
		if err := msg.ParsePayload(&p); err != nil || p.ForkID == "" {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "forkId is required")
			return
		}
		c.detachFork(p.ForkID)
		c.respond(msg, map[string]interface{}{"detached": p.ForkID})

	case ws.ActionForkInput:
		var p forkPayload
		if err := msg.ParsePayload(&p); err != nil || p.ForkID == "" {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "forkId is required")
			return
		}
		session, err := c.forks.Get(p.ForkID)
		if err != nil {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error())
			return
		}
		if _, err := session.Write(p.Data); err != nil {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error())
		}

	case ws.ActionForkResize:
		var p forkResizePayload
		if err := msg.ParsePayload(&p); err != nil || p.ForkID == "" {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "forkId is required")
			return
		}
		session, err := c.forks.Get(p.ForkID)
		if err != nil {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error())
			return
		}
		if err := session.Resize(p.Cols, p.Rows); err != nil {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error())
		}

	default:
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeUnknownAction, "unknown action: "+msg.Action)
	}
}

// attachFork subscribes this client to a fork's PTY output and starts a
// pump relaying chunks as fork_output notifications.
func (c *Client) attachFork(forkID string) error {
	session, err := c.forks.Get(forkID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, ok := c.attachments[forkID]; ok {
		c.mu.Unlock()
		return nil
	}
	att := &forkAttachment{
		session: session,
		ch:      make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	c.attachments[forkID] = att
	c.mu.Unlock()

	session.Subscribe(att.ch)
	go c.pumpFork(forkID, att)
	return nil
}

func (c *Client) pumpFork(forkID string, att *forkAttachment) {
	for {
		select {
		case chunk := <-att.ch:
			c.notify(ws.ActionForkOutput, forkPayload{ForkID: forkID, Data: chunk})
		case <-att.session.Done():
			c.notify(ws.ActionForkClosed, forkPayload{ForkID: forkID})
			c.detachFork(forkID)
			return
		case <-att.done:
			return
		}
	}
}

func (c *Client) detachFork(forkID string) {
	c.mu.Lock()
	att, ok := c.attachments[forkID]
	if ok {
		delete(c.attachments, forkID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	att.session.Unsubscribe(att.ch)
	close(att.done)
}

func (c *Client) detachAllForks() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.attachments))
	for id := range c.attachments {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.detachFork(id)
	}
}

func (c *Client) respond(req *ws.Message, payload interface{}) {
	msg, err := ws.NewResponse(req.ID, req.Action, payload)
	if err != nil {
		c.logger.Error("failed to build response", zap.Error(err))
		return
	}
	c.enqueue(msg)
}

func (c *Client) notify(action string, payload interface{}) {
	msg, err := ws.NewNotification(action, payload)
	if err != nil {
		c.logger.Error("failed to build notification", zap.Error(err))
		return
	}
	c.enqueue(msg)
}

func (c *Client) sendError(id, action, code, message string) {
	msg, err := ws.NewError(id, action, code, message)
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (c *Client) enqueue(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping message")
	}
}
