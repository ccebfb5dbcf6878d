// Package gateway exposes the supervisor over HTTP: REST routes for the
// dashboard and CLI, the WebSocket push channel, and the per-session MCP
// mount for spawned agents.
package gateway

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/iris-hq/iris/internal/common/logger"
	"github.com/iris-hq/iris/internal/events"
	"github.com/iris-hq/iris/internal/events/bus"
	gwws "github.com/iris-hq/iris/internal/gateway/websocket"
	ws "github.com/iris-hq/iris/pkg/websocket"
)

// Bridge fans event bus traffic out to WebSocket clients. Process and
// permission events go to every client; cache stream events only to the
// session's subscribers.
type Bridge struct {
	bus    bus.EventBus
	hub    *gwws.Hub
	logger *logger.Logger
	subs   []bus.Subscription
}

// NewBridge creates a bridge between the bus and the hub.
func NewBridge(eventBus bus.EventBus, hub *gwws.Hub, log *logger.Logger) *Bridge {
	return &Bridge{
		bus:    eventBus,
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_bridge")),
	}
}

// Start subscribes the bridge to the supervisor subjects.
func (b *Bridge) Start() error {
	broadcast := func(_ context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(event.Type, event.Data)
		if err != nil {
			return err
		}
		b.hub.Broadcast(msg)
		return nil
	}

	for _, subject := range []string{
		events.BuildProcessWildcardSubject(),
		events.BuildPermissionWildcardSubject(),
	} {
		sub, err := b.bus.Subscribe(subject, broadcast)
		if err != nil {
			return err
		}
		b.subs = append(b.subs, sub)
	}

	sub, err := b.bus.Subscribe(events.BuildCacheStreamWildcardSubject(), b.handleCacheStream)
	if err != nil {
		return err
	}
	b.subs = append(b.subs, sub)
	return nil
}

// handleCacheStream routes one live protocol message to the session's
// subscribers. Over NATS the event data arrives as a decoded map, so the
// session id is recovered by a marshal round trip.
func (b *Bridge) handleCacheStream(_ context.Context, event *bus.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	var stream events.CacheStreamEvent
	if err := json.Unmarshal(data, &stream); err != nil {
		b.logger.Warn("malformed cache stream event", zap.Error(err))
		return nil
	}

	msg, err := ws.NewNotification(events.CacheStream, json.RawMessage(data))
	if err != nil {
		return err
	}
	b.hub.BroadcastToSession(stream.SessionID, msg)
	return nil
}

// Stop unsubscribes everything.
func (b *Bridge) Stop() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
}
