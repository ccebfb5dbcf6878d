package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iris-hq/iris/internal/cache"
	"github.com/iris-hq/iris/internal/common/logger"
	"github.com/iris-hq/iris/internal/events"
	"github.com/iris-hq/iris/internal/events/bus"
	"github.com/iris-hq/iris/internal/teams"
)

// streamPublisher forwards live entry messages onto the bus, gated on the
// registry's watcher counts so unwatched sessions publish nothing.
type streamPublisher struct {
	caches *cache.Registry
	bus    bus.EventBus
	log    *logger.Logger
}

func (s *streamPublisher) PublishMessage(sessionID string, entryID int64, msg cache.Message) {
	if s.bus == nil || !s.caches.HasWatchers(sessionID) {
		return
	}
	subject := events.BuildCacheStreamSubject(sessionID)
	event := bus.NewEvent(subject, "transport", events.CacheStreamEvent{
		SessionID: sessionID,
		EntryID:   entryID,
		Kind:      msg.Type,
		Message:   msg.Raw,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.log.Warn("cache stream publish failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// teamSnapshot renders the team config as stored in the session row's
// debug snapshot.
func teamSnapshot(team *teams.Team) (string, error) {
	data, err := json.Marshal(team)
	if err != nil {
		return "", fmt.Errorf("failed to marshal team snapshot: %w", err)
	}
	return string(data), nil
}
