// Package permissions brokers tool-approval requests between spawned
// agents and the dashboard. Agents with an ask policy block on Request
// until a human resolves the prompt or the request window expires; a yes
// policy resolves immediately without a round trip.
package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iris-hq/iris/internal/common/logger"
	"github.com/iris-hq/iris/internal/events"
	"github.com/iris-hq/iris/internal/events/bus"
	"github.com/iris-hq/iris/internal/teams"
)

// Decision is the broker's answer to one tool request.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Pending is one unresolved request, as shown on the dashboard.
type Pending struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Team      string          `json:"team"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

type pendingRequest struct {
	info       Pending
	decisionCh chan Decision
}

// Broker holds pending requests and routes resolutions back to the
// blocked agent call.
type Broker struct {
	timeout time.Duration
	bus     bus.EventBus
	log     *logger.Logger

	mu      sync.RWMutex
	pending map[string]*pendingRequest
}

// NewBroker creates a broker. timeout bounds how long an ask-policy
// request may stay unanswered.
func NewBroker(timeout time.Duration, eventBus bus.EventBus, log *logger.Logger) *Broker {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Broker{
		timeout: timeout,
		bus:     eventBus,
		log:     log.WithFields(zap.String("component", "permissions")),
		pending: make(map[string]*pendingRequest),
	}
}

// Request decides one tool call for the team's policy. Policy yes allows
// immediately and no denies immediately; ask publishes the request and
// blocks until Resolve, the window expiring (deny), or ctx cancelling.
func (b *Broker) Request(ctx context.Context, team *teams.Team, sessionID, toolName string, input json.RawMessage) (Decision, error) {
	switch team.Policy() {
	case teams.PolicyYes:
		return Decision{Approved: true}, nil
	case teams.PolicyNo:
		return Decision{Approved: false, Reason: "team policy denies tool use"}, nil
	}

	now := time.Now().UTC()
	req := &pendingRequest{
		info: Pending{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Team:      team.Name,
			ToolName:  toolName,
			Input:     input,
			CreatedAt: now,
			ExpiresAt: now.Add(b.timeout),
		},
		decisionCh: make(chan Decision, 1),
	}

	b.mu.Lock()
	b.pending[req.info.ID] = req
	b.mu.Unlock()

	b.publish(events.PermissionRequest, events.PermissionRequestEvent{
		ID:        req.info.ID,
		SessionID: sessionID,
		Team:      team.Name,
		ToolName:  toolName,
		Input:     input,
		ExpiresAt: req.info.ExpiresAt.UnixMilli(),
	})
	b.log.Info("permission request pending",
		zap.String("id", req.info.ID),
		zap.String("team", team.Name),
		zap.String("tool", toolName))

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case decision := <-req.decisionCh:
		b.remove(req.info.ID)
		return decision, nil
	case <-timer.C:
		b.remove(req.info.ID)
		b.publish(events.PermissionTimeout, events.PermissionTimeoutEvent{
			ID:        req.info.ID,
			SessionID: sessionID,
			ToolName:  toolName,
		})
		return Decision{Approved: false, Reason: "permission request timed out"}, nil
	case <-ctx.Done():
		b.remove(req.info.ID)
		return Decision{}, ctx.Err()
	}
}

// Resolve answers a pending request. Unknown or already-resolved ids are
// an error.
func (b *Broker) Resolve(id string, approved bool, reason string) error {
	b.mu.RLock()
	req, ok := b.pending[id]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("permission request not found: %s", id)
	}

	decision := Decision{Approved: approved, Reason: reason}
	select {
	case req.decisionCh <- decision:
	default:
		return fmt.Errorf("permission request already resolved: %s", id)
	}

	b.publish(events.PermissionResolved, events.PermissionResolvedEvent{
		ID:       id,
		Approved: approved,
		Reason:   reason,
	})
	return nil
}

// Pending lists unresolved requests, oldest first.
func (b *Broker) Pending() []Pending {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Pending, 0, len(b.pending))
	for _, req := range b.pending {
		out = append(out, req.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Broker) publish(subject string, data interface{}) {
	if b.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.bus.Publish(ctx, subject, bus.NewEvent(subject, "permissions", data)); err != nil {
		b.log.Warn("permission event publish failed", zap.Error(err))
	}
}
