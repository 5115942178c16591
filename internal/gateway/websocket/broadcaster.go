package websocket

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/session/models"
	wire "github.com/coderelay/coderelay/pkg/subscriberwire"
)

// SessionStreamBroadcaster bridges the event bus to the hub: appended
// events, sandbox status changes, and processing status changes fan out to
// the session's subscribers without touching the actor.
type SessionStreamBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterSessionStreamNotifications wires the broadcaster to the bus; it
// detaches when ctx is cancelled.
func RegisterSessionStreamNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *SessionStreamBroadcaster {
	b := &SessionStreamBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-session-stream-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.BuildSessionEventWildcardSubject(), b.onSessionEvent)
	b.subscribe(eventBus, events.BuildSandboxStatusWildcardSubject(), b.onSandboxStatus)
	b.subscribe(eventBus, events.BuildProcessingStatusWildcardSubject(), b.onProcessingStatus)

	go func() {
		<-ctx.Done()
		b.Close()
	}()
	return b
}

// Close drops all bus subscriptions.
func (b *SessionStreamBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *SessionStreamBroadcaster) subscribe(eventBus bus.EventBus, subject string, handler bus.EventHandler) {
	sub, err := eventBus.Subscribe(subject, handler)
	if err != nil {
		b.logger.Error("failed to subscribe", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

func (b *SessionStreamBroadcaster) onSessionEvent(_ context.Context, event *bus.Event) error {
	frame, err := wire.New(wire.TypeSandboxEvent, event.Data)
	if err != nil {
		b.logger.Error("failed to build sandbox_event frame", zap.Error(err))
		return nil
	}
	b.hub.BroadcastEventToSession(event.SessionID, eventKeyOf(event.Data), frame)
	return nil
}

// eventKeyOf recovers the appended event's log key from the bus payload, for
// replay suppression on fresh subscribers. In-process delivery carries the
// model value; NATS delivery carries decoded JSON.
func eventKeyOf(data map[string]interface{}) models.EventKey {
	switch e := data["event"].(type) {
	case *models.Event:
		return e.Key()
	case map[string]interface{}:
		id, _ := e["id"].(string)
		var createdAt int64
		switch v := e["created_at"].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				createdAt = t.UnixMilli()
			}
		case float64:
			createdAt = int64(v)
		}
		return models.EventKey{CreatedAt: createdAt, ID: id}
	default:
		return models.EventKey{}
	}
}

func (b *SessionStreamBroadcaster) onSandboxStatus(_ context.Context, event *bus.Event) error {
	frame, err := wire.New(wire.TypeSandboxStatus, event.Data)
	if err != nil {
		return nil
	}
	b.hub.BroadcastToSession(event.SessionID, frame)

	// Warming and ready also get dedicated frames so clients can show
	// startup progress without inspecting payloads.
	status, _ := event.Data["status"].(string)
	switch models.SandboxStatus(status) {
	case models.SandboxWarming:
		if f, err := wire.New(wire.TypeSandboxWarming, nil); err == nil {
			b.hub.BroadcastToSession(event.SessionID, f)
		}
	case models.SandboxReady:
		if f, err := wire.New(wire.TypeSandboxReady, nil); err == nil {
			b.hub.BroadcastToSession(event.SessionID, f)
		}
	}
	return nil
}

func (b *SessionStreamBroadcaster) onProcessingStatus(_ context.Context, event *bus.Event) error {
	frame, err := wire.New(wire.TypeProcessingStatus, event.Data)
	if err != nil {
		return nil
	}
	b.hub.BroadcastToSession(event.SessionID, frame)
	return nil
}
