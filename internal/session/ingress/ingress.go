// Package ingress is the single entry point for events streamed back from
// the sandbox. It applies the per-type persistence policy, feeds tokens
// through the aggregator, and broadcasts accepted events on the bus.
package ingress

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/apperr"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/session/models"
	"github.com/coderelay/coderelay/internal/session/sandbox"
	"github.com/coderelay/coderelay/internal/session/store"
	"github.com/coderelay/coderelay/internal/session/tokenagg"
)

// Hooks are the actor callbacks the ingress fires after persisting an event
// with queue or session consequences.
type Hooks struct {
	// ExecutionComplete fires once per message, after the completion event
	// is in the log.
	ExecutionComplete func(ctx context.Context, messageID string, success bool, errMsg string)
	// GitSyncCompleted fires with the synced sha.
	GitSyncCompleted func(ctx context.Context, sha string)
}

// Processor ingests sandbox events for one session.
type Processor struct {
	sessionID  string
	store      *store.Store
	eventBus   bus.EventBus
	controller *sandbox.Controller
	hooks      Hooks
	agg        *tokenagg.Aggregator
	logger     *logger.Logger
}

// New creates a processor. flushInterval and maxTokens configure the token
// aggregator.
func New(sessionID string, st *store.Store, eventBus bus.EventBus, controller *sandbox.Controller, hooks Hooks, flushInterval time.Duration, maxTokens int, log *logger.Logger) *Processor {
	p := &Processor{
		sessionID:  sessionID,
		store:      st,
		eventBus:   eventBus,
		controller: controller,
		hooks:      hooks,
		logger: log.WithFields(
			zap.String("component", "event-ingress"),
			zap.String("session_id", sessionID)),
	}
	p.agg = tokenagg.New(flushInterval, maxTokens, p.flushTokens)
	return p
}

// Process ingests one event. Duplicate ids return ingress_conflict; a bad
// event never corrupts the log, the caller just gets a structured error.
func (p *Processor) Process(ctx context.Context, e *models.Event) error {
	if e.Type == "" {
		return apperr.BadRequest("event type is required")
	}

	if !models.ShouldPersist(e.Type) {
		return p.processHeartbeat(ctx, e)
	}

	switch e.Type {
	case models.EventToken:
		return p.processToken(e)
	case models.EventExecutionComplete:
		return p.processExecutionComplete(ctx, e)
	case models.EventGitSync:
		return p.processGitSync(ctx, e)
	case models.EventArtifact:
		return p.processArtifact(ctx, e)
	default:
		// tool_call, tool_result, user_message, error, unknown: append as-is.
		// Any buffered tokens flush first so log order follows stream order.
		p.agg.Flush()
		return p.append(ctx, e)
	}
}

// Flush drains buffered tokens, used before reads that need a current log.
func (p *Processor) Flush() {
	p.agg.Flush()
}

// Destroy flushes and detaches the aggregator when the actor shuts down.
func (p *Processor) Destroy() {
	p.agg.Destroy()
}

// processHeartbeat refreshes the sandbox record and applies any declared
// status carried on the signal. Heartbeats never touch the event log.
func (p *Processor) processHeartbeat(ctx context.Context, e *models.Event) error {
	at := e.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := p.controller.Heartbeat(ctx, p.sessionID, at); err != nil {
		return err
	}

	status, _ := e.Data["status"].(string)
	if status == "" {
		return nil
	}
	declared := models.SandboxStatus(status)
	if !declared.IsValid() {
		p.logger.Debug("ignoring unknown sandbox status", zap.String("status", status))
		return nil
	}
	if rec, err := p.store.GetSandbox(ctx, p.sessionID); err == nil && rec.Status == declared {
		return nil
	}
	return p.controller.ReportStatus(ctx, p.sessionID, declared)
}

func (p *Processor) processToken(e *models.Event) error {
	text, _ := e.Data["text"].(string)
	if text == "" {
		if content, ok := e.Data["content"].(string); ok {
			text = content
		}
	}
	p.agg.Add(e.MessageID, text)
	return nil
}

// flushTokens is the aggregator callback appending the coalesced event.
func (p *Processor) flushTokens(messageID, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e := &models.Event{
		ID:        uuid.New().String(),
		Type:      models.EventToken,
		MessageID: messageID,
		Data:      map[string]interface{}{"content": content},
		CreatedAt: time.Now().UTC(),
	}
	if err := p.append(ctx, e); err != nil {
		p.logger.Error("failed to append aggregated tokens", zap.Error(err))
	}
}

func (p *Processor) processExecutionComplete(ctx context.Context, e *models.Event) error {
	p.agg.Flush()

	if e.MessageID != "" {
		seen, err := p.store.HasEventForMessage(ctx, p.sessionID, models.EventExecutionComplete, e.MessageID)
		if err != nil {
			return err
		}
		if seen {
			// Only the first completion per message is authoritative.
			p.logger.Debug("duplicate execution_complete ignored",
				zap.String("message_id", e.MessageID))
			return nil
		}
	}

	if err := p.append(ctx, e); err != nil {
		return err
	}
	if err := p.controller.OnExecutionComplete(ctx, p.sessionID); err != nil {
		p.logger.Warn("failed to return sandbox to ready", zap.Error(err))
	}

	if p.hooks.ExecutionComplete != nil && e.MessageID != "" {
		success, _ := e.Data["success"].(bool)
		errMsg, _ := e.Data["error"].(string)
		p.hooks.ExecutionComplete(ctx, e.MessageID, success, errMsg)
	}
	return nil
}

func (p *Processor) processGitSync(ctx context.Context, e *models.Event) error {
	p.agg.Flush()
	if err := p.append(ctx, e); err != nil {
		return err
	}

	status, _ := e.Data["status"].(string)
	if status == "" {
		return nil
	}
	if err := p.store.SetGitSyncStatus(ctx, p.sessionID, status); err != nil {
		return err
	}
	if status != "completed" {
		return nil
	}
	if err := p.controller.OnGitSyncCompleted(ctx, p.sessionID); err != nil {
		p.logger.Warn("failed to advance sandbox to ready", zap.Error(err))
	}
	if p.hooks.GitSyncCompleted != nil {
		sha, _ := e.Data["sha"].(string)
		if sha != "" {
			p.hooks.GitSyncCompleted(ctx, sha)
		}
	}
	return nil
}

func (p *Processor) processArtifact(ctx context.Context, e *models.Event) error {
	p.agg.Flush()
	if err := p.append(ctx, e); err != nil {
		return err
	}

	artifactType, _ := e.Data["artifactType"].(string)
	url, _ := e.Data["url"].(string)
	metadata, _ := e.Data["metadata"].(map[string]interface{})
	a := &models.Artifact{
		Type:     models.ArtifactType(artifactType),
		URL:      url,
		Metadata: metadata,
	}
	if err := p.store.CreateArtifact(ctx, p.sessionID, a); err != nil {
		p.logger.Error("failed to record artifact", zap.Error(err))
	}
	return nil
}

// append persists the event and broadcasts it. Ordering on the wire follows
// log order because both happen on the ingesting goroutine.
func (p *Processor) append(ctx context.Context, e *models.Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := p.store.AppendEvent(ctx, p.sessionID, e); err != nil {
		return err
	}

	if p.eventBus != nil {
		data := map[string]interface{}{
			"event":    e,
			"category": string(models.CategoryOf(e.Type)),
		}
		ev := bus.NewEvent(events.SessionEventAppended, p.sessionID, data)
		if err := p.eventBus.Publish(ctx, events.BuildSessionEventSubject(p.sessionID), ev); err != nil {
			p.logger.Warn("failed to broadcast event", zap.Error(err))
		}
	}
	return nil
}
