package sandbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/apperr"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/session/models"
	"github.com/coderelay/coderelay/internal/session/store"
)

// Controller tracks the declared sandbox lifecycle per session and reconciles
// it against heartbeat freshness. Declared state lives in the store; the
// controller is the only writer of sandbox status.
type Controller struct {
	store              *store.Store
	client             *Client
	eventBus           bus.EventBus
	startRetries       int
	heartbeatThreshold time.Duration
	logger             *logger.Logger

	mu      sync.Mutex
	tracked map[string]bool // sessionIDs with a sandbox this process manages

	// onStopped is invoked when reconciliation forces a sandbox to stopped,
	// so the owning actor can restart it if work is pending.
	onStopped func(sessionID string)
}

// NewController creates a controller using client for provider commands.
func NewController(st *store.Store, client *Client, eventBus bus.EventBus, startRetries int, heartbeatThreshold time.Duration, log *logger.Logger) *Controller {
	if startRetries <= 0 {
		startRetries = 3
	}
	return &Controller{
		store:              st,
		client:             client,
		eventBus:           eventBus,
		startRetries:       startRetries,
		heartbeatThreshold: heartbeatThreshold,
		logger:             log.WithFields(zap.String("component", "sandbox-controller")),
		tracked:            make(map[string]bool),
	}
}

// SetOnStopped registers the restart hook. Must be called before Run.
func (c *Controller) SetOnStopped(fn func(sessionID string)) {
	c.onStopped = fn
}

// Ensure guarantees a live sandbox for the session, starting one if needed.
// Start attempts are capped; exhaustion returns sandbox_unavailable.
func (c *Controller) Ensure(ctx context.Context, session *models.Session) error {
	rec, err := c.store.EnsureSandbox(ctx, session.ID)
	if err != nil {
		return err
	}
	if rec.Status.IsAlive() {
		c.track(session.ID)
		return nil
	}

	if err := c.setStatus(ctx, session.ID, models.SandboxWarming, "", ""); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= c.startRetries; attempt++ {
		resp, err := c.client.Start(ctx, &StartRequest{
			SessionID:  session.ID,
			RepoOwner:  session.RepoOwner,
			RepoName:   session.RepoName,
			CurrentSHA: session.CurrentSHA,
			Model:      session.Model,
		})
		if err == nil {
			c.track(session.ID)
			return c.setStatus(ctx, session.ID, models.SandboxSyncing, resp.SandboxID, resp.Hostname)
		}
		lastErr = err
		c.logger.Warn("sandbox start failed",
			zap.String("session_id", session.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < c.startRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
	}

	if err := c.setStatus(ctx, session.ID, models.SandboxFailed, "", ""); err != nil {
		c.logger.Error("failed to record sandbox failure", zap.Error(err))
	}
	return apperr.SandboxUnavailable(lastErr)
}

// OnGitSyncCompleted moves syncing to ready once the source is hydrated.
func (c *Controller) OnGitSyncCompleted(ctx context.Context, sessionID string) error {
	rec, err := c.store.GetSandbox(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.Status != models.SandboxSyncing {
		return nil
	}
	return c.setStatus(ctx, sessionID, models.SandboxReady, "", "")
}

// OnCommandDispatched marks the sandbox running for the duration of an
// execution.
func (c *Controller) OnCommandDispatched(ctx context.Context, sessionID string) error {
	return c.setStatus(ctx, sessionID, models.SandboxRunning, "", "")
}

// OnExecutionComplete returns the sandbox to ready.
func (c *Controller) OnExecutionComplete(ctx context.Context, sessionID string) error {
	rec, err := c.store.GetSandbox(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.Status != models.SandboxRunning {
		return nil
	}
	return c.setStatus(ctx, sessionID, models.SandboxReady, "", "")
}

// ReportStatus applies a status declared by the sandbox itself, e.g. warming
// to syncing when it reports source fetch, or failed on unrecoverable errors.
func (c *Controller) ReportStatus(ctx context.Context, sessionID string, status models.SandboxStatus) error {
	return c.setStatus(ctx, sessionID, status, "", "")
}

// Heartbeat records a liveness signal without touching the event log.
func (c *Controller) Heartbeat(ctx context.Context, sessionID string, at time.Time) error {
	c.track(sessionID)
	return c.store.UpdateHeartbeat(ctx, sessionID, at)
}

// Terminate tears down the session's sandbox and stops tracking it.
func (c *Controller) Terminate(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	delete(c.tracked, sessionID)
	c.mu.Unlock()

	if err := c.client.Terminate(ctx, sessionID); err != nil {
		c.logger.Warn("sandbox terminate failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return c.setStatus(ctx, sessionID, models.SandboxStopped, "", "")
}

// Run drives the reconciliation loop until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reconcile(ctx)
		}
	}
}

// reconcile forces stopped on sandboxes whose heartbeat has gone stale while
// declared alive, then notifies the owning actor.
func (c *Controller) reconcile(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	now := time.Now().UTC()
	for _, sessionID := range ids {
		rec, err := c.store.GetSandbox(ctx, sessionID)
		if err != nil {
			c.logger.Error("reconcile read failed", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		if !rec.Status.IsAlive() {
			continue
		}
		last := rec.UpdatedAt
		if rec.LastHeartbeat != nil {
			last = *rec.LastHeartbeat
		}
		if now.Sub(last) <= c.heartbeatThreshold {
			continue
		}

		c.logger.Warn("sandbox heartbeat stale, forcing stopped",
			zap.String("session_id", sessionID),
			zap.Time("last_heartbeat", last))
		if err := c.setStatus(ctx, sessionID, models.SandboxStopped, "", ""); err != nil {
			c.logger.Error("failed to force stopped", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		c.mu.Lock()
		delete(c.tracked, sessionID)
		c.mu.Unlock()
		if c.onStopped != nil {
			c.onStopped(sessionID)
		}
	}
}

func (c *Controller) track(sessionID string) {
	c.mu.Lock()
	c.tracked[sessionID] = true
	c.mu.Unlock()
}

func (c *Controller) setStatus(ctx context.Context, sessionID string, status models.SandboxStatus, sandboxID, hostname string) error {
	if err := c.store.UpdateSandboxStatus(ctx, sessionID, status, sandboxID, hostname); err != nil {
		return err
	}
	if c.eventBus != nil {
		ev := bus.NewEvent(events.SandboxStatusChanged, sessionID, map[string]interface{}{
			"status": string(status),
		})
		if err := c.eventBus.Publish(ctx, events.BuildSandboxStatusSubject(sessionID), ev); err != nil {
			c.logger.Warn("failed to publish sandbox status", zap.Error(err))
		}
	}
	return nil
}
