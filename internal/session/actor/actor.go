// Package actor implements the per-session single-writer execution context.
// Every mutation of a session's state funnels through its actor's mailbox,
// which serializes concurrent operator and ingress requests into a FIFO of
// tasks. Reads go straight to the store. Slow I/O (sandbox RPCs, subscriber
// fan-out) runs outside the mailbox by staging inputs and posting a follow-up
// task with the result.
package actor

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/apperr"
	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/session/ingress"
	"github.com/coderelay/coderelay/internal/session/models"
	"github.com/coderelay/coderelay/internal/session/sandbox"
	"github.com/coderelay/coderelay/internal/session/store"
)

const mailboxDepth = 256

// Actor owns all mutation for one session.
type Actor struct {
	sessionID  string
	store      *store.Store
	eventBus   bus.EventBus
	controller *sandbox.Controller
	client     *sandbox.Client
	cfg        *config.Config
	ingress    *ingress.Processor
	logger     *logger.Logger

	mailbox chan func(ctx context.Context)
	done    chan struct{}

	// stopTimer forces the processing message to cancelled if the sandbox
	// never acknowledges a stop. Accessed only from mailbox tasks.
	stopTimer *time.Timer

	closeOnce sync.Once
}

func newActor(sessionID string, st *store.Store, eventBus bus.EventBus, controller *sandbox.Controller, client *sandbox.Client, cfg *config.Config, log *logger.Logger) *Actor {
	a := &Actor{
		sessionID:  sessionID,
		store:      st,
		eventBus:   eventBus,
		controller: controller,
		client:     client,
		cfg:        cfg,
		logger: log.WithFields(
			zap.String("component", "session-actor"),
			zap.String("session_id", sessionID)),
		mailbox: make(chan func(ctx context.Context), mailboxDepth),
		done:    make(chan struct{}),
	}
	a.ingress = ingress.New(sessionID, st, eventBus, controller, ingress.Hooks{
		ExecutionComplete: a.onExecutionComplete,
		GitSyncCompleted:  a.onGitSyncCompleted,
	}, cfg.Aggregator.FlushInterval(), cfg.Aggregator.MaxTokens, log)
	go a.run()
	return a
}

// run drains the mailbox until Close. Tasks run to completion one at a time.
func (a *Actor) run() {
	ctx := context.Background()
	for task := range a.mailbox {
		task(ctx)
	}
	a.ingress.Destroy()
	close(a.done)
}

// Close stops the actor after draining queued tasks.
func (a *Actor) Close() {
	a.closeOnce.Do(func() { close(a.mailbox) })
	<-a.done
}

// do schedules fn on the mailbox and waits for it.
func (a *Actor) do(ctx context.Context, fn func(ctx context.Context) error) error {
	errCh := make(chan error, 1)
	select {
	case a.mailbox <- func(taskCtx context.Context) { errCh <- fn(taskCtx) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return apperr.Internal(nil)
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post schedules fn without waiting, for follow-ups from background I/O.
func (a *Actor) post(fn func(ctx context.Context)) {
	select {
	case a.mailbox <- fn:
	case <-a.done:
	}
}

// PromptParams is the enqueuePrompt input.
type PromptParams struct {
	Content         string
	AuthorID        string
	Source          models.MessageSource
	Attachments     []models.Attachment
	CallbackContext map[string]interface{}
	ReasoningEffort string
	GithubLogin     string
	DisplayName     string
}

// EnqueueResult reports the stored message and whether it started
// immediately.
type EnqueueResult struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"` // "queued" or "processing"
}

// EnqueuePrompt inserts a pending message, appends the user_message event,
// ensures the author has a participant row, and signals the dispatcher.
// Archived sessions reject prompts.
func (a *Actor) EnqueuePrompt(ctx context.Context, p PromptParams) (*EnqueueResult, error) {
	if p.Content == "" {
		return nil, apperr.BadRequest("content is required")
	}
	if p.AuthorID == "" {
		return nil, apperr.BadRequest("authorId is required")
	}

	var result *EnqueueResult
	err := a.do(ctx, func(ctx context.Context) error {
		session, err := a.store.GetSession(ctx, a.sessionID)
		if err != nil {
			return err
		}
		if session.Status.IsTerminal() {
			return apperr.SessionTerminal(a.sessionID)
		}

		participant, err := a.store.UpsertParticipant(ctx, a.sessionID, &models.Participant{
			UserID:      p.AuthorID,
			GithubLogin: p.GithubLogin,
			DisplayName: p.DisplayName,
		})
		if err != nil {
			return err
		}

		effort := p.ReasoningEffort
		if effort != "" && !a.cfg.Models.IsValidEffort(effort) {
			// Invalid efforts are dropped, the fallback chain applies later.
			a.logger.Debug("dropping invalid reasoning effort", zap.String("effort", effort))
			effort = ""
		}

		msg := &models.Message{
			AuthorParticipantID: participant.ID,
			Content:             p.Content,
			Source:              p.Source,
			Attachments:         p.Attachments,
			CallbackContext:     p.CallbackContext,
			ReasoningEffort:     effort,
		}
		if err := a.store.CreateMessage(ctx, a.sessionID, msg); err != nil {
			return err
		}

		ev := &models.Event{
			ID:        uuid.New().String(),
			Type:      models.EventUserMessage,
			MessageID: msg.ID,
			Data: map[string]interface{}{
				"messageId": msg.ID,
				"content":   msg.Content,
				"authorId":  p.AuthorID,
			},
			CreatedAt: time.Now().UTC(),
		}
		if err := a.ingress.Process(ctx, ev); err != nil {
			a.logger.Error("failed to append user_message event", zap.Error(err))
		}

		if session.Status == models.SessionCreated {
			if err := a.store.UpdateSessionStatus(ctx, a.sessionID, models.SessionActive); err != nil {
				return err
			}
		}

		started := a.maybeDispatch(ctx)
		result = &EnqueueResult{MessageID: msg.ID, Status: "queued"}
		if started == msg.ID {
			result.Status = "processing"
		}
		return nil
	})
	return result, err
}

// maybeDispatch starts the oldest pending message if nothing is processing.
// Returns the dispatched message id, or "". Runs inside a mailbox task; the
// sandbox RPC itself happens on a separate goroutine.
func (a *Actor) maybeDispatch(ctx context.Context) string {
	processing, err := a.store.ProcessingMessage(ctx, a.sessionID)
	if err != nil {
		a.logger.Error("dispatcher read failed", zap.Error(err))
		return ""
	}
	if processing != nil {
		return ""
	}
	next, err := a.store.NextPending(ctx, a.sessionID)
	if err != nil {
		a.logger.Error("dispatcher read failed", zap.Error(err))
		return ""
	}
	if next == nil {
		return ""
	}

	session, err := a.store.GetSession(ctx, a.sessionID)
	if err != nil {
		a.logger.Error("dispatcher read failed", zap.Error(err))
		return ""
	}
	if session.Status.IsTerminal() {
		return ""
	}

	ok, err := a.store.MarkProcessing(ctx, next.ID, time.Now().UTC())
	if err != nil || !ok {
		if err != nil {
			a.logger.Error("failed to mark processing", zap.Error(err))
		}
		return ""
	}
	a.publishProcessingStatus(ctx, next.ID, models.MessageProcessing)

	cmd := &sandbox.ExecuteCommand{
		MessageID:       next.ID,
		Content:         next.Content,
		Attachments:     next.Attachments,
		ReasoningEffort: a.cfg.Models.ResolveEffort(next.ReasoningEffort, session.ReasoningEffort),
		CallbackContext: next.CallbackContext,
	}
	// Sandbox start and command dispatch are unbounded external waits;
	// stage the command and leave the mailbox free.
	go a.dispatch(session, cmd)
	return next.ID
}

// dispatch runs off the mailbox: ensure a live sandbox, send the command,
// report failure back through the mailbox.
func (a *Actor) dispatch(session *models.Session, cmd *sandbox.ExecuteCommand) {
	ctx, cancel := context.WithTimeout(context.Background(),
		a.cfg.Sandbox.CommandTimeoutDuration()*time.Duration(a.cfg.Sandbox.CommandRetries+a.cfg.Sandbox.StartRetries))
	defer cancel()

	if err := a.controller.Ensure(ctx, session); err != nil {
		a.failDispatch(cmd.MessageID, err)
		return
	}
	if err := a.client.Execute(ctx, a.sessionID, cmd); err != nil {
		a.failDispatch(cmd.MessageID, err)
		return
	}
	a.post(func(ctx context.Context) {
		if err := a.controller.OnCommandDispatched(ctx, a.sessionID); err != nil {
			a.logger.Warn("failed to mark sandbox running", zap.Error(err))
		}
	})
}

// failDispatch degrades the single affected message and advances the queue.
func (a *Actor) failDispatch(messageID string, cause error) {
	a.logger.Error("dispatch failed", zap.String("message_id", messageID), zap.Error(cause))
	a.post(func(ctx context.Context) {
		kind := apperr.Kind(cause)
		ok, err := a.store.FinishMessage(ctx, messageID, models.MessageFailed, kind, time.Now().UTC())
		if err != nil {
			a.logger.Error("failed to fail message", zap.Error(err))
			return
		}
		if ok {
			a.publishProcessingStatus(ctx, messageID, models.MessageFailed)
		}
		a.maybeDispatch(ctx)
	})
}

// Ingress routes one sandbox event through the single-writer context.
func (a *Actor) Ingress(ctx context.Context, e *models.Event) error {
	return a.do(ctx, func(ctx context.Context) error {
		return a.ingress.Process(ctx, e)
	})
}

// onExecutionComplete is the ingress hook driving the referenced message to
// terminal state and advancing the queue. Runs inside a mailbox task.
func (a *Actor) onExecutionComplete(ctx context.Context, messageID string, success bool, errMsg string) {
	status := models.MessageCompleted
	if !success {
		status = models.MessageFailed
	}
	msg, err := a.store.GetMessage(ctx, messageID)
	if err != nil {
		a.logger.Warn("completion for unknown message", zap.String("message_id", messageID))
		return
	}
	if msg.Status == models.MessageProcessing && a.stopTimer != nil {
		// A stop was in flight; the sandbox acknowledged with this
		// completion, so the message is cancelled rather than completed.
		status = models.MessageCancelled
	}

	ok, err := a.store.FinishMessage(ctx, messageID, status, errMsg, time.Now().UTC())
	if err != nil {
		a.logger.Error("failed to finish message", zap.Error(err))
		return
	}
	if !ok {
		// Already terminal: the completion is idempotent.
		return
	}
	a.clearStopTimer()
	a.publishProcessingStatus(ctx, messageID, status)
	a.maybeDispatch(ctx)
}

// onGitSyncCompleted mirrors the synced sha onto the session row.
func (a *Actor) onGitSyncCompleted(ctx context.Context, sha string) {
	if err := a.store.SetSessionSHA(ctx, a.sessionID, sha); err != nil {
		a.logger.Error("failed to record synced sha", zap.Error(err))
	}
}

// Stop requests a best-effort cancel of the current execution. The message
// transitions only on the sandbox's execution_complete or when the grace
// period elapses.
func (a *Actor) Stop(ctx context.Context) error {
	return a.do(ctx, func(ctx context.Context) error {
		processing, err := a.store.ProcessingMessage(ctx, a.sessionID)
		if err != nil {
			return err
		}
		if processing == nil {
			return nil
		}
		messageID := processing.ID

		go func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Sandbox.CommandTimeoutDuration())
			defer cancel()
			if err := a.client.Stop(stopCtx, a.sessionID); err != nil {
				a.logger.Warn("sandbox stop failed", zap.Error(err))
			}
		}()

		a.clearStopTimer()
		a.stopTimer = time.AfterFunc(a.cfg.Sandbox.StopGraceDuration(), func() {
			a.post(func(ctx context.Context) { a.forceCancel(ctx, messageID) })
		})
		return nil
	})
}

// forceCancel applies when the stop grace period elapses without an
// acknowledgement: the message is cancelled and the sandbox forced stopped.
func (a *Actor) forceCancel(ctx context.Context, messageID string) {
	a.stopTimer = nil
	ok, err := a.store.FinishMessage(ctx, messageID, models.MessageCancelled, "stop grace period elapsed", time.Now().UTC())
	if err != nil {
		a.logger.Error("failed to cancel message", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if err := a.controller.ReportStatus(ctx, a.sessionID, models.SandboxStopped); err != nil {
		a.logger.Warn("failed to force sandbox stopped", zap.Error(err))
	}
	a.publishProcessingStatus(ctx, messageID, models.MessageCancelled)
	a.maybeDispatch(ctx)
}

func (a *Actor) clearStopTimer() {
	if a.stopTimer != nil {
		a.stopTimer.Stop()
		a.stopTimer = nil
	}
}

// Archive flips the session to archived. State is retained; pending messages
// stay put and will not dispatch until unarchive.
func (a *Actor) Archive(ctx context.Context) error {
	return a.do(ctx, func(ctx context.Context) error {
		return a.store.UpdateSessionStatus(ctx, a.sessionID, models.SessionArchived)
	})
}

// Unarchive reactivates the session and kicks the dispatcher in case work
// queued up while archived.
func (a *Actor) Unarchive(ctx context.Context) error {
	return a.do(ctx, func(ctx context.Context) error {
		if err := a.store.UpdateSessionStatus(ctx, a.sessionID, models.SessionActive); err != nil {
			return err
		}
		a.maybeDispatch(ctx)
		return nil
	})
}

func (a *Actor) publishProcessingStatus(ctx context.Context, messageID string, status models.MessageStatus) {
	if a.eventBus == nil {
		return
	}
	ev := bus.NewEvent(events.ProcessingStatusChanged, a.sessionID, map[string]interface{}{
		"messageId": messageID,
		"status":    string(status),
	})
	if err := a.eventBus.Publish(ctx, events.BuildProcessingStatusSubject(a.sessionID), ev); err != nil {
		a.logger.Warn("failed to publish processing status", zap.Error(err))
	}
}

// TokenResult carries the raw token exactly once; only the hash is stored.
type TokenResult struct {
	Token         string `json:"token"`
	ParticipantID string `json:"participantId"`
}

// IssueWsToken generates a fresh subscriber token for the user, storing only
// its hash on the participant row.
func (a *Actor) IssueWsToken(ctx context.Context, userID, githubLogin, githubName string) (*TokenResult, error) {
	if userID == "" {
		return nil, apperr.BadRequest("userId is required")
	}

	var result *TokenResult
	err := a.do(ctx, func(ctx context.Context) error {
		participant, err := a.store.UpsertParticipant(ctx, a.sessionID, &models.Participant{
			UserID:      userID,
			GithubLogin: githubLogin,
			DisplayName: githubName,
		})
		if err != nil {
			return err
		}

		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return apperr.Internal(err)
		}
		token := hex.EncodeToString(raw)
		if err := a.store.SetParticipantToken(ctx, participant.ID, HashToken(token, a.cfg.Auth.TokenPepper)); err != nil {
			return err
		}
		result = &TokenResult{Token: token, ParticipantID: participant.ID}
		return nil
	})
	return result, err
}

// HashToken derives the stored digest of a subscriber token: HMAC-SHA256
// under the configured pepper, hex encoded (64 chars).
func HashToken(token, pepper string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}
