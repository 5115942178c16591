package actor

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/apperr"
	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/session/models"
	"github.com/coderelay/coderelay/internal/session/sandbox"
	"github.com/coderelay/coderelay/internal/session/store"
)

// Registry hands out exactly one actor per session id.
type Registry struct {
	store      *store.Store
	eventBus   bus.EventBus
	controller *sandbox.Controller
	client     *sandbox.Client
	cfg        *config.Config
	logger     *logger.Logger

	mu     sync.Mutex
	actors map[string]*Actor
}

// NewRegistry wires the registry and hooks the controller's stale-sandbox
// notifications back into the owning actors.
func NewRegistry(st *store.Store, eventBus bus.EventBus, controller *sandbox.Controller, client *sandbox.Client, cfg *config.Config, log *logger.Logger) *Registry {
	r := &Registry{
		store:      st,
		eventBus:   eventBus,
		controller: controller,
		client:     client,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "actor-registry")),
		actors:     make(map[string]*Actor),
	}
	controller.SetOnStopped(r.onSandboxStopped)
	return r
}

// InitParams is the init operation input.
type InitParams struct {
	SessionID       string
	SessionName     string
	RepoOwner       string
	RepoName        string
	RepoID          string
	UserID          string
	Model           string
	ReasoningEffort string
	GithubLogin     string
}

// Init creates or ensures a session. Re-invocation with an existing session
// id is a no-op returning the existing state. Unknown models fall back to
// the default; invalid reasoning efforts are dropped.
func (r *Registry) Init(ctx context.Context, p InitParams) (string, error) {
	if p.RepoOwner == "" || p.RepoName == "" {
		return "", apperr.BadRequest("repoOwner and repoName are required")
	}
	if p.UserID == "" {
		return "", apperr.BadRequest("userId is required")
	}

	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	if existing, err := r.store.GetSession(ctx, sessionID); err == nil {
		r.logger.Debug("init for existing session", zap.String("session_id", existing.ID))
		return existing.ID, nil
	} else if apperr.Kind(err) != apperr.KindNotFound {
		return "", err
	}

	effort := p.ReasoningEffort
	if effort != "" && !r.cfg.Models.IsValidEffort(effort) {
		r.logger.Debug("dropping invalid reasoning effort", zap.String("effort", effort))
		effort = ""
	}

	session := &models.Session{
		ID:              sessionID,
		RepoOwner:       p.RepoOwner,
		RepoName:        p.RepoName,
		RepoID:          p.RepoID,
		Title:           p.SessionName,
		Model:           r.cfg.Models.ResolveModel(p.Model),
		ReasoningEffort: effort,
	}
	if err := r.store.CreateSession(ctx, session); err != nil {
		return "", err
	}
	if _, err := r.store.UpsertParticipant(ctx, sessionID, &models.Participant{
		UserID:      p.UserID,
		Role:        models.RoleOwner,
		GithubLogin: p.GithubLogin,
	}); err != nil {
		return "", err
	}
	if _, err := r.store.EnsureSandbox(ctx, sessionID); err != nil {
		return "", err
	}
	return sessionID, nil
}

// Get returns the actor for an existing session, creating its execution
// context lazily.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Actor, error) {
	r.mu.Lock()
	if a, ok := r.actors[sessionID]; ok {
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	// Existence check outside the registry lock.
	if _, err := r.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[sessionID]; ok {
		return a, nil
	}
	a := newActor(sessionID, r.store, r.eventBus, r.controller, r.client, r.cfg, r.logger)
	r.actors[sessionID] = a
	return a, nil
}

// onSandboxStopped restarts work when reconciliation kills a stale sandbox
// while prompts are pending.
func (r *Registry) onSandboxStopped(sessionID string) {
	r.mu.Lock()
	a, ok := r.actors[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	a.post(func(ctx context.Context) {
		processing, err := a.store.ProcessingMessage(ctx, sessionID)
		if err != nil {
			a.logger.Error("restart check failed", zap.Error(err))
			return
		}
		if processing != nil {
			// The in-flight message cannot finish on a dead sandbox.
			a.failDispatch(processing.ID, apperr.SandboxUnavailable(nil))
			return
		}
		a.maybeDispatch(ctx)
	})
}

// Close shuts down every actor, flushing aggregators.
func (r *Registry) Close() {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.actors = make(map[string]*Actor)
	r.mu.Unlock()

	for _, a := range actors {
		a.Close()
	}
}
