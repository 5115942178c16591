package actor

import (
	"context"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/apperr"
	"github.com/coderelay/coderelay/internal/session/models"
	"github.com/coderelay/coderelay/internal/session/store"
)

// Snapshot is the read-only session view consumed by the subscribed frame
// and the state endpoint.
type Snapshot struct {
	Session           *models.Session       `json:"session"`
	Participants      []*models.Participant `json:"participants"`
	Sandbox           *models.SandboxRecord `json:"sandbox,omitempty"`
	ProcessingMessage *models.Message       `json:"processingMessage,omitempty"`
	PendingCount      int                   `json:"pendingCount"`
}

// State assembles the current snapshot. Buffered tokens flush first so the
// snapshot's log view is current.
func (a *Actor) State(ctx context.Context) (*Snapshot, error) {
	a.ingress.Flush()

	session, err := a.store.GetSession(ctx, a.sessionID)
	if err != nil {
		return nil, err
	}
	participants, err := a.store.ListParticipants(ctx, a.sessionID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Session: session, Participants: participants}

	if rec, err := a.store.GetSandbox(ctx, a.sessionID); err == nil {
		snap.Sandbox = rec
	}
	if msg, err := a.store.ProcessingMessage(ctx, a.sessionID); err == nil {
		snap.ProcessingMessage = msg
	}
	page, err := a.store.ListMessages(ctx, a.sessionID, store.ListMessagesOptions{
		Status: models.MessagePending, Limit: 100,
	})
	if err == nil {
		snap.PendingCount = len(page.Messages)
	}
	return snap, nil
}

// ListParticipants returns the participant roster.
func (a *Actor) ListParticipants(ctx context.Context) ([]*models.Participant, error) {
	return a.store.ListParticipants(ctx, a.sessionID)
}

// ListMessages pages through the prompt history.
func (a *Actor) ListMessages(ctx context.Context, opts store.ListMessagesOptions) (*store.MessagePage, error) {
	return a.store.ListMessages(ctx, a.sessionID, opts)
}

// ListEvents pages forward through the event log. Buffered tokens flush
// first so a reader never misses text already acknowledged to the stream.
func (a *Actor) ListEvents(ctx context.Context, opts store.ListEventsOptions) (*store.EventPage, error) {
	a.ingress.Flush()
	return a.store.ListEvents(ctx, a.sessionID, opts)
}

// LoadOlderEvents returns the page preceding the cursor, for history
// scrolling past the replay window.
func (a *Actor) LoadOlderEvents(ctx context.Context, before string, limit int) (*store.EventPage, error) {
	return a.store.ListEvents(ctx, a.sessionID, store.ListEventsOptions{Before: before, Limit: limit})
}

// TailEvents returns the bounded replay window, ascending.
func (a *Actor) TailEvents(ctx context.Context, n int) ([]*models.Event, error) {
	a.ingress.Flush()
	return a.store.TailEvents(ctx, a.sessionID, n)
}

// AuthorizeToken resolves a raw subscriber token to its participant, or
// unauthorized. A successful subscribe counts as presence.
func (a *Actor) AuthorizeToken(ctx context.Context, token string) (*models.Participant, error) {
	p, err := a.store.FindParticipantByTokenHash(ctx, a.sessionID, HashToken(token, a.cfg.Auth.TokenPepper))
	if err != nil {
		return nil, err
	}
	if err := a.store.TouchParticipant(ctx, p.ID); err != nil {
		a.logger.Warn("failed to refresh participant last_seen", zap.Error(err))
	}
	return p, nil
}

// UpsertParticipant adds or refreshes a participant outside the prompt path.
// A session has at most one owner: a second owner request joins as member.
func (a *Actor) UpsertParticipant(ctx context.Context, p *models.Participant) (*models.Participant, error) {
	switch p.Role {
	case "", models.RoleOwner, models.RoleMember:
	default:
		return nil, apperr.BadRequest("invalid participant role")
	}

	var result *models.Participant
	err := a.do(ctx, func(ctx context.Context) error {
		if p.Role == models.RoleOwner {
			hasOwner, err := a.store.HasOwner(ctx, a.sessionID)
			if err != nil {
				return err
			}
			if hasOwner {
				p.Role = models.RoleMember
			}
		}
		var err error
		result, err = a.store.UpsertParticipant(ctx, a.sessionID, p)
		return err
	})
	return result, err
}

// SessionID returns the session this actor serves.
func (a *Actor) SessionID() string {
	return a.sessionID
}
