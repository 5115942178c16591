package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/common/apperr"
	"github.com/coderelay/coderelay/internal/session/models"
)

const participantColumns = `id, user_id, role, github_login, display_name, avatar_url, ws_auth_token, token_created_at, joined_at, last_seen`

func scanParticipant(row interface {
	Scan(dest ...interface{}) error
}) (*models.Participant, error) {
	p := &models.Participant{}
	var tokenCreatedAt sql.NullInt64
	var joinedAt, lastSeen int64
	err := row.Scan(&p.ID, &p.UserID, &p.Role, &p.GithubLogin, &p.DisplayName, &p.AvatarURL,
		&p.TokenHash, &tokenCreatedAt, &joinedAt, &lastSeen)
	if err != nil {
		return nil, err
	}
	p.TokenCreatedAt = timePtr(tokenCreatedAt)
	p.JoinedAt = fromMillis(joinedAt)
	p.LastSeen = fromMillis(lastSeen)
	return p, nil
}

// UpsertParticipant ensures a participant row exists for the user, updating
// GitHub metadata on existing rows when provided. Returns the stored row.
func (s *Store) UpsertParticipant(ctx context.Context, sessionID string, p *models.Participant) (*models.Participant, error) {
	existing, err := s.GetParticipantByUserID(ctx, sessionID, p.UserID)
	if err != nil && apperr.Kind(err) != apperr.KindNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	if existing != nil {
		if p.GithubLogin != "" {
			existing.GithubLogin = p.GithubLogin
		}
		if p.DisplayName != "" {
			existing.DisplayName = p.DisplayName
		}
		if p.AvatarURL != "" {
			existing.AvatarURL = p.AvatarURL
		}
		existing.LastSeen = now
		query := s.w.Rebind(`
			UPDATE participants SET github_login = ?, display_name = ?, avatar_url = ?, last_seen = ?
			WHERE id = ?
		`)
		_, err := s.w.ExecContext(ctx, query,
			existing.GithubLogin, existing.DisplayName, existing.AvatarURL, toMillis(now), existing.ID)
		if err != nil {
			return nil, err
		}
		return existing, nil
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Role == "" {
		p.Role = models.RoleMember
	}
	p.JoinedAt = now
	p.LastSeen = now

	query := s.w.Rebind(`
		INSERT INTO participants (id, session_id, user_id, role, github_login, display_name, avatar_url, ws_auth_token, token_created_at, joined_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = s.w.ExecContext(ctx, query,
		p.ID, sessionID, p.UserID, p.Role, p.GithubLogin, p.DisplayName, p.AvatarURL,
		p.TokenHash, nullMillis(p.TokenCreatedAt), toMillis(p.JoinedAt), toMillis(p.LastSeen))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetParticipantByUserID looks up a participant by session and user.
func (s *Store) GetParticipantByUserID(ctx context.Context, sessionID, userID string) (*models.Participant, error) {
	query := s.r.Rebind(`
		SELECT ` + participantColumns + ` FROM participants WHERE session_id = ? AND user_id = ?
	`)
	p, err := scanParticipant(s.r.QueryRowContext(ctx, query, sessionID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("participant", userID)
	}
	return p, err
}

// ListParticipants returns all participants of a session ordered by join time.
func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]*models.Participant, error) {
	query := s.r.Rebind(`
		SELECT ` + participantColumns + ` FROM participants WHERE session_id = ? ORDER BY joined_at ASC, id ASC
	`)
	rows, err := s.r.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// SetParticipantToken replaces the stored token hash. Only the hash is ever
// stored; the raw token stays with the caller.
func (s *Store) SetParticipantToken(ctx context.Context, participantID, tokenHash string) error {
	now := time.Now().UTC()
	query := s.w.Rebind(`
		UPDATE participants SET ws_auth_token = ?, token_created_at = ? WHERE id = ?
	`)
	res, err := s.w.ExecContext(ctx, query, tokenHash, toMillis(now), participantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("participant", participantID)
	}
	return nil
}

// FindParticipantByTokenHash authorizes a subscriber connection.
func (s *Store) FindParticipantByTokenHash(ctx context.Context, sessionID, tokenHash string) (*models.Participant, error) {
	if tokenHash == "" {
		return nil, apperr.Unauthorized("token required")
	}
	query := s.r.Rebind(`
		SELECT ` + participantColumns + ` FROM participants WHERE session_id = ? AND ws_auth_token = ?
	`)
	p, err := scanParticipant(s.r.QueryRowContext(ctx, query, sessionID, tokenHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Unauthorized("invalid token")
	}
	return p, err
}

// TouchParticipant updates last_seen.
func (s *Store) TouchParticipant(ctx context.Context, participantID string) error {
	query := s.w.Rebind(`UPDATE participants SET last_seen = ? WHERE id = ?`)
	_, err := s.w.ExecContext(ctx, query, toMillis(time.Now().UTC()), participantID)
	return err
}

// HasOwner reports whether the session already has an owner participant.
func (s *Store) HasOwner(ctx context.Context, sessionID string) (bool, error) {
	var count int
	query := s.r.Rebind(`SELECT COUNT(1) FROM participants WHERE session_id = ? AND role = 'owner'`)
	if err := s.r.QueryRowContext(ctx, query, sessionID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
