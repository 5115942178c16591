package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/coderelay/coderelay/internal/common/apperr"
	"github.com/coderelay/coderelay/internal/session/models"
)

// CreateSession inserts the singleton session row.
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	if session.Status == "" {
		session.Status = models.SessionCreated
	}

	query := s.w.Rebind(`
		INSERT INTO sessions (id, repo_owner, repo_name, repo_id, title, status, current_sha, model, reasoning_effort, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.w.ExecContext(ctx, query,
		session.ID, session.RepoOwner, session.RepoName, session.RepoID, session.Title,
		session.Status, session.CurrentSHA, session.Model, nullString(session.ReasoningEffort),
		toMillis(session.CreatedAt), toMillis(session.UpdatedAt))
	return err
}

// GetSession retrieves the session row.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{}
	var effort sql.NullString
	var createdAt, updatedAt int64

	query := s.r.Rebind(`
		SELECT id, repo_owner, repo_name, repo_id, title, status, current_sha, model, reasoning_effort, created_at, updated_at
		FROM sessions WHERE id = ?
	`)
	err := s.r.QueryRowContext(ctx, query, id).Scan(
		&session.ID, &session.RepoOwner, &session.RepoName, &session.RepoID, &session.Title,
		&session.Status, &session.CurrentSHA, &session.Model, &effort, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("session", id)
	}
	if err != nil {
		return nil, err
	}

	session.ReasoningEffort = effort.String
	session.CreatedAt = fromMillis(createdAt)
	session.UpdatedAt = fromMillis(updatedAt)
	return session, nil
}

// UpdateSessionStatus flips the session status.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	query := s.w.Rebind(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`)
	res, err := s.w.ExecContext(ctx, query, status, toMillis(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("session", id)
	}
	return nil
}

// SetSessionSHA records the sha of the last completed git sync.
func (s *Store) SetSessionSHA(ctx context.Context, id, sha string) error {
	query := s.w.Rebind(`UPDATE sessions SET current_sha = ?, updated_at = ? WHERE id = ?`)
	_, err := s.w.ExecContext(ctx, query, sha, toMillis(time.Now().UTC()), id)
	return err
}

// SetSessionTitle updates the display title.
func (s *Store) SetSessionTitle(ctx context.Context, id, title string) error {
	query := s.w.Rebind(`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`)
	_, err := s.w.ExecContext(ctx, query, title, toMillis(time.Now().UTC()), id)
	return err
}
