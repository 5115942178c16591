package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/coderelay/coderelay/internal/session/models"
)

// EnsureSandbox creates the singleton sandbox row for the session if it does
// not exist yet and returns the current record either way.
func (s *Store) EnsureSandbox(ctx context.Context, sessionID string) (*models.SandboxRecord, error) {
	rec, err := s.GetSandbox(ctx, sessionID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := time.Now().UTC()
	query := s.w.Rebind(`
		INSERT INTO sandboxes (session_id, status, updated_at)
		VALUES (?, ?, ?)
	`)
	if _, err := s.w.ExecContext(ctx, query, sessionID, models.SandboxPending, toMillis(now)); err != nil {
		return nil, err
	}
	return &models.SandboxRecord{Status: models.SandboxPending, UpdatedAt: now}, nil
}

// GetSandbox returns the sandbox record, or sql.ErrNoRows if never ensured.
func (s *Store) GetSandbox(ctx context.Context, sessionID string) (*models.SandboxRecord, error) {
	query := s.r.Rebind(`
		SELECT sandbox_id, status, hostname, git_sync_status, last_heartbeat, updated_at
		FROM sandboxes WHERE session_id = ?
	`)
	rec := &models.SandboxRecord{}
	var lastHeartbeat sql.NullInt64
	var updatedAt int64
	err := s.r.QueryRowContext(ctx, query, sessionID).Scan(
		&rec.SandboxID, &rec.Status, &rec.Hostname, &rec.GitSyncStatus, &lastHeartbeat, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.LastHeartbeat = timePtr(lastHeartbeat)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

// UpdateSandboxStatus moves the sandbox to a new declared state, optionally
// recording the provider id and hostname learned at start.
func (s *Store) UpdateSandboxStatus(ctx context.Context, sessionID string, status models.SandboxStatus, sandboxID, hostname string) error {
	query := s.w.Rebind(`
		UPDATE sandboxes SET
			status = ?,
			sandbox_id = CASE WHEN ? != '' THEN ? ELSE sandbox_id END,
			hostname = CASE WHEN ? != '' THEN ? ELSE hostname END,
			updated_at = ?
		WHERE session_id = ?
	`)
	_, err := s.w.ExecContext(ctx, query,
		status, sandboxID, sandboxID, hostname, hostname, toMillis(time.Now().UTC()), sessionID)
	return err
}

// UpdateHeartbeat records a liveness signal. Heartbeats are visible only on
// the sandbox record, never in the event log.
func (s *Store) UpdateHeartbeat(ctx context.Context, sessionID string, at time.Time) error {
	query := s.w.Rebind(`
		UPDATE sandboxes SET last_heartbeat = ?, updated_at = ? WHERE session_id = ?
	`)
	_, err := s.w.ExecContext(ctx, query, toMillis(at), toMillis(time.Now().UTC()), sessionID)
	return err
}

// SetGitSyncStatus records the latest git synchronization state.
func (s *Store) SetGitSyncStatus(ctx context.Context, sessionID, status string) error {
	query := s.w.Rebind(`
		UPDATE sandboxes SET git_sync_status = ?, updated_at = ? WHERE session_id = ?
	`)
	_, err := s.w.ExecContext(ctx, query, status, toMillis(time.Now().UTC()), sessionID)
	return err
}
