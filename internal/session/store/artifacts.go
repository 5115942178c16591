package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/common/apperr"
	"github.com/coderelay/coderelay/internal/session/models"
)

// CreateArtifact stores a durable tool output for the session.
func (s *Store) CreateArtifact(ctx context.Context, sessionID string, a *models.Artifact) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	metaJSON := "{}"
	if a.Metadata != nil {
		b, err := json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize artifact metadata: %w", err)
		}
		metaJSON = string(b)
	}

	query := s.w.Rebind(`
		INSERT INTO artifacts (id, session_id, type, url, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	_, err := s.w.ExecContext(ctx, query,
		a.ID, sessionID, a.Type, a.URL, metaJSON, toMillis(a.CreatedAt))
	return err
}

// GetArtifact returns one artifact by id.
func (s *Store) GetArtifact(ctx context.Context, sessionID, artifactID string) (*models.Artifact, error) {
	query := s.r.Rebind(`
		SELECT id, type, url, metadata, created_at FROM artifacts
		WHERE session_id = ? AND id = ?
	`)
	a, err := scanArtifact(s.r.QueryRowContext(ctx, query, sessionID, artifactID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("artifact", artifactID)
	}
	return a, err
}

// ListArtifacts returns the session's artifacts in creation order.
func (s *Store) ListArtifacts(ctx context.Context, sessionID string) ([]*models.Artifact, error) {
	query := s.r.Rebind(`
		SELECT id, type, url, metadata, created_at FROM artifacts
		WHERE session_id = ? ORDER BY created_at ASC, id ASC
	`)
	rows, err := s.r.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func scanArtifact(row interface {
	Scan(dest ...interface{}) error
}) (*models.Artifact, error) {
	a := &models.Artifact{}
	var metaJSON string
	var createdAt int64
	if err := row.Scan(&a.ID, &a.Type, &a.URL, &metaJSON, &createdAt); err != nil {
		return nil, err
	}
	a.CreatedAt = fromMillis(createdAt)
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize artifact metadata: %w", err)
		}
	}
	return a, nil
}
