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

const messageColumns = `id, author_participant_id, content, source, status, reasoning_effort, attachments, callback_context, error, created_at, started_at, completed_at`

// ListMessagesOptions controls paginated message reads.
type ListMessagesOptions struct {
	Status models.MessageStatus // optional filter
	Limit  int
	Cursor string // opaque, from a previous page
}

// MessagePage is one page of messages.
type MessagePage struct {
	Messages []*models.Message
	HasMore  bool
	Cursor   string
}

func scanMessage(row interface {
	Scan(dest ...interface{}) error
}) (*models.Message, error) {
	m := &models.Message{}
	var effort sql.NullString
	var attachmentsJSON, callbackJSON string
	var createdAt int64
	var startedAt, completedAt sql.NullInt64

	err := row.Scan(&m.ID, &m.AuthorParticipantID, &m.Content, &m.Source, &m.Status,
		&effort, &attachmentsJSON, &callbackJSON, &m.Error, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	m.ReasoningEffort = effort.String
	m.CreatedAt = fromMillis(createdAt)
	m.StartedAt = timePtr(startedAt)
	m.CompletedAt = timePtr(completedAt)

	if attachmentsJSON != "" && attachmentsJSON != "[]" {
		if err := json.Unmarshal([]byte(attachmentsJSON), &m.Attachments); err != nil {
			return nil, fmt.Errorf("failed to deserialize attachments: %w", err)
		}
	}
	if callbackJSON != "" && callbackJSON != "{}" {
		if err := json.Unmarshal([]byte(callbackJSON), &m.CallbackContext); err != nil {
			return nil, fmt.Errorf("failed to deserialize callback context: %w", err)
		}
	}
	return m, nil
}

// CreateMessage inserts a new prompt with status pending.
func (s *Store) CreateMessage(ctx context.Context, sessionID string, m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = models.MessagePending
	}
	if m.Source == "" {
		m.Source = models.SourceWeb
	}

	attachmentsJSON := "[]"
	if len(m.Attachments) > 0 {
		b, err := json.Marshal(m.Attachments)
		if err != nil {
			return fmt.Errorf("failed to serialize attachments: %w", err)
		}
		attachmentsJSON = string(b)
	}
	callbackJSON := "{}"
	if m.CallbackContext != nil {
		b, err := json.Marshal(m.CallbackContext)
		if err != nil {
			return fmt.Errorf("failed to serialize callback context: %w", err)
		}
		callbackJSON = string(b)
	}

	query := s.w.Rebind(`
		INSERT INTO messages (id, session_id, author_participant_id, content, source, status, reasoning_effort, attachments, callback_context, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.w.ExecContext(ctx, query,
		m.ID, sessionID, m.AuthorParticipantID, m.Content, m.Source, m.Status,
		nullString(m.ReasoningEffort), attachmentsJSON, callbackJSON, m.Error,
		toMillis(m.CreatedAt), nullMillis(m.StartedAt), nullMillis(m.CompletedAt))
	return err
}

// GetMessage retrieves a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	query := s.r.Rebind(`SELECT ` + messageColumns + ` FROM messages WHERE id = ?`)
	m, err := scanMessage(s.r.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("message", id)
	}
	return m, err
}

// ListMessages returns one page of messages ordered by (created_at, id).
// Consecutive pages using the returned cursor never overlap.
func (s *Store) ListMessages(ctx context.Context, sessionID string, opts ListMessagesOptions) (*MessagePage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ?`
	args := []interface{}{sessionID}

	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, opts.Status)
	}
	if opts.Cursor != "" {
		ms, id, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, apperr.BadRequest("invalid cursor")
		}
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, ms, ms, id)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.r.QueryContext(ctx, s.r.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &MessagePage{}
	if len(result) > limit {
		page.HasMore = true
		result = result[:limit]
	}
	page.Messages = result
	if page.HasMore && len(result) > 0 {
		last := result[len(result)-1]
		page.Cursor = encodeCursor(toMillis(last.CreatedAt), last.ID)
	}
	return page, nil
}

// NextPending returns the oldest pending message, or nil when the queue is empty.
func (s *Store) NextPending(ctx context.Context, sessionID string) (*models.Message, error) {
	query := s.r.Rebind(`
		SELECT ` + messageColumns + ` FROM messages
		WHERE session_id = ? AND status = 'pending'
		ORDER BY created_at ASC, id ASC LIMIT 1
	`)
	m, err := scanMessage(s.r.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// ProcessingMessage returns the currently processing message, or nil.
func (s *Store) ProcessingMessage(ctx context.Context, sessionID string) (*models.Message, error) {
	query := s.r.Rebind(`
		SELECT ` + messageColumns + ` FROM messages
		WHERE session_id = ? AND status = 'processing'
		ORDER BY created_at ASC, id ASC LIMIT 1
	`)
	m, err := scanMessage(s.r.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// MarkProcessing transitions a message pending -> processing, setting
// started_at. Returns false if the message was not pending (the status guard
// enforces the at-most-one-processing invariant together with the caller's
// single-writer discipline).
func (s *Store) MarkProcessing(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	query := s.w.Rebind(`
		UPDATE messages SET status = 'processing', started_at = ?
		WHERE id = ? AND status = 'pending'
	`)
	res, err := s.w.ExecContext(ctx, query, toMillis(startedAt), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinishMessage transitions a processing message to a terminal status with
// completed_at set. Returns false when the message was already terminal or
// not processing, which makes completion idempotent.
func (s *Store) FinishMessage(ctx context.Context, id string, status models.MessageStatus, errMsg string, completedAt time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("finish requires a terminal status, got %q", status)
	}
	query := s.w.Rebind(`
		UPDATE messages SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = 'processing'
	`)
	res, err := s.w.ExecContext(ctx, query, status, errMsg, toMillis(completedAt), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
