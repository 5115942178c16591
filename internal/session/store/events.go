package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coderelay/coderelay/internal/common/apperr"
	"github.com/coderelay/coderelay/internal/session/models"
)

const eventColumns = `id, type, message_id, call_id, data, created_at`

// ListEventsOptions controls paginated event log reads.
type ListEventsOptions struct {
	Type   string // optional filter, applied in the store
	Limit  int
	Cursor string // forward pagination: items strictly after the cursor
	Before string // backward pagination: items strictly before the cursor
}

// EventPage is one page of the event log.
type EventPage struct {
	Events  []*models.Event
	HasMore bool
	Cursor  string
}

func scanEvent(row interface {
	Scan(dest ...interface{}) error
}) (*models.Event, error) {
	e := &models.Event{}
	var dataJSON string
	var createdAt int64
	err := row.Scan(&e.ID, &e.Type, &e.MessageID, &e.CallID, &dataJSON, &createdAt)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = fromMillis(createdAt)
	if dataJSON != "" && dataJSON != "{}" {
		if err := json.Unmarshal([]byte(dataJSON), &e.Data); err != nil {
			return nil, fmt.Errorf("failed to deserialize event data: %w", err)
		}
	}
	return e, nil
}

// AppendEvent appends an event to the log. The emitter-chosen id is
// authoritative: re-appending an existing id returns ingress_conflict and
// leaves the log untouched.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, e *models.Event) error {
	if e.ID == "" {
		return apperr.BadRequest("event id is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	exists, err := s.HasEvent(ctx, sessionID, e.ID)
	if err != nil {
		return err
	}
	if exists {
		return apperr.IngressConflict(e.ID)
	}

	dataJSON := "{}"
	if e.Data != nil {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("failed to serialize event data: %w", err)
		}
		dataJSON = string(b)
	}

	query := s.w.Rebind(`
		INSERT INTO events (id, session_id, type, message_id, call_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = s.w.ExecContext(ctx, query,
		e.ID, sessionID, e.Type, e.MessageID, e.CallID, dataJSON, toMillis(e.CreatedAt))
	return err
}

// HasEvent reports whether an event id was already ingested for the session.
func (s *Store) HasEvent(ctx context.Context, sessionID, eventID string) (bool, error) {
	var count int
	query := s.r.Rebind(`SELECT COUNT(1) FROM events WHERE session_id = ? AND id = ?`)
	if err := s.r.QueryRowContext(ctx, query, sessionID, eventID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListEvents returns one page of the event log ordered by (created_at, id).
// Forward pages (Cursor) ascend; backward pages (Before) return the page
// immediately preceding the cursor, still in ascending order.
func (s *Store) ListEvents(ctx context.Context, sessionID string, opts ListEventsOptions) (*EventPage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if opts.Cursor != "" && opts.Before != "" {
		return nil, apperr.BadRequest("cursor and before are mutually exclusive")
	}
	if opts.Before != "" {
		return s.listEventsBefore(ctx, sessionID, opts, limit)
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE session_id = ?`
	args := []interface{}{sessionID}

	if opts.Type != "" {
		query += ` AND type = ?`
		args = append(args, opts.Type)
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

	events, err := s.queryEvents(ctx, query, args)
	if err != nil {
		return nil, err
	}

	page := &EventPage{}
	if len(events) > limit {
		page.HasMore = true
		events = events[:limit]
	}
	page.Events = events
	if page.HasMore && len(events) > 0 {
		last := events[len(events)-1]
		page.Cursor = encodeCursor(toMillis(last.CreatedAt), last.ID)
	}
	return page, nil
}

// listEventsBefore fetches the page preceding the cursor for history
// scrolling. Rows are collected descending then reversed to ascending.
func (s *Store) listEventsBefore(ctx context.Context, sessionID string, opts ListEventsOptions, limit int) (*EventPage, error) {
	ms, id, err := decodeCursor(opts.Before)
	if err != nil {
		return nil, apperr.BadRequest("invalid cursor")
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE session_id = ?`
	args := []interface{}{sessionID}
	if opts.Type != "" {
		query += ` AND type = ?`
		args = append(args, opts.Type)
	}
	query += ` AND (created_at < ? OR (created_at = ? AND id < ?))
		ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, ms, ms, id, limit+1)

	events, err := s.queryEvents(ctx, query, args)
	if err != nil {
		return nil, err
	}

	page := &EventPage{}
	if len(events) > limit {
		page.HasMore = true
		events = events[:limit]
	}
	// Reverse to ascending log order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	page.Events = events
	if len(events) > 0 {
		first := events[0]
		page.Cursor = encodeCursor(toMillis(first.CreatedAt), first.ID)
	}
	return page, nil
}

// TailEvents returns the most recent n events in ascending order, for the
// subscriber replay window.
func (s *Store) TailEvents(ctx context.Context, sessionID string, n int) ([]*models.Event, error) {
	if n <= 0 {
		return nil, nil
	}
	query := `
		SELECT ` + eventColumns + ` FROM events WHERE session_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`
	events, err := s.queryEvents(ctx, query, []interface{}{sessionID, n})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// LatestEventByCallID returns the newest event with the given call id, used
// by the subscriber layer's latest-wins view of evolving tool calls.
func (s *Store) LatestEventByCallID(ctx context.Context, sessionID, callID string) (*models.Event, error) {
	query := s.r.Rebind(`
		SELECT ` + eventColumns + ` FROM events
		WHERE session_id = ? AND call_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`)
	e, err := scanEvent(s.r.QueryRowContext(ctx, query, sessionID, callID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// HasEventForMessage reports whether an event of the given type already
// references the message, used to deduplicate execution_complete.
func (s *Store) HasEventForMessage(ctx context.Context, sessionID, eventType, messageID string) (bool, error) {
	var count int
	query := s.r.Rebind(`
		SELECT COUNT(1) FROM events WHERE session_id = ? AND type = ? AND message_id = ?
	`)
	if err := s.r.QueryRowContext(ctx, query, sessionID, eventType, messageID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args []interface{}) ([]*models.Event, error) {
	rows, err := s.r.QueryContext(ctx, s.r.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
