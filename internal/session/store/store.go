// Package store provides the persisted state surface for sessions: the
// session row, participants, the message (prompt) table, the append-only
// event log, the sandbox record, and artifacts.
//
// All timestamps are stored as epoch milliseconds. All writes go through the
// pool's writer connection; reads go through the reader pool.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/coderelay/coderelay/internal/db"
)

// Store provides database-backed storage for all session state.
type Store struct {
	w *sqlx.DB // writer
	r *sqlx.DB // reader
}

// New creates a Store on the given pool and initializes the schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{w: pool.Writer(), r: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	_, err := s.w.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		repo_owner TEXT NOT NULL,
		repo_name TEXT NOT NULL,
		repo_id TEXT DEFAULT '',
		title TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'created',
		current_sha TEXT DEFAULT '',
		model TEXT NOT NULL,
		reasoning_effort TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		github_login TEXT DEFAULT '',
		display_name TEXT DEFAULT '',
		avatar_url TEXT DEFAULT '',
		ws_auth_token TEXT DEFAULT '',
		token_created_at INTEGER,
		joined_at INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		UNIQUE(session_id, user_id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		author_participant_id TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'web',
		status TEXT NOT NULL DEFAULT 'pending',
		reasoning_effort TEXT,
		attachments TEXT DEFAULT '[]',
		callback_context TEXT DEFAULT '{}',
		error TEXT DEFAULT '',
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		message_id TEXT DEFAULT '',
		call_id TEXT DEFAULT '',
		data TEXT DEFAULT '{}',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS sandboxes (
		session_id TEXT PRIMARY KEY,
		sandbox_id TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		hostname TEXT DEFAULT '',
		git_sync_status TEXT DEFAULT '',
		last_heartbeat INTEGER,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		url TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_participants_session ON participants(session_id);
	CREATE INDEX IF NOT EXISTS idx_participants_token ON participants(ws_auth_token);
	CREATE INDEX IF NOT EXISTS idx_messages_session_status ON messages(session_id, status);
	CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_events_session_order ON events(session_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_events_session_type ON events(session_id, type, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id);
	`)
	return err
}

// toMillis converts a time to epoch milliseconds for storage.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// fromMillis converts stored epoch milliseconds back to UTC time.
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// nullMillis converts an optional time to a nullable column value.
func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// timePtr converts a nullable column value back to an optional time.
func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// nullString maps "" to NULL for columns where absence is meaningful
// (reasoning_effort).
func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
