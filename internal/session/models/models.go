// Package models defines the domain entities owned by a session actor.
package models

import "time"

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionArchived  SessionStatus = "archived"
	SessionFailed    SessionStatus = "failed"
)

// IsTerminal reports whether the session rejects new prompts.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionArchived
}

// Session is the singleton row describing one collaborative coding session.
type Session struct {
	ID              string        `json:"id" db:"id"`
	RepoOwner       string        `json:"repo_owner" db:"repo_owner"`
	RepoName        string        `json:"repo_name" db:"repo_name"`
	RepoID          string        `json:"repo_id" db:"repo_id"`
	Title           string        `json:"title,omitempty" db:"title"`
	Status          SessionStatus `json:"status" db:"status"`
	CurrentSHA      string        `json:"current_sha,omitempty" db:"current_sha"`
	Model           string        `json:"model" db:"model"`
	ReasoningEffort string        `json:"reasoning_effort,omitempty" db:"reasoning_effort"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

// ParticipantRole distinguishes the session owner from invited members.
type ParticipantRole string

const (
	RoleOwner  ParticipantRole = "owner"
	RoleMember ParticipantRole = "member"
)

// Participant is a user attached to a session. TokenHash is the only stored
// form of the subscriber token; the raw token is returned once at issuance.
type Participant struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	Role           ParticipantRole `json:"role" db:"role"`
	GithubLogin    string          `json:"github_login,omitempty" db:"github_login"`
	DisplayName    string          `json:"display_name,omitempty" db:"display_name"`
	AvatarURL      string          `json:"avatar_url,omitempty" db:"avatar_url"`
	TokenHash      string          `json:"-" db:"ws_auth_token"`
	TokenCreatedAt *time.Time      `json:"-" db:"token_created_at"`
	JoinedAt       time.Time       `json:"joined_at" db:"joined_at"`
	LastSeen       time.Time       `json:"last_seen" db:"last_seen"`
}

// MessageStatus represents the processing state of a prompt.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
	MessageCancelled  MessageStatus = "cancelled"
)

// IsTerminal reports whether the message has finished.
func (s MessageStatus) IsTerminal() bool {
	return s == MessageCompleted || s == MessageFailed || s == MessageCancelled
}

// MessageSource identifies where a prompt entered the system.
type MessageSource string

const (
	SourceWeb       MessageSource = "web"
	SourceSlack     MessageSource = "slack"
	SourceExtension MessageSource = "extension"
)

// Attachment is an inline binary (image) included with a prompt.
type Attachment struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

// Message is a queued user prompt. Status moves pending -> processing ->
// {completed|failed|cancelled} and never backwards; at most one message per
// session is processing at any instant.
type Message struct {
	ID                  string                 `json:"id" db:"id"`
	AuthorParticipantID string                 `json:"author_participant_id" db:"author_participant_id"`
	Content             string                 `json:"content" db:"content"`
	Source              MessageSource          `json:"source" db:"source"`
	Status              MessageStatus          `json:"status" db:"status"`
	ReasoningEffort     string                 `json:"reasoning_effort,omitempty" db:"reasoning_effort"`
	Attachments         []Attachment           `json:"attachments,omitempty"`
	CallbackContext     map[string]interface{} `json:"callback_context,omitempty"`
	Error               string                 `json:"error,omitempty" db:"error"`
	CreatedAt           time.Time              `json:"created_at" db:"created_at"`
	StartedAt           *time.Time             `json:"started_at,omitempty" db:"started_at"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
}

// Event types emitted by the sandbox and the actor.
const (
	EventUserMessage       = "user_message"
	EventToken             = "token"
	EventToolCall          = "tool_call"
	EventToolResult        = "tool_result"
	EventExecutionComplete = "execution_complete"
	EventGitSync           = "git_sync"
	EventArtifact          = "artifact"
	EventError             = "error"
	EventHeartbeat         = "heartbeat"
)

// EventCategory groups event types for persistence and filtering policy.
type EventCategory string

const (
	CategoryExecution EventCategory = "execution"
	CategoryGit       EventCategory = "git"
	CategoryArtifact  EventCategory = "artifact"
	CategorySystem    EventCategory = "system"
)

// ShouldPersist reports whether events of this type belong in the log.
// Heartbeats only refresh the sandbox record.
func ShouldPersist(eventType string) bool {
	return eventType != EventHeartbeat
}

// CategoryOf is the authoritative mapping from event type to category, used
// by the ingress persistence policy and by subscribers that filter.
func CategoryOf(eventType string) EventCategory {
	switch eventType {
	case EventUserMessage, EventToken, EventToolCall, EventToolResult, EventExecutionComplete:
		return CategoryExecution
	case EventGitSync:
		return CategoryGit
	case EventArtifact:
		return CategoryArtifact
	default:
		return CategorySystem
	}
}

// Event is one record of the append-only, totally ordered session log.
// The id is chosen by the emitter and drives ingestion idempotency.
type Event struct {
	ID        string                 `json:"id" db:"id"`
	Type      string                 `json:"type" db:"type"`
	MessageID string                 `json:"message_id,omitempty" db:"message_id"`
	CallID    string                 `json:"call_id,omitempty" db:"call_id"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// Key returns the total-order key of the event.
func (e *Event) Key() EventKey {
	return EventKey{CreatedAt: e.CreatedAt.UnixMilli(), ID: e.ID}
}

// EventKey is the (createdAt, id) tuple that totally orders the log.
type EventKey struct {
	CreatedAt int64  `json:"created_at"`
	ID        string `json:"id"`
}

// Less reports whether k is strictly before other in log order.
func (k EventKey) Less(other EventKey) bool {
	if k.CreatedAt != other.CreatedAt {
		return k.CreatedAt < other.CreatedAt
	}
	return k.ID < other.ID
}

// SandboxStatus represents the declared lifecycle state of the sandbox.
// The sandbox itself reports these over heartbeats; the controller derives
// the rest from command flow.
type SandboxStatus string

const (
	SandboxPending SandboxStatus = "pending"
	SandboxWarming SandboxStatus = "warming"
	SandboxSyncing SandboxStatus = "syncing"
	SandboxReady   SandboxStatus = "ready"
	SandboxRunning SandboxStatus = "running"
	SandboxStopped SandboxStatus = "stopped"
	SandboxFailed  SandboxStatus = "failed"
)

// IsValid reports whether s is one of the declared sandbox states.
func (s SandboxStatus) IsValid() bool {
	switch s {
	case SandboxPending, SandboxWarming, SandboxSyncing, SandboxReady,
		SandboxRunning, SandboxStopped, SandboxFailed:
		return true
	}
	return false
}

// IsAlive reports whether the controller believes the sandbox is up.
func (s SandboxStatus) IsAlive() bool {
	switch s {
	case SandboxWarming, SandboxSyncing, SandboxReady, SandboxRunning:
		return true
	}
	return false
}

// SandboxRecord is the singleton row tracking the remote sandbox. Heartbeats
// update LastHeartbeat but are never persisted as events.
type SandboxRecord struct {
	SandboxID     string        `json:"sandbox_id,omitempty" db:"sandbox_id"`
	Status        SandboxStatus `json:"status" db:"status"`
	Hostname      string        `json:"hostname,omitempty" db:"hostname"`
	GitSyncStatus string        `json:"git_sync_status,omitempty" db:"git_sync_status"`
	LastHeartbeat *time.Time    `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// ArtifactType enumerates the artifact kinds produced by tool executions.
type ArtifactType string

const (
	ArtifactPR         ArtifactType = "pr"
	ArtifactScreenshot ArtifactType = "screenshot"
	ArtifactPreview    ArtifactType = "preview"
	ArtifactBranch     ArtifactType = "branch"
)

// Artifact is a durable output of a sandbox tool execution.
type Artifact struct {
	ID        string                 `json:"id" db:"id"`
	Type      ArtifactType           `json:"type" db:"type"`
	URL       string                 `json:"url,omitempty" db:"url"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}
