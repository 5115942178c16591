// Package v1 defines the wire DTOs of the operator HTTP surface.
package v1

import "github.com/coderelay/coderelay/internal/session/models"

// InitRequest creates or ensures a session.
type InitRequest struct {
	SessionID       string `json:"sessionId,omitempty"`
	SessionName     string `json:"sessionName,omitempty"`
	RepoOwner       string `json:"repoOwner"`
	RepoName        string `json:"repoName"`
	RepoID          string `json:"repoId,omitempty"`
	UserID          string `json:"userId"`
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
	GithubLogin     string `json:"githubLogin,omitempty"`
}

// InitResponse returns the ensured session id.
type InitResponse struct {
	SessionID string `json:"sessionId"`
}

// PromptRequest enqueues a prompt.
type PromptRequest struct {
	SessionID       string                 `json:"sessionId"`
	Content         string                 `json:"content"`
	AuthorID        string                 `json:"authorId"`
	Source          string                 `json:"source,omitempty"`
	Attachments     []models.Attachment    `json:"attachments,omitempty"`
	CallbackContext map[string]interface{} `json:"callbackContext,omitempty"`
	ReasoningEffort string                 `json:"reasoningEffort,omitempty"`
	GithubLogin     string                 `json:"githubLogin,omitempty"`
	DisplayName     string                 `json:"displayName,omitempty"`
}

// PromptResponse reports the stored message.
type PromptResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// WsTokenRequest issues a subscriber token.
type WsTokenRequest struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	GithubLogin string `json:"githubLogin,omitempty"`
	GithubName  string `json:"githubName,omitempty"`
}

// WsTokenResponse carries the raw token exactly once.
type WsTokenResponse struct {
	Token         string `json:"token"`
	ParticipantID string `json:"participantId"`
}

// ParticipantRequest adds or refreshes a participant.
type ParticipantRequest struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	Role        string `json:"role,omitempty"`
	GithubLogin string `json:"githubLogin,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// SandboxEventRequest is the ingress payload posted by the sandbox. The Data
// schema varies by Type.
type SandboxEventRequest struct {
	SessionID string                 `json:"sessionId"`
	ID        string                 `json:"id,omitempty"`
	Type      string                 `json:"type"`
	MessageID string                 `json:"messageId,omitempty"`
	CallID    string                 `json:"callId,omitempty"`
	SandboxID string                 `json:"sandboxId,omitempty"`
	Timestamp int64                  `json:"timestamp,omitempty"` // epoch milliseconds
	Data      map[string]interface{} `json:"data,omitempty"`
	Success   *bool                  `json:"success,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Status    string                 `json:"status,omitempty"`
	SHA       string                 `json:"sha,omitempty"`
}

// EventsResponse is one page of the event log.
type EventsResponse struct {
	Events  []*models.Event `json:"events"`
	HasMore bool            `json:"hasMore"`
	Cursor  string          `json:"cursor,omitempty"`
}

// MessagesResponse is one page of the prompt history.
type MessagesResponse struct {
	Messages []*models.Message `json:"messages"`
	HasMore  bool              `json:"hasMore"`
	Cursor   string            `json:"cursor,omitempty"`
}

// ArtifactResponse reports a stored binary artifact.
type ArtifactResponse struct {
	ArtifactID string `json:"artifactId"`
	URL        string `json:"url"`
}
