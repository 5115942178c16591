// Package events defines the internal bus subjects used to decouple the
// session actors from the subscriber gateway.
package events

import "fmt"

// Internal event types carried on the bus.
const (
	// SessionEventAppended is published after an event is accepted into a
	// session's event log.
	SessionEventAppended = "session.event_appended"

	// SandboxStatusChanged is published when the sandbox controller moves
	// the sandbox between lifecycle states.
	SandboxStatusChanged = "sandbox.status_changed"

	// ProcessingStatusChanged is published when a message enters or leaves
	// the processing state.
	ProcessingStatusChanged = "processing.status_changed"
)

// BuildSessionEventSubject returns the subject for one session's appended events.
func BuildSessionEventSubject(sessionID string) string {
	return fmt.Sprintf("session.%s.event", sessionID)
}

// BuildSessionEventWildcardSubject matches appended events for all sessions.
func BuildSessionEventWildcardSubject() string {
	return "session.*.event"
}

// BuildSandboxStatusSubject returns the subject for one session's sandbox status.
func BuildSandboxStatusSubject(sessionID string) string {
	return fmt.Sprintf("session.%s.sandbox", sessionID)
}

// BuildSandboxStatusWildcardSubject matches sandbox status for all sessions.
func BuildSandboxStatusWildcardSubject() string {
	return "session.*.sandbox"
}

// BuildProcessingStatusSubject returns the subject for one session's processing status.
func BuildProcessingStatusSubject(sessionID string) string {
	return fmt.Sprintf("session.%s.processing", sessionID)
}

// BuildProcessingStatusWildcardSubject matches processing status for all sessions.
func BuildProcessingStatusWildcardSubject() string {
	return "session.*.processing"
}
